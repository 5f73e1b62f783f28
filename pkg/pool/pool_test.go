package pool

import (
	"sync"
	"testing"
)

// =============================================================================
// Configuration Tests
// =============================================================================

func TestConfigure(t *testing.T) {
	origConfig := globalConfig
	defer func() {
		Configure(origConfig)
	}()

	t.Run("enable pooling", func(t *testing.T) {
		Configure(PoolConfig{Enabled: true, MaxSize: 500})

		if !IsEnabled() {
			t.Error("IsEnabled() = false, want true")
		}
		if globalConfig.MaxSize != 500 {
			t.Errorf("MaxSize = %d, want 500", globalConfig.MaxSize)
		}
	})

	t.Run("disable pooling", func(t *testing.T) {
		Configure(PoolConfig{Enabled: false, MaxSize: 1000})

		if IsEnabled() {
			t.Error("IsEnabled() = true, want false")
		}
		buf := GetFloat32(8)
		if len(buf) != 8 {
			t.Errorf("len = %d, want 8", len(buf))
		}
		PutFloat32(buf)
	})
}

// =============================================================================
// Buffer Pool Tests
// =============================================================================

func TestFloat32Pool(t *testing.T) {
	Configure(PoolConfig{Enabled: true, MaxSize: 1 << 20})

	t.Run("get returns zeroed slice of requested length", func(t *testing.T) {
		buf := GetFloat32(16)
		if len(buf) != 16 {
			t.Fatalf("len = %d, want 16", len(buf))
		}
		for i, v := range buf {
			if v != 0 {
				t.Fatalf("buf[%d] = %v, want 0", i, v)
			}
		}
		PutFloat32(buf)
	})

	t.Run("reused buffer is cleared", func(t *testing.T) {
		buf := GetFloat32(4)
		for i := range buf {
			buf[i] = 42
		}
		PutFloat32(buf)

		again := GetFloat32(4)
		for i, v := range again {
			if v != 0 {
				t.Fatalf("again[%d] = %v, want 0", i, v)
			}
		}
		PutFloat32(again)
	})

	t.Run("larger request than pooled capacity", func(t *testing.T) {
		PutFloat32(make([]float32, 2))
		buf := GetFloat32(1024)
		if len(buf) != 1024 {
			t.Errorf("len = %d, want 1024", len(buf))
		}
	})

	t.Run("oversized buffers are not pooled", func(t *testing.T) {
		Configure(PoolConfig{Enabled: true, MaxSize: 8})
		PutFloat32(make([]float32, 64))
		buf := GetFloat32(4)
		if cap(buf) == 64 {
			t.Error("oversized buffer was pooled")
		}
		Configure(PoolConfig{Enabled: true, MaxSize: 1 << 20})
	})
}

func TestFloat64AndIntPools(t *testing.T) {
	Configure(PoolConfig{Enabled: true, MaxSize: 1 << 20})

	f := GetFloat64(10)
	f[3] = 1.5
	PutFloat64(f)
	f = GetFloat64(10)
	if f[3] != 0 {
		t.Errorf("float64 buffer not cleared: %v", f[3])
	}

	ints := GetInts(5)
	ints[0] = 7
	PutInts(ints)
	ints = GetInts(5)
	if ints[0] != 0 {
		t.Errorf("int buffer not cleared: %v", ints[0])
	}
}

func TestConcurrentAccess(t *testing.T) {
	Configure(PoolConfig{Enabled: true, MaxSize: 1 << 20})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				buf := GetFloat32(64)
				buf[0] = float32(i)
				PutFloat32(buf)
			}
		}()
	}
	wg.Wait()
}
