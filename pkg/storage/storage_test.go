package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/orneryd/clear/pkg/embed"
	"github.com/orneryd/clear/pkg/eval"
	"github.com/orneryd/clear/pkg/prototype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *ArtifactStore {
	t.Helper()
	store, err := NewArtifactStoreInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestManifest(t *testing.T) {
	store := newTestStore(t)

	m := NewManifest("pbmc", 300, 2000, []int{7, 50})
	require.NotEmpty(t, m.RunID)
	require.NoError(t, store.PutManifest(m))

	got, err := store.GetManifest(m.RunID)
	require.NoError(t, err)
	assert.Equal(t, "pbmc", got.Dataset)
	assert.Equal(t, []int{7, 50}, got.Granularities)
	assert.Equal(t, 2000, got.NumGenes)

	other := NewManifest("baron", 10, 20, []int{3})
	assert.NotEqual(t, m.RunID, other.RunID)
	require.NoError(t, store.PutManifest(other))

	runs, err := store.ListRuns()
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	t.Run("missing", func(t *testing.T) {
		_, err := store.GetManifest("nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("invalid", func(t *testing.T) {
		assert.ErrorIs(t, store.PutManifest(nil), ErrInvalidData)
		assert.ErrorIs(t, store.PutManifest(&Manifest{}), ErrInvalidID)
		_, err := store.GetManifest("")
		assert.ErrorIs(t, err, ErrInvalidID)
	})
}

func TestLabels(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.PutLabels("run", []int{2, 0, 1, 1}))

	labels, err := store.GetLabels("run")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0, 1, 1}, labels)

	_, err = store.GetLabels("other")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEpochRecordsAreOrdered(t *testing.T) {
	store := newTestStore(t)

	// Written out of order; 256 would sort before 3 as a decimal string.
	for _, epoch := range []int{256, 3, 20} {
		require.NoError(t, store.PutResult("run", eval.ResultRow{Epoch: epoch, ARI: float64(epoch) / 1000}))
		require.NoError(t, store.PutRound("run", RoundRecord{Epoch: epoch, Status: RoundPublished}))
	}
	// A run whose ID extends "run" must not leak into the scan.
	require.NoError(t, store.PutResult("run2", eval.ResultRow{Epoch: 1}))

	rows, err := store.Results("run")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []int{3, 20, 256}, []int{rows[0].Epoch, rows[1].Epoch, rows[2].Epoch})
	assert.Equal(t, 0.256, rows[2].ARI)

	rounds, err := store.Rounds("run")
	require.NoError(t, err)
	assert.Len(t, rounds, 3)
	assert.Equal(t, RoundPublished, rounds[0].Status)
}

func TestPrototypes(t *testing.T) {
	store := newTestStore(t)

	_, err := store.LatestPrototypes("run")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, epoch := range []int{10, 30, 20} {
		ctx := &prototype.Context{
			Epoch: epoch,
			Granularities: []prototype.Granularity{{
				K:             2,
				Assignments:   []int{0, 1, 1},
				Centroids:     [][]float32{{1, 0}, {0, 1}},
				Concentration: []float64{0.1, 0.3},
			}},
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, store.PutPrototypes("run", ctx))
	}

	latest, err := store.LatestPrototypes("run")
	require.NoError(t, err)
	assert.Equal(t, 30, latest.Epoch)
	assert.Equal(t, []int{2}, latest.Ks())

	got, err := store.GetPrototypes("run", 20)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.3}, got.Granularities[0].Concentration)
	assert.Equal(t, []float32{0, 1}, got.Granularities[0].Centroids[1])

	assert.ErrorIs(t, store.PutPrototypes("run", nil), ErrInvalidData)
}

func TestClosedStore(t *testing.T) {
	store, err := NewArtifactStoreInMemory()
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	assert.ErrorIs(t, store.PutLabels("run", []int{1}), ErrStorageClosed)
	_, err = store.Results("run")
	assert.ErrorIs(t, err, ErrStorageClosed)
	assert.ErrorIs(t, store.Sync(), ErrStorageClosed)
}

func TestPersistentStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewArtifactStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.PutLabels("run", []int{4, 5}))
	require.NoError(t, store.Close())

	reopened, err := NewArtifactStore(dir)
	require.NoError(t, err)
	defer reopened.Close()
	labels, err := reopened.GetLabels("run")
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, labels)
}

func TestFeatures(t *testing.T) {
	dir := t.TempDir()
	m, err := embed.FromRows([][]float32{{1, 0.5, -2}, {0.25, 3, 0}})
	require.NoError(t, err)

	rec, err := WriteFeatures(dir, 40, m)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "features_40.bin"), rec.Path)
	assert.Equal(t, 2, rec.Rows)
	assert.Equal(t, 3, rec.Dims)
	assert.Len(t, rec.Checksum, 64)

	loaded, err := ReadFeatures(rec)
	require.NoError(t, err)
	assert.Equal(t, m.Data, loaded.Data)
	assert.Equal(t, 3, loaded.Dims)

	t.Run("store_round_trip", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.PutFeatureRecord("run", rec))
		got, err := store.GetFeatureRecord("run", 40)
		require.NoError(t, err)
		assert.Equal(t, rec.Checksum, got.Checksum)

		all, err := store.FeatureRecords("run")
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("tampered_file", func(t *testing.T) {
		data, err := os.ReadFile(rec.Path)
		require.NoError(t, err)
		data[len(data)-1] ^= 0xFF
		require.NoError(t, os.WriteFile(rec.Path, data, 0o644))

		_, err = ReadFeatures(rec)
		assert.True(t, errors.Is(err, ErrChecksumMismatch))

		// Unverified reads still decode.
		_, err = ReadFeatureFile(rec.Path)
		assert.NoError(t, err)
	})

	t.Run("empty_matrix", func(t *testing.T) {
		_, err := WriteFeatures(dir, 1, &embed.Matrix{})
		assert.True(t, errors.Is(err, ErrInvalidData))
	})
}
