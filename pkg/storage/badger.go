package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/orneryd/clear/pkg/eval"
	"github.com/orneryd/clear/pkg/prototype"
	"go.uber.org/zap"
)

// Key prefixes for BadgerDB storage organization
// Using single-byte prefixes for efficiency
const (
	prefixManifest   = byte(0x01) // manifest:runID -> Manifest
	prefixLabels     = byte(0x02) // labels:runID -> []int
	prefixFeatures   = byte(0x03) // features:runID:epoch -> FeatureRecord
	prefixPrototypes = byte(0x04) // prototypes:runID:epoch -> prototype.Context
	prefixRounds     = byte(0x05) // rounds:runID:epoch -> RoundRecord
	prefixResults    = byte(0x06) // results:runID:epoch -> eval.ResultRow
)

// ArtifactStore keeps run metadata in BadgerDB.
//
// Key Structure:
//   - Manifest:   0x01 + runID
//   - Labels:     0x02 + runID
//   - Features:   0x03 + runID + 0x00 + epoch (8 bytes, big endian)
//   - Prototypes: 0x04 + runID + 0x00 + epoch
//   - Rounds:     0x05 + runID + 0x00 + epoch
//   - Results:    0x06 + runID + 0x00 + epoch
//
// Epochs are encoded big endian so prefix scans return them in order.
//
// Thread Safety:
//
//	Safe for concurrent use from multiple goroutines.
type ArtifactStore struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// BadgerOptions configures the artifact store.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output.
	// If nil, BadgerDB logging is disabled.
	Logger *zap.SugaredLogger
}

// NewArtifactStore opens (or creates) a persistent store in dataDir.
func NewArtifactStore(dataDir string) (*ArtifactStore, error) {
	return NewArtifactStoreWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewArtifactStoreInMemory creates an in-memory store for testing.
func NewArtifactStoreInMemory() (*ArtifactStore, error) {
	return NewArtifactStoreWithOptions(BadgerOptions{InMemory: true})
}

// NewArtifactStoreWithOptions creates a store with custom configuration.
func NewArtifactStoreWithOptions(opts BadgerOptions) (*ArtifactStore, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(badgerLogger{opts.Logger})
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	// Run metadata is small; keep the footprint low.
	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithBlockCacheSize(8 << 20).
		WithIndexCacheSize(4 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &ArtifactStore{db: db}, nil
}

// badgerLogger routes BadgerDB logs to zap.
type badgerLogger struct {
	l *zap.SugaredLogger
}

func (b badgerLogger) Errorf(f string, v ...interface{})   { b.l.Errorf(f, v...) }
func (b badgerLogger) Warningf(f string, v ...interface{}) { b.l.Warnf(f, v...) }
func (b badgerLogger) Infof(f string, v ...interface{})    { b.l.Debugf(f, v...) }
func (b badgerLogger) Debugf(f string, v ...interface{})   { b.l.Debugf(f, v...) }

// ============================================================================
// Key encoding helpers
// ============================================================================

func runKey(prefix byte, runID string) []byte {
	key := make([]byte, 0, 1+len(runID))
	key = append(key, prefix)
	return append(key, runID...)
}

// epochPrefix returns prefix + runID + 0x00, the scan prefix for a run.
func epochPrefix(prefix byte, runID string) []byte {
	key := make([]byte, 0, 1+len(runID)+1+8)
	key = append(key, prefix)
	key = append(key, runID...)
	return append(key, 0x00)
}

func epochKey(prefix byte, runID string, epoch int) []byte {
	return binary.BigEndian.AppendUint64(epochPrefix(prefix, runID), uint64(epoch))
}

// ============================================================================
// Generic helpers
// ============================================================================

func (s *ArtifactStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStorageClosed
	}
	return nil
}

func (s *ArtifactStore) putJSON(key []byte, v any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (s *ArtifactStore) getJSON(key []byte, v any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
}

// scanJSON decodes every value under prefix, in key order, with decode.
func (s *ArtifactStore) scanJSON(prefix []byte, decode func(val []byte) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			if err := it.Item().Value(decode); err != nil {
				return err
			}
		}
		return nil
	})
}

// ============================================================================
// Manifest and labels
// ============================================================================

// PutManifest stores (or replaces) a run manifest.
func (s *ArtifactStore) PutManifest(m *Manifest) error {
	if m == nil {
		return ErrInvalidData
	}
	if m.RunID == "" {
		return ErrInvalidID
	}
	return s.putJSON(runKey(prefixManifest, m.RunID), m)
}

// GetManifest loads a run manifest.
func (s *ArtifactStore) GetManifest(runID string) (*Manifest, error) {
	if runID == "" {
		return nil, ErrInvalidID
	}
	var m Manifest
	if err := s.getJSON(runKey(prefixManifest, runID), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListRuns returns every stored manifest ordered by run ID.
func (s *ArtifactStore) ListRuns() ([]*Manifest, error) {
	var runs []*Manifest
	err := s.scanJSON([]byte{prefixManifest}, func(val []byte) error {
		var m Manifest
		if err := json.Unmarshal(val, &m); err != nil {
			return err
		}
		runs = append(runs, &m)
		return nil
	})
	return runs, err
}

// PutLabels stores the ground-truth labels of a run.
func (s *ArtifactStore) PutLabels(runID string, labels []int) error {
	if runID == "" {
		return ErrInvalidID
	}
	return s.putJSON(runKey(prefixLabels, runID), labels)
}

// GetLabels loads the ground-truth labels of a run.
func (s *ArtifactStore) GetLabels(runID string) ([]int, error) {
	if runID == "" {
		return nil, ErrInvalidID
	}
	var labels []int
	if err := s.getJSON(runKey(prefixLabels, runID), &labels); err != nil {
		return nil, err
	}
	return labels, nil
}

// ============================================================================
// Per-epoch records
// ============================================================================

// PutFeatureRecord stores the record of a written feature file.
func (s *ArtifactStore) PutFeatureRecord(runID string, rec FeatureRecord) error {
	if runID == "" {
		return ErrInvalidID
	}
	return s.putJSON(epochKey(prefixFeatures, runID, rec.Epoch), rec)
}

// GetFeatureRecord loads the feature record of one epoch.
func (s *ArtifactStore) GetFeatureRecord(runID string, epoch int) (FeatureRecord, error) {
	var rec FeatureRecord
	if runID == "" {
		return rec, ErrInvalidID
	}
	err := s.getJSON(epochKey(prefixFeatures, runID, epoch), &rec)
	return rec, err
}

// FeatureRecords returns every feature record of a run in epoch order.
func (s *ArtifactStore) FeatureRecords(runID string) ([]FeatureRecord, error) {
	var recs []FeatureRecord
	err := s.scanJSON(epochPrefix(prefixFeatures, runID), func(val []byte) error {
		var rec FeatureRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		recs = append(recs, rec)
		return nil
	})
	return recs, err
}

// PutPrototypes stores the prototype context published at ctx.Epoch.
func (s *ArtifactStore) PutPrototypes(runID string, ctx *prototype.Context) error {
	if runID == "" {
		return ErrInvalidID
	}
	if ctx == nil {
		return ErrInvalidData
	}
	return s.putJSON(epochKey(prefixPrototypes, runID, ctx.Epoch), ctx)
}

// GetPrototypes loads the prototype context of one epoch.
func (s *ArtifactStore) GetPrototypes(runID string, epoch int) (*prototype.Context, error) {
	if runID == "" {
		return nil, ErrInvalidID
	}
	var ctx prototype.Context
	if err := s.getJSON(epochKey(prefixPrototypes, runID, epoch), &ctx); err != nil {
		return nil, err
	}
	return &ctx, nil
}

// LatestPrototypes returns the most recent stored prototype context of a
// run, or ErrNotFound.
func (s *ArtifactStore) LatestPrototypes(runID string) (*prototype.Context, error) {
	if runID == "" {
		return nil, ErrInvalidID
	}
	var latest []byte
	err := s.scanJSON(epochPrefix(prefixPrototypes, runID), func(val []byte) error {
		latest = append(latest[:0], val...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	var ctx prototype.Context
	if err := json.Unmarshal(latest, &ctx); err != nil {
		return nil, fmt.Errorf("failed to decode prototypes: %w", err)
	}
	return &ctx, nil
}

// PutRound records the outcome of a clustering round.
func (s *ArtifactStore) PutRound(runID string, rec RoundRecord) error {
	if runID == "" {
		return ErrInvalidID
	}
	return s.putJSON(epochKey(prefixRounds, runID, rec.Epoch), rec)
}

// Rounds returns every round record of a run in epoch order.
func (s *ArtifactStore) Rounds(runID string) ([]RoundRecord, error) {
	var recs []RoundRecord
	err := s.scanJSON(epochPrefix(prefixRounds, runID), func(val []byte) error {
		var rec RoundRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		recs = append(recs, rec)
		return nil
	})
	return recs, err
}

// PutResult stores one evaluation row.
func (s *ArtifactStore) PutResult(runID string, row eval.ResultRow) error {
	if runID == "" {
		return ErrInvalidID
	}
	return s.putJSON(epochKey(prefixResults, runID, row.Epoch), row)
}

// Results returns every evaluation row of a run in epoch order.
func (s *ArtifactStore) Results(runID string) ([]eval.ResultRow, error) {
	var rows []eval.ResultRow
	err := s.scanJSON(epochPrefix(prefixResults, runID), func(val []byte) error {
		var row eval.ResultRow
		if err := json.Unmarshal(val, &row); err != nil {
			return err
		}
		rows = append(rows, row)
		return nil
	})
	return rows, err
}

// ============================================================================
// Lifecycle
// ============================================================================

// Close closes the BadgerDB database.
func (s *ArtifactStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Sync forces a sync of all data to disk.
func (s *ArtifactStore) Sync() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.Sync()
}

// RunGC runs garbage collection on the BadgerDB value log.
// badger.ErrNoRewrite (nothing to collect) is not reported.
func (s *ArtifactStore) RunGC() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
		return err
	}
	return nil
}
