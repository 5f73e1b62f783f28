// Package storage persists the artifacts of a training run.
//
// Two kinds of artifacts are kept:
//   - feature files (features_<epoch>.bin), written next to the results log
//     in gonum's binary matrix format
//   - run metadata in a BadgerDB store: the run manifest, ground-truth
//     labels, one record per feature file (with its blake2b checksum), the
//     prototype context of every published round, round outcomes and the
//     evaluation rows
//
// Everything in the store is keyed by a run ID (a UUID), so several runs
// can share one experiment directory.
//
// Example Usage:
//
//	store, err := storage.NewArtifactStore(filepath.Join(expDir, "store"))
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
//	manifest := storage.NewManifest("pbmc", ds.NumCells(), ds.NumGenes(), []int{7, 50})
//	if err := store.PutManifest(manifest); err != nil {
//		return err
//	}
//
//	rec, err := storage.WriteFeatures(expDir, epoch, features)
//	if err != nil {
//		return err
//	}
//	store.PutFeatureRecord(manifest.RunID, rec)
package storage

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Common errors
var (
	ErrNotFound         = errors.New("storage: not found")
	ErrInvalidID        = errors.New("storage: invalid id")
	ErrInvalidData      = errors.New("storage: invalid data")
	ErrStorageClosed    = errors.New("storage: closed")
	ErrChecksumMismatch = errors.New("storage: checksum mismatch")
)

// Manifest describes one training run.
type Manifest struct {
	RunID         string    `json:"runId"`
	Dataset       string    `json:"dataset"`
	NumCells      int       `json:"numCells"`
	NumGenes      int       `json:"numGenes"`
	Granularities []int     `json:"granularities"`
	Config        string    `json:"config,omitempty"` // effective config as YAML
	CreatedAt     time.Time `json:"createdAt"`
}

// NewManifest returns a manifest with a fresh run ID.
func NewManifest(dataset string, numCells, numGenes int, granularities []int) *Manifest {
	return &Manifest{
		RunID:         uuid.NewString(),
		Dataset:       dataset,
		NumCells:      numCells,
		NumGenes:      numGenes,
		Granularities: append([]int(nil), granularities...),
		CreatedAt:     time.Now().UTC(),
	}
}

// FeatureRecord points at one persisted feature file.
type FeatureRecord struct {
	Epoch    int       `json:"epoch"`
	Path     string    `json:"path"`
	Rows     int       `json:"rows"`
	Dims     int       `json:"dims"`
	Checksum string    `json:"checksum"` // hex blake2b-256 of the file
	SavedAt  time.Time `json:"savedAt"`
}

// RoundStatus is the outcome of one clustering round.
type RoundStatus string

const (
	RoundPublished RoundStatus = "published"
	RoundSkipped   RoundStatus = "skipped"
)

// RoundRecord records what happened at a scheduled clustering epoch.
type RoundRecord struct {
	Epoch    int           `json:"epoch"`
	Status   RoundStatus   `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}
