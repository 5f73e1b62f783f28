package storage

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/orneryd/clear/pkg/embed"
	"golang.org/x/crypto/blake2b"
	"gonum.org/v1/gonum/mat"
)

// FeaturePath returns the feature file path for an epoch.
func FeaturePath(dir string, epoch int) string {
	return filepath.Join(dir, fmt.Sprintf("features_%d.bin", epoch))
}

// WriteFeatures writes m as a gonum binary matrix (float64) to
// FeaturePath(dir, epoch) and returns the record to store. The file is
// written under a temporary name and renamed into place.
func WriteFeatures(dir string, epoch int, m *embed.Matrix) (FeatureRecord, error) {
	if m == nil || m.Rows == 0 || m.Dims == 0 {
		return FeatureRecord{}, errors.Mark(errors.New("refusing to write an empty feature matrix"), ErrInvalidData)
	}
	data, err := m.Dense().MarshalBinary()
	if err != nil {
		return FeatureRecord{}, errors.Wrap(err, "encode features")
	}

	path := FeaturePath(dir, epoch)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return FeatureRecord{}, errors.Wrapf(err, "write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return FeatureRecord{}, errors.Wrapf(err, "rename %s", tmp)
	}

	sum := blake2b.Sum256(data)
	return FeatureRecord{
		Epoch:    epoch,
		Path:     path,
		Rows:     m.Rows,
		Dims:     m.Dims,
		Checksum: hex.EncodeToString(sum[:]),
		SavedAt:  time.Now().UTC(),
	}, nil
}

// ReadFeatures loads the matrix a record points at. When the record carries
// a checksum the file must match it, otherwise ErrChecksumMismatch is
// returned.
func ReadFeatures(rec FeatureRecord) (*embed.Matrix, error) {
	data, err := os.ReadFile(rec.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", rec.Path)
	}
	if rec.Checksum != "" {
		sum := blake2b.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != rec.Checksum {
			return nil, errors.Mark(
				errors.Newf("%s: checksum %s, recorded %s", rec.Path, got, rec.Checksum),
				ErrChecksumMismatch)
		}
	}
	return decodeFeatures(rec.Path, data)
}

// ReadFeatureFile loads a feature file without checksum verification.
func ReadFeatureFile(path string) (*embed.Matrix, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return decodeFeatures(path, data)
}

func decodeFeatures(path string, data []byte) (*embed.Matrix, error) {
	var d mat.Dense
	if err := d.UnmarshalBinary(data); err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "decode %s", path), ErrInvalidData)
	}
	return embed.FromDense(&d), nil
}
