package embed

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Collect embeds every sample of ds with enc in ModeEval, batchSize rows at
// a time, and returns the embeddings with their labels in dataset order.
func Collect(ctx context.Context, enc Encoder, ds Dataset, batchSize int) (*Matrix, []int, error) {
	if batchSize <= 0 {
		return nil, nil, errors.Newf("batch size must be positive, got %d", batchSize)
	}
	n := ds.NumCells()
	if n == 0 {
		return nil, nil, errors.New("dataset is empty")
	}
	dims := enc.Dimensions()
	if dims <= 0 {
		return nil, nil, errors.Newf("encoder reports %d dimensions", dims)
	}

	features := NewMatrix(n, dims)
	labels := make([]int, n)
	seen := 0

	for start := 0; start < n; start += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, nil, errors.Wrap(err, "collect embeddings")
		}
		end := min(start+batchSize, n)
		batch, err := ds.Batch(start, end)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "load batch [%d, %d)", start, end)
		}
		if batch.Len() != end-start || len(batch.Labels) != batch.Len() {
			return nil, nil, errors.Newf("batch [%d, %d) returned %d samples and %d labels",
				start, end, batch.Len(), len(batch.Labels))
		}

		out, err := enc.Encode(ctx, batch.Samples, ModeEval)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "encode batch [%d, %d)", start, end)
		}
		if len(out) != batch.Len() {
			return nil, nil, errors.Newf("encoder returned %d rows for %d samples", len(out), batch.Len())
		}

		for i, row := range out {
			if len(row) != dims {
				return nil, nil, errors.Newf("encoder returned %d dims for sample %d, want %d", len(row), start+i, dims)
			}
			copy(features.Row(start+i), row)
			labels[start+i] = batch.Labels[i]
		}
		seen += len(out)
	}

	if seen != n {
		return nil, nil, errors.Newf("collected %d rows, dataset has %d", seen, n)
	}
	return features, labels, nil
}
