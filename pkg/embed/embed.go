// Package embed collects embeddings of a whole dataset from an encoder.
//
// The collector runs the encoder in evaluation mode over fixed-size batches
// in dataset order and stacks the outputs into one row-major Matrix. The
// matrix is what the clusterer and the evaluation scorer consume.
//
// Example Usage:
//
//	enc, _ := embed.NewMLPEncoder(ds.NumGenes(), 512, 128)
//	features, labels, err := embed.Collect(ctx, enc, ds, 2560)
//	if err != nil {
//		return err
//	}
//	features.HalveLongRows(embed.DefaultNormThreshold)
//
// ELI12 (Explain Like I'm 12):
//
// Every cell is a long list of gene counts. The encoder squeezes each list
// into a short list of numbers (say 128) so that cells of the same type end
// up close together. Collect just asks the encoder for every cell's short
// list, in order, and glues them into one big table.
package embed

import (
	"context"
)

// Mode tells an encoder whether it is being trained or only evaluated.
type Mode int

const (
	// ModeTrain tracks whatever state a training step needs.
	ModeTrain Mode = iota
	// ModeEval is inference only: no parameter updates, no gradient state.
	ModeEval
)

func (m Mode) String() string {
	if m == ModeEval {
		return "eval"
	}
	return "train"
}

// Encoder maps a batch of raw samples to a batch of embeddings.
//
// Implementations must return exactly one row of Dimensions() values per
// input sample.
type Encoder interface {
	// Encode embeds every sample of batch
	Encode(ctx context.Context, batch [][]float32, mode Mode) ([][]float32, error)

	// Dimensions returns the embedding width
	Dimensions() int
}

// Batch is a contiguous slice of a dataset.
type Batch struct {
	Samples [][]float32
	Indices []int
	Labels  []int
}

// Len returns the number of samples in the batch.
func (b Batch) Len() int {
	return len(b.Samples)
}

// Dataset is an indexable expression matrix with one label per row.
type Dataset interface {
	// NumCells returns the number of samples
	NumCells() int

	// NumGenes returns the width of a raw sample
	NumGenes() int

	// UniqueLabels returns the distinct label values, ascending
	UniqueLabels() []int

	// Batch returns rows [start, end)
	Batch(start, end int) (Batch, error)
}
