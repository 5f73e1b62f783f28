package embed

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/openfluke/loom/nn"
	"github.com/orneryd/clear/pkg/math/vector"
)

// MLPEncoder is a two-layer perceptron (Dense+LeakyReLU, Dense+Tanh) whose
// outputs are L2-normalized. It runs on the CPU through loom.
//
// The loom network keeps per-forward activations, so calls are serialized.
type MLPEncoder struct {
	mu     sync.Mutex
	net    *nn.Network
	inDim  int
	outDim int
}

// NewMLPEncoder builds a freshly initialized encoder.
func NewMLPEncoder(inDim, hiddenDim, outDim int) (*MLPEncoder, error) {
	if inDim <= 0 || hiddenDim <= 0 || outDim <= 0 {
		return nil, errors.Newf("invalid encoder shape %d→%d→%d", inDim, hiddenDim, outDim)
	}
	net := nn.NewNetwork(inDim, 1, 1, 2)
	net.BatchSize = 1
	net.SetLayer(0, 0, 0, nn.InitDenseLayer(inDim, hiddenDim, nn.ActivationLeakyReLU))
	net.SetLayer(0, 0, 1, nn.InitDenseLayer(hiddenDim, outDim, nn.ActivationTanh))
	net.InitializeWeights()
	return &MLPEncoder{net: net, inDim: inDim, outDim: outDim}, nil
}

// LoadMLPEncoder restores an encoder saved with Save. inDim and outDim
// describe the saved network and are checked on the first Encode call.
func LoadMLPEncoder(path, modelID string, inDim, outDim int) (*MLPEncoder, error) {
	net, err := nn.LoadModel(path, modelID)
	if err != nil {
		return nil, errors.Wrapf(err, "load encoder %s from %s", modelID, path)
	}
	net.BatchSize = 1
	return &MLPEncoder{net: net, inDim: inDim, outDim: outDim}, nil
}

// Save writes the network in loom's JSON model format.
func (e *MLPEncoder) Save(path, modelID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return errors.Wrapf(e.net.SaveModel(path, modelID), "save encoder to %s", path)
}

// Dimensions returns the embedding width.
func (e *MLPEncoder) Dimensions() int {
	return e.outDim
}

// Encode embeds every sample. The encoder has no trainable state of its
// own outside loom, so both modes run the same forward pass.
func (e *MLPEncoder) Encode(ctx context.Context, batch [][]float32, _ Mode) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([][]float32, len(batch))
	for i, sample := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(sample) != e.inDim {
			return nil, errors.Newf("sample %d has %d genes, encoder expects %d", i, len(sample), e.inDim)
		}
		y, _ := e.net.ForwardCPU(sample)
		if len(y) < e.outDim {
			return nil, errors.Newf("encoder produced %d values, want %d", len(y), e.outDim)
		}
		row := make([]float32, e.outDim)
		copy(row, y[:e.outDim])
		vector.NormalizeInPlace(row)
		out[i] = row
	}
	return out, nil
}
