//go:build faiss

package cluster

import (
	"github.com/blevesearch/go-faiss"
	"github.com/cockroachdb/errors"
)

// faissIndex adapts a faiss IndexFlatL2 to Index. Built only with the
// faiss tag since it links libfaiss_c.
type faissIndex struct {
	idx *faiss.IndexFlat
}

// FaissFactory returns an IndexFactory backed by faiss IndexFlatL2.
func FaissFactory() IndexFactory {
	return func(dims int) (Index, error) {
		idx, err := faiss.NewIndexFlatL2(dims)
		if err != nil {
			return nil, errors.Wrap(err, "faiss: create flat index")
		}
		return &faissIndex{idx: idx}, nil
	}
}

func (f *faissIndex) Add(x []float32) error {
	return errors.Wrap(f.idx.Add(x), "faiss: add")
}

func (f *faissIndex) Search(x []float32, k int64) ([]float32, []int64, error) {
	d, l, err := f.idx.Search(x, k)
	if err != nil {
		return nil, nil, errors.Wrap(err, "faiss: search")
	}
	return d, l, nil
}

func (f *faissIndex) Reset() error {
	return errors.Wrap(f.idx.Reset(), "faiss: reset")
}

func (f *faissIndex) Close() error {
	f.idx.Close()
	return nil
}

func init() {
	registerFactory("faiss", func(int) IndexFactory { return FaissFactory() })
}
