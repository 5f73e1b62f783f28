// Package dataset provides in-memory expression matrices for training and
// evaluation.
//
// A dataset is a cells × genes matrix with one ground-truth label per cell.
// Labels are only used for monitoring; training never sees them.
//
// Example:
//
//	ds, err := dataset.LoadTSV("pbmc.tsv", dataset.LoadOptions{Header: true})
//	if err != nil {
//		return err
//	}
//	fmt.Println(ds.NumCells(), ds.NumGenes(), ds.UniqueLabels())
//
//	// Shuffled view for one training epoch
//	view := ds.Permute(rand.New(rand.NewSource(int64(epoch))))
package dataset

import (
	"encoding/csv"
	"io"
	"math/rand"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/orneryd/clear/pkg/embed"
)

// InMemory is a fully loaded dataset.
type InMemory struct {
	samples    [][]float32
	labels     []int
	labelNames []string
	genes      []string
	unique     []int
}

// New builds a dataset from rows and integer labels. Rows are not copied.
func New(samples [][]float32, labels []int) (*InMemory, error) {
	if len(samples) != len(labels) {
		return nil, errors.Newf("%d samples but %d labels", len(samples), len(labels))
	}
	if len(samples) == 0 {
		return nil, errors.New("dataset has no cells")
	}
	genes := len(samples[0])
	for i, s := range samples {
		if len(s) != genes {
			return nil, errors.Newf("cell %d has %d genes, want %d", i, len(s), genes)
		}
	}
	unique := slices.Clone(labels)
	slices.Sort(unique)
	unique = slices.Compact(unique)
	return &InMemory{samples: samples, labels: labels, unique: unique}, nil
}

// NumCells returns the number of cells.
func (d *InMemory) NumCells() int { return len(d.samples) }

// NumGenes returns the number of genes per cell.
func (d *InMemory) NumGenes() int { return len(d.samples[0]) }

// UniqueLabels returns the distinct labels in ascending order.
func (d *InMemory) UniqueLabels() []int { return slices.Clone(d.unique) }

// Labels returns the label of every cell in dataset order.
func (d *InMemory) Labels() []int { return slices.Clone(d.labels) }

// LabelNames maps label codes back to the names found in the input file.
// Nil when the dataset was built with New.
func (d *InMemory) LabelNames() []string { return slices.Clone(d.labelNames) }

// Genes returns the gene names from the header line, if any.
func (d *InMemory) Genes() []string { return slices.Clone(d.genes) }

// Batch returns cells [start, end).
func (d *InMemory) Batch(start, end int) (embed.Batch, error) {
	if start < 0 || end > len(d.samples) || start > end {
		return embed.Batch{}, errors.Newf("batch [%d, %d) outside [0, %d)", start, end, len(d.samples))
	}
	b := embed.Batch{
		Samples: d.samples[start:end],
		Indices: make([]int, end-start),
		Labels:  d.labels[start:end],
	}
	for i := range b.Indices {
		b.Indices[i] = start + i
	}
	return b, nil
}

// Permute returns a view of the dataset in a random order drawn from rng.
// Batches of the view report the original cell indices.
func (d *InMemory) Permute(rng *rand.Rand) *View {
	return &View{base: d, order: rng.Perm(len(d.samples))}
}

// View is a reordered dataset. It shares rows with its base.
type View struct {
	base  *InMemory
	order []int
}

// NumCells returns the number of cells.
func (v *View) NumCells() int { return len(v.order) }

// NumGenes returns the number of genes per cell.
func (v *View) NumGenes() int { return v.base.NumGenes() }

// UniqueLabels returns the distinct labels in ascending order.
func (v *View) UniqueLabels() []int { return v.base.UniqueLabels() }

// Batch returns view positions [start, end).
func (v *View) Batch(start, end int) (embed.Batch, error) {
	if start < 0 || end > len(v.order) || start > end {
		return embed.Batch{}, errors.Newf("batch [%d, %d) outside [0, %d)", start, end, len(v.order))
	}
	b := embed.Batch{
		Samples: make([][]float32, 0, end-start),
		Indices: make([]int, 0, end-start),
		Labels:  make([]int, 0, end-start),
	}
	for _, idx := range v.order[start:end] {
		b.Samples = append(b.Samples, v.base.samples[idx])
		b.Indices = append(b.Indices, idx)
		b.Labels = append(b.Labels, v.base.labels[idx])
	}
	return b, nil
}

// LoadOptions configures LoadTSV.
type LoadOptions struct {
	// Header marks the first line as column names (label column, genes...)
	Header bool
	// Delimiter defaults to a tab
	Delimiter rune
}

// LoadTSV reads a delimited text matrix. The first column holds the cell
// label; the remaining columns hold expression values. Label names are
// sorted and coded 0..L-1.
func LoadTSV(path string, opts LoadOptions) (*InMemory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open dataset %s", path)
	}
	defer f.Close()

	ds, err := ReadTSV(f, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return ds, nil
}

// ReadTSV parses a matrix from r; see LoadTSV.
func ReadTSV(r io.Reader, opts LoadOptions) (*InMemory, error) {
	reader := csv.NewReader(r)
	reader.Comma = '\t'
	if opts.Delimiter != 0 {
		reader.Comma = opts.Delimiter
	}
	reader.ReuseRecord = true

	var genes []string
	if opts.Header {
		header, err := reader.Read()
		if err != nil {
			return nil, errors.Wrap(err, "read header")
		}
		if len(header) < 2 {
			return nil, errors.Newf("header has %d columns, need a label and at least one gene", len(header))
		}
		genes = slices.Clone(header[1:])
	}

	var (
		samples [][]float32
		names   []string
	)
	line := 0
	if opts.Header {
		line = 1
	}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		if len(record) < 2 {
			return nil, errors.Newf("line %d: need a label and at least one gene", line)
		}
		row := make([]float32, len(record)-1)
		for j, field := range record[1:] {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 32)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d column %d", line, j+2)
			}
			row[j] = float32(v)
		}
		samples = append(samples, row)
		names = append(names, strings.TrimSpace(record[0]))
	}

	codes, labels := encodeLabels(names)
	ds, err := New(samples, labels)
	if err != nil {
		return nil, err
	}
	if genes != nil && len(genes) != ds.NumGenes() {
		return nil, errors.Newf("header names %d genes but rows have %d", len(genes), ds.NumGenes())
	}
	ds.labelNames = codes
	ds.genes = genes
	return ds, nil
}

// encodeLabels sorts the distinct names and returns them with the code of
// every input name.
func encodeLabels(names []string) ([]string, []int) {
	distinct := slices.Clone(names)
	slices.Sort(distinct)
	distinct = slices.Compact(distinct)

	index := make(map[string]int, len(distinct))
	for i, n := range distinct {
		index[n] = i
	}
	labels := make([]int, len(names))
	for i, n := range names {
		labels[i] = index[n]
	}
	return distinct, labels
}
