package prototype

import (
	"math"
	"math/rand"

	"github.com/cockroachdb/errors"
	"github.com/orneryd/clear/pkg/math/vector"
)

// ProtoLogits are the prototype logits of one granularity for a batch.
// Column j < B is the positive prototype of row j; the remaining columns
// are sampled negatives. Targets[i] == i.
type ProtoLogits struct {
	K       int
	Logits  [][]float64
	Targets []int
}

// Logits computes, for every granularity, the similarity of each query to
// its own prototype and to up to r prototypes not used as positives in the
// batch, each column divided by that prototype's temperature.
//
// q must be the query embeddings of the dataset rows listed in index.
func (c *Context) Logits(q [][]float32, index []int, r int, rng *rand.Rand) ([]ProtoLogits, error) {
	if len(q) != len(index) {
		return nil, errors.Newf("%d queries but %d indices", len(q), len(index))
	}
	out := make([]ProtoLogits, 0, len(c.Granularities))
	for gi, g := range c.Granularities {
		pos := make([]int, len(index))
		used := make([]bool, g.K)
		for i, idx := range index {
			if idx < 0 || idx >= len(g.Assignments) {
				return nil, errors.Newf("granularity %d: sample index %d outside [0, %d)", gi, idx, len(g.Assignments))
			}
			pos[i] = g.Assignments[idx]
			used[pos[i]] = true
		}

		neg := make([]int, 0, g.K)
		for id := 0; id < g.K; id++ {
			if !used[id] {
				neg = append(neg, id)
			}
		}
		rng.Shuffle(len(neg), func(i, j int) { neg[i], neg[j] = neg[j], neg[i] })
		if len(neg) > r {
			neg = neg[:max(r, 0)]
		}

		selected := append(pos, neg...)
		logits := make([][]float64, len(q))
		for i, row := range q {
			logits[i] = make([]float64, len(selected))
			for j, id := range selected {
				proto := g.Centroids[id]
				if len(proto) != len(row) {
					return nil, errors.Newf("granularity %d: query has %d dims, prototype %d", gi, len(row), len(proto))
				}
				logits[i][j] = vector.DotProduct(row, proto) / g.Concentration[id]
			}
		}

		targets := make([]int, len(q))
		for i := range targets {
			targets[i] = i
		}
		out = append(out, ProtoLogits{K: g.K, Logits: logits, Targets: targets})
	}
	return out, nil
}

// ProtoNCE returns the prototype loss and top-1 prototype accuracy (percent)
// averaged over granularities.
func (c *Context) ProtoNCE(q [][]float32, index []int, r int, rng *rand.Rand) (float64, float64, error) {
	all, err := c.Logits(q, index, r, rng)
	if err != nil {
		return 0, 0, err
	}
	if len(all) == 0 {
		return 0, 0, nil
	}
	var loss, acc float64
	for _, pl := range all {
		loss += CrossEntropy(pl.Logits, pl.Targets)
		acc += Accuracy(pl.Logits, pl.Targets, 1)
	}
	n := float64(len(all))
	return loss / n, acc / n, nil
}

// CrossEntropy returns the mean softmax cross-entropy of logits against
// targets.
func CrossEntropy(logits [][]float64, targets []int) float64 {
	if len(logits) == 0 {
		return 0
	}
	var total float64
	for i, row := range logits {
		m := math.Inf(-1)
		for _, v := range row {
			m = max(m, v)
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(v - m)
		}
		total += m + math.Log(sum) - row[targets[i]]
	}
	return total / float64(len(logits))
}

// Accuracy returns the percentage of rows whose target is among the topk
// highest logits.
func Accuracy(logits [][]float64, targets []int, topk int) float64 {
	if len(logits) == 0 {
		return 0
	}
	correct := 0
	for i, row := range logits {
		target := row[targets[i]]
		higher := 0
		for j, v := range row {
			if v > target || (v == target && j < targets[i]) {
				higher++
			}
		}
		if higher < topk {
			correct++
		}
	}
	return 100 * float64(correct) / float64(len(logits))
}
