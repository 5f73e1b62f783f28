package train

import (
	"context"
	"math/rand"

	"github.com/cockroachdb/errors"
	"github.com/orneryd/clear/pkg/dataset"
	"github.com/orneryd/clear/pkg/embed"
	"github.com/orneryd/clear/pkg/logging"
	"go.uber.org/zap"
)

// ProbeTrainer is a Trainer for a frozen encoder. It walks the dataset in
// shuffled batches, computes the ProtoNCE loss and prototype accuracy
// against the published prototypes, and reports the accuracy. Nothing is
// updated; the learning rate is only logged.
//
// Epochs without prototypes report 0 accuracy.
type ProbeTrainer struct {
	Encoder   embed.Encoder
	Data      *dataset.InMemory
	BatchSize int
	// Negatives is the number of negative prototypes per granularity
	Negatives int
	Seed      int64
	Log       *zap.SugaredLogger
}

// TrainEpoch runs one monitoring pass. The final partial batch is dropped
// unless it is the only batch.
func (p *ProbeTrainer) TrainEpoch(ctx context.Context, in EpochInput) (float64, error) {
	log := logging.Or(p.Log)
	if p.Encoder == nil || p.Data == nil {
		return 0, errors.New("probe trainer needs an encoder and a dataset")
	}
	if p.BatchSize <= 0 {
		return 0, errors.Newf("batch size must be positive, got %d", p.BatchSize)
	}
	if in.Prototypes == nil {
		log.Debugw("no prototypes published, skipping probe", "epoch", in.Epoch, "lr", in.LearningRate)
		return 0, nil
	}

	rng := rand.New(rand.NewSource(p.Seed + int64(in.Epoch)))
	view := p.Data.Permute(rng)
	n := view.NumCells()
	batch := min(p.BatchSize, n)

	losses := NewAverageMeter("Loss")
	accs := NewAverageMeter("Acc@Proto")
	for start := 0; start+batch <= n; start += batch {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		b, err := view.Batch(start, start+batch)
		if err != nil {
			return 0, err
		}
		q, err := p.Encoder.Encode(ctx, b.Samples, embed.ModeTrain)
		if err != nil {
			return 0, errors.Wrapf(err, "encode batch at %d", start)
		}
		loss, acc, err := in.Prototypes.ProtoNCE(q, b.Indices, p.Negatives, rng)
		if err != nil {
			return 0, errors.Wrapf(err, "prototype loss at %d", start)
		}
		losses.Update(loss, b.Len())
		accs.Update(acc, b.Len())
	}

	log.Infow("probe epoch",
		"epoch", in.Epoch,
		"lr", in.LearningRate,
		"loss", losses.Avg,
		"acc", accs.Avg,
		"granularities", in.Prototypes.Ks())
	return accs.Avg, nil
}
