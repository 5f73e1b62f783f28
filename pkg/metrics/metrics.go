// Package metrics exposes training progress as Prometheus metrics.
//
// A Recorder owns its own registry, so several recorders (tests, parallel
// runs) never collide on the global default registry. All methods are safe
// on a nil *Recorder, which lets callers treat metrics as optional.
//
// Example:
//
//	rec := metrics.NewRecorder()
//	go rec.Serve(ctx, ":9090", logger)
//	rec.ObserveEpoch(epoch, acc)
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/orneryd/clear/pkg/cluster"
	"github.com/orneryd/clear/pkg/eval"
	"github.com/orneryd/clear/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

const namespace = "clear"

// Recorder collects training metrics.
type Recorder struct {
	registry *prometheus.Registry

	epoch        prometheus.Gauge
	accuracy     prometheus.Gauge
	rounds       *prometheus.CounterVec
	roundSeconds prometheus.Histogram
	objective    *prometheus.GaugeVec
	clusterSize  *prometheus.GaugeVec
	halvedRows   prometheus.Counter
	evalScore    *prometheus.GaugeVec
	memTotal     prometheus.Gauge
	memAvailable prometheus.Gauge
}

// NewRecorder creates a Recorder with a fresh registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "epoch",
			Help:      "Current training epoch",
		}),
		accuracy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "train_accuracy_percent",
			Help:      "Training accuracy of the last completed epoch",
		}),
		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cluster_rounds_total",
			Help:      "Clustering rounds by outcome",
		}, []string{"status"}),
		roundSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cluster_round_duration_seconds",
			Help:      "Wall time of a clustering round",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		objective: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cluster_objective",
			Help:      "Sum of squared distances of the last published clustering",
		}, []string{"k"}),
		clusterSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cluster_size",
			Help:      "Smallest and largest cluster of the last published clustering",
		}, []string{"k", "bound"}),
		halvedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embedding_rows_halved_total",
			Help:      "Embedding rows halved for exceeding the norm threshold",
		}),
		evalScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "eval_score",
			Help:      "Latest evaluation score against ground-truth labels",
		}, []string{"metric"}),
		memTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_total_bytes",
			Help:      "Total system memory",
		}),
		memAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_available_bytes",
			Help:      "Available system memory at the last sample",
		}),
	}
	r.registry.MustRegister(
		r.epoch, r.accuracy,
		r.rounds, r.roundSeconds, r.objective, r.clusterSize, r.halvedRows,
		r.evalScore,
		r.memTotal, r.memAvailable,
	)
	return r
}

// Registry returns the recorder's registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveEpoch records a finished epoch and its training accuracy.
func (r *Recorder) ObserveEpoch(epoch int, accuracy float64) {
	if r == nil {
		return
	}
	r.epoch.Set(float64(epoch))
	r.accuracy.Set(accuracy)
}

// RoundPublished records a successful clustering round.
func (r *Recorder) RoundPublished(d time.Duration, stats []cluster.Stats) {
	if r == nil {
		return
	}
	r.rounds.WithLabelValues("published").Inc()
	r.roundSeconds.Observe(d.Seconds())
	for _, s := range stats {
		k := strconv.Itoa(s.K)
		r.objective.WithLabelValues(k).Set(s.Objective)
		r.clusterSize.WithLabelValues(k, "min").Set(float64(s.MinSize))
		r.clusterSize.WithLabelValues(k, "max").Set(float64(s.MaxSize))
	}
}

// RoundSkipped records a round that fell back to instance-only training.
func (r *Recorder) RoundSkipped(d time.Duration) {
	if r == nil {
		return
	}
	r.rounds.WithLabelValues("skipped").Inc()
	r.roundSeconds.Observe(d.Seconds())
}

// RowsHalved adds n halved embedding rows.
func (r *Recorder) RowsHalved(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.halvedRows.Add(float64(n))
}

// ObserveScore records an evaluation.
func (r *Recorder) ObserveScore(s *eval.Score) {
	if r == nil || s == nil {
		return
	}
	r.evalScore.WithLabelValues("ari").Set(s.BestARI)
	r.evalScore.WithLabelValues("nmi").Set(s.BestNMI)
	r.evalScore.WithLabelValues("silhouette").Set(s.Silhouette)
}

// SampleMemory reads system memory and updates the memory gauges. It
// returns the available bytes.
func (r *Recorder) SampleMemory() (uint64, error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get memory stats")
	}
	if r != nil {
		r.memTotal.Set(float64(v.Total))
		r.memAvailable.Set(float64(v.Available))
	}
	return v.Available, nil
}

// Handler returns the /metrics HTTP handler.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (r *Recorder) Serve(ctx context.Context, addr string, log *zap.SugaredLogger) error {
	log = logging.Or(log)
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("metrics endpoint listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrapf(err, "metrics server on %s", addr)
	}
}
