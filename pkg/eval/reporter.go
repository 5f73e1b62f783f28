package eval

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Reporter formats and outputs evaluation scores.
type Reporter struct {
	writer io.Writer
}

// NewReporter creates a new reporter that writes to the given writer.
func NewReporter(w io.Writer) *Reporter {
	if w == nil {
		w = os.Stdout
	}
	return &Reporter{writer: w}
}

// PrintSummary prints a human-readable summary of a score.
func (r *Reporter) PrintSummary(score *Score) {
	w := r.writer

	fmt.Fprintln(w)
	fmt.Fprintln(w, "╔════════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║              Embedding Clustering Evaluation                   ║")
	fmt.Fprintln(w, "╚════════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintf(w, "📊 Epoch: %d | Samples: %d | k=%d\n", score.Epoch, score.Samples, score.K)
	fmt.Fprintf(w, "📅 Time:  %s\n", score.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "⏱️  Duration: %v\n", score.Duration.Round(time.Millisecond))
	fmt.Fprintln(w)

	statusIcon := "✅"
	if !score.Passed {
		statusIcon = "⚠️"
	}
	fmt.Fprintf(w, "%s Thresholds %s\n", statusIcon, passLabel(score.Passed))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "┌─────────────────────────────────────────────────────────────────┐")
	fmt.Fprintln(w, "│                     Best Over Seeds                             │")
	fmt.Fprintln(w, "├─────────────────────────────────────────────────────────────────┤")
	r.printMetricRow(w, "ARI", score.BestARI, score.Thresholds.ARI)
	r.printMetricRow(w, "NMI", score.BestNMI, score.Thresholds.NMI)
	fmt.Fprintln(w, "├─────────────────────────────────────────────────────────────────┤")
	r.printMetricRow(w, "Silhouette", score.Silhouette, score.Thresholds.Silhouette)
	fmt.Fprintln(w, "└─────────────────────────────────────────────────────────────────┘")
	fmt.Fprintln(w)
}

func passLabel(passed bool) string {
	if passed {
		return "met"
	}
	return "not met"
}

// printMetricRow prints a single metric row with optional threshold comparison.
func (r *Reporter) printMetricRow(w io.Writer, name string, value float64, threshold float64) {
	bar := r.progressBar(value, 20)
	status := "✓"
	if value < threshold {
		status = "✗"
	}
	fmt.Fprintf(w, "│ %s %-14s %s %6.3f (target: %.2f)\n", status, name, bar, value, threshold)
}

// progressBar creates a visual progress bar. Negative values render empty.
func (r *Reporter) progressBar(value float64, width int) string {
	filled := int(value * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}

	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return fmt.Sprintf("[%s]", bar)
}

// PrintDetails prints the per-seed runs.
func (r *Reporter) PrintDetails(score *Score) {
	w := r.writer

	fmt.Fprintln(w, "┌─────────────────────────────────────────────────────────────────┐")
	fmt.Fprintln(w, "│                     Per-Seed Results                            │")
	fmt.Fprintln(w, "└─────────────────────────────────────────────────────────────────┘")
	for _, run := range score.Runs {
		marker := "  "
		if run.Seed == score.BestARISeed {
			marker = "★ "
		}
		fmt.Fprintf(w, "%sseed %d: ARI=%.4f NMI=%.4f\n", marker, run.Seed, run.ARI, run.NMI)
	}
	fmt.Fprintln(w)
}

// PrintJSON outputs the score as JSON.
func (r *Reporter) PrintJSON(score *Score) error {
	encoder := json.NewEncoder(r.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(score)
}

// SaveJSON saves the score to a JSON file.
func (r *Reporter) SaveJSON(score *Score, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create file")
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(score)
}

// PrintCompact prints a one-line summary.
func (r *Reporter) PrintCompact(score *Score) {
	status := "PASS"
	if !score.Passed {
		status = "FAIL"
	}

	fmt.Fprintf(r.writer, "[%s] epoch %d | k=%d n=%d | ARI=%.4f (seed %d) NMI=%.4f (seed %d) Silhouette=%.4f | %v\n",
		status,
		score.Epoch, score.K, score.Samples,
		score.BestARI, score.BestARISeed,
		score.BestNMI, score.BestNMISeed,
		score.Silhouette,
		score.Duration.Round(time.Millisecond),
	)
}
