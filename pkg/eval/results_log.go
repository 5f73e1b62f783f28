package eval

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// ResultRow is one line of the results log.
type ResultRow struct {
	Epoch      int     `json:"epoch"`
	ARI        float64 `json:"ari"`
	NMI        float64 `json:"nmi"`
	Silhouette float64 `json:"silhouette"`
	Accuracy   float64 `json:"accuracy"`
}

// RowFromScore builds a results row from a score and the training accuracy
// of the preceding epoch.
func RowFromScore(s *Score, accuracy float64) ResultRow {
	return ResultRow{
		Epoch:      s.Epoch,
		ARI:        s.BestARI,
		NMI:        s.BestNMI,
		Silhouette: s.Silhouette,
		Accuracy:   accuracy,
	}
}

// ResultsLog appends tab-separated rows
// (epoch, ARI, NMI, silhouette, accuracy) to a text file.
type ResultsLog struct {
	path string
	mu   sync.Mutex
}

// NewResultsLog returns a log writing to path. The file is created on the
// first Append.
func NewResultsLog(path string) *ResultsLog {
	return &ResultsLog{path: path}
}

// Path returns the log file path.
func (l *ResultsLog) Path() string {
	return l.path
}

// Append writes one row and closes the file again, so a crash never leaves
// a partially buffered log.
func (l *ResultsLog) Append(row ResultRow) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open results log %s", l.path)
	}
	line := fmt.Sprintf("%d\t%s\t%s\t%s\t%s\n",
		row.Epoch,
		formatFloat(row.ARI),
		formatFloat(row.NMI),
		formatFloat(row.Silhouette),
		formatFloat(row.Accuracy))
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return errors.Wrapf(err, "write results log %s", l.path)
	}
	return errors.Wrap(f.Close(), "close results log")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ReadResults parses a results log. Blank lines are skipped.
func ReadResults(path string) ([]ResultRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open results log %s", path)
	}
	defer f.Close()

	var rows []ResultRow
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) != 5 {
			return nil, errors.Newf("%s:%d: want 5 fields, got %d", path, line, len(fields))
		}
		var row ResultRow
		if row.Epoch, err = strconv.Atoi(fields[0]); err != nil {
			return nil, errors.Wrapf(err, "%s:%d: epoch", path, line)
		}
		vals := []*float64{&row.ARI, &row.NMI, &row.Silhouette, &row.Accuracy}
		for i, dst := range vals {
			if *dst, err = strconv.ParseFloat(fields[i+1], 64); err != nil {
				return nil, errors.Wrapf(err, "%s:%d: column %d", path, line, i+2)
			}
		}
		rows = append(rows, row)
	}
	return rows, errors.Wrap(scanner.Err(), "scan results log")
}
