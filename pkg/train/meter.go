package train

import "fmt"

// AverageMeter tracks the latest value and running average of a metric.
type AverageMeter struct {
	Name  string
	Val   float64
	Sum   float64
	Count int
	Avg   float64
}

// NewAverageMeter returns an empty meter.
func NewAverageMeter(name string) *AverageMeter {
	return &AverageMeter{Name: name}
}

// Reset clears the meter.
func (m *AverageMeter) Reset() {
	m.Val, m.Sum, m.Count, m.Avg = 0, 0, 0, 0
}

// Update records val observed n times.
func (m *AverageMeter) Update(val float64, n int) {
	if n <= 0 {
		return
	}
	m.Val = val
	m.Sum += val * float64(n)
	m.Count += n
	m.Avg = m.Sum / float64(m.Count)
}

func (m *AverageMeter) String() string {
	return fmt.Sprintf("%s %.4f (%.4f)", m.Name, m.Val, m.Avg)
}
