package progress

import (
	"math"
	"sync/atomic"

	"github.com/YuKun-Li-Swift/TuneWave-sub000/mathutil"
)

// Writer counts bytes written through it and reports the completed
// fraction whenever the whole percentage changes. Writes never fail.
type Writer struct {
	total    int64
	written  atomic.Int64
	percent  atomic.Int64
	onChange func(float64)
}

// NewWriter returns a Writer expecting total bytes. A non-positive total
// means the size is unknown and only Finish reports progress.
func NewWriter(total int64, onChange func(float64)) *Writer {
	w := &Writer{
		total:    total,
		written:  atomic.Int64{},
		percent:  atomic.Int64{},
		onChange: onChange,
	}
	w.percent.Store(-1)

	return w
}

func (w *Writer) Write(p []byte) (int, error) {
	n := w.written.Add(int64(len(p)))
	if w.total > 0 {
		w.report(mathutil.Fraction(n, w.total))
	}

	return len(p), nil
}

func (w *Writer) Written() int64 {
	return w.written.Load()
}

func (w *Writer) Fraction() float64 {
	return mathutil.Fraction(w.written.Load(), w.total)
}

// Finish reports completion. It is idempotent.
func (w *Writer) Finish() {
	w.report(1)
}

func (w *Writer) report(f float64) {
	p := int64(math.Floor(f * 100))
	for {
		prev := w.percent.Load()
		if p <= prev {
			return
		}
		if w.percent.CompareAndSwap(prev, p) {
			break
		}
	}

	if nil != w.onChange {
		w.onChange(f)
	}
}
