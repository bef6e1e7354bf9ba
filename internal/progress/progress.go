// Package progress aggregates transfer throughput across concurrent
// downloads. Counters are atomic so workers report without coordination.
package progress

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Meter accumulates byte and file counts for a run.
type Meter struct {
	start       time.Time
	bytesDone   atomic.Int64
	filesDone   atomic.Int64
	filesFailed atomic.Int64
}

func NewMeter() *Meter {
	return &Meter{start: time.Now()}
}

// AddBytes records transferred bytes.
func (m *Meter) AddBytes(n int64) {
	m.bytesDone.Add(n)
}

// FileDone records one finished transfer.
func (m *Meter) FileDone() {
	m.filesDone.Add(1)
}

// FileFailed records one failed transfer.
func (m *Meter) FileFailed() {
	m.filesFailed.Add(1)
}

// Stats is a point-in-time view of the meter.
type Stats struct {
	BytesDone   int64
	FilesDone   int64
	FilesFailed int64
	Elapsed     time.Duration
	BytesPerSec float64
}

// Snapshot reads the counters.
func (m *Meter) Snapshot() Stats {
	elapsed := time.Since(m.start)
	bytes := m.bytesDone.Load()
	var rate float64
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(bytes) / secs
	}
	return Stats{
		BytesDone:   bytes,
		FilesDone:   m.filesDone.Load(),
		FilesFailed: m.filesFailed.Load(),
		Elapsed:     elapsed,
		BytesPerSec: rate,
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("%d files, %s, %s/s (%d failed)",
		s.FilesDone, FormatBytes(s.BytesDone), FormatBytes(int64(s.BytesPerSec)), s.FilesFailed)
}

// FormatBytes renders a byte count in binary units.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
