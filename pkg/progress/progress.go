// pkg/progress/progress.go - percentage bookkeeping for downloads and pipeline steps

package progress

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/windowsadmins/winebridge/pkg/logging"
)

// Sink receives progress updates; frontend.Adapter satisfies it.
type Sink interface {
	Status(message string, percent int)
}

// Percent returns round(done/total*100) clamped to [0,100]. An unknown total yields -1.
func Percent(done, total int64) int {
	if total <= 0 {
		return -1
	}
	p := int(math.Round(float64(done) / float64(total) * 100))
	return min(max(p, 0), 100)
}

// StepPercent is the progress reported at step k of n: round(k*100/n).
func StepPercent(k, n int) int {
	if n <= 0 {
		return 100
	}
	return int(math.Round(float64(k) * 100 / float64(n)))
}

// Download forwards byte counts of one transfer to a Sink as percentages, skipping
// repeats so a fast transfer does not flood the front end.
type Download struct {
	name      string
	total     int64
	sink      Sink
	startTime time.Time

	mu      sync.Mutex
	written int64
	last    int
}

// NewDownload starts tracking a transfer. offset is the number of bytes already on disk.
func NewDownload(name string, offset, total int64, sink Sink) *Download {
	return &Download{
		name:      name,
		total:     total,
		sink:      sink,
		startTime: time.Now(),
		written:   offset,
		last:      -1,
	}
}

// Add records n more bytes written and reports the new percentage when it changed.
func (d *Download) Add(n int64) {
	d.mu.Lock()
	d.written += n
	written := d.written
	pct := Percent(written, d.total)
	changed := pct >= 0 && pct != d.last
	if changed {
		d.last = pct
	}
	d.mu.Unlock()

	if !changed {
		return
	}
	if d.sink != nil {
		d.sink.Status(fmt.Sprintf("Downloading %s: %s / %s", d.name, FormatBytes(written), FormatBytes(d.total)), pct)
	}
	logging.LogDownloadProgress(d.name, pct, written, d.total)
}

// Written returns the byte count seen so far, including the resume offset.
func (d *Download) Written() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.written
}

// Elapsed is the time since tracking began.
func (d *Download) Elapsed() time.Duration {
	return time.Since(d.startTime)
}

// FormatBytes formats byte counts in human readable format
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
