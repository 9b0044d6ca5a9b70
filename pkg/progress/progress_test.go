package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingSink struct {
	percents []int
}

func (r *recordingSink) Status(_ string, percent int) {
	r.percents = append(r.percents, percent)
}

func TestStepPercent(t *testing.T) {
	n := 19
	for k := 1; k <= n; k++ {
		want := int(float64(k*100)/float64(n) + 0.5)
		assert.Equal(t, want, StepPercent(k, n), "step %d", k)
	}
	assert.Equal(t, 100, StepPercent(n, n))
	assert.Equal(t, 33, StepPercent(1, 3))
	assert.Equal(t, 67, StepPercent(2, 3))
}

func TestPercent(t *testing.T) {
	assert.Equal(t, -1, Percent(10, 0))
	assert.Equal(t, 0, Percent(0, 1000))
	assert.Equal(t, 50, Percent(500, 1000))
	assert.Equal(t, 100, Percent(1000, 1000))
	assert.Equal(t, 100, Percent(2000, 1000))
}

func TestDownloadReportsChangesOnly(t *testing.T) {
	sink := &recordingSink{}
	d := NewDownload("installer", 400, 1000, sink)

	d.Add(100)
	d.Add(0)
	d.Add(1)
	d.Add(499)

	assert.Equal(t, []int{50, 100}, sink.percents)
	assert.Equal(t, int64(1000), d.Written())
}

func TestDownloadUnknownTotal(t *testing.T) {
	sink := &recordingSink{}
	d := NewDownload("feed", 0, 0, sink)
	d.Add(123)
	assert.Empty(t, sink.percents)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KB", FormatBytes(1536))
	assert.Equal(t, "2.0 MB", FormatBytes(2*1024*1024))
}
