package sysstats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCollect(t *testing.T) {
	s := Collect(time.Now().Add(-90 * time.Second))

	assert.Positive(t, s.NumCPU)
	assert.Positive(t, s.GoRoutines)
	assert.Positive(t, s.MemorySys)
	assert.GreaterOrEqual(t, s.CPUUsage, 0.0)
	assert.LessOrEqual(t, s.CPUUsage, 100.0)
	assert.Equal(t, "1m30s", s.Uptime)
}

func TestCPUUsage_Cached(t *testing.T) {
	first := CPUUsage()
	assert.Equal(t, first, CPUUsage())
}
