package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAreSafeForConcurrentUse(t *testing.T) {
	m := NewMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.IncrementCounter(EventsReceived)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), m.Counter(EventsReceived))
	assert.Equal(t, int64(0), m.Counter("unknown"))
}

func TestSnapshot(t *testing.T) {
	m := NewMetrics()
	m.SetGauge(DispatcherBacklog, 7)
	m.RecordDuration(IngestDuration, 10*time.Millisecond)
	m.RecordDuration(IngestDuration, 30*time.Millisecond)
	m.RecordResult(IngestErrorRate, nil)
	m.RecordResult(IngestErrorRate, errors.New("boom"))

	snap := m.Snapshot()

	assert.Equal(t, int64(7), snap["gauges"].(map[string]int64)[DispatcherBacklog])

	timer := snap["timers"].(map[string]TimerMetric)[IngestDuration]
	assert.Equal(t, int64(2), timer.Count)
	assert.Equal(t, int64(10), timer.MinTimeMs)
	assert.Equal(t, int64(30), timer.MaxTimeMs)
	assert.Equal(t, 20.0, timer.AverageTimeMs)

	rate := snap["error_rates"].(map[string]ErrorRateMetric)[IngestErrorRate]
	assert.Equal(t, 50.0, rate.ErrorRate)
}

func TestHealthy(t *testing.T) {
	m := NewMetrics()
	ok, _ := m.Healthy()
	require.True(t, ok)

	m.SetHealth("database", true)
	m.SetHealth("broker", false)
	ok, checks := m.Healthy()
	assert.False(t, ok)
	assert.Equal(t, map[string]bool{"database": true, "broker": false}, checks)
}
