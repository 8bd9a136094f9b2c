package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollectorWith("test", reg, zaptest.NewLogger(t))

	c.CallStarted()
	c.CallStarted()
	c.CallEnded()
	c.RecordFrame()
	c.RecordMalformedFrame()
	c.RecordUtterance()
	c.RecordBargeIn()
	c.RecordTurn("completed")
	c.RecordTurn("completed")
	c.RecordTurn("failed")
	c.RecordPipelineError("transcribe")
	c.RecordOutboundChunk()
	c.ObserveStageLatency("generate", 120*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.activeCalls))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.callsTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.framesTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.malformedFrames))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.turnsTotal.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.turnsTotal.WithLabelValues("failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.pipelineErrors.WithLabelValues("transcribe")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestCollectorNilSafe(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.CallStarted()
		c.CallEnded()
		c.RecordFrame()
		c.RecordMalformedFrame()
		c.RecordUtterance()
		c.RecordBargeIn()
		c.RecordTurn("completed")
		c.ObserveStageLatency("synthesize", time.Second)
		c.RecordPipelineError("generate")
		c.RecordOutboundChunk()
	})
}
