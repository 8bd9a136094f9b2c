package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector 指标收集器. All methods are nil-safe so the pipeline can run
// without metrics in tests.
type Collector struct {
	// 呼叫指标
	activeCalls     prometheus.Gauge
	callsTotal      prometheus.Counter
	framesTotal     prometheus.Counter
	malformedFrames prometheus.Counter

	// 管道指标
	utterancesTotal prometheus.Counter
	bargeInsTotal   prometheus.Counter
	turnsTotal      *prometheus.CounterVec
	stageLatency    *prometheus.HistogramVec
	pipelineErrors  *prometheus.CounterVec
	outboundChunks  prometheus.Counter

	logger *zap.Logger
}

// NewCollector registers call-pipeline metrics on the default registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWith(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWith registers on an explicit registerer; tests use a
// fresh registry to avoid duplicate registration.
func NewCollectorWith(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.activeCalls = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_calls",
		Help:      "Number of call sessions currently active",
	})
	c.callsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calls_total",
		Help:      "Total number of call sessions created",
	})
	c.framesTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_total",
		Help:      "Total inbound audio frames processed",
	})
	c.malformedFrames = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "malformed_frames_total",
		Help:      "Inbound frames dropped as undecodable",
	})
	c.utterancesTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "utterances_total",
		Help:      "Utterances closed and queued for transcription",
	})
	c.bargeInsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "barge_ins_total",
		Help:      "Turns interrupted by the caller speaking over playback",
	})
	c.turnsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "turns_total",
		Help:      "Conversation turns by result",
	}, []string{"result"})
	c.stageLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_latency_seconds",
		Help:      "Wall-clock latency of external pipeline stages",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"stage"})
	c.pipelineErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pipeline_errors_total",
		Help:      "External stage failures by stage",
	}, []string{"stage"})
	c.outboundChunks = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbound_chunks_total",
		Help:      "Synthesized audio chunks queued for playback",
	})

	return c
}

// CallStarted 记录会话创建.
func (c *Collector) CallStarted() {
	if c == nil {
		return
	}
	c.callsTotal.Inc()
	c.activeCalls.Inc()
}

// CallEnded 记录会话结束.
func (c *Collector) CallEnded() {
	if c == nil {
		return
	}
	c.activeCalls.Dec()
}

// RecordFrame counts one processed inbound frame.
func (c *Collector) RecordFrame() {
	if c == nil {
		return
	}
	c.framesTotal.Inc()
}

// RecordMalformedFrame counts one dropped undecodable frame.
func (c *Collector) RecordMalformedFrame() {
	if c == nil {
		return
	}
	c.malformedFrames.Inc()
}

// RecordUtterance counts one closed utterance.
func (c *Collector) RecordUtterance() {
	if c == nil {
		return
	}
	c.utterancesTotal.Inc()
}

// RecordBargeIn counts one interrupted turn.
func (c *Collector) RecordBargeIn() {
	if c == nil {
		return
	}
	c.bargeInsTotal.Inc()
}

// RecordTurn counts one finished turn with its result
// (completed, dropped, failed).
func (c *Collector) RecordTurn(result string) {
	if c == nil {
		return
	}
	c.turnsTotal.WithLabelValues(result).Inc()
}

// ObserveStageLatency records wall-clock time of one external stage
// (transcribe, generate, synthesize).
func (c *Collector) ObserveStageLatency(stage string, d time.Duration) {
	if c == nil {
		return
	}
	c.stageLatency.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordPipelineError counts one external stage failure.
func (c *Collector) RecordPipelineError(stage string) {
	if c == nil {
		return
	}
	c.pipelineErrors.WithLabelValues(stage).Inc()
}

// RecordOutboundChunk counts one queued playback chunk.
func (c *Collector) RecordOutboundChunk() {
	if c == nil {
		return
	}
	c.outboundChunks.Inc()
}
