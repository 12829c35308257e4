package http2

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the stream channel collectors of a process. A nil *Metrics
// records nothing.
type Metrics struct {
	streamsOpened    prometheus.Counter
	streamsActive    prometheus.Gauge
	streamsReset     *prometheus.CounterVec
	inputBytes       prometheus.Counter
	outputBytes      prometheus.Counter
	fileSegmentsUsed prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. Pass
// prometheus.DefaultRegisterer to expose them process-wide.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		streamsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_opened_total",
			Help:      "Total number of streams opened",
		}),
		streamsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of streams with a live channel",
		}),
		streamsReset: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_reset_total",
			Help:      "Total number of streams reset, by error code",
		}, []string{"code"}),
		inputBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_bytes_total",
			Help:      "Request body bytes read by tasks",
		}),
		outputBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_bytes_total",
			Help:      "Response body bytes handed to the session",
		}),
		fileSegmentsUsed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "file_segments_in_use",
			Help:      "File segments currently buffered across all streams",
		}),
	}
}

func (m *Metrics) streamOpened() {
	if m == nil {
		return
	}
	m.streamsOpened.Inc()
	m.streamsActive.Inc()
}

func (m *Metrics) streamReleased() {
	if m != nil {
		m.streamsActive.Dec()
	}
}

func (m *Metrics) streamReset(code ErrorCode) {
	if m != nil {
		m.streamsReset.WithLabelValues(code.String()).Inc()
	}
}

func (m *Metrics) addInput(n int64) {
	if m != nil && n > 0 {
		m.inputBytes.Add(float64(n))
	}
}

func (m *Metrics) addOutput(n int64) {
	if m != nil && n > 0 {
		m.outputBytes.Add(float64(n))
	}
}

func (m *Metrics) fileSegments(delta int) {
	if m != nil && delta != 0 {
		m.fileSegmentsUsed.Add(float64(delta))
	}
}
