// Package metrics exposes engine counters to prometheus.
package metrics

import (
	"net/http"
	"serial-rpc/message"
	"strconv"
	"time"

	"github.com/nuclio/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OtherMethod labels handler durations of methods the handler does not know, so a peer
// sending arbitrary method names cannot grow the series set.
const OtherMethod = "other"

// Recorder counts what the engine does with each frame. A nil *Recorder records nothing.
type Recorder struct {
	registry  *prometheus.Registry
	frames    *prometheus.CounterVec
	responses *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewRecorder registers the engine metrics in a fresh registry.
func NewRecorder() (*Recorder, error) {
	recorder := &Recorder{
		registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serial_rpc_frames_total",
			Help: "Frames received, by result (complete or overflow)",
		}, []string{"result"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "serial_rpc_responses_total",
			Help: "Responses written, by kind (result or error) and error code",
		}, []string{"kind", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "serial_rpc_handler_duration_seconds",
			Help:    "Time spent in the application handler",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"method"}),
	}

	for name, collector := range map[string]prometheus.Collector{
		"frames":    recorder.frames,
		"responses": recorder.responses,
		"duration":  recorder.duration,
	} {
		if err := recorder.registry.Register(collector); err != nil {
			return nil, errors.Wrapf(err, "Failed to register %s collector", name)
		}
	}

	return recorder, nil
}

func (r *Recorder) FrameCompleted() {
	if r == nil {
		return
	}
	r.frames.WithLabelValues("complete").Inc()
}

func (r *Recorder) FrameOverflowed() {
	if r == nil {
		return
	}
	r.frames.WithLabelValues("overflow").Inc()
}

// ResponseWritten counts one written response. Results are labelled with code "0".
func (r *Recorder) ResponseWritten(resp *message.Response) {
	if r == nil {
		return
	}
	if resp.Error != nil {
		r.responses.WithLabelValues("error", strconv.Itoa(int(resp.Error.Code))).Inc()
		return
	}
	r.responses.WithLabelValues("result", "0").Inc()
}

// ObserveHandler expects a bounded label: a known method name or OtherMethod.
func (r *Recorder) ObserveHandler(method string, d time.Duration) {
	if r == nil {
		return
	}
	r.duration.WithLabelValues(method).Observe(d.Seconds())
}

// Gatherer exposes the underlying registry, mostly for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Handler serves the registry in the prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
