package syncer

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Record outcomes.
const (
	OutcomeStory   = "story"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// PrometheusObserver exports sync run metrics. A nil observer records nothing.
type PrometheusObserver struct {
	runDuration    *prometheus.HistogramVec
	runs           *prometheus.CounterVec
	records        *prometheus.CounterVec
	locations      prometheus.Gauge
	stories        prometheus.Gauge
	lastSuccessful prometheus.Gauge
}

// NewPrometheusObserver registers sync metrics on reg.
func NewPrometheusObserver(namespace string, reg prometheus.Registerer) (*PrometheusObserver, error) {
	if namespace == "" {
		namespace = "storymap_sync"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &PrometheusObserver{
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of sync runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Sync runs by result and failing state.",
		}, []string{"result", "state"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Source records processed, by outcome.",
		}, []string{"outcome"}),
		locations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "locations",
			Help:      "Locations in the last published aggregate.",
		}),
		stories: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stories",
			Help:      "Stories in the last published aggregate.",
		}),
		lastSuccessful: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful sync run.",
		}),
	}

	if err := register(reg, &o.runDuration); err != nil {
		return nil, err
	}
	if err := register(reg, &o.runs); err != nil {
		return nil, err
	}
	if err := register(reg, &o.records); err != nil {
		return nil, err
	}
	for _, g := range []*prometheus.Gauge{&o.locations, &o.stories, &o.lastSuccessful} {
		if err := register(reg, g); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// register adopts an already registered collector of the same type so
// observers can be created more than once against one registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c *T) error {
	err := reg.Register(*c)
	if err == nil {
		return nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			*c = existing
			return nil
		}
	}
	return fmt.Errorf("register sync metric: %w", err)
}

// RecordRecord counts one processed record.
func (o *PrometheusObserver) RecordRecord(outcome string) {
	if o == nil {
		return
	}
	o.records.WithLabelValues(outcome).Inc()
}

// RecordRun tracks a finished run. Failures are labelled with the state the run stopped in.
func (o *PrometheusObserver) RecordRun(duration time.Duration, summary *Summary, err error) {
	if o == nil {
		return
	}
	if err != nil {
		state := "unknown"
		var runErr *RunError
		if errors.As(err, &runErr) {
			state = runErr.State.String()
		}
		o.runDuration.WithLabelValues("error").Observe(duration.Seconds())
		o.runs.WithLabelValues("error", state).Inc()
		return
	}
	o.runDuration.WithLabelValues("ok").Observe(duration.Seconds())
	o.runs.WithLabelValues("ok", "").Inc()
	if summary != nil {
		o.locations.Set(float64(summary.Locations))
		o.stories.Set(float64(summary.Stories))
	}
	o.lastSuccessful.SetToCurrentTime()
}
