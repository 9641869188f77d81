package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/horizon/internal/events"
)

// PrometheusSink counts lifecycle events by kind and reason.
type PrometheusSink struct {
	events       *prometheus.CounterVec
	deadLettered *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "horizon_lifecycle_events_total",
			Help: "Lifecycle events partitioned by kind and reason.",
		}, []string{"kind", "reason"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "horizon_jobs_dead_lettered_total",
			Help: "Jobs moved to a dead-letter list, by queue.",
		}, []string{"queue"}),
	}
	for _, c := range []prometheus.Collector{s.events, s.deadLettered} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the counters from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(string(evt.Kind), evt.Reason).Inc()
		if evt.Kind == events.JobDeadLettered {
			s.deadLettered.WithLabelValues(evt.Queue).Inc()
		}
	}
	return nil
}

// Close implements events.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
