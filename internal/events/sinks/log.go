// Package sinks provides events.Sink implementations.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/horizon/internal/events"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("kind", string(evt.Kind)),
			zap.Time("event_ts", evt.TS),
		}
		if evt.Master != "" {
			fields = append(fields, zap.String("master", evt.Master))
		}
		if evt.Supervisor != "" {
			fields = append(fields, zap.String("supervisor", evt.Supervisor))
		}
		if evt.Worker != "" {
			fields = append(fields, zap.String("worker", evt.Worker))
		}
		if evt.Queue != "" {
			fields = append(fields, zap.String("queue", evt.Queue))
		}
		if evt.Job != "" {
			fields = append(fields, zap.String("job_id", evt.Job))
		}
		if evt.Reason != "" {
			fields = append(fields, zap.String("reason", evt.Reason))
		}
		if evt.Count != 0 {
			fields = append(fields, zap.Int64("count", evt.Count))
		}
		s.logger.Info("lifecycle event", fields...)
	}
	return nil
}

// Close implements events.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
