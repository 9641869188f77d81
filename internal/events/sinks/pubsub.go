package sinks

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/horizon/internal/events"
)

// Publisher is the subset of the Pub/Sub publisher used by PubSubSink.
type Publisher interface {
	Publish(ctx context.Context, payload any, attrs map[string]string) (string, error)
	Stop()
}

// PubSubSink forwards each event as one JSON message with kind attributes
// so subscribers can filter server-side.
type PubSubSink struct {
	pub Publisher
}

// NewPubSubSink wraps pub.
func NewPubSubSink(pub Publisher) *PubSubSink {
	return &PubSubSink{pub: pub}
}

// Consume publishes every event and reports the joined failures.
func (s *PubSubSink) Consume(ctx context.Context, batch []events.Event) error {
	var errs []error
	for _, evt := range batch {
		attrs := map[string]string{"kind": string(evt.Kind)}
		if evt.Supervisor != "" {
			attrs["supervisor"] = evt.Supervisor
		}
		if _, err := s.pub.Publish(ctx, evt, attrs); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.Kind, err))
		}
	}
	return errors.Join(errs...)
}

// Close stops the publisher.
func (s *PubSubSink) Close(context.Context) error {
	s.pub.Stop()
	return nil
}
