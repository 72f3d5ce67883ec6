package bus

import (
	"context"

	"go.uber.org/multierr"
)

// MultiPublisher forwards every event to each publisher in turn. One
// publisher failing does not stop the rest.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, ev Event) error {
	var err error
	for _, p := range m {
		if p == nil {
			continue
		}
		err = multierr.Append(err, p.Publish(ctx, ev))
	}
	return err
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
