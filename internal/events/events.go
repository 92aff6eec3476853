// Package events fans committed ledger events out to observers. Delivery is
// best effort: a publisher failure is logged by the caller and never rolls
// back the ledger call that produced the events.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/atmx/pile-engine/internal/model"
)

// Publisher receives the events of one committed call, in order.
type Publisher interface {
	Publish(ctx context.Context, evs []model.Event) error
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, evs []model.Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evs); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NATS publishes each event as JSON on "{subject}.{event type}".
type NATS struct {
	nc      *nats.Conn
	subject string
}

// NewNATS connects to url and reconnects forever on connection loss.
func NewNATS(url, subject string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("pile-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATS{nc: nc, subject: subject}, nil
}

// Publish implements Publisher.
func (n *NATS) Publish(_ context.Context, evs []model.Event) error {
	for _, ev := range evs {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", ev.ID, err)
		}
		if err := n.nc.Publish(n.subject+"."+ev.Type, data); err != nil {
			return fmt.Errorf("nats publish %s: %w", ev.Type, err)
		}
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (n *NATS) Close() {
	if err := n.nc.Drain(); err != nil {
		n.nc.Close()
	}
}
