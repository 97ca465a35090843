// Package notify keeps the courier runtime subscribed to dispatch events.
//
// Channels reconnect on their own with capped exponential backoff and
// deliver a synthetic "connected" event after every successful (re)connect
// so the consumer can reconcile state it may have missed.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/facebookgo/clock"

	"github.com/example/courier-dispatch/internal/observability"
)

const (
	KindNotificationUpdate = "notificationUpdate"
	KindConnected          = "connected"
)

// Event is one message on the courier-scoped topic.
type Event struct {
	Type      string    `json:"type"`
	CourierID string    `json:"courierId,omitempty"`
	At        time.Time `json:"at"`
}

// Channel delivers events in arrival order until ctx ends.
type Channel interface {
	Run(ctx context.Context, deliver func(Event)) error
}

// RoutingKey is the topic a courier's events are published under.
func RoutingKey(courierID string) string { return "courier." + courierID }

// Backoff doubles from Min up to Max.
type Backoff struct {
	Min, Max time.Duration
	cur      time.Duration
}

func NewBackoff(min, max time.Duration) Backoff {
	return Backoff{Min: min, Max: max}
}

func DefaultBackoff() Backoff { return NewBackoff(time.Second, 30*time.Second) }

func (b *Backoff) Next() time.Duration {
	if b.cur == 0 {
		b.cur = b.Min
	} else {
		b.cur *= 2
	}
	if b.cur > b.Max {
		b.cur = b.Max
	}
	return b.cur
}

func (b *Backoff) Reset() { b.cur = 0 }

// session holds one connection open. established reports whether the
// connection came up before it failed.
type session func(ctx context.Context, deliver func(Event)) (established bool, err error)

// run holds sessions open until ctx ends, waiting out the backoff on clk
// between them.
func run(ctx context.Context, clk clock.Clock, transport string, logger *slog.Logger, b *Backoff, s session, deliver func(Event)) error {
	if clk == nil {
		clk = clock.New()
	}
	for {
		established, err := s(ctx, deliver)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if established {
			observability.NotifyReconnects.WithLabelValues("dropped").Inc()
			b.Reset()
		} else {
			observability.NotifyReconnects.WithLabelValues("failed").Inc()
		}
		wait := b.Next()
		logger.Warn("notification channel down", "transport", transport, "error", err, "retry_in", wait.String())
		t := clk.Timer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
