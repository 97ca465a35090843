// Package dispatch pushes courier-scoped events out of the gateway.
package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/courier-dispatch/internal/notify"
	"github.com/example/courier-dispatch/internal/observability"
)

// Notifier delivers one event to one courier.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, courierID string, ev notify.Event) error
}

// Fanout sends every event through all primary notifiers. The fallback is
// used only when none of them delivered it.
type Fanout struct {
	Primary  []Notifier
	Fallback Notifier
	Logger   *slog.Logger
}

func (f *Fanout) Name() string { return "fanout" }

func (f *Fanout) Notify(ctx context.Context, courierID string, ev notify.Event) error {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var errs []error
	delivered := false
	for _, n := range f.Primary {
		if err := push(ctx, n, courierID, ev); err != nil {
			if !errors.Is(err, ErrNoSession) {
				logger.Warn("notify failed", "transport", n.Name(), "courier_id", courierID, "error", err)
			}
			errs = append(errs, err)
			continue
		}
		delivered = true
	}
	if delivered {
		return nil
	}
	if f.Fallback != nil {
		if err := push(ctx, f.Fallback, courierID, ev); err != nil {
			logger.Warn("notify fallback failed", "transport", f.Fallback.Name(), "courier_id", courierID, "error", err)
			errs = append(errs, err)
		} else {
			return nil
		}
	}
	return errors.Join(errs...)
}

func push(ctx context.Context, n Notifier, courierID string, ev notify.Event) error {
	err := n.Notify(ctx, courierID, ev)
	result := "ok"
	switch {
	case errors.Is(err, ErrNoSession):
		result = "no_session"
	case err != nil:
		result = "error"
	}
	observability.NotifyPushes.WithLabelValues(n.Name(), result).Inc()
	return err
}
