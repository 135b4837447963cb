package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/GriffinCanCode/watchtower/internal/orchestrator/alert"
)

// Multi fans an alert out to several transports. It fails only when every
// transport fails.
type Multi []alert.Notifier

func (m Multi) Name() string {
	names := make([]string, len(m))
	for i, n := range m {
		names[i] = n.Name()
	}
	return strings.Join(names, "+")
}

func (m Multi) Notify(ctx context.Context, ev alert.Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			slog.Warn("alert transport failed", "transport", n.Name(), "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) == len(m) {
		return errors.Join(errs...)
	}
	return nil
}

// Log writes alerts to the structured log. It is the fallback transport when
// nothing else is configured.
type Log struct{}

func (Log) Name() string { return "log" }

func (Log) Notify(ctx context.Context, ev alert.Event) error {
	slog.InfoContext(ctx, "alert", "kind", ev.Kind, "id", ev.ID, "message", ev.Message, "snapshot_bytes", len(ev.Frame))
	return nil
}
