// Package notify is the outbound port signaled on terminal protocol
// transitions. Downstream consumers (rewards distribution, audit log) react
// to these events; delivery is best-effort and never blocks or rolls back
// the transition that produced an event.
package notify

import (
	"context"
	"log/slog"
	"time"

	id "canopy/pkg/domain"
)

// Event describes one terminal-state entry.
type Event struct {
	LocationID id.LocationID `json:"location_id"`
	Protocol   id.Protocol   `json:"protocol"`
	ToState    id.State      `json:"to_state"`
	ActorID    id.ActorID    `json:"actor_id"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Notifier delivers events to external consumers.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// LogNotifier writes events to the structured log. Default in development
// and the fallback when no broker is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier constructs a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	n.logger.InfoContext(ctx, "protocol terminal state reached",
		"location_id", event.LocationID.String(),
		"protocol", event.Protocol.String(),
		"to_state", event.ToState.String(),
		"actor_id", event.ActorID.String(),
		"timestamp", event.Timestamp,
	)
	return nil
}
