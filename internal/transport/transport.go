// Package transport defines the contract shared by the durable-store and
// peer-broadcast adapters. Adapters only translate: they never deduplicate
// and never touch a timeline.
package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/nfrund/chatsync/internal/events"
	"github.com/nfrund/chatsync/internal/metrics"
	"github.com/nfrund/chatsync/internal/pubsub"
)

// Handler receives normalized events. It may be called from any goroutine.
type Handler func(events.Event)

// Unsubscribe stops delivery for one subscription. It is safe to call twice.
type Unsubscribe func()

// Adapter turns one upstream source into events.Event values.
type Adapter interface {
	Source() events.Source
	Subscribe(ctx context.Context, channelID string, onEvent Handler) (Unsubscribe, error)
}

// Health is a transport connectivity change.
type Health struct {
	Source    events.Source `json:"source"`
	ChannelID string        `json:"channelId,omitempty"`
	Up        bool          `json:"up"`
	Error     string        `json:"error,omitempty"`
	At        time.Time     `json:"at"`
}

// TopicHealth carries Health changes to the presentation layer.
var TopicHealth = pubsub.NewEvent[Health]("chatsync.transport.health", "Transport connected/disconnected signals")

// HealthReporter records transport health in metrics and logs and, when a
// publisher is set, on the bus.
type HealthReporter struct {
	publisher pubsub.Publisher
	logger    *slog.Logger
}

// NewHealthReporter creates a reporter. A nil publisher only logs.
func NewHealthReporter(publisher pubsub.Publisher) *HealthReporter {
	return &HealthReporter{
		publisher: publisher,
		logger:    slog.Default().With("component", "transport"),
	}
}

// Report records a connectivity change.
func (r *HealthReporter) Report(source events.Source, channelID string, up bool, err error) {
	if r == nil {
		return
	}
	h := Health{Source: source, ChannelID: channelID, Up: up, At: time.Now().UTC()}
	if err != nil {
		h.Error = err.Error()
	}

	if up {
		metrics.TransportUp.WithLabelValues(string(source)).Set(1)
		r.logger.Info("Transport connected", "source", source, "channel_id", channelID)
	} else {
		metrics.TransportUp.WithLabelValues(string(source)).Set(0)
		r.logger.Warn("Transport unavailable", "source", source, "channel_id", channelID, "error", err)
	}

	if r.publisher == nil {
		return
	}
	if pubErr := pubsub.Publish(context.Background(), r.publisher, TopicHealth, h, "channel_id", channelID); pubErr != nil {
		r.logger.Error("Failed to publish transport health", "error", pubErr)
	}
}
