// Package durable adapts the durable store's push feed, which delivers full
// snapshots of a channel's recent messages, into change events.
package durable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/events"
	"github.com/nfrund/chatsync/internal/metrics"
	"github.com/nfrund/chatsync/internal/models"
	"github.com/nfrund/chatsync/internal/transport"
)

// Feed pushes the full recent-message snapshot of a channel on every change.
// Implementations: persistence.MemoryStore, persistence.FeedClient and
// database.LiveFeed.
type Feed interface {
	Watch(ctx context.Context, channelID string, fn func([]models.MessageRecord)) (stop func(), err error)
}

// ReconnectingFeed is a Feed that recovers from dropped connections itself
// and reports each drop and reconnect after the first connect.
// Implementations: persistence.FeedClient.
type ReconnectingFeed interface {
	Feed
	WatchState(ctx context.Context, channelID string, fn func([]models.MessageRecord), onState func(up bool, err error)) (stop func(), err error)
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithHealthReporter reports feed connectivity.
func WithHealthReporter(r *transport.HealthReporter) Option {
	return func(a *Adapter) {
		a.health = r
	}
}

// Adapter implements transport.Adapter over a Feed.
type Adapter struct {
	feed   Feed
	health *transport.HealthReporter
	logger *slog.Logger
}

var _ transport.Adapter = (*Adapter)(nil)

// New creates a durable-store adapter.
func New(feed Feed, opts ...Option) *Adapter {
	a := &Adapter{
		feed:   feed,
		logger: slog.Default().With("component", "durable_adapter"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Source implements transport.Adapter.
func (a *Adapter) Source() events.Source {
	return events.SourceDurable
}

// Subscribe watches channelID and emits the diff of each snapshot. After the
// returned Unsubscribe runs, no further events are delivered.
func (a *Adapter) Subscribe(ctx context.Context, channelID string, onEvent transport.Handler) (transport.Unsubscribe, error) {
	var (
		mu     sync.Mutex
		closed bool
	)
	d := newDiffer(channelID)

	push := func(snap []models.MessageRecord) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		for _, e := range d.Diff(snap) {
			metrics.EventsReceived.WithLabelValues(string(events.SourceDurable), string(e.Kind())).Inc()
			onEvent(e)
		}
	}

	var (
		stop func()
		err  error
	)
	if rf, ok := a.feed.(ReconnectingFeed); ok {
		stop, err = rf.WatchState(ctx, channelID, push, func(up bool, stateErr error) {
			mu.Lock()
			done := closed
			mu.Unlock()
			if !done {
				a.health.Report(events.SourceDurable, channelID, up, stateErr)
			}
		})
	} else {
		stop, err = a.feed.Watch(ctx, channelID, push)
	}
	if err != nil {
		a.health.Report(events.SourceDurable, channelID, false, err)
		return nil, fmt.Errorf("subscribe durable feed %s: %w", channelID, wrapUnavailable(err))
	}
	a.health.Report(events.SourceDurable, channelID, true, nil)

	var once sync.Once
	return func() {
		once.Do(func() {
			mu.Lock()
			closed = true
			mu.Unlock()
			stop()
			a.logger.Debug("Durable subscription closed", "channel_id", channelID)
		})
	}, nil
}

func wrapUnavailable(err error) error {
	if errors.Is(err, domain.ErrTransportUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
}
