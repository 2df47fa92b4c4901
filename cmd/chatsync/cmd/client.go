package cmd

import (
	"context"

	"github.com/nfrund/chatsync/internal/dedup"
	"github.com/nfrund/chatsync/internal/persistence"
	"github.com/nfrund/chatsync/internal/pubsub"
	"github.com/nfrund/chatsync/internal/session"
	"github.com/nfrund/chatsync/internal/status"
	"github.com/nfrund/chatsync/internal/typing"
)

// newSession builds a session against the configured API, feed and rooms.
func newSession(bus pubsub.Publisher, opts ...session.Option) (*session.Session, *status.Tray) {
	tray := status.NewTray(status.WithPublisher(bus))
	base := []session.Option{
		session.WithPublisher(bus),
		session.WithTray(tray),
		session.WithPageSize(cfg.PageSize),
		session.WithPendingTimeout(cfg.PendingTimeout),
		session.WithDeduplicator(dedup.New(dedup.WithSize(cfg.DedupSize), dedup.WithTTL(cfg.DedupTTL))),
		session.WithTypingOptions(typing.WithRemoteTimeout(cfg.TypingTimeout)),
	}
	if cfg.RoomURL != "" {
		base = append(base, session.WithRoomURL(cfg.RoomURL))
	}
	s := session.New(cfg.UserID,
		persistence.NewHTTPClient(cfg.APIURL),
		persistence.NewFeedClient(cfg.FeedURL),
		append(base, opts...)...,
	)
	return s, tray
}

// newBus creates the application bus, traced when CHATSYNC_TRACING_ENABLED is set.
// The returned func closes the bus and flushes traces.
func newBus(ctx context.Context) (*pubsub.WatermillBridge, func(), error) {
	tracer, shutdown, err := pubsub.SetupTracing(ctx, pubsub.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		ZipkinURL:   cfg.Tracing.ZipkinURL,
	})
	if err != nil {
		return nil, nil, err
	}
	bus := pubsub.NewWatermillBridge(pubsub.WithTracer(tracer))
	return bus, func() {
		_ = bus.Close()
		shutdown()
	}, nil
}
