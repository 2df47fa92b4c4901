// Package peer adapts the ephemeral broadcast data channel of a voice/video
// room. It is only live while the local user is joined to a room.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/events"
	"github.com/nfrund/chatsync/internal/metrics"
	"github.com/nfrund/chatsync/internal/transport"
)

// DataChannel is a room's broadcast pipe. Receive blocks until a frame
// arrives, ctx is done or the channel closes.
type DataChannel interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithHealthReporter reports room connectivity.
func WithHealthReporter(r *transport.HealthReporter) Option {
	return func(a *Adapter) {
		a.health = r
	}
}

type subscription struct {
	channelID string
	onEvent   transport.Handler
}

// Adapter implements transport.Adapter over a DataChannel. Subscriptions may
// be registered before joining; they receive events only while joined.
type Adapter struct {
	mu     sync.RWMutex
	subs   map[string]subscription
	dc     DataChannel
	cancel context.CancelFunc
	done   chan struct{}
	health *transport.HealthReporter
	logger *slog.Logger
}

var _ transport.Adapter = (*Adapter)(nil)

// New creates an adapter that is not joined to any room.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		subs:   make(map[string]subscription),
		logger: slog.Default().With("component", "peer_adapter"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Source implements transport.Adapter.
func (a *Adapter) Source() events.Source {
	return events.SourcePeer
}

// Subscribe implements transport.Adapter. Envelopes for other channels are
// not delivered to this handler.
func (a *Adapter) Subscribe(ctx context.Context, channelID string, onEvent transport.Handler) (transport.Unsubscribe, error) {
	id := uuid.NewString()
	a.mu.Lock()
	a.subs[id] = subscription{channelID: channelID, onEvent: onEvent}
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.subs, id)
			a.mu.Unlock()
		})
	}, nil
}

// Joined reports whether a room data channel is attached.
func (a *Adapter) Joined() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dc != nil
}

// Join attaches the room's data channel and starts reading from it. Joining
// while already joined leaves the previous room first.
func (a *Adapter) Join(ctx context.Context, dc DataChannel) {
	a.Leave()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.mu.Lock()
	a.dc = dc
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	a.health.Report(events.SourcePeer, "", true, nil)
	go a.readLoop(ctx, dc, done)
}

// Leave detaches from the room and waits for the reader to stop.
func (a *Adapter) Leave() {
	a.mu.Lock()
	dc, cancel, done := a.dc, a.cancel, a.done
	a.dc, a.cancel, a.done = nil, nil, nil
	a.mu.Unlock()

	if dc == nil {
		return
	}
	cancel()
	if err := dc.Close(); err != nil {
		a.logger.Debug("Closing room data channel", "error", err)
	}
	<-done
}

// Broadcast sends e to the room. It fails with ErrTransportUnavailable when
// not joined.
func (a *Adapter) Broadcast(ctx context.Context, e events.Event) error {
	a.mu.RLock()
	dc := a.dc
	a.mu.RUnlock()
	if dc == nil {
		return domain.ErrTransportUnavailable
	}

	frame, err := Encode(e)
	if err != nil {
		return err
	}
	if err := dc.Send(ctx, frame); err != nil {
		return fmt.Errorf("broadcast %s: %w: %v", e.Kind(), domain.ErrTransportUnavailable, err)
	}
	return nil
}

func (a *Adapter) readLoop(ctx context.Context, dc DataChannel, done chan struct{}) {
	defer close(done)
	for {
		frame, err := dc.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				a.health.Report(events.SourcePeer, "", false, err)
				a.detach(dc)
			}
			return
		}

		ev, err := Decode(frame)
		if err != nil {
			a.logger.Warn("Dropping room frame", "error", err, "bytes", len(frame))
			continue
		}
		a.dispatch(ev)
	}
}

// detach forgets dc after the reader saw it fail, unless a new room was joined.
func (a *Adapter) detach(dc DataChannel) {
	a.mu.Lock()
	if a.dc != dc {
		a.mu.Unlock()
		return
	}
	cancel := a.cancel
	a.dc, a.cancel, a.done = nil, nil, nil
	a.mu.Unlock()
	cancel()
	if err := dc.Close(); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Debug("Closing failed data channel", "error", err)
	}
}

func (a *Adapter) dispatch(ev events.Event) {
	a.mu.RLock()
	var targets []transport.Handler
	for _, s := range a.subs {
		if s.channelID == ev.Channel() {
			targets = append(targets, s.onEvent)
		}
	}
	a.mu.RUnlock()

	if len(targets) == 0 {
		metrics.EventsStale.WithLabelValues(string(events.SourcePeer)).Inc()
		return
	}
	metrics.EventsReceived.WithLabelValues(string(events.SourcePeer), string(ev.Kind())).Inc()
	for _, fn := range targets {
		fn(ev)
	}
}
