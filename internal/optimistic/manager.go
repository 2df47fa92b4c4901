// Package optimistic applies the local user's mutations to a timeline
// immediately, sends them to the persistence API and then reconciles or rolls
// back. Every Manager method must run on the channel's event loop; network
// calls run on their own goroutines and post their completions back.
package optimistic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/events"
	"github.com/nfrund/chatsync/internal/metrics"
	"github.com/nfrund/chatsync/internal/models"
	"github.com/nfrund/chatsync/internal/persistence"
	"github.com/nfrund/chatsync/internal/reactions"
	"github.com/nfrund/chatsync/internal/status"
	"github.com/nfrund/chatsync/internal/timeline"
)

const (
	// DefaultPendingTimeout force-fails mutations that never got a response.
	DefaultPendingTimeout = 30 * time.Second

	// maxFailedSends bounds the failed sends kept for Retry.
	maxFailedSends = 50
)

// Kind is the type of a pending mutation.
type Kind string

const (
	KindSend   Kind = "send"
	KindEdit   Kind = "edit"
	KindDelete Kind = "delete"
	KindReact  Kind = "react"
)

// Poster schedules work on the event loop that owns the timeline.
type Poster interface {
	Post(fn func()) bool
}

// Ledger remembers confirmed local mutations so transport echoes are dropped.
type Ledger interface {
	Record(e events.Event)
}

// Broadcaster forwards confirmed local mutations to peers in the room.
type Broadcaster interface {
	Broadcast(ctx context.Context, e events.Event) error
}

// PendingMutation is an optimistic change awaiting the server.
type PendingMutation struct {
	LocalID   string
	Kind      Kind
	MessageID string
	Emoji     string
	Op        reactions.Op
	// Snapshot is the record as optimistically applied.
	Snapshot  models.MessageRecord
	CreatedAt time.Time

	rollback             func()
	request              persistence.CreateMessageRequest
	timer                *time.Timer
	cancel               context.CancelFunc
	confirmedByTransport bool
}

// FailedSend is a send that was rolled back and can be retried.
type FailedSend struct {
	LocalID string
	Request persistence.CreateMessageRequest
	// Record is the rolled-back message, marked StatusFailed.
	Record   models.MessageRecord
	Err      error
	FailedAt time.Time
}

type inflightKey struct {
	messageID string
	slot      string
}

// Option configures a Manager.
type Option func(*Manager)

// WithPendingTimeout overrides how long a mutation may stay pending.
func WithPendingTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithLedger records confirmed mutations in the deduplicator.
func WithLedger(l Ledger) Option {
	return func(m *Manager) {
		m.ledger = l
	}
}

// WithBroadcaster forwards confirmed mutations to the room.
func WithBroadcaster(b Broadcaster) Option {
	return func(m *Manager) {
		m.broadcaster = b
	}
}

// WithTray surfaces failures as transient notices.
func WithTray(t *status.Tray) Option {
	return func(m *Manager) {
		m.tray = t
	}
}

// WithOnChange is called, on the loop, for every timeline change the manager makes.
func WithOnChange(fn func(timeline.Change)) Option {
	return func(m *Manager) {
		m.onChange = fn
	}
}

// WithOnFailure is called, on the loop, when a mutation fails and is rolled back.
func WithOnFailure(fn func(*domain.MutationError)) Option {
	return func(m *Manager) {
		m.onFailure = fn
	}
}

// WithClock injects the time source for optimistic timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager owns the pending-mutation registry of one channel.
type Manager struct {
	channelID string
	userID    string
	tl        *timeline.Timeline
	client    persistence.Client
	loop      Poster

	ledger      Ledger
	broadcaster Broadcaster
	tray        *status.Tray
	onChange    func(timeline.Change)
	onFailure   func(*domain.MutationError)
	timeout     time.Duration
	now         func() time.Time
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	seq      int
	pending  map[string]*PendingMutation
	inflight map[inflightKey]string
	failed   map[string]FailedSend
	closed   bool
}

// NewManager creates the mutation manager for tl's channel acting as userID.
func NewManager(tl *timeline.Timeline, userID string, client persistence.Client, loop Poster, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		channelID: tl.ChannelID(),
		userID:    userID,
		tl:        tl,
		client:    client,
		loop:      loop,
		timeout:   DefaultPendingTimeout,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default().With("component", "optimistic", "channel_id", tl.ChannelID()),
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]*PendingMutation),
		inflight:  make(map[inflightKey]string),
		failed:    make(map[string]FailedSend),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Send appends a pending message and posts it. It returns the mutation's
// local id and the temporary message id.
func (m *Manager) Send(content string, attachments []models.Attachment, mentions []string, replyToID string) (localID, tempID string, err error) {
	req := persistence.CreateMessageRequest{
		ChannelID:     m.channelID,
		AuthorID:      m.userID,
		Content:       content,
		Attachments:   append([]models.Attachment(nil), attachments...),
		Mentions:      models.NormalizeMentions(mentions),
		ReplyToID:     replyToID,
		CorrelationID: models.NewCorrelationID(),
	}
	return m.send(req)
}

func (m *Manager) send(req persistence.CreateMessageRequest) (string, string, error) {
	if m.closed {
		return "", "", domain.ErrChannelClosed
	}
	if err := req.Validate(); err != nil {
		return "", "", fmt.Errorf("%w: %v", domain.ErrMutationRejected, err)
	}

	now := m.now()
	rec := models.MessageRecord{
		ID:            models.NewTemporaryID(),
		ChannelID:     m.channelID,
		AuthorID:      m.userID,
		Content:       req.Content,
		CreatedAt:     now,
		UpdatedAt:     now,
		ReplyToID:     req.ReplyToID,
		Mentions:      req.Mentions,
		Attachments:   req.Attachments,
		Status:        models.StatusPending,
		CorrelationID: req.CorrelationID,
	}
	m.changed(m.tl.InsertPending(rec))

	tempID := rec.ID
	pm := m.register(KindSend, tempID, "", rec, func() {
		if removed, ok := m.tl.RemovePending(tempID); ok {
			m.changed(timeline.Change{Kind: timeline.ChangeRemoved, Index: removed.Index, Record: removed.Record})
		}
	})
	pm.request = req

	m.dispatch(pm, func(ctx context.Context) (models.MessageRecord, error) {
		return m.client.CreateMessage(ctx, req)
	})
	return pm.LocalID, tempID, nil
}

// Edit replaces a confirmed message's content optimistically.
func (m *Manager) Edit(messageID, content string) (string, error) {
	cur, err := m.target(messageID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("%w: empty edit", domain.ErrMutationRejected)
	}
	key := inflightKey{messageID: messageID, slot: string(KindEdit)}
	if _, busy := m.inflight[key]; busy {
		return "", domain.ErrMutationInFlight
	}

	prior, optimistic, err := m.tl.ApplyLocalEdit(cur.ID, content, m.now())
	if err != nil {
		return "", err
	}
	m.changed(timeline.Change{Kind: timeline.ChangeUpdated, Index: m.tl.Index(cur.ID), Record: optimistic})

	pm := m.register(KindEdit, messageID, string(KindEdit), optimistic, func() {
		if m.tl.RestoreEdit(prior, optimistic) {
			m.changed(timeline.Change{Kind: timeline.ChangeUpdated, Index: m.tl.Index(prior.ID), Record: prior})
			return
		}
		metrics.Mutations.WithLabelValues(string(KindEdit), "conflict").Inc()
		m.logger.Info("Edit rollback skipped, a newer revision won", "message_id", messageID, "error", domain.ErrStaleEdit)
	})

	req := persistence.EditMessageRequest{Content: content, AuthorID: m.userID}
	m.dispatch(pm, func(ctx context.Context) (models.MessageRecord, error) {
		return m.client.EditMessage(ctx, messageID, req)
	})
	return pm.LocalID, nil
}

// Delete removes a confirmed message optimistically.
func (m *Manager) Delete(messageID string) (string, error) {
	if _, err := m.target(messageID); err != nil {
		return "", err
	}
	key := inflightKey{messageID: messageID, slot: string(KindDelete)}
	if _, busy := m.inflight[key]; busy {
		return "", domain.ErrMutationInFlight
	}

	removed, ok := m.tl.ApplyDelete(messageID)
	if !ok {
		return "", domain.ErrMessageNotFound
	}
	m.changed(timeline.Change{Kind: timeline.ChangeRemoved, Index: removed.Index, Record: removed.Record})

	pm := m.register(KindDelete, messageID, string(KindDelete), removed.Record, func() {
		if ch := m.tl.Reinsert(removed); ch.Kind != timeline.ChangeNone {
			m.changed(ch)
		}
	})

	m.dispatch(pm, func(ctx context.Context) (models.MessageRecord, error) {
		return models.MessageRecord{}, m.client.DeleteMessage(ctx, messageID, m.userID)
	})
	return pm.LocalID, nil
}

// React toggles the local user's emoji reaction. Whether it adds or removes
// is decided now, from the current state.
func (m *Manager) React(messageID, emoji string) (string, reactions.Op, error) {
	cur, err := m.target(messageID)
	if err != nil {
		return "", "", err
	}
	if emoji == "" {
		return "", "", fmt.Errorf("%w: empty emoji", domain.ErrMutationRejected)
	}
	key := inflightKey{messageID: messageID, slot: "react:" + emoji}
	if _, busy := m.inflight[key]; busy {
		return "", "", domain.ErrMutationInFlight
	}

	op := reactions.Toggle(cur.Reactions, emoji, m.userID)
	ch := m.tl.ApplyReaction(messageID, emoji, m.userID, op)
	m.changed(ch)

	pm := m.register(KindReact, messageID, key.slot, ch.Record, func() {
		rec, ok := m.tl.Get(messageID)
		if !ok || reactions.Has(rec.Reactions, emoji, m.userID) != (op == reactions.Add) {
			return
		}
		m.changed(m.tl.ApplyReaction(messageID, emoji, m.userID, op.Inverse()))
	})
	pm.Emoji, pm.Op = emoji, op

	req := persistence.ReactionRequest{UserID: m.userID, Emoji: emoji, Type: op}
	m.dispatch(pm, func(ctx context.Context) (models.MessageRecord, error) {
		return models.MessageRecord{}, m.client.React(ctx, messageID, req)
	})
	return pm.LocalID, op, nil
}

// Retry re-issues a failed send as a fresh send.
func (m *Manager) Retry(localID string) (string, string, error) {
	f, ok := m.failed[localID]
	if !ok {
		return "", "", fmt.Errorf("failed send %s: %w", localID, domain.ErrNotFound)
	}
	delete(m.failed, localID)
	req := f.Request
	req.CorrelationID = models.NewCorrelationID()
	return m.send(req)
}

// Discard forgets a failed send.
func (m *Manager) Discard(localID string) bool {
	if _, ok := m.failed[localID]; !ok {
		return false
	}
	delete(m.failed, localID)
	return true
}

// Failed lists failed sends, oldest first.
func (m *Manager) Failed() []FailedSend {
	out := make([]FailedSend, 0, len(m.failed))
	for _, f := range m.failed {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	return out
}

// Pending lists mutations awaiting a response.
func (m *Manager) Pending() []PendingMutation {
	out := make([]PendingMutation, 0, len(m.pending))
	for _, pm := range m.pending {
		out = append(out, *pm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ResolvedByTransport notes that a transport confirmed a pending send before
// its HTTP response arrived. A later failure of that request is not rolled back.
func (m *Manager) ResolvedByTransport(tempID string) {
	for _, pm := range m.pending {
		if pm.Kind == KindSend && pm.MessageID == tempID {
			pm.confirmedByTransport = true
			return
		}
	}
}

// Close cancels outstanding requests and timers. Pending mutations are
// dropped without rollback since the timeline goes away with them.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	m.closed = true
	m.cancel()
	for id, pm := range m.pending {
		pm.timer.Stop()
		delete(m.pending, id)
		metrics.PendingMutations.Dec()
	}
	m.inflight = make(map[inflightKey]string)
}

func (m *Manager) target(messageID string) (models.MessageRecord, error) {
	if m.closed {
		return models.MessageRecord{}, domain.ErrChannelClosed
	}
	rec, ok := m.tl.Get(messageID)
	if !ok {
		return rec, domain.ErrMessageNotFound
	}
	if rec.IsPending() {
		return rec, domain.ErrNotConfirmed
	}
	return rec, nil
}

func (m *Manager) register(kind Kind, messageID, slot string, snapshot models.MessageRecord, rollback func()) *PendingMutation {
	m.seq++
	pm := &PendingMutation{
		LocalID:   fmt.Sprintf("%s-%d", kind, m.seq),
		Kind:      kind,
		MessageID: messageID,
		Snapshot:  snapshot,
		CreatedAt: m.now(),
		rollback:  rollback,
	}
	m.pending[pm.LocalID] = pm
	if slot != "" {
		m.inflight[inflightKey{messageID: messageID, slot: slot}] = pm.LocalID
	}
	metrics.PendingMutations.Inc()

	localID := pm.LocalID
	pm.timer = time.AfterFunc(m.timeout, func() {
		m.loop.Post(func() { m.expire(localID) })
	})
	return pm
}

func (m *Manager) dispatch(pm *PendingMutation, call func(ctx context.Context) (models.MessageRecord, error)) {
	localID := pm.LocalID
	ctx, cancel := context.WithCancel(m.ctx)
	pm.cancel = cancel
	go func() {
		defer cancel()
		rec, err := call(ctx)
		if !m.loop.Post(func() { m.complete(localID, rec, err) }) {
			m.logger.Debug("Dropping completion, loop stopped", "local_id", localID)
		}
	}()
}

// unregister removes pm from the registry. It reports false if pm had
// already been settled.
func (m *Manager) unregister(localID string) (*PendingMutation, bool) {
	pm, ok := m.pending[localID]
	if !ok {
		return nil, false
	}
	pm.timer.Stop()
	if pm.cancel != nil {
		pm.cancel()
	}
	delete(m.pending, localID)
	for k, v := range m.inflight {
		if v == localID {
			delete(m.inflight, k)
		}
	}
	metrics.PendingMutations.Dec()
	return pm, true
}

func (m *Manager) expire(localID string) {
	pm, ok := m.unregister(localID)
	if !ok {
		return
	}
	m.logger.Warn("Pending mutation timed out", "local_id", localID, "kind", pm.Kind, "message_id", pm.MessageID)
	metrics.Mutations.WithLabelValues(string(pm.Kind), "timeout").Inc()
	m.fail(pm, domain.ErrPendingTimeout)
}

func (m *Manager) complete(localID string, rec models.MessageRecord, err error) {
	if m.closed {
		return
	}
	pm, ok := m.unregister(localID)
	if !ok {
		m.late(localID, rec, err)
		return
	}

	if err != nil {
		if pm.Kind == KindSend && pm.confirmedByTransport {
			m.logger.Info("Send failed after a transport confirmed it", "local_id", localID, "error", err)
			return
		}
		metrics.Mutations.WithLabelValues(string(pm.Kind), "rejected").Inc()
		m.fail(pm, err)
		return
	}
	metrics.Mutations.WithLabelValues(string(pm.Kind), "confirmed").Inc()

	var confirmed events.Event
	header := events.NewHeader(m.channelID, events.SourceLocal)
	switch pm.Kind {
	case KindSend:
		m.changed(m.tl.Resolve(pm.MessageID, rec))
		confirmed = events.MessageCreated{Header: header, Message: rec}
	case KindEdit:
		ch := m.tl.ApplyUpdate(rec)
		if ch.Stale {
			metrics.Mutations.WithLabelValues(string(KindEdit), "conflict").Inc()
			m.logger.Info("Edit confirmation is older than the applied revision", "message_id", pm.MessageID, "error", domain.ErrStaleEdit)
		}
		m.changed(ch)
		confirmed = events.MessageUpdated{Header: header, Message: rec}
	case KindDelete:
		confirmed = events.MessageDeleted{Header: header, MessageID: pm.MessageID}
	case KindReact:
		confirmed = events.ReactionChanged{Header: header, MessageID: pm.MessageID, Emoji: pm.Emoji, UserID: m.userID, Op: pm.Op}
	}
	m.confirm(confirmed)
}

// late handles a response for a mutation that already timed out. A send
// that succeeded after all is applied so the message is not lost.
func (m *Manager) late(localID string, rec models.MessageRecord, err error) {
	if err != nil || rec.ID == "" {
		return
	}
	delete(m.failed, localID)
	m.logger.Info("Late confirmation after timeout", "local_id", localID, "message_id", rec.ID)
	m.changed(m.tl.ApplyCreate(rec))
	m.confirm(events.MessageCreated{Header: events.NewHeader(m.channelID, events.SourceLocal), Message: rec})
}

func (m *Manager) confirm(e events.Event) {
	if m.ledger != nil {
		m.ledger.Record(e)
	}
	if m.broadcaster == nil {
		return
	}
	go func() {
		if err := m.broadcaster.Broadcast(m.ctx, e); err != nil && !errors.Is(err, domain.ErrTransportUnavailable) {
			m.logger.Warn("Broadcast of confirmed mutation failed", "kind", e.Kind(), "error", err)
		}
	}()
}

func (m *Manager) fail(pm *PendingMutation, cause error) {
	pm.rollback()
	metrics.Rollbacks.WithLabelValues(string(pm.Kind)).Inc()

	mutErr := domain.NewMutationError(string(pm.Kind), pm.MessageID, pm.LocalID, cause)
	m.logger.Warn("Mutation rolled back", "kind", pm.Kind, "message_id", pm.MessageID, "error", cause)

	if pm.Kind == KindSend {
		rec := pm.Snapshot.Clone()
		rec.Status = models.StatusFailed
		m.failed[pm.LocalID] = FailedSend{LocalID: pm.LocalID, Request: pm.request, Record: rec, Err: mutErr, FailedAt: m.now()}
		m.trimFailed()
	}
	if m.tray != nil {
		m.tray.Error(m.channelID, pm.MessageID, failureText(pm.Kind))
	}
	if m.onFailure != nil {
		m.onFailure(mutErr)
	}
}

func (m *Manager) trimFailed() {
	for len(m.failed) > maxFailedSends {
		var oldest string
		var at time.Time
		for id, f := range m.failed {
			if oldest == "" || f.FailedAt.Before(at) {
				oldest, at = id, f.FailedAt
			}
		}
		delete(m.failed, oldest)
	}
}

func (m *Manager) changed(ch timeline.Change) {
	if ch.Kind == timeline.ChangeNone || m.onChange == nil {
		return
	}
	m.onChange(ch)
}

func failureText(kind Kind) string {
	switch kind {
	case KindSend:
		return "Message failed to send"
	case KindEdit:
		return "Edit failed"
	case KindDelete:
		return "Delete failed"
	default:
		return "Reaction failed"
	}
}
