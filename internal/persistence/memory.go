package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/models"
	"github.com/nfrund/chatsync/internal/reactions"
)

// DefaultSnapshotSize is how many recent messages a feed snapshot carries.
const DefaultSnapshotSize = 50

// Snapshot is one push from the durable feed: the channel's recent messages,
// oldest first.
type Snapshot struct {
	ChannelID string                 `json:"channelId"`
	Messages  []models.MessageRecord `json:"messages"`
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithSnapshotSize overrides how many recent messages each snapshot carries.
func WithSnapshotSize(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.snapshotSize = n
		}
	}
}

// WithStoreClock injects the server clock.
func WithStoreClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// MemoryStore is an in-process durable store. It implements Client and the
// durable feed contract, pushing a full snapshot to watchers on every change.
type MemoryStore struct {
	mu           sync.RWMutex
	channels     map[string][]models.MessageRecord // sorted by CreatedAt
	owner        map[string]string                 // messageID -> channelID
	watchers     map[string]map[string]*watcher    // channelID -> watcherID -> watcher
	snapshotSize int
	now          func() time.Time
	logger       *slog.Logger
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		channels:     make(map[string][]models.MessageRecord),
		owner:        make(map[string]string),
		watchers:     make(map[string]map[string]*watcher),
		snapshotSize: DefaultSnapshotSize,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       slog.Default().With("component", "memory_store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateMessage implements Client.
func (s *MemoryStore) CreateMessage(ctx context.Context, req CreateMessageRequest) (models.MessageRecord, error) {
	if err := req.Validate(); err != nil {
		return models.MessageRecord{}, fmt.Errorf("%w: %v", domain.ErrMutationRejected, err)
	}

	s.mu.Lock()
	msgs := s.channels[req.ChannelID]
	at := s.now()
	if n := len(msgs); n > 0 && at.Before(msgs[n-1].CreatedAt) {
		at = msgs[n-1].CreatedAt
	}
	rec := models.MessageRecord{
		ID:            uuid.NewString(),
		ChannelID:     req.ChannelID,
		AuthorID:      req.AuthorID,
		Content:       req.Content,
		CreatedAt:     at,
		UpdatedAt:     at,
		ReplyToID:     req.ReplyToID,
		Mentions:      models.NormalizeMentions(req.Mentions),
		Attachments:   append([]models.Attachment(nil), req.Attachments...),
		Status:        models.StatusConfirmed,
		CorrelationID: req.CorrelationID,
	}
	s.channels[req.ChannelID] = append(msgs, rec)
	s.owner[rec.ID] = req.ChannelID
	s.mu.Unlock()

	s.notify(req.ChannelID)
	return rec.Clone(), nil
}

// EditMessage implements Client. Only the author may edit.
func (s *MemoryStore) EditMessage(ctx context.Context, messageID string, req EditMessageRequest) (models.MessageRecord, error) {
	if err := req.Validate(); err != nil {
		return models.MessageRecord{}, fmt.Errorf("%w: %v", domain.ErrMutationRejected, err)
	}

	s.mu.Lock()
	channelID, i, err := s.locate(messageID)
	if err != nil {
		s.mu.Unlock()
		return models.MessageRecord{}, err
	}
	rec := &s.channels[channelID][i]
	if rec.AuthorID != req.AuthorID {
		s.mu.Unlock()
		return models.MessageRecord{}, fmt.Errorf("%w: only the author may edit", domain.ErrMutationRejected)
	}
	rec.Content = req.Content
	rec.Edited = true
	rec.UpdatedAt = s.nextRevision(rec.UpdatedAt)
	out := rec.Clone()
	s.mu.Unlock()

	s.notify(channelID)
	return out, nil
}

// DeleteMessage implements Client. Only the author may delete.
func (s *MemoryStore) DeleteMessage(ctx context.Context, messageID, authorID string) error {
	s.mu.Lock()
	channelID, i, err := s.locate(messageID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	msgs := s.channels[channelID]
	if msgs[i].AuthorID != authorID {
		s.mu.Unlock()
		return fmt.Errorf("%w: only the author may delete", domain.ErrMutationRejected)
	}
	s.channels[channelID] = append(msgs[:i], msgs[i+1:]...)
	delete(s.owner, messageID)
	s.mu.Unlock()

	s.notify(channelID)
	return nil
}

// React implements Client. Reactions do not change a message's revision.
func (s *MemoryStore) React(ctx context.Context, messageID string, req ReactionRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMutationRejected, err)
	}

	s.mu.Lock()
	channelID, i, err := s.locate(messageID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	rec := &s.channels[channelID][i]
	rec.Reactions = reactions.Apply(rec.Reactions, req.Emoji, req.UserID, req.Type)
	if len(rec.Reactions) == 0 {
		rec.Reactions = nil
	}
	s.mu.Unlock()

	s.notify(channelID)
	return nil
}

// History implements Client: newest first, strictly older than q.Before.
func (s *MemoryStore) History(ctx context.Context, q HistoryQuery) ([]models.MessageRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.channels[q.ChannelID]
	end := len(msgs)
	if !q.Before.IsZero() {
		end = sort.Search(len(msgs), func(i int) bool { return !msgs[i].CreatedAt.Before(q.Before) })
	}
	out := make([]models.MessageRecord, 0, limit)
	for i := end - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, msgs[i].Clone())
	}
	return out, nil
}

// Watch pushes the channel's recent-message snapshot to fn now and after
// every change, until ctx is done or stop is called. Snapshots are coalesced:
// a slow watcher only sees the latest one.
func (s *MemoryStore) Watch(ctx context.Context, channelID string, fn func([]models.MessageRecord)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	w := &watcher{signal: make(chan struct{}, 1)}
	id := uuid.NewString()

	s.mu.Lock()
	if s.watchers[channelID] == nil {
		s.watchers[channelID] = make(map[string]*watcher)
	}
	s.watchers[channelID][id] = w
	w.set(s.snapshotLocked(channelID))
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.watchers[channelID], id)
			if len(s.watchers[channelID]) == 0 {
				delete(s.watchers, channelID)
			}
			s.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.signal:
				fn(w.take())
			}
		}
	}()

	s.logger.Debug("Feed watcher registered", "channel_id", channelID, "watcher_id", id)
	return cancel, nil
}

// Snapshot returns the channel's current recent-message window.
func (s *MemoryStore) Snapshot(channelID string) []models.MessageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(channelID)
}

func (s *MemoryStore) snapshotLocked(channelID string) []models.MessageRecord {
	msgs := s.channels[channelID]
	start := 0
	if len(msgs) > s.snapshotSize {
		start = len(msgs) - s.snapshotSize
	}
	out := make([]models.MessageRecord, 0, len(msgs)-start)
	for _, m := range msgs[start:] {
		out = append(out, m.Clone())
	}
	return out
}

func (s *MemoryStore) notify(channelID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.snapshotLocked(channelID)
	for _, w := range s.watchers[channelID] {
		w.set(snap)
	}
}

func (s *MemoryStore) locate(messageID string) (string, int, error) {
	channelID, ok := s.owner[messageID]
	if !ok {
		return "", -1, fmt.Errorf("message %s: %w", messageID, domain.ErrMessageNotFound)
	}
	for i, m := range s.channels[channelID] {
		if m.ID == messageID {
			return channelID, i, nil
		}
	}
	return "", -1, fmt.Errorf("message %s: %w", messageID, domain.ErrMessageNotFound)
}

// nextRevision returns a timestamp strictly after prev.
func (s *MemoryStore) nextRevision(prev time.Time) time.Time {
	at := s.now()
	if !at.After(prev) {
		at = prev.Add(time.Microsecond)
	}
	return at
}

type watcher struct {
	mu     sync.Mutex
	latest []models.MessageRecord
	signal chan struct{}
}

func (w *watcher) set(snap []models.MessageRecord) {
	w.mu.Lock()
	w.latest = snap
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *watcher) take() []models.MessageRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.latest
}
