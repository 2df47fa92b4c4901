package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// LiveQueryAction is the kind of change a live query reports.
type LiveQueryAction string

const (
	ActionCreate LiveQueryAction = "CREATE"
	ActionUpdate LiveQueryAction = "UPDATE"
	ActionDelete LiveQueryAction = "DELETE"
)

// LiveQueryHandler is called for each change. Calls for one subscription
// are sequential.
type LiveQueryHandler func(ctx context.Context, action LiveQueryAction, data any)

// LiveQueryFilter narrows a table subscription.
type LiveQueryFilter struct {
	// Where is a SurrealQL condition, e.g. "channel_id = $channel".
	Where  string
	Params map[string]any
}

// Subscription is an active live query.
type Subscription struct {
	ID    string
	Table string
	// Done is closed when the subscription ends, either through Unsubscribe
	// or because the server closed the notification channel.
	Done <-chan struct{}
}

// SurrealLiveQueryService runs LIVE SELECT queries and dispatches their
// notifications.
type SurrealLiveQueryService struct {
	conn *Connection

	mu   sync.Mutex
	subs map[string]*subscriptionState
}

type subscriptionState struct {
	id          string
	table       string
	liveQueryID string
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewSurrealLiveQueryService creates a live query service over conn.
func NewSurrealLiveQueryService(conn *Connection) *SurrealLiveQueryService {
	return &SurrealLiveQueryService{conn: conn, subs: make(map[string]*subscriptionState)}
}

// Subscribe starts a live query on table.
func (s *SurrealLiveQueryService) Subscribe(ctx context.Context, table string, filter *LiveQueryFilter, handler LiveQueryHandler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	query := fmt.Sprintf("LIVE SELECT * FROM %s", table)
	params := map[string]any{}
	if filter != nil {
		if filter.Where != "" {
			query += " WHERE " + filter.Where
		}
		for k, v := range filter.Params {
			params[k] = v
		}
	}

	subCtx, cancel := context.WithCancel(context.Background())
	state := &subscriptionState{
		id:     uuid.NewString(),
		table:  table,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	err := s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		results, err := surrealdb.Query[any](ctx, db, query, params)
		if err != nil {
			return fmt.Errorf("failed to execute live query: %w", err)
		}
		if results == nil || len(*results) == 0 {
			return fmt.Errorf("live query returned no results")
		}
		result := (*results)[0]
		if result.Status != "OK" {
			return fmt.Errorf("live query failed with status: %s", result.Status)
		}

		id, err := liveQueryID(result.Result)
		if err != nil {
			return err
		}
		state.liveQueryID = id

		notifications, err := db.LiveNotifications(id)
		if err != nil {
			return fmt.Errorf("failed to get notification channel: %w", err)
		}

		go s.listen(subCtx, state, notifications, handler)
		go s.cleanupOnCancel(subCtx, db, state)
		return nil
	})
	if err != nil {
		cancel()
		return nil, NewDBError(err, "failed to start live query").WithQuery(query)
	}

	s.mu.Lock()
	s.subs[state.id] = state
	s.mu.Unlock()

	slog.Debug("Live query established", "sub_id", state.id, "live_query_id", state.liveQueryID, "table", table)
	return &Subscription{ID: state.id, Table: table, Done: state.done}, nil
}

// Unsubscribe stops a subscription. Unknown ids are ignored.
func (s *SurrealLiveQueryService) Unsubscribe(subID string) error {
	s.mu.Lock()
	state, ok := s.subs[subID]
	delete(s.subs, subID)
	s.mu.Unlock()

	if ok {
		state.cancel()
		slog.Debug("Live query subscription removed", "sub_id", subID)
	}
	return nil
}

func (s *SurrealLiveQueryService) listen(ctx context.Context, state *subscriptionState, notifications <-chan connection.Notification, handler LiveQueryHandler) {
	defer func() {
		close(state.done)
		s.mu.Lock()
		delete(s.subs, state.id)
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				slog.Debug("Live query notification channel closed", "sub_id", state.id)
				return
			}

			var action LiveQueryAction
			switch n.Action {
			case connection.CreateAction:
				action = ActionCreate
			case connection.UpdateAction:
				action = ActionUpdate
			case connection.DeleteAction:
				action = ActionDelete
			default:
				slog.Warn("Unknown live query action", "sub_id", state.id, "action", n.Action)
				continue
			}
			s.dispatch(ctx, state, handler, action, n.Result)
		}
	}
}

func (s *SurrealLiveQueryService) dispatch(ctx context.Context, state *subscriptionState, handler LiveQueryHandler, action LiveQueryAction, data any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic in live query handler", "sub_id", state.id, "panic", r)
		}
	}()
	handler(ctx, action, data)
}

func (s *SurrealLiveQueryService) cleanupOnCancel(ctx context.Context, db *surrealdb.DB, state *subscriptionState) {
	<-ctx.Done()

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.CloseLiveNotifications(state.liveQueryID); err != nil {
		slog.Debug("Failed to close live notifications", "error", err, "live_query_id", state.liveQueryID)
	}
	if err := Execute(cleanupCtx, db, "KILL $id", map[string]any{"id": state.liveQueryID}); err != nil {
		slog.Debug("Failed to kill live query", "error", err, "live_query_id", state.liveQueryID)
	}
}

// liveQueryID extracts the live query UUID from a LIVE SELECT result.
func liveQueryID(result any) (string, error) {
	var id string
	switch v := result.(type) {
	case string:
		id = v
	case surrealmodels.UUID:
		id = v.String()
	case map[string]any:
		switch inner := v["id"].(type) {
		case string:
			id = inner
		case surrealmodels.UUID:
			id = inner.String()
		}
	default:
		return "", fmt.Errorf("unexpected live query result type: %T", result)
	}
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("live query returned empty id")
	}
	return id, nil
}
