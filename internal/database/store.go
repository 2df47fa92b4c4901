package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/models"
	"github.com/nfrund/chatsync/internal/persistence"
	"github.com/nfrund/chatsync/internal/reactions"
)

const messageTable = "message"

var _ persistence.Client = (*Store)(nil)

// messageRow is the stored shape of a message. msg_id duplicates the record
// key so queries never need to parse record ids.
type messageRow struct {
	ID            *surrealmodels.RecordID      `json:"id,omitempty"`
	MessageID     string                       `json:"msg_id"`
	ChannelID     string                       `json:"channel_id"`
	AuthorID      string                       `json:"author_id"`
	Content       string                       `json:"content"`
	CreatedAt     surrealmodels.CustomDateTime `json:"created_at"`
	UpdatedAt     surrealmodels.CustomDateTime `json:"updated_at"`
	Edited        bool                         `json:"edited"`
	Pinned        bool                         `json:"pinned"`
	ReplyToID     string                       `json:"reply_to_id,omitempty"`
	Mentions      []string                     `json:"mentions,omitempty"`
	Attachments   []models.Attachment          `json:"attachments,omitempty"`
	Reactions     map[string][]string          `json:"reactions,omitempty"`
	CorrelationID string                       `json:"correlation_id,omitempty"`
}

func (r messageRow) record() models.MessageRecord {
	rec := models.MessageRecord{
		ID:            r.MessageID,
		ChannelID:     r.ChannelID,
		AuthorID:      r.AuthorID,
		Content:       r.Content,
		CreatedAt:     r.CreatedAt.Time.UTC(),
		UpdatedAt:     r.UpdatedAt.Time.UTC(),
		Edited:        r.Edited,
		Pinned:        r.Pinned,
		ReplyToID:     r.ReplyToID,
		Mentions:      r.Mentions,
		Attachments:   r.Attachments,
		Status:        models.StatusConfirmed,
		CorrelationID: r.CorrelationID,
	}
	if len(r.Reactions) > 0 {
		rec.Reactions = reactions.Normalize(models.Reactions(r.Reactions))
	}
	return rec
}

// Store implements persistence.Client on SurrealDB.
type Store struct {
	conn *Connection
	now  func() time.Time
}

// NewStore creates a store over an established connection.
func NewStore(conn *Connection) *Store {
	return &Store{conn: conn, now: func() time.Time { return time.Now().UTC() }}
}

// CreateMessage implements persistence.Client.
func (s *Store) CreateMessage(ctx context.Context, req persistence.CreateMessageRequest) (models.MessageRecord, error) {
	if err := req.Validate(); err != nil {
		return models.MessageRecord{}, fmt.Errorf("%w: %v", domain.ErrMutationRejected, err)
	}

	id := uuid.NewString()
	at := s.now()
	data := map[string]any{
		"msg_id":         id,
		"channel_id":     req.ChannelID,
		"author_id":      req.AuthorID,
		"content":        req.Content,
		"created_at":     surrealmodels.CustomDateTime{Time: at},
		"updated_at":     surrealmodels.CustomDateTime{Time: at},
		"edited":         false,
		"pinned":         false,
		"reply_to_id":    req.ReplyToID,
		"mentions":       models.NormalizeMentions(req.Mentions),
		"attachments":    req.Attachments,
		"correlation_id": req.CorrelationID,
	}

	var row *messageRow
	err := s.run(ctx, func(ctx context.Context, db *surrealdb.DB) error {
		var err error
		row, err = QueryOne[messageRow](ctx, db,
			"CREATE type::thing($table, $id) CONTENT $data RETURN AFTER",
			map[string]any{"table": messageTable, "id": id, "data": data})
		return err
	})
	if err != nil {
		return models.MessageRecord{}, err
	}
	if row == nil {
		return models.MessageRecord{}, NewDBError(domain.ErrNotFound, "create returned no row")
	}
	return row.record(), nil
}

// EditMessage implements persistence.Client. Only the author may edit.
func (s *Store) EditMessage(ctx context.Context, messageID string, req persistence.EditMessageRequest) (models.MessageRecord, error) {
	if err := req.Validate(); err != nil {
		return models.MessageRecord{}, fmt.Errorf("%w: %v", domain.ErrMutationRejected, err)
	}

	var out models.MessageRecord
	err := s.run(ctx, func(ctx context.Context, db *surrealdb.DB) error {
		cur, err := s.find(ctx, db, messageID)
		if err != nil {
			return err
		}
		if cur.AuthorID != req.AuthorID {
			return fmt.Errorf("%w: only the author may edit", domain.ErrMutationRejected)
		}

		at := s.now()
		if prev := cur.UpdatedAt.Time; !at.After(prev) {
			at = prev.Add(time.Microsecond)
		}
		row, err := QueryOne[messageRow](ctx, db,
			"UPDATE message SET content = $content, edited = true, updated_at = $at WHERE msg_id = $id RETURN AFTER",
			map[string]any{"id": messageID, "content": req.Content, "at": surrealmodels.CustomDateTime{Time: at}})
		if err != nil {
			return err
		}
		if row == nil {
			return domain.ErrMessageNotFound
		}
		out = row.record()
		return nil
	})
	return out, err
}

// DeleteMessage implements persistence.Client. Only the author may delete.
func (s *Store) DeleteMessage(ctx context.Context, messageID, authorID string) error {
	return s.run(ctx, func(ctx context.Context, db *surrealdb.DB) error {
		cur, err := s.find(ctx, db, messageID)
		if err != nil {
			return err
		}
		if cur.AuthorID != authorID {
			return fmt.Errorf("%w: only the author may delete", domain.ErrMutationRejected)
		}
		return Execute(ctx, db, "DELETE message WHERE msg_id = $id", map[string]any{"id": messageID})
	})
}

// React implements persistence.Client. Reactions do not change a message's
// revision.
func (s *Store) React(ctx context.Context, messageID string, req persistence.ReactionRequest) error {
	if err := req.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMutationRejected, err)
	}
	return s.run(ctx, func(ctx context.Context, db *surrealdb.DB) error {
		cur, err := s.find(ctx, db, messageID)
		if err != nil {
			return err
		}
		next := reactions.Apply(models.Reactions(cur.Reactions).Clone(), req.Emoji, req.UserID, req.Type)
		return Execute(ctx, db, "UPDATE message SET reactions = $reactions WHERE msg_id = $id",
			map[string]any{"id": messageID, "reactions": map[string][]string(next)})
	})
}

// History implements persistence.Client: newest first, strictly older than
// q.Before.
func (s *Store) History(ctx context.Context, q persistence.HistoryQuery) ([]models.MessageRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = persistence.DefaultHistoryLimit
	}
	query := "SELECT * FROM message WHERE channel_id = $channel ORDER BY created_at DESC LIMIT $limit"
	params := map[string]any{"channel": q.ChannelID, "limit": limit}
	if !q.Before.IsZero() {
		query = "SELECT * FROM message WHERE channel_id = $channel AND created_at < $before ORDER BY created_at DESC LIMIT $limit"
		params["before"] = surrealmodels.CustomDateTime{Time: q.Before}
	}

	var rows []messageRow
	err := s.run(ctx, func(ctx context.Context, db *surrealdb.DB) error {
		var err error
		rows, err = Query[messageRow](ctx, db, query, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.MessageRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// recent returns the newest n messages of a channel, oldest first.
func (s *Store) recent(ctx context.Context, channelID string, n int) ([]models.MessageRecord, error) {
	newest, err := s.History(ctx, persistence.HistoryQuery{ChannelID: channelID, Limit: n})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(newest)-1; i < j; i, j = i+1, j-1 {
		newest[i], newest[j] = newest[j], newest[i]
	}
	return newest, nil
}

func (s *Store) find(ctx context.Context, db *surrealdb.DB, messageID string) (*messageRow, error) {
	row, err := QueryOne[messageRow](ctx, db, "SELECT * FROM message WHERE msg_id = $id", map[string]any{"id": messageID})
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("message %s: %w", messageID, domain.ErrMessageNotFound)
	}
	return row, nil
}

// run applies the query timeout and the connection's reconnect handling.
func (s *Store) run(ctx context.Context, fn func(context.Context, *surrealdb.DB) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.conn.QueryTimeout())
	defer cancel()
	return s.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		return fn(ctx, db)
	})
}
