// Package persistence is the client side of the durable message store: the
// REST contract the optimistic mutation manager talks to, and an in-memory
// implementation used by the dev server and tests.
package persistence

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/nfrund/chatsync/internal/models"
	"github.com/nfrund/chatsync/internal/reactions"
)

// DefaultHistoryLimit is used when a history query does not set a limit.
const DefaultHistoryLimit = 25

var validatorInstance = validator.New()

// CreateMessageRequest is the body of POST /messages.
type CreateMessageRequest struct {
	ChannelID     string              `json:"channelId" validate:"required"`
	AuthorID      string              `json:"authorId" validate:"required"`
	Content       string              `json:"content" validate:"max=4000"`
	Attachments   []models.Attachment `json:"attachments,omitempty" validate:"dive"`
	Mentions      []string            `json:"mentions,omitempty"`
	ReplyToID     string              `json:"replyToId,omitempty"`
	CorrelationID string              `json:"correlationId,omitempty"`
}

// Validate checks structural constraints. A message needs text or at least
// one attachment.
func (r *CreateMessageRequest) Validate() error {
	if err := validatorInstance.Struct(r); err != nil {
		return err
	}
	if strings.TrimSpace(r.Content) == "" && len(r.Attachments) == 0 {
		return errors.New("message has no content and no attachments")
	}
	return nil
}

// EditMessageRequest is the body of PATCH /messages/{id}.
type EditMessageRequest struct {
	Content  string `json:"content" validate:"required,max=4000"`
	AuthorID string `json:"authorId" validate:"required"`
}

// Validate checks structural constraints.
func (r *EditMessageRequest) Validate() error {
	return validatorInstance.Struct(r)
}

// ReactionRequest is the body of POST /messages/{id}/reactions.
type ReactionRequest struct {
	UserID string       `json:"userId" validate:"required"`
	Emoji  string       `json:"emoji" validate:"required"`
	Type   reactions.Op `json:"type" validate:"required,oneof=add remove"`
}

// Validate checks structural constraints.
func (r *ReactionRequest) Validate() error {
	return validatorInstance.Struct(r)
}

// HistoryQuery selects a page of messages strictly older than Before.
type HistoryQuery struct {
	ChannelID string
	// Before is the exclusive upper bound; zero means "most recent".
	Before time.Time
	Limit  int
}

// Client is the durable store's request/response API.
type Client interface {
	CreateMessage(ctx context.Context, req CreateMessageRequest) (models.MessageRecord, error)
	EditMessage(ctx context.Context, messageID string, req EditMessageRequest) (models.MessageRecord, error)
	DeleteMessage(ctx context.Context, messageID, authorID string) error
	React(ctx context.Context, messageID string, req ReactionRequest) error
	// History returns up to Limit messages, newest first.
	History(ctx context.Context, q HistoryQuery) ([]models.MessageRecord, error)
}
