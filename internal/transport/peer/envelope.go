package peer

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/events"
	"github.com/nfrund/chatsync/internal/models"
	"github.com/nfrund/chatsync/internal/reactions"
)

// EnvelopeType tags the payload carried in an Envelope.
type EnvelopeType string

const (
	TypeChatMessage     EnvelopeType = "CHAT_MESSAGE"
	TypeMessageEdit     EnvelopeType = "MESSAGE_EDIT"
	TypeMessageDelete   EnvelopeType = "MESSAGE_DELETE"
	TypeMessageReaction EnvelopeType = "MESSAGE_REACTION"
	TypeTypingIndicator EnvelopeType = "TYPING_INDICATOR"
)

// Envelope is the wire frame exchanged on the room data channel.
type Envelope struct {
	Type EnvelopeType    `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DeleteData is the payload of MESSAGE_DELETE.
type DeleteData struct {
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId"`
}

// ReactionData is the payload of MESSAGE_REACTION.
type ReactionData struct {
	ChannelID string       `json:"channelId"`
	MessageID string       `json:"messageId"`
	Emoji     string       `json:"emoji"`
	UserID    string       `json:"userId"`
	Type      reactions.Op `json:"type"`
}

// TypingData is the payload of TYPING_INDICATOR.
type TypingData struct {
	ChannelID   string `json:"channelId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	IsTyping    bool   `json:"isTyping"`
}

// Encode renders e as an envelope. CHAT_MESSAGE and MESSAGE_EDIT carry the
// full confirmed record.
func Encode(e events.Event) ([]byte, error) {
	var (
		typ  EnvelopeType
		data any
	)
	switch ev := e.(type) {
	case events.MessageCreated:
		typ, data = TypeChatMessage, ev.Message
	case events.MessageUpdated:
		typ, data = TypeMessageEdit, ev.Message
	case events.MessageDeleted:
		typ, data = TypeMessageDelete, DeleteData{ChannelID: ev.Channel(), MessageID: ev.MessageID}
	case events.ReactionChanged:
		typ, data = TypeMessageReaction, ReactionData{
			ChannelID: ev.Channel(), MessageID: ev.MessageID, Emoji: ev.Emoji, UserID: ev.UserID, Type: ev.Op,
		}
	case events.TypingChanged:
		typ, data = TypeTypingIndicator, TypingData{
			ChannelID: ev.Channel(), UserID: ev.UserID, DisplayName: ev.DisplayName, IsTyping: ev.IsTyping,
		}
	default:
		return nil, fmt.Errorf("encode %T: %w", e, domain.ErrInvalidEnvelope)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", typ, err)
	}
	return json.Marshal(Envelope{Type: typ, Data: raw})
}

// Decode validates and parses a frame received from the room.
func Decode(frame []byte) (events.Event, error) {
	if !utf8.Valid(frame) {
		return nil, fmt.Errorf("frame is not valid utf-8: %w", domain.ErrInvalidEnvelope)
	}

	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidEnvelope, err)
	}
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%s without data: %w", env.Type, domain.ErrInvalidEnvelope)
	}

	now := time.Now().UTC()
	header := func(channelID string) events.Header {
		return events.Header{ChannelID: channelID, From: events.SourcePeer, ReceivedAt: now}
	}

	switch env.Type {
	case TypeChatMessage, TypeMessageEdit:
		var rec models.MessageRecord
		if err := json.Unmarshal(env.Data, &rec); err != nil {
			return nil, fmt.Errorf("%s: %w: %v", env.Type, domain.ErrInvalidEnvelope, err)
		}
		if rec.ID == "" || rec.ChannelID == "" || models.IsTemporaryID(rec.ID) {
			return nil, fmt.Errorf("%s needs a confirmed id and channel: %w", env.Type, domain.ErrInvalidEnvelope)
		}
		rec.Status = models.StatusConfirmed
		if env.Type == TypeChatMessage {
			return events.MessageCreated{Header: header(rec.ChannelID), Message: rec}, nil
		}
		return events.MessageUpdated{Header: header(rec.ChannelID), Message: rec}, nil

	case TypeMessageDelete:
		var d DeleteData
		if err := json.Unmarshal(env.Data, &d); err != nil || d.MessageID == "" || d.ChannelID == "" {
			return nil, fmt.Errorf("%s: %w", env.Type, domain.ErrInvalidEnvelope)
		}
		return events.MessageDeleted{Header: header(d.ChannelID), MessageID: d.MessageID}, nil

	case TypeMessageReaction:
		var d ReactionData
		if err := json.Unmarshal(env.Data, &d); err != nil || d.MessageID == "" || d.ChannelID == "" ||
			d.Emoji == "" || d.UserID == "" || !d.Type.Valid() {
			return nil, fmt.Errorf("%s: %w", env.Type, domain.ErrInvalidEnvelope)
		}
		return events.ReactionChanged{
			Header: header(d.ChannelID), MessageID: d.MessageID, Emoji: d.Emoji, UserID: d.UserID, Op: d.Type,
		}, nil

	case TypeTypingIndicator:
		var d TypingData
		if err := json.Unmarshal(env.Data, &d); err != nil || d.UserID == "" || d.ChannelID == "" {
			return nil, fmt.Errorf("%s: %w", env.Type, domain.ErrInvalidEnvelope)
		}
		return events.TypingChanged{
			Header: header(d.ChannelID), UserID: d.UserID, DisplayName: d.DisplayName, IsTyping: d.IsTyping,
		}, nil
	}

	return nil, fmt.Errorf("unknown envelope type %q: %w", env.Type, domain.ErrInvalidEnvelope)
}
