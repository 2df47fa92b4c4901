// Package events defines SyncEvent, the transport-agnostic union of facts the
// synchronization core applies to a channel.
package events

import (
	"strconv"
	"time"

	"github.com/nfrund/chatsync/internal/models"
	"github.com/nfrund/chatsync/internal/reactions"
)

// Source identifies the transport an event arrived through.
type Source string

const (
	SourceLocal   Source = "local"
	SourceDurable Source = "durable"
	SourcePeer    Source = "peer"
)

// Kind names an event variant.
type Kind string

const (
	KindMessageCreated  Kind = "message_created"
	KindMessageUpdated  Kind = "message_updated"
	KindMessageDeleted  Kind = "message_deleted"
	KindReactionChanged Kind = "reaction_changed"
	KindTypingChanged   Kind = "typing_changed"
)

// Event is the sealed SyncEvent union. Only the types in this package
// implement it, so a type switch over them is exhaustive.
type Event interface {
	Channel() string
	Source() Source
	Kind() Kind
	sealed()
}

// Header carries the fields every event shares.
type Header struct {
	ChannelID  string
	From       Source
	ReceivedAt time.Time
}

func (h Header) Channel() string { return h.ChannelID }
func (h Header) Source() Source  { return h.From }
func (Header) sealed()           {}

// MessageCreated announces a message that is new to the sender's view.
type MessageCreated struct {
	Header
	Message models.MessageRecord
}

func (MessageCreated) Kind() Kind { return KindMessageCreated }

// MessageUpdated carries the full record after an edit, pin or other change.
type MessageUpdated struct {
	Header
	Message models.MessageRecord
}

func (MessageUpdated) Kind() Kind { return KindMessageUpdated }

// MessageDeleted announces the removal of a message.
type MessageDeleted struct {
	Header
	MessageID string
}

func (MessageDeleted) Kind() Kind { return KindMessageDeleted }

// ReactionChanged is a single user/emoji add or remove.
type ReactionChanged struct {
	Header
	MessageID string
	Emoji     string
	UserID    string
	Op        reactions.Op
}

func (ReactionChanged) Kind() Kind { return KindReactionChanged }

// TypingChanged reports a remote user starting or stopping typing.
type TypingChanged struct {
	Header
	UserID      string
	DisplayName string
	IsTyping    bool
}

func (TypingChanged) Kind() Kind { return KindTypingChanged }

// NewHeader builds a header stamped with the current time.
func NewHeader(channelID string, from Source) Header {
	return Header{ChannelID: channelID, From: from, ReceivedAt: time.Now()}
}

// Fingerprint derives the key used to recognise repeat delivery of the same
// logical event. Typing events have no fingerprint and are never deduplicated.
func Fingerprint(e Event) string {
	switch ev := e.(type) {
	case MessageCreated:
		return messageFingerprint(ev.Message)
	case MessageUpdated:
		return messageFingerprint(ev.Message)
	case MessageDeleted:
		return "delete|" + ev.MessageID
	case ReactionChanged:
		return reactionFingerprint(ev.MessageID, ev.Emoji, ev.UserID, ev.Op)
	case TypingChanged:
		return ""
	default:
		return ""
	}
}

func reactionFingerprint(messageID, emoji, userID string, op reactions.Op) string {
	return "reaction|" + messageID + "|" + emoji + "|" + userID + "|" + string(op)
}

func messageFingerprint(m models.MessageRecord) string {
	return "msg|" + m.ID + "|" + strconv.FormatInt(m.Revision().UnixNano(), 10)
}

// MessageID returns the message an event targets, or "" for typing events.
func MessageID(e Event) string {
	switch ev := e.(type) {
	case MessageCreated:
		return ev.Message.ID
	case MessageUpdated:
		return ev.Message.ID
	case MessageDeleted:
		return ev.MessageID
	case ReactionChanged:
		return ev.MessageID
	case TypingChanged:
		return ""
	default:
		return ""
	}
}
