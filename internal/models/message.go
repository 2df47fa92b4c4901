package models

import (
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// validatorInstance is shared so struct metadata is cached once.
var validatorInstance = validator.New()

// DeliveryStatus tracks where a message is in the optimistic lifecycle.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusConfirmed DeliveryStatus = "confirmed"
	StatusFailed    DeliveryStatus = "failed"
)

// AttachmentKind classifies an attachment for rendering.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentVideo AttachmentKind = "video"
	AttachmentGIF   AttachmentKind = "gif"
	AttachmentFile  AttachmentKind = "file"
)

// TemporaryIDPrefix marks client-generated ids that the server has not confirmed.
const TemporaryIDPrefix = "tmp-"

// DefaultIdentityTolerance is how far a confirmed CreatedAt may drift from the
// optimistic send time and still be matched by content.
const DefaultIdentityTolerance = 10 * time.Second

// Attachment describes a single attachment in the order the author added it.
type Attachment struct {
	Kind        AttachmentKind `json:"kind" validate:"required,oneof=image video gif file"`
	URL         string         `json:"url" validate:"required,url"`
	FallbackURL string         `json:"fallbackUrl,omitempty" validate:"omitempty,url"`
	Width       int            `json:"width,omitempty" validate:"gte=0"`
	Height      int            `json:"height,omitempty" validate:"gte=0"`
}

// Reactions maps an emoji to the sorted set of user ids that reacted with it.
// An emoji key never maps to an empty set.
type Reactions map[string][]string

// Clone returns a deep copy of the reaction map.
func (r Reactions) Clone() Reactions {
	if r == nil {
		return nil
	}
	out := make(Reactions, len(r))
	for emoji, users := range r {
		out[emoji] = append([]string(nil), users...)
	}
	return out
}

// MessageRecord is the canonical shape of a chat message in a channel timeline.
type MessageRecord struct {
	ID            string         `json:"id" validate:"required"`
	ChannelID     string         `json:"channelId" validate:"required"`
	AuthorID      string         `json:"authorId" validate:"required"`
	Content       string         `json:"content"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	Edited        bool           `json:"edited"`
	Pinned        bool           `json:"pinned"`
	ReplyToID     string         `json:"replyToId,omitempty"`
	Mentions      []string       `json:"mentions,omitempty"`
	Attachments   []Attachment   `json:"attachments,omitempty" validate:"dive"`
	Reactions     Reactions      `json:"reactions,omitempty"`
	Status        DeliveryStatus `json:"status,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
}

// Validate checks the record's structural constraints.
func (m *MessageRecord) Validate() error {
	return validatorInstance.Struct(m)
}

// Clone returns a deep copy so snapshots never alias timeline state.
func (m MessageRecord) Clone() MessageRecord {
	out := m
	if m.Mentions != nil {
		out.Mentions = append([]string(nil), m.Mentions...)
	}
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	out.Reactions = m.Reactions.Clone()
	return out
}

// Revision is the timestamp used for last-write-wins comparisons.
func (m MessageRecord) Revision() time.Time {
	if m.UpdatedAt.IsZero() {
		return m.CreatedAt
	}
	return m.UpdatedAt
}

// IsPending reports whether the record is an unconfirmed optimistic entry.
func (m MessageRecord) IsPending() bool {
	return m.Status == StatusPending || IsTemporaryID(m.ID)
}

// NewTemporaryID mints a client-side id for an optimistic message.
func NewTemporaryID() string {
	return TemporaryIDPrefix + uuid.NewString()
}

// NewCorrelationID mints the id the server echoes back on confirmation.
func NewCorrelationID() string {
	return uuid.NewString()
}

// IsTemporaryID reports whether id was generated locally.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TemporaryIDPrefix)
}

// NormalizeMentions returns the mentions as a sorted set.
func NormalizeMentions(mentions []string) []string {
	if len(mentions) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(mentions))
	out := make([]string, 0, len(mentions))
	for _, m := range mentions {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// SameLogicalMessage reports whether a and b describe the same logical message.
// Ids and correlation ids are authoritative. Without them, a pending record
// matches a confirmed one by author, channel, content and attachment set when
// the confirmed CreatedAt is within tolerance of the local send time.
func SameLogicalMessage(a, b MessageRecord, tolerance time.Duration) bool {
	if a.ID != "" && a.ID == b.ID {
		return true
	}
	if a.CorrelationID != "" && b.CorrelationID != "" {
		return a.CorrelationID == b.CorrelationID
	}

	pending, confirmed := a, b
	if !pending.IsPending() {
		pending, confirmed = b, a
	}
	if !pending.IsPending() || confirmed.IsPending() {
		return false
	}

	if pending.AuthorID != confirmed.AuthorID || pending.ChannelID != confirmed.ChannelID {
		return false
	}
	if normalizeContent(pending.Content) != normalizeContent(confirmed.Content) {
		return false
	}
	if !sameAttachmentSet(pending.Attachments, confirmed.Attachments) {
		return false
	}

	drift := confirmed.CreatedAt.Sub(pending.CreatedAt)
	if drift < 0 {
		drift = -drift
	}
	return drift <= tolerance
}

// normalizeContent makes visually identical text compare equal regardless of
// the Unicode composition the server stored it in.
func normalizeContent(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func sameAttachmentSet(a, b []Attachment) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, att := range a {
		counts[string(att.Kind)+"|"+att.URL]++
	}
	for _, att := range b {
		key := string(att.Kind) + "|" + att.URL
		if counts[key] == 0 {
			return false
		}
		counts[key]--
	}
	return true
}
