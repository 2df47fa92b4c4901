package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/events"
	"github.com/nfrund/chatsync/internal/models"
	"github.com/nfrund/chatsync/internal/reactions"
)

func TestEncodeDecode(t *testing.T) {
	at := time.Date(2024, 4, 2, 8, 0, 0, 0, time.UTC)
	rec := models.MessageRecord{ID: "m1", ChannelID: "general", AuthorID: "alice", Content: "héllo 👋", CreatedAt: at, UpdatedAt: at}

	cases := []struct {
		name string
		in   events.Event
		typ  EnvelopeType
	}{
		{"create", events.MessageCreated{Header: events.NewHeader("general", events.SourceLocal), Message: rec}, TypeChatMessage},
		{"edit", events.MessageUpdated{Header: events.NewHeader("general", events.SourceLocal), Message: rec}, TypeMessageEdit},
		{"delete", events.MessageDeleted{Header: events.NewHeader("general", events.SourceLocal), MessageID: "m1"}, TypeMessageDelete},
		{"reaction", events.ReactionChanged{Header: events.NewHeader("general", events.SourceLocal), MessageID: "m1", Emoji: "👍", UserID: "bob", Op: reactions.Remove}, TypeMessageReaction},
		{"typing", events.TypingChanged{Header: events.NewHeader("general", events.SourceLocal), UserID: "bob", DisplayName: "Bob", IsTyping: true}, TypeTypingIndicator},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := Encode(tc.in)
			require.NoError(t, err)
			assert.Contains(t, string(frame), `"type":"`+string(tc.typ)+`"`)

			out, err := Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, events.SourcePeer, out.Source())
			assert.Equal(t, "general", out.Channel())
			assert.Equal(t, tc.in.Kind(), out.Kind())
			assert.Equal(t, events.Fingerprint(tc.in), events.Fingerprint(out))
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	cases := map[string][]byte{
		"invalid utf8":     {'{', 0xff, 0xfe, '}'},
		"not json":         []byte("hello"),
		"unknown type":     []byte(`{"type":"SCREEN_SHARE","data":{}}`),
		"missing data":     []byte(`{"type":"CHAT_MESSAGE"}`),
		"temporary id":     []byte(`{"type":"CHAT_MESSAGE","data":{"id":"tmp-1","channelId":"general"}}`),
		"bad reaction op":  []byte(`{"type":"MESSAGE_REACTION","data":{"channelId":"general","messageId":"m1","emoji":"x","userId":"u","type":"toggle"}}`),
		"typing no user":   []byte(`{"type":"TYPING_INDICATOR","data":{"channelId":"general","isTyping":true}}`),
		"delete no msg id": []byte(`{"type":"MESSAGE_DELETE","data":{"channelId":"general"}}`),
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(frame)
			assert.ErrorIs(t, err, domain.ErrInvalidEnvelope)
		})
	}
}
