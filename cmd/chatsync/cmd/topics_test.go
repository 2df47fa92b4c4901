package cmd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBusTopics(t *testing.T) {
	topics := busTopics()
	seen := make(map[string]bool)
	for _, topic := range topics {
		assert.True(t, strings.HasPrefix(topic.Name, "chatsync."), topic.Name)
		assert.NotEmpty(t, topic.Description)
		assert.False(t, seen[topic.Name], "duplicate topic %s", topic.Name)
		seen[topic.Name] = true
	}
	assert.True(t, seen["chatsync.timeline.changed"])
}
