package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoutedChatIDRoundTrip(t *testing.T) {
	tests := []struct {
		platform string
		chatID   string
	}{
		{platform: "telegram", chatID: "123456"},
		{platform: "viber", chatID: "uid=abc"},
		{platform: "whatsapp", chatID: "79001234567"},
		// Native ids may themselves contain the separator.
		{platform: "messenger", chatID: "a:b:c"},
	}

	for _, tt := range tests {
		routed := RoutedChatID(tt.platform, tt.chatID)
		platform, chatID, ok := SplitRoutedChatID(routed)
		assert.True(t, ok)
		assert.Equal(t, tt.platform, platform)
		assert.Equal(t, tt.chatID, chatID)
	}
}

func TestSplitRoutedChatIDRejectsUntagged(t *testing.T) {
	for _, raw := range []string{"", "noseparator", ":chat", "platform:"} {
		_, _, ok := SplitRoutedChatID(raw)
		assert.False(t, ok, "input %q", raw)
	}
}

func TestRenderTemplate(t *testing.T) {
	assert.Equal(t, "Anna has joined the chat",
		renderTemplate("{{name}} has joined the chat", map[string]string{"name": "Anna"}))

	assert.Equal(t, "status: open, ewt",
		renderTemplate("status: {{status}}, ewt{{ewt}}", map[string]string{"status": "open"}))

	// An empty template means the message is configured off.
	assert.Equal(t, "", renderTemplate("", map[string]string{"name": "Anna"}))
	assert.Equal(t, "", renderTemplate("{{name}}", nil))
}
