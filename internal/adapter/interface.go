// Package adapter provides chat adapters for the external messaging platforms.
//
// This package implements a unified interface for bridging end-user chats on
// Messenger, Telegram, VK, WeChat, Viber and WhatsApp-gateway platforms.
// Each adapter handles platform-specific transport (webhook or polling),
// normalizes inbound traffic into Events, and serializes outbound sends
// through a per-chat session mutex so messages to one chat never interleave.
//
// # Usage
//
//	tg := adapter.NewTelegramAdapter(adapter.TelegramConfig{Token: token})
//	err := tg.Start(func(ev adapter.Event) {
//	    fmt.Printf("%s from %s: %s\n", ev.Kind, ev.ChatID, ev.Text)
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	tg.SendText(chatID, "Hello")
//	tg.Stop()
//
// Webhook-based adapters additionally implement WebhookAdapter and must be
// mounted on the relay's HTTP router before traffic arrives.
//
// # Thread safety
//
// All adapters are safe for concurrent use. The event handler may be called
// concurrently from multiple goroutines; ordering is only guaranteed for
// outbound sends to a single chat id.
package adapter

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// EventKind identifies the payload shape of a normalized event.
type EventKind string

const (
	KindText     EventKind = "text"
	KindImage    EventKind = "image"
	KindVideo    EventKind = "video"
	KindFile     EventKind = "file"
	KindLocation EventKind = "location"
)

// Sender describes the end user behind an inbound event. Adapters resolve
// the display profile via the platform's lookup API and fall back to the
// raw chat id when the lookup fails; event delivery never blocks on it.
type Sender struct {
	Name      string
	AvatarURL string
}

// Location is the payload of a KindLocation event.
type Location struct {
	Latitude  string
	Longitude string
	URL       string
}

// Event is the normalized message shape every adapter emits. It is the only
// contract the router and the backend connector depend on.
type Event struct {
	Kind      EventKind
	MessageID string
	ChatID    string
	Text      string   // KindText
	URL       string   // KindImage, KindVideo, KindFile: payload download URL
	FileName  string   // KindFile, optional for others
	Location  Location // KindLocation
	From      Sender

	// AuthHeader carries headers required to fetch URL, for platforms whose
	// media endpoints are authenticated (WhatsApp gateway). Nil otherwise.
	AuthHeader http.Header
}

// Handler consumes normalized events.
type Handler func(Event)

// ChatAdapter is the capability set every platform adapter exposes.
// Send operations are asynchronous with respect to inbound traffic but
// strictly ordered per chat id.
type ChatAdapter interface {
	// Start begins receiving inbound events. Idempotent; a safe no-op for
	// push-only platforms that are already registered.
	Start(handler Handler) error

	// SendText delivers a plain text message to the chat.
	SendText(chatID, text string) error

	// SendPhoto delivers an image available at fileURL.
	SendPhoto(chatID, fileURL, fileName string) error

	// SendDoc delivers a document available at fileURL.
	SendDoc(chatID, fileURL, fileName string) error

	// SendTyping signals a typing indicator where the platform supports it.
	SendTyping(chatID string) error

	// EndChat sends the closing text, if any, and discards per-chat state.
	EndChat(chatID, text string) error

	// Stop stops the adapter and cleans up resources.
	Stop() error
}

// WebhookAdapter is implemented by adapters that receive inbound traffic
// over HTTP. Register mounts the adapter's webhook routes.
type WebhookAdapter interface {
	Register(r chi.Router)
}
