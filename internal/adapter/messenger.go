package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/spbridge/spbridge/internal/logger"
	"github.com/spbridge/spbridge/internal/session"
	"github.com/spbridge/spbridge/pkg/constants"
)

const (
	messengerSendURL    = "https://graph.facebook.com/v2.6/me/messages"
	messengerProfileURL = "https://graph.facebook.com"
)

// MessengerConfig holds the Facebook Messenger adapter credentials.
type MessengerConfig struct {
	VerifyToken     string
	PageAccessToken string
}

// MessengerAdapter implements ChatAdapter for Facebook Messenger. Inbound
// traffic arrives on the /fb/webhook route; the GET leg answers the
// subscription challenge, the POST leg carries page messaging envelopes.
type MessengerAdapter struct {
	mu              sync.RWMutex
	verifyToken     string
	pageAccessToken string
	handler         Handler
	sessions        *session.Registry
	client          *http.Client

	// overridable in tests
	sendURL    string
	profileURL string
}

// NewMessengerAdapter creates a new Messenger adapter instance.
func NewMessengerAdapter(cfg MessengerConfig) *MessengerAdapter {
	return &MessengerAdapter{
		verifyToken:     cfg.VerifyToken,
		pageAccessToken: cfg.PageAccessToken,
		sessions:        session.NewRegistry(),
		client:          &http.Client{Timeout: constants.PlatformRequestTimeout},
		sendURL:         messengerSendURL,
		profileURL:      messengerProfileURL,
	}
}

// Register mounts the webhook routes.
func (m *MessengerAdapter) Register(r chi.Router) {
	r.Get("/fb/webhook", m.handleVerify)
	r.Post("/fb/webhook", m.handleWebhook)
}

// Start is a no-op: Messenger pushes events to the registered webhook.
func (m *MessengerAdapter) Start(handler Handler) error {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()
	logger.WithField("token", maskSecret(m.pageAccessToken)).Info("messenger-adapter-started")
	return nil
}

// Stop is a no-op; the webhook routes stop with the HTTP server.
func (m *MessengerAdapter) Stop() error { return nil }

// handleVerify answers the subscription handshake: echo hub.challenge when
// the mode and verify token match, 403 otherwise. No event is ever emitted
// for a failed verification.
func (m *MessengerAdapter) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode == "" || token == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if mode != "subscribe" || token != m.verifyToken {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	logger.Info("messenger-webhook-verified")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(challenge))
}

type messengerEnvelope struct {
	Object string           `json:"object"`
	Entry  []messengerEntry `json:"entry"`
}

type messengerEntry struct {
	Messaging []messengerMessaging `json:"messaging"`
}

type messengerMessaging struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Message *messengerMessage `json:"message"`
}

type messengerMessage struct {
	MID         string `json:"mid"`
	Text        string `json:"text"`
	Attachments []struct {
		Type    string `json:"type"`
		Payload struct {
			URL string `json:"url"`
		} `json:"payload"`
	} `json:"attachments"`
}

func (m *MessengerAdapter) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var body messengerEnvelope
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		logger.WithField("error", err).Warn("messenger-webhook-bad-body")
		w.WriteHeader(http.StatusNotFound)
		return
	}
	// Only page subscription events are relayed.
	if body.Object != "page" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	for _, entry := range body.Entry {
		if len(entry.Messaging) == 0 {
			continue
		}
		evt := entry.Messaging[0]
		if evt.Message == nil {
			logger.WithField("sender", evt.Sender.ID).Warn("messenger-unknown-event-type")
			continue
		}
		var attachments []messengerAttachment
		for _, a := range evt.Message.Attachments {
			attachments = append(attachments, messengerAttachment{Type: a.Type, URL: a.Payload.URL})
		}
		m.handleMessage(evt.Sender.ID, evt.Message.MID, evt.Message.Text, attachments)
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("EVENT_RECEIVED"))
}

type messengerAttachment struct {
	Type string
	URL  string
}

func (m *MessengerAdapter) handleMessage(senderPSID, msgID, text string, attachments []messengerAttachment) {
	logger.WithFields(logrus.Fields{
		"platform":   "messenger",
		"sender":     senderPSID,
		"message_id": msgID,
	}).Debug("messenger-message")

	from := m.userProfile(senderPSID)

	if text != "" {
		m.emit(Event{
			Kind:      KindText,
			MessageID: msgID,
			ChatID:    senderPSID,
			Text:      text,
			From:      from,
		})
	}
	for _, a := range attachments {
		switch a.Type {
		case "image":
			m.emit(Event{
				Kind:      KindImage,
				MessageID: msgID,
				ChatID:    senderPSID,
				URL:       a.URL,
				From:      from,
			})
		case "file":
			m.emit(Event{
				Kind:      KindFile,
				MessageID: msgID,
				ChatID:    senderPSID,
				URL:       a.URL,
				FileName:  decodedFileName(a.URL),
				From:      from,
			})
		case "video":
			// Relayed as a text link; the backend cannot host video playback.
			m.emit(Event{
				Kind:      KindText,
				MessageID: msgID,
				ChatID:    senderPSID,
				Text:      a.URL,
				From:      from,
			})
		default:
			logger.WithField("type", a.Type).Warn("messenger-unsupported-attachment")
		}
	}
}

// userProfile resolves the sender's display profile via the Graph API,
// falling back to the raw PSID when the lookup fails.
func (m *MessengerAdapter) userProfile(psid string) Sender {
	u := fmt.Sprintf("%s/%s?fields=first_name,last_name,profile_pic&access_token=%s",
		m.profileURL, url.PathEscape(psid), url.QueryEscape(m.pageAccessToken))

	resp, err := m.client.Get(u)
	if err != nil {
		logger.WithField("error", err).Warn("messenger-profile-lookup-failed")
		return Sender{Name: psid}
	}
	defer resp.Body.Close()

	var profile struct {
		FirstName  string `json:"first_name"`
		LastName   string `json:"last_name"`
		ProfilePic string `json:"profile_pic"`
	}
	if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&profile) != nil {
		return Sender{Name: psid}
	}
	name := profile.FirstName + " " + profile.LastName
	return Sender{Name: name, AvatarURL: profile.ProfilePic}
}

func (m *MessengerAdapter) emit(ev Event) {
	m.mu.RLock()
	handler := m.handler
	m.mu.RUnlock()
	if handler != nil {
		handler(ev)
	}
}

// SendText delivers a plain text message.
func (m *MessengerAdapter) SendText(chatID, text string) error {
	return m.sendMessage(chatID, map[string]interface{}{"text": text})
}

// SendPhoto delivers an image attachment by URL.
func (m *MessengerAdapter) SendPhoto(chatID, fileURL, fileName string) error {
	return m.sendMessage(chatID, map[string]interface{}{
		"attachment": map[string]interface{}{
			"type": "image",
			"payload": map[string]interface{}{
				"url":         fileURL,
				"is_reusable": false,
			},
		},
	})
}

// SendDoc delivers a file attachment by URL.
func (m *MessengerAdapter) SendDoc(chatID, fileURL, fileName string) error {
	return m.sendMessage(chatID, map[string]interface{}{
		"attachment": map[string]interface{}{
			"type": "file",
			"payload": map[string]interface{}{
				"url":         fileURL,
				"is_reusable": false,
			},
		},
	})
}

// SendTyping is not supported on the send API surface used here.
func (m *MessengerAdapter) SendTyping(chatID string) error { return nil }

// EndChat sends the closing text, if any, and discards per-chat state.
func (m *MessengerAdapter) EndChat(chatID, text string) error {
	if text != "" {
		if err := m.SendText(chatID, text); err != nil {
			m.sessions.Remove(chatID)
			return err
		}
	}
	m.sessions.Remove(chatID)
	return nil
}

// sendMessage posts one message envelope, serialized per chat id.
func (m *MessengerAdapter) sendMessage(chatID string, message map[string]interface{}) error {
	sess := m.sessions.FindOrCreate(chatID)
	if err := sess.Acquire(context.Background()); err != nil {
		return err
	}
	defer sess.Release()

	payload, err := json.Marshal(map[string]interface{}{
		"recipient": map[string]string{"id": chatID},
		"message":   message,
	})
	if err != nil {
		return err
	}

	u := m.sendURL + "?access_token=" + url.QueryEscape(m.pageAccessToken)
	resp, err := m.client.Post(u, "application/json", bytes.NewReader(payload))
	if err != nil {
		logger.WithFields(logrus.Fields{
			"chat_id": chatID,
			"error":   err,
		}).Error("messenger-send-failed")
		return fmt.Errorf("messenger send failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		logger.WithFields(logrus.Fields{
			"chat_id": chatID,
			"status":  resp.StatusCode,
		}).Error("messenger-send-failed")
		return fmt.Errorf("messenger send failed: status %d", resp.StatusCode)
	}
	return nil
}
