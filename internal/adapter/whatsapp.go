package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/spbridge/spbridge/internal/logger"
	"github.com/spbridge/spbridge/internal/session"
	"github.com/spbridge/spbridge/pkg/constants"
)

// WhatsAppConfig holds the omni-channel gateway credentials used for the
// WhatsApp channel.
type WhatsAppConfig struct {
	APIBaseURL  string
	APIKey      string
	ScenarioKey string
}

// WhatsAppAdapter implements ChatAdapter for WhatsApp through an
// omni-channel gateway. Inbound traffic arrives as result batches on /wa;
// media URLs in those batches are authenticated, so media events carry the
// gateway authorization header for the downstream fetch.
type WhatsAppAdapter struct {
	mu          sync.RWMutex
	apiBaseURL  string
	apiKey      string
	scenarioKey string
	handler     Handler
	sessions    *session.Registry
	client      *http.Client
}

// NewWhatsAppAdapter creates a new WhatsApp gateway adapter instance.
func NewWhatsAppAdapter(cfg WhatsAppConfig) *WhatsAppAdapter {
	return &WhatsAppAdapter{
		apiBaseURL:  cfg.APIBaseURL,
		apiKey:      cfg.APIKey,
		scenarioKey: cfg.ScenarioKey,
		sessions:    session.NewRegistry(),
		client:      &http.Client{Timeout: constants.PlatformRequestTimeout},
	}
}

// Register mounts the webhook route.
func (wa *WhatsAppAdapter) Register(r chi.Router) {
	r.Post("/wa", wa.handleWebhook)
}

// Start is a no-op: the gateway pushes result batches to the webhook.
func (wa *WhatsAppAdapter) Start(handler Handler) error {
	wa.mu.Lock()
	wa.handler = handler
	wa.mu.Unlock()
	logger.WithFields(logrus.Fields{
		"base_url": wa.apiBaseURL,
		"api_key":  maskSecret(wa.apiKey),
	}).Info("whatsapp-adapter-started")
	return nil
}

// Stop is a no-op; the webhook route stops with the HTTP server.
func (wa *WhatsAppAdapter) Stop() error { return nil }

// authHeader is the gateway authorization applied to API calls and required
// by consumers fetching inbound media URLs.
func (wa *WhatsAppAdapter) authHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "App "+wa.apiKey)
	return h
}

type whatsappResult struct {
	MessageID string `json:"messageId"`
	From      string `json:"from"`
	Message   struct {
		Type      string  `json:"type"`
		Text      string  `json:"text"`
		Caption   string  `json:"caption"`
		URL       string  `json:"url"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"message"`
	Contact struct {
		Name string `json:"name"`
	} `json:"contact"`
}

func (wa *WhatsAppAdapter) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Results []whatsappResult `json:"results"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		logger.WithField("error", err).Warn("whatsapp-webhook-bad-body")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	for _, res := range body.Results {
		wa.handleResult(res)
	}
	w.WriteHeader(http.StatusOK)
}

func (wa *WhatsAppAdapter) handleResult(res whatsappResult) {
	from := Sender{Name: res.Contact.Name}
	if from.Name == "" {
		from.Name = res.From
	}

	logger.WithFields(logrus.Fields{
		"platform":   "whatsapp",
		"chat_id":    res.From,
		"message_id": res.MessageID,
		"type":       res.Message.Type,
	}).Debug("whatsapp-result")

	switch res.Message.Type {
	case "TEXT":
		wa.emit(Event{
			Kind:      KindText,
			MessageID: res.MessageID,
			ChatID:    res.From,
			Text:      res.Message.Text,
			From:      from,
		})
	case "IMAGE":
		// A captioned image is two messages downstream: the picture and the
		// caption text. Suffixed ids keep both unique.
		if res.Message.Caption != "" {
			wa.emit(Event{
				Kind:       KindImage,
				MessageID:  res.MessageID + "-1",
				ChatID:     res.From,
				URL:        res.Message.URL,
				From:       from,
				AuthHeader: wa.authHeader(),
			})
			wa.emit(Event{
				Kind:      KindText,
				MessageID: res.MessageID + "-2",
				ChatID:    res.From,
				Text:      res.Message.Caption,
				From:      from,
			})
			return
		}
		wa.emit(Event{
			Kind:       KindImage,
			MessageID:  res.MessageID,
			ChatID:     res.From,
			URL:        res.Message.URL,
			From:       from,
			AuthHeader: wa.authHeader(),
		})
	case "DOCUMENT", "VOICE":
		wa.emit(Event{
			Kind:       KindFile,
			MessageID:  res.MessageID,
			ChatID:     res.From,
			URL:        res.Message.URL,
			FileName:   decodedFileName(res.Message.URL),
			From:       from,
			AuthHeader: wa.authHeader(),
		})
	case "LOCATION":
		wa.emit(Event{
			Kind:      KindLocation,
			MessageID: res.MessageID,
			ChatID:    res.From,
			Location: Location{
				Latitude:  fmt.Sprintf("%g", res.Message.Latitude),
				Longitude: fmt.Sprintf("%g", res.Message.Longitude),
			},
			From: from,
		})
	case "CONTACT":
		wa.emit(Event{
			Kind:      KindText,
			MessageID: res.MessageID,
			ChatID:    res.From,
			Text:      res.Message.Text,
			From:      from,
		})
	default:
		logger.WithField("type", res.Message.Type).Warn("whatsapp-unsupported-message-type")
	}
}

func (wa *WhatsAppAdapter) emit(ev Event) {
	wa.mu.RLock()
	handler := wa.handler
	wa.mu.RUnlock()
	if handler != nil {
		handler(ev)
	}
}

// SendText delivers a plain text message.
func (wa *WhatsAppAdapter) SendText(chatID, text string) error {
	return wa.sendMessage(chatID, map[string]interface{}{"text": text})
}

// SendPhoto delivers an image by URL with no caption.
func (wa *WhatsAppAdapter) SendPhoto(chatID, fileURL, fileName string) error {
	return wa.sendMessage(chatID, map[string]interface{}{
		"text":     "",
		"imageUrl": fileURL,
	})
}

// SendDoc delivers a document by URL.
func (wa *WhatsAppAdapter) SendDoc(chatID, fileURL, fileName string) error {
	return wa.sendMessage(chatID, map[string]interface{}{
		"text":    fileName,
		"fileUrl": fileURL,
	})
}

// SendTyping is not supported by the gateway API.
func (wa *WhatsAppAdapter) SendTyping(chatID string) error { return nil }

// EndChat sends the closing text, if any, and discards per-chat state.
func (wa *WhatsAppAdapter) EndChat(chatID, text string) error {
	if text != "" {
		if err := wa.SendText(chatID, text); err != nil {
			wa.sessions.Remove(chatID)
			return err
		}
	}
	wa.sessions.Remove(chatID)
	return nil
}

// sendMessage posts one advanced omni message, serialized per chat id.
func (wa *WhatsAppAdapter) sendMessage(chatID string, content map[string]interface{}) error {
	sess := wa.sessions.FindOrCreate(chatID)
	if err := sess.Acquire(context.Background()); err != nil {
		return err
	}
	defer sess.Release()

	payload, err := json.Marshal(map[string]interface{}{
		"scenarioKey": wa.scenarioKey,
		"destinations": []map[string]interface{}{
			{"to": map[string]string{"phoneNumber": chatID}},
		},
		"whatsApp": content,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, wa.apiBaseURL+"/omni/1/advanced", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "App "+wa.apiKey)

	resp, err := wa.client.Do(req)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"chat_id": chatID,
			"error":   err,
		}).Error("whatsapp-send-failed")
		return fmt.Errorf("whatsapp send failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		logger.WithFields(logrus.Fields{
			"chat_id": chatID,
			"status":  resp.StatusCode,
		}).Error("whatsapp-send-failed")
		return fmt.Errorf("whatsapp send failed: status %d", resp.StatusCode)
	}
	return nil
}
