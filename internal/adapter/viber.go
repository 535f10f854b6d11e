package adapter

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/spbridge/spbridge/internal/logger"
	"github.com/spbridge/spbridge/internal/session"
	"github.com/spbridge/spbridge/pkg/constants"
)

const viberAPIBaseURL = "https://chatapi.viber.com/pa"

// ViberConfig holds the Viber public account credentials.
type ViberConfig struct {
	AuthToken  string
	BotName    string
	WebhookURL string
}

// ViberAdapter implements ChatAdapter for a Viber public account. Start
// registers the callback URL with the platform; inbound posts on /vb are
// authenticated with an HMAC-SHA256 body signature.
type ViberAdapter struct {
	mu         sync.RWMutex
	authToken  string
	botName    string
	webhookURL string
	handler    Handler
	sessions   *session.Registry
	client     *http.Client

	apiBaseURL string // overridable in tests
}

// NewViberAdapter creates a new Viber adapter instance.
func NewViberAdapter(cfg ViberConfig) *ViberAdapter {
	return &ViberAdapter{
		authToken:  cfg.AuthToken,
		botName:    cfg.BotName,
		webhookURL: cfg.WebhookURL,
		sessions:   session.NewRegistry(),
		client:     &http.Client{Timeout: constants.PlatformRequestTimeout},
		apiBaseURL: viberAPIBaseURL,
	}
}

// Register mounts the webhook route.
func (v *ViberAdapter) Register(r chi.Router) {
	r.Post("/vb", v.handleWebhook)
}

// Start registers the callback URL with the platform.
func (v *ViberAdapter) Start(handler Handler) error {
	v.mu.Lock()
	v.handler = handler
	v.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"bot_name": v.botName,
		"webhook":  v.webhookURL,
		"token":    maskSecret(v.authToken),
	}).Info("viber-adapter-starting")

	payload := map[string]interface{}{
		"url":         v.webhookURL,
		"event_types": []string{"message", "subscribed", "unsubscribed", "conversation_started"},
	}
	body, err := v.callAPI("/set_webhook", payload)
	if err != nil {
		return fmt.Errorf("viber set_webhook: %w", err)
	}
	if body.Status != 0 {
		return fmt.Errorf("viber set_webhook: status %d: %s", body.Status, body.StatusMessage)
	}
	logger.Info("viber-webhook-registered")
	return nil
}

// Stop is a no-op; the webhook route stops with the HTTP server.
func (v *ViberAdapter) Stop() error { return nil }

// validSignature checks the HMAC-SHA256 body signature computed with the
// account auth token.
func (v *ViberAdapter) validSignature(signature string, body []byte) bool {
	mac := hmac.New(sha256.New, []byte(v.authToken))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

type viberCallback struct {
	Event        string `json:"event"`
	MessageToken int64  `json:"message_token"`
	Sender       struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Avatar string `json:"avatar"`
	} `json:"sender"`
	Message struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Media    string `json:"media"`
		FileName string `json:"file_name"`
		Location *struct {
			Lat float64 `json:"lat"`
			Lon float64 `json:"lon"`
		} `json:"location"`
	} `json:"message"`
}

func (v *ViberAdapter) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	sig := r.Header.Get("X-Viber-Content-Signature")
	if sig == "" {
		sig = r.URL.Query().Get("sig")
	}
	if !v.validSignature(sig, body) {
		logger.Warn("viber-signature-mismatch")
		w.WriteHeader(http.StatusForbidden)
		return
	}

	var cb viberCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		logger.WithField("error", err).Warn("viber-webhook-bad-body")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch cb.Event {
	case "message":
		v.handleMessage(cb)
	case "webhook", "subscribed", "unsubscribed", "conversation_started":
		// Lifecycle events carry no chat payload.
	default:
		logger.WithField("event", cb.Event).Warn("viber-unexpected-event")
	}
	w.WriteHeader(http.StatusOK)
}

func (v *ViberAdapter) handleMessage(cb viberCallback) {
	from := Sender{Name: cb.Sender.Name, AvatarURL: cb.Sender.Avatar}
	if from.Name == "" {
		from.Name = cb.Sender.ID
	}
	msgID := strconv.FormatInt(cb.MessageToken, 10)

	switch cb.Message.Type {
	case "text":
		v.emit(Event{
			Kind:      KindText,
			MessageID: msgID,
			ChatID:    cb.Sender.ID,
			Text:      cb.Message.Text,
			From:      from,
		})
	case "picture", "sticker":
		v.emit(Event{
			Kind:      KindImage,
			MessageID: msgID,
			ChatID:    cb.Sender.ID,
			URL:       cb.Message.Media,
			From:      from,
		})
	case "file":
		name := cb.Message.FileName
		if name == "" {
			name = FileNameFromURL(cb.Message.Media)
		}
		v.emit(Event{
			Kind:      KindFile,
			MessageID: msgID,
			ChatID:    cb.Sender.ID,
			URL:       cb.Message.Media,
			FileName:  name,
			From:      from,
		})
	case "video":
		// Relayed as a text link; the backend cannot host video playback.
		v.emit(Event{
			Kind:      KindText,
			MessageID: msgID,
			ChatID:    cb.Sender.ID,
			Text:      cb.Message.Media,
			From:      from,
		})
	case "location":
		if cb.Message.Location == nil {
			return
		}
		v.emit(Event{
			Kind:      KindLocation,
			MessageID: msgID,
			ChatID:    cb.Sender.ID,
			Location: Location{
				Latitude:  strconv.FormatFloat(cb.Message.Location.Lat, 'f', -1, 64),
				Longitude: strconv.FormatFloat(cb.Message.Location.Lon, 'f', -1, 64),
			},
			From: from,
		})
	default:
		logger.WithField("type", cb.Message.Type).Warn("viber-unsupported-message-type")
	}
}

func (v *ViberAdapter) emit(ev Event) {
	v.mu.RLock()
	handler := v.handler
	v.mu.RUnlock()
	if handler != nil {
		handler(ev)
	}
}

// SendText delivers a plain text message.
func (v *ViberAdapter) SendText(chatID, text string) error {
	return v.sendMessage(chatID, map[string]interface{}{
		"type": "text",
		"text": text,
	})
}

// SendPhoto delivers a picture message by URL.
func (v *ViberAdapter) SendPhoto(chatID, fileURL, fileName string) error {
	return v.sendMessage(chatID, map[string]interface{}{
		"type":  "picture",
		"text":  "",
		"media": fileURL,
	})
}

// SendDoc delivers a file message by URL.
func (v *ViberAdapter) SendDoc(chatID, fileURL, fileName string) error {
	if fileName == "" {
		fileName = FileNameFromURL(fileURL)
	}
	return v.sendMessage(chatID, map[string]interface{}{
		"type":      "file",
		"media":     fileURL,
		"file_name": fileName,
	})
}

// SendTyping is not supported by the public account API.
func (v *ViberAdapter) SendTyping(chatID string) error { return nil }

// EndChat sends the closing text, if any, and discards per-chat state.
func (v *ViberAdapter) EndChat(chatID, text string) error {
	if text != "" {
		if err := v.SendText(chatID, text); err != nil {
			v.sessions.Remove(chatID)
			return err
		}
	}
	v.sessions.Remove(chatID)
	return nil
}

type viberAPIResponse struct {
	Status        int    `json:"status"`
	StatusMessage string `json:"status_message"`
}

// sendMessage posts one send_message call, serialized per chat id.
func (v *ViberAdapter) sendMessage(chatID string, message map[string]interface{}) error {
	sess := v.sessions.FindOrCreate(chatID)
	if err := sess.Acquire(context.Background()); err != nil {
		return err
	}
	defer sess.Release()

	message["receiver"] = chatID
	message["sender"] = map[string]string{"name": v.botName}

	body, err := v.callAPI("/send_message", message)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"chat_id": chatID,
			"error":   err,
		}).Error("viber-send-failed")
		return fmt.Errorf("viber send failed: %w", err)
	}
	if body.Status != 0 {
		logger.WithFields(logrus.Fields{
			"chat_id": chatID,
			"status":  body.Status,
			"msg":     body.StatusMessage,
		}).Error("viber-send-failed")
		return fmt.Errorf("viber api error %d: %s", body.Status, body.StatusMessage)
	}
	return nil
}

func (v *ViberAdapter) callAPI(path string, payload map[string]interface{}) (*viberAPIResponse, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, v.apiBaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Viber-Auth-Token", v.authToken)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body viberAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return &body, nil
}
