package adapter

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/spbridge/spbridge/internal/logger"
	"github.com/spbridge/spbridge/internal/session"
	"github.com/spbridge/spbridge/pkg/constants"
)

const wechatAPIBaseURL = "https://api.weixin.qq.com/cgi-bin"

// WeChatConfig holds the WeChat official account credentials.
type WeChatConfig struct {
	AppID     string
	AppSecret string
	Token     string
}

// WeChatAdapter implements ChatAdapter for a WeChat official account.
// Inbound traffic arrives as signed XML posts on /wx/webhook; outbound
// traffic uses the custom message API, which requires an access token the
// adapter refreshes on a fixed interval for the process lifetime.
type WeChatAdapter struct {
	mu        sync.RWMutex
	appID     string
	appSecret string
	token     string

	accessToken string
	handler     Handler
	sessions    *session.Registry
	client      *http.Client
	tmpDir      string
	ctx         context.Context
	cancel      context.CancelFunc

	apiBaseURL      string // overridable in tests
	refreshInterval time.Duration
}

// NewWeChatAdapter creates a new WeChat adapter instance.
func NewWeChatAdapter(cfg WeChatConfig) *WeChatAdapter {
	return &WeChatAdapter{
		appID:           cfg.AppID,
		appSecret:       cfg.AppSecret,
		token:           cfg.Token,
		sessions:        session.NewRegistry(),
		client:          &http.Client{Timeout: constants.PlatformRequestTimeout},
		tmpDir:          os.TempDir(),
		apiBaseURL:      wechatAPIBaseURL,
		refreshInterval: constants.WeChatTokenRefreshInterval,
	}
}

// Register mounts the webhook routes.
func (wc *WeChatAdapter) Register(r chi.Router) {
	r.Get("/wc", wc.handleVerify)
	r.Post("/wc", wc.handleWebhook)
}

// Start fetches the first access token and begins the refresh loop.
func (wc *WeChatAdapter) Start(handler Handler) error {
	wc.mu.Lock()
	wc.handler = handler
	wc.mu.Unlock()
	wc.ctx, wc.cancel = context.WithCancel(context.Background())

	logger.WithFields(logrus.Fields{
		"app_id": wc.appID,
		"secret": maskSecret(wc.appSecret),
	}).Info("wechat-adapter-started")

	if err := wc.refreshAccessToken(); err != nil {
		logger.WithField("error", err).Error("wechat-initial-token-failed")
	}

	go func() {
		ticker := time.NewTicker(wc.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-wc.ctx.Done():
				return
			case <-ticker.C:
				if err := wc.refreshAccessToken(); err != nil {
					logger.WithField("error", err).Error("wechat-token-refresh-failed")
				}
			}
		}
	}()

	return nil
}

// Stop halts the token refresh loop.
func (wc *WeChatAdapter) Stop() error {
	if wc.cancel != nil {
		wc.cancel()
	}
	return nil
}

func (wc *WeChatAdapter) refreshAccessToken() error {
	u := fmt.Sprintf("%s/token?grant_type=client_credential&appid=%s&secret=%s",
		wc.apiBaseURL, url.QueryEscape(wc.appID), url.QueryEscape(wc.appSecret))
	resp, err := wc.client.Get(u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var body struct {
		AccessToken string `json:"access_token"`
		ErrCode     int    `json:"errcode"`
		ErrMsg      string `json:"errmsg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}
	if body.AccessToken == "" {
		return fmt.Errorf("wechat token: errcode %d: %s", body.ErrCode, body.ErrMsg)
	}

	wc.mu.Lock()
	wc.accessToken = body.AccessToken
	wc.mu.Unlock()
	logger.Info("wechat-access-token-refreshed")
	return nil
}

func (wc *WeChatAdapter) currentAccessToken() string {
	wc.mu.RLock()
	defer wc.mu.RUnlock()
	return wc.accessToken
}

// validSignature checks the platform signature: sha1 over the sorted set of
// {token, timestamp, nonce} joined without separators.
func (wc *WeChatAdapter) validSignature(signature, timestamp, nonce string) bool {
	parts := []string{wc.token, timestamp, nonce}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(parts[0] + parts[1] + parts[2]))
	return fmt.Sprintf("%x", sum) == signature
}

// handleVerify answers the endpoint configuration handshake: echo echostr
// when the signature checks out, 403 otherwise.
func (wc *WeChatAdapter) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !wc.validSignature(q.Get("signature"), q.Get("timestamp"), q.Get("nonce")) {
		logger.Warn("wechat-signature-mismatch")
		w.WriteHeader(http.StatusForbidden)
		return
	}
	logger.Info("wechat-webhook-verified")
	w.Write([]byte(q.Get("echostr")))
}

type wechatInbound struct {
	FromUserName string  `xml:"FromUserName"`
	MsgID        string  `xml:"MsgId"`
	MsgType      string  `xml:"MsgType"`
	Content      string  `xml:"Content"`
	PicURL       string  `xml:"PicUrl"`
	MediaID      string  `xml:"MediaId"`
	LocationX    float64 `xml:"Location_X"`
	LocationY    float64 `xml:"Location_Y"`
	Label        string  `xml:"Label"`
}

func (wc *WeChatAdapter) handleWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !wc.validSignature(q.Get("signature"), q.Get("timestamp"), q.Get("nonce")) {
		logger.Warn("wechat-signature-mismatch")
		w.WriteHeader(http.StatusForbidden)
		return
	}

	var msg wechatInbound
	if err := xml.NewDecoder(r.Body).Decode(&msg); err != nil {
		logger.WithField("error", err).Warn("wechat-webhook-bad-body")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	from := wc.userProfile(msg.FromUserName)

	switch msg.MsgType {
	case "text":
		wc.emit(Event{
			Kind:      KindText,
			MessageID: msg.MsgID,
			ChatID:    msg.FromUserName,
			Text:      msg.Content,
			From:      from,
		})
	case "image":
		wc.emit(Event{
			Kind:      KindImage,
			MessageID: msg.MsgID,
			ChatID:    msg.FromUserName,
			URL:       msg.PicURL,
			From:      from,
		})
	case "voice":
		// Voice is relayed as a media download link; the backend has no
		// audio playback surface.
		link := fmt.Sprintf("%s/media/get?access_token=%s&media_id=%s",
			wc.apiBaseURL, url.QueryEscape(wc.currentAccessToken()), url.QueryEscape(msg.MediaID))
		wc.emit(Event{
			Kind:      KindText,
			MessageID: msg.MsgID,
			ChatID:    msg.FromUserName,
			Text:      link,
			From:      from,
		})
	case "location":
		wc.emit(Event{
			Kind:      KindLocation,
			MessageID: msg.MsgID,
			ChatID:    msg.FromUserName,
			Location: Location{
				Latitude:  fmt.Sprintf("%g", msg.LocationX),
				Longitude: fmt.Sprintf("%g", msg.LocationY),
				URL:       msg.Label,
			},
			From: from,
		})
	default:
		logger.WithField("type", msg.MsgType).Warn("wechat-unsupported-message-type")
	}

	// Empty reply tells the platform the message was consumed.
	w.Write([]byte("success"))
}

// userProfile resolves the follower's nickname and avatar, falling back to
// the raw open id.
func (wc *WeChatAdapter) userProfile(openID string) Sender {
	u := fmt.Sprintf("%s/user/info?access_token=%s&openid=%s&lang=en",
		wc.apiBaseURL, url.QueryEscape(wc.currentAccessToken()), url.QueryEscape(openID))
	resp, err := wc.client.Get(u)
	if err != nil {
		logger.WithField("error", err).Warn("wechat-profile-lookup-failed")
		return Sender{Name: openID}
	}
	defer resp.Body.Close()

	var profile struct {
		Nickname   string `json:"nickname"`
		HeadImgURL string `json:"headimgurl"`
	}
	if resp.StatusCode != http.StatusOK ||
		json.NewDecoder(resp.Body).Decode(&profile) != nil || profile.Nickname == "" {
		return Sender{Name: openID}
	}
	return Sender{Name: profile.Nickname, AvatarURL: profile.HeadImgURL}
}

func (wc *WeChatAdapter) emit(ev Event) {
	wc.mu.RLock()
	handler := wc.handler
	wc.mu.RUnlock()
	if handler != nil {
		handler(ev)
	}
}

// SendText delivers a custom text message.
func (wc *WeChatAdapter) SendText(chatID, text string) error {
	return wc.sendCustom(chatID, map[string]interface{}{
		"touser":  chatID,
		"msgtype": "text",
		"text":    map[string]string{"content": text},
	})
}

// SendPhoto stages the image locally, uploads it as temporary media, then
// sends the resulting media id as a custom image message.
func (wc *WeChatAdapter) SendPhoto(chatID, fileURL, fileName string) error {
	logger.WithFields(logrus.Fields{
		"chat_id":  chatID,
		"file_url": fileURL,
	}).Info("wechat-send-photo")

	mediaID, err := wc.uploadMedia(fileURL, fileName)
	if err != nil {
		return fmt.Errorf("wechat media upload: %w", err)
	}
	return wc.sendCustom(chatID, map[string]interface{}{
		"touser":  chatID,
		"msgtype": "image",
		"image":   map[string]string{"media_id": mediaID},
	})
}

// SendDoc is not supported by the custom message API; the caller's text
// fallback covers it.
func (wc *WeChatAdapter) SendDoc(chatID, fileURL, fileName string) error {
	logger.WithFields(logrus.Fields{
		"chat_id":   chatID,
		"file_name": fileName,
	}).Warn("wechat-doc-unsupported")
	return fmt.Errorf("wechat: document messages are not supported")
}

// SendTyping is not supported by the official account API.
func (wc *WeChatAdapter) SendTyping(chatID string) error { return nil }

// EndChat sends the closing text, if any, and discards per-chat state.
func (wc *WeChatAdapter) EndChat(chatID, text string) error {
	if text != "" {
		if err := wc.SendText(chatID, text); err != nil {
			wc.sessions.Remove(chatID)
			return err
		}
	}
	wc.sessions.Remove(chatID)
	return nil
}

// uploadMedia stages fileURL into a temporary file and uploads it to the
// temporary media endpoint. The staged file is deleted on every path.
func (wc *WeChatAdapter) uploadMedia(fileURL, fileName string) (string, error) {
	filePath := filepath.Join(wc.tmpDir, uuid.NewString())
	if err := downloadToFile(wc.client, fileURL, nil, filePath); err != nil {
		return "", err
	}
	defer os.Remove(filePath)

	f, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if fileName == "" {
		fileName = "image.jpg"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("media", fileName)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	u := fmt.Sprintf("%s/media/upload?access_token=%s&type=image",
		wc.apiBaseURL, url.QueryEscape(wc.currentAccessToken()))
	resp, err := wc.client.Post(u, mw.FormDataContentType(), &buf)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body struct {
		MediaID string `json:"media_id"`
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.MediaID == "" {
		return "", fmt.Errorf("errcode %d: %s", body.ErrCode, body.ErrMsg)
	}
	return body.MediaID, nil
}

// sendCustom posts one custom message, serialized per chat id.
func (wc *WeChatAdapter) sendCustom(chatID string, payload map[string]interface{}) error {
	sess := wc.sessions.FindOrCreate(chatID)
	if err := sess.Acquire(context.Background()); err != nil {
		return err
	}
	defer sess.Release()

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	u := fmt.Sprintf("%s/message/custom/send?access_token=%s",
		wc.apiBaseURL, url.QueryEscape(wc.currentAccessToken()))
	resp, err := wc.client.Post(u, "application/json", bytes.NewReader(data))
	if err != nil {
		logger.WithFields(logrus.Fields{
			"chat_id": chatID,
			"error":   err,
		}).Error("wechat-send-failed")
		return fmt.Errorf("wechat send failed: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("wechat send response: %w", err)
	}
	if body.ErrCode != 0 {
		logger.WithFields(logrus.Fields{
			"chat_id": chatID,
			"code":    body.ErrCode,
			"msg":     body.ErrMsg,
		}).Error("wechat-send-failed")
		return fmt.Errorf("wechat api error %d: %s", body.ErrCode, body.ErrMsg)
	}
	return nil
}
