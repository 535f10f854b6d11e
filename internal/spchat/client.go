package spchat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/spbridge/spbridge/internal/logger"
	"github.com/spbridge/spbridge/pkg/constants"
)

// Config identifies one backend tenant.
type Config struct {
	Name      string
	BaseURL   string
	TenantURL string
	AppID     string

	// WebURL is the relay's public base URL, used to mint file capability
	// links for inbound file events.
	WebURL string
}

type chatState struct {
	userID string
}

// Client talks to one backend tenant. A chat is established with
// RequestChat, after which the client polls the chat's event stream on a
// fixed interval until the backend ends the session.
type Client struct {
	cfg Config

	mu      sync.Mutex
	chats   map[string]*chatState
	handler Handler

	pollClient *http.Client
	sendClient *http.Client

	pollInterval time.Duration
	tmpDir       string
}

// NewClient creates a client for one tenant.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:          cfg,
		chats:        make(map[string]*chatState),
		pollClient:   &http.Client{Timeout: constants.PollRequestTimeout},
		sendClient:   &http.Client{Timeout: constants.SendRequestTimeout},
		pollInterval: constants.DefaultPollInterval,
		tmpDir:       os.TempDir(),
	}
}

// SetHandler installs the server event consumer. Must be called before
// RequestChat.
func (c *Client) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// SetPollInterval overrides the event poll interval.
func (c *Client) SetPollInterval(d time.Duration) {
	c.mu.Lock()
	c.pollInterval = d
	c.mu.Unlock()
}

// Name returns the tenant name this client was configured with.
func (c *Client) Name() string { return c.cfg.Name }

func (c *Client) apiURL(path string) string {
	return c.cfg.BaseURL + "/clientweb/api/v1" + path +
		"?tenantUrl=" + url.QueryEscape(c.cfg.TenantURL)
}

// authorize stamps the protocol auth headers onto a request.
func (c *Client) authorize(req *http.Request, userID string) {
	req.Header.Set("Authorization",
		fmt.Sprintf("MOBILE-API-140-327-PLAIN appId=%q, clientId=%q", c.cfg.AppID, userID))
	req.Header.Set("User-Agent", "MobileClient")
}

// RequestChat establishes a chat for userID and starts its poll loop. The
// returned chat id scopes every subsequent call for this conversation.
func (c *Client) RequestChat(userID string, parameters map[string]interface{}) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"phone_number": "",
		"from":         userID,
		"parameters":   parameters,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest(http.MethodPost, c.apiURL("/chats"), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req, userID)

	resp, err := c.sendClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request chat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("request chat: status %d", resp.StatusCode)
	}

	var body struct {
		ChatID string `json:"chat_id"`
		ID     string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("request chat response: %w", err)
	}
	chatID := body.ChatID
	if chatID == "" {
		chatID = body.ID
	}
	if chatID == "" {
		return "", fmt.Errorf("request chat: no chat id in response")
	}

	c.mu.Lock()
	_, existed := c.chats[chatID]
	c.chats[chatID] = &chatState{userID: userID}
	interval := c.pollInterval
	c.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"tenant":  c.cfg.Name,
		"user_id": userID,
		"chat_id": chatID,
	}).Info("chat-established")

	if !existed {
		go c.pollLoop(chatID, userID, interval)
	}
	return chatID, nil
}

// HasChat reports whether the chat's session is still live.
func (c *Client) HasChat(chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.chats[chatID]
	return ok
}

// EndChat drops the chat's session, which stops its poll loop on the next
// tick. The backend side is already closed when this is called.
func (c *Client) EndChat(chatID string) {
	c.mu.Lock()
	delete(c.chats, chatID)
	c.mu.Unlock()
}

// pollLoop fetches the chat's event stream on a fixed interval for as long
// as the session exists. Transient errors skip the tick and reschedule.
func (c *Client) pollLoop(chatID, userID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		if !c.HasChat(chatID) {
			logger.WithFields(logrus.Fields{
				"tenant":  c.cfg.Name,
				"chat_id": chatID,
			}).Info("poll-loop-stopped")
			return
		}
		events, err := c.fetchEvents(chatID, userID)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"tenant":  c.cfg.Name,
				"chat_id": chatID,
				"error":   err,
			}).Warn("poll-failed")
			continue
		}
		c.processEvents(chatID, userID, events)
	}
}

func (c *Client) fetchEvents(chatID, userID string) ([]Event, error) {
	req, err := http.NewRequest(http.MethodGet,
		c.apiURL("/chats/"+url.PathEscape(chatID)+"/events"), nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req, userID)

	resp, err := c.pollClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll: status %d", resp.StatusCode)
	}

	var body struct {
		Events []Event `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("poll response: %w", err)
	}
	return body.Events, nil
}

// processEvents rewrites file events into capability URLs, retires the
// session on chat_session_ended, and hands everything to the handler.
func (c *Client) processEvents(chatID, userID string, events []Event) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()

	for _, ev := range events {
		if ev.Event == EventChatSessionFile {
			ev.FileURL = c.fileCapabilityURL(userID, chatID, ev)
		}
		if ev.Event == EventChatSessionEnded {
			c.EndChat(chatID)
		}
		if handler != nil {
			handler(userID, chatID, ev)
		}
	}
}

// fileCapabilityURL mints the relay-hosted download link for a file event.
func (c *Client) fileCapabilityURL(userID, chatID string, ev Event) string {
	mime := MimeBlob
	if ev.FileType == "image" {
		mime = MimeImage
	}
	token := FileToken{
		Mime:   mime,
		UserID: userID,
		ChatID: chatID,
		FileID: ev.FileID,
	}
	name := ev.FileName
	if name == "" && mime == MimeImage {
		name = "image.jpg"
	}
	return c.cfg.WebURL + "/file/" + token.Encode() + "/" + slugFileName(name)
}

// sendClientEvents posts a client event batch to the chat's stream.
func (c *Client) sendClientEvents(chatID, userID string, events []Event) error {
	payload, err := json.Marshal(map[string]interface{}{"events": events})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost,
		c.apiURL("/chats/"+url.PathEscape(chatID)+"/events"), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req, userID)

	resp, err := c.sendClient.Do(req)
	if err != nil {
		return fmt.Errorf("send events: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("send events: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) chatUserID(chatID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.chats[chatID]
	if !ok {
		return "", false
	}
	return st.userID, true
}

// SendText relays one end-user text message into the chat.
func (c *Client) SendText(chatID, text, msgID string) error {
	userID, ok := c.chatUserID(chatID)
	if !ok {
		return fmt.Errorf("no session for chat %s", chatID)
	}
	return c.sendClientEvents(chatID, userID, []Event{{
		Event: EventChatSessionMessage,
		Msg:   text,
		MsgID: chatID + ":" + msgID,
	}})
}

// SendTyping relays the end user's typing indicator.
func (c *Client) SendTyping(chatID string) error {
	userID, ok := c.chatUserID(chatID)
	if !ok {
		return fmt.Errorf("no session for chat %s", chatID)
	}
	return c.sendClientEvents(chatID, userID, []Event{{Event: EventChatSessionTyping}})
}

// SendFormData submits a filled form in response to a form_show request.
func (c *Client) SendFormData(chatID, requestID string, data map[string]string) error {
	userID, ok := c.chatUserID(chatID)
	if !ok {
		return fmt.Errorf("no session for chat %s", chatID)
	}
	return c.sendClientEvents(chatID, userID, []Event{{
		Event:         EventChatSessionFormData,
		FormRequestID: requestID,
		FormData:      data,
	}})
}

// SendLocation relays the end user's coordinates as RequestLocation form
// data.
func (c *Client) SendLocation(chatID, latitude, longitude string) error {
	userID, ok := c.chatUserID(chatID)
	if !ok {
		return fmt.Errorf("no session for chat %s", chatID)
	}
	return c.sendClientEvents(chatID, userID, []Event{{
		Event:    EventChatSessionFormData,
		FormName: "RequestLocation",
		FormData: map[string]string{"latitude": latitude, "longitude": longitude},
	}})
}

// SendFile relays a platform attachment into the chat: the source is staged
// into a temporary file, uploaded, and announced with a file event. Any
// failure degrades to a text notice so the agent still sees that something
// was sent. The staged file is removed on every path.
func (c *Client) SendFile(chatID, fileURL, fileName string, header http.Header) error {
	userID, ok := c.chatUserID(chatID)
	if !ok {
		return fmt.Errorf("no session for chat %s", chatID)
	}

	fileID, err := c.uploadFile(userID, fileURL, fileName, header)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"tenant":  c.cfg.Name,
			"chat_id": chatID,
			"error":   err,
		}).Error("file-relay-failed")
		return c.sendClientEvents(chatID, userID, []Event{{
			Event: EventChatSessionMessage,
			Msg:   "File can't be sent",
			MsgID: chatID + ":file",
		}})
	}

	// msg_id stays empty here; the backend rejects file events that carry one.
	return c.sendClientEvents(chatID, userID, []Event{{
		Event:    EventChatSessionFile,
		FileID:   fileID,
		FileName: fileName,
		FileType: fileTypeForName(fileName),
	}})
}

func fileTypeForName(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg", ".png", ".gif":
		return "image"
	default:
		return "attachment"
	}
}

// uploadFile stages the source locally and multipart-uploads it to the
// tenant's file store, returning the backend file id.
func (c *Client) uploadFile(userID, fileURL, fileName string, header http.Header) (string, error) {
	tmpPath := filepath.Join(c.tmpDir, uuid.NewString())

	req, err := http.NewRequest(http.MethodGet, fileURL, nil)
	if err != nil {
		return "", err
	}
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.sendClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: status %d", fileURL, resp.StatusCode)
	}

	tmp, err := os.Create(tmpPath)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmpPath)
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if fileName == "" {
		fileName = "attachment"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	upReq, err := http.NewRequest(http.MethodPost, c.apiURL("/files"), &buf)
	if err != nil {
		return "", err
	}
	upReq.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(upReq, userID)

	upResp, err := c.sendClient.Do(upReq)
	if err != nil {
		return "", err
	}
	defer upResp.Body.Close()
	if upResp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upload: status %d", upResp.StatusCode)
	}

	var body struct {
		FileID string `json:"file_id"`
	}
	if err := json.NewDecoder(upResp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("upload response: %w", err)
	}
	if body.FileID == "" {
		return "", fmt.Errorf("upload: no file id in response")
	}
	return body.FileID, nil
}

// GetFile streams a backend file on behalf of the given user. The caller
// owns the returned body.
func (c *Client) GetFile(userID, chatID, fileID string) (io.ReadCloser, error) {
	req, err := http.NewRequest(http.MethodGet,
		c.apiURL("/chats/"+url.PathEscape(chatID)+"/files/"+url.PathEscape(fileID)), nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req, userID)

	resp, err := c.pollClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("get file: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}
