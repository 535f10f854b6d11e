package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/spbridge/spbridge/internal/logger"
	"github.com/spbridge/spbridge/internal/session"
	"github.com/spbridge/spbridge/pkg/constants"
)

const vkMethodBaseURL = "https://api.vk.com/method"

// VKConfig holds the VK group adapter credentials.
type VKConfig struct {
	GroupAccessToken string
	GroupID          string
	ConfirmationCode string
}

// VKAdapter implements ChatAdapter for VK community messages. Inbound
// traffic arrives on the /vk/webhook callback route; the server-side
// confirmation handshake echoes the configured code. Outbound photos and
// documents go through VK's two-phase upload-server pipelines.
type VKAdapter struct {
	mu               sync.RWMutex
	groupAccessToken string
	groupID          string
	confirmationCode string
	handler          Handler
	sessions         *session.Registry
	client           *http.Client
	tmpDir           string

	methodBaseURL string // overridable in tests
}

// NewVKAdapter creates a new VK adapter instance.
func NewVKAdapter(cfg VKConfig) *VKAdapter {
	return &VKAdapter{
		groupAccessToken: cfg.GroupAccessToken,
		groupID:          cfg.GroupID,
		confirmationCode: cfg.ConfirmationCode,
		sessions:         session.NewRegistry(),
		client:           &http.Client{Timeout: constants.PlatformRequestTimeout},
		tmpDir:           os.TempDir(),
		methodBaseURL:    vkMethodBaseURL,
	}
}

// Register mounts the webhook routes.
func (v *VKAdapter) Register(r chi.Router) {
	r.Get("/vk", v.handleEcho)
	r.Post("/vk/webhook", v.handleWebhook)
}

// Start is a no-op: VK pushes callback events to the registered webhook.
func (v *VKAdapter) Start(handler Handler) error {
	v.mu.Lock()
	v.handler = handler
	v.mu.Unlock()
	logger.WithFields(logrus.Fields{
		"group_id": v.groupID,
		"token":    maskSecret(v.groupAccessToken),
	}).Info("vk-adapter-started")
	return nil
}

// Stop is a no-op; the webhook routes stop with the HTTP server.
func (v *VKAdapter) Stop() error { return nil }

// handleEcho answers registration probes that carry an echostr parameter.
func (v *VKAdapter) handleEcho(w http.ResponseWriter, r *http.Request) {
	if echo := r.URL.Query().Get("echostr"); echo != "" {
		w.Write([]byte(echo))
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

type vkCallback struct {
	Type   string `json:"type"`
	Object struct {
		ID          int64  `json:"id"`
		FromID      int64  `json:"from_id"`
		UserID      int64  `json:"user_id"`
		Text        string `json:"text"`
		Body        string `json:"body"`
		Attachments []struct {
			Type  string `json:"type"`
			Photo *struct {
				Photo1280 string `json:"photo_1280"`
				Photo807  string `json:"photo_807"`
				Photo604  string `json:"photo_604"`
				Photo130  string `json:"photo_130"`
				Photo75   string `json:"photo_75"`
			} `json:"photo"`
			Video *struct {
				ID      int64  `json:"id"`
				OwnerID int64  `json:"owner_id"`
				Title   string `json:"title"`
			} `json:"video"`
			Doc *struct {
				URL   string `json:"url"`
				Title string `json:"title"`
			} `json:"doc"`
		} `json:"attachments"`
	} `json:"object"`
}

func (v *VKAdapter) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var msg vkCallback
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		logger.WithField("error", err).Warn("vk-webhook-bad-body")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	switch msg.Type {
	case "confirmation":
		w.Write([]byte(v.confirmationCode))
		return

	case "message_new", "wall_post_new", "wall_reply_new", "wall_reply_edit",
		"board_post_new", "board_post_edit":
		sender := msg.Object.FromID
		if msg.Type == "message_new" {
			sender = msg.Object.UserID
		}
		v.handleMessage(msg, sender)
		w.Write([]byte("ok"))

	case "market_comment_new", "market_comment_edit":
		v.onText(msg.Object.ID, msg.Object.FromID, msg.Object.Text)
		w.Write([]byte("ok"))

	default:
		logger.WithField("type", msg.Type).Warn("vk-unexpected-message-type")
		w.WriteHeader(http.StatusOK)
	}
}

func (v *VKAdapter) handleMessage(msg vkCallback, sender int64) {
	for _, item := range msg.Object.Attachments {
		switch item.Type {
		case "photo":
			if item.Photo == nil {
				continue
			}
			// Largest available size wins.
			photo := item.Photo.Photo1280
			for _, candidate := range []string{item.Photo.Photo807, item.Photo.Photo604,
				item.Photo.Photo130, item.Photo.Photo75} {
				if photo != "" {
					break
				}
				photo = candidate
			}
			v.onImage(msg.Object.ID, sender, photo)
		case "video":
			if item.Video == nil {
				continue
			}
			// Videos are relayed as a public link; the community token
			// cannot resolve a playable stream.
			link := fmt.Sprintf("%s\r\nhttps://vk.com/video%d_%d",
				item.Video.Title, item.Video.OwnerID, item.Video.ID)
			v.onText(msg.Object.ID, sender, link)
		case "doc":
			if item.Doc == nil {
				continue
			}
			v.onDoc(msg.Object.ID, sender, item.Doc.URL)
		case "audio":
			// Not relayed: VK audio URLs are not fetchable with a group token.
		}
	}

	txt := msg.Object.Text
	if txt == "" {
		txt = msg.Object.Body
	}
	if txt != "" {
		v.onText(msg.Object.ID, sender, txt)
	}
}

func (v *VKAdapter) onText(msgID, fromID int64, text string) {
	from := v.userProfile(fromID)
	v.emit(Event{
		Kind:      KindText,
		MessageID: fmt.Sprintf("%d", msgID),
		ChatID:    fmt.Sprintf("%d", fromID),
		Text:      text,
		From:      from,
	})
}

func (v *VKAdapter) onImage(msgID, fromID int64, photoURL string) {
	from := v.userProfile(fromID)
	v.emit(Event{
		Kind:      KindImage,
		MessageID: fmt.Sprintf("%d", msgID),
		ChatID:    fmt.Sprintf("%d", fromID),
		URL:       photoURL,
		From:      from,
	})
}

func (v *VKAdapter) onDoc(msgID, fromID int64, fileURL string) {
	from := v.userProfile(fromID)
	v.emit(Event{
		Kind:      KindFile,
		MessageID: fmt.Sprintf("%d", msgID),
		ChatID:    fmt.Sprintf("%d", fromID),
		URL:       fileURL,
		FileName:  FileNameFromURL(fileURL),
		From:      from,
	})
}

// userProfile resolves the sender's name and avatar via users.get, falling
// back to the raw user id. Event delivery never blocks on lookup failure.
func (v *VKAdapter) userProfile(userID int64) Sender {
	fallback := Sender{Name: fmt.Sprintf("%d", userID)}

	q := url.Values{}
	q.Set("access_token", v.groupAccessToken)
	q.Set("user_ids", fmt.Sprintf("%d", userID))
	q.Set("fields", "photo_50")
	q.Set("name_case", "nom")
	q.Set("v", constants.VKAPIVersion)

	resp, err := v.client.Get(v.methodBaseURL + "/users.get?" + q.Encode())
	if err != nil {
		logger.WithField("error", err).Warn("vk-profile-lookup-failed")
		return fallback
	}
	defer resp.Body.Close()

	var body struct {
		Response []struct {
			FirstName string `json:"first_name"`
			LastName  string `json:"last_name"`
			Photo50   string `json:"photo_50"`
		} `json:"response"`
	}
	if resp.StatusCode != http.StatusOK ||
		json.NewDecoder(resp.Body).Decode(&body) != nil || len(body.Response) == 0 {
		return fallback
	}
	u := body.Response[0]
	return Sender{Name: u.FirstName + " " + u.LastName, AvatarURL: u.Photo50}
}

func (v *VKAdapter) emit(ev Event) {
	v.mu.RLock()
	handler := v.handler
	v.mu.RUnlock()
	if handler != nil {
		handler(ev)
	}
}

// SendText delivers a plain text message.
func (v *VKAdapter) SendText(chatID, text string) error {
	return v.sendMessage(chatID, url.Values{"message": {text}})
}

// SendPhoto runs the photo pipeline: resolve an upload server, stage the
// source file locally, multipart-upload it, save it as a messages photo,
// then send the attachment reference.
func (v *VKAdapter) SendPhoto(chatID, fileURL, fileName string) error {
	logger.WithFields(logrus.Fields{
		"chat_id":  chatID,
		"file_url": fileURL,
	}).Info("vk-send-photo")

	uploadURL, err := v.uploadServer("photos.getMessagesUploadServer", chatID)
	if err != nil {
		return fmt.Errorf("vk photo upload server: %w", err)
	}
	uploadResp, err := v.uploadFile(uploadURL, "photo", fileURL, fileName)
	if err != nil {
		return fmt.Errorf("vk photo upload: %w", err)
	}

	var uploaded struct {
		Photo  string `json:"photo"`
		Server int64  `json:"server"`
		Hash   string `json:"hash"`
	}
	if err := json.Unmarshal(uploadResp, &uploaded); err != nil {
		return fmt.Errorf("vk photo upload response: %w", err)
	}

	saved, err := v.callMethod("photos.saveMessagesPhoto", url.Values{
		"photo":  {uploaded.Photo},
		"server": {fmt.Sprintf("%d", uploaded.Server)},
		"hash":   {uploaded.Hash},
	})
	if err != nil {
		return fmt.Errorf("vk save photo: %w", err)
	}
	var savedBody struct {
		Response []struct {
			ID      int64 `json:"id"`
			OwnerID int64 `json:"owner_id"`
		} `json:"response"`
	}
	if err := json.Unmarshal(saved, &savedBody); err != nil || len(savedBody.Response) == 0 {
		return fmt.Errorf("vk save photo: unexpected response")
	}

	attachment := fmt.Sprintf("photo%d_%d", savedBody.Response[0].OwnerID, savedBody.Response[0].ID)
	return v.sendMessage(chatID, url.Values{"attachment": {attachment}})
}

// SendDoc runs the document pipeline, mirroring SendPhoto with the docs
// upload server and docs.save.
func (v *VKAdapter) SendDoc(chatID, fileURL, fileName string) error {
	logger.WithFields(logrus.Fields{
		"chat_id":   chatID,
		"file_url":  fileURL,
		"file_name": fileName,
	}).Info("vk-send-doc")

	uploadURL, err := v.uploadServer("docs.getMessagesUploadServer", chatID)
	if err != nil {
		return fmt.Errorf("vk docs upload server: %w", err)
	}
	uploadResp, err := v.uploadFile(uploadURL, "file", fileURL, fileName)
	if err != nil {
		return fmt.Errorf("vk doc upload: %w", err)
	}

	var uploaded struct {
		File string `json:"file"`
	}
	if err := json.Unmarshal(uploadResp, &uploaded); err != nil {
		return fmt.Errorf("vk doc upload response: %w", err)
	}

	saved, err := v.callMethod("docs.save", url.Values{"file": {uploaded.File}})
	if err != nil {
		return fmt.Errorf("vk save doc: %w", err)
	}
	var savedBody struct {
		Response []struct {
			ID      int64 `json:"id"`
			OwnerID int64 `json:"owner_id"`
		} `json:"response"`
	}
	if err := json.Unmarshal(saved, &savedBody); err != nil || len(savedBody.Response) == 0 {
		return fmt.Errorf("vk save doc: unexpected response")
	}

	attachment := fmt.Sprintf("doc%d_%d", savedBody.Response[0].OwnerID, savedBody.Response[0].ID)
	return v.sendMessage(chatID, url.Values{"attachment": {attachment}})
}

// SendTyping is not supported by the community messages API used here.
func (v *VKAdapter) SendTyping(chatID string) error { return nil }

// EndChat sends the closing text, if any, and discards per-chat state.
func (v *VKAdapter) EndChat(chatID, text string) error {
	if text != "" {
		if err := v.SendText(chatID, text); err != nil {
			v.sessions.Remove(chatID)
			return err
		}
	}
	v.sessions.Remove(chatID)
	return nil
}

// uploadServer resolves a per-peer upload URL for the given method.
func (v *VKAdapter) uploadServer(method, peerID string) (string, error) {
	body, err := v.callMethod(method, url.Values{"peer_id": {peerID}})
	if err != nil {
		return "", err
	}
	var parsed struct {
		Response struct {
			UploadURL string `json:"upload_url"`
		} `json:"response"`
		Error *struct {
			ErrorMsg string `json:"error_msg"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", err
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("vk api error: %s", parsed.Error.ErrorMsg)
	}
	if parsed.Response.UploadURL == "" {
		return "", fmt.Errorf("vk api: no upload_url")
	}
	return parsed.Response.UploadURL, nil
}

// uploadFile stages fileURL into a temporary file and multipart-uploads it
// under the given field name. The staged file is deleted on every path.
func (v *VKAdapter) uploadFile(uploadURL, field, fileURL, fileName string) ([]byte, error) {
	filePath := filepath.Join(v.tmpDir, uuid.NewString())
	if err := downloadToFile(v.client, fileURL, nil, filePath); err != nil {
		return nil, err
	}
	defer os.Remove(filePath)

	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, fileName)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	resp, err := v.client.Post(uploadURL, mw.FormDataContentType(), &buf)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upload status %d", resp.StatusCode)
	}
	return body, nil
}

// callMethod invokes a VK method with the group token and API version.
func (v *VKAdapter) callMethod(method string, form url.Values) ([]byte, error) {
	q := url.Values{}
	q.Set("access_token", v.groupAccessToken)
	q.Set("v", constants.VKAPIVersion)

	resp, err := v.client.PostForm(v.methodBaseURL+"/"+method+"?"+q.Encode(), form)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d", method, resp.StatusCode)
	}
	return body, nil
}

// sendMessage posts messages.send, serialized through the chat's session
// mutex. The mutex is released on success and failure alike.
func (v *VKAdapter) sendMessage(chatID string, form url.Values) error {
	sess := v.sessions.FindOrCreate(chatID)
	if err := sess.Acquire(context.Background()); err != nil {
		return err
	}
	defer sess.Release()

	q := url.Values{}
	q.Set("access_token", v.groupAccessToken)
	q.Set("user_id", chatID)
	q.Set("peer_id", v.groupID)
	q.Set("from_group", "1")
	q.Set("v", constants.VKAPIVersion)

	resp, err := v.client.PostForm(v.methodBaseURL+"/messages.send?"+q.Encode(), form)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"chat_id": chatID,
			"error":   err,
		}).Error("vk-send-failed")
		return fmt.Errorf("vk send failed: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		Error *struct {
			ErrorCode int    `json:"error_code"`
			ErrorMsg  string `json:"error_msg"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("vk send response: %w", err)
	}
	if body.Error != nil {
		logger.WithFields(logrus.Fields{
			"chat_id": chatID,
			"code":    body.Error.ErrorCode,
			"msg":     body.Error.ErrorMsg,
		}).Error("vk-send-failed")
		return fmt.Errorf("vk api error %d: %s", body.Error.ErrorCode, body.Error.ErrorMsg)
	}
	return nil
}
