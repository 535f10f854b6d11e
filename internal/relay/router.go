package relay

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/spbridge/spbridge/internal/adapter"
	"github.com/spbridge/spbridge/internal/logger"
	"github.com/spbridge/spbridge/internal/spchat"
)

// ChatAPI is the slice of the backend client the engine depends on.
type ChatAPI interface {
	Name() string
	RequestChat(userID string, parameters map[string]interface{}) (string, error)
	HasChat(chatID string) bool
	EndChat(chatID string)
	SendText(chatID, text, msgID string) error
	SendTyping(chatID string) error
	SendFile(chatID, fileURL, fileName string, header http.Header) error
	SendLocation(chatID, latitude, longitude string) error
	GetFile(userID, chatID, fileID string) (io.ReadCloser, error)
}

// ChatAPIFinder resolves the backend tenant for an end-user identity.
type ChatAPIFinder interface {
	FindChatAPI(userID string) ChatAPI
}

// FactoryFinder adapts the spchat factory to the ChatAPIFinder interface.
type FactoryFinder struct {
	Factory *spchat.Factory
}

func (f FactoryFinder) FindChatAPI(userID string) ChatAPI {
	return f.Factory.FindChatAPI(userID)
}

// Engine dispatches traffic in both directions: platform events into backend
// chats and backend events back to the owning platform adapter.
type Engine struct {
	cfg      *Config
	adapters map[string]adapter.ChatAdapter
	chats    ChatAPIFinder

	mu        sync.Mutex
	chatByUID map[string]string // routed user id -> live backend chat id
}

// NewEngine creates the dispatch engine over the given adapters and tenant
// finder. Adapters are keyed by platform tag; the tag becomes the routed
// chat id prefix.
func NewEngine(cfg *Config, adapters map[string]adapter.ChatAdapter, chats ChatAPIFinder) *Engine {
	return &Engine{
		cfg:       cfg,
		adapters:  adapters,
		chats:     chats,
		chatByUID: make(map[string]string),
	}
}

// Start wires the event handlers and starts every adapter.
func (e *Engine) Start() error {
	for tag, a := range e.adapters {
		tag := tag
		if err := a.Start(func(ev adapter.Event) {
			e.HandlePlatformEvent(tag, ev)
		}); err != nil {
			return fmt.Errorf("start %s adapter: %w", tag, err)
		}
	}
	logger.WithField("platforms", len(e.adapters)).Info("relay-engine-started")
	return nil
}

// Stop stops every adapter.
func (e *Engine) Stop() {
	for tag, a := range e.adapters {
		if err := a.Stop(); err != nil {
			logger.WithFields(logrus.Fields{
				"platform": tag,
				"error":    err,
			}).Warn("adapter-stop-failed")
		}
	}
}

// HandleBackendEvent implements the spchat handler contract.
func (e *Engine) HandleBackendEvent(userID, chatID string, ev spchat.Event) {
	e.dispatchBackendEvent(userID, chatID, ev)
}

// HandlePlatformEvent relays one normalized platform event into the user's
// backend chat, establishing the chat first if none is live.
func (e *Engine) HandlePlatformEvent(platform string, ev adapter.Event) {
	routedID := RoutedChatID(platform, ev.ChatID)
	api := e.chats.FindChatAPI(routedID)
	if api == nil {
		logger.WithField("user_id", routedID).Error("no-tenant-for-user")
		return
	}

	chatID, err := e.ensureChat(api, routedID, ev.From)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"user_id": routedID,
			"error":   err,
		}).Error("chat-establish-failed")
		if notice := e.cfg.message(MsgChatNotStarted, nil); notice != "" {
			e.sendToPlatform(platform, ev.ChatID, notice)
		}
		return
	}

	switch ev.Kind {
	case adapter.KindText:
		err = api.SendText(chatID, ev.Text, ev.MessageID)
	case adapter.KindImage, adapter.KindVideo, adapter.KindFile:
		name := ev.FileName
		if name == "" {
			name = adapter.FileNameFromURL(ev.URL)
		}
		err = api.SendFile(chatID, ev.URL, name, ev.AuthHeader)
	case adapter.KindLocation:
		// Agents see coordinates as a maps link; the form-data path is only
		// used when the agent explicitly requested a location.
		link := fmt.Sprintf("https://maps.google.com/?q=%s,%s",
			ev.Location.Latitude, ev.Location.Longitude)
		err = api.SendText(chatID, link, ev.MessageID)
	default:
		logger.WithFields(logrus.Fields{
			"platform": platform,
			"kind":     string(ev.Kind),
		}).Warn("unsupported-event-kind")
		return
	}
	if err != nil {
		logger.WithFields(logrus.Fields{
			"user_id": routedID,
			"chat_id": chatID,
			"kind":    string(ev.Kind),
			"error":   err,
		}).Error("relay-to-backend-failed")
	}
}

// ensureChat returns the user's live backend chat id, establishing a new
// chat when none exists.
func (e *Engine) ensureChat(api ChatAPI, routedID string, from adapter.Sender) (string, error) {
	e.mu.Lock()
	chatID, ok := e.chatByUID[routedID]
	e.mu.Unlock()
	if ok && api.HasChat(chatID) {
		return chatID, nil
	}

	chatID, err := api.RequestChat(routedID, map[string]interface{}{
		"last_name":   from.Name,
		"profile_url": from.AvatarURL,
	})
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	e.chatByUID[routedID] = chatID
	e.mu.Unlock()
	return chatID, nil
}

// dispatchBackendEvent routes one server event back to the platform adapter
// owning the chat. Events whose user id carries no known platform tag are
// logged and dropped.
func (e *Engine) dispatchBackendEvent(userID, chatID string, ev spchat.Event) {
	platform, nativeID, ok := SplitRoutedChatID(userID)
	if !ok {
		logger.WithField("user_id", userID).Warn("unroutable-chat-id")
		return
	}
	a, ok := e.adapters[platform]
	if !ok {
		logger.WithFields(logrus.Fields{
			"user_id":  userID,
			"platform": platform,
		}).Warn("unroutable-chat-id")
		return
	}

	var err error
	switch ev.Event {
	case spchat.EventChatSessionMessage:
		if text := stripLineBreakTags(ev.Msg); text != "" {
			err = a.SendText(nativeID, text)
		}

	case spchat.EventChatSessionTyping:
		err = a.SendTyping(nativeID)

	case spchat.EventChatSessionNotTyping:
		// No platform surfaces a stop-typing signal.

	case spchat.EventChatSessionPartyJoined:
		if ev.Type == "scenario" {
			return
		}
		if text := e.cfg.message(MsgPartyJoined, map[string]string{"name": ev.DisplayName}); text != "" {
			err = a.SendText(nativeID, text)
		}

	case spchat.EventChatSessionPartyLeft, spchat.EventChatSessionFormShow:
		// Party departures are silent; forms have no platform rendering.

	case spchat.EventChatSessionStatus:
		if text := e.cfg.message(MsgChatStatus, map[string]string{
			"status": ev.State,
			"ewt":    ev.EWT,
		}); text != "" {
			err = a.SendText(nativeID, text)
		}

	case spchat.EventChatSessionFile:
		if ev.FileType == "image" {
			err = a.SendPhoto(nativeID, ev.FileURL, ev.FileName)
		} else {
			err = a.SendDoc(nativeID, ev.FileURL, ev.FileName)
		}

	case spchat.EventChatSessionEnded:
		e.mu.Lock()
		delete(e.chatByUID, userID)
		e.mu.Unlock()
		err = a.EndChat(nativeID, e.cfg.message(MsgChatEnded, nil))

	case spchat.EventChatSessionTimeoutWarning:
		if ev.Msg != "" {
			err = a.SendText(nativeID, stripLineBreakTags(ev.Msg))
		}

	default:
		logger.WithFields(logrus.Fields{
			"chat_id": chatID,
			"event":   ev.Event,
		}).Debug("unhandled-backend-event")
	}

	if err != nil {
		logger.WithFields(logrus.Fields{
			"platform": platform,
			"chat_id":  chatID,
			"event":    ev.Event,
			"error":    err,
		}).Error("relay-to-platform-failed")
	}
}

// sendToPlatform delivers a relay-generated notice to a native chat.
func (e *Engine) sendToPlatform(platform, nativeID, text string) {
	a, ok := e.adapters[platform]
	if !ok {
		return
	}
	if err := a.SendText(nativeID, text); err != nil {
		logger.WithFields(logrus.Fields{
			"platform": platform,
			"error":    err,
		}).Warn("notice-send-failed")
	}
}

// stripLineBreakTags converts agent-desk markup line breaks to newlines.
func stripLineBreakTags(s string) string {
	s = strings.ReplaceAll(s, "<br/>", "\n")
	s = strings.ReplaceAll(s, "<br>", "\n")
	return strings.TrimSpace(s)
}
