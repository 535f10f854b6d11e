package adapter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"github.com/spbridge/spbridge/internal/logger"
	"github.com/spbridge/spbridge/internal/session"
	"github.com/spbridge/spbridge/pkg/constants"
)

// TelegramConfig holds the Telegram adapter credentials.
type TelegramConfig struct {
	Token string
}

// TelegramAdapter implements ChatAdapter for Telegram using long polling.
// The Bot API client advances the update offset past every item whether or
// not per-item processing succeeds, and re-polls after transport errors, so
// a malformed update is consumed once and polling never stops.
type TelegramAdapter struct {
	mu       sync.RWMutex
	token    string
	bot      *tgbotapi.BotAPI
	handler  Handler
	sessions *session.Registry
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewTelegramAdapter creates a new Telegram adapter instance.
func NewTelegramAdapter(cfg TelegramConfig) *TelegramAdapter {
	return &TelegramAdapter{
		token:    cfg.Token,
		sessions: session.NewRegistry(),
	}
}

// Start establishes the long polling connection and begins emitting events.
func (t *TelegramAdapter) Start(handler Handler) error {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
	t.ctx, t.cancel = context.WithCancel(context.Background())

	logger.WithFields(logrus.Fields{
		"token": maskSecret(t.token),
	}).Info("starting-telegram-long-polling")

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		logger.WithField("error", err).Error("failed-to-initialize-telegram-bot")
		return fmt.Errorf("failed to initialize Telegram bot: %w", err)
	}

	t.mu.Lock()
	t.bot = bot
	t.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"bot_username": bot.Self.UserName,
		"bot_id":       bot.Self.ID,
	}).Info("telegram-bot-initialized")

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 3 // long poll timeout, seconds

	updates := bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-t.ctx.Done():
				logger.Info("telegram-long-polling-stopped")
				return
			case update, ok := <-updates:
				if !ok {
					logger.Info("telegram-updates-channel-closed")
					return
				}
				if update.Message != nil {
					t.handleMessage(update.Message)
				}
			}
		}
	}()

	return nil
}

// handleMessage normalizes a single inbound Telegram message.
func (t *TelegramAdapter) handleMessage(message *tgbotapi.Message) {
	if message.Chat == nil {
		return
	}
	chatID := strconv.FormatInt(message.Chat.ID, 10)
	msgID := strconv.Itoa(message.MessageID)

	var firstName, lastName string
	if message.From != nil {
		firstName = message.From.FirstName
		lastName = message.From.LastName
	}
	from := Sender{Name: strings.TrimSpace(firstName + " " + lastName)}
	if from.Name == "" {
		from.Name = chatID
	}

	logger.WithFields(logrus.Fields{
		"platform":   "telegram",
		"chat_id":    chatID,
		"message_id": msgID,
	}).Debug("telegram-update")

	switch {
	case message.Text != "":
		t.emit(Event{
			Kind:      KindText,
			MessageID: msgID,
			ChatID:    chatID,
			Text:      message.Text,
			From:      from,
		})

	case len(message.Photo) > 0 || message.Sticker != nil:
		fileID := ""
		if len(message.Photo) > 0 {
			// Photo sizes are ordered ascending; take the largest.
			fileID = message.Photo[len(message.Photo)-1].FileID
		} else {
			fileID = message.Sticker.FileID
		}
		url, err := t.fileDownloadURL(fileID)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"file_id": fileID,
				"error":   err,
			}).Error("telegram-get-file-failed")
			return
		}
		t.emit(Event{
			Kind:      KindImage,
			MessageID: msgID,
			ChatID:    chatID,
			URL:       url,
			From:      from,
		})

	case message.Location != nil:
		t.emit(Event{
			Kind:      KindLocation,
			MessageID: msgID,
			ChatID:    chatID,
			Location: Location{
				Latitude:  strconv.FormatFloat(message.Location.Latitude, 'f', -1, 64),
				Longitude: strconv.FormatFloat(message.Location.Longitude, 'f', -1, 64),
			},
			From: from,
		})

	case message.Contact != nil:
		t.emit(Event{
			Kind:      KindText,
			MessageID: msgID,
			ChatID:    chatID,
			Text:      message.Contact.FirstName + ": " + message.Contact.PhoneNumber,
			From:      from,
		})
	}
}

// fileDownloadURL resolves a Telegram file id to a fetchable URL.
func (t *TelegramAdapter) fileDownloadURL(fileID string) (string, error) {
	t.mu.RLock()
	bot := t.bot
	t.mu.RUnlock()
	if bot == nil {
		return "", fmt.Errorf("telegram bot not initialized")
	}
	file, err := bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return "", err
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("telegram getFile: no file path")
	}
	return file.Link(t.token), nil
}

func (t *TelegramAdapter) emit(ev Event) {
	t.mu.RLock()
	handler := t.handler
	t.mu.RUnlock()
	if handler != nil {
		handler(ev)
	}
}

// SendText sends a text message, serialized through the chat's session mutex.
func (t *TelegramAdapter) SendText(chatID, text string) error {
	if len(text) > constants.MaxTelegramMessageLength {
		logger.WithFields(logrus.Fields{
			"original_length": len(text),
			"max_length":      constants.MaxTelegramMessageLength,
		}).Info("truncating-message-for-telegram-limit")
		text = text[:constants.MaxTelegramMessageLength]
	}
	return t.send(chatID, func(id int64) tgbotapi.Chattable {
		return tgbotapi.NewMessage(id, text)
	})
}

// SendPhoto sends an image by URL.
func (t *TelegramAdapter) SendPhoto(chatID, fileURL, fileName string) error {
	logger.WithFields(logrus.Fields{
		"chat_id":  chatID,
		"file_url": fileURL,
	}).Info("telegram-send-photo")
	return t.send(chatID, func(id int64) tgbotapi.Chattable {
		return tgbotapi.NewPhoto(id, tgbotapi.FileURL(fileURL))
	})
}

// SendDoc sends a document by URL.
func (t *TelegramAdapter) SendDoc(chatID, fileURL, fileName string) error {
	logger.WithFields(logrus.Fields{
		"chat_id":   chatID,
		"file_url":  fileURL,
		"file_name": fileName,
	}).Info("telegram-send-doc")
	return t.send(chatID, func(id int64) tgbotapi.Chattable {
		return tgbotapi.NewDocument(id, tgbotapi.FileURL(fileURL))
	})
}

// SendTyping sends a typing chat action.
func (t *TelegramAdapter) SendTyping(chatID string) error {
	return t.send(chatID, func(id int64) tgbotapi.Chattable {
		return tgbotapi.NewChatAction(id, tgbotapi.ChatTyping)
	})
}

// EndChat sends the closing text, if any, then discards the chat session.
func (t *TelegramAdapter) EndChat(chatID, text string) error {
	if text != "" {
		if err := t.SendText(chatID, text); err != nil {
			t.sessions.Remove(chatID)
			return err
		}
	}
	t.sessions.Remove(chatID)
	return nil
}

// send serializes one API call through the chat's session mutex. The mutex
// is released on success and failure alike.
func (t *TelegramAdapter) send(chatID string, build func(int64) tgbotapi.Chattable) error {
	t.mu.RLock()
	bot := t.bot
	t.mu.RUnlock()
	if bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID format: %w", err)
	}

	sess := t.sessions.FindOrCreate(chatID)
	if err := sess.Acquire(context.Background()); err != nil {
		return err
	}
	defer sess.Release()

	if _, err := bot.Request(build(id)); err != nil {
		logger.WithFields(logrus.Fields{
			"chat_id": chatID,
			"error":   err,
		}).Error("telegram-send-failed")
		return fmt.Errorf("failed to send to chat %s: %w", chatID, err)
	}
	return nil
}

// Stop closes the long polling connection and cleans up resources.
func (t *TelegramAdapter) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}

	t.mu.Lock()
	bot := t.bot
	t.bot = nil
	t.mu.Unlock()

	if bot != nil {
		bot.StopReceivingUpdates()
	}

	logger.Info("telegram-adapter-stopped")
	return nil
}
