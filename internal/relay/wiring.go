package relay

import (
	"fmt"
	"sort"

	"github.com/spbridge/spbridge/internal/adapter"
	"github.com/spbridge/spbridge/internal/spchat"
)

// Platform tags. The tag keys the adapter map and prefixes routed chat ids,
// so it must stay stable across releases.
const (
	PlatformTelegram  = "telegram"
	PlatformMessenger = "messenger"
	PlatformVK        = "vk"
	PlatformWeChat    = "wechat"
	PlatformViber     = "viber"
	PlatformWhatsApp  = "whatsapp"
)

// BuildAdapters constructs one adapter per enabled platform.
func BuildAdapters(cfg *Config) (map[string]adapter.ChatAdapter, error) {
	adapters := make(map[string]adapter.ChatAdapter)

	for tag, p := range cfg.Platforms {
		if !p.Enabled {
			continue
		}
		switch tag {
		case PlatformTelegram:
			adapters[tag] = adapter.NewTelegramAdapter(adapter.TelegramConfig{Token: p.Token})
		case PlatformMessenger:
			adapters[tag] = adapter.NewMessengerAdapter(adapter.MessengerConfig{
				VerifyToken:     p.VerifyToken,
				PageAccessToken: p.PageAccessToken,
			})
		case PlatformVK:
			adapters[tag] = adapter.NewVKAdapter(adapter.VKConfig{
				GroupAccessToken: p.GroupAccessToken,
				GroupID:          p.GroupID,
				ConfirmationCode: p.ConfirmationCode,
			})
		case PlatformWeChat:
			adapters[tag] = adapter.NewWeChatAdapter(adapter.WeChatConfig{
				AppID:     p.AppID,
				AppSecret: p.AppSecret,
				Token:     p.Token,
			})
		case PlatformViber:
			webhookURL := p.WebhookURL
			if webhookURL == "" {
				webhookURL = cfg.Server.WebURL + "/vb"
			}
			adapters[tag] = adapter.NewViberAdapter(adapter.ViberConfig{
				AuthToken:  p.AuthToken,
				BotName:    p.BotName,
				WebhookURL: webhookURL,
			})
		case PlatformWhatsApp:
			adapters[tag] = adapter.NewWhatsAppAdapter(adapter.WhatsAppConfig{
				APIBaseURL:  p.APIBaseURL,
				APIKey:      p.APIKey,
				ScenarioKey: p.ScenarioKey,
			})
		default:
			return nil, fmt.Errorf("unknown platform %q in configuration", tag)
		}
	}

	if len(adapters) == 0 {
		return nil, fmt.Errorf("no platforms enabled")
	}
	return adapters, nil
}

// BuildFactory constructs the backend tenant factory from the spchat config
// section. App names are sorted so the factory order is deterministic.
func BuildFactory(cfg *Config) (*spchat.Factory, error) {
	names := make([]string, 0, len(cfg.SPChat.Apps))
	for name := range cfg.SPChat.Apps {
		names = append(names, name)
	}
	sort.Strings(names)

	apps := make([]spchat.Config, 0, len(names))
	for _, name := range names {
		app := cfg.SPChat.Apps[name]
		apps = append(apps, spchat.Config{
			Name:      name,
			BaseURL:   app.BaseURL,
			TenantURL: app.TenantURL,
			AppID:     app.AppID,
			WebURL:    cfg.Server.WebURL,
		})
	}

	routes := make([]spchat.Route, 0, len(cfg.SPChat.Routes))
	for _, rt := range cfg.SPChat.Routes {
		routes = append(routes, spchat.Route{App: rt.App, Users: rt.Users})
	}

	return spchat.NewFactory(apps, routes, cfg.SPChat.DefaultApp)
}

// decodeFileTokenParam decodes and validates a file capability token taken
// from a URL path segment.
func decodeFileTokenParam(data string) (spchat.FileToken, error) {
	token, err := spchat.DecodeFileToken(data)
	if err != nil {
		return spchat.FileToken{}, err
	}
	if token.UserID == "" || token.ChatID == "" || token.FileID == "" || token.Mime == "" {
		return spchat.FileToken{}, fmt.Errorf("incomplete file token")
	}
	return token, nil
}
