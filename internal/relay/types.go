// Package relay wires the platform adapters to the chat backend: it owns
// the configuration surface, the routed chat id scheme, the dispatch engine
// and the HTTP server the webhook adapters and file links hang off.
package relay

import "strings"

// Config is the complete relay configuration structure.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Logging   LoggingConfig             `yaml:"logging"`
	SPChat    SPChatConfig              `yaml:"spchat"`
	Messages  map[string]string         `yaml:"messages"`
	Platforms map[string]PlatformConfig `yaml:"platforms"`
}

// ServerConfig holds the HTTP server settings. PORT and WEB_URL environment
// variables override the file values when set.
type ServerConfig struct {
	Port   int    `yaml:"port" env:"PORT"`
	WebURL string `yaml:"web_url" env:"WEB_URL"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level        string `yaml:"level"`         // debug, info, warn, error
	File         string `yaml:"file"`          // Log file path
	MaxSize      int    `yaml:"max_size"`      // Single file max size in MB (default: 100)
	MaxBackups   int    `yaml:"max_backups"`   // Number of backups to keep (default: 5)
	MaxAge       int    `yaml:"max_age"`       // Maximum days to retain (default: 30)
	Compress     bool   `yaml:"compress"`      // Whether to compress old logs (default: true)
	EnableStdout bool   `yaml:"enable_stdout"` // Also output to stdout (default: true)
}

// SPChatConfig describes the backend tenants and the user routing table.
type SPChatConfig struct {
	Apps       map[string]AppConfig `yaml:"apps"`
	Routes     []RouteConfig        `yaml:"routes"`
	DefaultApp string               `yaml:"default_app"`
}

// AppConfig identifies one backend tenant.
type AppConfig struct {
	BaseURL   string `yaml:"base_url"`
	TenantURL string `yaml:"tenant_url"`
	AppID     string `yaml:"app_id"`
}

// RouteConfig assigns specific end users to a tenant. Routes are evaluated
// in declaration order.
type RouteConfig struct {
	App   string   `yaml:"app"`
	Users []string `yaml:"users"`
}

// PlatformConfig holds one platform adapter's credentials. Only the fields
// relevant to the platform are read; the rest stay empty.
type PlatformConfig struct {
	Enabled bool `yaml:"enabled"`

	// telegram
	Token string `yaml:"token"`

	// messenger
	VerifyToken     string `yaml:"verify_token"`
	PageAccessToken string `yaml:"page_access_token"`

	// vk
	GroupAccessToken string `yaml:"group_access_token"`
	GroupID          string `yaml:"group_id"`
	ConfirmationCode string `yaml:"confirmation_code"`

	// wechat
	AppID     string `yaml:"app_id"`
	AppSecret string `yaml:"app_secret"`

	// viber
	AuthToken  string `yaml:"auth_token"`
	BotName    string `yaml:"bot_name"`
	WebhookURL string `yaml:"webhook_url"`

	// whatsapp
	APIBaseURL  string `yaml:"api_base_url"`
	APIKey      string `yaml:"api_key"`
	ScenarioKey string `yaml:"scenario_key"`
}

// RoutedChatID scopes a native chat id with its platform tag so one backend
// identity space covers every platform.
func RoutedChatID(platform, chatID string) string {
	return platform + ":" + chatID
}

// SplitRoutedChatID is the inverse of RoutedChatID. ok is false when the
// value carries no platform tag.
func SplitRoutedChatID(routed string) (platform, chatID string, ok bool) {
	platform, chatID, ok = strings.Cut(routed, ":")
	if !ok || platform == "" || chatID == "" {
		return "", "", false
	}
	return platform, chatID, true
}
