package relay

import (
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	DefaultServerPort = 8080

	DefaultLogLevel        = "info"
	DefaultLogMaxSize      = 100 // MB
	DefaultLogMaxBackups   = 5
	DefaultLogMaxAge       = 30 // days
	DefaultLogCompress     = true
	DefaultLogEnableStdout = true
)

// Message template keys looked up in the messages config section.
const (
	MsgPartyJoined    = "party_joined"
	MsgChatStatus     = "chat_status"
	MsgChatEnded      = "chat_ended"
	MsgChatNotStarted = "chat_not_started"
)

var defaultMessages = map[string]string{
	MsgPartyJoined:    "{{name}} has joined the chat",
	MsgChatStatus:     "Chat status: {{status}}, estimated wait time {{ewt}}",
	MsgChatEnded:      "The chat has ended. Thank you!",
	MsgChatNotStarted: "",
}

// LoadConfig loads configuration from file, expands environment variables
// and applies environment overrides.
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData, err := expandEnv(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to expand environment variables: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := env.Parse(&config.Server); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// expandEnv replaces ${VAR_NAME} patterns with environment variable values
func expandEnv(input string) (string, error) {
	var missingVars []string

	result := os.Expand(input, func(key string) string {
		if val := os.Getenv(key); val != "" {
			return val
		}
		missingVars = append(missingVars, key)
		return ""
	})

	if len(missingVars) > 0 {
		return "", fmt.Errorf("missing required environment variables: %s",
			strings.Join(missingVars, ", "))
	}

	return result, nil
}

// validateConfig performs basic validation on the configuration and fills
// in defaults.
func validateConfig(config *Config) error {
	if config.Server.Port == 0 {
		config.Server.Port = DefaultServerPort
	}
	if config.Server.WebURL == "" {
		return fmt.Errorf("server.web_url must be set")
	}
	config.Server.WebURL = strings.TrimRight(config.Server.WebURL, "/")

	if config.Logging.Level == "" {
		config.Logging.Level = DefaultLogLevel
	}
	if config.Logging.MaxSize == 0 {
		config.Logging.MaxSize = DefaultLogMaxSize
	}
	if config.Logging.MaxBackups == 0 {
		config.Logging.MaxBackups = DefaultLogMaxBackups
	}
	if config.Logging.MaxAge == 0 {
		config.Logging.MaxAge = DefaultLogMaxAge
	}
	if !config.Logging.Compress {
		config.Logging.Compress = DefaultLogCompress
	}
	if !config.Logging.EnableStdout {
		config.Logging.EnableStdout = DefaultLogEnableStdout
	}

	if len(config.SPChat.Apps) == 0 {
		return fmt.Errorf("at least one spchat app must be configured")
	}
	for name, app := range config.SPChat.Apps {
		if app.BaseURL == "" {
			return fmt.Errorf("spchat app %q has no base_url", name)
		}
		if app.TenantURL == "" {
			return fmt.Errorf("spchat app %q has no tenant_url", name)
		}
		if app.AppID == "" {
			return fmt.Errorf("spchat app %q has no app_id", name)
		}
	}
	if config.SPChat.DefaultApp != "" {
		if _, ok := config.SPChat.Apps[config.SPChat.DefaultApp]; !ok {
			return fmt.Errorf("default_app %q does not exist in spchat.apps", config.SPChat.DefaultApp)
		}
	}
	for _, rt := range config.SPChat.Routes {
		if _, ok := config.SPChat.Apps[rt.App]; !ok {
			return fmt.Errorf("route references unknown spchat app %q", rt.App)
		}
	}

	enabled := 0
	for _, p := range config.Platforms {
		if p.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one platform must be enabled")
	}

	if config.Messages == nil {
		config.Messages = make(map[string]string)
	}
	for key, text := range defaultMessages {
		if _, ok := config.Messages[key]; !ok {
			config.Messages[key] = text
		}
	}

	return nil
}

// GetPlatformConfig retrieves configuration for a specific platform.
func (c *Config) GetPlatformConfig(platform string) (PlatformConfig, error) {
	p, exists := c.Platforms[platform]
	if !exists {
		return PlatformConfig{}, fmt.Errorf("platform %s not found in configuration", platform)
	}
	if !p.Enabled {
		return PlatformConfig{}, fmt.Errorf("platform %s is disabled", platform)
	}
	return p, nil
}
