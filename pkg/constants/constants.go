package constants

import "time"

// Backend (SPChat) protocol timing
const (
	// DefaultPollInterval is the fixed interval between backend event polls
	DefaultPollInterval = 3000 * time.Millisecond
	// PollRequestTimeout is the timeout for a single backend poll request
	PollRequestTimeout = 15 * time.Second
	// SendRequestTimeout is the timeout for backend event submissions and file uploads
	SendRequestTimeout = 5 * time.Second
)

// Platform API timing
const (
	// TelegramRequestTimeout is the timeout for Telegram Bot API calls
	TelegramRequestTimeout = 3500 * time.Millisecond
	// PlatformRequestTimeout is the timeout for VK/WeChat/Viber/WhatsApp API calls
	PlatformRequestTimeout = 5 * time.Second
	// WeChatTokenRefreshInterval renews the access token before its 7200s expiry
	WeChatTokenRefreshInterval = 7000 * time.Second
)

// Message length limits
const (
	// MaxTelegramMessageLength is Telegram's message character limit
	MaxTelegramMessageLength = 4096
)

// Secret masking
const (
	// MinSecretLengthForMasking is the minimum secret length to apply masking
	MinSecretLengthForMasking = 10
	// SecretMaskPrefixLength is the length of prefix to show before masking
	SecretMaskPrefixLength = 4
	// SecretMaskSuffixLength is the length of suffix to show after masking
	SecretMaskSuffixLength = 4
)

// VK API
const (
	// VKAPIVersion is the pinned VK method API version
	VKAPIVersion = "5.85"
)
