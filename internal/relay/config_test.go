package relay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const validConfigYAML = `
server:
  port: 9090
  web_url: "https://relay.example.com/"
spchat:
  apps:
    main:
      base_url: "https://chat.example.com:9443"
      tenant_url: "chat.example.com"
      app_id: "app-main"
  default_app: main
platforms:
  telegram:
    enabled: true
    token: "123:abc"
`

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, validConfigYAML)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "https://relay.example.com", cfg.Server.WebURL)
	assert.Equal(t, DefaultLogLevel, cfg.Logging.Level)
	assert.Equal(t, DefaultLogMaxSize, cfg.Logging.MaxSize)
	assert.NotEmpty(t, cfg.Messages[MsgPartyJoined])
	assert.NotEmpty(t, cfg.Messages[MsgChatEnded])
}

func TestLoadConfigExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("RELAY_TG_TOKEN", "456:def")
	path := writeConfigFile(t, `
server:
  web_url: "https://relay.example.com"
spchat:
  apps:
    main:
      base_url: "https://chat.example.com"
      tenant_url: "chat.example.com"
      app_id: "app-main"
platforms:
  telegram:
    enabled: true
    token: "${RELAY_TG_TOKEN}"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "456:def", cfg.Platforms["telegram"].Token)
}

func TestLoadConfigFailsOnMissingEnvironmentVariable(t *testing.T) {
	path := writeConfigFile(t, `
server:
  web_url: "https://relay.example.com"
platforms:
  telegram:
    enabled: true
    token: "${DEFINITELY_NOT_SET_VAR_1}"
`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DEFINITELY_NOT_SET_VAR_1")
}

func TestLoadConfigEnvironmentOverridesPort(t *testing.T) {
	t.Setenv("PORT", "3000")
	path := writeConfigFile(t, validConfigYAML)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "missing web_url",
			yaml: `
spchat:
  apps:
    main: {base_url: "https://c", tenant_url: "c", app_id: "a"}
platforms:
  telegram: {enabled: true}
`,
			wantErr: "web_url",
		},
		{
			name: "no apps",
			yaml: `
server: {web_url: "https://r"}
platforms:
  telegram: {enabled: true}
`,
			wantErr: "spchat app",
		},
		{
			name: "no enabled platforms",
			yaml: `
server: {web_url: "https://r"}
spchat:
  apps:
    main: {base_url: "https://c", tenant_url: "c", app_id: "a"}
platforms:
  telegram: {enabled: false}
`,
			wantErr: "platform",
		},
		{
			name: "unknown default app",
			yaml: `
server: {web_url: "https://r"}
spchat:
  apps:
    main: {base_url: "https://c", tenant_url: "c", app_id: "a"}
  default_app: other
platforms:
  telegram: {enabled: true}
`,
			wantErr: "default_app",
		},
		{
			name: "route to unknown app",
			yaml: `
server: {web_url: "https://r"}
spchat:
  apps:
    main: {base_url: "https://c", tenant_url: "c", app_id: "a"}
  routes:
    - app: missing
      users: ["telegram:1"]
platforms:
  telegram: {enabled: true}
`,
			wantErr: "unknown spchat app",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfigFile(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetPlatformConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfigFile(t, validConfigYAML))
	require.NoError(t, err)

	p, err := cfg.GetPlatformConfig("telegram")
	require.NoError(t, err)
	assert.Equal(t, "123:abc", p.Token)

	_, err = cfg.GetPlatformConfig("viber")
	assert.Error(t, err)
}
