package logger

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLogger(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name: "valid config with file",
			config: Config{
				Level:        "info",
				File:         filepath.Join(os.TempDir(), "spbridge-test.log"),
				MaxSize:      1,
				MaxBackups:   1,
				MaxAge:       1,
				Compress:     false,
				EnableStdout: false,
			},
			wantErr: false,
		},
		{
			name: "valid config with stdout only",
			config: Config{
				Level:        "debug",
				EnableStdout: true,
			},
			wantErr: false,
		},
		{
			name: "invalid log level defaults to info",
			config: Config{
				Level:        "invalid",
				EnableStdout: true,
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := InitLogger(tt.config)

			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, GetLogger())
			}

			if tt.config.File != "" {
				os.Remove(tt.config.File)
			}
		})
	}
}

func TestInitLogger_CreatesLogDirectory(t *testing.T) {
	tmpDir := filepath.Join(os.TempDir(), "spbridge-test-logs")
	logFile := filepath.Join(tmpDir, "test.log")

	err := InitLogger(Config{Level: "info", File: logFile})
	require.NoError(t, err)

	info, err := os.Stat(tmpDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	os.RemoveAll(tmpDir)
}

func TestGetLogger_ReturnsSameInstance(t *testing.T) {
	logger1 := GetLogger()
	logger2 := GetLogger()
	assert.Same(t, logger1, logger2)
}

func TestLogFunctions(t *testing.T) {
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	err := InitLogger(Config{Level: "info", EnableStdout: true})
	require.NoError(t, err)

	Debug("debug message")
	Info("info message")
	Warn("warn message")
	Error("error message")

	w.Close()
	os.Stdout = oldStdout

	var buf bytes.Buffer
	io.Copy(&buf, r)

	output := buf.String()
	assert.Contains(t, output, "info message")
	assert.Contains(t, output, "warn message")
	assert.Contains(t, output, "error message")
	// Debug message should not appear with info level
	assert.NotContains(t, output, "debug message")
}

func TestWithFields(t *testing.T) {
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	err := InitLogger(Config{Level: "info", EnableStdout: true})
	require.NoError(t, err)

	WithFields(logrus.Fields{
		"chat_id":  "42",
		"platform": "telegram",
	}).Info("relay event")
	WithField("key", "value").Info("single field")

	w.Close()
	os.Stdout = oldStdout

	var buf bytes.Buffer
	io.Copy(&buf, r)

	output := buf.String()
	assert.Contains(t, output, "telegram")
	assert.Contains(t, output, "relay event")
	assert.Contains(t, output, "value")
}

func TestLogLevelSetting(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected logrus.Level
	}{
		{"debug level", "debug", logrus.DebugLevel},
		{"info level", "info", logrus.InfoLevel},
		{"warn level", "warn", logrus.WarnLevel},
		{"error level", "error", logrus.ErrorLevel},
		{"invalid level defaults to info", "invalid", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := InitLogger(Config{Level: tt.level})
			require.NoError(t, err)
			assert.Equal(t, tt.expected, GetLogger().GetLevel())
		})
	}
}

func TestFormatterSetting(t *testing.T) {
	err := InitLogger(Config{Level: "debug"})
	require.NoError(t, err)
	assert.IsType(t, &logrus.TextFormatter{}, GetLogger().Formatter)

	err = InitLogger(Config{Level: "info"})
	require.NoError(t, err)
	assert.IsType(t, &logrus.JSONFormatter{}, GetLogger().Formatter)
}
