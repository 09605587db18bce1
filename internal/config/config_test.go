package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var configKeys = []string{
	"ASR_ENDPOINT", "ASR_APP_ID", "ASR_ACCESS_TOKEN", "ASR_RESOURCE_ID", "ASR_UID",
	"ASR_PROXY_URL", "ASR_CONNECT_TIMEOUT", "DICTATION_STOP_TIMEOUT", "HTTP_ADDR",
	"CONTROL_SECRET", "HISTORY_PATH", "HISTORY_RETENTION_DAYS", "LOG_LEVEL", "TRACE_EXPORTER", "NATS_URL", "NATS_SUBJECT_PREFIX",
}

// clearEnv unsets every config key for the duration of the test
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range configKeys {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func validConfig() Config {
	return Config{
		Endpoint:         DefaultEndpoint,
		AppID:            "app",
		AccessToken:      "token",
		ConnectTimeout:   time.Second,
		StopTimeout:      time.Second,
		ControlSecret:    "0123456789abcdef",
		HistoryRetention: time.Hour,
		LogLevel:         "info",
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	config, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}

	if config.Endpoint != DefaultEndpoint {
		t.Errorf("Expected endpoint %s, got %s", DefaultEndpoint, config.Endpoint)
	}
	if config.ResourceID != DefaultResourceID {
		t.Errorf("Expected resource id %s, got %s", DefaultResourceID, config.ResourceID)
	}
	if config.ConnectTimeout != 30*time.Second {
		t.Errorf("Expected 30s connect timeout, got %v", config.ConnectTimeout)
	}
	if config.StopTimeout != 10*time.Second {
		t.Errorf("Expected 10s stop timeout, got %v", config.StopTimeout)
	}
	if config.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("Expected addr %s, got %s", DefaultHTTPAddr, config.HTTPAddr)
	}
	if config.HistoryPath != DefaultHistoryPath {
		t.Errorf("Expected history path %s, got %s", DefaultHistoryPath, config.HistoryPath)
	}
	if config.HistoryRetention != 30*24*time.Hour {
		t.Errorf("Expected 30 day retention, got %v", config.HistoryRetention)
	}
	if config.LogLevel != "info" {
		t.Errorf("Expected info log level, got %s", config.LogLevel)
	}
	if config.TraceExporter != "none" {
		t.Errorf("Expected tracing off by default, got %s", config.TraceExporter)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ASR_ENDPOINT", "ws://localhost:9000/asr")
	t.Setenv("ASR_APP_ID", "app")
	t.Setenv("ASR_ACCESS_TOKEN", "secret")
	t.Setenv("ASR_CONNECT_TIMEOUT", "5")
	t.Setenv("DICTATION_STOP_TIMEOUT", "1500ms")
	t.Setenv("HISTORY_PATH", "")
	t.Setenv("HISTORY_RETENTION_DAYS", "7")
	t.Setenv("LOG_LEVEL", "DEBUG")

	config, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}

	if config.Endpoint != "ws://localhost:9000/asr" {
		t.Errorf("Unexpected endpoint %s", config.Endpoint)
	}
	if config.AppID != "app" || config.AccessToken != "secret" {
		t.Errorf("Unexpected credentials %s/%s", config.AppID, config.AccessToken)
	}
	if config.ConnectTimeout != 5*time.Second {
		t.Errorf("Expected bare seconds to parse, got %v", config.ConnectTimeout)
	}
	if config.StopTimeout != 1500*time.Millisecond {
		t.Errorf("Expected 1.5s, got %v", config.StopTimeout)
	}
	if config.HistoryPath != "" {
		t.Errorf("Expected empty HISTORY_PATH to disable history, got %q", config.HistoryPath)
	}
	if config.HistoryRetention != 7*24*time.Hour {
		t.Errorf("Expected 7 days, got %v", config.HistoryRetention)
	}
	if config.LogLevel != "debug" {
		t.Errorf("Expected lowercased level, got %s", config.LogLevel)
	}
}

func TestFromEnv_InvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"ASR_CONNECT_TIMEOUT", "soon"},
		{"DICTATION_STOP_TIMEOUT", "1x"},
		{"HISTORY_RETENTION_DAYS", "a week"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := FromEnv()
			if err == nil {
				t.Fatalf("Expected error for %s=%q", tt.key, tt.value)
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Errorf("Expected error to name %s, got %v", tt.key, err)
			}
		})
	}
}

func TestLoad_EnvFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".env")
	content := "ASR_APP_ID=from-file\nASR_ACCESS_TOKEN=file-token\nHTTP_ADDR=127.0.0.1:9999\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write env file: %v", err)
	}
	t.Setenv("HTTP_ADDR", "127.0.0.1:1234")
	t.Cleanup(func() {
		os.Unsetenv("ASR_APP_ID")
		os.Unsetenv("ASR_ACCESS_TOKEN")
	})

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if config.AppID != "from-file" || config.AccessToken != "file-token" {
		t.Errorf("Expected credentials from file, got %s/%s", config.AppID, config.AccessToken)
	}
	if config.HTTPAddr != "127.0.0.1:1234" {
		t.Errorf("Expected process env to win, got %s", config.HTTPAddr)
	}
}

func TestLoad_MissingEnvFile(t *testing.T) {
	clearEnv(t)

	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("Expected missing env file to be ignored, got %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing credentials", func(c *Config) { c.AccessToken = "" }, "ASR_APP_ID"},
		{"http endpoint", func(c *Config) { c.Endpoint = "https://example.com" }, "ASR_ENDPOINT"},
		{"zero connect timeout", func(c *Config) { c.ConnectTimeout = 0 }, "ASR_CONNECT_TIMEOUT"},
		{"zero stop timeout", func(c *Config) { c.StopTimeout = 0 }, "DICTATION_STOP_TIMEOUT"},
		{"short secret", func(c *Config) { c.ControlSecret = "short" }, "CONTROL_SECRET"},
		{"negative retention", func(c *Config) { c.HistoryRetention = -time.Hour }, "HISTORY_RETENTION_DAYS"},
		{"unknown level", func(c *Config) { c.LogLevel = "trace" }, "LOG_LEVEL"},
		{"unknown exporter", func(c *Config) { c.TraceExporter = "zipkin" }, "TRACE_EXPORTER"},
		{"nats url without host", func(c *Config) { c.NATSURL = "localhost" }, "NATS_URL"},
		{"nats url", func(c *Config) { c.NATSURL = "nats://127.0.0.1:4222" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(&config)

			err := config.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected valid config, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error mentioning %s, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfig_ValidateRecognition(t *testing.T) {
	config := validConfig()
	config.ControlSecret = ""

	if err := config.ValidateRecognition(); err != nil {
		t.Errorf("Expected recognition settings to be valid without a control secret, got %v", err)
	}
	if err := config.Validate(); err == nil {
		t.Error("Expected full validation to require a control secret")
	}
}
