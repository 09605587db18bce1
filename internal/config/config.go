package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultEndpoint        = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel"
	DefaultResourceID      = "volc.bigasr.sauc.duration"
	DefaultConnectTimeout  = 30 * time.Second
	DefaultStopTimeout     = 10 * time.Second
	DefaultHTTPAddr        = "127.0.0.1:7865"
	DefaultHistoryPath     = "pushtalk.db"
	DefaultRetentionDays   = 30
	DefaultLogLevel        = "info"
	minControlSecretLength = 16
)

// Config holds everything the pushtalk binary reads from the environment
type Config struct {
	// Recognition service
	Endpoint       string
	AppID          string
	AccessToken    string
	ResourceID     string
	UID            string
	ProxyURL       string
	ConnectTimeout time.Duration

	StopTimeout time.Duration

	// Control API
	HTTPAddr      string
	ControlSecret string

	// HistoryPath is the sqlite file; empty disables history
	HistoryPath      string
	HistoryRetention time.Duration

	// NATSURL mirrors dictation events to NATS when set
	NATSURL           string
	NATSSubjectPrefix string

	LogLevel string
	// TraceExporter is "none" or "stdout"
	TraceExporter string
}

// Load reads envFile when it exists, then builds a Config from the process
// environment. Variables already set in the environment win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	return FromEnv()
}

// FromEnv creates a Config from environment variables, applying defaults
func FromEnv() (Config, error) {
	config := Config{
		Endpoint:          envOr("ASR_ENDPOINT", DefaultEndpoint),
		AppID:             os.Getenv("ASR_APP_ID"),
		AccessToken:       os.Getenv("ASR_ACCESS_TOKEN"),
		ResourceID:        envOr("ASR_RESOURCE_ID", DefaultResourceID),
		UID:               os.Getenv("ASR_UID"),
		ProxyURL:          os.Getenv("ASR_PROXY_URL"),
		ConnectTimeout:    DefaultConnectTimeout,
		StopTimeout:       DefaultStopTimeout,
		HTTPAddr:          envOr("HTTP_ADDR", DefaultHTTPAddr),
		ControlSecret:     os.Getenv("CONTROL_SECRET"),
		HistoryPath:       DefaultHistoryPath,
		HistoryRetention:  DefaultRetentionDays * 24 * time.Hour,
		LogLevel:          strings.ToLower(envOr("LOG_LEVEL", DefaultLogLevel)),
		TraceExporter:     strings.ToLower(envOr("TRACE_EXPORTER", "none")),
		NATSURL:           os.Getenv("NATS_URL"),
		NATSSubjectPrefix: envOr("NATS_SUBJECT_PREFIX", "pushtalk"),
	}

	if path, ok := os.LookupEnv("HISTORY_PATH"); ok {
		config.HistoryPath = path
	}

	var err error
	if config.ConnectTimeout, err = durationEnv("ASR_CONNECT_TIMEOUT", config.ConnectTimeout); err != nil {
		return Config{}, err
	}
	if config.StopTimeout, err = durationEnv("DICTATION_STOP_TIMEOUT", config.StopTimeout); err != nil {
		return Config{}, err
	}

	if daysStr := os.Getenv("HISTORY_RETENTION_DAYS"); daysStr != "" {
		days, err := strconv.Atoi(daysStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid HISTORY_RETENTION_DAYS %q: %w", daysStr, err)
		}
		config.HistoryRetention = time.Duration(days) * 24 * time.Hour
	}

	return config, nil
}

// ValidateRecognition checks the values needed to reach the recognition service
func (c Config) ValidateRecognition() error {
	var errs []error

	if c.AppID == "" || c.AccessToken == "" {
		errs = append(errs, errors.New("ASR_APP_ID and ASR_ACCESS_TOKEN are required"))
	}
	if u, err := url.Parse(c.Endpoint); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("ASR_ENDPOINT must be a ws:// or wss:// url, got %q", c.Endpoint))
	}
	if c.ProxyURL != "" {
		if _, err := url.Parse(c.ProxyURL); err != nil {
			errs = append(errs, fmt.Errorf("invalid ASR_PROXY_URL: %w", err))
		}
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("ASR_CONNECT_TIMEOUT must be positive"))
	}
	if c.StopTimeout <= 0 {
		errs = append(errs, errors.New("DICTATION_STOP_TIMEOUT must be positive"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown LOG_LEVEL %q", c.LogLevel))
	}
	switch c.TraceExporter {
	case "", "none", "stdout":
	default:
		errs = append(errs, fmt.Errorf("unknown TRACE_EXPORTER %q", c.TraceExporter))
	}

	return errors.Join(errs...)
}

// Validate checks everything the dictation server needs
func (c Config) Validate() error {
	errs := []error{c.ValidateRecognition()}

	if len(c.ControlSecret) < minControlSecretLength {
		errs = append(errs, fmt.Errorf("CONTROL_SECRET must be at least %d characters", minControlSecretLength))
	}
	if c.HistoryRetention < 0 {
		errs = append(errs, errors.New("HISTORY_RETENTION_DAYS must not be negative"))
	}
	if c.NATSURL != "" {
		if u, err := url.Parse(c.NATSURL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid NATS_URL %q", c.NATSURL))
		}
	}

	return errors.Join(errs...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// durationEnv accepts Go durations ("30s") or a bare number of seconds
func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}
