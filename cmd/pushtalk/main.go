package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/satriahrh/pushtalk/adapters/stt"
	"github.com/satriahrh/pushtalk/internal/config"
	"github.com/satriahrh/pushtalk/internal/metrics"
	"github.com/satriahrh/pushtalk/internal/websocket"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type globalFlags struct {
	envFile string
	debug   bool
}

func main() {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "pushtalk",
		Short: "Push-to-talk dictation over a streaming recognition service",
		Long: `pushtalk streams microphone audio to a streaming speech recognition
service while a key is held and returns the transcription when it is released.

The serve command exposes a local control API that key-hook and audio
capture helpers drive.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "Optional env file loaded before reading the environment")
	rootCmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "Enable development logging")

	rootCmd.AddCommand(
		serveCmd(flags),
		transcribeCmd(flags),
		mockServerCmd(flags),
		tokenCmd(flags),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// newLogger builds a production logger at level, or a development logger in debug mode
func newLogger(level string, debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}

	cfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = lvl
	}
	return cfg.Build()
}

// newRecognizer wires the websocket dialer into the streaming client
func newRecognizer(cfg config.Config, m *metrics.Metrics, logger *zap.Logger) (*stt.StreamingClient, error) {
	dialer, err := websocket.NewDialer(cfg.ProxyURL, logger)
	if err != nil {
		return nil, err
	}

	return stt.NewStreamingClient(stt.StreamingConfig{
		Endpoint:       cfg.Endpoint,
		AppID:          cfg.AppID,
		AccessToken:    cfg.AccessToken,
		ResourceID:     cfg.ResourceID,
		UID:            cfg.UID,
		ConnectTimeout: cfg.ConnectTimeout,
	}, dialer, m, logger), nil
}
