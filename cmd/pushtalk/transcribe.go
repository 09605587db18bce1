package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/satriahrh/pushtalk/domain/entities"
	"github.com/satriahrh/pushtalk/internal/config"
	"github.com/satriahrh/pushtalk/internal/protocol"
	"github.com/satriahrh/pushtalk/usecase"
)

// chunkSize is 100ms of 16kHz mono s16le audio
const chunkSize = protocol.BytesPerSecond / 10

func transcribeCmd(flags *globalFlags) *cobra.Command {
	var (
		endpoint string
		realtime bool
	)

	cmd := &cobra.Command{
		Use:   "transcribe <file.pcm>",
		Short: "Stream a raw 16 kHz mono s16le file and print the transcription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.envFile)
			if err != nil {
				return err
			}
			if endpoint != "" {
				cfg.Endpoint = endpoint
			}
			if err := cfg.ValidateRecognition(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			level := cfg.LogLevel
			if !flags.debug {
				level = "warn"
			}
			logger, err := newLogger(level, flags.debug)
			if err != nil {
				return err
			}
			defer logger.Sync()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			return transcribe(cmd.Context(), cfg, f, realtime, cmd.OutOrStdout(), logger)
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "", "Recognition endpoint (overrides ASR_ENDPOINT)")
	cmd.Flags().BoolVar(&realtime, "realtime", true, "Pace chunks at 100ms like a live microphone")

	return cmd
}

func transcribe(ctx context.Context, cfg config.Config, audio io.Reader, realtime bool, out io.Writer, logger *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}

	recognizer, err := newRecognizer(cfg, nil, logger)
	if err != nil {
		return err
	}
	dictation := usecase.NewDictationService(recognizer, logger, usecase.WithStopTimeout(cfg.StopTimeout))
	defer dictation.Close()

	events, cancel := dictation.Subscribe(64)
	defer cancel()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range events {
			switch ev.Type {
			case entities.EventResult:
				if !ev.Result.IsFinal {
					fmt.Fprintf(out, "... %s\n", ev.Result.Text)
				}
			case entities.EventError:
				fmt.Fprintf(out, "error: %v\n", ev.Err)
			}
		}
	}()

	if err := dictation.Start(ctx); err != nil {
		return err
	}

	buf := make([]byte, chunkSize)
	chunks := 0
	for {
		n, err := io.ReadFull(audio, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			dictation.SendAudio(chunk)
			chunks++
			if realtime {
				time.Sleep(100 * time.Millisecond)
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			dictation.Stop(ctx)
			return fmt.Errorf("failed to read audio: %w", err)
		}
	}
	logger.Info("Audio sent", zap.Int("chunks", chunks))

	result, err := dictation.Stop(ctx)
	cancel()
	<-printed
	if err != nil {
		return err
	}
	if result == nil {
		if lastErr := dictation.LastError(); lastErr != nil {
			return lastErr
		}
		return usecase.ErrNoSpeech
	}

	if !result.IsFinal {
		fmt.Fprintln(out, "(no final result, showing the latest hypothesis)")
	}
	fmt.Fprintln(out, result.Text)
	return nil
}
