package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/satriahrh/pushtalk/internal/websocket"
)

func mockServerCmd(flags *globalFlags) *cobra.Command {
	var (
		addr   string
		path   string
		config websocket.HubConfig
	)

	cmd := &cobra.Command{
		Use:   "mockserver",
		Short: "Run a local recognition server speaking the binary streaming protocol",
		Long: `mockserver accepts the same websocket handshake and binary frames as the
recognition service. It acks audio frames, reveals the scripted transcript
word by word in interim results, and answers the last frame with the final
result. Point ASR_ENDPOINT at it to develop without credentials.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger("info", flags.debug)
			if err != nil {
				return err
			}
			defer logger.Sync()

			hub := websocket.NewHub(config, logger)
			go hub.Run()
			defer hub.Stop()

			e := echo.New()
			e.HideBanner = true
			e.Use(middleware.Recover())
			hub.Routes(e, path)

			serverErr := make(chan error, 1)
			go func() {
				if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()
			logger.Info("Mock recognition server started",
				zap.String("url", fmt.Sprintf("ws://%s%s", addr, path)))

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(quit)

			select {
			case <-quit:
			case err := <-serverErr:
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return e.Shutdown(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9000", "Listen address")
	cmd.Flags().StringVar(&path, "path", "/api/v3/sauc/bigmodel", "Websocket path")
	cmd.Flags().StringVar(&config.Transcript, "transcript", "hello from the mock server", "Transcript revealed to clients")
	cmd.Flags().IntVar(&config.InterimEvery, "interim-every", 2, "Audio frames between interim results")
	cmd.Flags().BoolVar(&config.AckAudio, "ack", true, "Ack every audio frame")
	cmd.Flags().IntVar(&config.FailAfter, "fail-after", 0, "Send a server error after this many audio frames (0 disables)")
	cmd.Flags().StringVar(&config.AppKey, "app-key", "", "Required X-Api-App-Key (empty accepts any)")
	cmd.Flags().StringVar(&config.AccessKey, "access-key", "", "Required X-Api-Access-Key (empty accepts any)")

	return cmd
}
