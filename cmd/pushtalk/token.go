package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/satriahrh/pushtalk/internal/auth"
	"github.com/satriahrh/pushtalk/internal/config"
)

func tokenCmd(flags *globalFlags) *cobra.Command {
	var (
		clientID string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a control API token signed with CONTROL_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.envFile)
			if err != nil {
				return err
			}

			signer, err := auth.NewSigner(cfg.ControlSecret)
			if err != nil {
				return fmt.Errorf("CONTROL_SECRET: %w", err)
			}

			token, err := signer.GenerateControlToken(clientID, ttl)
			if err != nil {
				return fmt.Errorf("failed to sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&clientID, "client-id", "hotkey", "Name of the helper the token is issued to")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "Token lifetime")

	return cmd
}
