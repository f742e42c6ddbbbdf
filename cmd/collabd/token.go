package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/astromechza/automerge-relay/pkg/config"
	"github.com/astromechza/automerge-relay/pkg/gatekeeper"
)

var (
	tokenEmail string
	tokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Mint an access token signed with the configured auth secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		token, err := gatekeeper.NewJWTVerifier(cfg.Auth.Secret).Issue(gatekeeper.Identity{UserID: args[0], Email: tokenEmail}, tokenTTL)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
		return err
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "email claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
}
