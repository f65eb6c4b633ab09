package cli

import (
	"fmt"
	"time"

	"inboxflow/internal/config"
	"inboxflow/internal/middleware"

	"github.com/spf13/cobra"
)

var (
	tokenUserID uint
	tokenTTL    time.Duration
)

// tokenCmd 为实时通道签发令牌，供运维与调试使用
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a JWT for the real-time notification channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenUserID == 0 {
			return fmt.Errorf("--user is required")
		}
		cfg := config.Load()
		ttl := tokenTTL
		if !cmd.Flags().Changed("ttl") {
			ttl = cfg.JWT.TTL
		}
		tok, err := middleware.GenerateToken(tokenUserID, cfg.JWT.Secret, ttl)
		if err != nil {
			return fmt.Errorf("jwt.secret is empty or invalid: %w", err)
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().UintVar(&tokenUserID, "user", 0, "owner user id the token subscribes to")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	rootCmd.AddCommand(tokenCmd)
}
