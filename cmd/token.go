package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/satriahrh/arunika/orchestrator/domain/entities"
	"github.com/satriahrh/arunika/orchestrator/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a device token",
	Long: `Issue a JWT for a device, signed with JWT_SECRET.

Example:
  orchestrator token --device ABCD1234 --ttl 720h`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		deviceID, err := cmd.Flags().GetString("device")
		if err != nil {
			return fmt.Errorf("failed to read 'device' flag: %w", err)
		}
		if entities.ValidateDeviceID(deviceID) != nil {
			return fmt.Errorf("--device: %s", entities.DeviceIDError(deviceID))
		}
		ttl, err := cmd.Flags().GetDuration("ttl")
		if err != nil {
			return fmt.Errorf("failed to read 'ttl' flag: %w", err)
		}

		// Only the secret is needed here, so the full config is not validated
		_ = godotenv.Load()
		secret, _ := cmd.Flags().GetString("secret")
		if secret == "" {
			secret = os.Getenv("JWT_SECRET")
		}

		issuer := auth.NewTokenIssuer(secret, ttl)
		token, expiresAt, err := issuer.GenerateDeviceToken(deviceID)
		if err != nil {
			return fmt.Errorf("failed to generate token: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), token)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("device", "", "device id, four uppercase letters and four digits")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	tokenCmd.Flags().String("secret", "", "signing secret (defaults to JWT_SECRET)")
	tokenCmd.MarkFlagRequired("device")
}
