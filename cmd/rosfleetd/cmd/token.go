package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"rosfleet.sh/internal/authz"
	"rosfleet.sh/internal/models"
)

var (
	tokenSub   string
	tokenEmail string
	tokenRole  string
	tokenScope []string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a session token for a user",
	Long: `Mint a signed session token. The serve daemon must run with the
same session signing key, otherwise the token will not verify.`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSub, "sub", "", "subject (user identifier), required")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "user email")
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(models.RoleReadOnly), "role: readonly, ops, admin or approver")
	tokenCmd.Flags().StringSliceVar(&tokenScope, "device", nil, "device IDs the token is scoped to (repeatable, empty for fleet-wide)")
	tokenCmd.MarkFlagRequired("sub")
}

func runToken(cmd *cobra.Command, args []string) error {
	switch models.RoleName(tokenRole) {
	case models.RoleReadOnly, models.RoleOps, models.RoleAdmin, models.RoleApprover:
	default:
		return fmt.Errorf("unknown role %q", tokenRole)
	}

	signingKey := viper.GetString("session_signing_key")
	if signingKey == "" {
		return fmt.Errorf("session_signing_key must be configured to issue portable tokens")
	}

	sessions, err := authz.NewSessionManager(&authz.SessionConfig{
		SigningKey: []byte(signingKey),
		TTL:        sessionTTL(),
	})
	if err != nil {
		return err
	}

	token, expiresAt, err := sessions.Issue(&models.User{
		Sub:         tokenSub,
		Email:       tokenEmail,
		Role:        models.RoleName(tokenRole),
		DeviceScope: tokenScope,
	})
	if err != nil {
		return err
	}

	fmt.Println(token)
	fmt.Printf("Expires: %s\n", expiresAt.Format(time.RFC3339))
	return nil
}
