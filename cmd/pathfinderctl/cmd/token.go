package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/pathfinder/pathfinder/pkg/auth"
	"github.com/pathfinder/pathfinder/pkg/config"
)

type issuedToken struct {
	Token     string    `json:"token" yaml:"token"`
	Subject   string    `json:"subject" yaml:"subject"`
	Scopes    []string  `json:"scopes" yaml:"scopes"`
	ExpiresAt time.Time `json:"expires_at" yaml:"expires_at"`
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an admin API token",
	Long:  "Issue a bearer token for the admin API, signed with auth.jwt_secret from the configuration.",
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		scopes, _ := cmd.Flags().GetStringSlice("scope")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if subject == "" {
			return fmt.Errorf("subject is required")
		}

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if ttl <= 0 {
			ttl = cfg.Auth.TokenTTL
		}
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}

		manager := auth.NewTokenManager([]byte(cfg.Auth.JWTSecret), ttl, cfg.Auth.Issuer)
		token, err := manager.Generate(subject, scopes...)
		if err != nil {
			return err
		}
		if len(scopes) == 0 {
			scopes = auth.AllScopes
		}

		issued := issuedToken{
			Token:     token,
			Subject:   subject,
			Scopes:    scopes,
			ExpiresAt: time.Now().Add(ttl).UTC(),
		}
		return render(cmd, issued, func(w io.Writer) {
			fmt.Fprintln(w, issued.Token)
		})
	},
}

func init() {
	tokenCmd.Flags().String("subject", "", "token subject, usually the operator's email")
	tokenCmd.Flags().StringSlice("scope", nil, "scopes to grant: events, digests, reports, stats (default: all)")
	tokenCmd.Flags().Duration("ttl", 0, "token lifetime (default: auth.token_ttl)")
	rootCmd.AddCommand(tokenCmd)
}
