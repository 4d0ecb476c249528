package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-bazaar/backend/internal/auth"
)

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		secret string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:          "token <viewer-id>",
		Short:        "Mint a bearer token for a viewer",
		Long:         "Mint an HS256 bearer token signed with AUTH_JWT_SECRET, for relays running with a secret.",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := auth.Issue(secret, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", rootOpts.Config.Auth.JWTSecret, "signing secret")
	cmd.Flags().DurationVar(&ttl, "ttl", rootOpts.Config.Auth.TokenTTL, "token lifetime")

	return cmd
}
