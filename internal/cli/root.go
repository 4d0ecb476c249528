package cli

import (
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-bazaar/backend/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	API     string
	Channel string
	Token   string
	Viewer  string

	Config *config.Config
	Log    zerolog.Logger
}

// NewRootCommand creates the root command of chatctl. Flag defaults come from cfg.
func NewRootCommand(cfg *config.Config, log zerolog.Logger) *cobra.Command {
	opts := &RootOptions{Config: cfg, Log: log}

	cmd := &cobra.Command{
		Use:   "chatctl",
		Short: "z-bazaar direct messaging client",
		Long:  "Lists conversations and chats in real time against a z-bazaar relay.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opts.API = strings.TrimRight(strings.TrimSpace(opts.API), "/")
			opts.Channel = strings.TrimSpace(opts.Channel)
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.API, "api", cfg.History.BaseURL, "REST API base URL")
	cmd.PersistentFlags().StringVar(&opts.Channel, "channel", cfg.Channel.URL, "push channel URL")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", cfg.Channel.Token, "bearer token")
	cmd.PersistentFlags().StringVar(&opts.Viewer, "viewer", cfg.Channel.ViewerID, "viewer id")

	cmd.AddCommand(NewConversationsCommand(opts))
	cmd.AddCommand(NewOpenCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

func (o *RootOptions) requireSession() error {
	if strings.TrimSpace(o.Token) == "" {
		return errors.New("a bearer token is required (--token or CHAT_TOKEN)")
	}
	if strings.TrimSpace(o.Viewer) == "" {
		return errors.New("a viewer id is required (--viewer or CHAT_VIEWER_ID)")
	}
	return nil
}
