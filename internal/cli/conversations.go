package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-bazaar/backend/internal/model/chat"
	"github.com/zhouzirui/z-bazaar/backend/internal/service/history"
)

// NewConversationsCommand creates the conversations command.
func NewConversationsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "conversations",
		Short:        "List conversations, most recent first",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rootOpts.requireSession(); err != nil {
				return err
			}
			client := history.NewClient(rootOpts.API, rootOpts.Token, rootOpts.Config.History.Timeout, rootOpts.Log)
			conversations, err := client.ListConversations(cmd.Context())
			if err != nil {
				return err
			}
			printConversations(cmd.OutOrStdout(), conversations, rootOpts.Viewer)
			return nil
		},
	}
}

func printConversations(w io.Writer, conversations []chat.Conversation, viewerID string) {
	if len(conversations) == 0 {
		fmt.Fprintln(w, "no conversations")
		return
	}
	for _, c := range conversations {
		name := c.ID
		if other, ok := c.Counterpart(viewerID); ok {
			name = other.DisplayName()
		}
		line := fmt.Sprintf("%s  %s", c.ID, name)
		if c.UnreadCount > 0 {
			line += fmt.Sprintf(" (%d unread)", c.UnreadCount)
		}
		if c.LastMessage != nil {
			line += "  " + preview(*c.LastMessage)
		}
		fmt.Fprintln(w, line)
	}
}

func preview(m chat.Message) string {
	text := strings.TrimSpace(m.Content)
	if text == "" && m.Attachment != nil {
		text = "[" + m.Attachment.Title + "]"
	}
	if r := []rune(text); len(r) > 40 {
		text = string(r[:40]) + "…"
	}
	return fmt.Sprintf("%s %q", m.CreatedAt.Local().Format(time.Kitchen), text)
}
