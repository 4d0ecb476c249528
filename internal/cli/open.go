package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-bazaar/backend/internal/model/chat"
	"github.com/zhouzirui/z-bazaar/backend/internal/service/channel"
	"github.com/zhouzirui/z-bazaar/backend/internal/service/history"
	"github.com/zhouzirui/z-bazaar/backend/internal/service/inbox"
)

// NewOpenCommand creates the open command.
func NewOpenCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "open <conversation-id>",
		Short: "Open a conversation and chat in real time",
		Long: `Connects the push channel, joins the conversation room and prints messages
as they arrive. Every line read from stdin is sent as a message; EOF or Ctrl-C exits.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rootOpts.requireSession(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runOpen(ctx, rootOpts, args[0], cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func runOpen(ctx context.Context, opts *RootOptions, conversationID string, in io.Reader, out, errOut io.Writer) error {
	cfg := opts.Config.Channel
	sup := channel.NewSupervisor(channel.Options{
		URL:              opts.Channel,
		ViewerID:         opts.Viewer,
		MaxAttempts:      cfg.ReconnectAttempts,
		RetryDelay:       cfg.ReconnectDelay,
		PingInterval:     cfg.PingInterval,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}, opts.Log)

	engine, err := inbox.NewEngine(inbox.EngineConfig{
		Viewer:  chat.Participant{ID: opts.Viewer},
		Channel: sup,
		Gateway: history.NewClient(opts.API, opts.Token, opts.Config.History.Timeout, opts.Log),
		Logger:  opts.Log,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := engine.Start(ctx, opts.Token); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := engine.Open(ctx, conversationID); err != nil {
		// history is loaded even when the room could not be joined
		fmt.Fprintf(errOut, "! %v\n", err)
	}

	printed := make(map[string]bool)
	renderNew(out, engine.Messages(), printed, opts.Viewer)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				drain(engine, out, printed, opts.Viewer)
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if _, _, err := engine.Send(ctx, line, nil); err != nil {
				fmt.Fprintf(errOut, "! send: %v\n", err)
			}
		case <-engine.Changes():
			renderNew(out, engine.Messages(), printed, opts.Viewer)
		case n := <-engine.Notices():
			fmt.Fprintln(errOut, formatNotice(n))
		}
	}
}

// drain gives in-flight sends a moment to resolve before exiting on EOF.
func drain(engine *inbox.Engine, out io.Writer, printed map[string]bool, viewerID string) {
	deadline := time.After(2 * time.Second)
	for {
		pending := false
		for _, m := range engine.Messages() {
			if m.Speculative() {
				pending = true
				break
			}
		}
		renderNew(out, engine.Messages(), printed, viewerID)
		if !pending {
			return
		}
		select {
		case <-engine.Changes():
		case <-deadline:
			return
		}
	}
}

// renderNew prints confirmed messages that have not been printed yet.
func renderNew(w io.Writer, msgs []chat.Message, printed map[string]bool, viewerID string) {
	for _, m := range msgs {
		if m.Speculative() || printed[m.ID] {
			continue
		}
		printed[m.ID] = true
		fmt.Fprintln(w, formatMessage(m, viewerID))
	}
}

func formatMessage(m chat.Message, viewerID string) string {
	who := chat.ResolveSenderID(m, viewerID)
	switch {
	case who == viewerID:
		who = "me"
	case m.Sender != nil && m.Sender.ID == who:
		who = m.Sender.DisplayName()
	case who == "":
		who = "?"
	}
	text := m.Content
	if m.Attachment != nil {
		text = strings.TrimSpace(text + " [" + m.Attachment.Title + "]")
	}
	return fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), who, text)
}

func formatNotice(n inbox.Notice) string {
	switch n.Kind {
	case inbox.NoticeSendFailed:
		return fmt.Sprintf("! message not sent: %v", n.Err)
	case inbox.NoticeConnectionLost:
		return "! connection lost, reconnecting"
	case inbox.NoticeJoinRejected:
		return fmt.Sprintf("! could not join %s: %v", n.ConversationID, n.Err)
	case inbox.NoticeAuthRequired:
		return "! authentication required"
	default:
		return fmt.Sprintf("! %s", n.Kind)
	}
}
