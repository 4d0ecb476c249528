package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-bazaar/backend/internal/auth"
	"github.com/zhouzirui/z-bazaar/backend/internal/config"
	"github.com/zhouzirui/z-bazaar/backend/internal/handler"
	"github.com/zhouzirui/z-bazaar/backend/internal/model/chat"
	"github.com/zhouzirui/z-bazaar/backend/internal/service/relay"
)

func testConfig() *config.Config {
	return &config.Config{
		ServiceName: "chatctl-test",
		Channel: config.ChannelConfig{
			URL:               "ws://localhost:8080/ws",
			ReconnectAttempts: 2,
			ReconnectDelay:    10 * time.Millisecond,
			PingInterval:      time.Second,
			HandshakeTimeout:  time.Second,
		},
		History: config.HistoryConfig{BaseURL: "http://localhost:8080/api", Timeout: time.Second},
		Auth:    config.AuthConfig{TokenTTL: time.Hour},
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand(testConfig(), zerolog.Nop())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand(testConfig(), zerolog.Nop())

	assert.Equal(t, "chatctl", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand(testConfig(), zerolog.Nop())

	for _, name := range []string{"conversations", "open", "token"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
}

func TestGlobalFlagsDefaultToConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Channel.Token = "tok"
	cfg.Channel.ViewerID = "alice"
	cmd := NewRootCommand(cfg, zerolog.Nop())

	flags := map[string]string{
		"api":     "http://localhost:8080/api",
		"channel": "ws://localhost:8080/ws",
		"token":   "tok",
		"viewer":  "alice",
	}
	for name, want := range flags {
		flag := cmd.PersistentFlags().Lookup(name)
		require.NotNil(t, flag, name)
		assert.Equal(t, want, flag.DefValue, name)
	}
}

func TestTokenCommandMintsVerifiableToken(t *testing.T) {
	out, err := execute(t, "token", "alice", "--secret", "s3cret")
	require.NoError(t, err)

	viewer, err := auth.NewVerifier("s3cret").Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", viewer)
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	_, err := execute(t, "token", "alice")

	assert.Error(t, err)
}

func TestConversationsRequiresSession(t *testing.T) {
	_, err := execute(t, "conversations")

	assert.ErrorContains(t, err, "token")
}

func newRelayServer(t *testing.T) (*httptest.Server, *relay.Store) {
	t.Helper()
	store := relay.NewStore(relay.NewDirectory(relay.Seed()))
	hub := relay.NewHub(store, zerolog.Nop())
	srv := httptest.NewServer(handler.NewRouter(store, hub, auth.NewVerifier(""), zerolog.Nop()))
	t.Cleanup(srv.Close)
	return srv, store
}

func TestConversationsCommandListsUnread(t *testing.T) {
	srv, store := newRelayServer(t)
	ctx := context.Background()
	conv, _, err := store.CreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = store.SubmitMessage(ctx, "alice", conv.ID, "still available?", nil)
	require.NoError(t, err)

	out, err := execute(t, "--api", srv.URL+"/api", "--token", "bob", "--viewer", "bob", "conversations")
	require.NoError(t, err)

	assert.Contains(t, out, conv.ID)
	assert.Contains(t, out, "Alice Moreau")
	assert.Contains(t, out, "(1 unread)")
	assert.Contains(t, out, "still available?")
}

func TestConversationsCommandEmpty(t *testing.T) {
	srv, _ := newRelayServer(t)

	out, err := execute(t, "--api", srv.URL+"/api", "--token", "carol", "--viewer", "carol", "conversations")
	require.NoError(t, err)

	assert.Contains(t, out, "no conversations")
}

func TestRunOpenSendsStdinLines(t *testing.T) {
	srv, store := newRelayServer(t)
	ctx := context.Background()
	conv, _, err := store.CreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = store.SubmitMessage(ctx, "bob", conv.ID, "hi there", nil)
	require.NoError(t, err)

	opts := &RootOptions{
		API:     srv.URL + "/api",
		Channel: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Token:   "alice",
		Viewer:  "alice",
		Config:  testConfig(),
		Log:     zerolog.Nop(),
	}
	var out, errOut bytes.Buffer

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = runOpen(runCtx, opts, conv.ID, strings.NewReader("is it still for sale?\n"), &out, &errOut)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "hi there")
	assert.Contains(t, out.String(), "me: is it still for sale?")

	msgs, err := store.ListMessages(ctx, "bob", conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "is it still for sale?", msgs[1].Content)
}

func TestRenderNewSkipsSpeculativeAndPrinted(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	msgs := []chat.Message{
		{ID: "m1", SenderID: "bob", Content: "hello", CreatedAt: at},
		{ID: "temp-1", SenderID: "alice", Content: "pending", CreatedAt: at},
	}
	printed := map[string]bool{}
	var out bytes.Buffer

	renderNew(&out, msgs, printed, "alice")
	renderNew(&out, msgs, printed, "alice")

	assert.Equal(t, 1, strings.Count(out.String(), "hello"))
	assert.NotContains(t, out.String(), "pending")
}

func TestFormatMessageNamesSender(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mine := formatMessage(chat.Message{ReceiverID: "bob", Content: "ok", CreatedAt: at}, "alice")
	assert.Contains(t, mine, "me: ok")

	theirs := formatMessage(chat.Message{
		Sender:     &chat.Participant{ID: "bob", FirstName: "Bob"},
		Content:    "lamp",
		Attachment: &chat.Attachment{ProductID: "p1", Title: "Desk lamp"},
		CreatedAt:  at,
	}, "alice")
	assert.Contains(t, theirs, "Bob: lamp [Desk lamp]")

	unknown := formatMessage(chat.Message{Content: "?", CreatedAt: at}, "alice")
	assert.Contains(t, unknown, "?: ?")
}
