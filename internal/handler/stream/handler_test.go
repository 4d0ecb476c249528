package stream

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-bazaar/backend/internal/auth"
	"github.com/zhouzirui/z-bazaar/backend/internal/model/chat"
)

type fakeFeed struct {
	viewer    chan string
	messages  chan chat.Message
	cancelled chan struct{}
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		viewer:    make(chan string, 1),
		messages:  make(chan chat.Message, 4),
		cancelled: make(chan struct{}),
	}
}

func (f *fakeFeed) Subscribe(viewerID string) (<-chan chat.Message, func()) {
	f.viewer <- viewerID
	return f.messages, func() { close(f.cancelled) }
}

func newStreamServer(t *testing.T, feed Feed, heartbeat time.Duration) *httptest.Server {
	t.Helper()
	h := New(feed, zerolog.Nop())
	h.heartbeat = heartbeat

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(auth.WithViewer(r.Context(), "bob")))
		})
	})
	h.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func openStream(t *testing.T, ctx context.Context, url string) (*http.Response, *bufio.Reader) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp, bufio.NewReader(resp.Body)
}

// readEvent reads lines up to the next blank line.
func readEvent(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if line == "\n" {
			return b.String()
		}
		b.WriteString(line)
	}
}

func TestEventsStreamsMessages(t *testing.T) {
	feed := newFakeFeed()
	srv := newStreamServer(t, feed, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp, body := openStream(t, ctx, srv.URL)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "bob", <-feed.viewer)

	ready := readEvent(t, body)
	assert.Contains(t, ready, "event: ready")
	assert.Contains(t, ready, `"viewerId":"bob"`)

	feed.messages <- chat.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "still there?"}
	event := readEvent(t, body)
	assert.Contains(t, event, "id: m1\n")
	assert.Contains(t, event, "event: message_event\n")
	assert.Contains(t, event, `"content":"still there?"`)
}

func TestEventsHeartbeat(t *testing.T) {
	feed := newFakeFeed()
	srv := newStreamServer(t, feed, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, body := openStream(t, ctx, srv.URL)
	readEvent(t, body)

	assert.Equal(t, ": ping\n", readEvent(t, body))
}

func TestEventsUnsubscribesOnDisconnect(t *testing.T) {
	feed := newFakeFeed()
	srv := newStreamServer(t, feed, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	_, body := openStream(t, ctx, srv.URL)
	readEvent(t, body)
	cancel()

	select {
	case <-feed.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription was not cancelled")
	}
}
