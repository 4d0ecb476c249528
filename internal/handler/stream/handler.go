package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-bazaar/backend/internal/auth"
	"github.com/zhouzirui/z-bazaar/backend/internal/model/channel"
	"github.com/zhouzirui/z-bazaar/backend/internal/model/chat"
	"github.com/zhouzirui/z-bazaar/backend/pkg/utils"
)

// defaultHeartbeat SSE 保活间隔
const defaultHeartbeat = 25 * time.Second

// Feed 为只读客户端提供消息订阅
type Feed interface {
	Subscribe(viewerID string) (<-chan chat.Message, func())
}

// Handler 通过 Server-Sent Events 推送当前用户收到的新消息，
// 供无法建立 WebSocket 的客户端使用
type Handler struct {
	feed      Feed
	heartbeat time.Duration
	log       zerolog.Logger
}

// New 创建消息流处理器
func New(feed Feed, log zerolog.Logger) *Handler {
	return &Handler{
		feed:      feed,
		heartbeat: defaultHeartbeat,
		log:       log.With().Str("component", "stream-handler").Logger(),
	}
}

// RegisterRoutes 注册消息流路由，调用方负责鉴权
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/events", h.handleEvents)
}

// handleEvents 持续推送 message_event 事件直到客户端断开
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	viewer, _ := auth.ViewerFrom(r.Context())

	messages, cancel := h.feed.Subscribe(viewer)
	defer cancel()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := utils.SendSSEEvent(w, flusher, "ready", "", map[string]string{"viewerId": viewer}); err != nil {
		return
	}
	h.log.Debug().Str("viewer", viewer).Msg("event stream opened")

	if err := h.stream(r.Context(), w, flusher, messages); err != nil {
		h.log.Debug().Err(err).Str("viewer", viewer).Msg("event stream closed")
	}
}

func (h *Handler) stream(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, messages <-chan chat.Message) error {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "ping"); err != nil {
				return err
			}
		case msg := <-messages:
			if err := utils.SendSSEEvent(w, flusher, channel.TypeMessageEvent, msg.ID, channel.MessageEvent{Message: msg}); err != nil {
				return err
			}
		}
	}
}
