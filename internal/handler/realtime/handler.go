package realtime

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-bazaar/backend/internal/auth"
	"github.com/zhouzirui/z-bazaar/backend/pkg/utils"
)

// Server 接管已升级的推送通道连接
type Server interface {
	Serve(ctx context.Context, conn *websocket.Conn, viewerID string)
}

// Handler 推送通道WebSocket处理器
type Handler struct {
	hub      Server
	verifier *auth.Verifier
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// New 创建WebSocket处理器
func New(hub Server, verifier *auth.Verifier, log zerolog.Logger) *Handler {
	return &Handler{
		hub:      hub,
		verifier: verifier,
		log:      log.With().Str("component", "realtime-handler").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

// handleWebSocket 鉴权后升级连接，握手阶段拒绝无效凭证
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	viewer, err := h.verifier.VerifyRequest(r)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket handshake rejected")
		utils.RespondError(w, http.StatusUnauthorized, err.Error())
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	defer conn.Close()

	h.hub.Serve(r.Context(), conn, viewer)
}
