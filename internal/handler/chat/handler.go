package chat

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-bazaar/backend/internal/auth"
	"github.com/zhouzirui/z-bazaar/backend/internal/metrics"
	"github.com/zhouzirui/z-bazaar/backend/internal/model/chat"
	"github.com/zhouzirui/z-bazaar/backend/internal/service/relay"
	"github.com/zhouzirui/z-bazaar/backend/pkg/utils"
)

// Broadcaster 将新消息推送给在线客户端
type Broadcaster interface {
	Broadcast(msg chat.Message, participants []string)
}

// Handler 私信服务的HTTP处理器
type Handler struct {
	store *relay.Store
	hub   Broadcaster
	log   zerolog.Logger
}

// New 创建私信处理器
func New(store *relay.Store, hub Broadcaster, log zerolog.Logger) *Handler {
	return &Handler{
		store: store,
		hub:   hub,
		log:   log.With().Str("component", "chat-handler").Logger(),
	}
}

// RegisterRoutes 注册私信相关的路由，调用方负责鉴权
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/participants", h.handleListParticipants)
	r.Get("/conversations", h.handleListConversations)
	r.Post("/conversations", h.handleCreateConversation)
	r.Get("/conversations/{conversationID}/messages", h.handleListMessages)
	r.Post("/messages", h.handleSubmitMessage)
}

// handleListParticipants 列出可发起会话的用户
func (h *Handler) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.store.Directory().List())
}

// handleListConversations 列出当前用户的会话，按最近活动排序
func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	viewer, _ := auth.ViewerFrom(r.Context())
	utils.RespondJSON(w, http.StatusOK, h.store.ListConversations(r.Context(), viewer))
}

// handleCreateConversation 创建会话，已存在时返回原会话
func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ParticipantID string `json:"participantId"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	viewer, _ := auth.ViewerFrom(r.Context())
	conv, created, err := h.store.CreateConversation(r.Context(), viewer, payload.ParticipantID)
	if err != nil {
		utils.RespondError(w, statusFor(err), err.Error())
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	utils.RespondJSON(w, status, conv)
}

// handleListMessages 返回会话消息，按时间升序
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	viewer, _ := auth.ViewerFrom(r.Context())
	messages, err := h.store.ListMessages(r.Context(), viewer, chi.URLParam(r, "conversationID"))
	if err != nil {
		utils.RespondError(w, statusFor(err), err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusOK, messages)
}

// handleSubmitMessage 保存消息并推送给会话成员
func (h *Handler) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ConversationID string           `json:"conversationId"`
		Content        string           `json:"content"`
		Attachment     *chat.Attachment `json:"product"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	viewer, _ := auth.ViewerFrom(r.Context())
	message, err := h.store.SubmitMessage(r.Context(), viewer, payload.ConversationID, payload.Content, payload.Attachment)
	if err != nil {
		utils.RespondError(w, statusFor(err), err.Error())
		return
	}
	metrics.RelayMessages.Inc()

	utils.RespondJSON(w, http.StatusCreated, message)
	if h.hub != nil {
		h.hub.Broadcast(message, h.store.Participants(message.ConversationID))
	}
	h.log.Debug().Str("conversation", message.ConversationID).Str("message", message.ID).Msg("message stored")
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, relay.ErrConversationNotFound):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, relay.ErrParticipantRequired),
		errors.Is(err, relay.ErrSelfConversation),
		errors.Is(err, relay.ErrEmptyMessage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
