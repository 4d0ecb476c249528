package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/z-bazaar/backend/internal/auth"
	"github.com/zhouzirui/z-bazaar/backend/internal/handler/chat"
	"github.com/zhouzirui/z-bazaar/backend/internal/handler/realtime"
	"github.com/zhouzirui/z-bazaar/backend/internal/handler/stream"
	"github.com/zhouzirui/z-bazaar/backend/internal/service/relay"
	"github.com/zhouzirui/z-bazaar/backend/pkg/utils"
)

// NewRouter wires HTTP routes to the relay services.
func NewRouter(store *relay.Store, hub *relay.Hub, verifier *auth.Verifier, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	chatHandler := chat.New(store, hub, log)
	realtimeHandler := realtime.New(hub, verifier, log)
	streamHandler := stream.New(hub, log)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"online": hub.Online(),
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	realtimeHandler.RegisterRoutes(r)

	r.Route("/api", func(api chi.Router) {
		api.Use(requireViewer(verifier, log))
		chatHandler.RegisterRoutes(api)
		streamHandler.RegisterRoutes(api)
	})

	return r
}

// requireViewer rejects requests without a valid bearer token and stores the
// viewer id in the request context.
func requireViewer(verifier *auth.Verifier, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			viewer, err := verifier.VerifyRequest(r)
			if err != nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("unauthenticated request")
				utils.RespondError(w, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithViewer(r.Context(), viewer)))
		})
	}
}
