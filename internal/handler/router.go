package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/zhouzirui/z-travel/backend/internal/engine"
	"github.com/zhouzirui/z-travel/backend/internal/handler/chat"
	"github.com/zhouzirui/z-travel/backend/internal/handler/speech"
	"github.com/zhouzirui/z-travel/backend/pkg/utils"
)

// Options 控制路由的跨域设置
type Options struct {
	AllowedOrigins []string
}

// NewRouter wires HTTP routes to the session manager.
func NewRouter(manager *engine.Manager, opts Options) http.Handler {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	chatHandler := chat.New(manager)
	wsHandler := speech.NewWebSocketHandler(manager)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"sessions": manager.Len(),
		})
	})

	r.Route("/api", func(api chi.Router) {
		chatHandler.RegisterRoutes(api)
		wsHandler.RegisterWebSocketRoutes(api)
	})

	return r
}
