/*
Package handler provides the HTTP handlers and routing setup of the operator admin surface.

This file defines the main Router, applying the middleware stack (request id, real ip,
logging, panic recovery and CORS) before delegating to the statistics, user and
websocket handlers. The chat protocol itself never goes through HTTP.
*/
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"chatty/internal/pkg/logx"
	"chatty/internal/pkg/resp"
)

// Router sets up the admin routing table (chi.Router).
// It configures CORS and the websocket origin check from the AppConfig.
func Router(deps *AppDeps) http.Handler {
	r := chi.NewRouter()

	allowedOrigins := make(map[string]struct{})
	for _, origin := range deps.Config.AllowedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	var wsUpgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if deps.Config.IsDevelopment() {
				return true
			}

			// non-browser tools send no Origin
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if _, ok := allowedOrigins[origin]; ok {
				return true
			}

			logx.Warn("WebSocket connection rejected: Origin not allowed.", "origin", origin)
			return false
		},
	}

	corsAllowedOrigins := []string{}
	if deps.Config.IsDevelopment() {
		corsAllowedOrigins = []string{"*"}
	} else if len(deps.Config.AllowedOrigins) > 0 {
		corsAllowedOrigins = deps.Config.AllowedOrigins
	}

	c := cors.New(cors.Options{
		AllowedOrigins: corsAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	})
	r.Use(c.Handler)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logx.RequestLogger())
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		data := map[string]string{
			"status":  "ok",
			"service": "chatty",
		}
		resp.RespondSuccess(w, r, data)
	})

	r.Route("/stats", func(stats chi.Router) {
		stats.Get("/", HandleStats(deps))
		stats.Post("/dump", HandleDumpStats(deps))
	})

	r.Get("/users/online", HandleOnlineUsers(deps))

	r.Get("/ws/stats", HandleStatsStream(wsUpgrader, deps))

	return r
}
