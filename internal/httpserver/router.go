package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "portalchat/docs"
	"portalchat/internal/config"
	"portalchat/internal/logger"
	"portalchat/internal/service"
)

const defaultCommandTimeout = 10 * time.Second

// Deps are the services the HTTP surface is built on.
type Deps struct {
	Config        *config.Config
	Log           logger.Logger
	Auth          *service.AuthService
	Users         *service.UserService
	Conversations *service.ConversationService
	Messages      *service.MessageService
	Typing        *service.TypingService
	// Gateway serves the websocket endpoint.
	Gateway http.Handler
	// Health reports whether the backing store is reachable.
	Health func(ctx context.Context) error
}

// NewRouter constructs the main HTTP router and wires routes and middleware.
func NewRouter(d Deps) http.Handler {
	cfg, log := d.Config, d.Log
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": cfg.AppName + " API", "version": "1.0.0", "docs": "/docs/index.html"})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if d.Health != nil {
			if err := d.Health(r.Context()); err != nil {
				log.Warn("health check failed", "error", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	r.Get("/docs/*", httpSwagger.Handler(
		httpSwagger.URL("/docs/doc.json"),
	))

	auth := AuthMiddleware(d.Auth, log)

	timeout := cfg.Chat.CommandTimeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))

		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", handleRegister(d.Auth, log))
			r.Post("/login", handleLogin(d.Auth, log))
			r.Post("/refresh", handleRefresh(d.Auth, log))
			r.With(auth).Get("/me", handleMe(d.Users, log))
			r.With(auth).Post("/logout", handleLogout(d.Users, log))
		})

		r.Group(func(r chi.Router) {
			r.Use(auth)

			r.Get("/users/online", handleListOnlineUsers(d.Users, log))
			r.Get("/users/{userID}", handleGetUser(d.Users, log))
			r.Post("/presence/heartbeat", handleHeartbeat(d.Users, log))

			r.Route("/conversations", func(r chi.Router) {
				r.Post("/", handleCreateConversation(d.Conversations, log))
				r.Get("/", handleListConversations(d.Conversations, log))
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", handleGetConversation(d.Conversations, log))
					r.Put("/flags/{flag}", handleSetFlag(d.Conversations, log))
					r.Patch("/settings", handlePatchSettings(d.Conversations, log))
					r.Post("/participants", handleAddParticipants(d.Conversations, log))
					r.Delete("/participants/{userID}", handleRemoveParticipant(d.Conversations, log))
					r.Get("/messages", handleListMessages(d.Messages, cfg.Chat.GroupingGap, log))
					r.Post("/messages", handleSendMessage(d.Messages, log))
					r.Post("/read", handleMarkRead(d.Messages, log))
					r.Get("/typing", handleListTyping(d.Typing, log))
					r.Post("/typing", handleTyping(d.Typing, log, true))
					r.Delete("/typing", handleTyping(d.Typing, log, false))
				})
			})

			r.Route("/messages/{id}", func(r chi.Router) {
				r.Patch("/", handleEditMessage(d.Messages, log))
				r.Delete("/", handleDeleteMessage(d.Messages, log))
				r.Put("/reactions/{emoji}", handleReaction(d.Messages, log, true))
				r.Delete("/reactions/{emoji}", handleReaction(d.Messages, log, false))
			})
		})

		r.Mount("/uploads", UploadRoutes(cfg.UploadDir, cfg.Chat.MaxUploadBytes, auth, log))
	})

	if d.Gateway != nil {
		r.Get("/ws", d.Gateway.ServeHTTP)
	}

	return r
}
