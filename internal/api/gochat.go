package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/chatrooms/internal/config"
	"github.com/npezzotti/chatrooms/internal/database"
	"github.com/npezzotti/chatrooms/internal/server"
	"github.com/npezzotti/chatrooms/internal/types"
)

// TokenService issues session tokens at login and verifies them on every
// authenticated request.
type TokenService interface {
	Issue(identity types.Identity) (string, time.Time, error)
	Verify(token string) (types.Identity, error)
}

type GoChatApp struct {
	log            *slog.Logger
	db             database.GoChatRepository
	srv            *http.Server
	cs             *server.ChatServer
	tokens         TokenService
	refresh        TokenService
	allowedOrigins []string
}

func NewGoChatApp(mux *http.ServeMux, logger *slog.Logger, cs *server.ChatServer, db database.GoChatRepository, tokens, refresh TokenService, cfg *config.Config) *GoChatApp {
	s := &GoChatApp{
		log:            logger,
		db:             db,
		cs:             cs,
		tokens:         tokens,
		refresh:        refresh,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("POST /api/auth/signup", s.signup)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("POST /api/auth/logout", s.logout)
	mux.HandleFunc("GET /api/auth/refresh_token", s.refreshToken)
	mux.HandleFunc("DELETE /api/auth/refresh_token", s.deleteRefreshToken)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.HandleFunc("GET /api/rooms", s.authMiddleware(s.listRooms))
	mux.HandleFunc("POST /api/rooms", s.authMiddleware(s.createRoom))
	mux.HandleFunc("GET /api/rooms/{id}", s.authMiddleware(s.getRoom))
	mux.HandleFunc("DELETE /api/rooms/{id}", s.authMiddleware(s.deleteRoom))
	mux.HandleFunc("POST /api/rooms/{id}/join", s.authMiddleware(s.joinRoom))
	mux.HandleFunc("POST /api/rooms/{id}/leave", s.authMiddleware(s.leaveRoom))
	mux.HandleFunc("GET /api/rooms/{id}/messages", s.authMiddleware(s.getMessages))
	mux.HandleFunc("GET /ws", s.serveWs)
	mux.HandleFunc("GET /healthz", s.healthCheck)

	var h http.Handler = s.errorHandler(mux)
	h = handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(h)
	h = handlers.CustomLoggingHandler(io.Discard, h, s.logRequest)
	h = requestId(h)

	s.srv = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *GoChatApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *GoChatApp) Start() error {
	s.log.Info("starting server", "addr", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *GoChatApp) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
