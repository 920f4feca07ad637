package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-dmrelay/internal/config"
	"github.com/npezzotti/go-dmrelay/internal/database"
	"github.com/npezzotti/go-dmrelay/internal/server"
	"go.uber.org/zap"
)

type DMRelayApp struct {
	log            *zap.SugaredLogger
	db             database.DMRepository
	srv            *http.Server
	cs             *server.ChatServer
	signingKey     []byte
	allowedOrigins []string
}

func NewDMRelayApp(mux *http.ServeMux, logger *zap.SugaredLogger, cs *server.ChatServer, db database.DMRepository, cfg *config.Config) *DMRelayApp {
	s := &DMRelayApp{
		log:            logger,
		db:             db,
		cs:             cs,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("POST /api/auth/signup", s.signup)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("POST /api/auth/logout", s.logout)
	mux.HandleFunc("GET /api/account", s.authMiddleware(s.account))
	mux.HandleFunc("GET /api/conversations/{nickname}", s.authMiddleware(s.conversation))
	mux.HandleFunc("GET /api/chat", s.authMiddleware(s.serveChat))
	mux.HandleFunc("GET /api/notifications", s.authMiddleware(s.notifications))
	mux.HandleFunc("GET /healthz", s.healthCheck)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the root handler with middleware applied.
func (s *DMRelayApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *DMRelayApp) Start() error {
	s.log.Infow("starting server", "addr", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *DMRelayApp) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
