package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/b2bmarket/tradechat/internal/config"
	"github.com/b2bmarket/tradechat/internal/database"
	"github.com/b2bmarket/tradechat/internal/server"
	"github.com/gorilla/handlers"
)

type TradeChatApp struct {
	log            *log.Logger
	db             database.ChatRepository
	srv            *http.Server
	cs             *server.ChatServer
	signingKey     []byte
	allowedOrigins []string
}

func NewTradeChatApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, db database.ChatRepository, cfg *config.Config) *TradeChatApp {
	s := &TradeChatApp{
		log:            logger,
		db:             db,
		cs:             cs,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.Handle("POST /api/chat/create-room", s.authMiddleware(s.createRoom))
	mux.Handle("POST /api/chat/message", s.authMiddleware(s.postMessage))
	mux.Handle("GET /api/chat/{chatId}/messages", s.authMiddleware(s.getMessages))
	mux.Handle("GET /api/chat/retailers", s.authMiddleware(s.getRetailers))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.srv = srv
	return s
}

func (s *TradeChatApp) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *TradeChatApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
