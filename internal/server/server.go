package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/valyala/fastjson"
	"go.uber.org/zap"

	"roomchat/internal/session"
	"roomchat/internal/storage"
)

// Server defines fields used in HTTP processing
type Server struct {
	logger        *zap.SugaredLogger
	httpServer    *http.Server
	afterShutdown []func()
}

// NewServer returns new Server exposing sessions of registry and rooms of store over HTTP
func NewServer(logger *zap.SugaredLogger, registry *session.Registry, store *storage.Store, opts ...Option) (*Server, error) {
	h := &handler{
		logger:   logger,
		registry: registry,
		store:    store,
		parsers: parsers{
			joinPool:    fastjson.ParserPool{},
			sessionPool: fastjson.ParserPool{},
			sendPool:    fastjson.ParserPool{},
			typingPool:  fastjson.ParserPool{},
			roomPool:    fastjson.ParserPool{},
			searchPool:  fastjson.ParserPool{},
		},
	}

	c := &config{
		httpServer: &http.Server{Addr: ":9000"},
		handlers: map[string]http.Handler{
			"/sessions/join":   http.HandlerFunc(h.join),
			"/sessions/leave":  http.HandlerFunc(h.leave),
			"/messages/send":   http.HandlerFunc(h.sendMessage),
			"/typing":          http.HandlerFunc(h.typing),
			"/presence/get":    http.HandlerFunc(h.presence),
			"/messages/get":    http.HandlerFunc(h.messages),
			"/messages/search": http.HandlerFunc(h.search),
			"/messages/stats":  http.HandlerFunc(h.stats),
			"/messages/clear":  http.HandlerFunc(h.clear),
			"/rooms/get":       http.HandlerFunc(h.room),
		},
	}

	all := []Option{applyEnforcePOSTJSON()}
	all = append(all, opts...)
	all = append(all,
		withHandler("/events", newStream(logger, registry)),
		applyLog(logger.Desugar()),
		registerHandlers(),
	)

	for _, opt := range all {
		opt.apply(c)
	}

	return &Server{
		logger:        logger,
		httpServer:    c.httpServer,
		afterShutdown: c.afterShutdown,
	}, nil
}

// Handler returns the root http.Handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start calls ListenAndServe on http.Server instance inside Server struct
// and implements graceful shutdown via goroutine waiting for signals
func (s *Server) Start() error {
	idleConnsClosed := make(chan struct{})

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		s.logger.Info("Shutting down HTTP server")

		if err := s.httpServer.Shutdown(context.Background()); err != nil {
			s.logger.Errorf("srv.Shutdown: %v", err)
		}
		s.logger.Info("HTTP server is stopped")

		close(idleConnsClosed)
	}()

	s.logger.Infof("Starting HTTP server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("s.httpServer.ListenAndServe: %w", err)
	}

	<-idleConnsClosed

	for _, f := range s.afterShutdown {
		f()
	}

	return nil
}
