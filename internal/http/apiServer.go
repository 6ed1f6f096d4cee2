package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"parley/internal/api"
	"parley/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
	log    *slog.Logger
}

func NewAPIServer(apiHandlers *api.API, wsServer *ws.Server, addr string, log *slog.Logger) *APIServer {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /up", apiHandlers.UpHandler)

	// API endpoints
	mux.HandleFunc("GET /api/history", apiHandlers.RequireAuth(apiHandlers.HistoryHandler))
	mux.HandleFunc("POST /api/push/subscriptions", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.SubscribeHandler)))
	mux.HandleFunc("DELETE /api/push/subscriptions", api.RequireSameOrigin(apiHandlers.RequireAuth(apiHandlers.UnsubscribeHandler)))
	mux.HandleFunc("POST /api/logoff", api.RequireSameOrigin(apiHandlers.LogoffHandler))

	// WebSocket endpoint
	mux.HandleFunc("/ws", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}
	if log == nil {
		log = slog.Default()
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		log: log,
	}
}

func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *APIServer) Start() error {
	s.log.Info("server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
