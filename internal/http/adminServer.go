package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"parley/internal/api"
)

type AdminServer struct {
	server *http.Server
	wg     sync.WaitGroup
	log    *slog.Logger
}

func NewAdminServer(adminHandler *api.AdminHandler, addr string, log *slog.Logger) *AdminServer {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/tokens", adminHandler.IssueTokenHandler)
	mux.HandleFunc("POST /admin/groups", adminHandler.CreateGroupHandler)
	mux.HandleFunc("POST /admin/groups/{id}/members", adminHandler.AddMemberHandler)
	mux.HandleFunc("DELETE /admin/groups/{id}/members/{identity}", adminHandler.RemoveMemberHandler)
	mux.HandleFunc("DELETE /admin/sessions/{identity}", adminHandler.EvictSessionsHandler)

	if addr == "" {
		addr = "localhost:8081"
	}
	if log == nil {
		log = slog.Default()
	}

	return &AdminServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		log: log,
	}
}

func (s *AdminServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *AdminServer) Start() error {
	s.log.Info("admin API started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
