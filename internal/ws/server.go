package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"parley/internal/models"
	"parley/internal/registry"

	"github.com/gorilla/websocket"
)

const maxFrameSize = 64 << 10

type identifier interface {
	Identify(ctx context.Context, token string) (models.Identity, error)
}

type connRegistry interface {
	Admit(id models.Identity, conn registry.Conn) (registry.Handle, error)
	Evict(h registry.Handle) bool
}

type Server struct {
	auth     identifier
	registry connRegistry
	router   dispatcher
	cfg      Config
	upgrader *websocket.Upgrader
	log      *slog.Logger
}

func NewServer(auth identifier, registry connRegistry, router dispatcher, cfg Config, log *slog.Logger) *Server {
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		auth:     auth,
		registry: registry,
		router:   router,
		cfg:      cfg,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
		log: log,
	}
}

// HandleConnections admits an authenticated websocket and serves it until it
// closes. Requests without a resolvable token are refused before upgrading.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	identity, err := s.auth.Identify(r.Context(), tokenFromRequest(r))
	if err != nil {
		s.log.Debug("websocket admission refused", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("error upgrading to websocket", "user_id", identity, "error", err)
		return
	}
	wsConn.SetReadLimit(maxFrameSize)

	conn := NewConnection(s.router, wsConn, identity, s.cfg, s.log)
	handle, err := s.registry.Admit(identity, conn)
	if err != nil {
		s.log.Warn("websocket admission failed", "user_id", identity, "error", err)
		_ = conn.Close()
		return
	}
	defer s.registry.Evict(handle)

	s.log.Info("client connected", "user_id", identity, "conn_id", conn.ID())
	err = conn.Handle(r.Context())
	if err != nil && !isExpectedClose(err) {
		s.log.Warn("client connection failed", "user_id", identity, "conn_id", conn.ID(), "error", err)
	}
	s.log.Info("client disconnected", "user_id", identity, "conn_id", conn.ID())
}

func isExpectedClose(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.CloseNormalClosure || closeErr.Code == websocket.CloseGoingAway
	}
	return false
}

// tokenFromRequest accepts a bearer token, a token header or a token query
// parameter. Browsers cannot set headers on websocket requests.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}
