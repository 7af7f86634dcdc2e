package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxseedlab/kikitori/internal/config"
	"github.com/foxseedlab/kikitori/internal/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	maxMessageBytes   = 1 << 20
	readHeaderTimeout = 5 * time.Second
)

type Server struct {
	cfg      *config.Config
	service  *session.Service
	upgrader websocket.Upgrader
	http     *http.Server
	draining atomic.Bool

	mu    sync.Mutex
	conns map[*connection]struct{}
}

func NewServer(cfg *config.Config, svc *session.Service) *Server {
	s := &Server{
		cfg:     cfg,
		service: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		conns: make(map[*connection]struct{}),
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	s.http = &http.Server{
		Addr:              cfg.HTTPAddr,
		ReadHeaderTimeout: readHeaderTimeout,
		Handler:           s.Handler(),
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.WebsocketPath, s)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *Server) ListenAndServe() error {
	slog.Info("realtime server listening", "addr", s.cfg.HTTPAddr, "websocket_path", s.cfg.WebsocketPath)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and closes the open ones; each closed
// connection disconnects its session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	err := s.http.Shutdown(ctx)

	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
	slog.Info("realtime server stopped", "closed_connections", len(conns))
	return err
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	ws.SetReadLimit(maxMessageBytes)

	sessionID := uuid.NewString()
	logger := slog.With("session_id", sessionID)
	c := newConnection(ws, logger)
	s.track(c)
	defer s.untrack(c)
	defer c.close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ep := s.service.Attach(sessionID, c)
	defer ep.HandleDisconnect()
	if err := c.sendSessionReady(sessionID); err != nil {
		return
	}

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("websocket closed unexpectedly", "error", err)
			}
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			ep.HandleAudio(data)
		case websocket.TextMessage:
			s.handleControl(ctx, ep, logger, data)
		}
	}
}

func (s *Server) handleControl(ctx context.Context, ep *session.Endpoint, logger *slog.Logger, data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Warn("ignoring malformed control message", "error", err)
		return
	}
	switch msg.Event {
	case eventStartTranscription:
		ep.HandleStart(ctx, session.StartRequest{ConversationID: msg.ConversationID})
	case eventEndTranscription:
		ep.HandleEnd()
	case eventRestartTranscription:
		ep.HandleRestart()
	default:
		logger.Warn("ignoring unknown control event", "event", msg.Event)
	}
}

func (s *Server) track(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) untrack(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimRight(strings.TrimSpace(r.Header.Get("Origin")), "/")
	if origin == "" {
		return true
	}
	originHost := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	for _, allowed := range s.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}
