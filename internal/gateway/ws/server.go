// Package ws streams live guest output over WebSocket. A client connects to
// /v1/executions/{id}/logs and receives one JSON text message per line until
// the execution ends.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/coderunner/internal/logstream"
)

// Subprotocol is offered to clients that request one.
const Subprotocol = "coderunner-logs-v1"

const (
	pathPrefix        = "/v1/executions/"
	pathSuffix        = "/logs"
	heartbeatInterval = 30 * time.Second
	writeTimeout      = 10 * time.Second
)

// Subscriber is the part of logstream.Hub the server needs.
type Subscriber interface {
	Subscribe(executionID string) (<-chan logstream.Line, func())
}

// Server upgrades log requests and forwards hub lines to the client.
type Server struct {
	hub     Subscriber
	apiKeys []string
	logger  *slog.Logger
}

// NewServer creates a log stream server. With no API keys every client is
// accepted.
func NewServer(hub Subscriber, apiKeys []string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{hub: hub, apiKeys: apiKeys, logger: logger}
}

// Pattern is the route the handler expects to be mounted on.
func (s *Server) Pattern() string {
	return pathPrefix + "{id}" + pathSuffix
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on WebSocket requests, so the key may also
	// come as ?token=.
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if !s.authorized(token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	executionID, ok := ExecutionIDFromPath(r.URL.Path)
	if !ok {
		http.Error(w, "invalid execution id", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleConnection(r.Context(), conn, executionID)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, executionID string) {
	lines, cancel := s.hub.Subscribe(executionID)
	defer cancel()

	// The client never sends; CloseRead cancels ctx when it goes away.
	ctx = conn.CloseRead(ctx)

	s.logger.Debug("log stream opened", slog.String("execution_id", executionID))

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.CloseNow()
			return
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				s.logger.Debug("heartbeat ping failed",
					slog.String("execution_id", executionID),
					slog.String("error", err.Error()),
				)
				conn.CloseNow()
				return
			}
		case line, ok := <-lines:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "execution finished")
				return
			}
			if err := s.writeLine(ctx, conn, line); err != nil {
				s.logger.Debug("log stream write failed",
					slog.String("execution_id", executionID),
					slog.String("error", err.Error()),
				)
				conn.CloseNow()
				return
			}
		}
	}
}

func (s *Server) writeLine(ctx context.Context, conn *websocket.Conn, line logstream.Line) error {
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) authorized(token string) bool {
	if len(s.apiKeys) == 0 {
		return true
	}
	ok := false
	for _, key := range s.apiKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			ok = true
		}
	}
	return ok
}

// ExecutionIDFromPath extracts {id} from /v1/executions/{id}/logs.
func ExecutionIDFromPath(path string) (string, bool) {
	if len(path) <= len(pathPrefix)+len(pathSuffix) ||
		!strings.HasPrefix(path, pathPrefix) || !strings.HasSuffix(path, pathSuffix) {
		return "", false
	}
	id := path[len(pathPrefix) : len(path)-len(pathSuffix)]
	if strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
