package robotsim

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chaz8081/trashbot-remote/internal/command"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // any origin
	},
}

// Server exposes a Robot over WebSocket the way the onboard controller does.
type Server struct {
	robot *Robot
	codec command.JSONCodec

	mu       sync.Mutex
	sessions map[string]*websocket.Conn
}

// NewServer wraps robot. A nil robot gets New().
func NewServer(robot *Robot) *Server {
	if robot == nil {
		robot = New()
	}
	return &Server{
		robot:    robot,
		sessions: make(map[string]*websocket.Conn),
	}
}

// Robot returns the simulated robot.
func (s *Server) Robot() *Robot { return s.robot }

// Routes returns the HTTP routes: the control socket at "/", plus
// "/healthz" and "/state".
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.handleWebSocket)
	r.Get("/healthz", s.handleHealth)
	r.Get("/state", s.handleState)
	return r
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("[SIM-SERVER] listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("[SIM-SERVER] shutting down", "addr", addr)
	s.DropSessions()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Sessions returns the number of connected remotes.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// DropSessions closes every control socket without a close frame, as a
// robot losing power would.
func (s *Server) DropSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, conn := range s.sessions {
		_ = conn.Close()
		delete(s.sessions, id)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("[SIM-SERVER] upgrade failed", "error", err)
		return
	}
	id := "remote-" + uuid.NewString()[:8]

	s.mu.Lock()
	s.sessions[id] = conn
	s.mu.Unlock()
	slog.Info("[SIM-SERVER] remote connected", "id", id, "addr", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		_ = conn.Close()
		slog.Info("[SIM-SERVER] remote disconnected", "id", id)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("[SIM-SERVER] connection error", "id", id, "error", err)
			}
			return
		}

		reply, err := s.handleFrame(data).JSON()
		if err != nil {
			slog.Error("[SIM-SERVER] reply not encoded", "id", id, "error", err)
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
			slog.Warn("[SIM-SERVER] reply failed", "id", id, "error", err)
			return
		}
	}
}

// handleFrame accepts {"direction","speed"} JSON frames and, for
// convenience, bare command tags.
func (s *Server) handleFrame(data []byte) Telemetry {
	cmd, speed, err := s.codec.DecodeFrame(data)
	if err != nil {
		tagged, perr := command.Parse(string(data))
		if perr != nil {
			slog.Debug("[SIM-SERVER] rejected frame", "data", string(data), "error", err)
			t := s.robot.Snapshot()
			t.Status = "rejected: " + err.Error()
			return t
		}
		cmd, speed = tagged, -1
	}
	slog.Debug("[SIM-SERVER] command", "command", cmd.Tag(), "speed", speed)
	return s.robot.Apply(cmd, speed)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.robot.Snapshot()); err != nil {
		slog.Warn("[SIM-SERVER] encode state", "error", err)
	}
}
