package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tokymon/sessiond/internal/module"
	"github.com/tokymon/sessiond/internal/monitor"
	"github.com/tokymon/sessiond/internal/session"
)

const (
	DefaultPort             = 8080
	DefaultThrottle         = 100 * time.Millisecond
	DefaultSnapshotInterval = 5 * time.Second
	DefaultMaxConnections   = 32

	maxRequestBody = 64 << 10
	tokenHeader    = "X-Tokymon-Token"
)

type Config struct {
	Host             string        `koanf:"host"`
	Port             int           `koanf:"port"`
	AuthToken        string        `koanf:"auth_token"`
	AllowedOrigins   []string      `koanf:"allowed_origins"`
	MaxConnections   int           `koanf:"max_connections"`
	Throttle         time.Duration `koanf:"broadcast_throttle"`
	SnapshotInterval time.Duration `koanf:"snapshot_interval"`
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Controller is the part of the orchestrator the API drives.
type Controller interface {
	StartSession(names []string) (string, error)
	Stop()
	EmergencyStop()
	SessionResults() session.Snapshot
	Modules() []string
}

// HostReporter is satisfied by *monitor.Monitor.
type HostReporter interface {
	Report() monitor.Report
}

type Server struct {
	ctrl        Controller
	store       *session.Store
	broadcaster *Broadcaster
	face        *module.FaceState
	host        HostReporter
	frontend    http.Handler
	logger      *zap.Logger

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
}

// NewServer builds the HTTP surface. face, host and frontend may be nil; the
// matching routes then answer 503 or are not registered.
func NewServer(cfg Config, ctrl Controller, store *session.Store, broadcaster *Broadcaster, face *module.FaceState, host HostReporter, frontend http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		ctrl:           ctrl,
		store:          store,
		broadcaster:    broadcaster,
		face:           face,
		host:           host,
		frontend:       frontend,
		logger:         logger.Named("http"),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      cfg.AuthToken,
	}

	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/session", s.authorized(s.handleSession))
	mux.HandleFunc("/api/session/start", s.authorized(s.handleStart))
	mux.HandleFunc("/api/session/stop", s.authorized(s.handleStop))
	mux.HandleFunc("/api/session/emergency-stop", s.authorized(s.handleEmergencyStop))
	mux.HandleFunc("/api/sessions", s.authorized(s.handleSessions))
	mux.HandleFunc("/api/sessions/", s.authorized(s.handleSessionByID))
	mux.HandleFunc("/api/modules", s.authorized(s.handleModules))
	mux.HandleFunc("/api/face", s.handleFace)
	mux.HandleFunc("/api/host", s.authorized(s.handleHost))
	mux.Handle("/metrics", promhttp.Handler())

	if s.frontend != nil {
		s.logger.Info("serving embedded face page")
		mux.Handle("/", securityHeaders(s.frontend))
	}
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return mux
}

func (s *Server) authorized(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.broadcaster == nil {
		http.Error(w, "websocket not available", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		s.logger.Warn("ws client rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}
	s.logger.Info("ws client connected", zap.String("remote", r.RemoteAddr))

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			s.logger.Info("ws client disconnected", zap.String("remote", r.RemoteAddr))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.SessionResults())
}

type startRequest struct {
	Modules []string `json:"modules"`
}

type startResponse struct {
	SessionID string   `json:"sessionId"`
	Modules   []string `json:"modules"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}

	var req startRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
			return
		}
	}

	id, err := s.ctrl.StartSession(req.Modules)
	switch {
	case errors.Is(err, session.ErrAlreadyInSession):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, session.ErrInvalidModule):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.logger.Error("start session failed", zap.Error(err))
		http.Error(w, "start failed", http.StatusInternalServerError)
		return
	}

	s.logger.Info("session started via api", zap.String("session_id", id), zap.String("remote", r.RemoteAddr))
	snap := s.ctrl.SessionResults()
	writeJSON(w, http.StatusAccepted, startResponse{SessionID: id, Modules: snap.SelectedModules})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	s.logger.Info("stop requested via api", zap.String("remote", r.RemoteAddr))
	s.ctrl.Stop()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	s.logger.Warn("emergency stop requested via api", zap.String("remote", r.RemoteAddr))
	s.ctrl.EmergencyStop()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.store.GetAll())
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	id, err := url.PathUnescape(strings.TrimPrefix(r.URL.Path, "/api/sessions/"))
	if err != nil || id == "" || strings.Contains(id, "/") {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	snap, ok := s.store.Get(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Modules())
}

// handleFace is open so the display can poll it without a token.
func (s *Server) handleFace(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.face == nil {
		http.Error(w, "face not available", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, s.face.Get())
}

func (s *Server) handleHost(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.host == nil {
		http.Error(w, "host monitor not available", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.host.Report())
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get(tokenHeader) == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}

	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
