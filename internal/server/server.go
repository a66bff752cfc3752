// Package server exposes the bridge over HTTP: the action endpoints the
// automation hub calls, a read-only status API and the /ws status feed.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/whatsapp-addon/bridge/internal/config"
	"github.com/whatsapp-addon/bridge/internal/dispatch"
	"github.com/whatsapp-addon/bridge/internal/health"
	"github.com/whatsapp-addon/bridge/internal/supervisor"
)

const (
	outcomeOK = "OK"
	outcomeKO = "KO"

	maxBodyBytes    = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// Dispatcher runs actions. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, action dispatch.Action, req dispatch.Request) error
}

// Reporter produces health reports. *health.Reporter implements it.
type Reporter interface {
	Report(ctx context.Context) health.Report
}

type Server struct {
	sessions       StateSource
	dispatcher     Dispatcher
	broadcaster    *Broadcaster
	reporter       Reporter
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	log            *slog.Logger
}

func NewServer(cfg config.ServerConfig, sessions StateSource, dispatcher Dispatcher, broadcaster *Broadcaster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		sessions:       sessions,
		dispatcher:     dispatcher,
		broadcaster:    broadcaster,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      cfg.AuthToken,
		log:            logger,
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

// SetReporter configures the reporter behind /api/health. Must be called
// before SetupRoutes.
func (s *Server) SetReporter(r Reporter) {
	s.reporter = r
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	for _, action := range dispatch.Actions {
		mux.Handle("/"+string(action), cors(s.handleAction(action)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSession)
	mux.HandleFunc("/api/health", s.handleHealth)
}

// Handler returns the full route set wrapped in the common middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

// handleAction answers every request with 200 and a literal OK or KO. The
// reason for a KO is only logged.
func (s *Server) handleAction(action dispatch.Action) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		req, err := decodeRequest(w, r)
		if err != nil {
			s.log.Warn("action failed", "action", action, "reason", "bad request", "error", err)
			writeOutcome(w, false)
			return
		}
		writeOutcome(w, s.dispatcher.Dispatch(r.Context(), action, req) == nil)
	})
}

func writeOutcome(w http.ResponseWriter, ok bool) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if ok {
		io.WriteString(w, outcomeOK)
	} else {
		io.WriteString(w, outcomeKO)
	}
}

// decodeRequest reads an action body sent as JSON or as a url-encoded
// form. A form's "options" field holds a JSON object; its "body" field is
// either a JSON content object or plain text.
func decodeRequest(w http.ResponseWriter, r *http.Request) (dispatch.Request, error) {
	var req dispatch.Request
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if err := r.ParseForm(); err != nil {
			return req, fmt.Errorf("parsing form: %w", err)
		}
		req.ClientID = r.PostForm.Get("clientId")
		req.To = r.PostForm.Get("to")
		req.Body = formBody(r.PostForm.Get("body"))
		req.Status = r.PostForm.Get("status")
		req.UserID = r.PostForm.Get("userId")
		req.Type = r.PostForm.Get("type")
		if raw := r.PostForm.Get("options"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &req.Options); err != nil {
				return req, fmt.Errorf("decoding options: %w", err)
			}
		}
	default:
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, fmt.Errorf("decoding body: %w", err)
		}
	}
	return req, nil
}

// formBody keeps a JSON object or array verbatim and encodes anything
// else as a JSON string.
func formBody(v string) json.RawMessage {
	if v == "" {
		return nil
	}
	trimmed := strings.TrimSpace(v)
	if (strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")) && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	raw, _ := json.Marshal(v)
	return raw
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		s.log.Warn("ws client rejected", "remote", r.RemoteAddr, "error", err)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}
	s.log.Debug("ws client connected", "remote", r.RemoteAddr)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			s.log.Debug("ws client disconnected", "remote", r.RemoteAddr)
		}()
		for {
			var msg WSMessage
			if err := conn.ReadJSON(&msg); err != nil {
				var syntaxErr *json.SyntaxError
				if errors.As(err, &syntaxErr) {
					continue
				}
				return
			}
			if msg.Type == MsgResync {
				s.broadcaster.Resync(c)
			}
		}
	}()
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	writeJSON(w, s.sessions.Snapshot())
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Parse: /api/sessions/{id}
	raw := strings.TrimPrefix(r.URL.EscapedPath(), "/api/sessions/")
	if raw == "" || strings.Contains(raw, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	id, err := url.PathUnescape(raw)
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	state, err := s.sessions.State(id)
	if errors.Is(err, supervisor.ErrUnknownSession) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, state)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.reporter == nil {
		http.Error(w, "health not available", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, s.reporter.Report(r.Context()))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
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

// cors allows the action endpoints to be called from any origin.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves handler until ctx is cancelled, then shuts down
// gracefully.
func ListenAndServe(ctx context.Context, host string, port int, handler http.Handler, logger *slog.Logger) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
