package dashboard

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/tsmada/interflow/engine"
	"github.com/tsmada/interflow/events"
	"github.com/tsmada/interflow/message"
	"github.com/tsmada/interflow/sessions"
	"github.com/tsmada/interflow/stats"
)

// Config configures the dashboard HTTP server.
type Config struct {
	Address    string `long:"address" env:"ADDRESS" default:":8443" description:"Dashboard listen address"`
	SigningKey string `long:"signing-key" env:"SIGNING_KEY" description:"Key signing WebSocket tickets; random per process when empty"`
	SecureOnly bool   `long:"secure-only" env:"SECURE_ONLY" description:"Mark session cookies Secure (TLS-terminated deployments)"`
}

// sessionCookie names the login cookie.
const sessionCookie = "INTERFLOWSESSIONID"

// Server serves channel status, statistics, and the live event stream.
type Server struct {
	cfg        Config
	aggregator *Aggregator
	controller *engine.Controller
	auth       *sessions.Authenticator
	minter     *sessions.TokenMinter
	dispatcher *events.Dispatcher

	mux      *http.ServeMux
	listener net.Listener
	server   *http.Server
}

// NewServer assembles the dashboard server. |auth| may be nil, which leaves
// every endpoint open; production deployments always pass one.
func NewServer(
	cfg Config,
	aggregator *Aggregator,
	controller *engine.Controller,
	auth *sessions.Authenticator,
	dispatcher *events.Dispatcher,
) *Server {
	var key = []byte(cfg.SigningKey)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic(err)
		}
	}

	var s = &Server{
		cfg:        cfg,
		aggregator: aggregator,
		controller: controller,
		auth:       auth,
		minter:     sessions.NewTokenMinter(key),
		dispatcher: dispatcher,
		mux:        http.NewServeMux(),
	}

	s.mux.HandleFunc("/api/login", s.handleLogin)
	s.mux.HandleFunc("/api/logout", s.requireSession(s.handleLogout))
	s.mux.HandleFunc("/api/status", s.requireSession(s.handleStatus))
	s.mux.HandleFunc("/api/channels/", s.requireSession(s.handleChannel))
	s.mux.HandleFunc("/api/ws-ticket", s.requireSession(s.handleTicket))
	s.mux.HandleFunc("/api/ws", s.handleWebSocket)
	s.mux.Handle("/metrics", promhttp.Handler())
	return s
}

// Serve listens on the configured address until |ctx| cancels. The listener
// speaks h2c so gRPC-style clients and plain HTTP/1 share the port.
func (s *Server) Serve(ctx context.Context) error {
	var listener, err = net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = listener
	s.server = &http.Server{
		Handler: h2c.NewHandler(s.mux, &http2.Server{}),
	}

	log.WithField("address", listener.Addr().String()).Info("dashboard server listening")

	go func() {
		<-ctx.Done()
		var shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err = s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address, for tests which listen on :0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler exposes the routed mux, for tests driving it directly.
func (s *Server) Handler() http.Handler { return s.mux }

// requireSession wraps |next| with session-cookie authentication. Each
// accepted request refreshes the session's idle timeout.
func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			next(w, r)
			return
		}
		var cookie, err = r.Cookie(sessionCookie)
		if err != nil {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		if _, err = s.auth.Resolve(r.Context(), cookie.Value); err != nil {
			http.Error(w, "session expired", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.auth == nil {
		http.Error(w, "authentication is not configured", http.StatusNotImplemented)
		return
	}

	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	var ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	var session, err = s.auth.Login(r.Context(), creds.Username, creds.Password, ip)
	if err == sessions.ErrInvalidCredentials {
		http.Error(w, "invalid username or password", http.StatusUnauthorized)
		return
	} else if err != nil {
		log.WithField("err", err).Error("login failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    session.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cfg.SecureOnly,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, session)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookie); err == nil && s.auth != nil {
		_ = s.auth.Logout(r.Context(), cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name: sessionCookie, Value: "", Path: "/", MaxAge: -1,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"channels": s.aggregator.Snapshot(),
	})
}

// handleChannel serves one channel's status with its statistics mirror.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	var id = strings.TrimPrefix(r.URL.Path, "/api/channels/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	var status, seen = s.aggregator.Channel(id)
	status.ChannelID = id

	var ch *engine.Channel
	var deployed bool
	if s.controller != nil {
		ch, deployed = s.controller.Channel(id)
	}
	if !seen && !deployed {
		http.NotFound(w, r)
		return
	}

	var body = map[string]any{"status": status}
	if deployed {
		status.Name = ch.Name()
		status.State = ch.State()
		body["status"] = status
		body["statistics"] = renderStatistics(ch.Statistics())
	}
	writeJSON(w, body)
}

// renderStatistics maps counter snapshots into JSON-friendly keys, the
// aggregate row under "aggregate".
func renderStatistics(snapshot map[int]map[message.Status]int64) map[string]map[string]int64 {
	var out = make(map[string]map[string]int64, len(snapshot))
	for metaDataID, counts := range snapshot {
		var key = "aggregate"
		if metaDataID != stats.AggregateID {
			key = strconv.Itoa(metaDataID)
		}
		var row = make(map[string]int64, len(counts))
		for status, n := range counts {
			row[status.String()] = n
		}
		out[key] = row
	}
	return out
}

func (s *Server) handleTicket(w http.ResponseWriter, r *http.Request) {
	var session = &sessions.Session{ID: "anonymous"}
	if s.auth != nil {
		var cookie, err = r.Cookie(sessionCookie)
		if err != nil {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		if session, err = s.auth.Resolve(r.Context(), cookie.Value); err != nil {
			http.Error(w, "session expired", http.StatusForbidden)
			return
		}
	}

	var ticket, err = s.minter.Mint(session)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"ticket": ticket})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithField("err", err).Warn("writing dashboard response")
	}
}
