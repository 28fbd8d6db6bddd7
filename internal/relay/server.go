// Package relay accepts websocket connections, runs the credential
// handshake, and binds each authenticated client to at most one supervised
// agent process.
package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"agentdeck/internal/supervisor"
	"agentdeck/internal/token"
	"agentdeck/internal/watcher"

	"github.com/gorilla/websocket"
)

var errUnidentified = errors.New("no identity on request")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Identity is proven by the one-time token, not the origin.
	},
}

// IdentityFunc extracts the authenticated subject from a credential-minting
// request. The surrounding web application owns authentication; the relay
// trusts this boundary and does not re-verify identity itself.
type IdentityFunc func(*http.Request) (string, error)

// HeaderIdentity reads the subject from a trusted reverse-proxy header.
func HeaderIdentity(header string) IdentityFunc {
	return func(r *http.Request) (string, error) {
		if v := r.Header.Get(header); v != "" {
			return v, nil
		}
		return "", errUnidentified
	}
}

// Config controls per-connection relay behavior.
type Config struct {
	// TerminateOnDisconnect kills a running agent when its socket closes.
	// When false (the default) the process is left running detached; there
	// is no re-attach protocol, a new connection starts a new run.
	TerminateOnDisconnect bool

	// WatchWorkspace enables fsnotify monitoring of each run's working
	// directory, surfaced to the client as status events.
	WatchWorkspace bool

	Logger *slog.Logger
}

// Server accepts inbound connections and creates one Session per socket.
// The credential store is the only state shared across connections.
type Server struct {
	issuer   *token.Store
	sup      *supervisor.Supervisor
	identity IdentityFunc
	cfg      Config
	log      *slog.Logger

	watch *watcher.Watcher

	mu       sync.Mutex
	sessions map[*Session]bool
	runs     map[string]*Session // runID → owning session, for watcher callbacks
}

// New creates a relay server around an explicitly-owned credential store
// and process supervisor.
func New(issuer *token.Store, sup *supervisor.Supervisor, identity IdentityFunc, cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if identity == nil {
		identity = HeaderIdentity("X-Forwarded-User")
	}

	s := &Server{
		issuer:   issuer,
		sup:      sup,
		identity: identity,
		cfg:      cfg,
		log:      log.With("component", "relay"),
		sessions: make(map[*Session]bool),
		runs:     make(map[string]*Session),
	}
	if cfg.WatchWorkspace {
		s.watch = watcher.New(s.onWorkspaceUpdate, log)
	}
	return s
}

// Handler returns an http.Handler with all relay routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("POST /relay/token", s.handleToken)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleToken mints a one-time connection credential for the caller's
// identity. This is the only input the socket handshake accepts.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	subject, err := s.identity(r)
	if err != nil {
		http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
		return
	}

	cred, err := s.issuer.Issue(subject)
	if err != nil {
		s.log.Error("token issue failed", "error", err)
		http.Error(w, `{"error":"token issue failed"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"token": cred.Token})
}

// handleWebSocket upgrades an HTTP connection and starts a new
// unauthenticated session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade error", "error", err)
		return
	}

	sess := newSession(conn, s)

	s.mu.Lock()
	s.sessions[sess] = true
	s.mu.Unlock()

	go sess.writePump()
	go sess.readPump()
}

func (s *Server) removeSession(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// registerRun binds a run ID to the session that owns it so workspace
// updates can be routed back.
func (s *Server) registerRun(runID string, sess *Session) {
	s.mu.Lock()
	s.runs[runID] = sess
	s.mu.Unlock()
}

func (s *Server) unregisterRun(runID string) {
	s.mu.Lock()
	delete(s.runs, runID)
	s.mu.Unlock()

	if s.watch != nil {
		s.watch.Unwatch(runID)
	}
}

// onWorkspaceUpdate is the watcher callback: route a file-count change to
// the session owning the run.
func (s *Server) onWorkspaceUpdate(runID string, fileCount int) {
	s.mu.Lock()
	sess := s.runs[runID]
	s.mu.Unlock()

	if sess != nil {
		sess.sendWorkspaceUpdate(fileCount)
	}
}

// Shutdown closes all sessions and terminates their supervised processes.
func (s *Server) Shutdown() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.shutdown()
	}

	if s.watch != nil {
		s.watch.Shutdown()
	}
}
