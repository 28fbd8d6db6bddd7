package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"agentdeck/internal/protocol"
	"agentdeck/internal/supervisor"
	"agentdeck/internal/token"

	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	sendBufCap = 256
)

// Session is the per-socket state machine. It starts unauthenticated,
// becomes authenticated after a successful token handshake, and then owns
// at most one supervised agent process at a time.
//
// All socket writes go through the send channel and are performed by the
// single writePump goroutine, so the two stream readers and the read loop
// can emit events concurrently without corrupting frames.
type Session struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
	log    *slog.Logger

	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	authed     bool
	subject    string
	handle     *supervisor.Handle
	spawning   bool
	pendingRun *protocol.RunParams
}

func newSession(conn *websocket.Conn, server *Server) *Session {
	return &Session{
		conn:   conn,
		send:   make(chan []byte, sendBufCap),
		server: server,
		log:    server.log.With("remote", conn.RemoteAddr().String()),
		closed: make(chan struct{}),
	}
}

// sendEvent queues an event for the writer goroutine. Events are dropped
// when the client cannot keep up or the session is already closed.
func (s *Session) sendEvent(ev *protocol.Event) {
	if ev == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case <-s.closed:
	case s.send <- data:
	default:
		// Client buffer full, drop.
	}
}

func (s *Session) sendError(message string) {
	s.sendEvent(protocol.NewErrorEvent(message))
}

func (s *Session) sendWorkspaceUpdate(fileCount int) {
	ev, _ := protocol.NewEvent(protocol.TypeStatus, protocol.WorkspacePayload{
		Message:   "workspace changed",
		FileCount: fileCount,
	})
	s.sendEvent(ev)
}

// close signals the writer to flush pending events, send a close frame,
// and tear the socket down. Safe to call from any goroutine, repeatedly.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

// shutdown force-closes the session and terminates any running process,
// regardless of the disconnect policy. Used for server shutdown.
func (s *Session) shutdown() {
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()

	if handle != nil && handle.Running() {
		s.server.sup.Terminate(handle)
	}
	s.close()
}

// readPump reads frames from the socket until it closes.
func (s *Session) readPump() {
	defer s.teardown()

	s.conn.SetReadDeadline(time.Now().Add(readDeadline))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	// Connection-established greeting: the client must authenticate before
	// anything else.
	s.sendEvent(protocol.NewStatusEvent("connected, awaiting authentication"))

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("websocket read error", "error", err)
			}
			return
		}
		s.handleFrame(message)
	}
}

// writePump owns all writes to the socket: queued events, keepalive pings,
// and the final close frame.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.closed:
			// Flush whatever is already queued, then say goodbye.
			for {
				select {
				case message := <-s.send:
					s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
					if s.conn.WriteMessage(websocket.TextMessage, message) != nil {
						return
					}
				default:
					s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
					s.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
			}
		}
	}
}

// teardown runs when the read loop exits: the socket is gone. A running
// process is terminated only when the server is configured to; otherwise
// it keeps running detached and the supervisor reaps its exit.
func (s *Session) teardown() {
	s.close()
	s.server.removeSession(s)

	s.mu.Lock()
	handle := s.handle
	s.handle = nil
	s.mu.Unlock()

	if handle != nil {
		s.server.unregisterRun(handle.ID)
		if s.server.cfg.TerminateOnDisconnect && handle.Running() {
			s.server.sup.Terminate(handle)
		}
	}
}

// handleFrame dispatches one validated client frame according to the
// session state. Everything except a failed auth is non-fatal: the error
// is reported and the connection stays usable.
func (s *Session) handleFrame(raw []byte) {
	frame, err := protocol.ParseClientFrame(raw)
	if err != nil {
		s.sendError(err.Error())
		return
	}

	if frame.Type == protocol.TypeAuth {
		s.handleAuth(frame)
		return
	}

	s.mu.Lock()
	authed := s.authed
	s.mu.Unlock()
	if !authed {
		s.sendError("authentication required")
		return
	}

	switch frame.Type {
	case protocol.TypeRun:
		var params protocol.RunParams
		json.Unmarshal(frame.Payload, &params)
		s.startRun(params)
	case protocol.TypeStdin:
		var payload protocol.StdinPayload
		json.Unmarshal(frame.Payload, &payload)
		s.forwardStdin(payload.Data)
	case protocol.TypeStop:
		s.stopRun()
	}
}

// handleAuth consumes the presented token. Failure is the only fatal error
// in the protocol: the reason is reported, then the socket is closed.
func (s *Session) handleAuth(frame *protocol.Frame) {
	s.mu.Lock()
	if s.authed {
		s.mu.Unlock()
		s.sendError("already authenticated")
		return
	}

	// An auth frame may carry run params to execute as soon as the
	// handshake succeeds.
	if frame.Payload != nil {
		var params protocol.RunParams
		if json.Unmarshal(frame.Payload, &params) == nil && params.Task != "" {
			s.pendingRun = &params
		}
	}
	s.mu.Unlock()

	subject, err := s.server.issuer.Consume(frame.Token)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrExpired):
			s.sendError("authentication failed: token expired")
		default:
			s.sendError("authentication failed: invalid or already used token")
		}
		s.log.Info("auth failed", "error", err)
		s.close()
		return
	}

	s.mu.Lock()
	s.authed = true
	s.subject = subject
	pending := s.pendingRun
	s.pendingRun = nil
	s.mu.Unlock()

	s.log = s.log.With("subject", subject)
	s.log.Info("session authenticated")

	ev, _ := protocol.NewEvent(protocol.TypeAuthSuccess, protocol.MessagePayload{
		Message: "authenticated as " + subject,
	})
	s.sendEvent(ev)

	if pending != nil {
		s.startRun(*pending)
	}
}

// startRun spawns the agent for params. The spawn happens off the read
// loop so stop/stdin frames sent right after run are not starved.
func (s *Session) startRun(params protocol.RunParams) {
	s.mu.Lock()
	if s.spawning || (s.handle != nil && s.handle.Running()) {
		s.mu.Unlock()
		s.sendError("a run is already in progress")
		return
	}
	s.spawning = true
	s.handle = nil
	s.mu.Unlock()

	go func() {
		handle, err := s.server.sup.Spawn(params, s.onAgentEvent)

		s.mu.Lock()
		s.spawning = false
		if err == nil {
			s.handle = handle
		}
		s.mu.Unlock()

		if err != nil {
			// Spawn failure is non-fatal: report and stay idle.
			s.sendError(err.Error())
			return
		}

		// The socket may have closed while the spawn was in flight; apply
		// the disconnect policy to the fresh process.
		select {
		case <-s.closed:
			if s.server.cfg.TerminateOnDisconnect {
				s.server.sup.Terminate(handle)
			}
			return
		default:
		}

		s.server.registerRun(handle.ID, s)
		if s.server.watch != nil && params.WorkDir != "" {
			if werr := s.server.watch.Watch(handle.ID, params.WorkDir); werr != nil {
				s.log.Warn("workspace watch failed", "run_id", handle.ID, "error", werr)
			}
		}
		s.sendEvent(protocol.NewStatusEvent("run started"))

		// The process may have exited before the handle was recorded, in
		// which case the end event already passed through with no handle to
		// clear. Settle back to idle here.
		if !handle.Running() {
			s.mu.Lock()
			if s.handle == handle {
				s.handle = nil
			}
			s.mu.Unlock()
			s.server.unregisterRun(handle.ID)
		}
	}()
}

// onAgentEvent is the supervisor sink: forward every decoded event to the
// client, and return the session to idle when the run ends. The end of one
// run must not disturb a successor, so only the matching handle is cleared.
func (s *Session) onAgentEvent(h *supervisor.Handle, ev *protocol.Event) {
	if ev.Type == protocol.TypeEnd {
		s.mu.Lock()
		if s.handle == h {
			s.handle = nil
		}
		s.mu.Unlock()

		s.server.unregisterRun(h.ID)
	}
	s.sendEvent(ev)
}

// forwardStdin writes client input to the running process.
func (s *Session) forwardStdin(data string) {
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()

	if handle == nil || !handle.Running() {
		s.sendError("no process is running")
		return
	}

	if err := s.server.sup.WriteStdin(handle, data); err != nil {
		// Write-after-exit or broken pipe: visible but non-fatal.
		s.sendError("stdin write failed: " + err.Error())
	}
}

// stopRun asks the supervisor to terminate the running process. The end
// event arrives asynchronously once the OS reports exit.
func (s *Session) stopRun() {
	s.mu.Lock()
	handle := s.handle
	s.mu.Unlock()

	if handle == nil || !handle.Running() {
		s.sendError("no process is running")
		return
	}

	s.server.sup.Terminate(handle)
	s.sendEvent(protocol.NewStatusEvent("stop requested"))
}
