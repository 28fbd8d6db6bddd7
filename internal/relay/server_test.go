package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"agentdeck/internal/protocol"
	"agentdeck/internal/supervisor"
	"agentdeck/internal/token"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T, supCfg supervisor.Config, cfg Config) (*httptest.Server, *token.Store) {
	t.Helper()

	issuer := token.NewStore(time.Minute)
	sup := supervisor.New(supCfg)
	srv := New(issuer, sup, HeaderIdentity("X-Test-User"), cfg)

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown()
		httpSrv.Close()
	})
	return httpSrv, issuer
}

func dialWS(t *testing.T, httpSrv *httptest.Server) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readUntil reads events until one of the wanted type arrives, skipping
// everything else (greetings, workspace updates, stream output).
func readUntil(t *testing.T, ws *websocket.Conn, wantType string) *protocol.Event {
	t.Helper()

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read failed while waiting for %q: %v", wantType, err)
		}
		var ev protocol.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("invalid event frame: %v", err)
		}
		if ev.Type == wantType {
			return &ev
		}
	}
}

func sendFrame(t *testing.T, ws *websocket.Conn, frame interface{}) {
	t.Helper()

	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func authenticate(t *testing.T, ws *websocket.Conn, issuer *token.Store) {
	t.Helper()

	cred, err := issuer.Issue("tester")
	if err != nil {
		t.Fatal(err)
	}
	sendFrame(t, ws, map[string]string{"type": "auth", "token": cred.Token})
	readUntil(t, ws, protocol.TypeAuthSuccess)
}

func TestTokenEndpoint_Unidentified(t *testing.T) {
	httpSrv, _ := newTestServer(t, supervisor.Config{Command: "echo"}, Config{})

	resp, err := http.Post(httpSrv.URL+"/relay/token", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestTokenEndpoint_MintsUsableToken(t *testing.T) {
	httpSrv, _ := newTestServer(t, supervisor.Config{Command: "echo"}, Config{})

	req, _ := http.NewRequest("POST", httpSrv.URL+"/relay/token", nil)
	req.Header.Set("X-Test-User", "alice")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Token == "" {
		t.Fatal("expected non-empty token")
	}

	ws := dialWS(t, httpSrv)
	sendFrame(t, ws, map[string]string{"type": "auth", "token": body.Token})
	readUntil(t, ws, protocol.TypeAuthSuccess)
}

func TestPreAuthCommandRejected(t *testing.T) {
	httpSrv, _ := newTestServer(t, supervisor.Config{Command: "echo"}, Config{})
	ws := dialWS(t, httpSrv)

	sendFrame(t, ws, map[string]interface{}{
		"type":    "run",
		"payload": map[string]string{"task": "hi"},
	})

	ev := readUntil(t, ws, protocol.TypeError)
	var p protocol.MessagePayload
	json.Unmarshal(ev.Payload, &p)
	if !strings.Contains(p.Message, "authentication required") {
		t.Errorf("unexpected error message: %s", p.Message)
	}
}

func TestAuthInvalidToken_ClosesSocket(t *testing.T) {
	httpSrv, _ := newTestServer(t, supervisor.Config{Command: "echo"}, Config{})
	ws := dialWS(t, httpSrv)

	sendFrame(t, ws, map[string]string{"type": "auth", "token": "bogus"})

	ev := readUntil(t, ws, protocol.TypeError)
	var p protocol.MessagePayload
	json.Unmarshal(ev.Payload, &p)
	if !strings.Contains(p.Message, "invalid or already used") {
		t.Errorf("unexpected error message: %s", p.Message)
	}

	// The server closes the connection after a failed handshake.
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func TestAuthReusedToken_Rejected(t *testing.T) {
	httpSrv, issuer := newTestServer(t, supervisor.Config{Command: "echo"}, Config{})

	cred, err := issuer.Issue("tester")
	if err != nil {
		t.Fatal(err)
	}

	ws1 := dialWS(t, httpSrv)
	sendFrame(t, ws1, map[string]string{"type": "auth", "token": cred.Token})
	readUntil(t, ws1, protocol.TypeAuthSuccess)

	ws2 := dialWS(t, httpSrv)
	sendFrame(t, ws2, map[string]string{"type": "auth", "token": cred.Token})
	readUntil(t, ws2, protocol.TypeError)
}

func TestAuthExpiredToken(t *testing.T) {
	issuer := token.NewStore(time.Nanosecond)
	sup := supervisor.New(supervisor.Config{Command: "echo"})
	srv := New(issuer, sup, nil, Config{})
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	cred, err := issuer.Issue("tester")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)

	ws := dialWS(t, httpSrv)
	sendFrame(t, ws, map[string]string{"type": "auth", "token": cred.Token})

	ev := readUntil(t, ws, protocol.TypeError)
	var p protocol.MessagePayload
	json.Unmarshal(ev.Payload, &p)
	if !strings.Contains(p.Message, "expired") {
		t.Errorf("expected expiry message, got: %s", p.Message)
	}
}

func TestStdinWhileIdle_RejectedAndRecoverable(t *testing.T) {
	httpSrv, issuer := newTestServer(t, supervisor.Config{Command: "echo"}, Config{})
	ws := dialWS(t, httpSrv)
	authenticate(t, ws, issuer)

	sendFrame(t, ws, map[string]interface{}{
		"type":    "stdin",
		"payload": map[string]string{"data": "hello"},
	})

	ev := readUntil(t, ws, protocol.TypeError)
	var p protocol.MessagePayload
	json.Unmarshal(ev.Payload, &p)
	if !strings.Contains(p.Message, "no process is running") {
		t.Errorf("unexpected error message: %s", p.Message)
	}

	// The session stays usable: a run still works after the rejection.
	sendFrame(t, ws, map[string]interface{}{
		"type":    "run",
		"payload": map[string]string{"task": "hi"},
	})
	readUntil(t, ws, protocol.TypeEnd)
}

func TestStopWhileIdle_Rejected(t *testing.T) {
	httpSrv, issuer := newTestServer(t, supervisor.Config{Command: "echo"}, Config{})
	ws := dialWS(t, httpSrv)
	authenticate(t, ws, issuer)

	sendFrame(t, ws, map[string]string{"type": "stop"})
	readUntil(t, ws, protocol.TypeError)
}

func TestEndToEndEchoRun(t *testing.T) {
	httpSrv, issuer := newTestServer(t, supervisor.Config{Command: "echo"}, Config{})
	ws := dialWS(t, httpSrv)
	authenticate(t, ws, issuer)

	sendFrame(t, ws, map[string]interface{}{
		"type":    "run",
		"payload": map[string]string{"task": "hi"},
	})

	out := readUntil(t, ws, protocol.TypeStdout)
	var stream protocol.StreamPayload
	json.Unmarshal(out.Payload, &stream)
	if stream.Data != "hi" {
		t.Errorf("expected stdout 'hi', got %q", stream.Data)
	}

	end := readUntil(t, ws, protocol.TypeEnd)
	var p protocol.EndPayload
	json.Unmarshal(end.Payload, &p)
	if p.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", p.ExitCode)
	}

	// Back to idle: a second run is accepted.
	sendFrame(t, ws, map[string]interface{}{
		"type":    "run",
		"payload": map[string]string{"task": "again"},
	})
	readUntil(t, ws, protocol.TypeEnd)
}

func TestRunWhileRunning_Rejected(t *testing.T) {
	httpSrv, issuer := newTestServer(t, supervisor.Config{
		Command:  "sh",
		BaseArgs: []string{"-c"},
	}, Config{})
	ws := dialWS(t, httpSrv)
	authenticate(t, ws, issuer)

	sendFrame(t, ws, map[string]interface{}{
		"type":    "run",
		"payload": map[string]string{"task": "sleep 0.5; echo done"},
	})
	readUntil(t, ws, protocol.TypeStatus) // run started

	sendFrame(t, ws, map[string]interface{}{
		"type":    "run",
		"payload": map[string]string{"task": "echo second"},
	})

	ev := readUntil(t, ws, protocol.TypeError)
	var p protocol.MessagePayload
	json.Unmarshal(ev.Payload, &p)
	if !strings.Contains(p.Message, "already in progress") {
		t.Errorf("unexpected error message: %s", p.Message)
	}

	// The first run is unaffected: its output and end event still arrive.
	out := readUntil(t, ws, protocol.TypeStdout)
	var stream protocol.StreamPayload
	json.Unmarshal(out.Payload, &stream)
	if stream.Data != "done" {
		t.Errorf("expected stdout 'done', got %q", stream.Data)
	}
	readUntil(t, ws, protocol.TypeEnd)
}

func TestStopTerminatesRun(t *testing.T) {
	httpSrv, issuer := newTestServer(t, supervisor.Config{
		Command:         "sleep",
		GracefulTimeout: time.Second,
	}, Config{})
	ws := dialWS(t, httpSrv)
	authenticate(t, ws, issuer)

	sendFrame(t, ws, map[string]interface{}{
		"type":    "run",
		"payload": map[string]string{"task": "60"},
	})
	readUntil(t, ws, protocol.TypeStatus) // run started

	sendFrame(t, ws, map[string]string{"type": "stop"})
	readUntil(t, ws, protocol.TypeEnd)
}

func TestAuthWithPendingRun(t *testing.T) {
	httpSrv, issuer := newTestServer(t, supervisor.Config{Command: "echo"}, Config{})
	ws := dialWS(t, httpSrv)

	cred, err := issuer.Issue("tester")
	if err != nil {
		t.Fatal(err)
	}

	// RunParams embedded in the auth frame queue an auto-run.
	sendFrame(t, ws, map[string]interface{}{
		"type":    "auth",
		"token":   cred.Token,
		"payload": map[string]string{"task": "hi"},
	})

	readUntil(t, ws, protocol.TypeAuthSuccess)
	readUntil(t, ws, protocol.TypeEnd)
}

func TestSpawnFailure_SessionStaysUsable(t *testing.T) {
	httpSrv, issuer := newTestServer(t, supervisor.Config{
		Command: "definitely-not-a-real-binary-xyz",
	}, Config{})
	ws := dialWS(t, httpSrv)
	authenticate(t, ws, issuer)

	sendFrame(t, ws, map[string]interface{}{
		"type":    "run",
		"payload": map[string]string{"task": "hi"},
	})

	ev := readUntil(t, ws, protocol.TypeError)
	var p protocol.MessagePayload
	json.Unmarshal(ev.Payload, &p)
	if !strings.Contains(p.Message, "not found in PATH") {
		t.Errorf("unexpected error message: %s", p.Message)
	}

	// Still idle and authenticated: another command gets a clean rejection,
	// not a dead socket.
	sendFrame(t, ws, map[string]string{"type": "stop"})
	readUntil(t, ws, protocol.TypeError)
}

func TestInvalidFrame_NonFatal(t *testing.T) {
	httpSrv, _ := newTestServer(t, supervisor.Config{Command: "echo"}, Config{})
	ws := dialWS(t, httpSrv)

	ws.WriteMessage(websocket.TextMessage, []byte("not json"))
	readUntil(t, ws, protocol.TypeError)

	// Connection is still alive.
	sendFrame(t, ws, map[string]string{"type": "stop"})
	readUntil(t, ws, protocol.TypeError)
}

func TestCORSHeaders(t *testing.T) {
	httpSrv, _ := newTestServer(t, supervisor.Config{Command: "echo"}, Config{})

	req, _ := http.NewRequest("OPTIONS", httpSrv.URL+"/relay/token", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected CORS Allow-Origin header")
	}
}
