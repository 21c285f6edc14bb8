package server

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"browsernerd/internal/config"
)

// wsEvent is the superset of hub events and direct replies a client
// can receive.
type wsEvent struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	Seq       uint64         `json:"seq"`
	Error     string         `json:"error"`
	Payload   map[string]any `json:"payload"`
}

func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// waitFor reads events until one of the wanted type arrives.
func waitFor(t *testing.T, conn *websocket.Conn, eventType string) wsEvent {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		var ev wsEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %q: %v", eventType, err)
		}
		if ev.Type == eventType {
			return ev
		}
	}
}

func TestUnknownActionGetsErrorReply(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)

	send(t, conn, map[string]any{"action": "reboot_universe"})
	ev := waitFor(t, conn, "error")
	assert.Equal(t, "unknown action", ev.Error)
}

func TestPingPong(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)

	send(t, conn, map[string]any{"action": "ping", "session_id": "s-1"})
	ev := waitFor(t, conn, "pong")
	assert.Equal(t, "s-1", ev.SessionID)
}

func TestSessionActionsStreamSequencedEvents(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)

	send(t, conn, map[string]any{"action": "start_session", "headless": true})
	started := waitFor(t, conn, "session_started")
	require.NotEmpty(t, started.SessionID)
	assert.Equal(t, uint64(1), started.Seq)
	id := started.SessionID

	send(t, conn, map[string]any{"action": "navigate", "session_id": id, "url": "https://example.com"})
	nav := waitFor(t, conn, "navigate_complete")
	assert.Equal(t, id, nav.SessionID)
	assert.Greater(t, nav.Seq, started.Seq)
	assert.Equal(t, "https://example.com/", nav.Payload["url"])

	send(t, conn, map[string]any{"action": "get_page_info", "session_id": id})
	info := waitFor(t, conn, "page_info")
	assert.Equal(t, "Example", info.Payload["title"])

	send(t, conn, map[string]any{"action": "close_session", "session_id": id})
	closed := waitFor(t, conn, "session_closed")
	assert.Equal(t, id, closed.SessionID)

	assert.Contains(t, env.browser().recorded(), "navigate:https://example.com")
}

func TestRecordingLifecycle(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)

	send(t, conn, map[string]any{"action": "start_session"})
	id := waitFor(t, conn, "session_started").SessionID

	send(t, conn, map[string]any{"action": "start_recording", "session_id": id})
	ev := waitFor(t, conn, "recording_status")
	assert.Equal(t, true, ev.Payload["recording"])

	send(t, conn, map[string]any{"action": "stop_recording", "session_id": id})
	done := waitFor(t, conn, "recording_complete")
	assert.NotEmpty(t, done.Payload["artifact_id"])
	assert.Equal(t, float64(len("frames")), done.Payload["size_bytes"])
}

func TestExecuteScriptStreamsLifecycle(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)

	send(t, conn, map[string]any{"action": "start_session"})
	id := waitFor(t, conn, "session_started").SessionID

	scr := map[string]any{
		"name": "smoke",
		"steps": []map[string]any{
			{"action": "navigate", "description": "open page", "url": "https://example.com"},
			{"action": "click", "description": "press go", "locator": map[string]any{"kind": "selector", "value": "#go"}},
		},
	}
	raw, err := json.Marshal(scr)
	require.NoError(t, err)
	send(t, conn, map[string]any{"action": "execute_script", "session_id": id, "script": json.RawMessage(raw)})

	waitFor(t, conn, "script_started")
	step := waitFor(t, conn, "step_start")
	assert.Equal(t, float64(0), step.Payload["index"])
	complete := waitFor(t, conn, "script_complete")
	assert.Equal(t, "completed", complete.Payload["status"])

	calls := env.browser().recorded()
	assert.Contains(t, calls, "navigate:https://example.com")
	assert.Contains(t, calls, "click:#go")
}

func TestScriptControlOverWS(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)

	send(t, conn, map[string]any{"action": "start_session"})
	id := waitFor(t, conn, "session_started").SessionID

	// No script running: control actions surface an error reply.
	send(t, conn, map[string]any{"action": "pause_script", "session_id": id})
	ev := waitFor(t, conn, "error")
	assert.Contains(t, ev.Error, "no script running")
}

func TestStepFailureBecomesErrorEvent(t *testing.T) {
	env := newTestEnv(t)
	conn := dialWS(t, env)

	send(t, conn, map[string]any{"action": "start_session"})
	id := waitFor(t, conn, "session_started").SessionID
	env.browser().setFailClick(true)

	send(t, conn, map[string]any{"action": "click", "session_id": id, "selector": "#broken"})
	ev := waitFor(t, conn, "error")
	assert.Equal(t, id, ev.SessionID)
	assert.Contains(t, fmt.Sprint(ev.Payload["error"]), "element detached")
	assert.Equal(t, "click", ev.Payload["action"])
}

func TestExecuteStepInjectsCredentials(t *testing.T) {
	secretPath := writeSecretFile(t, map[string]any{
		"shop-login": map[string]any{"username": "alice", "password": "s3cret"},
	})
	env := newTestEnv(t, func(c *config.Config) {
		c.ConsolidatedSecretPath = secretPath
	})
	conn := dialWS(t, env)

	send(t, conn, map[string]any{"action": "start_session"})
	id := waitFor(t, conn, "session_started").SessionID

	step := map[string]any{
		"action":          "fill",
		"description":     "enter password",
		"locator":         map[string]any{"kind": "selector", "value": "#pass"},
		"value":           "{{credentials.password}}",
		"credential_tool": "shop-login",
	}
	raw, err := json.Marshal(step)
	require.NoError(t, err)
	send(t, conn, map[string]any{"action": "execute_step", "session_id": id, "step": json.RawMessage(raw)})

	waitFor(t, conn, "fill_complete")
	assert.Contains(t, env.browser().recorded(), "fill:#pass=s3cret")
}
