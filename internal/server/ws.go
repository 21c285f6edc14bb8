package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// wsEventBuffer bounds each connection's outbound queue. A client
	// that cannot drain it is disconnected, never waited on.
	wsEventBuffer = 128

	wsWriteTimeout = 10 * time.Second
)

// clientMessage is the union of all action payloads. Action selects
// which fields matter.
type clientMessage struct {
	Action    string `json:"action"`
	SessionID string `json:"session_id,omitempty"`

	// start_session
	Headless         *bool    `json:"headless,omitempty"`
	ProfileName      string   `json:"profile_name,omitempty"`
	BrowserChannel   string   `json:"browser_channel,omitempty"`
	RequiredTags     []string `json:"required_tags,omitempty"`
	CloneForParallel bool     `json:"clone_for_parallel,omitempty"`
	AllowTempProfile *bool    `json:"allow_temp_profile,omitempty"`

	// navigate / click / fill / screenshot
	URL            string `json:"url,omitempty"`
	WaitCondition  string `json:"wait_condition,omitempty"`
	Selector       string `json:"selector,omitempty"`
	Value          string `json:"value,omitempty"`
	CredentialTool string `json:"credential_tool,omitempty"`
	FullPage       bool   `json:"full_page,omitempty"`

	// execute_script / execute_step
	Script json.RawMessage `json:"script,omitempty"`
	Step   json.RawMessage `json:"step,omitempty"`
}

// wsReply is a direct server reply outside the sequenced event
// stream (pong, protocol errors). It answers the issuing connection
// only and describes no session state, so it bypasses the hub and
// carries no seq; only hub events are sequenced.
type wsReply struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	log     *zap.Logger
}

func (wc *wsConn) writeJSON(v any) error {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	wc.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return wc.conn.WriteJSON(v)
}

func (wc *wsConn) replyError(sessionID, msg string) {
	if err := wc.writeJSON(wsReply{Type: "error", SessionID: sessionID, Error: msg}); err != nil {
		wc.log.Debug("error reply not delivered", zap.Error(err))
	}
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	s.metrics.WSConnections.Inc()
	defer s.metrics.WSConnections.Dec()
	s.serveWS(&wsConn{conn: conn, log: s.log})
}

// serveWS runs one connection: a pump goroutine forwards the event
// stream while the read loop dispatches actions. If the hub drops
// this observer as too slow, the pump ends and takes the connection
// down with it.
func (s *Server) serveWS(wc *wsConn) {
	sub := s.manager.Hub().Subscribe("", wsEventBuffer)

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for ev := range sub.C() {
			if err := wc.writeJSON(ev); err != nil {
				break
			}
		}
		wc.conn.Close()
	}()

	for {
		_, data, err := wc.conn.ReadMessage()
		if err != nil {
			break
		}
		s.dispatch(wc, data)
	}

	sub.Close()
	<-pumpDone
	wc.conn.Close()
}

func (s *Server) dispatch(wc *wsConn, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		wc.replyError("", "invalid message: "+err.Error())
		return
	}

	fn, known := s.actions[msg.Action]
	if !known {
		wc.replyError(msg.SessionID, "unknown action")
		return
	}

	if err := fn(wc, msg); err != nil {
		s.log.Warn("action failed",
			zap.String("action", msg.Action),
			zap.String("session_id", msg.SessionID),
			zap.Error(err))
		wc.replyError(msg.SessionID, err.Error())
	}
}
