package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"browsernerd/internal/profile"
	"browsernerd/internal/script"
	"browsernerd/internal/session"
)

// actionFunc handles one WebSocket action. A returned error becomes a
// direct error reply on the connection.
type actionFunc func(wc *wsConn, msg clientMessage) error

// actionTable is the closed dispatch set; anything outside it hits
// the unknown-action sink in dispatch.
func (s *Server) actionTable() map[string]actionFunc {
	return map[string]actionFunc{
		"start_session":   s.actionStartSession,
		"close_session":   s.actionCloseSession,
		"navigate":        s.actionNavigate,
		"click":           s.actionClick,
		"fill":            s.actionFill,
		"screenshot":      s.actionScreenshot,
		"get_page_info":   s.actionGetPageInfo,
		"start_recording": s.actionStartRecording,
		"stop_recording":  s.actionStopRecording,
		"execute_script":  s.actionExecuteScript,
		"execute_step":    s.actionExecuteStep,
		"pause_script":    s.actionPauseScript,
		"resume_script":   s.actionResumeScript,
		"stop_script":     s.actionStopScript,
		"ping":            s.actionPing,
	}
}

func requireSession(msg clientMessage) error {
	if msg.SessionID == "" {
		return fmt.Errorf("session_id required")
	}
	return nil
}

func (s *Server) actionPing(wc *wsConn, msg clientMessage) error {
	return wc.writeJSON(wsReply{Type: "pong", SessionID: msg.SessionID})
}

func (s *Server) actionStartSession(_ *wsConn, msg clientMessage) error {
	_, err := s.manager.Open(context.Background(), session.OpenOptions{
		Requirements: profile.Requirements{
			ProfileName:      msg.ProfileName,
			RequiredTags:     msg.RequiredTags,
			CloneForParallel: msg.CloneForParallel,
			AllowTempProfile: msg.AllowTempProfile,
		},
		Headless:       msg.Headless,
		BrowserChannel: msg.BrowserChannel,
	})
	if err != nil {
		return err
	}
	s.metrics.SessionsOpened.Inc()
	s.metrics.SessionsActive.Set(float64(s.manager.Count()))
	return nil
}

func (s *Server) actionCloseSession(_ *wsConn, msg clientMessage) error {
	if err := requireSession(msg); err != nil {
		return err
	}
	if err := s.manager.Close(context.Background(), msg.SessionID); err != nil {
		return err
	}
	s.metrics.SessionsActive.Set(float64(s.manager.Count()))
	return nil
}

// runStep validates, injects credentials, and executes one ad-hoc
// step. Step failures become error events on the session stream; the
// connection-level reply is reserved for dispatch problems.
func (s *Server) runStep(sessionID string, st *script.Step) error {
	if err := st.Validate(); err != nil {
		return err
	}
	s.creds.InjectStep(st)

	res, err := s.manager.ExecuteStep(context.Background(), sessionID, st)
	if err != nil {
		return err
	}
	s.metrics.StepsExecuted.WithLabelValues(string(res.Status)).Inc()
	if res.Status == script.StepError {
		s.manager.Hub().Publish(sessionID, "error", map[string]any{
			"error":      res.Error,
			"error_kind": res.ErrorKind,
			"action":     string(st.Action),
		})
	}
	return nil
}

func (s *Server) actionNavigate(_ *wsConn, msg clientMessage) error {
	if err := requireSession(msg); err != nil {
		return err
	}
	return s.runStep(msg.SessionID, &script.Step{
		Action:        script.KindNavigate,
		Description:   "navigate",
		URL:           msg.URL,
		WaitCondition: msg.WaitCondition,
	})
}

func (s *Server) actionClick(_ *wsConn, msg clientMessage) error {
	if err := requireSession(msg); err != nil {
		return err
	}
	return s.runStep(msg.SessionID, &script.Step{
		Action:      script.KindClick,
		Description: "click",
		Locator:     &script.LocatorSpec{Kind: script.LocatorSelector, Value: msg.Selector},
	})
}

func (s *Server) actionFill(_ *wsConn, msg clientMessage) error {
	if err := requireSession(msg); err != nil {
		return err
	}
	return s.runStep(msg.SessionID, &script.Step{
		Action:         script.KindFill,
		Description:    "fill",
		Locator:        &script.LocatorSpec{Kind: script.LocatorSelector, Value: msg.Selector},
		Value:          msg.Value,
		CredentialTool: msg.CredentialTool,
	})
}

func (s *Server) actionScreenshot(_ *wsConn, msg clientMessage) error {
	if err := requireSession(msg); err != nil {
		return err
	}
	return s.runStep(msg.SessionID, &script.Step{
		Action:      script.KindScreenshot,
		Description: "screenshot",
		FullPage:    msg.FullPage,
	})
}

func (s *Server) actionGetPageInfo(_ *wsConn, msg clientMessage) error {
	if err := requireSession(msg); err != nil {
		return err
	}
	sess, err := s.manager.Lookup(msg.SessionID)
	if err != nil {
		return err
	}
	info, err := sess.Browser.Info(context.Background())
	if err != nil {
		return err
	}
	s.manager.Hub().Publish(msg.SessionID, "page_info", map[string]any{
		"url":   info.URL,
		"title": info.Title,
	})
	return nil
}

func (s *Server) actionStartRecording(_ *wsConn, msg clientMessage) error {
	if err := requireSession(msg); err != nil {
		return err
	}
	sess, err := s.manager.Lookup(msg.SessionID)
	if err != nil {
		return err
	}
	if err := sess.Browser.StartRecording(context.Background()); err != nil {
		return err
	}
	s.manager.Hub().Publish(msg.SessionID, "recording_status", map[string]any{"recording": true})
	return nil
}

func (s *Server) actionStopRecording(_ *wsConn, msg clientMessage) error {
	if err := requireSession(msg); err != nil {
		return err
	}
	sess, err := s.manager.Lookup(msg.SessionID)
	if err != nil {
		return err
	}
	data, err := sess.Browser.StopRecording(context.Background())
	if err != nil {
		return err
	}

	ref := &script.ArtifactRef{
		ID:        uuid.NewString(),
		Category:  "recordings",
		Filename:  fmt.Sprintf("recording-%d.mjpeg", time.Now().UnixMilli()),
		State:     script.ArtifactPending,
		SizeBytes: len(data),
	}
	if s.uploader != nil {
		s.uploader.SinkFor(msg.SessionID).Submit(ref, data)
	}
	s.manager.Hub().Publish(msg.SessionID, "recording_status", map[string]any{"recording": false})
	s.manager.Hub().Publish(msg.SessionID, "recording_complete", map[string]any{
		"artifact_id": ref.ID,
		"filename":    ref.Filename,
		"size_bytes":  ref.SizeBytes,
	})
	return nil
}

func (s *Server) actionExecuteScript(_ *wsConn, msg clientMessage) error {
	if err := requireSession(msg); err != nil {
		return err
	}
	scr, err := script.Parse(msg.Script)
	if err != nil {
		return err
	}
	s.creds.InjectScript(scr)

	sessionID := msg.SessionID
	go func() {
		result, err := s.manager.ExecuteScript(context.Background(), sessionID, scr)
		if err != nil {
			s.manager.Hub().Publish(sessionID, "error", map[string]any{"error": err.Error()})
			return
		}
		s.metrics.ScriptsRun.WithLabelValues(string(result.Status)).Inc()
		if result.Stats != nil {
			s.metrics.VisionCalls.Add(float64(result.Stats.TotalVisionCalls))
			for tier, n := range result.Stats.TierSuccesses {
				s.metrics.TierSuccesses.WithLabelValues(strconv.Itoa(tier)).Add(float64(n))
			}
		}
	}()
	return nil
}

func (s *Server) actionExecuteStep(_ *wsConn, msg clientMessage) error {
	if err := requireSession(msg); err != nil {
		return err
	}
	var st script.Step
	if err := json.Unmarshal(msg.Step, &st); err != nil {
		return fmt.Errorf("invalid step: %w", err)
	}
	return s.runStep(msg.SessionID, &st)
}

func (s *Server) actionPauseScript(_ *wsConn, msg clientMessage) error {
	if err := requireSession(msg); err != nil {
		return err
	}
	return s.manager.PauseScript(msg.SessionID)
}

func (s *Server) actionResumeScript(_ *wsConn, msg clientMessage) error {
	if err := requireSession(msg); err != nil {
		return err
	}
	return s.manager.ResumeScript(msg.SessionID)
}

func (s *Server) actionStopScript(_ *wsConn, msg clientMessage) error {
	if err := requireSession(msg); err != nil {
		return err
	}
	return s.manager.StopScript(msg.SessionID)
}
