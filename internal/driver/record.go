package driver

import (
	"context"
	"errors"

	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// maxRecordingFrames bounds memory for long scripts; beyond this the
// oldest frames are dropped.
const maxRecordingFrames = 5000

// recorder accumulates CDP screencast frames. Frames are JPEG; the
// concatenation is playable as MJPEG.
type recorder struct {
	frames  [][]byte
	dropped int
	cancel  context.CancelFunc
	done    chan struct{}
}

// StartRecording begins a screencast of the page. Only one recording
// may be active at a time.
func (h *Handle) StartRecording(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.recording != nil {
		return opErr("start_recording", KindEvaluationFailed, errors.New("recording already active"))
	}

	quality := 60
	err := proto.PageStartScreencast{
		Format:  proto.PageStartScreencastFormatJpeg,
		Quality: &quality,
	}.Call(h.page)
	if err != nil {
		return classify("start_recording", err)
	}

	evCtx, cancel := context.WithCancel(ctx)
	rec := &recorder{cancel: cancel, done: make(chan struct{})}
	h.recording = rec

	page := h.page.Context(evCtx)
	go func() {
		defer close(rec.done)
		page.EachEvent(func(ev *proto.PageScreencastFrame) {
			h.mu.Lock()
			if len(rec.frames) >= maxRecordingFrames {
				rec.frames = rec.frames[1:]
				rec.dropped++
			}
			rec.frames = append(rec.frames, ev.Data)
			h.mu.Unlock()

			err := proto.PageScreencastFrameAck{SessionID: ev.SessionID}.Call(page)
			if err != nil {
				h.log.Debug("screencast ack failed", zap.Error(err))
			}
		})()
	}()
	return nil
}

// StopRecording ends the screencast and returns the captured frames
// joined into one MJPEG stream. Returns nil data when no recording was
// active.
func (h *Handle) StopRecording(ctx context.Context) ([]byte, error) {
	h.mu.Lock()
	rec := h.recording
	h.recording = nil
	h.mu.Unlock()
	if rec == nil {
		return nil, nil
	}

	err := proto.PageStopScreencast{}.Call(h.page.Context(ctx))
	rec.cancel()
	<-rec.done

	h.mu.Lock()
	var size int
	for _, f := range rec.frames {
		size += len(f)
	}
	out := make([]byte, 0, size)
	for _, f := range rec.frames {
		out = append(out, f...)
	}
	frames, dropped := len(rec.frames), rec.dropped
	h.mu.Unlock()

	h.log.Debug("recording stopped",
		zap.Int("frames", frames),
		zap.Int("dropped", dropped),
		zap.Int("bytes", len(out)))
	if err != nil && !isClosed(err) {
		return out, classify("stop_recording", err)
	}
	return out, nil
}
