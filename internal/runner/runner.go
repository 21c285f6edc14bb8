package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"browsernerd/internal/logging"
	"browsernerd/internal/script"
)

// Error kinds produced by the runner itself rather than a step.
const (
	KindRunnerCrash      = "RunnerCrash"
	KindDeadlineExceeded = "DeadlineExceeded"
)

// Runner executes one script linearly with pause/resume/stop control.
// Run is called exactly once; the control methods may be called from
// any goroutine.
type Runner struct {
	exec      *Executor
	scr       *script.Script
	sessionID string
	deadline  time.Duration
	emit      EmitFunc
	log       *zap.Logger

	mu       sync.Mutex
	running  bool
	paused   bool
	stopping bool
	resumeCh chan struct{}
	stopCh   chan struct{}
	cancel   context.CancelFunc
}

// RunnerOptions bind a runner to its session.
type RunnerOptions struct {
	Executor  *Executor
	Script    *script.Script
	SessionID string
	Deadline  time.Duration // total wall-time bound; <=0 means 30 minutes
	Emit      EmitFunc
}

// New builds a runner. The executor's emit and the runner's emit
// should be the same function so observers see one ordered stream.
func New(opts RunnerOptions) *Runner {
	emit := opts.Emit
	if emit == nil {
		emit = func(string, map[string]any) {}
	}
	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = 30 * time.Minute
	}
	return &Runner{
		exec:      opts.Executor,
		scr:       opts.Script,
		sessionID: opts.SessionID,
		deadline:  deadline,
		emit:      emit,
		log:       logging.Get(logging.CategoryRunner),
		resumeCh:  make(chan struct{}),
		stopCh:    make(chan struct{}),
	}
}

// Running reports whether a run is in progress.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Paused reports whether the run is paused.
func (r *Runner) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// Pause lets the in-flight step finish and blocks subsequent steps.
func (r *Runner) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running && !r.paused {
		r.paused = true
		r.emit("script_paused", map[string]any{"script": r.scr.Name})
	}
}

// Resume unblocks a paused run.
func (r *Runner) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused {
		r.paused = false
		close(r.resumeCh)
		r.resumeCh = make(chan struct{})
		r.emit("script_resumed", map[string]any{"script": r.scr.Name})
	}
}

// Stop ends the run. The in-flight step is interrupted as promptly as
// the driver permits; no step starts after Stop returns.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopping {
		return
	}
	r.stopping = true
	close(r.stopCh)
	if r.cancel != nil {
		r.cancel()
	}
	if r.running {
		r.emit("script_stopped", map[string]any{"script": r.scr.Name})
	}
}

// waitWhilePaused blocks until resumed, stopped, or the run context
// ends. Returns false when the loop must exit.
func (r *Runner) waitWhilePaused(ctx context.Context) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		r.mu.Lock()
		if r.stopping {
			r.mu.Unlock()
			return false
		}
		if !r.paused {
			r.mu.Unlock()
			return true
		}
		resume := r.resumeCh
		r.mu.Unlock()

		select {
		case <-resume:
		case <-r.stopCh:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// Run executes the script to completion. The returned result is
// always non-nil, even on crash.
func (r *Runner) Run(ctx context.Context) (result *script.Result) {
	runCtx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	r.mu.Lock()
	r.running = true
	r.cancel = cancel
	r.mu.Unlock()

	result = &script.Result{
		ScriptName:  r.scr.Name,
		SessionID:   r.sessionID,
		Status:      script.RunCompleted,
		StartedAt:   time.Now(),
		StepResults: make([]*script.StepResult, 0, len(r.scr.Steps)),
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("runner panicked",
				zap.String("script", r.scr.Name),
				zap.Any("panic", rec))
			result.Status = script.RunError
			result.Error = fmt.Sprintf("runner crashed: %v", rec)
			result.ErrorKind = KindRunnerCrash
		}
		result.FinishedAt = time.Now()
		result.Stats = r.exec.Stats()

		r.mu.Lock()
		r.running = false
		r.paused = false
		r.mu.Unlock()

		r.emit("script_complete", map[string]any{
			"script": r.scr.Name,
			"status": string(result.Status),
			"steps":  len(result.StepResults),
		})
	}()

	r.emit("script_started", map[string]any{
		"script": r.scr.Name,
		"steps":  len(r.scr.Steps),
	})

	// The starting page is a pseudo-step at index -1; its failure
	// aborts the run regardless of abort_on_error. Its result lives
	// outside StepResults so those stay positional with the script.
	if r.scr.StartingPage != "" {
		nav := &script.Step{
			Action:      script.KindNavigate,
			Description: "starting page",
			URL:         r.scr.StartingPage,
		}
		sr := r.runStep(runCtx, -1, nav)
		result.StartingPage = sr
		if sr.Status == script.StepError {
			r.finishWithError(result, runCtx, sr)
			return result
		}
	}

	for i := range r.scr.Steps {
		if !r.waitWhilePaused(runCtx) {
			r.setExitStatus(result, runCtx)
			return result
		}

		sr := r.runStep(runCtx, i, &r.scr.Steps[i])
		result.StepResults = append(result.StepResults, sr)

		if r.isStopping() || runCtx.Err() != nil {
			r.setExitStatus(result, runCtx)
			return result
		}
		if sr.Status == script.StepError && r.scr.AbortOnError {
			result.Status = script.RunAborted
			result.Error = sr.Error
			result.ErrorKind = sr.ErrorKind
			r.emit("script_error", map[string]any{
				"script":     r.scr.Name,
				"step_index": sr.Index,
				"error":      sr.Error,
				"error_kind": sr.ErrorKind,
			})
			return result
		}
	}
	return result
}

func (r *Runner) runStep(ctx context.Context, index int, st *script.Step) *script.StepResult {
	r.emit("step_start", map[string]any{
		"index":       index,
		"action":      string(st.Action),
		"description": st.Description,
		"timestamp":   time.Now().UnixMilli(),
	})

	sr := r.exec.Execute(ctx, index, st)

	r.emit("step_complete", map[string]any{
		"index":       index,
		"action":      string(st.Action),
		"status":      string(sr.Status),
		"error":       sr.Error,
		"error_kind":  sr.ErrorKind,
		"duration_ms": sr.DurationMS,
	})
	return sr
}

func (r *Runner) isStopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

// setExitStatus distinguishes an operator stop from a blown deadline.
func (r *Runner) setExitStatus(result *script.Result, ctx context.Context) {
	if ctx.Err() == context.DeadlineExceeded && !r.isStopping() {
		result.Status = script.RunError
		result.Error = "script deadline exceeded"
		result.ErrorKind = KindDeadlineExceeded
		return
	}
	result.Status = script.RunStopped
}

func (r *Runner) finishWithError(result *script.Result, ctx context.Context, sr *script.StepResult) {
	if r.isStopping() {
		result.Status = script.RunStopped
		return
	}
	result.Status = script.RunError
	result.Error = sr.Error
	result.ErrorKind = sr.ErrorKind
	r.emit("script_error", map[string]any{
		"script":     r.scr.Name,
		"step_index": sr.Index,
		"error":      sr.Error,
		"error_kind": sr.ErrorKind,
	})
}
