// Package runner executes scripts: one executor per step, one runner
// per script, one runner per session at a time.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"browsernerd/internal/driver"
	"browsernerd/internal/escalate"
	"browsernerd/internal/logging"
	"browsernerd/internal/profile"
	"browsernerd/internal/script"
	"browsernerd/internal/vision"
)

// Page is what the executor needs from a live browser page.
// driver.Handle satisfies it; tests substitute fakes.
type Page interface {
	Navigate(ctx context.Context, url, waitCond string, timeout time.Duration) error
	Click(ctx context.Context, q driver.Query, timeout time.Duration) error
	ClickAt(ctx context.Context, x, y float64) error
	Fill(ctx context.Context, q driver.Query, text string, timeout time.Duration) error
	Press(ctx context.Context, key string) error
	Hover(ctx context.Context, q driver.Query, timeout time.Duration) error
	SelectOption(ctx context.Context, q driver.Query, value string, timeout time.Duration) error
	Scroll(ctx context.Context, dx, dy float64) error
	WaitForSelector(ctx context.Context, q driver.Query, timeout time.Duration) error
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	ElementScreenshot(ctx context.Context, q driver.Query, timeout time.Duration) ([]byte, error)
	Evaluate(ctx context.Context, js string) ([]byte, error)
	EvalBool(ctx context.Context, js string) (bool, error)
	ElementText(ctx context.Context, q driver.Query, timeout time.Duration) (string, error)
	SelectorCount(ctx context.Context, selector string) (int, error)
	Info(ctx context.Context) (driver.PageInfo, error)
	CookiesForDomains(ctx context.Context, domains []string) ([]driver.Cookie, error)
	LocalStorageKeys(ctx context.Context) ([]string, error)
}

// ArtifactSink receives produced artifacts for asynchronous upload.
// The executor never waits on it.
type ArtifactSink interface {
	Submit(ref *script.ArtifactRef, data []byte)
}

// EmitFunc publishes one typed event to the session's observers.
type EmitFunc func(eventType string, payload map[string]any)

// Error kinds the executor attaches to step results, beyond the
// driver taxonomy.
const (
	KindEscalationExhausted = "EscalationExhausted"
	KindSchemaValidation    = "SchemaValidation"
	KindInternal            = "Internal"
)

const retryBackoff = 200 * time.Millisecond

// Executor runs single steps against one bound page. Not safe for
// concurrent use; a session serializes its steps.
type Executor struct {
	page        Page
	engine      *escalate.Engine
	vis         vision.Client
	profiles    *profile.Store
	profileName string
	sessionID   string
	stepTimeout time.Duration
	sink        ArtifactSink
	emit        EmitFunc
	vars        map[string]string
	log         *zap.Logger
}

// ExecutorOptions wire an executor to its session.
type ExecutorOptions struct {
	Page           Page
	Vision         vision.Client // nil disables vision steps and tiers
	Profiles       *profile.Store
	ProfileName    string
	SessionID      string
	StepTimeout    time.Duration
	MaxVisionCalls int
	Sink           ArtifactSink
	Emit           EmitFunc
	Vars           map[string]string
}

// NewExecutor builds an executor and its escalation engine.
func NewExecutor(opts ExecutorOptions) *Executor {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 60 * time.Second
	}
	emit := opts.Emit
	if emit == nil {
		emit = func(string, map[string]any) {}
	}
	e := &Executor{
		page:        opts.Page,
		vis:         opts.Vision,
		profiles:    opts.Profiles,
		profileName: opts.ProfileName,
		sessionID:   opts.SessionID,
		stepTimeout: opts.StepTimeout,
		sink:        opts.Sink,
		emit:        emit,
		vars:        opts.Vars,
		log:         logging.Get(logging.CategoryRunner),
	}
	e.engine = escalate.New(opts.Page, escalate.Options{
		Vision:         opts.Vision,
		MaxVisionCalls: opts.MaxVisionCalls,
		Vars:           opts.Vars,
		Observe: func(a escalate.Attempt) {
			emit("escalation_attempt", map[string]any{
				"tier":       a.Tier,
				"method":     string(a.Method),
				"success":    a.Success,
				"confidence": a.Confidence,
				"error":      a.Error,
			})
		},
	})
	return e
}

// Stats exposes the per-run escalation accumulator.
func (e *Executor) Stats() *escalate.Stats { return e.engine.Stats() }

// Execute runs one step and returns its result. Step errors live in
// the result; a non-nil error is reserved for executor-internal
// failures.
func (e *Executor) Execute(ctx context.Context, index int, st *script.Step) *script.StepResult {
	res := &script.StepResult{
		Index:       index,
		Action:      st.Action,
		Description: st.Description,
		Status:      script.StepSuccess,
		StartedAt:   time.Now(),
	}

	timeout := e.stepTimeout
	if st.TimeoutSeconds > 0 {
		timeout = time.Duration(st.TimeoutSeconds) * time.Second
	}

	err := e.dispatch(ctx, st, timeout, res)
	if err != nil {
		res.Status = script.StepError
		res.Error = err.Error()
		res.ErrorKind = errorKind(err)
		e.log.Warn("step failed",
			zap.Int("index", index),
			zap.String("action", string(st.Action)),
			zap.String("kind", res.ErrorKind),
			zap.Error(err))
	}

	// A failed post-step screenshot never fails the step; it only
	// loses the artifact, so surface it in the log.
	if st.ScreenshotAfter {
		if err := e.captureScreenshot(ctx, res, false, driver.Query{}, 0); err != nil {
			e.log.Warn("post-step screenshot failed",
				zap.Int("index", index),
				zap.String("action", string(st.Action)),
				zap.Error(err))
		}
	}

	res.FinishedAt = time.Now()
	res.DurationMS = res.FinishedAt.Sub(res.StartedAt).Milliseconds()
	return res
}

func (e *Executor) dispatch(ctx context.Context, st *script.Step, timeout time.Duration, res *script.StepResult) error {
	switch st.Action {
	case script.KindNavigate:
		return e.doNavigate(ctx, st, timeout)
	case script.KindClick:
		return e.doClick(ctx, st, timeout, res)
	case script.KindFill:
		return e.doFill(ctx, st, timeout)
	case script.KindWait:
		return e.doWait(ctx, st, timeout, res)
	case script.KindPress:
		return e.page.Press(ctx, st.Key)
	case script.KindHover:
		return e.doHover(ctx, st, timeout, res)
	case script.KindSelect:
		q, err := st.Locator.Compile()
		if err != nil {
			return err
		}
		return e.page.SelectOption(ctx, q, e.resolveValue(st), timeout)
	case script.KindScroll:
		return e.page.Scroll(ctx, st.DeltaX, st.DeltaY)
	case script.KindScreenshot:
		return e.doScreenshot(ctx, st, timeout, res)
	case script.KindEvaluate:
		raw, err := e.page.Evaluate(ctx, st.Script)
		if err != nil {
			return err
		}
		res.Value = json.RawMessage(raw)
		return nil
	case script.KindExtract:
		return e.doExtract(ctx, st, timeout, res)
	case script.KindActWithSchema:
		return e.doActWithSchema(ctx, st, res)
	case script.KindValidateProfile:
		return e.doValidateProfile(ctx, st, res)
	default:
		return fmt.Errorf("unhandled action %q", st.Action)
	}
}

func (e *Executor) doNavigate(ctx context.Context, st *script.Step, timeout time.Duration) error {
	wait := st.WaitCondition
	if wait == "" {
		wait = "domcontentloaded"
	}
	if err := e.page.Navigate(ctx, escalate.Interpolate(st.URL, e.vars), wait, timeout); err != nil {
		return err
	}
	if info, err := e.page.Info(ctx); err == nil {
		e.emit("navigate_complete", map[string]any{"url": info.URL, "title": info.Title})
	}
	return nil
}

// resolveTarget resolves the step's element through a locator or, if
// the step carries a chain, the escalation engine.
func (e *Executor) resolveTarget(ctx context.Context, st *script.Step, res *script.StepResult) (driver.Query, *vision.ElementLocation, error) {
	if len(st.Chain) > 0 {
		out, err := e.engine.Run(ctx, st.Chain)
		if err != nil {
			return driver.Query{}, nil, err
		}
		res.Escalation = &out
		if out.Location == nil {
			return driver.Query{}, nil, fmt.Errorf("escalation resolved without a location")
		}
		loc := out.Location
		switch {
		case loc.Selector != "":
			return driver.Query{Mode: driver.QueryCSS, Value: loc.Selector}, loc, nil
		case loc.Text != "":
			return driver.Query{Mode: driver.QueryText, Value: loc.Text}, loc, nil
		default:
			return driver.Query{}, loc, nil
		}
	}
	q, err := st.Locator.Compile()
	return q, nil, err
}

func (e *Executor) doClick(ctx context.Context, st *script.Step, timeout time.Duration, res *script.StepResult) error {
	q, loc, err := e.resolveTarget(ctx, st, res)
	if err != nil {
		return err
	}
	if q.Value == "" && loc != nil {
		// Coordinates are the last resort in the preference order.
		if err := e.page.ClickAt(ctx, loc.X, loc.Y); err != nil {
			return err
		}
	} else if err := e.page.Click(ctx, q, timeout); err != nil {
		return err
	}
	e.emit("click_complete", map[string]any{"target": q.String()})
	return nil
}

func (e *Executor) doHover(ctx context.Context, st *script.Step, timeout time.Duration, res *script.StepResult) error {
	q, _, err := e.resolveTarget(ctx, st, res)
	if err != nil {
		return err
	}
	if q.Value == "" {
		return fmt.Errorf("hover requires a selector or text target")
	}
	return e.page.Hover(ctx, q, timeout)
}

// resolveValue interpolates variables and injected credentials into
// the step value. Credentials land under {{credentials.<field>}}; an
// empty value with injected credentials falls back to the "value"
// field.
func (e *Executor) resolveValue(st *script.Step) string {
	vars := e.vars
	if len(st.Credentials) > 0 {
		vars = make(map[string]string, len(e.vars)+len(st.Credentials))
		for k, v := range e.vars {
			vars[k] = v
		}
		for k, v := range st.Credentials {
			vars["credentials."+k] = fmt.Sprint(v)
		}
	}
	if st.Value == "" && len(st.Credentials) > 0 {
		if v, ok := st.Credentials["value"]; ok {
			return fmt.Sprint(v)
		}
	}
	return escalate.Interpolate(st.Value, vars)
}

func (e *Executor) doFill(ctx context.Context, st *script.Step, timeout time.Duration) error {
	q, err := st.Locator.Compile()
	if err != nil {
		return err
	}
	if err := e.page.Fill(ctx, q, e.resolveValue(st), timeout); err != nil {
		return err
	}
	e.emit("fill_complete", map[string]any{"target": q.String()})
	return nil
}

func (e *Executor) doWait(ctx context.Context, st *script.Step, timeout time.Duration, res *script.StepResult) error {
	if st.DurationMS > 0 {
		select {
		case <-time.After(time.Duration(st.DurationMS) * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if len(st.Chain) > 0 {
		out, err := e.engine.Run(ctx, st.Chain)
		if err != nil {
			return err
		}
		res.Escalation = &out
		return nil
	}
	q, err := st.Locator.Compile()
	if err != nil {
		return err
	}
	return e.retryOnce(ctx, func() error {
		return e.page.WaitForSelector(ctx, q, timeout)
	})
}

func (e *Executor) doScreenshot(ctx context.Context, st *script.Step, timeout time.Duration, res *script.StepResult) error {
	var q driver.Query
	if st.Locator != nil {
		var err error
		if q, err = st.Locator.Compile(); err != nil {
			return err
		}
	}
	return e.captureScreenshot(ctx, res, st.FullPage, q, timeout)
}

func (e *Executor) captureScreenshot(ctx context.Context, res *script.StepResult, fullPage bool, q driver.Query, timeout time.Duration) error {
	var data []byte
	err := e.retryOnce(ctx, func() error {
		var err error
		if q.Value != "" {
			data, err = e.page.ElementScreenshot(ctx, q, timeout)
		} else {
			data, err = e.page.Screenshot(ctx, fullPage)
		}
		return err
	})
	if err != nil {
		return err
	}

	ref := &script.ArtifactRef{
		ID:        uuid.NewString(),
		Category:  "screenshots",
		Filename:  fmt.Sprintf("step-%d-%d.png", res.Index, time.Now().UnixMilli()),
		State:     script.ArtifactPending,
		SizeBytes: len(data),
		StepIndex: res.Index,
	}
	res.Artifacts = append(res.Artifacts, ref)
	if e.sink != nil {
		e.sink.Submit(ref, data)
	}
	e.emit("screenshot", map[string]any{
		"artifact_id": ref.ID,
		"filename":    ref.Filename,
		"step_index":  res.Index,
		"size_bytes":  ref.SizeBytes,
	})
	return nil
}

func (e *Executor) doExtract(ctx context.Context, st *script.Step, timeout time.Duration, res *script.StepResult) error {
	if len(st.Template) > 0 {
		out := make(map[string]any, len(st.Template))
		for field, spec := range st.Template {
			q, err := spec.Compile()
			if err != nil {
				return fmt.Errorf("field %q: %w", field, err)
			}
			text, err := e.page.ElementText(ctx, q, timeout)
			if err != nil {
				return fmt.Errorf("field %q: %w", field, err)
			}
			out[field] = text
		}
		res.Extracted = out
		return nil
	}

	q, _, err := e.resolveTarget(ctx, st, res)
	if err != nil {
		return err
	}
	if q.Value == "" {
		return fmt.Errorf("extract target resolved to coordinates, text extraction impossible")
	}
	text, err := e.page.ElementText(ctx, q, timeout)
	if err != nil {
		return err
	}
	res.Extracted = map[string]any{"text": text}
	return nil
}

func (e *Executor) doActWithSchema(ctx context.Context, st *script.Step, res *script.StepResult) error {
	if e.vis == nil {
		return fmt.Errorf("act_with_schema requires a configured vision client")
	}
	shot, err := e.page.Screenshot(ctx, false)
	if err != nil {
		return err
	}
	out, err := e.vis.GenerateStructured(ctx, escalate.Interpolate(st.Prompt, e.vars), shot, st.Schema)
	if err != nil {
		return err
	}
	res.Extracted = out
	return nil
}

func (e *Executor) doValidateProfile(ctx context.Context, st *script.Step, res *script.StepResult) error {
	if e.profiles == nil || e.profileName == "" {
		return fmt.Errorf("validate_profile requires a persistent profile")
	}
	mode := profile.ValidationMode(st.ValidationMode)
	if mode == "" {
		mode = profile.ValidateStatic
	}
	var asserts profile.RuntimeAsserts
	if st.RuntimeAsserts != nil {
		asserts = *st.RuntimeAsserts
	}
	report, err := e.profiles.Validate(ctx, e.profileName, mode, &pageChecker{page: e.page}, asserts)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode validation report: %w", err)
	}
	res.Value = raw
	return nil
}

// retryOnce retries idempotent driver calls one time after a short
// back-off when the failure looks transient.
func (e *Executor) retryOnce(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !isTransient(err) {
		return err
	}
	select {
	case <-time.After(retryBackoff):
	case <-ctx.Done():
		return err
	}
	e.log.Debug("retrying idempotent operation", zap.Error(err))
	return fn()
}

func isTransient(err error) bool {
	switch driver.KindOf(err) {
	case driver.KindTimeout, driver.KindElementNotFound:
		return true
	default:
		return false
	}
}

// errorKind maps an error to its stable taxonomy string.
func errorKind(err error) string {
	var exhausted *escalate.EscalationExhaustedError
	if errors.As(err, &exhausted) {
		return KindEscalationExhausted
	}
	if k := driver.KindOf(err); k != "" {
		return string(k)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return string(driver.KindTimeout)
	}
	if msg := err.Error(); len(msg) >= 6 && msg[:6] == "schema" {
		return KindSchemaValidation
	}
	return KindInternal
}

// pageChecker adapts a live page into the profile package's runtime
// validation probe.
type pageChecker struct {
	page Page
}

func (c *pageChecker) ProbeUI(ctx context.Context, selector string) (bool, error) {
	n, err := c.page.SelectorCount(ctx, selector)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *pageChecker) HasCookie(ctx context.Context, domain, name string) (bool, error) {
	cookies, err := c.page.CookiesForDomains(ctx, []string{domain})
	if err != nil {
		return false, err
	}
	for _, ck := range cookies {
		if ck.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (c *pageChecker) HasLocalStorageKey(ctx context.Context, key string) (bool, error) {
	keys, err := c.page.LocalStorageKeys(ctx)
	if err != nil {
		return false, err
	}
	for _, k := range keys {
		if k == key {
			return true, nil
		}
	}
	return false, nil
}
