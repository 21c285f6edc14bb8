package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"browsernerd/internal/driver"
	"browsernerd/internal/escalate"
	"browsernerd/internal/script"
)

// fakePage scripts per-target behavior and records every call.
type fakePage struct {
	mu        sync.Mutex
	calls     []string
	failOn    map[string]error // query string -> error
	failOnce  map[string]error
	selectors map[string]int
	texts     map[string]string
	navDelay  time.Duration
	navErr    error
	shotErr   error
}

func newFakePage() *fakePage {
	return &fakePage{
		failOn:    map[string]error{},
		failOnce:  map[string]error{},
		selectors: map[string]int{},
		texts:     map[string]string{},
	}
}

func (f *fakePage) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakePage) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakePage) errFor(q driver.Query) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failOnce[q.Value]; ok {
		delete(f.failOnce, q.Value)
		return err
	}
	return f.failOn[q.Value]
}

func (f *fakePage) Navigate(ctx context.Context, url, _ string, _ time.Duration) error {
	f.record("navigate:" + url)
	if f.navDelay > 0 {
		select {
		case <-time.After(f.navDelay):
		case <-ctx.Done():
			return &driver.OpError{Op: "navigate", Kind: driver.KindTimeout, Err: ctx.Err()}
		}
	}
	return f.navErr
}

func (f *fakePage) Click(_ context.Context, q driver.Query, _ time.Duration) error {
	f.record("click:" + q.Value)
	return f.errFor(q)
}

func (f *fakePage) ClickAt(_ context.Context, x, y float64) error {
	f.record(fmt.Sprintf("click_at:%.0f,%.0f", x, y))
	return nil
}

func (f *fakePage) Fill(_ context.Context, q driver.Query, text string, _ time.Duration) error {
	f.record("fill:" + q.Value + "=" + text)
	return f.errFor(q)
}

func (f *fakePage) Press(_ context.Context, key string) error {
	f.record("press:" + key)
	return nil
}

func (f *fakePage) Hover(_ context.Context, q driver.Query, _ time.Duration) error {
	f.record("hover:" + q.Value)
	return f.errFor(q)
}

func (f *fakePage) SelectOption(_ context.Context, q driver.Query, value string, _ time.Duration) error {
	f.record("select:" + q.Value + "=" + value)
	return f.errFor(q)
}

func (f *fakePage) Scroll(_ context.Context, dx, dy float64) error {
	f.record(fmt.Sprintf("scroll:%.0f,%.0f", dx, dy))
	return nil
}

func (f *fakePage) WaitForSelector(_ context.Context, q driver.Query, _ time.Duration) error {
	f.record("wait:" + q.Value)
	return f.errFor(q)
}

func (f *fakePage) Screenshot(context.Context, bool) ([]byte, error) {
	f.record("screenshot")
	if f.shotErr != nil {
		return nil, f.shotErr
	}
	return []byte("png-bytes"), nil
}

func (f *fakePage) ElementScreenshot(_ context.Context, q driver.Query, _ time.Duration) ([]byte, error) {
	f.record("element_screenshot:" + q.Value)
	if err := f.errFor(q); err != nil {
		return nil, err
	}
	return []byte("png-bytes"), nil
}

func (f *fakePage) Evaluate(_ context.Context, js string) ([]byte, error) {
	f.record("evaluate")
	return []byte(`{"answer":42}`), nil
}

func (f *fakePage) EvalBool(context.Context, string) (bool, error) { return false, nil }

func (f *fakePage) ElementText(_ context.Context, q driver.Query, _ time.Duration) (string, error) {
	f.record("text:" + q.Value)
	if err := f.errFor(q); err != nil {
		return "", err
	}
	return f.texts[q.Value], nil
}

func (f *fakePage) SelectorCount(_ context.Context, sel string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.selectors[sel], nil
}

func (f *fakePage) Info(context.Context) (driver.PageInfo, error) {
	return driver.PageInfo{URL: "https://x.test/page", Title: "Page"}, nil
}

func (f *fakePage) CookiesForDomains(context.Context, []string) ([]driver.Cookie, error) {
	return nil, nil
}

func (f *fakePage) LocalStorageKeys(context.Context) ([]string, error) { return nil, nil }

// eventLog captures the emitted stream in order.
type eventLog struct {
	mu     sync.Mutex
	events []recordedEvent
	hooks  map[string]func(recordedEvent)
}

type recordedEvent struct {
	Type    string
	Payload map[string]any
}

func newEventLog() *eventLog {
	return &eventLog{hooks: map[string]func(recordedEvent){}}
}

func (l *eventLog) emit(typ string, payload map[string]any) {
	ev := recordedEvent{Type: typ, Payload: payload}
	l.mu.Lock()
	l.events = append(l.events, ev)
	hook := l.hooks[typ]
	l.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
}

func (l *eventLog) all() []recordedEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]recordedEvent(nil), l.events...)
}

func (l *eventLog) stepStarts() []int {
	var out []int
	for _, ev := range l.all() {
		if ev.Type == "step_start" {
			out = append(out, ev.Payload["index"].(int))
		}
	}
	return out
}

func clickStep(selector string) script.Step {
	return script.Step{
		Action:  script.KindClick,
		Locator: &script.LocatorSpec{Kind: script.LocatorSelector, Value: selector},
	}
}

func buildRunner(t *testing.T, scr *script.Script, page *fakePage, log *eventLog) *Runner {
	t.Helper()
	exec := NewExecutor(ExecutorOptions{
		Page:      page,
		SessionID: "sess-1",
		Emit:      log.emit,
	})
	return New(RunnerOptions{
		Executor:  exec,
		Script:    scr,
		SessionID: "sess-1",
		Emit:      log.emit,
	})
}

func TestAbortOnErrorStopsAtFailingStep(t *testing.T) {
	page := newFakePage()
	page.failOn["#missing"] = &driver.OpError{
		Op: "click", Kind: driver.KindElementNotFound,
		Err: errors.New("cannot find element"),
	}

	scr := &script.Script{
		Name:         "abort-demo",
		AbortOnError: true,
		Steps: []script.Step{
			clickStep("#a"), clickStep("#b"), clickStep("#missing"),
			clickStep("#never-1"), clickStep("#never-2"),
		},
	}
	log := newEventLog()
	result := buildRunner(t, scr, page, log).Run(context.Background())

	assert.Equal(t, script.RunAborted, result.Status)
	assert.Equal(t, "ElementNotFound", result.ErrorKind)
	require.Len(t, result.StepResults, 3)
	assert.Equal(t, script.StepSuccess, result.StepResults[0].Status)
	assert.Equal(t, script.StepSuccess, result.StepResults[1].Status)
	assert.Equal(t, script.StepError, result.StepResults[2].Status)
	assert.Equal(t, []int{0, 1, 2}, log.stepStarts())
	assert.NotContains(t, page.callLog(), "click:#never-1")
}

func TestContinueOnErrorRunsEveryStep(t *testing.T) {
	page := newFakePage()
	page.failOn["#missing"] = &driver.OpError{
		Op: "click", Kind: driver.KindElementNotFound,
		Err: errors.New("cannot find element"),
	}

	scr := &script.Script{
		Name: "continue-demo",
		Steps: []script.Step{
			clickStep("#a"), clickStep("#missing"), clickStep("#c"),
		},
	}
	log := newEventLog()
	result := buildRunner(t, scr, page, log).Run(context.Background())

	assert.Equal(t, script.RunCompleted, result.Status)
	require.Len(t, result.StepResults, len(scr.Steps))
	assert.Equal(t, script.StepError, result.StepResults[1].Status)
	assert.Equal(t, script.StepSuccess, result.StepResults[2].Status)
}

func TestPauseBlocksNextStepUntilResume(t *testing.T) {
	page := newFakePage()
	scr := &script.Script{
		Name: "pause-demo",
		Steps: []script.Step{
			clickStep("#s0"), clickStep("#s1"), clickStep("#s2"),
			clickStep("#s3"), clickStep("#s4"), clickStep("#s5"),
		},
	}
	log := newEventLog()
	r := buildRunner(t, scr, page, log)

	resumed := make(chan struct{})
	log.hooks["step_complete"] = func(ev recordedEvent) {
		if ev.Payload["index"].(int) == 2 {
			r.Pause()
			go func() {
				// While paused, step 3 must not start.
				time.Sleep(150 * time.Millisecond)
				assert.NotContains(t, page.callLog(), "click:#s3")
				r.Resume()
				close(resumed)
			}()
		}
	}

	result := r.Run(context.Background())
	<-resumed

	assert.Equal(t, script.RunCompleted, result.Status)
	assert.Len(t, result.StepResults, 6)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, log.stepStarts())

	var order []string
	for _, ev := range log.all() {
		switch ev.Type {
		case "script_paused", "script_resumed":
			order = append(order, ev.Type)
		case "step_start":
			if ev.Payload["index"].(int) == 3 {
				order = append(order, "start-3")
			}
		}
	}
	assert.Equal(t, []string{"script_paused", "script_resumed", "start-3"}, order)
}

func TestStopEndsRunWithoutFurtherSteps(t *testing.T) {
	page := newFakePage()
	scr := &script.Script{
		Name: "stop-demo",
		Steps: []script.Step{
			clickStep("#s0"), clickStep("#s1"), clickStep("#s2"), clickStep("#s3"),
		},
	}
	log := newEventLog()
	r := buildRunner(t, scr, page, log)

	log.hooks["step_complete"] = func(ev recordedEvent) {
		if ev.Payload["index"].(int) == 1 {
			r.Stop()
		}
	}

	result := r.Run(context.Background())

	assert.Equal(t, script.RunStopped, result.Status)
	assert.Len(t, result.StepResults, 2)
	assert.Equal(t, []int{0, 1}, log.stepStarts())
	assert.NotContains(t, page.callLog(), "click:#s2")

	// Stop after the run finished is a no-op.
	r.Stop()
	assert.False(t, r.Running())
}

func TestStartingPageIsPseudoStep(t *testing.T) {
	page := newFakePage()
	scr := &script.Script{
		Name:         "with-start",
		StartingPage: "https://x.test/login",
		Steps:        []script.Step{clickStep("#go")},
	}
	log := newEventLog()
	result := buildRunner(t, scr, page, log).Run(context.Background())

	assert.Equal(t, script.RunCompleted, result.Status)
	require.NotNil(t, result.StartingPage)
	assert.Equal(t, -1, result.StartingPage.Index)
	assert.Equal(t, script.KindNavigate, result.StartingPage.Action)
	require.Len(t, result.StepResults, 1)
	assert.Equal(t, 0, result.StepResults[0].Index)
	assert.Equal(t, []int{-1, 0}, log.stepStarts())
}

func TestStartingPageStaysOutOfStepResults(t *testing.T) {
	page := newFakePage()
	page.failOn["#flaky"] = &driver.OpError{
		Op: "click", Kind: driver.KindElementNotFound,
		Err: errors.New("cannot find element"),
	}
	scr := &script.Script{
		Name:         "start-and-continue",
		StartingPage: "https://x.test/home",
		Steps:        []script.Step{clickStep("#flaky"), clickStep("#ok")},
	}
	log := newEventLog()
	result := buildRunner(t, scr, page, log).Run(context.Background())

	assert.Equal(t, script.RunCompleted, result.Status)
	require.Len(t, result.StepResults, len(scr.Steps))
	for i, sr := range result.StepResults {
		assert.Equal(t, i, sr.Index)
	}
	assert.Equal(t, script.StepError, result.StepResults[0].Status)
}

func TestStartingPageFailureAbortsRun(t *testing.T) {
	page := newFakePage()
	page.navErr = &driver.OpError{
		Op: "navigate", Kind: driver.KindNavigationFailed,
		Err: errors.New("net::ERR_NAME_NOT_RESOLVED"),
	}
	scr := &script.Script{
		Name:         "bad-start",
		StartingPage: "https://nope.invalid",
		Steps:        []script.Step{clickStep("#never")},
	}
	log := newEventLog()
	result := buildRunner(t, scr, page, log).Run(context.Background())

	assert.Equal(t, script.RunError, result.Status)
	assert.Equal(t, "NavigationFailed", result.ErrorKind)
	require.NotNil(t, result.StartingPage)
	assert.Equal(t, script.StepError, result.StartingPage.Status)
	assert.Empty(t, result.StepResults)
	assert.NotContains(t, page.callLog(), "click:#never")
}

func TestDeadlineExceededSurfacesAsError(t *testing.T) {
	page := newFakePage()
	page.navDelay = 5 * time.Second
	scr := &script.Script{
		Name: "slow",
		Steps: []script.Step{
			{Action: script.KindNavigate, URL: "https://slow.test"},
			clickStep("#after"),
		},
	}
	log := newEventLog()
	exec := NewExecutor(ExecutorOptions{Page: page, Emit: log.emit})
	r := New(RunnerOptions{
		Executor: exec,
		Script:   scr,
		Deadline: 100 * time.Millisecond,
		Emit:     log.emit,
	})

	result := r.Run(context.Background())
	assert.Equal(t, script.RunError, result.Status)
	assert.Equal(t, KindDeadlineExceeded, result.ErrorKind)
	assert.NotContains(t, page.callLog(), "click:#after")
}

func TestIdempotentWaitRetriesOnce(t *testing.T) {
	page := newFakePage()
	page.failOnce["#late"] = &driver.OpError{
		Op: "wait_for_selector", Kind: driver.KindTimeout,
		Err: context.DeadlineExceeded,
	}
	scr := &script.Script{
		Name: "retry",
		Steps: []script.Step{
			{Action: script.KindWait, Locator: &script.LocatorSpec{Kind: script.LocatorSelector, Value: "#late"}},
		},
	}
	log := newEventLog()
	result := buildRunner(t, scr, page, log).Run(context.Background())

	assert.Equal(t, script.RunCompleted, result.Status)
	assert.Equal(t, script.StepSuccess, result.StepResults[0].Status)

	var waits int
	for _, c := range page.callLog() {
		if c == "wait:#late" {
			waits++
		}
	}
	assert.Equal(t, 2, waits)
}

func TestClickIsNotRetried(t *testing.T) {
	page := newFakePage()
	page.failOnce["#flaky"] = &driver.OpError{
		Op: "click", Kind: driver.KindElementNotFound,
		Err: errors.New("cannot find element"),
	}
	scr := &script.Script{Name: "no-retry", Steps: []script.Step{clickStep("#flaky")}}
	log := newEventLog()
	result := buildRunner(t, scr, page, log).Run(context.Background())

	assert.Equal(t, script.StepError, result.StepResults[0].Status)
	var clicks int
	for _, c := range page.callLog() {
		if c == "click:#flaky" {
			clicks++
		}
	}
	assert.Equal(t, 1, clicks)
}

type captureSink struct {
	mu   sync.Mutex
	refs []*script.ArtifactRef
	data [][]byte
}

func (s *captureSink) Submit(ref *script.ArtifactRef, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs = append(s.refs, ref)
	s.data = append(s.data, data)
}

func TestScreenshotProducesArtifact(t *testing.T) {
	page := newFakePage()
	sink := &captureSink{}
	scr := &script.Script{
		Name: "shots",
		Steps: []script.Step{
			{Action: script.KindScreenshot, FullPage: true},
			{Action: script.KindPress, Key: "enter", ScreenshotAfter: true},
		},
	}
	log := newEventLog()
	exec := NewExecutor(ExecutorOptions{Page: page, SessionID: "sess-9", Sink: sink, Emit: log.emit})
	r := New(RunnerOptions{Executor: exec, Script: scr, SessionID: "sess-9", Emit: log.emit})

	result := r.Run(context.Background())
	require.Equal(t, script.RunCompleted, result.Status)

	refs := result.Artifacts()
	require.Len(t, refs, 2)
	for _, ref := range refs {
		assert.Equal(t, "screenshots", ref.Category)
		assert.Equal(t, script.ArtifactPending, ref.State)
		assert.NotEmpty(t, ref.ID)
	}
	assert.Equal(t, 0, refs[0].StepIndex)
	assert.Equal(t, 1, refs[1].StepIndex)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.refs, 2)
	assert.Equal(t, []byte("png-bytes"), sink.data[0])
}

func TestFailedPostStepScreenshotKeepsStepSuccess(t *testing.T) {
	page := newFakePage()
	page.shotErr = &driver.OpError{
		Op: "screenshot", Kind: driver.KindTimeout,
		Err: context.DeadlineExceeded,
	}
	sink := &captureSink{}
	scr := &script.Script{
		Name: "shot-lost",
		Steps: []script.Step{
			{Action: script.KindPress, Key: "enter", ScreenshotAfter: true},
		},
	}
	log := newEventLog()
	exec := NewExecutor(ExecutorOptions{Page: page, SessionID: "sess-9", Sink: sink, Emit: log.emit})
	r := New(RunnerOptions{Executor: exec, Script: scr, SessionID: "sess-9", Emit: log.emit})

	result := r.Run(context.Background())
	assert.Equal(t, script.RunCompleted, result.Status)
	assert.Equal(t, script.StepSuccess, result.StepResults[0].Status)
	assert.Empty(t, result.Artifacts())
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Empty(t, sink.refs)
}

func TestFillResolvesCredentials(t *testing.T) {
	page := newFakePage()
	scr := &script.Script{
		Name: "login",
		Steps: []script.Step{
			{
				Action:      script.KindFill,
				Locator:     &script.LocatorSpec{Kind: script.LocatorID, Value: "user"},
				Value:       "{{credentials.username}}",
				Credentials: map[string]any{"username": "alice"},
			},
			{
				Action:         script.KindFill,
				Locator:        &script.LocatorSpec{Kind: script.LocatorID, Value: "pass"},
				CredentialTool: "shop-login",
				Credentials:    map[string]any{"value": "s3cret"},
			},
		},
	}
	log := newEventLog()
	result := buildRunner(t, scr, page, log).Run(context.Background())

	require.Equal(t, script.RunCompleted, result.Status)
	calls := page.callLog()
	assert.Contains(t, calls, "fill:#user=alice")
	assert.Contains(t, calls, "fill:#pass=s3cret")
}

func TestExtractWithTemplate(t *testing.T) {
	page := newFakePage()
	page.texts[".price"] = "$19.99"
	page.texts[".title"] = "Blue Widget"
	scr := &script.Script{
		Name: "extract",
		Steps: []script.Step{
			{
				Action: script.KindExtract,
				Template: map[string]script.LocatorSpec{
					"price": {Kind: script.LocatorClass, Value: "price"},
					"title": {Kind: script.LocatorClass, Value: "title"},
				},
			},
		},
	}
	log := newEventLog()
	result := buildRunner(t, scr, page, log).Run(context.Background())

	require.Equal(t, script.RunCompleted, result.Status)
	assert.Equal(t, map[string]any{"price": "$19.99", "title": "Blue Widget"}, result.StepResults[0].Extracted)
}

func TestClickThroughEscalationChain(t *testing.T) {
	page := newFakePage()
	page.selectors["#add-to-cart"] = 1
	scr := &script.Script{
		Name: "chain-click",
		Steps: []script.Step{
			{
				Action: script.KindClick,
				Chain:  escalate.DefaultClickChain("#add-to-cart", "the add to cart button"),
			},
		},
	}
	log := newEventLog()
	result := buildRunner(t, scr, page, log).Run(context.Background())

	require.Equal(t, script.RunCompleted, result.Status)
	sr := result.StepResults[0]
	assert.Equal(t, script.StepSuccess, sr.Status)
	require.NotNil(t, sr.Escalation)
	assert.Equal(t, 1, sr.Escalation.Tier)
	assert.Equal(t, 0.0, sr.Escalation.CostEstimate)
	assert.Contains(t, page.callLog(), "click:#add-to-cart")
	assert.Equal(t, 0, result.Stats.TotalVisionCalls)
}

func TestEscalationExhaustedIsStepError(t *testing.T) {
	page := newFakePage()
	scr := &script.Script{
		Name:         "chain-miss",
		AbortOnError: true,
		Steps: []script.Step{
			{
				Action: script.KindClick,
				Chain:  escalate.DefaultClickChain("#gone", ""),
			},
		},
	}
	log := newEventLog()
	result := buildRunner(t, scr, page, log).Run(context.Background())

	assert.Equal(t, script.RunAborted, result.Status)
	assert.Equal(t, KindEscalationExhausted, result.ErrorKind)
}
