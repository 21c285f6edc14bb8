// Package escalate implements the progressive ladder from free DOM
// checks up to paid vision calls. A correctly built chain resolves
// most actions at the free tiers; vision is the tail.
package escalate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"browsernerd/internal/driver"
	"browsernerd/internal/logging"
	"browsernerd/internal/vision"
)

// Method names one rung implementation. Dispatch is a closed table;
// unknown methods are rejected at chain validation.
type Method string

const (
	MethodDOMTitle     Method = "dom_title"
	MethodDOMURL       Method = "dom_url"
	MethodDOMSelector  Method = "dom_selector_exists"
	MethodDOMEvaluate  Method = "dom_evaluate"
	MethodLocator      Method = "locator"
	MethodVisionVerify Method = "vision_verify"
	MethodVisionFind   Method = "vision_find_element"
)

// tierOf maps methods onto the four-tier ladder.
func tierOf(m Method) int {
	switch m {
	case MethodDOMTitle, MethodDOMURL, MethodDOMSelector, MethodDOMEvaluate:
		return 0
	case MethodLocator:
		return 1
	case MethodVisionVerify:
		return 2
	case MethodVisionFind:
		return 3
	default:
		return -1
	}
}

// Rung is one entry of an escalation chain.
type Rung struct {
	Method              Method            `json:"method"`
	Params              map[string]string `json:"params"`
	ConfidenceThreshold float64           `json:"confidence_threshold"`
}

// Target is what the engine needs from a live page. driver.Handle
// satisfies it; tests substitute fakes.
type Target interface {
	Info(ctx context.Context) (driver.PageInfo, error)
	SelectorCount(ctx context.Context, selector string) (int, error)
	EvalBool(ctx context.Context, js string) (bool, error)
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
}

// Outcome is the first rung result that cleared its threshold.
type Outcome struct {
	Success        bool                    `json:"success"`
	Tier           int                     `json:"level_used"`
	Method         Method                  `json:"method_name"`
	Confidence     float64                 `json:"confidence"`
	CostEstimate   float64                 `json:"cost_estimate"`
	CumulativeCost float64                 `json:"cumulative_cost"`
	Verdict        *vision.Verdict         `json:"verdict,omitempty"`
	Location       *vision.ElementLocation `json:"location,omitempty"`
}

// Attempt describes one rung execution, success or not. Emitted to
// the observer callback as each rung finishes.
type Attempt struct {
	Tier       int           `json:"tier"`
	Method     Method        `json:"method"`
	Success    bool          `json:"success"`
	Confidence float64       `json:"confidence"`
	Cost       float64       `json:"cost"`
	Error      string        `json:"error,omitempty"`
	Elapsed    time.Duration `json:"elapsed_ms"`
}

// Stats accumulates per-run cost accounting. One Stats instance is
// shared by every escalation in a script run.
type Stats struct {
	TotalEscalations  int         `json:"total_escalations"`
	TierSuccesses     map[int]int `json:"tier_successes"`
	TotalVisionCalls  int         `json:"total_vision_calls"`
	CumulativeCostUSD float64     `json:"cumulative_cost_usd"`
}

// NewStats returns an empty accumulator.
func NewStats() *Stats {
	return &Stats{TierSuccesses: make(map[int]int)}
}

// EscalationExhaustedError reports that every rung failed.
type EscalationExhaustedError struct {
	ChainLength int
	Attempts    []Attempt
}

func (e *EscalationExhaustedError) Error() string {
	return fmt.Sprintf("escalation exhausted after %d tiers", e.ChainLength)
}

// ErrVisionBudgetExceeded marks a vision rung skipped because the
// per-script cap was hit.
var ErrVisionBudgetExceeded = errors.New("vision call budget exceeded")

// Engine runs escalation chains. Not safe for concurrent use; each
// script run owns one Engine.
type Engine struct {
	target  Target
	vis     vision.Client
	stats   *Stats
	maxVis  int
	vars    map[string]string
	observe func(Attempt)
	log     *zap.Logger
}

// Options parameterize an Engine.
type Options struct {
	Vision         vision.Client // nil disables tiers 2-3
	Stats          *Stats        // shared per-run accumulator; nil allocates
	MaxVisionCalls int           // per-run cap; <=0 means unlimited
	Vars           map[string]string
	Observe        func(Attempt) // per-attempt callback; nil is fine
}

// New builds an engine bound to one page target.
func New(target Target, opts Options) *Engine {
	stats := opts.Stats
	if stats == nil {
		stats = NewStats()
	}
	return &Engine{
		target:  target,
		vis:     opts.Vision,
		stats:   stats,
		maxVis:  opts.MaxVisionCalls,
		vars:    opts.Vars,
		observe: opts.Observe,
		log:     logging.Get(logging.CategoryEscalation),
	}
}

// Stats exposes the shared accumulator.
func (e *Engine) Stats() *Stats { return e.stats }

// ValidateChain rejects chains with unknown methods before any rung
// runs.
func ValidateChain(chain []Rung) error {
	if len(chain) == 0 {
		return errors.New("empty escalation chain")
	}
	for i, r := range chain {
		if tierOf(r.Method) < 0 {
			return fmt.Errorf("rung %d: unknown method %q", i, r.Method)
		}
	}
	return nil
}

// Run executes the chain cheapest-first and returns the first outcome
// that clears its rung's confidence threshold. Rung errors count as
// rung failure, never as step failure.
func (e *Engine) Run(ctx context.Context, chain []Rung) (Outcome, error) {
	if err := ValidateChain(chain); err != nil {
		return Outcome{}, err
	}
	e.stats.TotalEscalations++

	attempts := make([]Attempt, 0, len(chain))
	for _, rung := range chain {
		start := time.Now()
		out, err := e.runRung(ctx, rung)
		att := Attempt{
			Tier:       tierOf(rung.Method),
			Method:     rung.Method,
			Confidence: out.Confidence,
			Cost:       out.CostEstimate,
			Elapsed:    time.Since(start),
		}
		if err != nil {
			att.Error = err.Error()
		}

		threshold := rung.ConfidenceThreshold
		passed := err == nil && out.Success && out.Confidence >= threshold
		att.Success = passed
		attempts = append(attempts, att)
		if e.observe != nil {
			e.observe(att)
		}

		if passed {
			e.stats.TierSuccesses[att.Tier]++
			out.Tier = att.Tier
			out.Method = rung.Method
			out.CumulativeCost = e.stats.CumulativeCostUSD
			e.log.Debug("escalation resolved",
				zap.Int("tier", att.Tier),
				zap.String("method", string(rung.Method)),
				zap.Float64("confidence", out.Confidence))
			return out, nil
		}
		e.log.Debug("escalation rung failed",
			zap.Int("tier", att.Tier),
			zap.String("method", string(rung.Method)),
			zap.Float64("confidence", out.Confidence),
			zap.String("error", att.Error))

		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
	}
	return Outcome{}, &EscalationExhaustedError{ChainLength: len(chain), Attempts: attempts}
}

func (e *Engine) runRung(ctx context.Context, rung Rung) (Outcome, error) {
	params := interpolateParams(rung.Params, e.vars)

	switch rung.Method {
	case MethodDOMTitle:
		return e.domInfoMatch(ctx, params["contains"], true)
	case MethodDOMURL:
		return e.domInfoMatch(ctx, params["contains"], false)
	case MethodDOMSelector:
		return e.domSelector(ctx, params["selector"])
	case MethodDOMEvaluate:
		return e.domEvaluate(ctx, params["script"])
	case MethodLocator:
		return e.locator(ctx, params["selector"])
	case MethodVisionVerify:
		return e.visionVerify(ctx, params["prompt"])
	case MethodVisionFind:
		return e.visionFind(ctx, params["prompt"])
	default:
		return Outcome{}, fmt.Errorf("unknown method %q", rung.Method)
	}
}

// Tier 0: fixed-confidence DOM matches.

func (e *Engine) domInfoMatch(ctx context.Context, needle string, title bool) (Outcome, error) {
	if needle == "" {
		return Outcome{}, errors.New("missing contains parameter")
	}
	info, err := e.target.Info(ctx)
	if err != nil {
		return Outcome{}, err
	}
	haystack := info.URL
	if title {
		haystack = info.Title
	}
	if strings.Contains(strings.ToLower(haystack), strings.ToLower(needle)) {
		// URL matches are exact page identity; titles are weaker.
		conf := 1.0
		if title {
			conf = 0.9
		}
		return Outcome{Success: true, Confidence: conf}, nil
	}
	return Outcome{Success: false}, nil
}

func (e *Engine) domSelector(ctx context.Context, selector string) (Outcome, error) {
	if selector == "" {
		return Outcome{}, errors.New("missing selector parameter")
	}
	n, err := e.target.SelectorCount(ctx, selector)
	if err != nil {
		return Outcome{}, err
	}
	if n > 0 {
		return Outcome{Success: true, Confidence: 1.0}, nil
	}
	return Outcome{Success: false}, nil
}

func (e *Engine) domEvaluate(ctx context.Context, script string) (Outcome, error) {
	if script == "" {
		return Outcome{}, errors.New("missing script parameter")
	}
	ok, err := e.target.EvalBool(ctx, script)
	if err != nil {
		return Outcome{}, err
	}
	if ok {
		return Outcome{Success: true, Confidence: 0.8}, nil
	}
	return Outcome{Success: false}, nil
}

// Tier 1: structural locator. count>0 is a 0.95-confidence hit.

func (e *Engine) locator(ctx context.Context, selector string) (Outcome, error) {
	if selector == "" {
		return Outcome{}, errors.New("missing selector parameter")
	}
	n, err := e.target.SelectorCount(ctx, selector)
	if err != nil {
		return Outcome{}, err
	}
	if n > 0 {
		return Outcome{
			Success:    true,
			Confidence: 0.95,
			Location:   &vision.ElementLocation{Found: true, Selector: selector, Confidence: 0.95},
		}, nil
	}
	return Outcome{Success: false}, nil
}

// Tiers 2-3: paid vision. Budget and client presence are checked
// before the screenshot so a capped run takes no pixels.

func (e *Engine) visionBudgetOK() error {
	if e.vis == nil {
		return errors.New("no vision client configured")
	}
	if e.maxVis > 0 && e.stats.TotalVisionCalls >= e.maxVis {
		return fmt.Errorf("%w (cap %d)", ErrVisionBudgetExceeded, e.maxVis)
	}
	return nil
}

func (e *Engine) chargeVisionCall() float64 {
	cost := e.vis.CostPerCall()
	e.stats.TotalVisionCalls++
	e.stats.CumulativeCostUSD += cost
	return cost
}

func (e *Engine) visionVerify(ctx context.Context, prompt string) (Outcome, error) {
	if prompt == "" {
		return Outcome{}, errors.New("missing prompt parameter")
	}
	if err := e.visionBudgetOK(); err != nil {
		return Outcome{}, err
	}
	shot, err := e.target.Screenshot(ctx, false)
	if err != nil {
		return Outcome{}, err
	}
	cost := e.chargeVisionCall()
	v, err := e.vis.VerifyOutcome(ctx, shot, prompt)
	if err != nil {
		return Outcome{CostEstimate: cost}, err
	}
	return Outcome{
		Success:      v.Met,
		Confidence:   v.Confidence,
		CostEstimate: cost,
		Verdict:      &v,
	}, nil
}

func (e *Engine) visionFind(ctx context.Context, prompt string) (Outcome, error) {
	if prompt == "" {
		return Outcome{}, errors.New("missing prompt parameter")
	}
	if err := e.visionBudgetOK(); err != nil {
		return Outcome{}, err
	}
	shot, err := e.target.Screenshot(ctx, false)
	if err != nil {
		return Outcome{}, err
	}
	cost := e.chargeVisionCall()
	loc, err := e.vis.LocateElement(ctx, shot, prompt)
	if err != nil {
		return Outcome{CostEstimate: cost}, err
	}
	return Outcome{
		Success:      loc.Found,
		Confidence:   loc.Confidence,
		CostEstimate: cost,
		Location:     &loc,
	}, nil
}

// DefaultClickChain is the chain a click step gets when the script
// supplies a selector and a vision prompt but no explicit chain.
func DefaultClickChain(selector, visionPrompt string) []Rung {
	chain := []Rung{
		{Method: MethodLocator, Params: map[string]string{"selector": selector}, ConfidenceThreshold: 0.9},
	}
	if visionPrompt != "" {
		chain = append(chain, Rung{
			Method:              MethodVisionFind,
			Params:              map[string]string{"prompt": visionPrompt},
			ConfidenceThreshold: 0.7,
		})
	}
	return chain
}

// ParseThreshold reads a threshold string, tolerating the empty
// default.
func ParseThreshold(s string, def float64) float64 {
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return f
}
