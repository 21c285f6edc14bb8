// Package vision wraps multimodal LLM providers behind one capability:
// look at a screenshot, answer a question about it. The escalation
// engine is the only paying customer; everything here is metered.
package vision

import (
	"context"
	"time"
)

// Verdict is a yes/no decision about a screenshot.
type Verdict struct {
	Met        bool    `json:"met"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// ElementLocation points at an element in a screenshot. Providers are
// asked for a selector first, visible text second, raw coordinates
// last; consumers honor that preference order.
type ElementLocation struct {
	Found      bool    `json:"found"`
	Selector   string  `json:"selector,omitempty"`
	Text       string  `json:"text,omitempty"`
	X          float64 `json:"x,omitempty"`
	Y          float64 `json:"y,omitempty"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// Client is one multimodal provider. Implementations must be safe for
// concurrent use; every call costs real money and counts against the
// per-script vision cap upstream.
type Client interface {
	// VerifyOutcome asks whether the screenshot satisfies the
	// condition described by prompt.
	VerifyOutcome(ctx context.Context, screenshot []byte, prompt string) (Verdict, error)

	// LocateElement asks where in the screenshot the described
	// element is.
	LocateElement(ctx context.Context, screenshot []byte, description string) (ElementLocation, error)

	// GenerateStructured runs a free-form prompt (optionally with a
	// screenshot) and validates the model's JSON reply against the
	// caller's schema.
	GenerateStructured(ctx context.Context, prompt string, screenshot []byte, schema *Schema) (map[string]any, error)

	// CostPerCall is the configured USD estimate per invocation, used
	// for escalation cost accounting.
	CostPerCall() float64

	// Provider returns the provider id ("gemini", "openai", ...).
	Provider() string
}

// Config selects and parameterizes a provider.
type Config struct {
	Provider       string
	APIKey         string
	Model          string
	BaseURL        string
	Timeout        time.Duration
	CostPerCallUSD float64
}

const (
	verifyPrompt = `You are inspecting a browser screenshot.
Condition: %s
Reply with ONLY a JSON object: {"met": bool, "confidence": number 0.0-1.0, "reasoning": "one sentence"}`

	locatePrompt = `You are inspecting a browser screenshot to locate an element.
Element: %s
Reply with ONLY a JSON object:
{"found": bool, "selector": "CSS selector if derivable else empty", "text": "exact visible text if any else empty", "x": number, "y": number, "confidence": number 0.0-1.0}
Prefer selector over text over coordinates. Coordinates are CSS pixels from the top-left.`
)
