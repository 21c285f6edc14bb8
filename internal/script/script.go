// Package script defines the JSON script format and its validation.
// A script is data; executing it is the runner's job.
package script

import (
	"encoding/json"
	"fmt"
	"os"

	"browsernerd/internal/escalate"
	"browsernerd/internal/profile"
	"browsernerd/internal/vision"
)

// Kind enumerates step actions. Dispatch on Kind is a closed table;
// unknown actions fail validation, never execution.
type Kind string

const (
	KindNavigate        Kind = "navigate"
	KindClick           Kind = "click"
	KindFill            Kind = "fill"
	KindWait            Kind = "wait"
	KindPress           Kind = "press"
	KindHover           Kind = "hover"
	KindSelect          Kind = "select"
	KindScroll          Kind = "scroll"
	KindScreenshot      Kind = "screenshot"
	KindEvaluate        Kind = "evaluate"
	KindExtract         Kind = "extract"
	KindActWithSchema   Kind = "act_with_schema"
	KindValidateProfile Kind = "validate_profile"
)

var knownKinds = map[Kind]bool{
	KindNavigate: true, KindClick: true, KindFill: true, KindWait: true,
	KindPress: true, KindHover: true, KindSelect: true, KindScroll: true,
	KindScreenshot: true, KindEvaluate: true, KindExtract: true,
	KindActWithSchema: true, KindValidateProfile: true,
}

// Step is one unit of work. Fields beyond Action and Description are
// kind-specific; validation enforces which ones each kind needs.
type Step struct {
	Action      Kind   `json:"action"`
	Description string `json:"description"`

	// navigate
	URL           string `json:"url,omitempty"`
	WaitCondition string `json:"wait_condition,omitempty"` // domcontentloaded (default) | networkidle

	// click / fill / hover / select / extract / screenshot / wait
	Locator *LocatorSpec    `json:"locator,omitempty"`
	Chain   []escalate.Rung `json:"escalation_chain,omitempty"`

	// fill / select
	Value string `json:"value,omitempty"`

	// press
	Key string `json:"key,omitempty"`

	// wait
	DurationMS int `json:"duration_ms,omitempty"`

	// scroll
	DeltaX float64 `json:"delta_x,omitempty"`
	DeltaY float64 `json:"delta_y,omitempty"`

	// screenshot
	FullPage bool `json:"full_page,omitempty"`

	// evaluate
	Script string `json:"script,omitempty"`

	// extract
	Template map[string]LocatorSpec `json:"template,omitempty"`

	// act_with_schema
	Prompt string         `json:"prompt,omitempty"`
	Schema *vision.Schema `json:"schema,omitempty"`

	// validate_profile
	ValidationMode string                  `json:"validation_mode,omitempty"` // static | runtime | both
	RuntimeAsserts *profile.RuntimeAsserts `json:"runtime_asserts,omitempty"`

	// cross-cutting
	TimeoutSeconds  int            `json:"timeout_seconds,omitempty"`
	ScreenshotAfter bool           `json:"screenshot_after,omitempty"`
	CredentialTool  string         `json:"credential_tool,omitempty"`
	Credentials     map[string]any `json:"credentials,omitempty"`
}

// Script is the parsed top-level document.
type Script struct {
	Name         string               `json:"name"`
	Description  string               `json:"description,omitempty"`
	StartingPage string               `json:"starting_page,omitempty"`
	AbortOnError bool                 `json:"abort_on_error,omitempty"`
	Session      profile.Requirements `json:"session"`
	Steps        []Step               `json:"steps"`
}

// Load reads and validates a script file.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates script JSON.
func Parse(data []byte) (*Script, error) {
	var s Script
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid script JSON: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks structural requirements before any step runs.
func (s *Script) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("script has no name")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("script %q has no steps", s.Name)
	}
	for i := range s.Steps {
		if err := s.Steps[i].validate(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

// Validate checks a single out-of-band step.
func (st *Step) Validate() error { return st.validate() }

func (st *Step) validate() error {
	if !knownKinds[st.Action] {
		return fmt.Errorf("unknown action %q", st.Action)
	}
	switch st.Action {
	case KindNavigate:
		if st.URL == "" {
			return fmt.Errorf("navigate requires url")
		}
		if st.WaitCondition != "" && st.WaitCondition != "domcontentloaded" && st.WaitCondition != "networkidle" {
			return fmt.Errorf("unknown wait_condition %q", st.WaitCondition)
		}
	case KindClick, KindHover:
		if st.Locator == nil && len(st.Chain) == 0 {
			return fmt.Errorf("%s requires a locator or an escalation chain", st.Action)
		}
	case KindFill, KindSelect:
		if st.Locator == nil {
			return fmt.Errorf("%s requires a locator", st.Action)
		}
		if st.Value == "" && st.CredentialTool == "" {
			return fmt.Errorf("%s requires a value", st.Action)
		}
	case KindPress:
		if st.Key == "" {
			return fmt.Errorf("press requires a key")
		}
	case KindWait:
		if st.Locator == nil && st.DurationMS <= 0 && len(st.Chain) == 0 {
			return fmt.Errorf("wait requires a locator, a chain, or a duration")
		}
	case KindEvaluate:
		if st.Script == "" {
			return fmt.Errorf("evaluate requires a script")
		}
	case KindExtract:
		if st.Locator == nil && len(st.Template) == 0 && len(st.Chain) == 0 {
			return fmt.Errorf("extract requires a locator, a template, or a chain")
		}
	case KindActWithSchema:
		if st.Prompt == "" {
			return fmt.Errorf("act_with_schema requires a prompt")
		}
		if st.Schema == nil {
			return fmt.Errorf("act_with_schema requires a schema")
		}
	case KindValidateProfile:
		switch st.ValidationMode {
		case "", "static", "runtime", "both":
		default:
			return fmt.Errorf("unknown validation_mode %q", st.ValidationMode)
		}
	}
	if len(st.Chain) > 0 {
		if err := escalate.ValidateChain(st.Chain); err != nil {
			return err
		}
	}
	if st.Locator != nil {
		if _, err := st.Locator.Compile(); err != nil {
			return err
		}
	}
	return nil
}
