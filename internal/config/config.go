// Package config holds all browserNERD configuration.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds process-wide configuration.
type Config struct {
	// Profile storage
	ProfilesRoot string `yaml:"profiles_root"`

	// Artifact uploads. Empty bucket disables uploads.
	ArtifactBucket string `yaml:"artifact_bucket"`

	// Browser defaults
	DefaultBrowserChannel string        `yaml:"default_browser_channel"`
	Browser               BrowserConfig `yaml:"browser"`

	// Timeouts (seconds)
	DefaultStepTimeout    int `yaml:"default_step_timeout"`
	DefaultScriptDeadline int `yaml:"default_script_deadline"`
	SessionDrainDeadline  int `yaml:"session_drain_deadline"`

	// Escalation safety cap
	MaxVisionEscalationsPerScript int `yaml:"max_vision_escalations_per_script"`

	// Vision LLM
	LLM LLMConfig `yaml:"llm"`

	// Per-tool credential store
	ConsolidatedSecretPath string `yaml:"consolidated_secret_path"`

	// Control plane
	Server ServerConfig `yaml:"server"`

	// Artifact uploader
	Uploader UploaderConfig `yaml:"uploader"`
}

// BrowserConfig configures browser launches.
type BrowserConfig struct {
	Headless          bool   `yaml:"headless"`
	ViewportWidth     int    `yaml:"viewport_width"`
	ViewportHeight    int    `yaml:"viewport_height"`
	UserAgent         string `yaml:"user_agent"`
	IgnoreHTTPSErrors *bool  `yaml:"ignore_https_errors"`
	NoSandbox         bool   `yaml:"no_sandbox"`
}

// LLMConfig configures the vision transducer.
type LLMConfig struct {
	Provider string `yaml:"provider"` // gemini, openai, openrouter, zai
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`

	// Estimated cost per vision call, used by escalation accounting.
	CostPerCallUSD float64 `yaml:"cost_per_call_usd"`
}

// ServerConfig configures the control plane ingress.
type ServerConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	EnableCORS bool   `yaml:"enable_cors"`
}

// UploaderConfig configures the artifact worker pool.
type UploaderConfig struct {
	Workers     int `yaml:"workers"`
	MaxAttempts int `yaml:"max_attempts"`
}

// Default returns sensible defaults.
func Default() Config {
	return Config{
		ProfilesRoot:          "./browser-profiles",
		DefaultBrowserChannel: defaultChannelForOS(),
		Browser: BrowserConfig{
			Headless:       true,
			ViewportWidth:  1920,
			ViewportHeight: 1080,
		},
		DefaultStepTimeout:            60,
		DefaultScriptDeadline:         1800,
		SessionDrainDeadline:          30,
		MaxVisionEscalationsPerScript: 50,
		LLM: LLMConfig{
			Provider:       "gemini",
			Model:          "gemini-3-flash-preview",
			Timeout:        "120s",
			CostPerCallUSD: 0.002,
		},
		Server: ServerConfig{
			Host:       "127.0.0.1",
			Port:       8377,
			EnableCORS: true,
		},
		Uploader: UploaderConfig{
			Workers:     4,
			MaxAttempts: 5,
		},
	}
}

func defaultChannelForOS() string {
	switch runtime.GOOS {
	case "darwin", "windows":
		return "chrome"
	default:
		return "chromium"
	}
}

// Load reads configuration from a YAML file (optional) and applies
// environment overrides. A missing file is not an error; defaults
// apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides maps BROWSERNERD_* environment variables onto the
// config. Only the operationally interesting knobs are exposed.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BROWSERNERD_PROFILES_ROOT"); v != "" {
		cfg.ProfilesRoot = v
	}
	if v := os.Getenv("BROWSERNERD_ARTIFACT_BUCKET"); v != "" {
		cfg.ArtifactBucket = v
	}
	if v := os.Getenv("BROWSERNERD_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("BROWSERNERD_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("BROWSERNERD_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("BROWSERNERD_SECRET_PATH"); v != "" {
		cfg.ConsolidatedSecretPath = v
	}
	if v := os.Getenv("BROWSERNERD_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("BROWSERNERD_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Headless = b
		}
	}
}

// Validate rejects configurations the process cannot run with.
func (c Config) Validate() error {
	if c.ProfilesRoot == "" {
		return fmt.Errorf("profiles_root is required")
	}
	if c.DefaultStepTimeout <= 0 {
		return fmt.Errorf("default_step_timeout must be positive, got %d", c.DefaultStepTimeout)
	}
	if c.DefaultScriptDeadline <= 0 {
		return fmt.Errorf("default_script_deadline must be positive, got %d", c.DefaultScriptDeadline)
	}
	if c.SessionDrainDeadline <= 0 {
		return fmt.Errorf("session_drain_deadline must be positive, got %d", c.SessionDrainDeadline)
	}
	if c.MaxVisionEscalationsPerScript < 0 {
		return fmt.Errorf("max_vision_escalations_per_script must be non-negative")
	}
	if c.Uploader.Workers <= 0 {
		return fmt.Errorf("uploader.workers must be positive, got %d", c.Uploader.Workers)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

// StepTimeout returns the default per-step timeout.
func (c Config) StepTimeout() time.Duration {
	return time.Duration(c.DefaultStepTimeout) * time.Second
}

// ScriptDeadline returns the per-script wall-clock bound.
func (c Config) ScriptDeadline() time.Duration {
	return time.Duration(c.DefaultScriptDeadline) * time.Second
}

// DrainDeadline returns the shutdown drain bound.
func (c Config) DrainDeadline() time.Duration {
	return time.Duration(c.SessionDrainDeadline) * time.Second
}

// LLMTimeout returns the vision call timeout.
func (c LLMConfig) LLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return 120 * time.Second
	}
	return d
}

// IgnoreHTTPS returns the effective ignore_https_errors flag.
// Defaults to true for this core.
func (b BrowserConfig) IgnoreHTTPS() bool {
	if b.IgnoreHTTPSErrors == nil {
		return true
	}
	return *b.IgnoreHTTPSErrors
}

// Viewport returns the effective viewport, defaulting to 1920x1080.
func (b BrowserConfig) Viewport() (int, int) {
	w, h := b.ViewportWidth, b.ViewportHeight
	if w <= 0 {
		w = 1920
	}
	if h <= 0 {
		h = 1080
	}
	return w, h
}
