package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"browsernerd/internal/vision"
)

// Settings is the runtime-adjustable slice of the configuration. API
// keys are masked on the way out; a masked value sent back on PUT is
// ignored rather than stored.
type Settings struct {
	LLMProvider           string `json:"llm_provider"`
	LLMModel              string `json:"llm_model"`
	LLMAPIKey             string `json:"llm_api_key"`
	LLMBaseURL            string `json:"llm_base_url,omitempty"`
	DefaultBrowserChannel string `json:"default_browser_channel"`
	Headless              bool   `json:"headless"`
	ArtifactBucket        string `json:"artifact_bucket,omitempty"`
	DefaultStepTimeout    int    `json:"default_step_timeout"`
	DefaultScriptDeadline int    `json:"default_script_deadline"`
}

// settingsUpdate carries a partial PUT; nil fields stay unchanged.
type settingsUpdate struct {
	LLMProvider           *string `json:"llm_provider"`
	LLMModel              *string `json:"llm_model"`
	LLMAPIKey             *string `json:"llm_api_key"`
	LLMBaseURL            *string `json:"llm_base_url"`
	DefaultBrowserChannel *string `json:"default_browser_channel"`
	Headless              *bool   `json:"headless"`
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "********"
	}
	return s[:4] + "****" + s[len(s)-2:]
}

func isMasked(s string) bool {
	return strings.Contains(s, "****")
}

func (s *Server) currentSettings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Settings{
		LLMProvider:           s.cfg.LLM.Provider,
		LLMModel:              s.cfg.LLM.Model,
		LLMAPIKey:             maskSecret(s.cfg.LLM.APIKey),
		LLMBaseURL:            s.cfg.LLM.BaseURL,
		DefaultBrowserChannel: s.cfg.DefaultBrowserChannel,
		Headless:              s.cfg.Browser.Headless,
		ArtifactBucket:        s.cfg.ArtifactBucket,
		DefaultStepTimeout:    s.cfg.DefaultStepTimeout,
		DefaultScriptDeadline: s.cfg.DefaultScriptDeadline,
	}
}

func (s *Server) handleGetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.currentSettings())
}

func (s *Server) handlePutSettings(c *gin.Context) {
	var upd settingsUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid settings body: " + err.Error()})
		return
	}

	s.mu.Lock()
	if upd.LLMProvider != nil {
		s.cfg.LLM.Provider = *upd.LLMProvider
	}
	if upd.LLMModel != nil {
		s.cfg.LLM.Model = *upd.LLMModel
	}
	if upd.LLMAPIKey != nil && !isMasked(*upd.LLMAPIKey) {
		s.cfg.LLM.APIKey = *upd.LLMAPIKey
	}
	if upd.LLMBaseURL != nil {
		s.cfg.LLM.BaseURL = *upd.LLMBaseURL
	}
	if upd.DefaultBrowserChannel != nil {
		s.cfg.DefaultBrowserChannel = *upd.DefaultBrowserChannel
	}
	if upd.Headless != nil {
		s.cfg.Browser.Headless = *upd.Headless
	}
	s.mu.Unlock()

	c.JSON(http.StatusOK, s.currentSettings())
}

// handleTestAPIKey builds a vision client from the posted override
// (falling back to the stored settings) and probes the provider.
func (s *Server) handleTestAPIKey(c *gin.Context) {
	var body struct {
		Provider string `json:"provider"`
		APIKey   string `json:"api_key"`
		Model    string `json:"model"`
		BaseURL  string `json:"base_url"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}

	s.mu.Lock()
	cfg := vision.Config{
		Provider:       s.cfg.LLM.Provider,
		APIKey:         s.cfg.LLM.APIKey,
		Model:          s.cfg.LLM.Model,
		BaseURL:        s.cfg.LLM.BaseURL,
		Timeout:        s.cfg.LLM.LLMTimeout(),
		CostPerCallUSD: s.cfg.LLM.CostPerCallUSD,
	}
	s.mu.Unlock()
	if body.Provider != "" {
		cfg.Provider = body.Provider
	}
	if body.APIKey != "" && !isMasked(body.APIKey) {
		cfg.APIKey = body.APIKey
	}
	if body.Model != "" {
		cfg.Model = body.Model
	}
	if body.BaseURL != "" {
		cfg.BaseURL = body.BaseURL
	}

	client, err := vision.NewClient(c.Request.Context(), cfg)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}
	if err := s.probe(c.Request.Context(), client); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "provider": client.Provider()})
}

var probeSchema = &vision.Schema{
	Type:       "object",
	Properties: map[string]*vision.Schema{"ok": {Type: "boolean"}},
	Required:   []string{"ok"},
}
