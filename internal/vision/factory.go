package vision

import (
	"context"
	"fmt"
	"strings"
)

// NewClient builds the provider selected by cfg.Provider. Unknown
// providers are a configuration error, not a fallback.
func NewClient(ctx context.Context, cfg Config) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "gemini", "google", "":
		return NewGeminiClient(ctx, cfg)
	case "openai", "openrouter", "zai":
		return NewOpenAIClient(cfg)
	default:
		return nil, fmt.Errorf("unknown vision provider %q", cfg.Provider)
	}
}
