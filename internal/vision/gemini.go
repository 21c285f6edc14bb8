package vision

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"browsernerd/internal/logging"
)

// GeminiClient drives the Gemini API through the official genai SDK.
type GeminiClient struct {
	client      *genai.Client
	model       string
	costPerCall float64
	log         *zap.Logger
}

// NewGeminiClient creates a Gemini vision client.
func NewGeminiClient(ctx context.Context, cfg Config) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-3-flash-preview"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &GeminiClient{
		client:      client,
		model:       model,
		costPerCall: cfg.CostPerCallUSD,
		log:         logging.Get(logging.CategoryVision),
	}, nil
}

func (c *GeminiClient) Provider() string     { return "gemini" }
func (c *GeminiClient) CostPerCall() float64 { return c.costPerCall }

func (c *GeminiClient) generate(ctx context.Context, prompt string, screenshot []byte) (string, error) {
	parts := []*genai.Part{}
	if len(screenshot) > 0 {
		parts = append(parts, genai.NewPartFromBytes(screenshot, "image/png"))
	}
	parts = append(parts, genai.NewPartFromText(prompt))
	contents := []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("gemini generate: empty response")
	}
	return text, nil
}

// VerifyOutcome asks Gemini whether the screenshot meets the condition.
func (c *GeminiClient) VerifyOutcome(ctx context.Context, screenshot []byte, prompt string) (Verdict, error) {
	raw, err := c.generate(ctx, fmt.Sprintf(verifyPrompt, prompt), screenshot)
	if err != nil {
		return Verdict{}, err
	}
	var v Verdict
	if err := decodeModelJSON(raw, &v); err != nil {
		return Verdict{}, err
	}
	v.Confidence = clampConfidence(v.Confidence)
	c.log.Debug("vision verify",
		zap.Bool("met", v.Met),
		zap.Float64("confidence", v.Confidence))
	return v, nil
}

// LocateElement asks Gemini where the described element is.
func (c *GeminiClient) LocateElement(ctx context.Context, screenshot []byte, description string) (ElementLocation, error) {
	raw, err := c.generate(ctx, fmt.Sprintf(locatePrompt, description), screenshot)
	if err != nil {
		return ElementLocation{}, err
	}
	var loc ElementLocation
	if err := decodeModelJSON(raw, &loc); err != nil {
		return ElementLocation{}, err
	}
	loc.Confidence = clampConfidence(loc.Confidence)
	c.log.Debug("vision locate",
		zap.Bool("found", loc.Found),
		zap.String("selector", loc.Selector),
		zap.Float64("confidence", loc.Confidence))
	return loc, nil
}

// GenerateStructured runs a free-form prompt and validates the reply.
func (c *GeminiClient) GenerateStructured(ctx context.Context, prompt string, screenshot []byte, schema *Schema) (map[string]any, error) {
	raw, err := c.generate(ctx, prompt, screenshot)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := decodeModelJSON(raw, &out); err != nil {
		return nil, err
	}
	if schema != nil {
		if err := schema.Validate(any(out)); err != nil {
			return nil, fmt.Errorf("schema validation: %w", err)
		}
	}
	return out, nil
}
