package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"browsernerd/internal/logging"
)

// OpenAIClient speaks the OpenAI-compatible chat-completions wire
// format. BaseURL selects the actual vendor; any endpoint that accepts
// image_url content parts works.
type OpenAIClient struct {
	apiKey      string
	baseURL     string
	model       string
	costPerCall float64
	httpClient  *http.Client
	log         *zap.Logger
}

type oaMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type oaContentPart struct {
	Type     string      `json:"type"`
	Text     string      `json:"text,omitempty"`
	ImageURL *oaImageURL `json:"image_url,omitempty"`
}

type oaImageURL struct {
	URL string `json:"url"`
}

type oaRequest struct {
	Model       string      `json:"model"`
	Messages    []oaMessage `json:"messages"`
	MaxTokens   int         `json:"max_tokens"`
	Temperature float64     `json:"temperature"`
}

type oaResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewOpenAIClient creates an OpenAI-compatible vision client.
func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OpenAIClient{
		apiKey:      cfg.APIKey,
		baseURL:     baseURL,
		model:       model,
		costPerCall: cfg.CostPerCallUSD,
		httpClient:  &http.Client{Timeout: timeout},
		log:         logging.Get(logging.CategoryVision),
	}, nil
}

func (c *OpenAIClient) Provider() string     { return "openai" }
func (c *OpenAIClient) CostPerCall() float64 { return c.costPerCall }

func (c *OpenAIClient) complete(ctx context.Context, prompt string, screenshot []byte) (string, error) {
	var content any = prompt
	if len(screenshot) > 0 {
		dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(screenshot)
		content = []oaContentPart{
			{Type: "image_url", ImageURL: &oaImageURL{URL: dataURL}},
			{Type: "text", Text: prompt},
		}
	}

	reqBody := oaRequest{
		Model:       c.model,
		Messages:    []oaMessage{{Role: "user", Content: content}},
		MaxTokens:   1024,
		Temperature: 0.1,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.log.Warn("vision request rejected",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body))
		return "", fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	var parsed oaResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("no completion choices returned")
	}
	return parsed.Choices[0].Message.Content, nil
}

// VerifyOutcome asks the model whether the screenshot meets the
// condition.
func (c *OpenAIClient) VerifyOutcome(ctx context.Context, screenshot []byte, prompt string) (Verdict, error) {
	raw, err := c.complete(ctx, fmt.Sprintf(verifyPrompt, prompt), screenshot)
	if err != nil {
		return Verdict{}, err
	}
	var v Verdict
	if err := decodeModelJSON(raw, &v); err != nil {
		return Verdict{}, err
	}
	v.Confidence = clampConfidence(v.Confidence)
	return v, nil
}

// LocateElement asks the model where the described element is.
func (c *OpenAIClient) LocateElement(ctx context.Context, screenshot []byte, description string) (ElementLocation, error) {
	raw, err := c.complete(ctx, fmt.Sprintf(locatePrompt, description), screenshot)
	if err != nil {
		return ElementLocation{}, err
	}
	var loc ElementLocation
	if err := decodeModelJSON(raw, &loc); err != nil {
		return ElementLocation{}, err
	}
	loc.Confidence = clampConfidence(loc.Confidence)
	return loc, nil
}

// GenerateStructured runs a free-form prompt and validates the reply.
func (c *OpenAIClient) GenerateStructured(ctx context.Context, prompt string, screenshot []byte, schema *Schema) (map[string]any, error) {
	raw, err := c.complete(ctx, prompt, screenshot)
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
