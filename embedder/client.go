package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/yoanbernabeu/notegrep/config"
)

const (
	// MaxInputChars caps the characters sent per input. Longer texts are
	// truncated and suffixed with an ellipsis marker.
	MaxInputChars = 8000

	defaultEndpoint = "http://localhost:11434/v1"
	defaultModel    = "nomic-embed-text"
)

// Client talks to an OpenAI-compatible embeddings endpoint. Configuration
// can be swapped at runtime without recreating the client.
type Client struct {
	mu       sync.RWMutex
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model,omitempty"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

type Option func(*Client)

func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		c.endpoint = strings.TrimSuffix(endpoint, "/")
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		c.model = model
	}
}

func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		endpoint: defaultEndpoint,
		model:    defaultModel,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFromConfig builds a client from the embedder section of the vault config.
func NewFromConfig(cfg config.EmbedderConfig) *Client {
	opts := []Option{}
	if cfg.Endpoint != "" {
		opts = append(opts, WithEndpoint(cfg.Endpoint))
	}
	if cfg.Model != "" {
		opts = append(opts, WithModel(cfg.Model))
	}
	if cfg.APIKey != "" {
		opts = append(opts, WithAPIKey(cfg.APIKey))
	}
	return NewClient(opts...)
}

// UpdateConfig hot-swaps endpoint, model and key without recreating the
// client. Empty values keep the current setting.
func (c *Client) UpdateConfig(endpoint, model, apiKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if endpoint != "" {
		c.endpoint = strings.TrimSuffix(endpoint, "/")
	}
	if model != "" {
		c.model = model
	}
	if apiKey != "" {
		c.apiKey = apiKey
	}
}

func (c *Client) snapshot() (endpoint, model, apiKey string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoint, c.model, c.apiKey
}

// Model returns the currently configured model name.
func (c *Client) Model() string {
	_, model, _ := c.snapshot()
	return model
}

// prepareInput normalizes whitespace and truncates to the input cap.
func prepareInput(text string) string {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) && r != '\n' {
			return ' '
		}
		return r
	}, cleaned)

	runes := []rune(cleaned)
	if len(runes) <= MaxInputChars {
		return cleaned
	}
	return string(runes[:MaxInputChars]) + "..."
}

// EmbedOne embeds a single text.
func (c *Client) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedMany embeds a batch. The server tags each item with its input
// index; results are re-ordered to match the input before returning.
func (c *Client) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	endpoint, model, apiKey := c.snapshot()

	inputs := make([]string, len(texts))
	for i, t := range texts {
		inputs[i] = prepareInput(t)
	}

	jsonData, err := json.Marshal(embedRequest{Model: model, Input: inputs})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/embeddings", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Err: fmt.Errorf("failed to reach embedding endpoint %s: %w", endpoint, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode >= 500 {
		return nil, &TransientError{Err: fmt.Errorf("embedding endpoint returned status %d: %s", resp.StatusCode, errorMessage(body))}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("embedding request failed (status %d): %s", resp.StatusCode, errorMessage(body))
	}

	var result embedResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if len(result.Data) != len(texts) {
		return nil, &ProtocolError{Err: fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Data))}
	}

	vectors := make([][]float32, len(texts))
	for _, item := range result.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, &ProtocolError{Err: fmt.Errorf("embedding index %d out of range", item.Index)}
		}
		vectors[item.Index] = item.Embedding
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, &ProtocolError{Err: fmt.Errorf("missing embedding for input %d", i)}
		}
	}

	return vectors, nil
}

// Test embeds the literal string "test" and reports the observed vector
// dimension.
func (c *Client) Test(ctx context.Context) (int, error) {
	vector, err := c.EmbedOne(ctx, "test")
	if err != nil {
		return 0, err
	}
	return len(vector), nil
}

// ListModels queries the sibling models endpoint for available model ids.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	endpoint, _, apiKey := c.snapshot()

	modelsURL, err := siblingModelsURL(endpoint)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, modelsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to reach %s: %w", modelsURL, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("failed to read response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("models request failed (status %d): %s", resp.StatusCode, errorMessage(body))
	}

	var result modelsResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("failed to decode models response: %w", err)}
	}

	ids := make([]string, 0, len(result.Data))
	for _, m := range result.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// siblingModelsURL resolves the models listing next to the embeddings
// path: an endpoint of http://host/v1 queries http://host/v1/models.
func siblingModelsURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	u.Path = path.Join(u.Path, "models")
	return u.String(), nil
}

func errorMessage(body []byte) string {
	var errResp apiErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return string(body)
}
