package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/yoanbernabeu/notegrep/config"
)

// ErrUnsupported means the configured model cannot interpret images.
var ErrUnsupported = errors.New("model does not support vision")

// ErrNoText means extraction ran but found nothing worth indexing.
var ErrNoText = errors.New("no text found in image")

const extractionPrompt = "Describe the content of this image in detail. " +
	"Transcribe any visible text exactly. If the image contains nothing " +
	"describable, reply with exactly: no text."

const probePrompt = "What do you see in this image? Answer in one short sentence."

// probeImage is a 1x1 transparent PNG, small enough to send on every probe.
const probeImage = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="

// unsupportedSentinels mark replies from models that received the prompt
// but never saw the image.
var unsupportedSentinels = []string{
	"cannot see",
	"does not support vision",
	"no image",
	"no picture",
}

var noTextSentinels = []string{
	"no text",
	"nothing found",
}

// Extractor turns images into indexable text via an OpenAI-compatible
// chat completions endpoint. The capability probe result is cached until
// the configuration changes.
type Extractor struct {
	mu       sync.Mutex
	endpoint string
	model    string
	apiKey   string
	client   *http.Client

	probed    bool
	supported bool
}

type Option func(*Extractor)

func WithEndpoint(endpoint string) Option {
	return func(e *Extractor) {
		e.endpoint = strings.TrimSuffix(endpoint, "/")
	}
}

func WithModel(model string) Option {
	return func(e *Extractor) {
		e.model = model
	}
}

func WithAPIKey(key string) Option {
	return func(e *Extractor) {
		e.apiKey = key
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(e *Extractor) {
		e.client = hc
	}
}

func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{
		endpoint: "http://localhost:11434/v1",
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewFromConfig builds an extractor from the vision section of the vault
// config. Returns nil when vision is disabled.
func NewFromConfig(cfg config.VisionConfig) *Extractor {
	if !cfg.Enabled {
		return nil
	}
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
	return NewExtractor(opts...)
}

// UpdateConfig swaps endpoint, model and key and invalidates the cached
// probe result. Empty values keep the current setting.
func (e *Extractor) UpdateConfig(endpoint, model, apiKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if endpoint != "" {
		e.endpoint = strings.TrimSuffix(endpoint, "/")
	}
	if model != "" {
		e.model = model
	}
	if apiKey != "" {
		e.apiKey = apiKey
	}
	e.probed = false
}

// Probe checks once whether the model can actually see images; the result
// is cached until UpdateConfig.
func (e *Extractor) Probe(ctx context.Context) (bool, error) {
	e.mu.Lock()
	if e.probed {
		supported := e.supported
		e.mu.Unlock()
		return supported, nil
	}
	e.mu.Unlock()

	raw, err := base64.StdEncoding.DecodeString(probeImage)
	if err != nil {
		return false, fmt.Errorf("failed to decode probe image: %w", err)
	}

	reply, err := e.complete(ctx, probePrompt, raw, ".png")
	if err != nil {
		return false, err
	}

	supported := !containsSentinel(reply, unsupportedSentinels)

	e.mu.Lock()
	e.probed = true
	e.supported = supported
	e.mu.Unlock()

	return supported, nil
}

// Extract transcribes an image into text. Returns ErrNoText when the model
// sees nothing to transcribe and ErrUnsupported when the model has no
// vision capability.
func (e *Extractor) Extract(ctx context.Context, imageBytes []byte, extension string) (string, error) {
	reply, err := e.complete(ctx, extractionPrompt, imageBytes, extension)
	if err != nil {
		return "", err
	}

	if containsSentinel(reply, unsupportedSentinels) {
		return "", ErrUnsupported
	}
	if len(reply) < 40 && containsSentinel(reply, noTextSentinels) {
		return "", fmt.Errorf("%w: model replied %q", ErrNoText, reply)
	}

	text := strings.TrimSpace(reply)
	if text == "" {
		return "", ErrNoText
	}
	return text, nil
}

func (e *Extractor) complete(ctx context.Context, prompt string, imageBytes []byte, extension string) (string, error) {
	e.mu.Lock()
	endpoint, model, apiKey := e.endpoint, e.model, e.apiKey
	e.mu.Unlock()

	dataURL := fmt.Sprintf("data:%s;base64,%s", MIMEFromExtension(extension), base64.StdEncoding.EncodeToString(imageBytes))

	reqBody := map[string]any{
		"model": model,
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": prompt},
					{"type": "image_url", "image_url": map[string]string{"url": dataURL}},
				},
			},
		},
		"temperature": 0,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("failed to reach vision endpoint %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("vision endpoint returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("vision endpoint returned no choices")
	}

	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}

func containsSentinel(reply string, sentinels []string) bool {
	lower := strings.ToLower(reply)
	for _, s := range sentinels {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// MIMEFromExtension maps an image file extension to its MIME type,
// defaulting to image/png.
func MIMEFromExtension(extension string) string {
	switch strings.ToLower(strings.TrimPrefix(extension, ".")) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	case "svg":
		return "image/svg+xml"
	case "bmp":
		return "image/bmp"
	case "tif", "tiff":
		return "image/tiff"
	default:
		return "image/png"
	}
}
