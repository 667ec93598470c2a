// Package oracle talks to the remote classification/negotiation model
// over the Messages API. It is transport only: verdicts and replies are
// returned to the caller, which owns any rule persistence.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 300
	defaultBaseURL   = "https://api.anthropic.com"
	defaultTimeout   = 60 * time.Second

	apiVersion = "2023-06-01"
)

// Usage kinds reported to the recorder.
const (
	UsageChat           = "chat"
	UsageClassification = "classification"
)

// ErrNotConfigured is returned when no API credential is set. Ambient
// classification treats it as fail-open; negotiation surfaces it to the
// user instead of hanging.
var ErrNotConfigured = errors.New("oracle: no API key configured")

// UsageRecorder receives per-request accounting. Implementations must
// tolerate being called from multiple goroutines.
type UsageRecorder interface {
	RecordUsage(kind, model string, tokens int)
}

// Client issues Messages API requests.
type Client struct {
	apiKey         string
	baseURL        string
	textModel      string
	visionModel    string
	maxTokens      int
	thinkingBudget int
	httpClient     *http.Client
	usage          UsageRecorder
}

// ClientConfig configures the oracle client. Zero values fall back to
// defaults; VisionModel falls back to TextModel.
type ClientConfig struct {
	APIKey         string
	BaseURL        string
	TextModel      string
	VisionModel    string
	MaxTokens      int
	ThinkingBudget int // >0 switches chat requests to the reasoning-budget convention
	Timeout        time.Duration
	Usage          UsageRecorder
}

// NewClient creates a client with config.
func NewClient(cfg ClientConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	textModel := cfg.TextModel
	if textModel == "" {
		textModel = defaultModel
	}
	visionModel := cfg.VisionModel
	if visionModel == "" {
		visionModel = textModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{
		apiKey:         cfg.APIKey,
		baseURL:        baseURL,
		textModel:      textModel,
		visionModel:    visionModel,
		maxTokens:      maxTokens,
		thinkingBudget: cfg.ThinkingBudget,
		httpClient:     &http.Client{Timeout: timeout},
		usage:          cfg.Usage,
	}
}

// Configured reports whether a credential is present.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// pickModel selects the vision model when the conversation carries an
// image, the text model otherwise.
func (c *Client) pickModel(messages []Message) string {
	if HasImage(messages) {
		return c.visionModel
	}
	return c.textModel
}

// Chat sends the conversation and streams the assistant reply. Each
// text chunk is passed to onChunk as it arrives; the full reply text
// and the model used are returned once the stream ends. An exceeded
// timeout is a transport failure like any other.
func (c *Client) Chat(ctx context.Context, system string, messages []Message, onChunk func(string)) (string, string, error) {
	if !c.Configured() {
		return "", "", ErrNotConfigured
	}

	model := c.pickModel(messages)
	req := MessagesRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: c.maxTokens,
		System:    system,
		Stream:    true,
	}
	if c.thinkingBudget > 0 {
		req.Thinking = &ThinkingConfig{Type: "enabled", BudgetTokens: c.thinkingBudget}
		// budget models require max_tokens to exceed the reasoning budget
		if req.MaxTokens <= c.thinkingBudget {
			req.MaxTokens = c.thinkingBudget + c.maxTokens
		}
	}

	resp, err := c.post(ctx, req)
	if err != nil {
		return "", model, err
	}
	defer resp.Body.Close()

	reply, usage, err := readStream(resp.Body, onChunk)
	if err != nil {
		return "", model, err
	}
	c.record(UsageChat, model, usage.Total())
	return reply, model, nil
}

// complete issues a single non-streaming request.
func (c *Client) complete(ctx context.Context, system string, messages []Message, maxTokens int) (MessagesResponse, error) {
	if !c.Configured() {
		return MessagesResponse{}, ErrNotConfigured
	}

	req := MessagesRequest{
		Model:     c.pickModel(messages),
		Messages:  messages,
		MaxTokens: maxTokens,
		System:    system,
	}
	resp, err := c.post(ctx, req)
	if err != nil {
		return MessagesResponse{}, err
	}
	defer resp.Body.Close()

	var out MessagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return MessagesResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, req MessagesRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(bodyBytes))
	}
	return resp, nil
}

// readStream consumes SSE events, forwarding text deltas to onChunk,
// and returns the accumulated reply text.
func readStream(body io.ReadCloser, onChunk func(string)) (string, Usage, error) {
	reader := NewStreamReader(body)
	defer reader.Close()

	var reply bytes.Buffer
	var usage Usage

	for {
		ev, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", usage, fmt.Errorf("stream error: %w", err)
		}

		switch ev.Type {
		case EventContentBlockDelta:
			if ev.ContentBlockDelta == nil {
				continue
			}
			if d := ev.ContentBlockDelta.Delta; d.Type == DeltaTypeText {
				reply.WriteString(d.Text)
				if onChunk != nil {
					onChunk(d.Text)
				}
			}
		case EventMessageDelta:
			if ev.MessageDelta != nil {
				usage = ev.MessageDelta.Usage
			}
		case EventError:
			if ev.Error != nil {
				return "", usage, fmt.Errorf("API error: %s", ev.Error.Error.Message)
			}
		}
	}
	return reply.String(), usage, nil
}

func (c *Client) record(kind, model string, tokens int) {
	if c.usage != nil {
		c.usage.RecordUsage(kind, model, tokens)
	}
}
