package oracle

// MessagesRequest for POST /v1/messages
type MessagesRequest struct {
	Model     string          `json:"model"`
	Messages  []Message       `json:"messages"`
	MaxTokens int             `json:"max_tokens"`
	System    string          `json:"system,omitempty"`
	Stream    bool            `json:"stream,omitempty"`
	Thinking  *ThinkingConfig `json:"thinking,omitempty"`
}

// ThinkingConfig enables reasoning-budget models. Legacy models cap
// output with MaxTokens alone; budget models additionally reserve
// BudgetTokens for reasoning.
type ThinkingConfig struct {
	Type         string `json:"type"`          // "enabled"
	BudgetTokens int    `json:"budget_tokens"` // max tokens for thinking
}

// MessagesResponse for non-streaming responses
type MessagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"` // "message"
	Role       string         `json:"role"` // "assistant"
	Content    []ContentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      Usage          `json:"usage"`
}

// Text concatenates the text blocks of a response.
func (r MessagesResponse) Text() string {
	var out string
	for _, b := range r.Content {
		if b.Type == BlockTypeText {
			out += b.Text
		}
	}
	return out
}

// Message in the conversation
type Message struct {
	Role    string         `json:"role"` // "user" or "assistant"
	Content []ContentBlock `json:"content"`
}

// TextMessage builds a single-text-block message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{{Type: BlockTypeText, Text: text}}}
}

// HasImage reports whether any message carries an image block. Used to
// pick the vision model over the text model.
func HasImage(messages []Message) bool {
	for _, m := range messages {
		for _, b := range m.Content {
			if b.Type == BlockTypeImage {
				return true
			}
		}
	}
	return false
}

// ContentBlock types: text, image, thinking
type ContentBlock struct {
	Type string `json:"type"`

	// text block
	Text string `json:"text,omitempty"`

	// image block
	Source *ImageSource `json:"source,omitempty"`

	// thinking block
	Thinking string `json:"thinking,omitempty"`
}

// ImageSource carries base64 image data for an image block.
type ImageSource struct {
	Type      string `json:"type"`       // "base64"
	MediaType string `json:"media_type"` // e.g. "image/jpeg"
	Data      string `json:"data"`
}

// Usage tracks token usage
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total is the combined token count of a request.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// SSE event payloads for streaming

// SSEErrorEvent: type="error"
type SSEErrorEvent struct {
	Type  string   `json:"type"`
	Error APIError `json:"error"`
}

// ContentBlockDeltaEvent: type="content_block_delta"
type ContentBlockDeltaEvent struct {
	Type  string     `json:"type"`
	Index int        `json:"index"`
	Delta BlockDelta `json:"delta"`
}

// BlockDelta for content_block_delta
type BlockDelta struct {
	Type     string `json:"type"` // "text_delta", "thinking_delta"
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

// MessageDeltaEvent: type="message_delta"
type MessageDeltaEvent struct {
	Type  string       `json:"type"`
	Delta MessageDelta `json:"delta"`
	Usage Usage        `json:"usage"`
}

// MessageDelta for message_delta
type MessageDelta struct {
	StopReason string `json:"stop_reason,omitempty"`
}

// APIError from the Messages API
type APIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// SSE event type constants
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventPing              = "ping"
	EventError             = "error"
)

// Content block type constants
const (
	BlockTypeText     = "text"
	BlockTypeImage    = "image"
	BlockTypeThinking = "thinking"
)

// Delta type constants
const (
	DeltaTypeText     = "text_delta"
	DeltaTypeThinking = "thinking_delta"
)

// Role constants
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
