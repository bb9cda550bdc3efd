package provider

import (
	"context"
	"strings"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Request is the provider-neutral call shape. Sampling fields are passed
// through to the adapter untouched.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Clone returns a copy that shares no slices with r.
func (r *Request) Clone() *Request {
	out := *r
	out.Messages = append([]Message(nil), r.Messages...)
	for i := range out.Messages {
		if out.Messages[i].Parts != nil {
			out.Messages[i].Parts = append([]ContentPart(nil), out.Messages[i].Parts...)
		}
	}
	return &out
}

type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
	// Parts carries multimodal content. When set, adapters send Parts and
	// Content is treated as one more leading text part.
	Parts []ContentPart `json:"parts,omitempty"`
}

const (
	PartText     = "text"
	PartImageURL = "image_url"
)

type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Text joins Content and every text part. Image parts contribute nothing.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var sb strings.Builder
	sb.WriteString(m.Content)
	for _, p := range m.Parts {
		if p.Type == PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// AllParts is Content followed by Parts, with an empty Content dropped.
func (m Message) AllParts() []ContentPart {
	if m.Content == "" {
		return m.Parts
	}
	return append([]ContentPart{{Type: PartText, Text: m.Content}}, m.Parts...)
}

type Response struct {
	ID           string `json:"id"`
	Content      string `json:"content"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Model        string `json:"model"`
	Provider     string `json:"provider"`
	LatencyMs    int64  `json:"latency_ms"`
}

type Chunk struct {
	Delta string
	Done  bool
	Err   error
}

// Provider is the capability the optimizer consumes. CompleteStream returns
// an error when the exchange cannot be established (including non-2xx
// statuses); failures after that arrive as a Chunk with Err set.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Name() string
	CostPerInputToken() float64 // cost in USD per 1 token
	CostPerOutputToken() float64
	SupportedModels() []string
}
