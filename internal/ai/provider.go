package ai

import (
	"context"
	"errors"
	"sync"
)

// ErrNoImage is returned when an image model answers without image data.
var ErrNoImage = errors.New("model returned no image")

// DescribeRequest carries what a describer knows about an entity.
type DescribeRequest struct {
	SpecName        string   // display name of the target spec, e.g. "Dolls"
	SpecDescription string   // free-form description of what the spec collects
	Stickers        [][]byte // cover sticker first, then other members
}

// EntityDescription is a describer's suggestion for an entity.
type EntityDescription struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"` // 0-1
}

// Describer suggests a name for an entity from its stickers.
type Describer interface {
	Name() string
	DescribeEntity(ctx context.Context, req DescribeRequest) (*EntityDescription, error)
	GetUsage() Usage
	ResetUsage()
}

// Illustration is a generated image.
type Illustration struct {
	Data     []byte
	MIMEType string
	Caption  string // optional text the model returned alongside the image
}

// IllustrationRequest describes the picture to draw.
type IllustrationRequest struct {
	Prompt     string   // the scene
	Subject    string   // what the references show, e.g. "doll"
	References [][]byte // stickers of the entity, cover first
}

// Illustrator draws a story illustration of an entity.
type Illustrator interface {
	Name() string
	Illustrate(ctx context.Context, req IllustrationRequest) (*Illustration, error)
	GetUsage() Usage
}

// Usage tracks token usage and calculates cost.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalCost    float64 // in USD
}

// RequestPricing holds input/output prices per 1M tokens
type RequestPricing struct {
	Input  float64
	Output float64
}

// usageMeter accumulates usage across concurrent requests.
type usageMeter struct {
	mu      sync.Mutex
	usage   Usage
	pricing RequestPricing
}

func (m *usageMeter) track(inputTokens, outputTokens int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage.InputTokens += int(inputTokens)
	m.usage.OutputTokens += int(outputTokens)
	m.usage.TotalCost += float64(inputTokens) / 1_000_000 * m.pricing.Input
	m.usage.TotalCost += float64(outputTokens) / 1_000_000 * m.pricing.Output
}

func (m *usageMeter) GetUsage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

func (m *usageMeter) ResetUsage() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = Usage{}
}
