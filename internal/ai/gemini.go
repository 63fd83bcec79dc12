package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/kozaktomas/objectcamp/internal/constants"
)

const (
	defaultGeminiModel      = "gemini-2.5-flash"
	defaultGeminiImageModel = "gemini-2.5-flash-image"
)

// GeminiProvider describes entities and draws illustrations with Gemini models.
type GeminiProvider struct {
	client     *genai.Client
	model      string
	imageModel string
	usageMeter
	imageUsage usageMeter
}

func NewGeminiProvider(ctx context.Context, apiKey, model, imageModel string, pricing, imagePricing RequestPricing) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	if model == "" {
		model = defaultGeminiModel
	}
	if imageModel == "" {
		imageModel = defaultGeminiImageModel
	}

	return &GeminiProvider{
		client:     client,
		model:      model,
		imageModel: imageModel,
		usageMeter: usageMeter{pricing: pricing},
		imageUsage: usageMeter{pricing: imagePricing},
	}, nil
}

func (p *GeminiProvider) Name() string {
	return p.model
}

func (p *GeminiProvider) DescribeEntity(ctx context.Context, req DescribeRequest) (*EntityDescription, error) {
	images, err := referenceImages(req.Stickers, constants.MaxReferenceImages, constants.ReferenceImageSize)
	if err != nil {
		return nil, err
	}

	parts := []*genai.Part{{Text: buildDescribePrompt(req)}}
	for _, img := range images {
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{Data: img, MIMEType: "image/jpeg"}})
	}
	contents := []*genai.Content{{Role: "user", Parts: parts}}

	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	}

	var lastError error
	var lastResponse string

	for range maxJSONRetries {
		result, err := p.client.Models.GenerateContent(ctx, p.model, contents, config)
		if err != nil {
			return nil, fmt.Errorf("gemini API error: %w", err)
		}

		if result.UsageMetadata != nil {
			p.track(int64(result.UsageMetadata.PromptTokenCount), int64(result.UsageMetadata.CandidatesTokenCount))
		}

		content := result.Text()
		if content == "" {
			return nil, errors.New("no response from Gemini")
		}
		lastResponse = content

		desc, err := parseDescription(content)
		if err != nil {
			lastError = err
			contents = append(contents,
				&genai.Content{Role: "model", Parts: []*genai.Part{{Text: content}}},
				&genai.Content{Role: "user", Parts: []*genai.Part{{Text: jsonRetryMessage(err)}}},
			)
			continue
		}

		return desc, nil
	}

	return nil, fmt.Errorf("failed to parse description JSON after %d attempts: %w (last response: %s)", maxJSONRetries, lastError, lastResponse)
}

// Illustrator returns the image side of the provider.
func (p *GeminiProvider) Illustrator() *GeminiIllustrator {
	return &GeminiIllustrator{provider: p}
}

// GeminiIllustrator draws illustrations with the provider's image model.
type GeminiIllustrator struct {
	provider *GeminiProvider
}

func (g *GeminiIllustrator) Name() string {
	return g.provider.imageModel
}

func (g *GeminiIllustrator) GetUsage() Usage {
	return g.provider.imageUsage.GetUsage()
}

func (g *GeminiIllustrator) Illustrate(ctx context.Context, req IllustrationRequest) (*Illustration, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("illustration prompt is empty")
	}
	images, err := referenceImages(req.References, constants.MaxReferenceImages, constants.ReferenceImageSize)
	if err != nil {
		return nil, err
	}

	parts := []*genai.Part{{Text: buildIllustrationPrompt(req.Prompt, req.Subject)}}
	for _, img := range images {
		parts = append(parts, &genai.Part{InlineData: &genai.Blob{Data: img, MIMEType: "image/jpeg"}})
	}
	contents := []*genai.Content{{Role: "user", Parts: parts}}

	result, err := g.provider.client.Models.GenerateContent(ctx, g.provider.imageModel, contents, &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini API error: %w", err)
	}

	if result.UsageMetadata != nil {
		g.provider.imageUsage.track(int64(result.UsageMetadata.PromptTokenCount), int64(result.UsageMetadata.CandidatesTokenCount))
	}

	return illustrationFromResponse(result)
}

// illustrationFromResponse picks the first inline image of the first candidate.
func illustrationFromResponse(resp *genai.GenerateContentResponse) (*Illustration, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, ErrNoImage
	}

	var out *Illustration
	var caption string
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil {
			continue
		}
		if part.InlineData != nil && len(part.InlineData.Data) > 0 && out == nil {
			out = &Illustration{Data: part.InlineData.Data, MIMEType: part.InlineData.MIMEType}
			continue
		}
		if part.Text != "" && caption == "" {
			caption = part.Text
		}
	}
	if out == nil {
		if reason := resp.Candidates[0].FinishReason; reason != "" {
			return nil, fmt.Errorf("%w (finish reason %s)", ErrNoImage, reason)
		}
		return nil, ErrNoImage
	}
	if out.MIMEType == "" {
		out.MIMEType = "image/png"
	}
	out.Caption = caption
	return out, nil
}
