package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/kozaktomas/objectcamp/internal/constants"
)

const chatModel = openai.ChatModelGPT4_1Mini

// OpenAIDescriber names entities with an OpenAI vision chat model.
type OpenAIDescriber struct {
	client *openai.Client
	usageMeter
}

func NewOpenAIDescriber(apiKey string, pricing RequestPricing, opts ...option.RequestOption) *OpenAIDescriber {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	client := openai.NewClient(opts...)
	return &OpenAIDescriber{
		client:     &client,
		usageMeter: usageMeter{pricing: pricing},
	}
}

func (p *OpenAIDescriber) Name() string {
	return chatModel
}

func (p *OpenAIDescriber) DescribeEntity(ctx context.Context, req DescribeRequest) (*EntityDescription, error) {
	images, err := referenceImages(req.Stickers, constants.MaxReferenceImages, constants.ReferenceImageSize)
	if err != nil {
		return nil, err
	}

	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart("Name this individual."),
	}
	for _, img := range images {
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
			URL:    "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(img),
			Detail: "low",
		}))
	}

	messages := []openai.ChatCompletionMessageParamUnion{
		{
			OfSystem: &openai.ChatCompletionSystemMessageParam{
				Content: openai.ChatCompletionSystemMessageParamContentUnion{
					OfString: openai.String(buildDescribePrompt(req)),
				},
			},
		},
		{
			OfUser: &openai.ChatCompletionUserMessageParam{
				Content: openai.ChatCompletionUserMessageParamContentUnion{
					OfArrayOfContentParts: parts,
				},
			},
		},
	}

	var lastError error
	var lastResponse string

	for range maxJSONRetries {
		resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model:    chatModel,
			Messages: messages,
			ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
			},
			MaxTokens: openai.Int(300),
		})
		if err != nil {
			return nil, fmt.Errorf("OpenAI API error: %w", err)
		}

		if len(resp.Choices) == 0 {
			return nil, errors.New("no response from OpenAI")
		}

		if resp.Usage.PromptTokens > 0 || resp.Usage.CompletionTokens > 0 {
			p.track(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		}

		content := resp.Choices[0].Message.Content
		lastResponse = content

		desc, err := parseDescription(content)
		if err != nil {
			lastError = err
			messages = append(messages,
				openai.ChatCompletionMessageParamUnion{
					OfAssistant: &openai.ChatCompletionAssistantMessageParam{
						Content: openai.ChatCompletionAssistantMessageParamContentUnion{
							OfString: openai.String(content),
						},
					},
				},
				openai.ChatCompletionMessageParamUnion{
					OfUser: &openai.ChatCompletionUserMessageParam{
						Content: openai.ChatCompletionUserMessageParamContentUnion{
							OfString: openai.String(jsonRetryMessage(err)),
						},
					},
				},
			)
			continue
		}

		return desc, nil
	}

	return nil, fmt.Errorf("failed to parse description JSON after %d attempts: %w (last response: %s)", maxJSONRetries, lastError, lastResponse)
}
