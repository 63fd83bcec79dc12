package ai

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

//go:embed prompts/describe_entity.txt
var describeEntityPrompt string

//go:embed prompts/illustration.txt
var illustrationPrompt string

const maxJSONRetries = 3

// buildDescribePrompt fills the describe prompt with the spec context.
// This is shared across all AI providers.
func buildDescribePrompt(req DescribeRequest) string {
	specName := strings.TrimSpace(req.SpecName)
	if specName == "" {
		specName = "objects"
	}
	var context string
	if d := strings.TrimSpace(req.SpecDescription); d != "" {
		context = "Collection description: " + d + "\n"
	}
	return fmt.Sprintf(describeEntityPrompt, strings.ToLower(specName), context)
}

// buildIllustrationPrompt fills the illustration prompt with the scene and subject.
func buildIllustrationPrompt(scene, subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "character"
	}
	return fmt.Sprintf(illustrationPrompt, strings.TrimSpace(scene), subject)
}

// parseDescription decodes a model answer, tolerating text around the JSON object.
func parseDescription(content string) (*EntityDescription, error) {
	var desc EntityDescription
	if err := json.Unmarshal([]byte(extractJSON(content)), &desc); err != nil {
		return nil, err
	}
	desc.Name = strings.TrimSpace(desc.Name)
	if desc.Name == "" {
		return nil, errors.New("response has no name")
	}
	desc.Confidence = min(max(desc.Confidence, 0), 1)
	return &desc, nil
}

// jsonRetryMessage asks the model to fix an unparseable answer.
func jsonRetryMessage(err error) string {
	return fmt.Sprintf("JSON parse error: %v. Please fix the JSON and try again. Output ONLY valid JSON, no other text.", err)
}

// extractJSON attempts to extract JSON from a response that may contain extra text
func extractJSON(content string) string {
	start := strings.Index(content, "{")
	if start == -1 {
		return content
	}

	depth := 0
	for i := start; i < len(content); i++ {
		switch content[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return content[start : i+1]
			}
		}
	}

	return content[start:]
}

// referenceImages resizes at most limit stickers to JPEG for upload.
func referenceImages(stickers [][]byte, limit, maxSize int) ([][]byte, error) {
	var out [][]byte
	for _, s := range stickers {
		if len(out) == limit {
			break
		}
		resized, err := ResizeImage(s, maxSize)
		if err != nil {
			return nil, fmt.Errorf("failed to resize reference image: %w", err)
		}
		out = append(out, resized)
	}
	if len(out) == 0 {
		return nil, errors.New("no reference images")
	}
	return out, nil
}
