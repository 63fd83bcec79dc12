// Package extraction turns source images into stored subjects: it calls the
// segmentation/embedding service, drops duplicate detections, writes sticker
// and thumbnail blobs and records progress as a ProcessingTask.
package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

const defaultServiceURL = "http://localhost:8000"

// Detection is one subject found in an image.
type Detection struct {
	Sticker    []byte    `json:"sticker"`    // PNG cut-out with transparent background
	BBox       []float64 `json:"bbox"`       // [x1, y1, x2, y2] relative to the image
	Confidence float64   `json:"confidence"` // detector score in [0, 1]
}

// Detector finds the principal subjects of an image.
type Detector interface {
	DetectSubjects(ctx context.Context, image []byte) ([]Detection, error)
}

// Embedder computes the feature vector of a sticker image.
type Embedder interface {
	ComputeEmbedding(ctx context.Context, image []byte) ([]float32, error)
}

// Client talks to the segmentation/embedding service.
type Client struct {
	baseURL string
	client  *http.Client
	dim     int
}

var (
	_ Detector = (*Client)(nil)
	_ Embedder = (*Client)(nil)
)

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultServiceURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// SetDimension makes ComputeEmbedding reject vectors of any other length.
// Zero accepts every length.
func (c *Client) SetDimension(dim int) {
	c.dim = dim
}

type segmentResponse struct {
	Count      int         `json:"count"`
	Detections []Detection `json:"detections"`
	Model      string      `json:"model"`
}

type embeddingResponse struct {
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	Model     string    `json:"model"`
}

// postMultipartImage posts the image as the "file" form field and returns the response body.
func (c *Client) postMultipartImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	mimeType := detectMIMEType(imageData)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image`+extensionFor(mimeType)+`"`)
	h.Set("Content-Type", mimeType)
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// DetectSubjects segments an image into subject stickers.
func (c *Client) DetectSubjects(ctx context.Context, image []byte) ([]Detection, error) {
	body, err := c.postMultipartImage(ctx, "/segment", image)
	if err != nil {
		return nil, err
	}

	var segResp segmentResponse
	if err := json.Unmarshal(body, &segResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return segResp.Detections, nil
}

// ComputeEmbedding computes the feature vector of an image.
func (c *Client) ComputeEmbedding(ctx context.Context, image []byte) ([]float32, error) {
	body, err := c.postMultipartImage(ctx, "/embed/image", image)
	if err != nil {
		return nil, err
	}

	var embResp embeddingResponse
	if err := json.Unmarshal(body, &embResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(embResp.Embedding) == 0 {
		return nil, errors.New("empty embedding returned")
	}
	if c.dim > 0 && len(embResp.Embedding) != c.dim {
		return nil, fmt.Errorf("embedding has %d dimensions, expected %d", len(embResp.Embedding), c.dim)
	}
	return embResp.Embedding, nil
}

// detectMIMEType detects the MIME type from image magic bytes.
func detectMIMEType(data []byte) string {
	if len(data) < 8 {
		return "application/octet-stream"
	}
	// JPEG: FF D8 FF
	if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return "image/jpeg"
	}
	// PNG: 89 50 4E 47 0D 0A 1A 0A
	if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
		return "image/png"
	}
	// WebP: 52 49 46 46 ... 57 45 42 50
	if len(data) >= 12 && data[0] == 0x52 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x46 &&
		data[8] == 0x57 && data[9] == 0x45 && data[10] == 0x42 && data[11] == 0x50 {
		return "image/webp"
	}
	return "application/octet-stream"
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	}
	return ".bin"
}
