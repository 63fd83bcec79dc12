package extraction

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngMagic = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}

func TestClientDetectSubjects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/segment", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "image/png", header.Header.Get("Content-Type"))
		assert.Equal(t, "image.png", header.Filename)
		body, _ := io.ReadAll(file)
		assert.Equal(t, pngMagic, body)

		json.NewEncoder(w).Encode(map[string]any{
			"count": 1,
			"model": "sam",
			"detections": []map[string]any{
				{"sticker": []byte("sticker-bytes"), "bbox": []float64{0.1, 0.2, 0.5, 0.6}, "confidence": 0.93},
			},
		})
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", 5*time.Second)
	dets, err := client.DetectSubjects(context.Background(), pngMagic)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, []byte("sticker-bytes"), dets[0].Sticker)
	assert.Equal(t, []float64{0.1, 0.2, 0.5, 0.6}, dets[0].BBox)
	assert.InDelta(t, 0.93, dets[0].Confidence, 1e-9)
}

func TestClientComputeEmbedding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embed/image", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"dim": 3, "embedding": []float32{1, 0, 0}, "model": "clip"})
	}))
	defer server.Close()

	vec, err := NewClient(server.URL, time.Second).ComputeEmbedding(context.Background(), pngMagic)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, vec)
}

func TestClientErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not loaded", http.StatusServiceUnavailable)
		}},
		{"bad json", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("{not json"))
		}},
		{"empty embedding", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"dim": 0, "embedding": []}`))
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(tc.handler)
			defer server.Close()

			_, err := NewClient(server.URL, time.Second).ComputeEmbedding(context.Background(), pngMagic)
			assert.Error(t, err)
		})
	}
}

func TestClientRejectsWrongDimension(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"dim": 3, "embedding": []float32{1, 0, 0}})
	}))
	defer server.Close()

	client := NewClient(server.URL, time.Second)
	client.SetDimension(768)
	_, err := client.ComputeEmbedding(context.Background(), pngMagic)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 768")

	client.SetDimension(3)
	vec, err := client.ComputeEmbedding(context.Background(), pngMagic)
	require.NoError(t, err)
	assert.Len(t, vec, 3)
}

func TestDetectMIMEType(t *testing.T) {
	assert.Equal(t, "image/png", detectMIMEType(pngMagic))
	assert.Equal(t, "image/jpeg", detectMIMEType([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0, 0, 0, 0}))
	assert.Equal(t, "image/webp", detectMIMEType([]byte("RIFF\x00\x00\x00\x00WEBP")))
	assert.Equal(t, "application/octet-stream", detectMIMEType([]byte("tiny")))
}
