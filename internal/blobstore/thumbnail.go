package blobstore

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Thumbnail scales an image to fit within maxSize on its longer side and
// encodes it as PNG, keeping transparency. Smaller images are re-encoded as is.
func Thumbnail(data []byte, maxSize int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	out := img
	if maxSize > 0 && (width > maxSize || height > maxSize) {
		newWidth, newHeight := maxSize, maxSize
		if width > height {
			newHeight = max(1, height*maxSize/width)
		} else {
			newWidth = max(1, width*maxSize/height)
		}
		dst := image.NewNRGBA(image.Rect(0, 0, newWidth, newHeight))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
		out = dst
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// Dimensions returns the pixel size of an encoded image without decoding it fully.
func Dimensions(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to decode image config: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}
