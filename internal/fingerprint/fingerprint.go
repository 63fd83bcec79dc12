// Package fingerprint identifies source images by content.
//
// A Fingerprint combines an exact content digest, used as the stable source
// ID of extracted subjects, with two perceptual hashes that tolerate
// re-encoding and resizing.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"math/bits"
	"slices"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// SourcePrefix marks source IDs derived from image content.
const SourcePrefix = "sha256:"

const (
	dctSize  = 32
	hashSide = 8
)

// Fingerprint is the identity of one source image.
type Fingerprint struct {
	Digest string `json:"digest"` // hex SHA-256 of the raw bytes
	PHash  uint64 `json:"phash"`
	DHash  uint64 `json:"dhash"`
}

// Compute hashes the raw bytes and the decoded pixels of an image.
func Compute(data []byte) (*Fingerprint, error) {
	sum := sha256.Sum256(data)
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return &Fingerprint{
		Digest: hex.EncodeToString(sum[:]),
		PHash:  perceptualHash(img),
		DHash:  differenceHash(img),
	}, nil
}

// SourceID is the source image ID recorded on extracted subjects.
func (f *Fingerprint) SourceID() string {
	return SourcePrefix + f.Digest
}

// Distance is the larger Hamming distance of the two perceptual hashes.
func (f *Fingerprint) Distance(other *Fingerprint) int {
	return max(HammingDistance(f.PHash, other.PHash), HammingDistance(f.DHash, other.DHash))
}

// NearDuplicate reports whether two different files show the same picture.
func (f *Fingerprint) NearDuplicate(other *Fingerprint, threshold int) bool {
	return f.Digest != other.Digest && f.Distance(other) <= threshold
}

// HammingDistance counts the differing bits of two hashes.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// perceptualHash thresholds the low-frequency DCT coefficients of a 32x32
// grayscale copy at their median. The DC term is skipped.
func perceptualHash(img image.Image) uint64 {
	luma := grayscale(scale(img, dctSize, dctSize))
	coeffs := dct2(luma)

	low := make([]float64, 0, hashSide*hashSide)
	for u := range hashSide + 1 {
		for v := range hashSide {
			if u == 0 && v == 0 {
				continue
			}
			if len(low) < cap(low) {
				low = append(low, coeffs[u][v])
			}
		}
	}
	median := medianOf(low)

	var hash uint64
	for i, c := range low {
		if c > median {
			hash |= 1 << (63 - i)
		}
	}
	return hash
}

// differenceHash compares horizontally adjacent pixels of a 9x8 grayscale copy.
func differenceHash(img image.Image) uint64 {
	luma := grayscale(scale(img, hashSide+1, hashSide))

	var hash uint64
	bit := 63
	for y := range hashSide {
		for x := range hashSide {
			if luma[y][x] > luma[y][x+1] {
				hash |= 1 << bit
			}
			bit--
		}
	}
	return hash
}

func scale(img image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

// grayscale returns BT.601 luma indexed [y][x].
func grayscale(img *image.RGBA) [][]float64 {
	b := img.Bounds()
	rows := make([][]float64, b.Dy())
	for y := range rows {
		rows[y] = make([]float64, b.Dx())
		for x := range rows[y] {
			p := img.RGBAAt(b.Min.X+x, b.Min.Y+y)
			rows[y][x] = 0.299*float64(p.R) + 0.587*float64(p.G) + 0.114*float64(p.B)
		}
	}
	return rows
}

// dct2 is a separable DCT-II of a square matrix: rows first, then columns.
func dct2(m [][]float64) [][]float64 {
	n := len(m)
	basis := make([][]float64, n)
	for k := range basis {
		basis[k] = make([]float64, n)
		for i := range basis[k] {
			basis[k][i] = math.Cos(math.Pi * float64(k) * (2*float64(i) + 1) / (2 * float64(n)))
		}
	}

	rows := make([][]float64, n)
	for y := range m {
		rows[y] = make([]float64, n)
		for k := range n {
			var sum float64
			for x := range n {
				sum += m[y][x] * basis[k][x]
			}
			rows[y][k] = sum
		}
	}

	out := make([][]float64, n)
	for k := range out {
		out[k] = make([]float64, n)
	}
	for x := range n {
		for k := range n {
			var sum float64
			for y := range n {
				sum += rows[y][x] * basis[k][y]
			}
			out[k][x] = sum
		}
	}
	return out
}

func medianOf(values []float64) float64 {
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}
