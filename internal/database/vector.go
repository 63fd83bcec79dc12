package database

import (
	"encoding/json"
	"fmt"
)

// FeatureVector is an embedding produced by the segmentation service.
// A nil or empty vector means the subject has no embedding and is never clustered.
type FeatureVector []float32

// Dim returns the vector dimension.
func (v FeatureVector) Dim() int {
	return len(v)
}

// Clone returns an independent copy of the vector.
func (v FeatureVector) Clone() FeatureVector {
	if v == nil {
		return nil
	}
	out := make(FeatureVector, len(v))
	copy(out, v)
	return out
}

// EncodeVector serializes a vector as a JSON array. Nil vectors encode to an empty string.
func EncodeVector(v FeatureVector) (string, error) {
	if len(v) == 0 {
		return "", nil
	}
	data, err := json.Marshal([]float32(v))
	if err != nil {
		return "", fmt.Errorf("encoding feature vector: %w", err)
	}
	return string(data), nil
}

// DecodeVector parses the output of EncodeVector.
func DecodeVector(s string) (FeatureVector, error) {
	if s == "" {
		return nil, nil
	}
	var v []float32
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("decoding feature vector: %w", err)
	}
	if len(v) == 0 {
		return nil, nil
	}
	return FeatureVector(v), nil
}
