package extraction

import (
	"sort"
)

// ComputeIoU calculates Intersection over Union between two bounding boxes.
// bbox1 and bbox2 are [x1, y1, x2, y2] in the same coordinate system.
func ComputeIoU(bbox1, bbox2 []float64) float64 {
	if len(bbox1) != 4 || len(bbox2) != 4 {
		return 0
	}

	x1 := max(bbox1[0], bbox2[0])
	y1 := max(bbox1[1], bbox2[1])
	x2 := min(bbox1[2], bbox2[2])
	y2 := min(bbox1[3], bbox2[3])

	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	area1 := (bbox1[2] - bbox1[0]) * (bbox1[3] - bbox1[1])
	area2 := (bbox2[2] - bbox2[0]) * (bbox2[3] - bbox2[1])
	union := area1 + area2 - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

// FilterDetections drops detections below minConfidence, then suppresses
// detections overlapping a higher-confidence one by at least iouThreshold.
// At most limit detections are kept (limit <= 0 keeps all), best first.
func FilterDetections(dets []Detection, minConfidence, iouThreshold float64, limit int) []Detection {
	candidates := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence >= minConfidence && len(d.Sticker) > 0 {
			candidates = append(candidates, d)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})

	var kept []Detection
	for _, d := range candidates {
		if limit > 0 && len(kept) >= limit {
			break
		}
		duplicate := false
		for _, k := range kept {
			if ComputeIoU(d.BBox, k.BBox) >= iouThreshold {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, d)
		}
	}
	return kept
}

// clampBBox keeps a relative box inside the unit square.
func clampBBox(b []float64) []float64 {
	if len(b) != 4 {
		return nil
	}
	out := make([]float64, 4)
	for i, v := range b {
		out[i] = min(1, max(0, v))
	}
	return out
}
