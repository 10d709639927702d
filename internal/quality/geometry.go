// Package quality measures the probe face relative to its image.
package quality

import (
	"math"

	"github.com/kozaktomas/rollcall/internal/policy"
)

// DuplicateIoU is the overlap above which two detections are treated as the same face.
const DuplicateIoU = 0.9

// ComputeIoU calculates Intersection over Union between two bounding boxes.
// bbox1 and bbox2 are [x1, y1, x2, y2] in the same coordinate system.
func ComputeIoU(bbox1, bbox2 [4]float64) float64 {
	// Calculate intersection.
	x1 := max(bbox1[0], bbox2[0])
	y1 := max(bbox1[1], bbox2[1])
	x2 := min(bbox1[2], bbox2[2])
	y2 := min(bbox1[3], bbox2[3])

	if x2 <= x1 || y2 <= y1 {
		return 0 // No intersection
	}

	intersection := (x2 - x1) * (y2 - y1)

	// Calculate union.
	area1 := (bbox1[2] - bbox1[0]) * (bbox1[3] - bbox1[1])
	area2 := (bbox2[2] - bbox2[0]) * (bbox2[3] - bbox2[1])
	union := area1 + area2 - intersection

	if union <= 0 {
		return 0
	}

	return intersection / union
}

// ToRelative converts a pixel bbox to relative (0-1) coordinates, clipped to the image.
func ToRelative(bbox [4]float64, width, height int) [4]float64 {
	if width <= 0 || height <= 0 {
		return [4]float64{}
	}
	w, h := float64(width), float64(height)
	return [4]float64{
		clamp01(bbox[0] / w),
		clamp01(bbox[1] / h),
		clamp01(bbox[2] / w),
		clamp01(bbox[3] / h),
	}
}

// FaceRatio returns the face area over the image area, using the part of the box inside the image.
func FaceRatio(bbox [4]float64, width, height int) float64 {
	r := ToRelative(bbox, width, height)
	return max(r[2]-r[0], 0) * max(r[3]-r[1], 0)
}

// CenterOffset returns the distance between the face center and the image center in relative
// coordinates, scaled so that a face centered on an image corner scores 1.
func CenterOffset(bbox [4]float64, width, height int) float64 {
	r := ToRelative(bbox, width, height)
	cx := (r[0]+r[2])/2 - 0.5
	cy := (r[1]+r[3])/2 - 0.5
	return math.Hypot(cx, cy) * math.Sqrt2
}

// Measure computes the quality metrics the decision policy gates on.
func Measure(bbox [4]float64, width, height int) policy.Quality {
	return policy.Quality{
		FaceRatio:    FaceRatio(bbox, width, height),
		CenterOffset: CenterOffset(bbox, width, height),
		Measured:     width > 0 && height > 0,
	}
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}
