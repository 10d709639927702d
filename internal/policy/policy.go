// Package policy turns a ranked candidate list into a verdict.
//
// Decide runs an ordered pipeline of pure stages: quality gate, emptiness, margin, banding.
// The first stage that rejects decides the reason.
package policy

import (
	"errors"
	"fmt"
	"math"

	"github.com/kozaktomas/rollcall/internal/config"
	"github.com/kozaktomas/rollcall/internal/matcher"
)

// Thresholds holds the decision parameters. Confidences and ratios are fractions in [0, 1].
type Thresholds struct {
	Margin          float64 `json:"margin_threshold"`
	High            float64 `json:"confidence_threshold_high"`
	Medium          float64 `json:"confidence_threshold_medium"`
	MinFaceRatio    float64 `json:"min_face_ratio"`
	MaxCenterOffset float64 `json:"max_center_offset"`
	RejectOffCenter bool    `json:"reject_off_center"`
}

// DefaultThresholds returns the built-in thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Margin:          0.15,
		High:            0.85,
		Medium:          0.65,
		MinFaceRatio:    0.05,
		MaxCenterOffset: 0.25,
	}
}

// FromConfig converts the policy section of the configuration.
func FromConfig(cfg config.PolicyConfig) Thresholds {
	return Thresholds{
		Margin:          cfg.MarginThreshold,
		High:            cfg.ConfidenceHigh,
		Medium:          cfg.ConfidenceMedium,
		MinFaceRatio:    cfg.MinFaceRatio,
		MaxCenterOffset: cfg.MaxCenterOffset,
		RejectOffCenter: cfg.RejectOffCenter,
	}
}

// Validate checks the thresholds are within range and the bands are ordered.
func (t Thresholds) Validate() error {
	values := []struct {
		name string
		v    float64
	}{
		{"margin", t.Margin},
		{"high", t.High},
		{"medium", t.Medium},
		{"min_face_ratio", t.MinFaceRatio},
		{"max_center_offset", t.MaxCenterOffset},
	}
	for _, tv := range values {
		if math.IsNaN(tv.v) || tv.v < 0 || tv.v > 1 {
			return fmt.Errorf("threshold %s out of range [0, 1]: %v", tv.name, tv.v)
		}
	}
	if t.Medium > t.High {
		return errors.New("medium confidence threshold exceeds high threshold")
	}
	return nil
}

// Quality describes the probe face relative to its image.
type Quality struct {
	// FaceRatio is face bounding box area over image area.
	FaceRatio float64 `json:"face_ratio"`
	// CenterOffset is the distance from the face center to the image center, normalized so that
	// a face centered on an image corner is 1.
	CenterOffset float64 `json:"center_offset"`
	// Measured is false when no geometry is known (embedding-only requests); the gate is skipped.
	Measured bool `json:"measured"`
}

type stage func(ranked []matcher.Candidate, q Quality, t Thresholds) Reason

var pipeline = []stage{qualityGate, emptiness, margin, banding}

// Decide classifies a ranked candidate list. ranked must be ordered nearest first.
func Decide(ranked []matcher.Candidate, q Quality, t Thresholds) Verdict {
	top := ranked[:min(len(ranked), TopMatchCount)]
	v := Verdict{
		Band:       BandLow,
		TopMatches: append(make([]matcher.Candidate, 0, len(top)), top...),
	}
	if len(ranked) > 0 {
		v.Confidence = ranked[0].Confidence
		v.Band = BandFor(ranked[0].Confidence, t)
	}
	if q.Measured && q.CenterOffset > t.MaxCenterOffset {
		v.AddWarning(WarningFaceOffCenter)
	}

	for _, st := range pipeline {
		if reason := st(ranked, q, t); reason != "" {
			v.Reason = reason
			return v
		}
	}

	v.Recognized = true
	v.IdentityID = ranked[0].IdentityID
	v.DisplayName = ranked[0].DisplayName
	return v
}

// scoreTolerance absorbs float64 rounding in confidence arithmetic, so 0.95-0.80 meets a 0.15
// margin and 1-0.15 meets a 0.85 band.
const scoreTolerance = 1e-9

// BandFor classifies a confidence.
func BandFor(confidence float64, t Thresholds) Band {
	switch {
	case confidence >= t.High-scoreTolerance:
		return BandHigh
	case confidence >= t.Medium-scoreTolerance:
		return BandMedium
	default:
		return BandLow
	}
}

func qualityGate(_ []matcher.Candidate, q Quality, t Thresholds) Reason {
	if !q.Measured {
		return ""
	}
	if q.FaceRatio < t.MinFaceRatio {
		return ReasonFaceTooSmall
	}
	if t.RejectOffCenter && q.CenterOffset > t.MaxCenterOffset {
		return ReasonFaceOffCenter
	}
	return ""
}

func emptiness(ranked []matcher.Candidate, _ Quality, _ Thresholds) Reason {
	if len(ranked) == 0 {
		return ReasonNoCandidates
	}
	return ""
}

func margin(ranked []matcher.Candidate, _ Quality, t Thresholds) Reason {
	if len(ranked) < 2 {
		return ""
	}
	if ranked[0].Confidence-ranked[1].Confidence < t.Margin-scoreTolerance {
		return ReasonAmbiguousMatch
	}
	return ""
}

func banding(ranked []matcher.Candidate, _ Quality, t Thresholds) Reason {
	if BandFor(ranked[0].Confidence, t) == BandLow {
		return ReasonLowConfidence
	}
	return ""
}
