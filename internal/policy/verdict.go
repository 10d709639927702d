package policy

import (
	"slices"

	"github.com/kozaktomas/rollcall/internal/matcher"
)

// Band classifies the confidence of the best candidate.
type Band string

const (
	BandHigh   Band = "high"
	BandMedium Band = "medium"
	BandLow    Band = "low"
)

// Reason explains why a verdict is not recognized.
type Reason string

// Policy rejections.
const (
	ReasonFaceTooSmall   Reason = "face_too_small"
	ReasonFaceOffCenter  Reason = "face_off_center"
	ReasonNoCandidates   Reason = "no_candidates"
	ReasonAmbiguousMatch Reason = "ambiguous_match"
	ReasonLowConfidence  Reason = "low_confidence"
)

// Boundary rejections, decided before the policy runs.
const (
	ReasonNoFaceDetected Reason = "no_face_detected"
	ReasonMultipleFaces  Reason = "multiple_faces"
	ReasonInvalidImage   Reason = "invalid_image"
	ReasonTimeout        Reason = "timeout"
)

// Warnings attached to verdicts.
const (
	WarningFaceOffCenter         = "face_off_center"
	WarningStaleRegistry         = "stale_registry"
	WarningAttendanceNotRecorded = "attendance_not_recorded"
	WarningNoSession             = "no_session"
)

// TopMatchCount is how many ranked candidates a verdict carries.
const TopMatchCount = 3

// Verdict is the outcome of one recognition request.
type Verdict struct {
	Recognized  bool                `json:"recognized"`
	IdentityID  string              `json:"identity_id,omitempty"`
	DisplayName string              `json:"display_name,omitempty"`
	Confidence  float64             `json:"confidence"`
	Band        Band                `json:"confidence_band"`
	Reason      Reason              `json:"rejection_reason,omitempty"`
	TopMatches  []matcher.Candidate `json:"top_matches"`
	Warnings    []string            `json:"warnings,omitempty"`
	RequestID   string              `json:"request_id,omitempty"`
}

// Reject returns a not-recognized verdict with no candidates.
func Reject(reason Reason) Verdict {
	return Verdict{
		Band:       BandLow,
		Reason:     reason,
		TopMatches: []matcher.Candidate{},
	}
}

// AddWarning appends a warning once.
func (v *Verdict) AddWarning(w string) {
	if w == "" || slices.Contains(v.Warnings, w) {
		return
	}
	v.Warnings = append(v.Warnings, w)
}

// HasWarning reports whether the verdict carries w.
func (v *Verdict) HasWarning(w string) bool {
	return slices.Contains(v.Warnings, w)
}

// Best returns the top-ranked candidate, if any.
func (v *Verdict) Best() (matcher.Candidate, bool) {
	if len(v.TopMatches) == 0 {
		return matcher.Candidate{}, false
	}
	return v.TopMatches[0], true
}
