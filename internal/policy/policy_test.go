package policy

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/kozaktomas/rollcall/internal/config"
	"github.com/kozaktomas/rollcall/internal/embedding"
	"github.com/kozaktomas/rollcall/internal/matcher"
)

func cands(confidences ...float64) []matcher.Candidate {
	out := make([]matcher.Candidate, len(confidences))
	for i, c := range confidences {
		out[i] = matcher.Candidate{
			IdentityID:  string(rune('a' + i)),
			DisplayName: "Name " + string(rune('A'+i)),
			Distance:    1 - c,
			Confidence:  c,
		}
	}
	return out
}

var goodQuality = Quality{FaceRatio: 0.2, CenterOffset: 0.05, Measured: true}

func TestDecide(t *testing.T) {
	th := DefaultThresholds()

	tests := []struct {
		name       string
		ranked     []matcher.Candidate
		quality    Quality
		recognized bool
		reason     Reason
		band       Band
	}{
		{"single high", cands(1.0), goodQuality, true, "", BandHigh},
		{"medium with clear margin", cands(0.70, 0.40), goodQuality, true, "", BandMedium},
		{"ambiguity overrides high confidence", cands(0.90, 0.80), goodQuality, false, ReasonAmbiguousMatch, BandHigh},
		{"low confidence", cands(0.50), goodQuality, false, ReasonLowConfidence, BandLow},
		{"no candidates", nil, goodQuality, false, ReasonNoCandidates, BandLow},
		{"face too small beats scores", cands(0.99), Quality{FaceRatio: 0.02, Measured: true}, false, ReasonFaceTooSmall, BandHigh},
		{"face too small beats emptiness", nil, Quality{FaceRatio: 0.02, Measured: true}, false, ReasonFaceTooSmall, BandLow},
		{"unmeasured quality skips gate", cands(0.95), Quality{}, true, "", BandHigh},
		{"margin above threshold passes", cands(0.95, 0.75), goodQuality, true, "", BandHigh},
		{"margin exactly at threshold passes", cands(0.95, 0.80), goodQuality, true, "", BandHigh},
		{"margin just below threshold is ambiguous", cands(0.95, 0.8001), goodQuality, false, ReasonAmbiguousMatch, BandHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Decide(tt.ranked, tt.quality, th)
			if v.Recognized != tt.recognized {
				t.Errorf("recognized = %v, want %v", v.Recognized, tt.recognized)
			}
			if v.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", v.Reason, tt.reason)
			}
			if v.Band != tt.band {
				t.Errorf("band = %q, want %q", v.Band, tt.band)
			}
			if tt.recognized && v.IdentityID != "a" {
				t.Errorf("expected identity a, got %q", v.IdentityID)
			}
			if !tt.recognized && v.IdentityID != "" {
				t.Errorf("rejected verdict must not name an identity, got %q", v.IdentityID)
			}
		})
	}
}

func TestDecide_TopMatchesAlwaysPresent(t *testing.T) {
	v := Decide(cands(0.9, 0.85, 0.5, 0.3, 0.1), goodQuality, DefaultThresholds())
	if v.Reason != ReasonAmbiguousMatch {
		t.Fatalf("expected ambiguous, got %q", v.Reason)
	}
	if len(v.TopMatches) != TopMatchCount {
		t.Errorf("expected %d top matches, got %d", TopMatchCount, len(v.TopMatches))
	}

	empty := Decide(nil, goodQuality, DefaultThresholds())
	data, _ := json.Marshal(empty)
	if !strings.Contains(string(data), `"top_matches":[]`) {
		t.Errorf("expected empty top_matches array in JSON, got %s", data)
	}
}

func TestDecide_OffCenter(t *testing.T) {
	th := DefaultThresholds()
	offCenter := Quality{FaceRatio: 0.2, CenterOffset: 0.4, Measured: true}

	v := Decide(cands(0.95), offCenter, th)
	if !v.Recognized {
		t.Errorf("off-center alone should not block, got %q", v.Reason)
	}
	if !v.HasWarning(WarningFaceOffCenter) {
		t.Error("expected face_off_center warning")
	}

	th.RejectOffCenter = true
	v = Decide(cands(0.95), offCenter, th)
	if v.Recognized || v.Reason != ReasonFaceOffCenter {
		t.Errorf("expected face_off_center rejection, got recognized=%v reason=%q", v.Recognized, v.Reason)
	}
}

func TestDecide_DoesNotAliasInput(t *testing.T) {
	ranked := cands(0.95, 0.2)
	v := Decide(ranked, goodQuality, DefaultThresholds())
	v.TopMatches[0].IdentityID = "mutated"
	if ranked[0].IdentityID != "a" {
		t.Error("verdict top matches must not alias the ranked input")
	}
}

func TestBandFor(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		conf float64
		want Band
	}{
		{1.0, BandHigh},
		{0.85, BandHigh},
		{0.8499, BandMedium},
		{0.65, BandMedium},
		{0.6499, BandLow},
		{0, BandLow},
		{embedding.Confidence(0.15), BandHigh},
		{embedding.Confidence(0.35), BandMedium},
	}
	for _, tt := range tests {
		if got := BandFor(tt.conf, th); got != tt.want {
			t.Errorf("BandFor(%v) = %q, want %q", tt.conf, got, tt.want)
		}
	}
}

func TestThresholdsValidate(t *testing.T) {
	if err := DefaultThresholds().Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}

	bad := DefaultThresholds()
	bad.Medium = 0.9
	if err := bad.Validate(); err == nil {
		t.Error("expected medium > high to fail")
	}

	bad = DefaultThresholds()
	bad.Margin = -0.1
	if err := bad.Validate(); err == nil {
		t.Error("expected negative margin to fail")
	}
}

func TestFromConfigMatchesDefaults(t *testing.T) {
	if got := FromConfig(config.Defaults().Policy); got != DefaultThresholds() {
		t.Errorf("config defaults %+v differ from built-in thresholds %+v", got, DefaultThresholds())
	}
}

func TestVerdictWarnings(t *testing.T) {
	v := Reject(ReasonTimeout)
	v.AddWarning(WarningStaleRegistry)
	v.AddWarning(WarningStaleRegistry)
	v.AddWarning("")
	if len(v.Warnings) != 1 {
		t.Errorf("expected deduplicated warnings, got %v", v.Warnings)
	}
	if _, ok := v.Best(); ok {
		t.Error("rejected boundary verdict has no best candidate")
	}
}
