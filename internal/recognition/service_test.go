package recognition

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/kozaktomas/rollcall/internal/attendance"
	"github.com/kozaktomas/rollcall/internal/database/mock"
	"github.com/kozaktomas/rollcall/internal/embedding"
	"github.com/kozaktomas/rollcall/internal/extractor"
	"github.com/kozaktomas/rollcall/internal/filter"
	"github.com/kozaktomas/rollcall/internal/metrics"
	"github.com/kozaktomas/rollcall/internal/policy"
	"github.com/kozaktomas/rollcall/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// centered is a 40x40 face in the middle of a 100x100 image.
var centered = [4]float64{30, 30, 70, 70}

type fakeExtractor struct {
	faces []extractor.Face
	err   error
	block bool
	calls int
}

func (f *fakeExtractor) Extract(ctx context.Context, _ []byte) ([]extractor.Face, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.faces, f.err
}

func face(vec []float32, bbox [4]float64) extractor.Face {
	return extractor.Face{Embedding: vec, BBox: bbox, DetScore: 0.99}
}

type staleSnapshots struct {
	snap *registry.Snapshot
}

func (s staleSnapshots) Current(context.Context) (*registry.Snapshot, bool, error) {
	return s.snap, true, nil
}

func testImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for y := range 100 {
		for x := range 100 {
			img.Set(x, y, color.RGBA{R: 200, G: 180, B: 160, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

type fixture struct {
	store   *mock.MockStore
	ext     *fakeExtractor
	svc     *Service
	metrics *metrics.Metrics
	reg     *prometheus.Registry
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store := mock.NewMockStore()
	store.AddIdentity("alice", "Alice Nováková", []float32{1, 0, 0, 0})
	store.AddIdentity("bob", "Bob Dvořák", []float32{0, 1, 0, 0})
	store.AddIdentity("carol", "Carol Malá", []float32{0, 0, 1, 0}, []float32{0, 0, 0.9, 0.1})
	store.AddSession("lecture-1", "alice", "bob")
	store.AddSession("lecture-x", "ghost")

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	reg := registry.New(store, registry.Options{TTL: time.Minute, Metrics: m})
	flt, err := filter.New(store, filter.Options{Metrics: m})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	t.Cleanup(flt.Close)

	ext := &fakeExtractor{}
	if opts.Thresholds == (policy.Thresholds{}) {
		opts.Thresholds = policy.DefaultThresholds()
	}
	opts.Metrics = m
	svc := NewService(ext, reg, flt, attendance.NewRecorder(store, nil, m, nil), opts)
	return &fixture{store: store, ext: ext, svc: svc, metrics: m, reg: promReg}
}

func TestRecognize_EndToEnd(t *testing.T) {
	img := testImage(t)

	tests := []struct {
		name       string
		faces      []extractor.Face
		session    string
		recognized bool
		identity   string
		band       policy.Band
		reason     policy.Reason
		warnings   []string
	}{
		{
			name:       "identical embedding is high confidence",
			faces:      []extractor.Face{face([]float32{1, 0, 0, 0}, centered)},
			session:    "lecture-1",
			recognized: true,
			identity:   "alice",
			band:       policy.BandHigh,
		},
		{
			name:   "distance 0.5 is low confidence",
			faces:  []extractor.Face{face([]float32{1, 0.5, 0, 0}, centered)},
			band:   policy.BandLow,
			reason: policy.ReasonLowConfidence,
		},
		{
			name:    "cohort without enrolled members has no candidates",
			faces:   []extractor.Face{face([]float32{1, 0, 0, 0}, centered)},
			session: "lecture-x",
			band:    policy.BandLow,
			reason:  policy.ReasonNoCandidates,
		},
		{
			name:    "cohort excludes the nearest identity",
			faces:   []extractor.Face{face([]float32{0, 0, 1, 0}, centered)},
			session: "lecture-1",
			band:    policy.BandLow,
			reason:  policy.ReasonAmbiguousMatch,
		},
		{
			name:   "no face",
			faces:  nil,
			band:   policy.BandLow,
			reason: policy.ReasonNoFaceDetected,
		},
		{
			name: "two faces",
			faces: []extractor.Face{
				face([]float32{1, 0, 0, 0}, [4]float64{0, 0, 30, 30}),
				face([]float32{0, 1, 0, 0}, [4]float64{60, 60, 95, 95}),
			},
			band:   policy.BandLow,
			reason: policy.ReasonMultipleFaces,
		},
		{
			name: "duplicate detections of one face",
			faces: []extractor.Face{
				face([]float32{1, 0, 0, 0}, centered),
				{Embedding: []float32{1, 0, 0, 0}, BBox: [4]float64{30, 30, 70, 71}, DetScore: 0.5},
			},
			recognized: true,
			identity:   "alice",
			band:       policy.BandHigh,
			warnings:   []string{policy.WarningNoSession},
		},
		{
			name:   "tiny face",
			faces:  []extractor.Face{face([]float32{1, 0, 0, 0}, [4]float64{45, 45, 55, 55})},
			band:   policy.BandHigh,
			reason: policy.ReasonFaceTooSmall,
		},
		{
			name:       "recognized without session is not recorded",
			faces:      []extractor.Face{face([]float32{0, 0, 0.95, 0.05}, centered)},
			recognized: true,
			identity:   "carol",
			band:       policy.BandHigh,
			warnings:   []string{policy.WarningNoSession},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, Options{})
			fx.ext.faces = tt.faces

			v, err := fx.svc.Recognize(context.Background(), Request{Image: img, SessionID: tt.session})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v.Recognized != tt.recognized {
				t.Errorf("Recognized = %v, want %v (reason %q)", v.Recognized, tt.recognized, v.Reason)
			}
			if v.IdentityID != tt.identity {
				t.Errorf("IdentityID = %q, want %q", v.IdentityID, tt.identity)
			}
			if v.Band != tt.band {
				t.Errorf("Band = %q, want %q", v.Band, tt.band)
			}
			if v.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", v.Reason, tt.reason)
			}
			for _, w := range tt.warnings {
				if !v.HasWarning(w) {
					t.Errorf("expected warning %q, got %v", w, v.Warnings)
				}
			}
			if v.RequestID == "" {
				t.Error("request id should be assigned")
			}
			if v.TopMatches == nil {
				t.Error("top matches should never be nil")
			}
			if len(v.TopMatches) > policy.TopMatchCount {
				t.Errorf("too many top matches: %d", len(v.TopMatches))
			}
		})
	}
}

func TestRecognize_RecordsAttendance(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.ext.faces = []extractor.Face{face([]float32{1, 0, 0, 0}, centered)}
	img := testImage(t)

	for range 2 {
		v, err := fx.svc.Recognize(context.Background(), Request{Image: img, SessionID: "lecture-1"})
		if err != nil || !v.Recognized {
			t.Fatalf("expected recognition, got %+v, %v", v, err)
		}
		if len(v.Warnings) != 0 {
			t.Errorf("unexpected warnings %v", v.Warnings)
		}
	}

	rows, _ := fx.store.ListAttendance(context.Background(), "lecture-1")
	if len(rows) != 1 || rows[0].IdentityID != "alice" || rows[0].Confidence != 100 {
		t.Errorf("expected one alice row at 100, got %+v", rows)
	}
	if got := testutil.ToFloat64(fx.metrics.Recognitions.WithLabelValues(OutcomeRecognized, "")); got != 2 {
		t.Errorf("expected 2 recognized observations, got %v", got)
	}
}

func TestRecognize_PersistenceFailureKeepsVerdict(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.store.UpsertAttendanceError = errors.New("connection reset")
	fx.ext.faces = []extractor.Face{face([]float32{1, 0, 0, 0}, centered)}

	v, err := fx.svc.Recognize(context.Background(), Request{Image: testImage(t), SessionID: "lecture-1"})
	if err != nil {
		t.Fatalf("persistence failure must not fail the request: %v", err)
	}
	if !v.Recognized || v.IdentityID != "alice" {
		t.Errorf("verdict should stay positive: %+v", v)
	}
	if !v.HasWarning(policy.WarningAttendanceNotRecorded) {
		t.Errorf("expected attendance_not_recorded, got %v", v.Warnings)
	}
}

func TestRecognize_Timeout(t *testing.T) {
	fx := newFixture(t, Options{Timeout: 20 * time.Millisecond})
	fx.ext.block = true

	v, err := fx.svc.Recognize(context.Background(), Request{Image: testImage(t), SessionID: "lecture-1"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if v.Reason != policy.ReasonTimeout || v.Recognized {
		t.Errorf("expected timeout verdict, got %+v", v)
	}
	if fx.store.UpsertCalls() != 0 {
		t.Error("timed out request must not record attendance")
	}
}

func TestRecognize_InvalidImages(t *testing.T) {
	tests := []struct {
		name  string
		image []byte
		max   int
	}{
		{"empty", nil, 0},
		{"not an image", []byte("definitely not a picture"), 0},
		{"too large", nil, 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, Options{MaxImageBytes: tt.max})
			img := tt.image
			if tt.max > 0 {
				img = testImage(t)
			}

			v, err := fx.svc.Recognize(context.Background(), Request{Image: img})
			if !errors.Is(err, ErrInvalidImage) {
				t.Fatalf("expected ErrInvalidImage, got %v", err)
			}
			if v.Reason != policy.ReasonInvalidImage {
				t.Errorf("Reason = %q", v.Reason)
			}
			if fx.ext.calls != 0 {
				t.Error("extractor should not be called for invalid input")
			}
		})
	}
}

func TestRecognize_ExtractorErrors(t *testing.T) {
	t.Run("unavailable is a fault", func(t *testing.T) {
		fx := newFixture(t, Options{})
		fx.ext.err = extractor.ErrUnavailable

		_, err := fx.svc.Recognize(context.Background(), Request{Image: testImage(t)})
		if !errors.Is(err, ErrExtraction) || !errors.Is(err, extractor.ErrUnavailable) {
			t.Errorf("expected wrapped extraction error, got %v", err)
		}
	})

	t.Run("refused image is invalid", func(t *testing.T) {
		fx := newFixture(t, Options{})
		fx.ext.err = extractor.ErrRejectedImage

		v, err := fx.svc.Recognize(context.Background(), Request{Image: testImage(t)})
		if !errors.Is(err, ErrInvalidImage) || v.Reason != policy.ReasonInvalidImage {
			t.Errorf("expected invalid_image, got %+v, %v", v, err)
		}
	})
}

func TestRecognize_SourceUnavailable(t *testing.T) {
	fx := newFixture(t, Options{})
	fx.store.SetLoadError(errors.New("db down"))
	fx.ext.faces = []extractor.Face{face([]float32{1, 0, 0, 0}, centered)}

	_, err := fx.svc.Recognize(context.Background(), Request{Image: testImage(t)})
	if !errors.Is(err, registry.ErrSourceUnavailable) {
		t.Errorf("expected ErrSourceUnavailable, got %v", err)
	}
}

func TestRecognizeEmbedding(t *testing.T) {
	fx := newFixture(t, Options{})

	v, err := fx.svc.RecognizeEmbedding(context.Background(), EmbeddingRequest{Embedding: []float32{0, 1, 0, 0}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Recognized || v.IdentityID != "bob" {
		t.Errorf("expected bob, got %+v", v)
	}

	v, err = fx.svc.RecognizeEmbedding(context.Background(), EmbeddingRequest{
		Embedding: []float32{0, 1, 0, 0},
		SessionID: "lecture-1",
		DryRun:    true,
	})
	if err != nil || !v.Recognized {
		t.Fatalf("expected dry-run recognition, got %+v, %v", v, err)
	}
	if fx.store.UpsertCalls() != 0 || len(v.Warnings) != 0 {
		t.Errorf("dry run must not record, got %d upserts and warnings %v", fx.store.UpsertCalls(), v.Warnings)
	}

	_, err = fx.svc.RecognizeEmbedding(context.Background(), EmbeddingRequest{Embedding: []float32{1, 0}})
	if !errors.Is(err, embedding.ErrDimensionMismatch) {
		t.Errorf("expected dimension mismatch, got %v", err)
	}
}

func TestRecognize_StaleRegistryWarning(t *testing.T) {
	snap := registry.NewSnapshot([]registry.Identity{
		{ID: "alice", DisplayName: "Alice", Embeddings: []embedding.Vector{{1, 0}}},
		{ID: "bob", DisplayName: "Bob", Embeddings: []embedding.Vector{{0, 1}}},
	}, time.Now().Add(-time.Hour))
	flt, err := filter.New(nil, filter.Options{})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	ext := &fakeExtractor{faces: []extractor.Face{face([]float32{1, 0}, centered)}}
	svc := NewService(ext, staleSnapshots{snap: snap}, flt, nil, Options{Thresholds: policy.DefaultThresholds()})

	v, err := svc.Recognize(context.Background(), Request{Image: testImage(t)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Recognized || !v.HasWarning(policy.WarningStaleRegistry) {
		t.Errorf("expected recognized verdict with stale warning, got %+v", v)
	}
}

func TestDedupeFaces(t *testing.T) {
	faces := []extractor.Face{
		{BBox: [4]float64{0, 0, 10, 10}, DetScore: 0.6},
		{BBox: [4]float64{0, 0, 10, 10.2}, DetScore: 0.9},
		{BBox: [4]float64{50, 50, 60, 60}, DetScore: 0.8},
	}
	got := dedupeFaces(faces)
	if len(got) != 2 {
		t.Fatalf("expected 2 faces, got %d", len(got))
	}
	if got[0].DetScore != 0.9 {
		t.Errorf("expected the higher scoring duplicate to survive, got %v", got[0].DetScore)
	}
}

func TestRecognize_ShortlistStillSeesRunnerUp(t *testing.T) {
	store := mock.NewMockStore()
	dense := make([][]float32, 60)
	for i := range dense {
		dense[i] = []float32{0.1, 0.0001 * float32(i), 0}
	}
	store.AddIdentity("a", "Dense", dense...)
	store.AddIdentity("b", "Runner-up", []float32{0, 0.12, 0})
	for i := range 8 {
		store.AddIdentity(string(rune('c'+i)), "", []float32{1, float32(i), 1})
	}

	reg := registry.New(store, registry.Options{TTL: time.Minute, ANNMinIdentities: 10})
	flt, err := filter.New(store, filter.Options{})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	t.Cleanup(flt.Close)

	ext := &fakeExtractor{faces: []extractor.Face{face([]float32{0, 0, 0}, centered)}}
	svc := NewService(ext, reg, flt, attendance.NewRecorder(store, nil, nil, nil), Options{
		Thresholds:    policy.DefaultThresholds(),
		ShortlistSize: 50,
	})

	v, err := svc.Recognize(context.Background(), Request{Image: testImage(t)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Recognized || v.Reason != policy.ReasonAmbiguousMatch {
		t.Errorf("expected ambiguous_match, got recognized=%v reason=%q", v.Recognized, v.Reason)
	}
	if len(v.TopMatches) < 2 || v.TopMatches[1].IdentityID != "b" {
		t.Errorf("expected b as runner-up, got %+v", v.TopMatches)
	}
}
