// Package recognition runs one attendance check: extract the probe face, rank the enrolled
// identities, apply the decision policy and record attendance.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/rollcall/internal/attendance"
	"github.com/kozaktomas/rollcall/internal/embedding"
	"github.com/kozaktomas/rollcall/internal/extractor"
	"github.com/kozaktomas/rollcall/internal/filter"
	"github.com/kozaktomas/rollcall/internal/matcher"
	"github.com/kozaktomas/rollcall/internal/metrics"
	"github.com/kozaktomas/rollcall/internal/policy"
	"github.com/kozaktomas/rollcall/internal/quality"
	"github.com/kozaktomas/rollcall/internal/registry"
	"go.uber.org/zap"
)

var (
	// ErrInvalidImage is returned for empty, oversized, undecodable or refused images.
	ErrInvalidImage = errors.New("invalid image")
	// ErrExtraction is returned when the face extractor fails for reasons other than the image.
	ErrExtraction = errors.New("face extraction failed")
)

// Outcome labels used for metrics and logs.
const (
	OutcomeRecognized = "recognized"
	OutcomeRejected   = "rejected"
	OutcomeError      = "error"
)

// Extractor detects faces and computes their embeddings.
type Extractor interface {
	Extract(ctx context.Context, image []byte) ([]extractor.Face, error)
}

// Snapshots provides the identity snapshot to match against.
type Snapshots interface {
	Current(ctx context.Context) (*registry.Snapshot, bool, error)
}

// CandidateFilter scopes a snapshot to a session.
type CandidateFilter interface {
	Filter(ctx context.Context, snap *registry.Snapshot, sessionID string) filter.Result
}

// Recorder persists attendance for recognized verdicts.
type Recorder interface {
	Record(ctx context.Context, identityID, sessionID string, confidence float64, evidence attendance.Evidence) (attendance.Ack, error)
}

// Options configures a Service.
type Options struct {
	Thresholds    policy.Thresholds
	Timeout       time.Duration // 0 leaves requests bounded only by the caller
	MaxImageBytes int
	ShortlistSize int
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// Request is one image-based recognition request.
type Request struct {
	Image     []byte
	SessionID string
	RequestID string
}

// EmbeddingRequest is a recognition request for an already extracted probe.
type EmbeddingRequest struct {
	Embedding embedding.Vector
	Quality   policy.Quality
	SessionID string
	RequestID string
	// DryRun decides without recording attendance.
	DryRun bool
}

// Service orchestrates recognition requests.
type Service struct {
	extractor Extractor
	snapshots Snapshots
	filter    CandidateFilter
	recorder  Recorder
	opts      Options
	log       *zap.Logger
}

// NewService wires a recognition service. recorder may be nil, in which case nothing is recorded.
func NewService(ext Extractor, snapshots Snapshots, flt CandidateFilter, recorder Recorder, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ShortlistSize <= 0 {
		opts.ShortlistSize = 50
	}
	return &Service{
		extractor: ext,
		snapshots: snapshots,
		filter:    flt,
		recorder:  recorder,
		opts:      opts,
		log:       opts.Logger.Named("recognition"),
	}
}

// Thresholds returns the active decision thresholds.
func (s *Service) Thresholds() policy.Thresholds {
	return s.opts.Thresholds
}

// Recognize runs the full pipeline on an image.
//
// Policy rejections are verdicts with a nil error. A non-nil error means the request could not be
// decided: ErrInvalidImage, ErrExtraction, registry.ErrSourceUnavailable,
// embedding.ErrDimensionMismatch or context.DeadlineExceeded. For invalid images and timeouts the
// returned verdict carries the matching reason as well.
func (s *Service) Recognize(ctx context.Context, req Request) (policy.Verdict, error) {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	p, q, err := s.probe(ctx, req)
	if err != nil || p.Reason != "" {
		return s.finish(req.RequestID, req.SessionID, start, q, p.Verdict, err)
	}

	v, err := s.decide(ctx, req.SessionID, req.RequestID, p.probe, q, false)
	return s.finish(req.RequestID, req.SessionID, start, q, v, err)
}

// RecognizeEmbedding runs the pipeline from quality gating on for a caller that already has
// an embedding.
func (s *Service) RecognizeEmbedding(ctx context.Context, req EmbeddingRequest) (policy.Verdict, error) {
	start := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	v, err := s.decide(ctx, req.SessionID, req.RequestID, req.Embedding, req.Quality, req.DryRun)
	return s.finish(req.RequestID, req.SessionID, start, req.Quality, v, err)
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.Timeout > 0 {
		return context.WithTimeout(ctx, s.opts.Timeout)
	}
	return context.WithCancel(ctx)
}

// probed is the outcome of the extraction stage.
type probed struct {
	policy.Verdict
	probe embedding.Vector
}

// probe validates the image, extracts exactly one face and measures it. A verdict with a
// reason set means the request ends here.
func (s *Service) probe(ctx context.Context, req Request) (probed, policy.Quality, error) {
	if len(req.Image) == 0 {
		return probed{Verdict: policy.Reject(policy.ReasonInvalidImage)}, policy.Quality{},
			fmt.Errorf("%w: empty image", ErrInvalidImage)
	}
	if s.opts.MaxImageBytes > 0 && len(req.Image) > s.opts.MaxImageBytes {
		return probed{Verdict: policy.Reject(policy.ReasonInvalidImage)}, policy.Quality{},
			fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrInvalidImage, len(req.Image), s.opts.MaxImageBytes)
	}
	dims, err := extractor.ProbeDimensions(req.Image)
	if err != nil {
		return probed{Verdict: policy.Reject(policy.ReasonInvalidImage)}, policy.Quality{},
			fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}

	extractStart := time.Now()
	faces, err := s.extractor.Extract(ctx, req.Image)
	s.opts.Metrics.ObserveExtraction(time.Since(extractStart), err)
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return probed{Verdict: policy.Reject(policy.ReasonTimeout)}, policy.Quality{}, ctx.Err()
		case ctx.Err() != nil:
			return probed{}, policy.Quality{}, ctx.Err()
		case errors.Is(err, extractor.ErrRejectedImage):
			return probed{Verdict: policy.Reject(policy.ReasonInvalidImage)}, policy.Quality{},
				fmt.Errorf("%w: %w", ErrInvalidImage, err)
		}
		return probed{}, policy.Quality{}, fmt.Errorf("%w: %w", ErrExtraction, err)
	}

	f, reason := SingleFace(faces)
	if reason != "" {
		return probed{Verdict: policy.Reject(reason)}, policy.Quality{}, nil
	}

	q := quality.Measure(f.BBox, dims.Width, dims.Height)
	return probed{probe: f.Embedding}, q, nil
}

// decide matches the probe against the session candidates, applies the policy and records
// attendance for a recognized verdict unless dryRun is set.
func (s *Service) decide(ctx context.Context, sessionID, requestID string, probe embedding.Vector, q policy.Quality, dryRun bool) (policy.Verdict, error) {
	snap, stale, err := s.snapshots.Current(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return policy.Reject(policy.ReasonTimeout), err
		}
		return policy.Verdict{}, err
	}

	candidates := s.filter.Filter(ctx, snap, sessionID)

	var ranked []matcher.Candidate
	if !candidates.Scoped && snap.Index() != nil {
		ranked, err = matcher.Shortlist(ctx, probe, snap, s.opts.ShortlistSize)
	} else {
		ranked, err = matcher.Match(ctx, probe, candidates.Identities)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return policy.Reject(policy.ReasonTimeout), err
		}
		return policy.Verdict{}, err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return policy.Reject(policy.ReasonTimeout), ctx.Err()
	}

	v := policy.Decide(ranked, q, s.opts.Thresholds)
	v.RequestID = requestID
	if stale {
		v.AddWarning(policy.WarningStaleRegistry)
	}
	v.AddWarning(candidates.Warning)

	if v.Recognized && !dryRun {
		s.record(ctx, &v, ranked, sessionID, q)
	}
	return v, nil
}

func (s *Service) record(ctx context.Context, v *policy.Verdict, ranked []matcher.Candidate, sessionID string, q policy.Quality) {
	if sessionID == "" {
		v.AddWarning(policy.WarningNoSession)
		return
	}
	if s.recorder == nil {
		v.AddWarning(policy.WarningAttendanceNotRecorded)
		return
	}

	evidence := attendance.Evidence{
		RequestID: v.RequestID,
		Distance:  ranked[0].Distance,
		Band:      string(v.Band),
		FaceRatio: q.FaceRatio,
	}
	if len(ranked) > 1 {
		evidence.RunnerUpID = ranked[1].IdentityID
		evidence.Margin = ranked[0].Confidence - ranked[1].Confidence
	}

	if _, err := s.recorder.Record(ctx, v.IdentityID, sessionID, v.Confidence, evidence); err != nil {
		s.log.Error("attendance not recorded",
			zap.String("request_id", v.RequestID),
			zap.String("identity_id", v.IdentityID),
			zap.String("session_id", sessionID),
			zap.Error(err))
		v.AddWarning(policy.WarningAttendanceNotRecorded)
	}
}

// finish stamps the verdict and emits the per-request metrics and log line.
func (s *Service) finish(requestID, sessionID string, start time.Time, q policy.Quality, v policy.Verdict, err error) (policy.Verdict, error) {
	v.RequestID = requestID
	if v.TopMatches == nil {
		v.TopMatches = []matcher.Candidate{}
	}
	if v.Band == "" {
		v.Band = policy.BandLow
	}

	elapsed := time.Since(start)
	outcome := OutcomeRejected
	switch {
	case err != nil && v.Reason == "":
		outcome = OutcomeError
	case v.Recognized:
		outcome = OutcomeRecognized
	}
	s.opts.Metrics.ObserveRecognition(outcome, string(v.Reason), elapsed)
	if best, ok := v.Best(); ok {
		s.opts.Metrics.ObserveBestDistance(best.Distance)
	}

	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.String("session_id", sessionID),
		zap.String("outcome", outcome),
		zap.Bool("recognized", v.Recognized),
		zap.String("identity_id", v.IdentityID),
		zap.Float64("confidence", v.Confidence),
		zap.String("band", string(v.Band)),
		zap.String("reason", string(v.Reason)),
		zap.Strings("warnings", v.Warnings),
		zap.Duration("elapsed", elapsed),
	}
	if q.Measured {
		fields = append(fields, zap.Float64("face_ratio", q.FaceRatio), zap.Float64("center_offset", q.CenterOffset))
	}

	switch {
	case errors.Is(err, embedding.ErrDimensionMismatch):
		s.log.Error("dimension_mismatch", append(fields, zap.Error(err))...)
	case outcome == OutcomeError:
		s.log.Warn("recognition failed", append(fields, zap.Error(err))...)
	default:
		s.log.Info("recognition", fields...)
	}
	return v, err
}

// SingleFace returns the only face among the detections after dropping duplicates, or the
// rejection reason when there is none or more than one.
func SingleFace(faces []extractor.Face) (extractor.Face, policy.Reason) {
	faces = dedupeFaces(faces)
	switch len(faces) {
	case 0:
		return extractor.Face{}, policy.ReasonNoFaceDetected
	case 1:
		return faces[0], ""
	default:
		return extractor.Face{}, policy.ReasonMultipleFaces
	}
}

// dedupeFaces drops detections that overlap a higher-scoring one, since some detectors report
// the same face twice.
func dedupeFaces(faces []extractor.Face) []extractor.Face {
	kept := make([]extractor.Face, 0, len(faces))
	for _, f := range faces {
		dup := false
		for i, k := range kept {
			if quality.ComputeIoU(f.BBox, k.BBox) >= quality.DuplicateIoU {
				if f.DetScore > k.DetScore {
					kept[i] = f
				}
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, f)
		}
	}
	return kept
}
