// Package attendance persists recognized sightings as attendance rows.
package attendance

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/rollcall/internal/database"
	"github.com/kozaktomas/rollcall/internal/events"
	"github.com/kozaktomas/rollcall/internal/metrics"
	"go.uber.org/zap"
)

// PersistenceError is returned when the attendance store rejected or failed a write.
type PersistenceError struct {
	IdentityID string
	SessionID  string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("recording attendance for %s in %s: %v", e.IdentityID, e.SessionID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Evidence is stored alongside the best observation of an attendee.
type Evidence struct {
	RequestID  string  `json:"request_id,omitempty"`
	Distance   float64 `json:"distance"`
	Band       string  `json:"band,omitempty"`
	FaceRatio  float64 `json:"face_ratio,omitempty"`
	RunnerUpID string  `json:"runner_up_id,omitempty"`
	Margin     float64 `json:"margin,omitempty"`
}

// Ack describes the row as stored after a write.
type Ack struct {
	IdentityID  string    `json:"identity_id"`
	SessionID   string    `json:"session_id"`
	Confidence  float64   `json:"confidence"` // stored percentage, the max observed so far
	Improved    bool      `json:"improved"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Recorder writes attendance rows and announces them.
type Recorder struct {
	store     database.AttendanceWriter
	publisher events.Publisher
	metrics   *metrics.Metrics
	log       *zap.Logger
}

// NewRecorder creates a recorder. A nil publisher discards events.
func NewRecorder(store database.AttendanceWriter, publisher events.Publisher, m *metrics.Metrics, logger *zap.Logger) *Recorder {
	if publisher == nil {
		publisher = events.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:     store,
		publisher: publisher,
		metrics:   m,
		log:       logger.Named("attendance"),
	}
}

// ToPercentage converts a confidence in [0,1] to the stored 0-100 scale with two decimals.
func ToPercentage(confidence float64) float64 {
	confidence = math.Max(0, math.Min(1, confidence))
	return math.Round(confidence*10000) / 100
}

// Record upserts the (identity, session) row keeping the highest confidence seen.
// Repeated calls with the same inputs leave one row with the same confidence.
func (r *Recorder) Record(ctx context.Context, identityID, sessionID string, confidence float64, evidence Evidence) (Ack, error) {
	raw, err := json.Marshal(evidence)
	if err != nil {
		return Ack{}, fmt.Errorf("marshal evidence: %w", err)
	}

	pct := ToPercentage(confidence)
	stored, err := r.store.UpsertAttendance(ctx, database.AttendanceRecord{
		IdentityID: identityID,
		SessionID:  sessionID,
		Confidence: pct,
		Evidence:   raw,
		Method:     database.MethodFaceRecognition,
		Status:     database.AttendancePresent,
	})
	if err != nil {
		r.metrics.IncAttendanceWrite(false)
		return Ack{}, &PersistenceError{IdentityID: identityID, SessionID: sessionID, Err: err}
	}
	r.metrics.IncAttendanceWrite(true)

	ack := Ack{
		IdentityID:  stored.IdentityID,
		SessionID:   stored.SessionID,
		Confidence:  stored.Confidence,
		Improved:    stored.Raised,
		FirstSeenAt: stored.FirstSeenAt,
		RecordedAt:  stored.RecordedAt,
	}

	event := events.AttendanceEvent{
		EventID:     uuid.NewString(),
		IdentityID:  ack.IdentityID,
		SessionID:   ack.SessionID,
		Confidence:  ack.Confidence,
		Improved:    ack.Improved,
		Method:      stored.Method,
		FirstSeenAt: ack.FirstSeenAt,
		RecordedAt:  ack.RecordedAt,
	}
	if err := r.publisher.PublishAttendance(ctx, event); err != nil {
		r.log.Warn("publishing attendance event failed",
			zap.String("identity_id", identityID),
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	return ack, nil
}
