package database

import (
	"encoding/json"
	"time"
)

// StoredIdentity represents an enrolled identity with its face embeddings.
type StoredIdentity struct {
	ID          string
	DisplayName string
	ExternalRef string // registration number or other reference in the owning system
	Status      string
	EnrolledAt  time.Time
	Embeddings  []StoredEmbedding // ordered by insertion
}

// StoredEmbedding represents one enrolled face embedding.
type StoredEmbedding struct {
	ID         int64
	IdentityID string
	Embedding  []float32
	Model      string
	Dim        int
	CreatedAt  time.Time
}

// Session represents an attendance session whose cohort scopes recognition.
type Session struct {
	ID        string
	Name      string
	Status    string
	CreatedAt time.Time
}

// AttendanceRecord is one attendance row keyed by (IdentityID, SessionID).
type AttendanceRecord struct {
	IdentityID  string
	SessionID   string
	Confidence  float64         // percentage 0-100, max observed
	Evidence    json.RawMessage // evidence of the best observation
	Method      string
	Status      string
	FirstSeenAt time.Time
	BestSeenAt  time.Time // when Confidence was last raised
	RecordedAt  time.Time

	// Raised is set by UpsertAttendance: the write inserted the row or strictly raised
	// its confidence. It is not persisted.
	Raised bool
}
