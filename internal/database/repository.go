package database

import (
	"context"
)

// IdentityReader provides read-only access to enrolled identities.
type IdentityReader interface {
	// LoadActiveIdentities returns every active identity with at least one embedding,
	// in enrollment order. Embeddings of each identity are in insertion order.
	LoadActiveIdentities(ctx context.Context) ([]StoredIdentity, error)
	// CountIdentities returns the number of active identities.
	CountIdentities(ctx context.Context) (int, error)
}

// IdentityWriter provides write access to enrolled identities.
type IdentityWriter interface {
	IdentityReader

	// UpsertIdentity creates an identity or updates its metadata. Embeddings are not touched.
	// An empty DisplayName or ExternalRef keeps the stored value; a new identity without a
	// name is named after its ID.
	UpsertIdentity(ctx context.Context, identity StoredIdentity) error
	// AddEmbeddings appends embeddings to an existing identity.
	AddEmbeddings(ctx context.Context, identityID string, embeddings []StoredEmbedding) error
	// SetIdentityStatus activates or deactivates an identity.
	SetIdentityStatus(ctx context.Context, identityID, status string) error
}

// CohortReader resolves the identities belonging to a session.
type CohortReader interface {
	// SessionCohort returns the identity IDs of the session's cohort.
	// Returns ErrSessionNotFound when the session does not exist or is not active.
	SessionCohort(ctx context.Context, sessionID string) ([]string, error)
}

// SessionWriter manages sessions and their cohorts.
type SessionWriter interface {
	CohortReader

	// UpsertSession creates or updates a session.
	UpsertSession(ctx context.Context, session Session) error
	// AddSessionMembers adds identities to a session cohort, ignoring existing members.
	AddSessionMembers(ctx context.Context, sessionID string, identityIDs []string) error
}

// AttendanceWriter persists attendance rows.
type AttendanceWriter interface {
	// UpsertAttendance inserts the row or, when (IdentityID, SessionID) exists, keeps the maximum
	// confidence and refreshes RecordedAt. Returns the row as stored after the write, with
	// Raised reporting whether this write set the stored confidence.
	UpsertAttendance(ctx context.Context, record AttendanceRecord) (AttendanceRecord, error)
}

// AttendanceReader lists attendance rows.
type AttendanceReader interface {
	// ListAttendance returns all rows of a session ordered by first sighting.
	ListAttendance(ctx context.Context, sessionID string) ([]AttendanceRecord, error)
}

// Store is the full persistence surface of one backend.
type Store interface {
	IdentityWriter
	SessionWriter
	AttendanceWriter
	AttendanceReader
	Close() error
}
