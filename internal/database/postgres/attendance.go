package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kozaktomas/rollcall/internal/database"
)

// AttendanceRepository provides PostgreSQL-backed attendance storage
type AttendanceRepository struct {
	pool *Pool
}

// NewAttendanceRepository creates a new PostgreSQL attendance repository
func NewAttendanceRepository(pool *Pool) *AttendanceRepository {
	return &AttendanceRepository{pool: pool}
}

const attendanceColumns = `identity_id, session_id, confidence, evidence, method, status, first_seen_at, best_seen_at, recorded_at`

// UpsertAttendance inserts the row or raises its confidence to the maximum seen so far.
// The evidence and best_seen_at follow the winning observation; recorded_at always moves forward.
// NOW() is fixed per transaction, so best_seen_at equals recorded_at exactly when this write won.
func (r *AttendanceRepository) UpsertAttendance(ctx context.Context, rec database.AttendanceRecord) (database.AttendanceRecord, error) {
	query := `
		INSERT INTO attendance (identity_id, session_id, confidence, evidence, method, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (identity_id, session_id) DO UPDATE SET
			evidence = CASE WHEN EXCLUDED.confidence > attendance.confidence
				THEN EXCLUDED.evidence ELSE attendance.evidence END,
			best_seen_at = CASE WHEN EXCLUDED.confidence > attendance.confidence
				THEN NOW() ELSE attendance.best_seen_at END,
			confidence = GREATEST(attendance.confidence, EXCLUDED.confidence),
			recorded_at = NOW()
		RETURNING ` + attendanceColumns + `, best_seen_at = recorded_at`

	method, status := rec.Method, rec.Status
	if method == "" {
		method = database.MethodFaceRecognition
	}
	if status == "" {
		status = database.AttendancePresent
	}

	// jsonb goes over the wire as text; a []byte would be sent as bytea.
	var evidence sql.NullString
	if len(rec.Evidence) > 0 {
		evidence = sql.NullString{String: string(rec.Evidence), Valid: true}
	}

	var raised bool
	row := r.pool.QueryRow(ctx, query, rec.IdentityID, rec.SessionID, rec.Confidence, evidence, method, status)
	stored, err := scanAttendance(row, &raised)
	if err != nil {
		return database.AttendanceRecord{}, fmt.Errorf("upsert attendance: %w", err)
	}
	stored.Raised = raised
	return stored, nil
}

// ListAttendance returns all rows of a session ordered by first sighting
func (r *AttendanceRepository) ListAttendance(ctx context.Context, sessionID string) ([]database.AttendanceRecord, error) {
	query := `SELECT ` + attendanceColumns + ` FROM attendance WHERE session_id = $1 ORDER BY first_seen_at, identity_id`

	rows, err := r.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query attendance: %w", err)
	}
	defer rows.Close()

	var records []database.AttendanceRecord
	for rows.Next() {
		rec, err := scanAttendance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attendance: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attendance: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanAttendance scans attendanceColumns followed by any extra destinations.
func scanAttendance(row rowScanner, extra ...any) (database.AttendanceRecord, error) {
	var rec database.AttendanceRecord
	var evidence []byte
	dest := append([]any{
		&rec.IdentityID, &rec.SessionID, &rec.Confidence, &evidence,
		&rec.Method, &rec.Status, &rec.FirstSeenAt, &rec.BestSeenAt, &rec.RecordedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return database.AttendanceRecord{}, err
	}
	if len(evidence) > 0 {
		rec.Evidence = evidence
	}
	return rec, nil
}
