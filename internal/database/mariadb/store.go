package mariadb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kozaktomas/rollcall/internal/database"
)

var _ database.Store = (*Store)(nil)

// Store implements database.Store on MariaDB. Embeddings are kept as JSON arrays.
type Store struct {
	pool *Pool
}

// NewStore creates a store over a migrated pool
func NewStore(pool *Pool) *Store {
	return &Store{pool: pool}
}

// Close closes the underlying pool
func (s *Store) Close() error {
	return s.pool.Close()
}

// LoadActiveIdentities returns active identities with their embeddings in enrollment order
func (s *Store) LoadActiveIdentities(ctx context.Context) ([]database.StoredIdentity, error) {
	query := `
		SELECT i.id, i.display_name, i.external_ref, i.status, i.enrolled_at,
		       e.id, e.embedding, e.model, e.dim, e.created_at
		FROM identities i
		JOIN identity_embeddings e ON e.identity_id = i.id
		WHERE i.status = ?
		ORDER BY i.seq, e.id
	`
	rows, err := s.pool.db.QueryContext(ctx, query, database.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("query active identities: %w", err)
	}
	defer rows.Close()

	var identities []database.StoredIdentity
	for rows.Next() {
		var ident database.StoredIdentity
		var emb database.StoredEmbedding
		var raw []byte
		if err := rows.Scan(
			&ident.ID, &ident.DisplayName, &ident.ExternalRef, &ident.Status, &ident.EnrolledAt,
			&emb.ID, &raw, &emb.Model, &emb.Dim, &emb.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan identity row: %w", err)
		}
		if err := json.Unmarshal(raw, &emb.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding %d of %s: %w", emb.ID, ident.ID, err)
		}
		emb.IdentityID = ident.ID

		if n := len(identities); n > 0 && identities[n-1].ID == ident.ID {
			identities[n-1].Embeddings = append(identities[n-1].Embeddings, emb)
			continue
		}
		ident.Embeddings = []database.StoredEmbedding{emb}
		identities = append(identities, ident)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identity rows: %w", err)
	}
	return identities, nil
}

// CountIdentities returns the number of active identities
func (s *Store) CountIdentities(ctx context.Context) (int, error) {
	var count int
	err := s.pool.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM identities WHERE status = ?", database.StatusActive).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count identities: %w", err)
	}
	return count, nil
}

// UpsertIdentity creates an identity or updates its metadata
func (s *Store) UpsertIdentity(ctx context.Context, identity database.StoredIdentity) error {
	status := identity.Status
	if status == "" {
		status = database.StatusActive
	}
	query := `
		INSERT INTO identities (id, display_name, external_ref, status)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			display_name = IF(? = '', display_name, VALUES(display_name)),
			external_ref = IF(VALUES(external_ref) = '', external_ref, VALUES(external_ref)),
			status = VALUES(status)
	`
	name := identity.DisplayName
	if name == "" {
		name = identity.ID
	}
	if _, err := s.pool.db.ExecContext(ctx, query, identity.ID, name, identity.ExternalRef, status, identity.DisplayName); err != nil {
		return fmt.Errorf("upsert identity %s: %w", identity.ID, err)
	}
	return nil
}

// AddEmbeddings appends embeddings to an existing identity
func (s *Store) AddEmbeddings(ctx context.Context, identityID string, embeddings []database.StoredEmbedding) error {
	if len(embeddings) == 0 {
		return nil
	}

	tx, err := s.pool.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Verify identity exists first (MySQL reports FK failures as a generic error)
	var one int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM identities WHERE id = ?", identityID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", database.ErrIdentityNotFound, identityID)
	}
	if err != nil {
		return fmt.Errorf("check identity exists: %w", err)
	}

	for _, emb := range embeddings {
		data, err := json.Marshal(emb.Embedding)
		if err != nil {
			return fmt.Errorf("marshal embedding: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO identity_embeddings (identity_id, embedding, dim, model) VALUES (?, ?, ?, ?)",
			identityID, data, len(emb.Embedding), emb.Model,
		); err != nil {
			return fmt.Errorf("insert embedding for %s: %w", identityID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit embeddings: %w", err)
	}
	return nil
}

// SetIdentityStatus activates or deactivates an identity
func (s *Store) SetIdentityStatus(ctx context.Context, identityID, status string) error {
	// RowsAffected is 0 when the value is unchanged, so existence is checked separately.
	var one int
	err := s.pool.db.QueryRowContext(ctx, "SELECT 1 FROM identities WHERE id = ?", identityID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", database.ErrIdentityNotFound, identityID)
	}
	if err != nil {
		return fmt.Errorf("check identity exists: %w", err)
	}
	if _, err := s.pool.db.ExecContext(ctx, "UPDATE identities SET status = ? WHERE id = ?", status, identityID); err != nil {
		return fmt.Errorf("set identity status: %w", err)
	}
	return nil
}

// UpsertSession stores a session
func (s *Store) UpsertSession(ctx context.Context, session database.Session) error {
	status := session.Status
	if status == "" {
		status = database.StatusActive
	}
	query := `
		INSERT INTO attendance_sessions (id, name, status)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE name = VALUES(name), status = VALUES(status)
	`
	if _, err := s.pool.db.ExecContext(ctx, query, session.ID, session.Name, status); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// AddSessionMembers adds identities to the cohort, skipping existing members
func (s *Store) AddSessionMembers(ctx context.Context, sessionID string, identityIDs []string) error {
	if len(identityIDs) == 0 {
		return nil
	}

	tx, err := s.pool.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, "INSERT IGNORE INTO session_members (session_id, identity_id) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("prepare member insert: %w", err)
	}
	defer stmt.Close()

	for _, id := range identityIDs {
		if _, err := stmt.ExecContext(ctx, sessionID, id); err != nil {
			return fmt.Errorf("add session member %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session members: %w", err)
	}
	return nil
}

// SessionCohort returns the identity IDs enrolled in an active session
func (s *Store) SessionCohort(ctx context.Context, sessionID string) ([]string, error) {
	var status string
	err := s.pool.db.QueryRowContext(ctx, "SELECT status FROM attendance_sessions WHERE id = ?", sessionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", database.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if status != database.StatusActive {
		return nil, fmt.Errorf("%w: %s is %s", database.ErrSessionNotFound, sessionID, status)
	}

	rows, err := s.pool.db.QueryContext(ctx, "SELECT identity_id FROM session_members WHERE session_id = ? ORDER BY identity_id", sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session members: %w", err)
	}
	defer rows.Close()

	members := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session member: %w", err)
		}
		members = append(members, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session members: %w", err)
	}
	return members, nil
}

const attendanceColumns = `identity_id, session_id, confidence, evidence, method, status, first_seen_at, best_seen_at, recorded_at`

// UpsertAttendance keeps the maximum confidence per (identity, session).
// MariaDB evaluates assignments left to right, so evidence and best_seen_at are compared before
// confidence is raised. CURRENT_TIMESTAMP(6) is fixed per statement, so best_seen_at equals
// recorded_at exactly when this write won.
func (s *Store) UpsertAttendance(ctx context.Context, rec database.AttendanceRecord) (database.AttendanceRecord, error) {
	method, status := rec.Method, rec.Status
	if method == "" {
		method = database.MethodFaceRecognition
	}
	if status == "" {
		status = database.AttendancePresent
	}
	var evidence sql.NullString
	if len(rec.Evidence) > 0 {
		evidence = sql.NullString{String: string(rec.Evidence), Valid: true}
	}

	tx, err := s.pool.db.BeginTx(ctx, nil)
	if err != nil {
		return database.AttendanceRecord{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO attendance (identity_id, session_id, confidence, evidence, method, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			evidence = IF(VALUES(confidence) > confidence, VALUES(evidence), evidence),
			best_seen_at = IF(VALUES(confidence) > confidence, CURRENT_TIMESTAMP(6), best_seen_at),
			confidence = GREATEST(confidence, VALUES(confidence)),
			recorded_at = CURRENT_TIMESTAMP(6)
	`
	if _, err := tx.ExecContext(ctx, query, rec.IdentityID, rec.SessionID, rec.Confidence, evidence, method, status); err != nil {
		return database.AttendanceRecord{}, fmt.Errorf("upsert attendance: %w", err)
	}

	var raised bool
	row := tx.QueryRowContext(ctx,
		`SELECT `+attendanceColumns+`, best_seen_at = recorded_at FROM attendance WHERE identity_id = ? AND session_id = ?`,
		rec.IdentityID, rec.SessionID)
	stored, err := scanAttendance(row, &raised)
	if err != nil {
		return database.AttendanceRecord{}, fmt.Errorf("read back attendance: %w", err)
	}
	stored.Raised = raised
	if err := tx.Commit(); err != nil {
		return database.AttendanceRecord{}, fmt.Errorf("commit attendance: %w", err)
	}
	return stored, nil
}

// ListAttendance returns all rows of a session ordered by first sighting
func (s *Store) ListAttendance(ctx context.Context, sessionID string) ([]database.AttendanceRecord, error) {
	rows, err := s.pool.db.QueryContext(ctx,
		`SELECT `+attendanceColumns+` FROM attendance WHERE session_id = ? ORDER BY first_seen_at, identity_id`, sessionID)
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

// scanAttendance scans attendanceColumns followed by any extra destinations.
func scanAttendance(row interface{ Scan(...any) error }, extra ...any) (database.AttendanceRecord, error) {
	var rec database.AttendanceRecord
	var evidence sql.NullString
	dest := append([]any{
		&rec.IdentityID, &rec.SessionID, &rec.Confidence, &evidence,
		&rec.Method, &rec.Status, &rec.FirstSeenAt, &rec.BestSeenAt, &rec.RecordedAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return database.AttendanceRecord{}, err
	}
	if evidence.Valid {
		rec.Evidence = json.RawMessage(evidence.String)
	}
	return rec, nil
}
