package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/rollcall/internal/database"
	"github.com/lib/pq"
)

// SessionRepository provides PostgreSQL-backed attendance sessions and cohorts
type SessionRepository struct {
	pool *Pool
}

// NewSessionRepository creates a new PostgreSQL session repository
func NewSessionRepository(pool *Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// UpsertSession stores a session in the database
func (r *SessionRepository) UpsertSession(ctx context.Context, session database.Session) error {
	status := session.Status
	if status == "" {
		status = database.StatusActive
	}

	query := `
		INSERT INTO attendance_sessions (id, name, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status
	`
	if _, err := r.pool.Exec(ctx, query, session.ID, session.Name, status); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// AddSessionMembers adds identities to the cohort, skipping existing members
func (r *SessionRepository) AddSessionMembers(ctx context.Context, sessionID string, identityIDs []string) error {
	if len(identityIDs) == 0 {
		return nil
	}

	query := `
		INSERT INTO session_members (session_id, identity_id)
		SELECT $1, unnest($2::text[])
		ON CONFLICT DO NOTHING
	`
	if _, err := r.pool.Exec(ctx, query, sessionID, pq.Array(identityIDs)); err != nil {
		return fmt.Errorf("add session members: %w", err)
	}
	return nil
}

// SessionCohort returns the identity IDs enrolled in an active session
func (r *SessionRepository) SessionCohort(ctx context.Context, sessionID string) ([]string, error) {
	var status string
	err := r.pool.QueryRow(ctx, "SELECT status FROM attendance_sessions WHERE id = $1", sessionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", database.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if status != database.StatusActive {
		return nil, fmt.Errorf("%w: %s is %s", database.ErrSessionNotFound, sessionID, status)
	}

	rows, err := r.pool.Query(ctx, "SELECT identity_id FROM session_members WHERE session_id = $1 ORDER BY identity_id", sessionID)
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
