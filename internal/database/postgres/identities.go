package postgres

import (
	"context"
	"fmt"

	"github.com/kozaktomas/rollcall/internal/database"
	"github.com/pgvector/pgvector-go"
)

// IdentityRepository provides PostgreSQL-backed identity and embedding storage
type IdentityRepository struct {
	pool *Pool
}

// NewIdentityRepository creates a new PostgreSQL identity repository
func NewIdentityRepository(pool *Pool) *IdentityRepository {
	return &IdentityRepository{pool: pool}
}

// LoadActiveIdentities returns active identities with their embeddings in enrollment order.
// Identities without embeddings are omitted by the join.
func (r *IdentityRepository) LoadActiveIdentities(ctx context.Context) ([]database.StoredIdentity, error) {
	query := `
		SELECT i.id, i.display_name, i.external_ref, i.status, i.enrolled_at,
		       e.id, e.embedding, e.model, e.dim, e.created_at
		FROM identities i
		JOIN identity_embeddings e ON e.identity_id = i.id
		WHERE i.status = $1
		ORDER BY i.seq, e.id
	`

	rows, err := r.pool.Query(ctx, query, database.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("query active identities: %w", err)
	}
	defer rows.Close()

	var identities []database.StoredIdentity
	for rows.Next() {
		var ident database.StoredIdentity
		var emb database.StoredEmbedding
		var vec pgvector.Vector
		if err := rows.Scan(
			&ident.ID, &ident.DisplayName, &ident.ExternalRef, &ident.Status, &ident.EnrolledAt,
			&emb.ID, &vec, &emb.Model, &emb.Dim, &emb.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan identity row: %w", err)
		}
		emb.IdentityID = ident.ID
		emb.Embedding = vec.Slice()

		// Rows arrive grouped by identity, so only the tail needs checking.
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
func (r *IdentityRepository) CountIdentities(ctx context.Context) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM identities WHERE status = $1", database.StatusActive).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count identities: %w", err)
	}
	return count, nil
}

// UpsertIdentity creates an identity or updates its metadata
func (r *IdentityRepository) UpsertIdentity(ctx context.Context, identity database.StoredIdentity) error {
	status := identity.Status
	if status == "" {
		status = database.StatusActive
	}

	query := `
		INSERT INTO identities (id, display_name, external_ref, status)
		VALUES ($1, COALESCE(NULLIF($2, ''), $1), $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			display_name = CASE WHEN $2 = '' THEN identities.display_name ELSE EXCLUDED.display_name END,
			external_ref = COALESCE(NULLIF(EXCLUDED.external_ref, ''), identities.external_ref),
			status = EXCLUDED.status
	`
	if _, err := r.pool.Exec(ctx, query, identity.ID, identity.DisplayName, identity.ExternalRef, status); err != nil {
		return fmt.Errorf("upsert identity %s: %w", identity.ID, err)
	}
	return nil
}

// AddEmbeddings appends embeddings to an existing identity in a single transaction
func (r *IdentityRepository) AddEmbeddings(ctx context.Context, identityID string, embeddings []database.StoredEmbedding) error {
	if len(embeddings) == 0 {
		return nil
	}

	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM identities WHERE id = $1)", identityID).Scan(&exists); err != nil {
		return fmt.Errorf("check identity exists: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", database.ErrIdentityNotFound, identityID)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO identity_embeddings (identity_id, embedding, dim, model)
		VALUES ($1, $2, $3, $4)
	`)
	if err != nil {
		return fmt.Errorf("prepare embedding insert: %w", err)
	}
	defer stmt.Close()

	for _, emb := range embeddings {
		if _, err := stmt.ExecContext(ctx, identityID, pgvector.NewVector(emb.Embedding), len(emb.Embedding), emb.Model); err != nil {
			return fmt.Errorf("insert embedding for %s: %w", identityID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit embeddings: %w", err)
	}
	return nil
}

// SetIdentityStatus activates or deactivates an identity
func (r *IdentityRepository) SetIdentityStatus(ctx context.Context, identityID, status string) error {
	result, err := r.pool.Exec(ctx, "UPDATE identities SET status = $2 WHERE id = $1", identityID, status)
	if err != nil {
		return fmt.Errorf("set identity status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", database.ErrIdentityNotFound, identityID)
	}
	return nil
}
