package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

// -----------------------------------------------------------------------------
// Artifacts
// -----------------------------------------------------------------------------

const artifactColumns = `id, run_id, step, job_id, kind, storage_ref, access_token,
	access_expires_at, width, height, hash, created_at`

func scanArtifact(r row) (*types.Artifact, error) {
	var a types.Artifact
	var kind string
	err := r.Scan(&a.ID, &a.RunID, &a.Step, &a.JobID, &kind, &a.StorageRef, &a.AccessToken,
		&a.AccessExpiresAt, &a.Width, &a.Height, &a.Hash, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.Kind = types.ArtifactKind(kind)
	return &a, nil
}

// InsertArtifact stores an artifact reference
func (t *tx) InsertArtifact(ctx context.Context, a *types.Artifact) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO artifacts (`+artifactColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.RunID, a.Step, a.JobID, string(a.Kind), a.StorageRef, a.AccessToken,
		a.AccessExpiresAt, a.Width, a.Height, a.Hash, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert artifact: %w", err)
	}
	return nil
}

// GetArtifact retrieves an artifact by ID
func (t *tx) GetArtifact(ctx context.Context, id uuid.UUID) (*types.Artifact, error) {
	a, err := scanArtifact(t.tx.QueryRow(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = $1`, id))
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	return a, nil
}

// ListArtifacts lists a run's artifacts oldest first
func (t *tx) ListArtifacts(ctx context.Context, runID uuid.UUID) ([]types.Artifact, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE run_id = $1 ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var out []types.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpdateArtifactAccess replaces the artifact's signed access grant.
func (t *tx) UpdateArtifactAccess(ctx context.Context, id uuid.UUID, token string, expiresAt time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE artifacts SET access_token = $2, access_expires_at = $3 WHERE id = $1`,
		id, token, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update artifact access: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &types.NotFoundError{Entity: "artifact", ID: id.String()}
	}
	return nil
}
