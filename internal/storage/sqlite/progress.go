package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/storage"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/types"
)

// UpsertBranchProgress records the best known result for a function on one
// branch. A lower match percent never overwrites a better one on the same
// branch, but the committed flag and commit hash always refresh.
func (s *Store) UpsertBranchProgress(ctx context.Context, bp *types.BranchProgress, agent string) error {
	if bp.FunctionName == "" || bp.Branch == "" {
		return fmt.Errorf("function name and branch are required")
	}

	return s.withTx(ctx, func(conn *sql.Conn) error {
		now := time.Now().UTC()
		_, err := conn.ExecContext(ctx, `
			INSERT INTO branch_progress
			(function_name, branch, match_percent, scratch_slug, is_committed, commit_hash, agent_id, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(function_name, branch) DO UPDATE SET
				match_percent = MAX(branch_progress.match_percent, excluded.match_percent),
				scratch_slug = CASE WHEN excluded.match_percent >= branch_progress.match_percent
					THEN excluded.scratch_slug ELSE branch_progress.scratch_slug END,
				is_committed = excluded.is_committed,
				commit_hash = excluded.commit_hash,
				agent_id = excluded.agent_id,
				updated_at = excluded.updated_at`,
			bp.FunctionName, bp.Branch, bp.MatchPercent, bp.ScratchSlug,
			bp.IsCommitted, bp.CommitHash, bp.AgentID, now)
		if err != nil {
			return fmt.Errorf("failed to upsert branch progress for %s on %s: %w",
				bp.FunctionName, bp.Branch, err)
		}

		return logAuditConn(ctx, conn, &types.AuditEntry{
			EntityType: types.EntityProgress,
			EntityID:   bp.FunctionName + "@" + bp.Branch,
			Action:     types.ActionUpdated,
			NewValue:   fmt.Sprintf(`{"match_percent":%.2f,"is_committed":%t}`, bp.MatchPercent, bp.IsCommitted),
			AgentID:    agent,
		})
	})
}

// GetBestBranchProgress returns the branch with the highest match percent for
// a function, preferring committed results on ties.
func (s *Store) GetBestBranchProgress(ctx context.Context, name string) (*types.BranchProgress, error) {
	bp := &types.BranchProgress{}
	err := s.db.QueryRowContext(ctx, `
		SELECT function_name, branch, match_percent, scratch_slug,
		       is_committed, commit_hash, agent_id, updated_at
		FROM branch_progress
		WHERE function_name = ?
		ORDER BY match_percent DESC, is_committed DESC, updated_at DESC
		LIMIT 1`, name).
		Scan(&bp.FunctionName, &bp.Branch, &bp.MatchPercent, &bp.ScratchSlug,
			&bp.IsCommitted, &bp.CommitHash, &bp.AgentID, &bp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get branch progress for %s: %w", name, err)
	}
	return bp, nil
}
