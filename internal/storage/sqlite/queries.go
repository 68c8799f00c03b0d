package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/types"
)

// CountBrokenBuilds returns how many committed functions in a worktree have
// a broken build. Workflow finish refuses new commits past a threshold so an
// agent cannot pile breakage on top of breakage.
func (s *Store) CountBrokenBuilds(ctx context.Context, worktree string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM functions
		WHERE worktree_path = ? AND is_committed = 1 AND build_status = ?`,
		worktree, string(types.BuildBroken)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count broken builds: %w", err)
	}
	return n, nil
}

// GetSubdirectoryStatuses returns one row per known subdirectory allocation,
// live lock or not, with its broken-build count. Expired holders show as
// unlocked.
func (s *Store) GetSubdirectoryStatuses(ctx context.Context) ([]*types.SubdirStatus, error) {
	now := time.Now().UTC()
	rows, err := s.db.QueryContext(ctx, `
		SELECT sa.subdirectory_key, sa.locked_by_agent, sa.lock_expires_at,
		       sa.branch_name, sa.pending_commits,
		       (SELECT COUNT(*) FROM functions f
		        WHERE f.worktree_path = sa.worktree_path
		          AND f.is_committed = 1 AND f.build_status = 'broken')
		FROM subdirectory_allocations sa
		ORDER BY sa.subdirectory_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query subdirectory statuses: %w", err)
	}
	defer rows.Close()

	var statuses []*types.SubdirStatus
	for rows.Next() {
		st := &types.SubdirStatus{}
		var lockedBy string
		var expiresAt sql.NullTime
		if err := rows.Scan(&st.Key, &lockedBy, &expiresAt, &st.Branch,
			&st.PendingCommits, &st.BrokenBuilds); err != nil {
			return nil, fmt.Errorf("failed to scan subdirectory status: %w", err)
		}
		if lockedBy != "" && expiresAt.Valid && expiresAt.Time.After(now) {
			st.LockedBy = lockedBy
			t := expiresAt.Time
			st.ExpiresAt = &t
		}
		statuses = append(statuses, st)
	}
	return statuses, rows.Err()
}
