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

// LockSubdirectory reserves a worktree subtree for an agent.
//
// Unlike function claims, re-locking a key the agent already holds extends
// the expiry: the orchestrator re-locks its subdirectory at the top of every
// work loop as a heartbeat. An expired lock held by another agent is swept
// and taken over; pending_commits carries over so stale-lock takeover does
// not lose the backlog count.
func (s *Store) LockSubdirectory(ctx context.Context, key, worktree, branch, agent string, ttl time.Duration) error {
	if key == "" || agent == "" {
		return fmt.Errorf("subdirectory key and agent id are required")
	}
	if ttl <= 0 {
		return fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}

	return s.withTx(ctx, func(conn *sql.Conn) error {
		now := time.Now().UTC()
		expires := now.Add(ttl)

		var heldBy string
		var heldUntil time.Time
		err := conn.QueryRowContext(ctx,
			"SELECT locked_by_agent, lock_expires_at FROM subdirectory_allocations WHERE subdirectory_key = ?",
			key).Scan(&heldBy, &heldUntil)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := conn.ExecContext(ctx, `
				INSERT INTO subdirectory_allocations
				(subdirectory_key, worktree_path, branch_name, locked_by_agent, locked_at, lock_expires_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				key, worktree, branch, agent, now, expires); err != nil {
				return fmt.Errorf("failed to lock subdirectory %s: %w", key, err)
			}
		case err != nil:
			return fmt.Errorf("failed to check subdirectory lock %s: %w", key, err)
		case heldBy != agent && heldUntil.After(now):
			return &storage.ClaimHeldError{
				Entity: "subdirectory", ID: key, HeldBy: heldBy, ExpiresAt: heldUntil,
			}
		default:
			// Same agent (extend) or expired lock (take over). locked_at resets
			// only on takeover so lock age stays meaningful for the holder.
			query := `
				UPDATE subdirectory_allocations
				SET worktree_path = ?, branch_name = ?, locked_by_agent = ?, lock_expires_at = ?`
			args := []interface{}{worktree, branch, agent, expires}
			if heldBy != agent {
				query += ", locked_at = ?"
				args = append(args, now)
			}
			query += " WHERE subdirectory_key = ?"
			args = append(args, key)
			if _, err := conn.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to update subdirectory lock %s: %w", key, err)
			}
		}

		return logAuditConn(ctx, conn, &types.AuditEntry{
			EntityType: types.EntitySubdir,
			EntityID:   key,
			Action:     types.ActionLocked,
			NewValue:   fmt.Sprintf(`{"agent_id":%q,"expires_at":%q}`, agent, expires.Format(time.RFC3339)),
			AgentID:    agent,
		})
	})
}

// UnlockSubdirectory releases the agent's lock. Returns false if the agent
// did not hold the lock. The allocation row itself survives so
// pending_commits and last_commit_at remain queryable after release.
func (s *Store) UnlockSubdirectory(ctx context.Context, key, agent string) (bool, error) {
	unlocked := false
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		now := time.Now().UTC()
		res, err := conn.ExecContext(ctx, `
			UPDATE subdirectory_allocations
			SET locked_by_agent = '', lock_expires_at = ?
			WHERE subdirectory_key = ? AND locked_by_agent = ?`,
			now, key, agent)
		if err != nil {
			return fmt.Errorf("failed to unlock subdirectory %s: %w", key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		unlocked = true

		return logAuditConn(ctx, conn, &types.AuditEntry{
			EntityType: types.EntitySubdir,
			EntityID:   key,
			Action:     types.ActionUnlocked,
			AgentID:    agent,
		})
	})
	if err != nil {
		return false, err
	}
	return unlocked, nil
}

// GetSubdirectoryLock returns the live lock on a key, or storage.ErrNotFound
// if there is none or it has expired.
func (s *Store) GetSubdirectoryLock(ctx context.Context, key string) (*types.SubdirLock, error) {
	l, err := scanSubdirLock(s.db.QueryRowContext(ctx, `
		SELECT subdirectory_key, worktree_path, branch_name, locked_by_agent,
		       locked_at, lock_expires_at, pending_commits, last_commit_at
		FROM subdirectory_allocations
		WHERE subdirectory_key = ? AND locked_by_agent != '' AND lock_expires_at > ?`,
		key, time.Now().UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subdirectory lock %s: %w", key, err)
	}
	return l, nil
}

// GetSubdirectoryLocks returns all live locks ordered by key.
func (s *Store) GetSubdirectoryLocks(ctx context.Context) ([]*types.SubdirLock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subdirectory_key, worktree_path, branch_name, locked_by_agent,
		       locked_at, lock_expires_at, pending_commits, last_commit_at
		FROM subdirectory_allocations
		WHERE locked_by_agent != '' AND lock_expires_at > ?
		ORDER BY subdirectory_key`, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query subdirectory locks: %w", err)
	}
	defer rows.Close()

	var locks []*types.SubdirLock
	for rows.Next() {
		l, err := scanSubdirLock(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subdirectory lock: %w", err)
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

// IncrementPendingCommits bumps the unpushed-commit counter after a local
// commit lands in the agent's worktree.
func (s *Store) IncrementPendingCommits(ctx context.Context, key, agent string) error {
	return s.withTx(ctx, func(conn *sql.Conn) error {
		now := time.Now().UTC()
		res, err := conn.ExecContext(ctx, `
			UPDATE subdirectory_allocations
			SET pending_commits = pending_commits + 1, last_commit_at = ?
			WHERE subdirectory_key = ?`,
			now, key)
		if err != nil {
			return fmt.Errorf("failed to increment pending commits for %s: %w", key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("subdirectory %s: %w", key, storage.ErrNotFound)
		}

		return logAuditConn(ctx, conn, &types.AuditEntry{
			EntityType: types.EntitySubdir,
			EntityID:   key,
			Action:     types.ActionUpdated,
			Metadata:   "pending_commits+1",
			AgentID:    agent,
		})
	})
}

func scanSubdirLock(row rowScanner) (*types.SubdirLock, error) {
	l := &types.SubdirLock{}
	var lastCommit sql.NullTime
	err := row.Scan(&l.Key, &l.WorktreePath, &l.Branch, &l.LockedBy,
		&l.LockedAt, &l.ExpiresAt, &l.PendingCommits, &lastCommit)
	if err != nil {
		return nil, err
	}
	if lastCommit.Valid {
		t := lastCommit.Time
		l.LastCommitAt = &t
	}
	return l, nil
}
