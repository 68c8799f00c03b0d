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

// AddClaim reserves a function for an agent with a soft TTL.
//
// Expired claims are swept inside the same transaction, so a lapsed claim
// never blocks a new claimant. A live claim by another agent returns
// *storage.ClaimHeldError. Re-claiming a function the same agent already
// holds is an error: the claim TTL is the liveness signal, and extending it
// implicitly would mask a stuck orchestrator loop.
func (s *Store) AddClaim(ctx context.Context, name, agent string, ttl time.Duration) error {
	if name == "" || agent == "" {
		return fmt.Errorf("function name and agent id are required")
	}
	if ttl <= 0 {
		return fmt.Errorf("claim ttl must be positive, got %s", ttl)
	}

	return s.withTx(ctx, func(conn *sql.Conn) error {
		now := time.Now().UTC()

		fn, err := getFunctionConn(ctx, conn, name)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if fn != nil && fn.Status.IsTerminal() {
			return fmt.Errorf("function %s is %s and cannot be claimed", name, fn.Status)
		}
		if fn == nil {
			// First reference creates the row.
			if _, err := conn.ExecContext(ctx,
				"INSERT INTO functions (name, created_at, updated_at) VALUES (?, ?, ?)",
				name, now, now); err != nil {
				return fmt.Errorf("failed to create function %s: %w", name, err)
			}
		}

		if _, err := conn.ExecContext(ctx,
			"DELETE FROM claims WHERE function_name = ? AND expires_at <= ?", name, now); err != nil {
			return fmt.Errorf("failed to sweep expired claim: %w", err)
		}

		var heldBy string
		var expiresAt time.Time
		err = conn.QueryRowContext(ctx,
			"SELECT agent_id, expires_at FROM claims WHERE function_name = ?", name).
			Scan(&heldBy, &expiresAt)
		switch {
		case err == nil:
			if heldBy == agent {
				return fmt.Errorf("agent %s already holds the claim on %s", agent, name)
			}
			return &storage.ClaimHeldError{
				Entity: "function", ID: name, HeldBy: heldBy, ExpiresAt: expiresAt,
			}
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to check claim on %s: %w", name, err)
		}

		expires := now.Add(ttl)
		if _, err := conn.ExecContext(ctx,
			"INSERT INTO claims (function_name, agent_id, claimed_at, expires_at) VALUES (?, ?, ?, ?)",
			name, agent, now, expires); err != nil {
			return fmt.Errorf("failed to insert claim: %w", err)
		}

		// Only promote from unclaimed; a claim on an in_progress or matched
		// function must not regress its lifecycle state.
		if _, err := conn.ExecContext(ctx, `
			UPDATE functions
			SET claimed_by = ?, claimed_at = ?, updated_at = ?,
			    status = CASE WHEN status = 'unclaimed' THEN 'claimed' ELSE status END
			WHERE name = ?`,
			agent, now, now, name); err != nil {
			return fmt.Errorf("failed to mark function claimed: %w", err)
		}

		return logAuditConn(ctx, conn, &types.AuditEntry{
			EntityType: types.EntityClaim,
			EntityID:   name,
			Action:     types.ActionCreated,
			NewValue:   fmt.Sprintf(`{"agent_id":%q,"expires_at":%q}`, agent, expires.Format(time.RFC3339)),
			AgentID:    agent,
		})
	})
}

// ReleaseClaim drops the agent's claim on a function. Returns false if the
// agent held no live claim. Releasing demotes the function status back to
// unclaimed only when it is still just claimed; progress survives release.
func (s *Store) ReleaseClaim(ctx context.Context, name, agent string) (bool, error) {
	released := false
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		now := time.Now().UTC()

		res, err := conn.ExecContext(ctx,
			"DELETE FROM claims WHERE function_name = ? AND agent_id = ? AND expires_at > ?",
			name, agent, now)
		if err != nil {
			return fmt.Errorf("failed to release claim: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		released = true

		if _, err := conn.ExecContext(ctx, `
			UPDATE functions
			SET claimed_by = '', claimed_at = NULL, updated_at = ?,
			    status = CASE WHEN status = 'claimed' THEN 'unclaimed' ELSE status END
			WHERE name = ? AND claimed_by = ?`,
			now, name, agent); err != nil {
			return fmt.Errorf("failed to clear claim fields: %w", err)
		}

		return logAuditConn(ctx, conn, &types.AuditEntry{
			EntityType: types.EntityClaim,
			EntityID:   name,
			Action:     types.ActionReleased,
			AgentID:    agent,
		})
	})
	if err != nil {
		return false, err
	}
	return released, nil
}

// ForceReleaseClaim drops whatever live claim exists on a function,
// regardless of holder. The freed holder lands in the audit entry's old
// value and the invoker in its agent id, so takeovers stay traceable.
func (s *Store) ForceReleaseClaim(ctx context.Context, name, invoker string) (bool, error) {
	released := false
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		now := time.Now().UTC()

		var holder string
		err := conn.QueryRowContext(ctx,
			"SELECT agent_id FROM claims WHERE function_name = ? AND expires_at > ?",
			name, now).Scan(&holder)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to check claim on %s: %w", name, err)
		}

		if _, err := conn.ExecContext(ctx,
			"DELETE FROM claims WHERE function_name = ?", name); err != nil {
			return fmt.Errorf("failed to force-release claim: %w", err)
		}
		released = true

		if _, err := conn.ExecContext(ctx, `
			UPDATE functions
			SET claimed_by = '', claimed_at = NULL, updated_at = ?,
			    status = CASE WHEN status = 'claimed' THEN 'unclaimed' ELSE status END
			WHERE name = ?`,
			now, name); err != nil {
			return fmt.Errorf("failed to clear claim fields: %w", err)
		}

		return logAuditConn(ctx, conn, &types.AuditEntry{
			EntityType: types.EntityClaim,
			EntityID:   name,
			Action:     types.ActionReleased,
			OldValue:   fmt.Sprintf(`{"agent_id":%q}`, holder),
			AgentID:    invoker,
		})
	})
	if err != nil {
		return false, err
	}
	return released, nil
}

// GetClaim returns the live claim on a function, or storage.ErrNotFound if
// there is none or it has expired.
func (s *Store) GetClaim(ctx context.Context, name string) (*types.Claim, error) {
	c := &types.Claim{}
	err := s.db.QueryRowContext(ctx,
		"SELECT function_name, agent_id, claimed_at, expires_at FROM claims WHERE function_name = ? AND expires_at > ?",
		name, time.Now().UTC()).
		Scan(&c.FunctionName, &c.AgentID, &c.ClaimedAt, &c.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get claim on %s: %w", name, err)
	}
	return c, nil
}

// GetActiveClaims returns all unexpired claims ordered by expiry.
func (s *Store) GetActiveClaims(ctx context.Context) ([]*types.Claim, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT function_name, agent_id, claimed_at, expires_at FROM claims WHERE expires_at > ? ORDER BY expires_at",
		time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query claims: %w", err)
	}
	defer rows.Close()

	var claims []*types.Claim
	for rows.Next() {
		c := &types.Claim{}
		if err := rows.Scan(&c.FunctionName, &c.AgentID, &c.ClaimedAt, &c.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan claim: %w", err)
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}
