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

// UpsertScratch registers or refreshes a remote scratch record.
func (s *Store) UpsertScratch(ctx context.Context, sc *types.Scratch, agent string) error {
	if sc.Slug == "" || sc.FunctionName == "" {
		return fmt.Errorf("scratch slug and function name are required")
	}
	instance := sc.Instance
	if instance == "" {
		instance = types.InstanceLocal
	}
	if instance != types.InstanceLocal && instance != types.InstanceProduction {
		return fmt.Errorf("invalid scratch instance %q", instance)
	}

	return s.withTx(ctx, func(conn *sql.Conn) error {
		now := time.Now().UTC()

		var exists int
		err := conn.QueryRowContext(ctx,
			"SELECT 1 FROM scratches WHERE slug = ?", sc.Slug).Scan(&exists)
		isNew := errors.Is(err, sql.ErrNoRows)
		if err != nil && !isNew {
			return fmt.Errorf("failed to check scratch %s: %w", sc.Slug, err)
		}

		_, err = conn.ExecContext(ctx, `
			INSERT INTO scratches (slug, instance, base_url, function_name, claim_token, verified_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(slug) DO UPDATE SET
				instance = excluded.instance,
				base_url = excluded.base_url,
				claim_token = CASE WHEN excluded.claim_token != '' THEN excluded.claim_token ELSE scratches.claim_token END,
				verified_at = COALESCE(excluded.verified_at, scratches.verified_at)`,
			sc.Slug, string(instance), sc.BaseURL, sc.FunctionName, sc.ClaimToken, sc.VerifiedAt, now)
		if err != nil {
			return fmt.Errorf("failed to upsert scratch %s: %w", sc.Slug, err)
		}

		action := types.ActionUpdated
		if isNew {
			action = types.ActionCreated
		}
		return logAuditConn(ctx, conn, &types.AuditEntry{
			EntityType: types.EntityScratch,
			EntityID:   sc.Slug,
			Action:     action,
			NewValue:   fmt.Sprintf(`{"function":%q,"instance":%q}`, sc.FunctionName, instance),
			AgentID:    agent,
		})
	})
}

// GetScratch returns the scratch record or storage.ErrNotFound.
func (s *Store) GetScratch(ctx context.Context, slug string) (*types.Scratch, error) {
	sc := &types.Scratch{}
	var verifiedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT slug, instance, base_url, function_name, score, max_score,
		       match_percent, claim_token, verified_at, created_at
		FROM scratches WHERE slug = ?`, slug).
		Scan(&sc.Slug, &sc.Instance, &sc.BaseURL, &sc.FunctionName, &sc.Score,
			&sc.MaxScore, &sc.MatchPercent, &sc.ClaimToken, &verifiedAt, &sc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scratch %s: %w", slug, err)
	}
	if verifiedAt.Valid {
		t := verifiedAt.Time
		sc.VerifiedAt = &t
	}
	return sc, nil
}

// RecordMatchScore appends a score observation for a scratch and refreshes
// the scratch's current score fields. Consecutive duplicate observations
// (same score and max_score as the latest history row) are collapsed; the
// return value reports whether a new history row was inserted. The summary
// row updates either way so verified_at always tracks the newest compile.
func (s *Store) RecordMatchScore(ctx context.Context, slug string, score, maxScore int, agent string) (bool, error) {
	inserted := false
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		now := time.Now().UTC()
		pct := types.MatchPercent(score, maxScore)

		var funcName string
		err := conn.QueryRowContext(ctx,
			"SELECT function_name FROM scratches WHERE slug = ?", slug).Scan(&funcName)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("scratch %s: %w", slug, storage.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to look up scratch %s: %w", slug, err)
		}

		if _, err := conn.ExecContext(ctx, `
			UPDATE scratches
			SET score = ?, max_score = ?, match_percent = ?, verified_at = ?
			WHERE slug = ?`,
			score, maxScore, pct, now, slug); err != nil {
			return fmt.Errorf("failed to update scratch score: %w", err)
		}

		var lastScore, lastMax int
		err = conn.QueryRowContext(ctx, `
			SELECT score, max_score FROM match_history
			WHERE scratch_slug = ? ORDER BY id DESC LIMIT 1`, slug).
			Scan(&lastScore, &lastMax)
		duplicate := err == nil && lastScore == score && lastMax == maxScore
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read match history: %w", err)
		}

		if !duplicate {
			if _, err := conn.ExecContext(ctx, `
				INSERT INTO match_history (scratch_slug, observed_at, score, max_score, match_percent)
				VALUES (?, ?, ?, ?, ?)`,
				slug, now, score, maxScore, pct); err != nil {
				return fmt.Errorf("failed to append match history: %w", err)
			}
			inserted = true
		}

		return logAuditConn(ctx, conn, &types.AuditEntry{
			EntityType: types.EntityScratch,
			EntityID:   slug,
			Action:     types.ActionScored,
			NewValue:   fmt.Sprintf(`{"score":%d,"max_score":%d,"match_percent":%.2f}`, score, maxScore, pct),
			AgentID:    agent,
		})
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// GetMatchHistory returns score observations for a scratch, newest first.
// limit <= 0 means no limit.
func (s *Store) GetMatchHistory(ctx context.Context, slug string, limit int) ([]*types.MatchObservation, error) {
	query := `
		SELECT id, scratch_slug, observed_at, score, max_score, match_percent
		FROM match_history WHERE scratch_slug = ? ORDER BY id DESC`
	args := []interface{}{slug}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query match history: %w", err)
	}
	defer rows.Close()

	var obs []*types.MatchObservation
	for rows.Next() {
		o := &types.MatchObservation{}
		if err := rows.Scan(&o.ID, &o.ScratchSlug, &o.ObservedAt, &o.Score,
			&o.MaxScore, &o.MatchPercent); err != nil {
			return nil, fmt.Errorf("failed to scan match observation: %w", err)
		}
		obs = append(obs, o)
	}
	return obs, rows.Err()
}

// GetStaleScratches returns scratches not verified within the given window,
// oldest first. Never-verified scratches sort first by creation time.
func (s *Store) GetStaleScratches(ctx context.Context, olderThan time.Duration) ([]*types.Scratch, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx, `
		SELECT slug, instance, base_url, function_name, score, max_score,
		       match_percent, claim_token, verified_at, created_at
		FROM scratches
		WHERE verified_at IS NULL OR verified_at < ?
		ORDER BY COALESCE(verified_at, created_at)`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale scratches: %w", err)
	}
	defer rows.Close()

	var scratches []*types.Scratch
	for rows.Next() {
		sc := &types.Scratch{}
		var verifiedAt sql.NullTime
		if err := rows.Scan(&sc.Slug, &sc.Instance, &sc.BaseURL, &sc.FunctionName,
			&sc.Score, &sc.MaxScore, &sc.MatchPercent, &sc.ClaimToken,
			&verifiedAt, &sc.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan scratch: %w", err)
		}
		if verifiedAt.Valid {
			t := verifiedAt.Time
			sc.VerifiedAt = &t
		}
		scratches = append(scratches, sc)
	}
	return scratches, rows.Err()
}
