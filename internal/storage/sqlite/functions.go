package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/storage"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/types"
)

// allowedFunctionFields maps updatable field names to their column names.
// name, created_at, and updated_at are managed by the store itself.
var allowedFunctionFields = map[string]string{
	"source_file":        "source_file",
	"worktree_path":      "worktree_path",
	"match_percent":      "match_percent",
	"status":             "status",
	"local_scratch_slug": "local_scratch_slug",
	"prod_scratch_slug":  "prod_scratch_slug",
	"claimed_by":         "claimed_by",
	"claimed_at":         "claimed_at",
	"branch":             "branch",
	"commit_hash":        "commit_hash",
	"build_status":       "build_status",
	"build_diagnosis":    "build_diagnosis",
	"is_committed":       "is_committed",
	"pr_url":             "pr_url",
	"pr_number":          "pr_number",
	"pr_state":           "pr_state",
}

// UpsertFunction creates the function row lazily on first reference, then
// applies the given field updates. The old and new field bundles are recorded
// as JSON in the audit log so `state history` can show diffs.
func (s *Store) UpsertFunction(ctx context.Context, name string, updates map[string]interface{}, agent string) (*types.Function, error) {
	if name == "" {
		return nil, fmt.Errorf("function name is required")
	}
	for field := range updates {
		if _, ok := allowedFunctionFields[field]; !ok {
			return nil, fmt.Errorf("unknown function field %q", field)
		}
	}
	if v, ok := updates["status"]; ok {
		if !types.Status(fmt.Sprint(v)).IsValid() {
			return nil, fmt.Errorf("invalid status %q", v)
		}
	}
	if v, ok := updates["match_percent"]; ok {
		pct, ok2 := toFloat(v)
		if !ok2 || pct < 0 || pct > 100 {
			return nil, fmt.Errorf("match_percent must be between 0 and 100, got %v", v)
		}
	}

	var result *types.Function
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		now := time.Now().UTC()

		old, err := getFunctionConn(ctx, conn, name)
		created := false
		if errors.Is(err, storage.ErrNotFound) {
			_, err = conn.ExecContext(ctx, `
				INSERT INTO functions (name, created_at, updated_at) VALUES (?, ?, ?)`,
				name, now, now)
			if err != nil {
				return fmt.Errorf("failed to create function %s: %w", name, err)
			}
			created = true
			old = nil
		} else if err != nil {
			return err
		}

		for field, value := range updates {
			col := allowedFunctionFields[field]
			if _, err := conn.ExecContext(ctx,
				fmt.Sprintf("UPDATE functions SET %s = ?, updated_at = ? WHERE name = ?", col),
				value, now, name); err != nil {
				return fmt.Errorf("failed to update %s on %s: %w", field, name, err)
			}
		}

		updated, err := getFunctionConn(ctx, conn, name)
		if err != nil {
			return err
		}
		result = updated

		action := types.ActionUpdated
		oldJSON := ""
		if created {
			action = types.ActionCreated
		} else {
			oldJSON = marshalFields(old, updates)
		}
		return logAuditConn(ctx, conn, &types.AuditEntry{
			EntityType: types.EntityFunction,
			EntityID:   name,
			Action:     action,
			OldValue:   oldJSON,
			NewValue:   marshalFields(updated, updates),
			AgentID:    agent,
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RepairStatus rewrites a drifted status column. The rewrite and its single
// repaired audit entry land in one transaction, so `state validate --fix`
// leaves exactly one row of history per repair.
func (s *Store) RepairStatus(ctx context.Context, name string, status types.Status, agent string) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid status %q", status)
	}
	return s.withTx(ctx, func(conn *sql.Conn) error {
		now := time.Now().UTC()

		old, err := getFunctionConn(ctx, conn, name)
		if err != nil {
			return err
		}
		if _, err := conn.ExecContext(ctx,
			"UPDATE functions SET status = ?, updated_at = ? WHERE name = ?",
			string(status), now, name); err != nil {
			return fmt.Errorf("failed to repair status of %s: %w", name, err)
		}

		return logAuditConn(ctx, conn, &types.AuditEntry{
			EntityType: types.EntityFunction,
			EntityID:   name,
			Action:     types.ActionRepaired,
			OldValue:   string(old.Status),
			NewValue:   string(status),
			AgentID:    agent,
		})
	})
}

// GetFunction returns the function row or storage.ErrNotFound.
func (s *Store) GetFunction(ctx context.Context, name string) (*types.Function, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()
	return getFunctionConn(ctx, conn, name)
}

const functionColumns = `
	name, source_file, worktree_path, match_percent, status,
	local_scratch_slug, prod_scratch_slug, claimed_by, claimed_at,
	branch, commit_hash, build_status, build_diagnosis, is_committed,
	pr_url, pr_number, pr_state, created_at, updated_at`

func getFunctionConn(ctx context.Context, conn *sql.Conn, name string) (*types.Function, error) {
	row := conn.QueryRowContext(ctx,
		"SELECT"+functionColumns+" FROM functions WHERE name = ?", name)
	f, err := scanFunction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get function %s: %w", name, err)
	}
	return f, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFunction(row rowScanner) (*types.Function, error) {
	f := &types.Function{}
	var claimedAt sql.NullTime
	err := row.Scan(&f.Name, &f.SourceFile, &f.WorktreePath, &f.MatchPercent,
		&f.Status, &f.LocalScratchSlug, &f.ProdScratchSlug, &f.ClaimedBy,
		&claimedAt, &f.Branch, &f.CommitHash, &f.BuildStatus, &f.BuildDiagnosis,
		&f.IsCommitted, &f.PRURL, &f.PRNumber, &f.PRState, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		f.ClaimedAt = &t
	}
	return f, nil
}

func (s *Store) queryFunctions(ctx context.Context, where string, args ...interface{}) ([]*types.Function, error) {
	query := "SELECT" + functionColumns + " FROM functions"
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query functions: %w", err)
	}
	defer rows.Close()

	var funcs []*types.Function
	for rows.Next() {
		f, err := scanFunction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan function: %w", err)
		}
		funcs = append(funcs, f)
	}
	return funcs, rows.Err()
}

// GetAllFunctions returns every tracked function ordered by name.
func (s *Store) GetAllFunctions(ctx context.Context) ([]*types.Function, error) {
	return s.queryFunctions(ctx, "")
}

// GetFunctionsByStatus returns functions with the given stored status.
func (s *Store) GetFunctionsByStatus(ctx context.Context, status types.Status) ([]*types.Function, error) {
	return s.queryFunctions(ctx, "status = ?", string(status))
}

// GetUncommittedMatches returns functions at or above the match threshold
// that have not been committed yet.
func (s *Store) GetUncommittedMatches(ctx context.Context) ([]*types.Function, error) {
	return s.queryFunctions(ctx, "match_percent >= ? AND is_committed = 0", types.MatchThreshold)
}

// GetNeedsFix returns committed functions whose build is broken.
func (s *Store) GetNeedsFix(ctx context.Context) ([]*types.Function, error) {
	return s.queryFunctions(ctx, "is_committed = 1 AND build_status = ?", string(types.BuildBroken))
}

// marshalFields serializes only the fields named in updates, taken from the
// given snapshot, so audit diffs stay small and comparable.
func marshalFields(f *types.Function, updates map[string]interface{}) string {
	if f == nil {
		return ""
	}
	snapshot := map[string]interface{}{}
	for field := range updates {
		switch field {
		case "source_file":
			snapshot[field] = f.SourceFile
		case "worktree_path":
			snapshot[field] = f.WorktreePath
		case "match_percent":
			snapshot[field] = f.MatchPercent
		case "status":
			snapshot[field] = f.Status
		case "local_scratch_slug":
			snapshot[field] = f.LocalScratchSlug
		case "prod_scratch_slug":
			snapshot[field] = f.ProdScratchSlug
		case "claimed_by":
			snapshot[field] = f.ClaimedBy
		case "claimed_at":
			snapshot[field] = f.ClaimedAt
		case "branch":
			snapshot[field] = f.Branch
		case "commit_hash":
			snapshot[field] = f.CommitHash
		case "build_status":
			snapshot[field] = f.BuildStatus
		case "build_diagnosis":
			snapshot[field] = f.BuildDiagnosis
		case "is_committed":
			snapshot[field] = f.IsCommitted
		case "pr_url":
			snapshot[field] = f.PRURL
		case "pr_number":
			snapshot[field] = f.PRNumber
		case "pr_state":
			snapshot[field] = f.PRState
		}
	}
	b, err := json.Marshal(snapshot)
	if err != nil {
		return ""
	}
	return string(b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
