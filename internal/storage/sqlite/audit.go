package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/types"
)

// logAuditConn appends one audit row using the caller's pinned transaction
// connection. Every mutating store method calls this exactly once, last in
// the table touch order, so the change and its trail commit atomically.
func logAuditConn(ctx context.Context, conn *sql.Conn, e *types.AuditEntry) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := conn.ExecContext(ctx, `
		INSERT INTO audit_log (created_at, entity_type, entity_id, action, old_value, new_value, agent_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		createdAt, e.EntityType, e.EntityID, e.Action,
		nullIfEmpty(e.OldValue), nullIfEmpty(e.NewValue), e.AgentID, e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// LogAudit appends a standalone audit entry outside any other mutation.
func (s *Store) LogAudit(ctx context.Context, e *types.AuditEntry) error {
	return s.withTx(ctx, func(conn *sql.Conn) error {
		return logAuditConn(ctx, conn, e)
	})
}

// GetHistory returns audit entries, newest first. Empty entityType or
// entityID match everything; limit <= 0 means no limit.
func (s *Store) GetHistory(ctx context.Context, entityType, entityID string, limit int) ([]*types.AuditEntry, error) {
	query := `
		SELECT id, created_at, entity_type, entity_id, action,
		       COALESCE(old_value, ''), COALESCE(new_value, ''), agent_id, metadata
		FROM audit_log WHERE 1=1`
	var args []interface{}
	if entityType != "" {
		query += " AND entity_type = ?"
		args = append(args, entityType)
	}
	if entityID != "" {
		query += " AND entity_id = ?"
		args = append(args, entityID)
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*types.AuditEntry
	for rows.Next() {
		e := &types.AuditEntry{}
		if err := rows.Scan(&e.ID, &e.CreatedAt, &e.EntityType, &e.EntityID,
			&e.Action, &e.OldValue, &e.NewValue, &e.AgentID, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
