package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/types"
)

// UpsertAgent registers an agent session or refreshes its heartbeat.
// Agent upserts are frequent and carry no decision weight, so they do not
// write audit entries.
func (s *Store) UpsertAgent(ctx context.Context, a *types.Agent) error {
	if a.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, worktree_path, branch_name, last_seen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			worktree_path = CASE WHEN excluded.worktree_path != '' THEN excluded.worktree_path ELSE agents.worktree_path END,
			branch_name = CASE WHEN excluded.branch_name != '' THEN excluded.branch_name ELSE agents.branch_name END,
			last_seen_at = excluded.last_seen_at`,
		a.ID, a.WorktreePath, a.Branch, now)
	if err != nil {
		return fmt.Errorf("failed to upsert agent %s: %w", a.ID, err)
	}
	return nil
}

// GetAgents returns all registered agents, most recently seen first.
func (s *Store) GetAgents(ctx context.Context) ([]*types.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, worktree_path, branch_name, last_seen_at
		FROM agents ORDER BY last_seen_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var agents []*types.Agent
	for rows.Next() {
		a := &types.Agent{}
		if err := rows.Scan(&a.ID, &a.WorktreePath, &a.Branch, &a.LastSeenAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// GetAgentSummaries joins agents with their live claims and subdirectory
// locks for the `state agents` view.
func (s *Store) GetAgentSummaries(ctx context.Context) ([]*types.AgentSummary, error) {
	now := time.Now().UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT a.agent_id, a.last_seen_at,
		       (SELECT COUNT(*) FROM claims c WHERE c.agent_id = a.agent_id AND c.expires_at > ?)
		FROM agents a ORDER BY a.last_seen_at DESC`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent summaries: %w", err)
	}
	defer rows.Close()

	var summaries []*types.AgentSummary
	byID := map[string]*types.AgentSummary{}
	for rows.Next() {
		sum := &types.AgentSummary{}
		if err := rows.Scan(&sum.AgentID, &sum.LastSeenAt, &sum.ActiveClaims); err != nil {
			return nil, fmt.Errorf("failed to scan agent summary: %w", err)
		}
		summaries = append(summaries, sum)
		byID[sum.AgentID] = sum
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	lockRows, err := s.db.QueryContext(ctx, `
		SELECT locked_by_agent, subdirectory_key
		FROM subdirectory_allocations
		WHERE locked_by_agent != '' AND lock_expires_at > ?
		ORDER BY subdirectory_key`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query held subdirectories: %w", err)
	}
	defer lockRows.Close()

	for lockRows.Next() {
		var agentID, key string
		if err := lockRows.Scan(&agentID, &key); err != nil {
			return nil, fmt.Errorf("failed to scan held subdirectory: %w", err)
		}
		if sum, ok := byID[agentID]; ok {
			sum.SubdirsHeld = append(sum.SubdirsHeld, key)
		}
	}
	return summaries, lockRows.Err()
}
