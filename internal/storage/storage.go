// Package storage defines the interface for the coordination state store.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/types"
)

// ErrNotFound is returned by readers when the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ClaimHeldError reports a claim or lock refused because another agent holds it.
type ClaimHeldError struct {
	Entity    string // "function" or "subdirectory"
	ID        string
	HeldBy    string
	ExpiresAt time.Time
}

func (e *ClaimHeldError) Error() string {
	return e.Entity + " " + e.ID + " is claimed by " + e.HeldBy +
		" until " + e.ExpiresAt.UTC().Format(time.RFC3339)
}

// Storage is the transactional state store shared by all agents.
//
// Every state-changing method executes inside a single BEGIN IMMEDIATE
// transaction and records exactly one audit entry in that transaction.
// Tables are always touched in a fixed order (meta, functions, claims,
// subdirectory_allocations, scratches, match_history, branch_progress,
// agents, audit_log) so concurrent writers cannot deadlock.
type Storage interface {
	// Functions
	UpsertFunction(ctx context.Context, name string, updates map[string]interface{}, agent string) (*types.Function, error)
	GetFunction(ctx context.Context, name string) (*types.Function, error)
	GetAllFunctions(ctx context.Context) ([]*types.Function, error)
	GetFunctionsByStatus(ctx context.Context, status types.Status) ([]*types.Function, error)
	GetUncommittedMatches(ctx context.Context) ([]*types.Function, error)
	GetNeedsFix(ctx context.Context) ([]*types.Function, error)
	RepairStatus(ctx context.Context, name string, status types.Status, agent string) error

	// Claims (single-winner, soft expiry)
	AddClaim(ctx context.Context, name, agent string, ttl time.Duration) error
	ReleaseClaim(ctx context.Context, name, agent string) (bool, error)
	ForceReleaseClaim(ctx context.Context, name, invoker string) (bool, error)
	GetClaim(ctx context.Context, name string) (*types.Claim, error)
	GetActiveClaims(ctx context.Context) ([]*types.Claim, error)

	// Subdirectory locks (same-agent re-lock extends expiry)
	LockSubdirectory(ctx context.Context, key, worktree, branch, agent string, ttl time.Duration) error
	UnlockSubdirectory(ctx context.Context, key, agent string) (bool, error)
	GetSubdirectoryLock(ctx context.Context, key string) (*types.SubdirLock, error)
	GetSubdirectoryLocks(ctx context.Context) ([]*types.SubdirLock, error)
	IncrementPendingCommits(ctx context.Context, key, agent string) error

	// Scratches and match history
	UpsertScratch(ctx context.Context, s *types.Scratch, agent string) error
	GetScratch(ctx context.Context, slug string) (*types.Scratch, error)
	RecordMatchScore(ctx context.Context, slug string, score, maxScore int, agent string) (bool, error)
	GetMatchHistory(ctx context.Context, slug string, limit int) ([]*types.MatchObservation, error)
	GetStaleScratches(ctx context.Context, olderThan time.Duration) ([]*types.Scratch, error)

	// Branch progress
	UpsertBranchProgress(ctx context.Context, bp *types.BranchProgress, agent string) error
	GetBestBranchProgress(ctx context.Context, name string) (*types.BranchProgress, error)

	// Agent registry
	UpsertAgent(ctx context.Context, a *types.Agent) error
	GetAgents(ctx context.Context) ([]*types.Agent, error)
	GetAgentSummaries(ctx context.Context) ([]*types.AgentSummary, error)

	// Audit log
	LogAudit(ctx context.Context, e *types.AuditEntry) error
	GetHistory(ctx context.Context, entityType, entityID string, limit int) ([]*types.AuditEntry, error)

	// Read-side projections
	CountBrokenBuilds(ctx context.Context, worktree string) (int, error)
	GetSubdirectoryStatuses(ctx context.Context) ([]*types.SubdirStatus, error)

	// Meta (schema version, cache markers)
	SetMeta(ctx context.Context, key, value string) error
	GetMeta(ctx context.Context, key string) (string, error)

	// Lifecycle
	Close() error
	Path() string
}
