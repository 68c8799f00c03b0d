// Package types defines the core data structures for the decomp coordinator.
package types

import (
	"fmt"
	"time"
)

// Status represents the lifecycle state of a function.
type Status string

const (
	StatusUnclaimed         Status = "unclaimed"
	StatusClaimed           Status = "claimed"
	StatusInProgress        Status = "in_progress"
	StatusMatched           Status = "matched"
	StatusCommitted         Status = "committed"
	StatusCommittedNeedsFix Status = "committed_needs_fix"
	StatusInReview          Status = "in_review"
	StatusMerged            Status = "merged"
)

// IsValid checks if the status is one of the known lifecycle states.
func (s Status) IsValid() bool {
	switch s {
	case StatusUnclaimed, StatusClaimed, StatusInProgress, StatusMatched,
		StatusCommitted, StatusCommittedNeedsFix, StatusInReview, StatusMerged:
		return true
	}
	return false
}

// IsTerminal reports whether the function can never be claimed again.
func (s Status) IsTerminal() bool {
	return s == StatusMerged
}

// BuildStatus tracks the health of the object build for a committed function.
type BuildStatus string

const (
	BuildUnknown BuildStatus = "unknown"
	BuildPassing BuildStatus = "passing"
	BuildBroken  BuildStatus = "broken"
)

// PRState mirrors the pull request state reported by the forge.
type PRState string

const (
	PRNone   PRState = ""
	PROpen   PRState = "OPEN"
	PRMerged PRState = "MERGED"
	PRClosed PRState = "CLOSED"
)

// MatchThreshold is the match percent at which a function counts as matched.
const MatchThreshold = 95.0

// Function is the unit of work: one unmatched function in the target binary.
type Function struct {
	Name             string      `json:"name"`
	SourceFile       string      `json:"source_file,omitempty"`
	WorktreePath     string      `json:"worktree_path,omitempty"`
	MatchPercent     float64     `json:"match_percent"`
	Status           Status      `json:"status"`
	LocalScratchSlug string      `json:"local_scratch_slug,omitempty"`
	ProdScratchSlug  string      `json:"prod_scratch_slug,omitempty"`
	ClaimedBy        string      `json:"claimed_by,omitempty"`
	ClaimedAt        *time.Time  `json:"claimed_at,omitempty"`
	Branch           string      `json:"branch,omitempty"`
	CommitHash       string      `json:"commit_hash,omitempty"`
	BuildStatus      BuildStatus `json:"build_status"`
	BuildDiagnosis   string      `json:"build_diagnosis,omitempty"`
	IsCommitted      bool        `json:"is_committed"`
	PRURL            string      `json:"pr_url,omitempty"`
	PRNumber         int         `json:"pr_number,omitempty"`
	PRState          PRState     `json:"pr_state,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Claim is an active exclusive reservation on a function.
type Claim struct {
	FunctionName string    `json:"function_name"`
	AgentID      string    `json:"agent_id"`
	ClaimedAt    time.Time `json:"claimed_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the claim has lapsed at the given instant.
func (c *Claim) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// SubdirLock is an exclusive reservation over a worktree subdirectory scope.
type SubdirLock struct {
	Key            string     `json:"key"`
	WorktreePath   string     `json:"worktree_path,omitempty"`
	Branch         string     `json:"branch,omitempty"`
	LockedBy       string     `json:"locked_by"`
	LockedAt       time.Time  `json:"locked_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	PendingCommits int        `json:"pending_commits"`
	LastCommitAt   *time.Time `json:"last_commit_at,omitempty"`
}

// Expired reports whether the lock has lapsed at the given instant.
func (l *SubdirLock) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// ScratchInstance identifies which remote service a scratch lives on.
type ScratchInstance string

const (
	InstanceLocal      ScratchInstance = "local"
	InstanceProduction ScratchInstance = "production"
)

// Scratch records a remote compile sandbox for one function.
type Scratch struct {
	Slug         string          `json:"slug"`
	Instance     ScratchInstance `json:"instance"`
	BaseURL      string          `json:"base_url,omitempty"`
	FunctionName string          `json:"function_name"`
	Score        int             `json:"score"`
	MaxScore     int             `json:"max_score"`
	MatchPercent float64         `json:"match_percent"`
	ClaimToken   string          `json:"claim_token,omitempty"`
	VerifiedAt   *time.Time      `json:"verified_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// MatchObservation is one append-only entry in a scratch's score history.
type MatchObservation struct {
	ID           int64     `json:"id"`
	ScratchSlug  string    `json:"scratch_slug"`
	ObservedAt   time.Time `json:"observed_at"`
	Score        int       `json:"score"`
	MaxScore     int       `json:"max_score"`
	MatchPercent float64   `json:"match_percent"`
}

// BranchProgress is the best known result for a function on one branch.
type BranchProgress struct {
	FunctionName string    `json:"function_name"`
	Branch       string    `json:"branch"`
	MatchPercent float64   `json:"match_percent"`
	ScratchSlug  string    `json:"scratch_slug,omitempty"`
	IsCommitted  bool      `json:"is_committed"`
	CommitHash   string    `json:"commit_hash,omitempty"`
	AgentID      string    `json:"agent_id,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Agent is one registered orchestrator session.
type Agent struct {
	ID           string    `json:"id"`
	WorktreePath string    `json:"worktree_path,omitempty"`
	Branch       string    `json:"branch,omitempty"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// AgentSummary is the read-side projection for `state agents`.
type AgentSummary struct {
	AgentID      string    `json:"agent_id"`
	ActiveClaims int       `json:"active_claims"`
	SubdirsHeld  []string  `json:"subdirs_held,omitempty"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// Audit actions. Every state-changing store operation records exactly one.
const (
	ActionCreated  = "created"
	ActionUpdated  = "updated"
	ActionReleased = "released"
	ActionLocked   = "locked"
	ActionUnlocked = "unlocked"
	ActionScored   = "scored"
	ActionRepaired = "repaired"
)

// Audit entity types.
const (
	EntityFunction = "function"
	EntityClaim    = "claim"
	EntitySubdir   = "subdirectory"
	EntityScratch  = "scratch"
	EntityProgress = "branch_progress"
	EntityAgent    = "agent"
)

// AuditEntry is one append-only row in the change log.
type AuditEntry struct {
	ID         int64     `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	OldValue   string    `json:"old_value,omitempty"`
	NewValue   string    `json:"new_value,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	Metadata   string    `json:"metadata,omitempty"`
}

// MatchPercent converts a diff score into a percentage.
// score 0 means byte-identical; negative score means the code did not compile.
func MatchPercent(score, maxScore int) float64 {
	if maxScore <= 0 {
		return 0
	}
	if score < 0 {
		return 0
	}
	if score > maxScore {
		return 0
	}
	return float64(maxScore-score) / float64(maxScore) * 100.0
}

// SubdirStatus is the read-side projection for `worktree status`.
type SubdirStatus struct {
	Key            string     `json:"key"`
	LockedBy       string     `json:"locked_by,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Branch         string     `json:"branch,omitempty"`
	PendingCommits int        `json:"pending_commits"`
	BrokenBuilds   int        `json:"broken_builds"`
}

// ValidationIssue describes one function whose stored status diverges from
// the status derived from its field bundle.
type ValidationIssue struct {
	FunctionName string `json:"function_name"`
	Stored       Status `json:"stored"`
	Derived      Status `json:"derived"`
	Fixed        bool   `json:"fixed"`
}

func (v ValidationIssue) String() string {
	return fmt.Sprintf("%s: stored=%s derived=%s", v.FunctionName, v.Stored, v.Derived)
}
