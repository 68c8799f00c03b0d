// Package lifecycle derives canonical function status from recorded facts
// and repairs rows whose stored status has drifted.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/storage"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/types"
)

// DeriveStatus computes the canonical status from a function's field bundle.
// The stored status column is advisory; this derivation is the source of
// truth whenever the two disagree.
//
// Precedence, highest first: merged PR, open PR, committed (broken build
// first), matched, in progress, then the claim bit.
func DeriveStatus(f *types.Function, hasActiveClaim bool) types.Status {
	switch f.PRState {
	case types.PRMerged:
		return types.StatusMerged
	case types.PROpen:
		if f.IsCommitted {
			return types.StatusInReview
		}
	}
	if f.IsCommitted {
		if f.BuildStatus == types.BuildBroken {
			return types.StatusCommittedNeedsFix
		}
		return types.StatusCommitted
	}
	if f.MatchPercent >= types.MatchThreshold {
		return types.StatusMatched
	}
	if f.MatchPercent > 0 {
		return types.StatusInProgress
	}
	if hasActiveClaim {
		return types.StatusClaimed
	}
	return types.StatusUnclaimed
}

// Validate scans every function and reports rows whose stored status differs
// from the derived one. With fix set, each divergent row is rewritten to the
// derived status and the repair is audited. Running it twice in a row yields
// no issues the second time.
func Validate(ctx context.Context, store storage.Storage, fix bool, agent string) ([]types.ValidationIssue, error) {
	funcs, err := store.GetAllFunctions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list functions: %w", err)
	}
	claims, err := store.GetActiveClaims(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list claims: %w", err)
	}
	claimed := make(map[string]bool, len(claims))
	for _, c := range claims {
		claimed[c.FunctionName] = true
	}

	var issues []types.ValidationIssue
	for _, f := range funcs {
		derived := DeriveStatus(f, claimed[f.Name])
		if derived == f.Status {
			continue
		}
		issue := types.ValidationIssue{
			FunctionName: f.Name,
			Stored:       f.Status,
			Derived:      derived,
		}
		if fix {
			if err := store.RepairStatus(ctx, f.Name, derived, agent); err != nil {
				return issues, fmt.Errorf("failed to repair %s: %w", f.Name, err)
			}
			issue.Fixed = true
		}
		issues = append(issues, issue)
	}
	return issues, nil
}
