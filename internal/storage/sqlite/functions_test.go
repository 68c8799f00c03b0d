package sqlite

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/storage"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/types"
)

func TestUpsertFunctionCreatesLazily(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	f, err := s.UpsertFunction(ctx, "ftCo_800D5FB0", map[string]interface{}{
		"source_file": "melee/ft/chara/ftCommon/ftCo_AttackS4.c",
	}, "claude100")
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if f.Status != types.StatusUnclaimed {
		t.Errorf("new function should start unclaimed, got %s", f.Status)
	}
	if f.MatchPercent != 0 {
		t.Errorf("new function should start at 0%%, got %v", f.MatchPercent)
	}
	if f.SourceFile != "melee/ft/chara/ftCommon/ftCo_AttackS4.c" {
		t.Errorf("source_file not applied: %q", f.SourceFile)
	}
}

func TestUpsertFunctionRejectsUnknownField(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertFunction(ctx, "fn", map[string]interface{}{"nonsense": 1}, "claude100")
	if err == nil || !strings.Contains(err.Error(), "unknown function field") {
		t.Fatalf("expected unknown-field error, got %v", err)
	}
	// The failed upsert must not leave a row behind.
	if _, err := s.GetFunction(ctx, "fn"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected no row after rejected upsert, got %v", err)
	}
}

func TestUpsertFunctionRejectsInvalidValues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertFunction(ctx, "fn", map[string]interface{}{"status": "bogus"}, "a"); err == nil {
		t.Error("expected invalid status to be rejected")
	}
	if _, err := s.UpsertFunction(ctx, "fn", map[string]interface{}{"match_percent": 101.0}, "a"); err == nil {
		t.Error("expected out-of-range match_percent to be rejected")
	}
	if _, err := s.UpsertFunction(ctx, "fn", map[string]interface{}{"match_percent": -1.0}, "a"); err == nil {
		t.Error("expected negative match_percent to be rejected")
	}
}

func TestUpsertFunctionAuditDiff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertFunction(ctx, "fn", map[string]interface{}{
		"match_percent": 50.0,
	}, "claude100"); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if _, err := s.UpsertFunction(ctx, "fn", map[string]interface{}{
		"match_percent": 97.0,
	}, "claude100"); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	entries, err := s.GetHistory(ctx, types.EntityFunction, "fn", 0)
	if err != nil {
		t.Fatalf("get history failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(entries))
	}
	// Newest first.
	latest := entries[0]
	if latest.Action != types.ActionUpdated {
		t.Errorf("expected updated action, got %s", latest.Action)
	}
	if !strings.Contains(latest.OldValue, "50") {
		t.Errorf("audit old_value missing prior field: %q", latest.OldValue)
	}
	if !strings.Contains(latest.NewValue, "97") {
		t.Errorf("audit new_value missing new field: %q", latest.NewValue)
	}
	if entries[1].Action != types.ActionCreated {
		t.Errorf("expected created action first, got %s", entries[1].Action)
	}
}

func TestFunctionQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seed := []struct {
		name    string
		updates map[string]interface{}
	}{
		{"fn_matched", map[string]interface{}{
			"match_percent": 97.0, "status": string(types.StatusMatched),
		}},
		{"fn_committed", map[string]interface{}{
			"match_percent": 100.0, "status": string(types.StatusCommitted),
			"is_committed": true, "worktree_path": "/wt/a", "build_status": string(types.BuildPassing),
		}},
		{"fn_broken", map[string]interface{}{
			"match_percent": 96.0, "status": string(types.StatusCommittedNeedsFix),
			"is_committed": true, "worktree_path": "/wt/a", "build_status": string(types.BuildBroken),
		}},
		{"fn_low", map[string]interface{}{
			"match_percent": 40.0, "status": string(types.StatusInProgress),
		}},
	}
	for _, row := range seed {
		if _, err := s.UpsertFunction(ctx, row.name, row.updates, "claude100"); err != nil {
			t.Fatalf("seed %s failed: %v", row.name, err)
		}
	}

	matches, err := s.GetUncommittedMatches(ctx)
	if err != nil {
		t.Fatalf("uncommitted matches failed: %v", err)
	}
	if len(matches) != 1 || matches[0].Name != "fn_matched" {
		t.Errorf("expected [fn_matched], got %v", names(matches))
	}

	needsFix, err := s.GetNeedsFix(ctx)
	if err != nil {
		t.Fatalf("needs fix failed: %v", err)
	}
	if len(needsFix) != 1 || needsFix[0].Name != "fn_broken" {
		t.Errorf("expected [fn_broken], got %v", names(needsFix))
	}

	broken, err := s.CountBrokenBuilds(ctx, "/wt/a")
	if err != nil {
		t.Fatalf("count broken builds failed: %v", err)
	}
	if broken != 1 {
		t.Errorf("expected 1 broken build in /wt/a, got %d", broken)
	}

	byStatus, err := s.GetFunctionsByStatus(ctx, types.StatusInProgress)
	if err != nil {
		t.Fatalf("by status failed: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].Name != "fn_low" {
		t.Errorf("expected [fn_low], got %v", names(byStatus))
	}

	all, err := s.GetAllFunctions(ctx)
	if err != nil {
		t.Fatalf("get all failed: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("expected 4 functions, got %d", len(all))
	}
}

func names(fns []*types.Function) []string {
	out := make([]string, len(fns))
	for i, f := range fns {
		out[i] = f.Name
	}
	return out
}
