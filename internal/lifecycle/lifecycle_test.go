package lifecycle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/storage/sqlite"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/types"
)

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name    string
		fn      types.Function
		claimed bool
		want    types.Status
	}{
		{"fresh", types.Function{}, false, types.StatusUnclaimed},
		{"claimed", types.Function{}, true, types.StatusClaimed},
		{"partial", types.Function{MatchPercent: 40}, false, types.StatusInProgress},
		{"partial claimed", types.Function{MatchPercent: 40}, true, types.StatusInProgress},
		{"at threshold", types.Function{MatchPercent: 95}, false, types.StatusMatched},
		{"perfect uncommitted", types.Function{MatchPercent: 100}, false, types.StatusMatched},
		{"committed", types.Function{MatchPercent: 100, IsCommitted: true}, false, types.StatusCommitted},
		{"committed unknown build", types.Function{MatchPercent: 96, IsCommitted: true, BuildStatus: types.BuildUnknown}, false, types.StatusCommitted},
		{"committed broken", types.Function{MatchPercent: 96, IsCommitted: true, BuildStatus: types.BuildBroken}, false, types.StatusCommittedNeedsFix},
		{"in review", types.Function{MatchPercent: 100, IsCommitted: true, PRState: types.PROpen}, false, types.StatusInReview},
		{"open pr uncommitted is not in review", types.Function{MatchPercent: 100, PRState: types.PROpen}, false, types.StatusMatched},
		{"merged", types.Function{MatchPercent: 100, IsCommitted: true, PRState: types.PRMerged}, false, types.StatusMerged},
		{"merged trumps broken build", types.Function{IsCommitted: true, BuildStatus: types.BuildBroken, PRState: types.PRMerged}, false, types.StatusMerged},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := DeriveStatus(&tc.fn, tc.claimed)
			if got != tc.want {
				t.Errorf("DeriveStatus(%+v, %v) = %s, want %s", tc.fn, tc.claimed, got, tc.want)
			}
		})
	}
}

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestValidateFindsAndFixesDrift(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// A function left claimed after its claim expired.
	if err := s.AddClaim(ctx, "fn_stale", "claude100", 10*time.Millisecond); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	// A matched function mislabeled in_progress.
	if _, err := s.UpsertFunction(ctx, "fn_mislabeled", map[string]interface{}{
		"match_percent": 98.0,
		"status":        string(types.StatusInProgress),
	}, "claude100"); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	// A consistent row.
	if _, err := s.UpsertFunction(ctx, "fn_ok", map[string]interface{}{
		"match_percent": 50.0,
		"status":        string(types.StatusInProgress),
	}, "claude100"); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	issues, err := Validate(ctx, s, false, "claude100")
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %d: %v", len(issues), issues)
	}
	for _, issue := range issues {
		if issue.Fixed {
			t.Errorf("dry run must not fix: %v", issue)
		}
	}

	fixed, err := Validate(ctx, s, true, "claude100")
	if err != nil {
		t.Fatalf("validate --fix failed: %v", err)
	}
	if len(fixed) != 2 {
		t.Fatalf("expected 2 fixes, got %d", len(fixed))
	}
	for _, issue := range fixed {
		if !issue.Fixed {
			t.Errorf("expected issue to be fixed: %v", issue)
		}
	}

	f, err := s.GetFunction(ctx, "fn_stale")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if f.Status != types.StatusUnclaimed {
		t.Errorf("stale claim not repaired to unclaimed: %s", f.Status)
	}
	f, err = s.GetFunction(ctx, "fn_mislabeled")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if f.Status != types.StatusMatched {
		t.Errorf("mislabeled row not repaired to matched: %s", f.Status)
	}

	// Second run is a no-op.
	again, err := Validate(ctx, s, true, "claude100")
	if err != nil {
		t.Fatalf("second validate failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("repair is not idempotent: %v", again)
	}

	// Repairs are audited.
	hist, err := s.GetHistory(ctx, types.EntityFunction, "fn_mislabeled", 0)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	foundRepair := false
	for _, e := range hist {
		if e.Action == types.ActionRepaired {
			foundRepair = true
		}
	}
	if !foundRepair {
		t.Error("repair not recorded in audit log")
	}
}

func TestRepairWritesSingleAuditEntry(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// Committed with a broken build but stored as plain committed.
	if _, err := s.UpsertFunction(ctx, "fn_drift", map[string]interface{}{
		"is_committed": true,
		"build_status": string(types.BuildBroken),
		"status":       string(types.StatusCommitted),
	}, "claude100"); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	before, err := s.GetHistory(ctx, types.EntityFunction, "fn_drift", 0)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}

	issues, err := Validate(ctx, s, true, "claude100")
	if err != nil {
		t.Fatalf("validate --fix failed: %v", err)
	}
	if len(issues) != 1 || !issues[0].Fixed {
		t.Fatalf("expected 1 fixed issue, got %v", issues)
	}

	after, err := s.GetHistory(ctx, types.EntityFunction, "fn_drift", 0)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(after) != len(before)+1 {
		t.Fatalf("repair logged %d audit entries, want 1", len(after)-len(before))
	}
	var newest *types.AuditEntry
	for _, e := range after {
		if newest == nil || e.ID > newest.ID {
			newest = e
		}
	}
	if newest.Action != types.ActionRepaired {
		t.Errorf("repair audited as %s", newest.Action)
	}
	if newest.OldValue != string(types.StatusCommitted) || newest.NewValue != string(types.StatusCommittedNeedsFix) {
		t.Errorf("repair diff %q -> %q", newest.OldValue, newest.NewValue)
	}
}
