package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/types"
)

func TestGetHistoryFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddClaim(ctx, "fn_a", "claude100", time.Hour); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if _, err := s.UpsertFunction(ctx, "fn_b", map[string]interface{}{
		"match_percent": 12.0,
	}, "claude200"); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if _, err := s.ReleaseClaim(ctx, "fn_a", "claude100"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	all, err := s.GetHistory(ctx, "", "", 0)
	if err != nil {
		t.Fatalf("get history failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	// Newest first: release, upsert, claim.
	if all[0].Action != types.ActionReleased || all[2].Action != types.ActionCreated {
		t.Errorf("unexpected ordering: %s ... %s", all[0].Action, all[2].Action)
	}

	claims, err := s.GetHistory(ctx, types.EntityClaim, "", 0)
	if err != nil {
		t.Fatalf("get history failed: %v", err)
	}
	if len(claims) != 2 {
		t.Errorf("expected 2 claim entries, got %d", len(claims))
	}

	fnB, err := s.GetHistory(ctx, types.EntityFunction, "fn_b", 0)
	if err != nil {
		t.Fatalf("get history failed: %v", err)
	}
	if len(fnB) != 1 || fnB[0].AgentID != "claude200" {
		t.Errorf("unexpected fn_b history: %+v", fnB)
	}

	limited, err := s.GetHistory(ctx, "", "", 1)
	if err != nil {
		t.Fatalf("get history failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limit not applied: got %d entries", len(limited))
	}
}

func TestEveryMutationAudits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.LockSubdirectory(ctx, "melee/ft", "/wt/a", "br", "claude100", time.Hour); err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	seedScratch(t, s, "AbC123", "fn_a")
	if _, err := s.RecordMatchScore(ctx, "AbC123", 0, 100, "claude100"); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if err := s.UpsertBranchProgress(ctx, &types.BranchProgress{
		FunctionName: "fn_a", Branch: "br", MatchPercent: 100, IsCommitted: false,
	}, "claude100"); err != nil {
		t.Fatalf("progress failed: %v", err)
	}

	all, err := s.GetHistory(ctx, "", "", 0)
	if err != nil {
		t.Fatalf("get history failed: %v", err)
	}
	// lock + scratch create + score + progress
	if len(all) != 4 {
		t.Fatalf("expected 4 audit entries, got %d", len(all))
	}
	seen := map[string]bool{}
	for _, e := range all {
		seen[e.EntityType] = true
	}
	for _, want := range []string{types.EntitySubdir, types.EntityScratch, types.EntityProgress} {
		if !seen[want] {
			t.Errorf("no audit entry for entity type %s", want)
		}
	}
}
