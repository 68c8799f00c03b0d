package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/storage"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/types"
)

func TestMetaRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetMeta(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.SetMeta(ctx, "scratch_base_url", "http://127.0.0.1:8000"); err != nil {
		t.Fatalf("set meta failed: %v", err)
	}
	got, err := s.GetMeta(ctx, "scratch_base_url")
	if err != nil {
		t.Fatalf("get meta failed: %v", err)
	}
	if got != "http://127.0.0.1:8000" {
		t.Errorf("unexpected meta value: %q", got)
	}
}

func TestSchemaVersionRecorded(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetMeta(context.Background(), "schema_version")
	if err != nil {
		t.Fatalf("schema version not recorded: %v", err)
	}
	if got != schemaVersion {
		t.Errorf("expected schema version %s, got %s", schemaVersion, got)
	}
}

func TestReopenPreservesData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := New(ctx, path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := s.AddClaim(ctx, "fn_a", "claude100", time.Hour); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	s2, err := New(ctx, path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	c, err := s2.GetClaim(ctx, "fn_a")
	if err != nil {
		t.Fatalf("claim lost across reopen: %v", err)
	}
	if c.AgentID != "claude100" {
		t.Errorf("unexpected holder after reopen: %s", c.AgentID)
	}
}

// Concurrent claims on the same function must produce exactly one winner.
func TestConcurrentClaimsSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agent := "claude" + string(rune('A'+i))
			errs[i] = s.AddClaim(ctx, "contested_fn", agent, time.Hour)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		var held *storage.ClaimHeldError
		if !errors.As(err, &held) {
			t.Errorf("loser got unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", winners)
	}
}

func TestBranchProgressKeepsBest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertBranchProgress(ctx, &types.BranchProgress{
		FunctionName: "fn_a", Branch: "br-1", MatchPercent: 80, ScratchSlug: "s1",
	}, "claude100"); err != nil {
		t.Fatalf("progress failed: %v", err)
	}
	// A worse result on the same branch does not clobber the best percent.
	if err := s.UpsertBranchProgress(ctx, &types.BranchProgress{
		FunctionName: "fn_a", Branch: "br-1", MatchPercent: 60, ScratchSlug: "s2",
	}, "claude100"); err != nil {
		t.Fatalf("progress failed: %v", err)
	}
	if err := s.UpsertBranchProgress(ctx, &types.BranchProgress{
		FunctionName: "fn_a", Branch: "br-2", MatchPercent: 95, ScratchSlug: "s3",
	}, "claude200"); err != nil {
		t.Fatalf("progress failed: %v", err)
	}

	best, err := s.GetBestBranchProgress(ctx, "fn_a")
	if err != nil {
		t.Fatalf("get best failed: %v", err)
	}
	if best.Branch != "br-2" || best.MatchPercent != 95 {
		t.Errorf("expected br-2 at 95%%, got %s at %v", best.Branch, best.MatchPercent)
	}
}

func TestAgentSummaries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertAgent(ctx, &types.Agent{ID: "claude100", WorktreePath: "/wt/a"}); err != nil {
		t.Fatalf("upsert agent failed: %v", err)
	}
	if err := s.AddClaim(ctx, "fn_a", "claude100", time.Hour); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := s.LockSubdirectory(ctx, "melee/ft", "/wt/a", "br", "claude100", time.Hour); err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	sums, err := s.GetAgentSummaries(ctx)
	if err != nil {
		t.Fatalf("summaries failed: %v", err)
	}
	if len(sums) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(sums))
	}
	sum := sums[0]
	if sum.ActiveClaims != 1 {
		t.Errorf("expected 1 active claim, got %d", sum.ActiveClaims)
	}
	if len(sum.SubdirsHeld) != 1 || sum.SubdirsHeld[0] != "melee/ft" {
		t.Errorf("unexpected held subdirs: %v", sum.SubdirsHeld)
	}
}
