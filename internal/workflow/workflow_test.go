package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/commitapply"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/gitutil"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/proc"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/scratchapi"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/storage"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/storage/sqlite"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/types"
)

// fakeScratch is an in-memory scratch service.
type fakeScratch struct {
	scratches map[string]*scratchapi.Scratch
	scores    map[string][2]int // slug -> score, max
	nextSlug  int
	claimable map[string]bool
	noDecomp  bool
	decompSrc string
}

func newFakeScratch() *fakeScratch {
	return &fakeScratch{
		scratches: map[string]*scratchapi.Scratch{},
		scores:    map[string][2]int{},
		claimable: map[string]bool{},
	}
}

func (f *fakeScratch) add(slug, name string, score, max int, claimable bool) {
	f.scratches[slug] = &scratchapi.Scratch{Slug: slug, Name: name, Score: score, MaxScore: max}
	f.scores[slug] = [2]int{score, max}
	f.claimable[slug] = claimable
}

func (f *fakeScratch) Create(ctx context.Context, req *scratchapi.CreateRequest) (*scratchapi.Scratch, error) {
	f.nextSlug++
	slug := fmt.Sprintf("new%d", f.nextSlug)
	sc := &scratchapi.Scratch{Slug: slug, Name: req.Name, ClaimToken: "tok"}
	f.scratches[slug] = sc
	f.claimable[slug] = true
	return sc, nil
}

func (f *fakeScratch) Get(ctx context.Context, slug string) (*scratchapi.Scratch, error) {
	sc, ok := f.scratches[slug]
	if !ok {
		return nil, scratchapi.ErrNotFound
	}
	cp := *sc
	return &cp, nil
}

func (f *fakeScratch) UpdateSource(ctx context.Context, slug, source, ctxSource string) error {
	sc, ok := f.scratches[slug]
	if !ok {
		return scratchapi.ErrNotFound
	}
	if source != "" {
		sc.SourceCode = source
	}
	if ctxSource != "" {
		sc.Context = ctxSource
	}
	return nil
}

func (f *fakeScratch) Compile(ctx context.Context, slug string) (*scratchapi.CompileResult, error) {
	s, ok := f.scores[slug]
	if !ok {
		return nil, scratchapi.ErrNotFound
	}
	res := &scratchapi.CompileResult{Success: s[0] >= 0}
	if res.Success {
		res.DiffOutput = &struct {
			CurrentScore int `json:"current_score"`
			MaxScore     int `json:"max_score"`
		}{s[0], s[1]}
	}
	return res, nil
}

func (f *fakeScratch) Decompile(ctx context.Context, slug string) (string, error) {
	if f.noDecomp {
		return "", scratchapi.ErrDecompileUnavailable
	}
	return f.decompSrc, nil
}

func (f *fakeScratch) Fork(ctx context.Context, slug string) (*scratchapi.Scratch, error) {
	src, ok := f.scratches[slug]
	if !ok {
		return nil, scratchapi.ErrNotFound
	}
	f.nextSlug++
	forked := *src
	forked.Slug = fmt.Sprintf("fork%d", f.nextSlug)
	forked.ParentSlug = slug
	f.scratches[forked.Slug] = &forked
	f.scores[forked.Slug] = f.scores[slug]
	f.claimable[forked.Slug] = true
	return &forked, nil
}

func (f *fakeScratch) Family(ctx context.Context, slug string) ([]*scratchapi.Scratch, error) {
	var out []*scratchapi.Scratch
	for _, sc := range f.scratches {
		if sc.ParentSlug == slug {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (f *fakeScratch) Search(ctx context.Context, query string, limit int) ([]*scratchapi.Scratch, error) {
	var out []*scratchapi.Scratch
	for _, sc := range f.scratches {
		if sc.Name == query {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (f *fakeScratch) Claim(ctx context.Context, slug string) error {
	if !f.claimable[slug] {
		return fmt.Errorf("scratch %s claim rejected by service", slug)
	}
	return nil
}

func (f *fakeScratch) ScratchURL(slug string) string {
	return "http://127.0.0.1:8000/scratch/" + slug
}

// buildRunner fakes git and ninja like the commit applier tests do.
type buildRunner struct {
	ninjaFails bool
	calls      []string
}

func (r *buildRunner) Run(ctx context.Context, dir, name string, args ...string) (*proc.Result, error) {
	r.calls = append(r.calls, name+" "+strings.Join(args, " "))
	if name == "ninja" && r.ninjaFails {
		return &proc.Result{Stderr: "link failed"},
			&proc.ExitError{Cmd: "ninja", Code: 1, Stderr: "link failed"}
	}
	if name == "git" && len(args) > 0 && args[0] == "rev-parse" {
		return &proc.Result{Stdout: "feed5eed\n"}, nil
	}
	return &proc.Result{}, nil
}

func newDriver(t *testing.T, svc ScratchClient, runner proc.Runner) (*Driver, *sqlite.Store, string) {
	t.Helper()
	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	root := t.TempDir()
	writeTree(t, root, "src/melee/ft/ftCo.c", "/// #ftCo_800D5FB0\n")
	writeTree(t, root, "configure.py", `Object(NonMatching, "melee/ft/ftCo.c"),`+"\n")
	writeTree(t, root, "build/report.json", `{"units":[]}`)

	git := gitutil.New(runner, root)
	applier := commitapply.New(git, runner, root, "src", "configure.py", "build/report.json", "build/obj")

	return &Driver{
		Store:       store,
		Client:      svc,
		Applier:     applier,
		AgentID:     "claude100",
		Worktree:    root,
		Branch:      "agent-a/ftCommon",
		Threshold:   95.0,
		BrokenLimit: 3,
	}, store, root
}

func writeTree(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestGetScratchCreates(t *testing.T) {
	svc := newFakeScratch()
	svc.decompSrc = "void ftCo_800D5FB0(Fighter* fp) {}"
	d, store, _ := newDriver(t, svc, &buildRunner{})
	ctx := context.Background()

	info, err := d.GetScratch(ctx, "ftCo_800D5FB0", ExtractOptions{
		TargetAsm: ".fn ftCo_800D5FB0", Context: "typedef int s32;", Create: true,
	})
	if err != nil {
		t.Fatalf("get scratch failed: %v", err)
	}
	if !info.Created {
		t.Error("expected a created scratch")
	}
	if info.Source == "" {
		t.Error("decompiled source not seeded")
	}

	// The store now knows the slug.
	fn, err := store.GetFunction(ctx, "ftCo_800D5FB0")
	if err != nil {
		t.Fatalf("function not registered: %v", err)
	}
	if fn.LocalScratchSlug != info.Slug {
		t.Errorf("slug not recorded: %q != %q", fn.LocalScratchSlug, info.Slug)
	}
}

func TestGetScratchDecompilerUnavailable(t *testing.T) {
	svc := newFakeScratch()
	svc.noDecomp = true
	d, _, _ := newDriver(t, svc, &buildRunner{})

	info, err := d.GetScratch(context.Background(), "ftCo_800D5FB0", ExtractOptions{Create: true})
	if err != nil {
		t.Fatalf("decompiler absence must not fail creation: %v", err)
	}
	if info.Source != "" {
		t.Errorf("expected empty source, got %q", info.Source)
	}
}

func TestGetScratchAdoptsBestFamilyMember(t *testing.T) {
	svc := newFakeScratch()
	// Root scratch at 50%, a fork at 80%. Neither claimable, so adoption forks.
	svc.add("root1", "ftCo_800D5FB0", 500, 1000, false)
	svc.add("kid1", "ftCo_800D5FB0", 200, 1000, false)
	svc.scratches["kid1"].ParentSlug = "root1"
	d, _, _ := newDriver(t, svc, &buildRunner{})

	info, err := d.GetScratch(context.Background(), "ftCo_800D5FB0", ExtractOptions{})
	if err != nil {
		t.Fatalf("get scratch failed: %v", err)
	}
	if !info.Forked {
		t.Error("unclaimable scratch should have been forked")
	}
	forked := svc.scratches[info.Slug]
	if forked.ParentSlug != "kid1" {
		t.Errorf("adopted wrong scratch: forked from %s, want kid1", forked.ParentSlug)
	}
}

func TestGetScratchNoCreateNoResult(t *testing.T) {
	d, _, _ := newDriver(t, newFakeScratch(), &buildRunner{})
	_, err := d.GetScratch(context.Background(), "ftCo_800D5FB0", ExtractOptions{})
	if !errors.Is(err, ErrNoScratch) {
		t.Fatalf("expected ErrNoScratch, got %v", err)
	}
}

func TestCompileRollsStateForward(t *testing.T) {
	svc := newFakeScratch()
	svc.add("s1", "ftCo_800D5FB0", 50, 1000, true)
	d, store, _ := newDriver(t, svc, &buildRunner{})
	ctx := context.Background()

	if err := store.UpsertScratch(ctx, &types.Scratch{
		Slug: "s1", FunctionName: "ftCo_800D5FB0",
	}, "claude100"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpsertFunction(ctx, "ftCo_800D5FB0", map[string]interface{}{
		"local_scratch_slug": "s1",
	}, "claude100"); err != nil {
		t.Fatal(err)
	}

	res, err := d.Compile(ctx, "ftCo_800D5FB0", "s1", "void ftCo_800D5FB0(Fighter* fp) { fp->x = 1; }")
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	if res.MatchPercent != 95.0 {
		t.Errorf("expected 95%%, got %v", res.MatchPercent)
	}
	if !res.NewObservation {
		t.Error("first score should be a new observation")
	}

	fn, err := store.GetFunction(ctx, "ftCo_800D5FB0")
	if err != nil {
		t.Fatal(err)
	}
	if fn.MatchPercent != 95.0 || fn.Status != types.StatusMatched {
		t.Errorf("function not rolled forward: %.1f%% %s", fn.MatchPercent, fn.Status)
	}
}

func TestCompileRegressionKeepsBest(t *testing.T) {
	svc := newFakeScratch()
	svc.add("s1", "fn_a", 500, 1000, true)
	d, store, _ := newDriver(t, svc, &buildRunner{})
	ctx := context.Background()

	if err := store.UpsertScratch(ctx, &types.Scratch{Slug: "s1", FunctionName: "fn_a"}, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpsertFunction(ctx, "fn_a", map[string]interface{}{
		"match_percent": 90.0, "status": string(types.StatusInProgress),
	}, "a"); err != nil {
		t.Fatal(err)
	}

	// Compile yields 50%, worse than the recorded 90%.
	if _, err := d.Compile(ctx, "fn_a", "s1", ""); err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	fn, _ := store.GetFunction(ctx, "fn_a")
	if fn.MatchPercent != 90.0 {
		t.Errorf("regression clobbered best percent: %v", fn.MatchPercent)
	}
}

func setupFinishable(t *testing.T, d *Driver, store storage.Storage, svc *fakeScratch, pct float64) {
	t.Helper()
	ctx := context.Background()
	svc.add("s1", "ftCo_800D5FB0", 0, 1000, true)
	svc.scratches["s1"].SourceCode = "void ftCo_800D5FB0(Fighter* fp)\n{\n    fp->x = 1;\n}"

	if err := store.AddClaim(ctx, "ftCo_800D5FB0", d.AgentID, time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertScratch(ctx, &types.Scratch{Slug: "s1", FunctionName: "ftCo_800D5FB0"}, d.AgentID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpsertFunction(ctx, "ftCo_800D5FB0", map[string]interface{}{
		"local_scratch_slug": "s1",
		"match_percent":      pct,
		"status":             string(types.StatusMatched),
		"source_file":        "melee/ft/ftCo.c",
	}, d.AgentID); err != nil {
		t.Fatal(err)
	}
}

func TestFinishHappyPath(t *testing.T) {
	svc := newFakeScratch()
	runner := &buildRunner{}
	d, store, _ := newDriver(t, svc, runner)
	setupFinishable(t, d, store, svc, 100)
	ctx := context.Background()

	if err := store.LockSubdirectory(ctx, "melee/ft", d.Worktree, d.Branch, d.AgentID, time.Hour); err != nil {
		t.Fatal(err)
	}

	res, err := d.Finish(ctx, "ftCo_800D5FB0", FinishOptions{Release: true})
	if err != nil {
		t.Fatalf("finish failed: %v", err)
	}
	if res.CommitHash != "feed5eed" {
		t.Errorf("unexpected hash %q", res.CommitHash)
	}

	fn, _ := store.GetFunction(ctx, "ftCo_800D5FB0")
	if !fn.IsCommitted || fn.Status != types.StatusCommitted {
		t.Errorf("function not committed: %+v", fn)
	}
	if fn.CommitHash != "feed5eed" || fn.Branch != d.Branch {
		t.Errorf("commit metadata missing: %+v", fn)
	}

	// Claim released, pending commits bumped, progress recorded.
	if _, err := store.GetClaim(ctx, "ftCo_800D5FB0"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("claim not released")
	}
	lock, err := store.GetSubdirectoryLock(ctx, "melee/ft")
	if err != nil {
		t.Fatal(err)
	}
	if lock.PendingCommits != 1 {
		t.Errorf("pending commits not bumped: %d", lock.PendingCommits)
	}
	bp, err := store.GetBestBranchProgress(ctx, "ftCo_800D5FB0")
	if err != nil || !bp.IsCommitted {
		t.Errorf("branch progress missing: %+v %v", bp, err)
	}
}

func TestFinishRequiresClaim(t *testing.T) {
	svc := newFakeScratch()
	d, store, _ := newDriver(t, svc, &buildRunner{})
	ctx := context.Background()

	if _, err := store.UpsertFunction(ctx, "fn_a", map[string]interface{}{
		"match_percent": 100.0,
	}, "claude100"); err != nil {
		t.Fatal(err)
	}

	_, err := d.Finish(ctx, "fn_a", FinishOptions{})
	if !errors.Is(err, ErrNotClaimed) {
		t.Fatalf("expected ErrNotClaimed, got %v", err)
	}

	// A claim held by someone else is a different refusal.
	if err := store.AddClaim(ctx, "fn_a", "claude999", time.Hour); err != nil {
		t.Fatal(err)
	}
	_, err = d.Finish(ctx, "fn_a", FinishOptions{})
	var held *storage.ClaimHeldError
	if !errors.As(err, &held) || held.HeldBy != "claude999" {
		t.Fatalf("expected ClaimHeldError for claude999, got %v", err)
	}
}

func TestFinishBelowThreshold(t *testing.T) {
	svc := newFakeScratch()
	d, store, _ := newDriver(t, svc, &buildRunner{})
	setupFinishable(t, d, store, svc, 80)

	_, err := d.Finish(context.Background(), "ftCo_800D5FB0", FinishOptions{})
	if !errors.Is(err, ErrBelowThreshold) {
		t.Fatalf("expected ErrBelowThreshold, got %v", err)
	}
}

func TestFinishBrokenBacklogBlocks(t *testing.T) {
	svc := newFakeScratch()
	d, store, _ := newDriver(t, svc, &buildRunner{})
	setupFinishable(t, d, store, svc, 100)
	ctx := context.Background()

	for i := 0; i < d.BrokenLimit; i++ {
		if _, err := store.UpsertFunction(ctx, fmt.Sprintf("broken_%d", i), map[string]interface{}{
			"is_committed": true, "build_status": string(types.BuildBroken),
			"worktree_path": d.Worktree,
		}, d.AgentID); err != nil {
			t.Fatal(err)
		}
	}

	_, err := d.Finish(ctx, "ftCo_800D5FB0", FinishOptions{})
	if !errors.Is(err, ErrTooManyBroken) {
		t.Fatalf("expected ErrTooManyBroken, got %v", err)
	}
}

func TestFinishVerifyFailureReverts(t *testing.T) {
	svc := newFakeScratch()
	runner := &buildRunner{ninjaFails: true}
	d, store, _ := newDriver(t, svc, runner)
	setupFinishable(t, d, store, svc, 100)
	ctx := context.Background()

	_, err := d.Finish(ctx, "ftCo_800D5FB0", FinishOptions{})
	if !errors.Is(err, commitapply.ErrVerifyFailed) {
		t.Fatalf("expected ErrVerifyFailed, got %v", err)
	}

	fn, _ := store.GetFunction(ctx, "ftCo_800D5FB0")
	if fn.IsCommitted {
		t.Error("failed verify still marked committed")
	}
}

func TestFinishForceRecordsDiagnosis(t *testing.T) {
	svc := newFakeScratch()
	runner := &buildRunner{ninjaFails: true}
	d, store, _ := newDriver(t, svc, runner)
	setupFinishable(t, d, store, svc, 100)
	ctx := context.Background()

	// Force without a diagnosis is refused.
	if _, err := d.Finish(ctx, "ftCo_800D5FB0", FinishOptions{Force: true}); !errors.Is(err, ErrDiagnosisNeeded) {
		t.Fatalf("expected ErrDiagnosisNeeded, got %v", err)
	}

	res, err := d.Finish(ctx, "ftCo_800D5FB0", FinishOptions{
		Force: true, Diagnosis: "regalloc differs in epilogue; needs inline hint",
	})
	if err != nil {
		t.Fatalf("forced finish failed: %v", err)
	}
	if res.Verified {
		t.Error("broken build marked verified")
	}

	fn, _ := store.GetFunction(ctx, "ftCo_800D5FB0")
	if fn.Status != types.StatusCommittedNeedsFix {
		t.Errorf("expected committed_needs_fix, got %s", fn.Status)
	}
	if fn.BuildStatus != types.BuildBroken {
		t.Errorf("expected broken build status, got %s", fn.BuildStatus)
	}
	if !strings.Contains(fn.BuildDiagnosis, "regalloc") {
		t.Errorf("diagnosis not recorded: %q", fn.BuildDiagnosis)
	}
}

func TestFinishDryRun(t *testing.T) {
	svc := newFakeScratch()
	runner := &buildRunner{}
	d, store, root := newDriver(t, svc, runner)
	setupFinishable(t, d, store, svc, 100)
	ctx := context.Background()

	if _, err := d.Finish(ctx, "ftCo_800D5FB0", FinishOptions{DryRun: true}); err != nil {
		t.Fatalf("dry run failed: %v", err)
	}

	data, _ := os.ReadFile(filepath.Join(root, "src/melee/ft/ftCo.c"))
	if !strings.Contains(string(data), "/// #ftCo_800D5FB0") {
		t.Error("dry run modified the source tree")
	}
	fn, _ := store.GetFunction(ctx, "ftCo_800D5FB0")
	if fn.IsCommitted {
		t.Error("dry run committed state")
	}
}
