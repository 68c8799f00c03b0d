package commitapply

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/gitutil"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/proc"
)

const fileWithStubs = `#include "ftCo.h"

void ftCo_800D5230(Fighter* fp)
{
    fp->kb = 0;
}

/// #ftCo_800D5FB0

/// #ftCo_800D6230
`

func TestListStubs(t *testing.T) {
	stubs := ListStubs(fileWithStubs)
	want := []string{"ftCo_800D5FB0", "ftCo_800D6230"}
	if len(stubs) != 2 || stubs[0] != want[0] || stubs[1] != want[1] {
		t.Errorf("expected %v, got %v", want, stubs)
	}
	if !HasStub(fileWithStubs, "ftCo_800D5FB0") {
		t.Error("HasStub missed an existing stub")
	}
	if HasStub(fileWithStubs, "ftCo_800D5230") {
		t.Error("HasStub reported a defined function as stubbed")
	}
}

func TestReplaceStub(t *testing.T) {
	def := "void ftCo_800D5FB0(Fighter* fp)\n{\n    fp->x = 1;\n}"
	out, ok := ReplaceStub(fileWithStubs, "ftCo_800D5FB0", def)
	if !ok {
		t.Fatal("stub not found")
	}
	if strings.Contains(out, "/// #ftCo_800D5FB0") {
		t.Error("marker survived replacement")
	}
	if !strings.Contains(out, "fp->x = 1;") {
		t.Error("definition not inserted")
	}
	// The other stub is untouched.
	if !strings.Contains(out, "/// #ftCo_800D6230") {
		t.Error("unrelated stub disturbed")
	}
}

func TestReplaceDefinition(t *testing.T) {
	def := "void ftCo_800D5230(Fighter* fp)\n{\n    fp->kb = 1.5f;\n}"
	out, ok := ReplaceDefinition(fileWithStubs, "ftCo_800D5230", def)
	if !ok {
		t.Fatal("definition not found")
	}
	if strings.Contains(out, "fp->kb = 0;") {
		t.Error("old body survived")
	}
	if !strings.Contains(out, "fp->kb = 1.5f;") {
		t.Error("new body missing")
	}
}

func TestInsertDefinitionAddressOrder(t *testing.T) {
	src := `void fn_a(void)
{
}

/// #fn_c
`
	order := []string{"fn_a", "fn_b", "fn_c"}
	out := InsertDefinition(src, "fn_b", "void fn_b(void)\n{\n}", order)

	aIdx := strings.Index(out, "fn_a")
	bIdx := strings.Index(out, "void fn_b")
	cIdx := strings.Index(out, "/// #fn_c")
	if !(aIdx < bIdx && bIdx < cIdx) {
		t.Errorf("address order violated:\n%s", out)
	}
}

func TestPlacePrefersStub(t *testing.T) {
	def := "void ftCo_800D6230(Fighter* fp)\n{\n}"
	out := Place(fileWithStubs, "ftCo_800D6230", def, nil)
	if strings.Contains(out, "/// #ftCo_800D6230") {
		t.Error("stub marker survived Place")
	}
	if strings.Count(out, "ftCo_800D6230") != 1 {
		t.Errorf("expected exactly one occurrence after placement:\n%s", out)
	}
}

// scriptRunner fakes ninja/git. Git subcommands succeed and record calls;
// ninja consults the fail flag.
type scriptRunner struct {
	ninjaFails bool
	calls      []string
}

func (r *scriptRunner) Run(ctx context.Context, dir, name string, args ...string) (*proc.Result, error) {
	call := name + " " + strings.Join(args, " ")
	r.calls = append(r.calls, call)
	if name == "ninja" && r.ninjaFails {
		return &proc.Result{Stderr: "ftCo_AttackS4.c:42: undefined reference"},
			&proc.ExitError{Cmd: "ninja", Code: 1, Stderr: "undefined reference"}
	}
	if name == "git" && len(args) > 0 && args[0] == "rev-parse" {
		return &proc.Result{Stdout: "abc1234def\n"}, nil
	}
	return &proc.Result{}, nil
}

func (r *scriptRunner) sawPrefix(prefix string) bool {
	for _, c := range r.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func setupWorktree(t *testing.T) (root string) {
	t.Helper()
	root = t.TempDir()
	mustWrite(t, root, "src/melee/ft/ftCo.c", fileWithStubs)
	mustWrite(t, root, "configure.py",
		`Object(NonMatching, "melee/ft/ftCo.c"),`+"\n")
	mustWrite(t, root, "build/report.json",
		`{"units":[{"name":"melee/ft/ftCo.c","functions":[{"name":"ftCo_800D5FB0","fuzzy_match_percent":97}]}]}`)
	return root
}

func mustWrite(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newApplier(root string, runner *scriptRunner) *Applier {
	git := gitutil.New(runner, root)
	return New(git, runner, root, "src", "configure.py", "build/report.json", "build/obj")
}

func TestApplyCommits(t *testing.T) {
	root := setupWorktree(t)
	runner := &scriptRunner{}
	a := newApplier(root, runner)

	res, err := a.Apply(context.Background(), &Request{
		FunctionName: "ftCo_800D5FB0",
		SourceFile:   "melee/ft/ftCo.c",
		Definition:   "void ftCo_800D5FB0(Fighter* fp)\n{\n    fp->x = 1;\n}",
		MatchPercent: 97,
		ScratchURL:   "http://127.0.0.1:8000/scratch/AbC123",
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if res.CommitHash != "abc1234def" {
		t.Errorf("unexpected commit hash %q", res.CommitHash)
	}
	if !res.Verified {
		t.Error("successful ninja run not marked verified")
	}
	// File was not fully matched (97%), so configure.py stays NonMatching.
	if res.FlippedMatching {
		t.Error("flipped Matching despite unmatched functions in file")
	}

	data, _ := os.ReadFile(filepath.Join(root, "src/melee/ft/ftCo.c"))
	if !strings.Contains(string(data), "fp->x = 1;") {
		t.Error("definition not written to disk")
	}

	// Verification is scoped to the touched unit's object, not a full build.
	if !runner.sawPrefix("ninja build/obj/melee/ft/ftCo.o") {
		t.Errorf("verify did not target the unit object; calls: %v", runner.calls)
	}
	if !runner.sawPrefix("git commit -m Match ftCo_800D5FB0 (97%)") {
		t.Errorf("unexpected commit message; calls: %v", runner.calls)
	}
}

func TestApplyFlipsMatchingWhenFileComplete(t *testing.T) {
	root := setupWorktree(t)
	mustWrite(t, root, "build/report.json",
		`{"units":[{"name":"melee/ft/ftCo.c","functions":[{"name":"ftCo_800D5FB0","fuzzy_match_percent":100}]}]}`)
	runner := &scriptRunner{}
	a := newApplier(root, runner)

	res, err := a.Apply(context.Background(), &Request{
		FunctionName: "ftCo_800D5FB0",
		SourceFile:   "melee/ft/ftCo.c",
		Definition:   "void ftCo_800D5FB0(Fighter* fp)\n{\n}",
		MatchPercent: 100,
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !res.FlippedMatching {
		t.Error("expected configure.py flip for fully matched file")
	}
	data, _ := os.ReadFile(filepath.Join(root, "configure.py"))
	if !strings.Contains(string(data), `Object(Matching, "melee/ft/ftCo.c")`) {
		t.Errorf("configure.py not flipped: %s", data)
	}
}

func TestApplyRevertsOnVerifyFailure(t *testing.T) {
	root := setupWorktree(t)
	runner := &scriptRunner{ninjaFails: true}
	a := newApplier(root, runner)

	_, err := a.Apply(context.Background(), &Request{
		FunctionName: "ftCo_800D5FB0",
		SourceFile:   "melee/ft/ftCo.c",
		Definition:   "void ftCo_800D5FB0(Fighter* fp)\n{\n    bad;\n}",
		MatchPercent: 97,
	})
	if !errors.Is(err, ErrVerifyFailed) {
		t.Fatalf("expected ErrVerifyFailed, got %v", err)
	}
	if !runner.sawPrefix("git checkout HEAD --") {
		t.Errorf("failed verify did not revert; calls: %v", runner.calls)
	}
	if runner.sawPrefix("git commit") {
		t.Error("failed verify still committed")
	}
}

func TestApplyForceCommitsDespiteFailure(t *testing.T) {
	root := setupWorktree(t)
	runner := &scriptRunner{ninjaFails: true}
	a := newApplier(root, runner)

	res, err := a.Apply(context.Background(), &Request{
		FunctionName: "ftCo_800D5FB0",
		SourceFile:   "melee/ft/ftCo.c",
		Definition:   "void ftCo_800D5FB0(Fighter* fp)\n{\n}",
		MatchPercent: 96,
		Force:        true,
	})
	if err != nil {
		t.Fatalf("forced apply failed: %v", err)
	}
	if res.Verified {
		t.Error("failed build marked verified")
	}
	if res.CommitHash == "" {
		t.Error("forced apply did not commit")
	}
	if runner.sawPrefix("git checkout HEAD --") {
		t.Error("forced apply reverted the working tree")
	}
}

func TestApplyDryRunTouchesNothing(t *testing.T) {
	root := setupWorktree(t)
	runner := &scriptRunner{}
	a := newApplier(root, runner)

	before, _ := os.ReadFile(filepath.Join(root, "src/melee/ft/ftCo.c"))
	_, err := a.Apply(context.Background(), &Request{
		FunctionName: "ftCo_800D5FB0",
		SourceFile:   "melee/ft/ftCo.c",
		Definition:   "void ftCo_800D5FB0(Fighter* fp)\n{\n}",
		DryRun:       true,
	})
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	after, _ := os.ReadFile(filepath.Join(root, "src/melee/ft/ftCo.c"))
	if string(before) != string(after) {
		t.Error("dry run modified the source file")
	}
	if len(runner.calls) != 0 {
		t.Errorf("dry run invoked tools: %v", runner.calls)
	}
}
