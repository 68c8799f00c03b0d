package commitapply

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/debug"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/gitutil"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/proc"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/project"
)

// ErrVerifyFailed reports a ninja run that broke after applying the new
// definition. The working tree has been reverted unless force was set.
var ErrVerifyFailed = errors.New("build verification failed")

// Applier lands matched source in a worktree.
type Applier struct {
	git         *gitutil.Git
	runner      proc.Runner
	root        string
	srcPrefix   string
	buildConfig string
	reportPath  string
	objDir      string
}

// New returns an Applier for the given worktree root. srcPrefix is the
// directory holding translation units (usually "src"); buildConfig,
// reportPath, and objDir (the build tree's object directory) are relative
// to root.
func New(git *gitutil.Git, runner proc.Runner, root, srcPrefix, buildConfig, reportPath, objDir string) *Applier {
	return &Applier{
		git:         git,
		runner:      runner,
		root:        root,
		srcPrefix:   srcPrefix,
		buildConfig: buildConfig,
		reportPath:  reportPath,
		objDir:      objDir,
	}
}

// Request describes one function to land.
type Request struct {
	FunctionName string
	SourceFile   string // unit path from splits, e.g. melee/ft/chara/ftCommon/ftCo_AttackS4.c
	Definition   string // the matched C source for the function
	MatchPercent float64
	ScratchURL   string
	AddressOrder []string // file's functions in binary-address order
	DryRun       bool
	Force        bool // commit even if verification fails
}

// Result reports what Apply did.
type Result struct {
	CommitHash      string
	FilePath        string // path relative to the worktree root
	FlippedMatching bool
	Verified        bool
	VerifyOutput    string
}

// Apply writes the definition into its source file, flips the file to
// Matching when the report shows it fully matched, verifies with ninja,
// and commits. On verification failure the file edits are reverted and
// ErrVerifyFailed returned, unless Force is set.
func (a *Applier) Apply(ctx context.Context, req *Request) (*Result, error) {
	if req.FunctionName == "" || req.SourceFile == "" || req.Definition == "" {
		return nil, fmt.Errorf("function name, source file, and definition are required")
	}

	relPath := filepath.Join(a.srcPrefix, req.SourceFile)
	absPath := filepath.Join(a.root, relPath)
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", relPath, err)
	}
	original := string(data)

	updated := Place(original, req.FunctionName, req.Definition, req.AddressOrder)
	if updated == original {
		return nil, fmt.Errorf("applying %s produced no change in %s", req.FunctionName, relPath)
	}

	res := &Result{FilePath: relPath}

	if req.DryRun {
		debug.Logf("dry run: would write %d bytes to %s", len(updated), relPath)
		return res, nil
	}

	if err := os.WriteFile(absPath, []byte(updated), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", relPath, err)
	}
	touched := []string{relPath}

	// Flip the unit to Matching only when the report says every function in
	// it is at 100%; a premature flip breaks the verified build for everyone.
	if a.fileFullyMatched(req.SourceFile) {
		flipped, err := project.MarkMatching(filepath.Join(a.root, a.buildConfig), req.SourceFile)
		if err != nil {
			debug.Logf("could not update build config: %v", err)
		} else if flipped {
			res.FlippedMatching = true
			touched = append(touched, a.buildConfig)
		}
	}

	verifyOut, verifyErr := a.verify(ctx, req.SourceFile)
	res.VerifyOutput = verifyOut
	if verifyErr != nil {
		if !req.Force {
			if revertErr := a.git.CheckoutFiles(ctx, touched...); revertErr != nil {
				return res, fmt.Errorf("%w (revert also failed: %v): %v", ErrVerifyFailed, revertErr, verifyErr)
			}
			return res, fmt.Errorf("%w: %v", ErrVerifyFailed, verifyErr)
		}
		debug.Logf("verification failed but force set, committing anyway: %v", verifyErr)
	} else {
		res.Verified = true
	}

	message := commitMessage(req.FunctionName, req.MatchPercent, req.ScratchURL)
	hash, err := a.git.Commit(ctx, message, touched...)
	if err != nil {
		return res, fmt.Errorf("failed to commit %s: %w", req.FunctionName, err)
	}
	res.CommitHash = hash
	return res, nil
}

// verify rebuilds only the touched unit's object so a broken edit surfaces
// in seconds instead of a full-tree build.
func (a *Applier) verify(ctx context.Context, sourceFile string) (string, error) {
	args := []string{}
	if a.objDir != "" {
		obj := strings.TrimSuffix(sourceFile, filepath.Ext(sourceFile)) + ".o"
		args = append(args, filepath.Join(a.objDir, obj))
	}
	res, err := a.runner.Run(ctx, a.root, "ninja", args...)
	out := ""
	if res != nil {
		out = res.Stdout + res.Stderr
	}
	return out, err
}

func (a *Applier) fileFullyMatched(sourceFile string) bool {
	report, err := project.LoadReport(filepath.Join(a.root, a.reportPath))
	if err != nil {
		debug.Logf("no usable match report: %v", err)
		return false
	}
	unit, ok := report.Unit(sourceFile)
	return ok && unit.FullyMatched()
}

func commitMessage(name string, pct float64, scratchURL string) string {
	msg := fmt.Sprintf("Match %s (%.0f%%)", name, pct)
	if scratchURL != "" {
		msg += "\n\nScratch: " + scratchURL
	}
	return msg
}
