// Package workflow drives the extract, scratch, and finish phases of
// matching one function, tying the scratch service, the state store, and
// the commit applier together.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/commitapply"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/debug"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/scratchapi"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/storage"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/types"
)

// Precondition failures for finish. The CLI reports these as user errors:
// the command was understood but the state refuses it.
var (
	ErrNotClaimed      = errors.New("function is not claimed by this agent")
	ErrBelowThreshold  = errors.New("match percent below commit threshold")
	ErrTooManyBroken   = errors.New("too many broken builds pending in this worktree")
	ErrNoScratch       = errors.New("function has no scratch to finish from")
	ErrDiagnosisNeeded = errors.New("forcing a broken build requires a diagnosis")
)

// ScratchClient is the slice of the scratch service the driver uses.
// *scratchapi.Client satisfies it; tests substitute a fake.
type ScratchClient interface {
	Create(ctx context.Context, req *scratchapi.CreateRequest) (*scratchapi.Scratch, error)
	Get(ctx context.Context, slug string) (*scratchapi.Scratch, error)
	UpdateSource(ctx context.Context, slug, source, ctxSource string) error
	Compile(ctx context.Context, slug string) (*scratchapi.CompileResult, error)
	Decompile(ctx context.Context, slug string) (string, error)
	Fork(ctx context.Context, slug string) (*scratchapi.Scratch, error)
	Family(ctx context.Context, slug string) ([]*scratchapi.Scratch, error)
	Search(ctx context.Context, query string, limit int) ([]*scratchapi.Scratch, error)
	Claim(ctx context.Context, slug string) error
	ScratchURL(slug string) string
}

// Driver coordinates one agent's work on one worktree.
type Driver struct {
	Store   storage.Storage
	Client  ScratchClient
	Applier *commitapply.Applier

	AgentID  string
	Worktree string
	Branch   string

	Threshold   float64 // match percent required to finish
	BrokenLimit int     // max committed-broken functions before finish refuses
}

// ScratchInfo is what extract hands back to the agent.
type ScratchInfo struct {
	Slug       string
	URL        string
	Source     string
	Forked     bool
	Created    bool
	FromFamily bool
}

// ExtractOptions controls GetScratch.
type ExtractOptions struct {
	TargetAsm string // target assembly for a new scratch
	Context   string // stripped C context
	Create    bool   // create a scratch if none exists
}

// GetScratch finds or creates the working scratch for a function.
//
// Lookup order: the slug recorded in the store, then the best-scoring
// member of its family, then a name search on the service. A found scratch
// owned by someone else is forked so edits do not clobber their work. With
// Create set and nothing found, a fresh scratch is created; the initial
// source comes from the service decompiler when available and is empty
// otherwise.
func (d *Driver) GetScratch(ctx context.Context, name string, opts ExtractOptions) (*ScratchInfo, error) {
	fn, err := d.Store.GetFunction(ctx, name)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if fn != nil && fn.LocalScratchSlug != "" {
		if info, err := d.adoptScratch(ctx, name, fn.LocalScratchSlug, opts.Context); err == nil {
			return info, nil
		} else {
			debug.Logf("recorded scratch %s unusable: %v", fn.LocalScratchSlug, err)
		}
	}

	if slug := d.bestFromSearch(ctx, name); slug != "" {
		info, err := d.adoptScratch(ctx, name, slug, opts.Context)
		if err == nil {
			info.FromFamily = true
			return info, nil
		}
		debug.Logf("search result %s unusable: %v", slug, err)
	}

	if !opts.Create {
		return nil, fmt.Errorf("%w: %s (pass create to make one)", ErrNoScratch, name)
	}
	return d.createScratch(ctx, name, opts)
}

// adoptScratch makes an existing scratch editable by this session, forking
// if the claim fails, and refreshes its context.
func (d *Driver) adoptScratch(ctx context.Context, name, slug, ctxSource string) (*ScratchInfo, error) {
	sc, err := d.Client.Get(ctx, slug)
	if err != nil {
		return nil, err
	}

	forked := false
	if err := d.Client.Claim(ctx, sc.Slug); err != nil {
		debug.Logf("cannot claim %s, forking: %v", sc.Slug, err)
		forkedSc, ferr := d.Client.Fork(ctx, sc.Slug)
		if ferr != nil {
			return nil, fmt.Errorf("failed to fork unclaimable scratch %s: %w", sc.Slug, ferr)
		}
		sc = forkedSc
		forked = true
	}

	if ctxSource != "" {
		if err := d.Client.UpdateSource(ctx, sc.Slug, sc.SourceCode, ctxSource); err != nil {
			return nil, fmt.Errorf("failed to refresh context on %s: %w", sc.Slug, err)
		}
	}

	if err := d.registerScratch(ctx, name, sc.Slug); err != nil {
		return nil, err
	}
	return &ScratchInfo{
		Slug:   sc.Slug,
		URL:    d.Client.ScratchURL(sc.Slug),
		Source: sc.SourceCode,
		Forked: forked,
	}, nil
}

// bestFromSearch returns the highest-scoring scratch for the function name
// across the search results and their families.
func (d *Driver) bestFromSearch(ctx context.Context, name string) string {
	results, err := d.Client.Search(ctx, name, 10)
	if err != nil || len(results) == 0 {
		return ""
	}

	best := ""
	bestPct := -1.0
	for _, r := range results {
		if r.Name != name {
			continue
		}
		candidates := []*scratchapi.Scratch{r}
		if family, err := d.Client.Family(ctx, r.Slug); err == nil {
			candidates = append(candidates, family...)
		}
		for _, c := range candidates {
			pct := types.MatchPercent(c.Score, c.MaxScore)
			if pct > bestPct {
				bestPct = pct
				best = c.Slug
			}
		}
	}
	return best
}

func (d *Driver) createScratch(ctx context.Context, name string, opts ExtractOptions) (*ScratchInfo, error) {
	sc, err := d.Client.Create(ctx, &scratchapi.CreateRequest{
		Name:      name,
		DiffLabel: name,
		TargetAsm: opts.TargetAsm,
		Context:   opts.Context,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch for %s: %w", name, err)
	}

	source := ""
	decomp, err := d.Client.Decompile(ctx, sc.Slug)
	switch {
	case err == nil:
		source = decomp
		if source != "" {
			if err := d.Client.UpdateSource(ctx, sc.Slug, source, ""); err != nil {
				debug.Logf("could not seed decompiled source: %v", err)
			}
		}
	case errors.Is(err, scratchapi.ErrDecompileUnavailable):
		// Start from an empty function; the agent writes the first draft.
		debug.Logf("decompiler unavailable for %s, starting empty", name)
	default:
		return nil, err
	}

	if err := d.registerScratch(ctx, name, sc.Slug); err != nil {
		return nil, err
	}
	return &ScratchInfo{
		Slug:    sc.Slug,
		URL:     d.Client.ScratchURL(sc.Slug),
		Source:  source,
		Created: true,
	}, nil
}

func (d *Driver) registerScratch(ctx context.Context, name, slug string) error {
	if err := d.Store.UpsertScratch(ctx, &types.Scratch{
		Slug:         slug,
		Instance:     types.InstanceLocal,
		FunctionName: name,
	}, d.AgentID); err != nil {
		return err
	}
	_, err := d.Store.UpsertFunction(ctx, name, map[string]interface{}{
		"local_scratch_slug": slug,
	}, d.AgentID)
	return err
}

// CompileResult is the outcome of Compile plus its bookkeeping.
type CompileResult struct {
	Score          int
	MaxScore       int
	MatchPercent   float64
	CompilerOutput string
	NewObservation bool
}

// Compile pushes source (when given), compiles the scratch, records the
// score, and rolls the function's match percent and status forward.
func (d *Driver) Compile(ctx context.Context, name, slug, source string) (*CompileResult, error) {
	if source != "" {
		if err := d.Client.UpdateSource(ctx, slug, source, ""); err != nil {
			return nil, err
		}
	}

	res, err := d.Client.Compile(ctx, slug)
	if err != nil {
		return nil, err
	}
	score, maxScore := res.Score()

	inserted, err := d.Store.RecordMatchScore(ctx, slug, score, maxScore, d.AgentID)
	if err != nil {
		return nil, err
	}

	pct := types.MatchPercent(score, maxScore)
	out := &CompileResult{
		Score:          score,
		MaxScore:       maxScore,
		MatchPercent:   pct,
		CompilerOutput: res.CompilerOutput,
		NewObservation: inserted,
	}

	fn, err := d.Store.GetFunction(ctx, name)
	if err != nil {
		return nil, err
	}
	// Only improvements move the function row; a bad experiment must not
	// erase recorded progress.
	if pct > fn.MatchPercent {
		status := types.StatusInProgress
		if pct >= d.Threshold {
			status = types.StatusMatched
		}
		if _, err := d.Store.UpsertFunction(ctx, name, map[string]interface{}{
			"match_percent": pct,
			"status":        string(status),
		}, d.AgentID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// FinishOptions controls Finish.
type FinishOptions struct {
	DryRun       bool
	Release      bool   // release the claim after a successful commit
	Force        bool   // land despite a failing verification
	Diagnosis    string // required with Force; recorded on the function row
	SourceFile   string // unit path; resolved from the store when empty
	AddressOrder []string
}

// Finish lands a matched function: precondition checks, apply, commit, and
// state rollforward.
//
// Preconditions, in order: the caller holds the claim, the match percent
// meets the threshold, and the worktree's broken-build backlog is under the
// limit. Force with a diagnosis bypasses verification failure only; it
// never bypasses ownership.
func (d *Driver) Finish(ctx context.Context, name string, opts FinishOptions) (*commitapply.Result, error) {
	if opts.Force && strings.TrimSpace(opts.Diagnosis) == "" {
		return nil, ErrDiagnosisNeeded
	}

	claim, err := d.Store.GetClaim(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotClaimed, name)
	}
	if err != nil {
		return nil, err
	}
	if claim.AgentID != d.AgentID {
		return nil, &storage.ClaimHeldError{
			Entity: "function", ID: name, HeldBy: claim.AgentID, ExpiresAt: claim.ExpiresAt,
		}
	}

	fn, err := d.Store.GetFunction(ctx, name)
	if err != nil {
		return nil, err
	}
	if fn.MatchPercent < d.Threshold {
		return nil, fmt.Errorf("%w: %s at %.1f%% (need %.1f%%)",
			ErrBelowThreshold, name, fn.MatchPercent, d.Threshold)
	}

	broken, err := d.Store.CountBrokenBuilds(ctx, d.Worktree)
	if err != nil {
		return nil, err
	}
	if broken >= d.BrokenLimit {
		return nil, fmt.Errorf("%w: %d broken (limit %d); fix those first",
			ErrTooManyBroken, broken, d.BrokenLimit)
	}

	slug := fn.LocalScratchSlug
	if slug == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoScratch, name)
	}
	sc, err := d.Client.Get(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch scratch source: %w", err)
	}

	sourceFile := opts.SourceFile
	if sourceFile == "" {
		sourceFile = fn.SourceFile
	}
	if sourceFile == "" {
		return nil, fmt.Errorf("no source file recorded for %s", name)
	}

	req := &commitapply.Request{
		FunctionName: name,
		SourceFile:   sourceFile,
		Definition:   sc.SourceCode,
		MatchPercent: fn.MatchPercent,
		ScratchURL:   d.Client.ScratchURL(slug),
		AddressOrder: opts.AddressOrder,
		DryRun:       opts.DryRun,
		Force:        opts.Force,
	}
	result, err := d.Applier.Apply(ctx, req)
	if err != nil {
		return result, err
	}
	if opts.DryRun {
		return result, nil
	}

	updates := map[string]interface{}{
		"is_committed":  true,
		"commit_hash":   result.CommitHash,
		"branch":        d.Branch,
		"worktree_path": d.Worktree,
		"source_file":   sourceFile,
		"build_status":  string(types.BuildPassing),
		"status":        string(types.StatusCommitted),
	}
	if !result.Verified {
		updates["build_status"] = string(types.BuildBroken)
		updates["build_diagnosis"] = opts.Diagnosis
		updates["status"] = string(types.StatusCommittedNeedsFix)
	}
	if _, err := d.Store.UpsertFunction(ctx, name, updates, d.AgentID); err != nil {
		return result, err
	}

	if err := d.Store.UpsertBranchProgress(ctx, &types.BranchProgress{
		FunctionName: name,
		Branch:       d.Branch,
		MatchPercent: fn.MatchPercent,
		ScratchSlug:  slug,
		IsCommitted:  true,
		CommitHash:   result.CommitHash,
		AgentID:      d.AgentID,
	}, d.AgentID); err != nil {
		return result, err
	}

	d.bumpPendingCommits(ctx, sourceFile)

	if opts.Release {
		if _, err := d.Store.ReleaseClaim(ctx, name, d.AgentID); err != nil {
			debug.Logf("could not release claim on %s: %v", name, err)
		}
	}
	return result, nil
}

// bumpPendingCommits increments the backlog counter on the agent's lock
// covering the committed file, if any.
func (d *Driver) bumpPendingCommits(ctx context.Context, sourceFile string) {
	locks, err := d.Store.GetSubdirectoryLocks(ctx)
	if err != nil {
		debug.Logf("could not list locks: %v", err)
		return
	}
	for _, l := range locks {
		if l.LockedBy != d.AgentID {
			continue
		}
		if strings.HasPrefix(sourceFile, strings.TrimSuffix(l.Key, "/")+"/") || sourceFile == l.Key {
			if err := d.Store.IncrementPendingCommits(ctx, l.Key, d.AgentID); err != nil {
				debug.Logf("could not bump pending commits on %s: %v", l.Key, err)
			}
			return
		}
	}
}
