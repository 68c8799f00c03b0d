package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/config"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/ctxbuild"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/debug"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/gitutil"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/project"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/types"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/ui"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/workflow"
)

var (
	extractLimit       int
	extractFile        string
	extractCreate      bool
	extractShowContext bool
	extractStrip       string
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Find work and build scratch inputs from the project artifacts",
}

var extractListCmd = &cobra.Command{
	Use:   "list",
	Short: "List functions still below a full match",
	Run: func(cmd *cobra.Command, _ []string) {
		root := mustWorktree()
		splits, err := project.LoadSplits(filepath.Join(root, config.GetString("project.splits")))
		if err != nil {
			fail(err)
		}
		report, err := project.LoadReport(filepath.Join(root, config.GetString("project.report")))
		if err != nil {
			debug.Logf("no match report: %v", err)
		}

		byName := map[string]*types.Function{}
		if fns, err := ensureStore().GetAllFunctions(cmd.Context()); err == nil {
			for _, f := range fns {
				byName[f.Name] = f
			}
		}

		type row struct {
			Name    string  `json:"name"`
			File    string  `json:"file"`
			Percent float64 `json:"match_percent"`
			Status  string  `json:"status"`
		}
		var rows []row
		for _, file := range splits.Files() {
			if extractFile != "" && file != extractFile {
				continue
			}
			var unit *project.ReportUnit
			if report != nil {
				unit, _ = report.Unit(file)
			}
			for _, name := range splits.FunctionsIn(file) {
				pct := 0.0
				if unit != nil {
					if p, ok := unit.MatchPercentOf(name); ok {
						pct = p
					}
				}
				if pct >= 100 {
					continue
				}
				status := string(types.StatusUnclaimed)
				if f, ok := byName[name]; ok {
					status = string(f.Status)
					if f.MatchPercent > pct {
						pct = f.MatchPercent
					}
				}
				rows = append(rows, row{Name: name, File: file, Percent: pct, Status: status})
				if extractLimit > 0 && len(rows) >= extractLimit {
					break
				}
			}
			if extractLimit > 0 && len(rows) >= extractLimit {
				break
			}
		}

		if jsonOutput {
			outputJSON(rows)
			return
		}
		if len(rows) == 0 {
			fmt.Println("Nothing left to match")
			return
		}
		t := ui.NewStatusTable(ui.GetWidth(), "Function", "File", "Match", "Status")
		for _, r := range rows {
			t.Row(r.Name, r.File, fmt.Sprintf("%.1f%%", r.Percent), r.Status)
		}
		fmt.Println(t.String())
	},
}

var extractFilesCmd = &cobra.Command{
	Use:   "files",
	Short: "List translation units with their match progress",
	Run: func(_ *cobra.Command, _ []string) {
		root := mustWorktree()
		splits, err := project.LoadSplits(filepath.Join(root, config.GetString("project.splits")))
		if err != nil {
			fail(err)
		}
		report, err := project.LoadReport(filepath.Join(root, config.GetString("project.report")))
		if err != nil {
			debug.Logf("no match report: %v", err)
		}

		type row struct {
			File      string `json:"file"`
			Functions int    `json:"functions"`
			Matched   int    `json:"matched"`
		}
		var rows []row
		for _, file := range splits.Files() {
			names := splits.FunctionsIn(file)
			matched := 0
			if report != nil {
				if unit, ok := report.Unit(file); ok {
					for _, n := range names {
						if p, ok := unit.MatchPercentOf(n); ok && p >= 100 {
							matched++
						}
					}
				}
			}
			rows = append(rows, row{File: file, Functions: len(names), Matched: matched})
		}

		if jsonOutput {
			outputJSON(rows)
			return
		}
		t := ui.NewStatusTable(ui.GetWidth(), "File", "Functions", "Matched")
		for _, r := range rows {
			done := fmt.Sprintf("%d", r.Matched)
			if r.Matched == r.Functions && r.Functions > 0 {
				done = ui.RenderPass(done)
			}
			t.Row(r.File, fmt.Sprintf("%d", r.Functions), done)
		}
		fmt.Println(t.String())
	},
}

var extractGetCmd = &cobra.Command{
	Use:   "get <function>",
	Short: "Build context for a function and find or create its scratch",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]
		root := mustWorktree()

		splits, err := project.LoadSplits(filepath.Join(root, config.GetString("project.splits")))
		if err != nil {
			fail(err)
		}
		unit, ok := splits.FileFor(name)
		if !ok {
			fail(fmt.Errorf("function %s not found in the splits map", name))
		}

		ctxSrc, err := buildContext(root, unit, name)
		if err != nil {
			fail(err)
		}
		targetAsm := readTargetAsm(root, unit, name)
		if targetAsm == "" {
			debug.Logf("no target assembly found for %s", name)
		}

		driver, err := newDriver(cmd.Context())
		if err != nil {
			fail(err)
		}
		info, err := driver.GetScratch(cmd.Context(), name, workflow.ExtractOptions{
			TargetAsm: targetAsm,
			Context:   ctxSrc,
			Create:    extractCreate,
		})
		if err != nil {
			fail(err)
		}

		// Record where the function lives so finish can find the file later.
		if _, err := ensureStore().UpsertFunction(cmd.Context(), name, map[string]interface{}{
			"source_file":   unit,
			"worktree_path": root,
		}, actor); err != nil {
			fail(err)
		}

		if jsonOutput {
			out := map[string]interface{}{
				"function": name,
				"file":     unit,
				"slug":     info.Slug,
				"url":      info.URL,
				"created":  info.Created,
				"forked":   info.Forked,
			}
			if extractShowContext {
				out["context"] = ctxSrc
				out["source"] = info.Source
			}
			outputJSON(out)
			return
		}

		verb := "Found"
		if info.Created {
			verb = "Created"
		} else if info.Forked {
			verb = "Forked"
		}
		fmt.Printf("%s %s scratch for %s: %s\n", ui.RenderPass("✓"), verb, name, info.URL)
		fmt.Printf("  file: %s\n", unit)
		if extractShowContext {
			fmt.Println(ctxSrc)
		}
	},
}

func mustWorktree() string {
	cwd, err := os.Getwd()
	if err != nil {
		fail(err)
	}
	root, err := gitutil.ResolveWorktree(cwd)
	if err != nil {
		fail(fmt.Errorf("not inside a project worktree: %w", err))
	}
	return root
}

// buildContext prefers the build-generated aggregate context for the unit
// and falls back to the raw source. Either way the target's definition is
// removed; the strip mode decides whether every other body goes too or only
// static/inline helpers.
func buildContext(root, unit, name string) (string, error) {
	var src []byte
	ctxFile := filepath.Join(root, config.GetString("project.ctx-dir"), unit+".ctx")
	if b, err := os.ReadFile(ctxFile); err == nil {
		src = b
	} else {
		b, err := os.ReadFile(filepath.Join(root, config.GetString("project.src"), unit))
		if err != nil {
			return "", fmt.Errorf("no context input for %s: %w", unit, err)
		}
		src = b
	}

	if extractStrip == "inline" {
		out := ctxbuild.StripInlineBodies(string(src), nil)
		// The target itself must not be defined in the context.
		return ctxbuild.StripTarget(out, name), nil
	}

	_, ctxSrc, err := ctxbuild.ExtractTarget(string(src), name)
	if err != nil {
		// The target may live only in the splits map so far; strip bodies
		// and use the rest as context.
		return ctxbuild.StripAllBodies(string(src), nil), nil
	}
	return ctxSrc, nil
}

// readTargetAsm looks for a per-function assembly dump, then the whole-unit
// disassembly.
func readTargetAsm(root, unit, name string) string {
	asmDir := filepath.Join(root, config.GetString("project.asm-dir"))
	if b, err := os.ReadFile(filepath.Join(asmDir, name+".s")); err == nil {
		return string(b)
	}
	unitAsm := strings.TrimSuffix(unit, filepath.Ext(unit)) + ".s"
	if b, err := os.ReadFile(filepath.Join(asmDir, unitAsm)); err == nil {
		return string(b)
	}
	return ""
}

func init() {
	extractListCmd.Flags().IntVar(&extractLimit, "limit", 0, "Maximum rows to show")
	extractListCmd.Flags().StringVar(&extractFile, "file", "", "Only show functions in this unit")
	extractGetCmd.Flags().BoolVar(&extractCreate, "create-scratch", false, "Create a scratch when none exists")
	extractGetCmd.Flags().BoolVar(&extractShowContext, "show-context", false, "Print the generated context")
	extractGetCmd.Flags().StringVar(&extractStrip, "strip", "all", "Body stripping mode: all or inline")

	extractCmd.AddCommand(extractListCmd)
	extractCmd.AddCommand(extractFilesCmd)
	extractCmd.AddCommand(extractGetCmd)
	rootCmd.AddCommand(extractCmd)
}
