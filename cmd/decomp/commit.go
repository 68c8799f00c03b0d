package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/commitapply"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/config"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/gitutil"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/proc"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/storage"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/types"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/ui"
)

var (
	commitSourceFile string
	commitDefFile    string
	commitDryRun     bool
	commitForce      bool
	commitDiagnosis  string
)

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Land matched source in the worktree",
}

var commitApplyCmd = &cobra.Command{
	Use:   "apply <function>",
	Short: "Write a function's matched source into its file, verify, and commit",
	Long: `Places the definition (from --definition-file or the function's
scratch), replacing its stub marker or existing definition. The single-object
build verifies the edit; on failure the file is reverted unless --force is
given with a --diagnosis.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]
		if commitForce && commitDiagnosis == "" {
			fail(fmt.Errorf("--force requires --diagnosis"))
		}
		root := mustWorktree()

		fn, err := ensureStore().GetFunction(cmd.Context(), name)
		if err != nil {
			fail(fmt.Errorf("unknown function %s: %w", name, err))
		}

		sourceFile := commitSourceFile
		if sourceFile == "" {
			sourceFile = fn.SourceFile
		}
		if sourceFile == "" {
			fail(fmt.Errorf("no source file known for %s; pass --source", name))
		}

		definition := ""
		scratchURL := ""
		if commitDefFile != "" {
			b, err := os.ReadFile(commitDefFile)
			if err != nil {
				fail(err)
			}
			definition = string(b)
		} else {
			if fn.LocalScratchSlug == "" {
				fail(fmt.Errorf("%w: no scratch recorded for %s (pass --definition-file)",
					storage.ErrNotFound, name))
			}
			client, err := newScratchClient(cmd.Context())
			if err != nil {
				fail(err)
			}
			sc, err := client.Get(cmd.Context(), fn.LocalScratchSlug)
			if err != nil {
				fail(err)
			}
			definition = sc.SourceCode
			scratchURL = client.ScratchURL(sc.Slug)
		}

		gitRunner := &proc.ExecRunner{Timeout: config.GetDuration("git.timeout")}
		applier := commitapply.New(
			gitutil.New(gitRunner, root),
			&proc.ExecRunner{Timeout: config.GetDuration("ninja.timeout")},
			root,
			config.GetString("project.src"),
			config.GetString("project.build-config"),
			config.GetString("project.report"),
			config.GetString("project.obj-dir"))

		result, err := applier.Apply(cmd.Context(), &commitapply.Request{
			FunctionName: name,
			SourceFile:   sourceFile,
			Definition:   definition,
			MatchPercent: fn.MatchPercent,
			ScratchURL:   scratchURL,
			AddressOrder: addressOrder(root, sourceFile),
			DryRun:       commitDryRun,
			Force:        commitForce,
		})
		if err != nil {
			fail(err)
		}

		if !commitDryRun {
			updates := map[string]interface{}{
				"is_committed": true,
				"commit_hash":  result.CommitHash,
				"source_file":  sourceFile,
				"build_status": string(types.BuildPassing),
				"status":       string(types.StatusCommitted),
			}
			if !result.Verified {
				updates["build_status"] = string(types.BuildBroken)
				updates["build_diagnosis"] = commitDiagnosis
				updates["status"] = string(types.StatusCommittedNeedsFix)
			}
			if _, err := ensureStore().UpsertFunction(cmd.Context(), name, updates, actor); err != nil {
				fail(err)
			}
		}

		if jsonOutput {
			outputJSON(result)
			return
		}
		if commitDryRun {
			fmt.Printf("%s Dry run OK: would write %s\n", ui.RenderPass("✓"), result.FilePath)
			return
		}
		fmt.Printf("%s Committed %s (%s)\n", ui.RenderPass("✓"), name, result.CommitHash)
		if result.FlippedMatching {
			fmt.Printf("  flipped %s to Matching\n", sourceFile)
		}
		if !result.Verified {
			fmt.Printf("%s build verification failed; committed with --force\n", ui.RenderWarn("!"))
		}
	},
}

func init() {
	commitApplyCmd.Flags().StringVar(&commitSourceFile, "source", "", "Unit path relative to src/ (default: from the function row)")
	commitApplyCmd.Flags().StringVar(&commitDefFile, "definition-file", "", "Read the definition from a file instead of the scratch")
	commitApplyCmd.Flags().BoolVar(&commitDryRun, "dry-run", false, "Validate without writing or committing")
	commitApplyCmd.Flags().BoolVar(&commitForce, "force", false, "Commit even if verification fails (requires --diagnosis)")
	commitApplyCmd.Flags().StringVar(&commitDiagnosis, "diagnosis", "", "Explanation for a forced broken commit")

	commitCmd.AddCommand(commitApplyCmd)
	rootCmd.AddCommand(commitCmd)
}
