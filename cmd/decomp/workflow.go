package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/ui"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/workflow"
)

var (
	finishDryRun    bool
	finishKeepClaim bool
	finishForce     bool
	finishDiagnosis string
	finishSource    string
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "End-to-end operations on one function",
}

var workflowFinishCmd = &cobra.Command{
	Use:   "finish <function>",
	Short: "Land a matched function: verify, commit, and update state",
	Long: `Checks the preconditions in order (you hold the claim, the match is
at or above the threshold, the worktree's broken-build backlog is under the
limit), applies the scratch source to the file, verifies with the
single-object build, commits, and rolls the function row forward. The claim
is released afterward unless --keep-claim is given.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]

		driver, err := newDriver(cmd.Context())
		if err != nil {
			fail(err)
		}

		root := driver.Worktree
		fn, err := driver.Store.GetFunction(cmd.Context(), name)
		if err != nil {
			fail(err)
		}
		sourceFile := finishSource
		if sourceFile == "" {
			sourceFile = fn.SourceFile
		}

		result, err := driver.Finish(cmd.Context(), name, workflow.FinishOptions{
			DryRun:       finishDryRun,
			Release:      !finishKeepClaim,
			Force:        finishForce,
			Diagnosis:    finishDiagnosis,
			SourceFile:   sourceFile,
			AddressOrder: addressOrder(root, sourceFile),
		})
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(result)
			return
		}
		if finishDryRun {
			fmt.Printf("%s Dry run OK for %s\n", ui.RenderPass("✓"), name)
			return
		}
		fmt.Printf("%s Finished %s (%s)\n", ui.RenderPass("✓"), name, result.CommitHash)
		if result.FlippedMatching {
			fmt.Printf("  flipped %s to Matching\n", sourceFile)
		}
		if !result.Verified {
			fmt.Printf("%s committed broken with diagnosis: %s\n", ui.RenderWarn("!"), finishDiagnosis)
		}
	},
}

func init() {
	workflowFinishCmd.Flags().BoolVar(&finishDryRun, "dry-run", false, "Run the precondition and apply checks without committing")
	workflowFinishCmd.Flags().BoolVar(&finishKeepClaim, "keep-claim", false, "Keep the claim after landing")
	workflowFinishCmd.Flags().BoolVar(&finishForce, "force", false, "Land despite failing verification (requires --diagnosis)")
	workflowFinishCmd.Flags().StringVar(&finishDiagnosis, "diagnosis", "", "Explanation recorded with a forced broken commit")
	workflowFinishCmd.Flags().StringVar(&finishSource, "source", "", "Unit path relative to src/ (default: from the function row)")

	workflowCmd.AddCommand(workflowFinishCmd)
	rootCmd.AddCommand(workflowCmd)
}
