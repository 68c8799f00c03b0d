package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/lifecycle"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/rpc"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/types"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/ui"
)

var (
	stateCategory   string
	stateFix        bool
	stateEntityType string
	stateEntityID   string
	stateLimit      int
	staleAge        time.Duration
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect and repair the shared state database",
}

var stateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize functions, claims, locks, and agents",
	Run: func(cmd *cobra.Command, _ []string) {
		if stateCategory != "" {
			showCategory(cmd, stateCategory)
			return
		}

		var data rpc.StateStatusData
		if daemonClient != nil {
			if err := daemonClient.Call(cmd.Context(), rpc.OpStateStatus, nil, &data); err != nil {
				fail(err)
			}
		} else {
			s := ensureStore()
			fns, err := s.GetAllFunctions(cmd.Context())
			if err != nil {
				fail(err)
			}
			data.Counts = map[string]int{}
			for _, f := range fns {
				data.Counts[string(f.Status)]++
			}
			if data.ActiveClaims, err = s.GetActiveClaims(cmd.Context()); err != nil {
				fail(err)
			}
			if data.Locks, err = s.GetSubdirectoryLocks(cmd.Context()); err != nil {
				fail(err)
			}
			if data.Agents, err = s.GetAgentSummaries(cmd.Context()); err != nil {
				fail(err)
			}
		}

		if jsonOutput {
			outputJSON(data)
			return
		}

		order := []types.Status{
			types.StatusUnclaimed, types.StatusClaimed, types.StatusInProgress,
			types.StatusMatched, types.StatusCommitted, types.StatusCommittedNeedsFix,
			types.StatusInReview, types.StatusMerged,
		}
		for _, st := range order {
			if n := data.Counts[string(st)]; n > 0 {
				fmt.Printf("%s %-20s %d\n", ui.StatusGlyph(st), st, n)
			}
		}
		fmt.Printf("\nactive claims: %d   locks: %d   agents: %d\n",
			len(data.ActiveClaims), len(data.Locks), len(data.Agents))
	},
}

// showCategory prints one derived bucket: needs_fix, uncommitted, or a
// lifecycle status.
func showCategory(cmd *cobra.Command, category string) {
	s := ensureStore()
	var fns []*types.Function
	var err error
	switch category {
	case "needs_fix":
		fns, err = s.GetNeedsFix(cmd.Context())
	case "uncommitted":
		fns, err = s.GetUncommittedMatches(cmd.Context())
	default:
		st := types.Status(category)
		if !st.IsValid() {
			fail(fmt.Errorf("unknown category %q", category))
		}
		fns, err = s.GetFunctionsByStatus(cmd.Context(), st)
	}
	if err != nil {
		fail(err)
	}

	if jsonOutput {
		outputJSON(fns)
		return
	}
	if len(fns) == 0 {
		fmt.Printf("No functions in %s\n", category)
		return
	}
	t := ui.NewStatusTable(ui.GetWidth(), "Function", "Match", "File", "Agent")
	for _, f := range fns {
		t.Row(f.Name, fmt.Sprintf("%.1f%%", f.MatchPercent), f.SourceFile, f.ClaimedBy)
	}
	fmt.Println(t.String())
}

var stateValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Report functions whose stored status diverges from the derived one",
	Run: func(cmd *cobra.Command, _ []string) {
		issues, err := lifecycle.Validate(cmd.Context(), ensureStore(), stateFix, actor)
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(issues)
			return
		}
		if len(issues) == 0 {
			fmt.Printf("%s All statuses consistent\n", ui.RenderPass("✓"))
			return
		}
		for _, is := range issues {
			mark := ui.RenderWarn("!")
			if is.Fixed {
				mark = ui.RenderPass("✓")
			}
			fmt.Printf("%s %s: stored=%s derived=%s\n", mark, is.FunctionName, is.Stored, is.Derived)
		}
		if !stateFix {
			fmt.Println(ui.RenderMuted("run with --fix to repair"))
		}
	},
}

var stateHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the audit log, newest first",
	Run: func(cmd *cobra.Command, _ []string) {
		entries, err := ensureStore().GetHistory(cmd.Context(), stateEntityType, stateEntityID, stateLimit)
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(entries)
			return
		}
		for _, e := range entries {
			fmt.Printf("%s  %-10s %-14s %-24s %s\n",
				e.CreatedAt.Format(time.RFC3339), e.Action, e.EntityType, e.EntityID, e.AgentID)
		}
	},
}

var stateAgentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Show each agent's claims, locks, and last activity",
	Run: func(cmd *cobra.Command, _ []string) {
		summaries, err := ensureStore().GetAgentSummaries(cmd.Context())
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(summaries)
			return
		}
		if len(summaries) == 0 {
			fmt.Println("No agents registered")
			return
		}
		t := ui.NewStatusTable(ui.GetWidth(), "Agent", "Claims", "Subdirs", "Last Seen")
		for _, a := range summaries {
			subdirs := ""
			if len(a.SubdirsHeld) > 0 {
				subdirs = fmt.Sprintf("%v", a.SubdirsHeld)
			}
			t.Row(a.AgentID, fmt.Sprintf("%d", a.ActiveClaims), subdirs,
				ui.FormatRelative(a.LastSeenAt))
		}
		fmt.Println(t.String())
	},
}

var stateStaleCmd = &cobra.Command{
	Use:   "stale",
	Short: "List scratches with no recent verification",
	Run: func(cmd *cobra.Command, _ []string) {
		scratches, err := ensureStore().GetStaleScratches(cmd.Context(), staleAge)
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(scratches)
			return
		}
		if len(scratches) == 0 {
			fmt.Println("No stale scratches")
			return
		}
		t := ui.NewStatusTable(ui.GetWidth(), "Slug", "Function", "Match", "Verified")
		for _, sc := range scratches {
			verified := ui.RenderMuted("never")
			if sc.VerifiedAt != nil {
				verified = ui.FormatRelative(*sc.VerifiedAt)
			}
			t.Row(sc.Slug, sc.FunctionName, fmt.Sprintf("%.1f%%", sc.MatchPercent), verified)
		}
		fmt.Println(t.String())
	},
}

func init() {
	stateStatusCmd.Flags().StringVar(&stateCategory, "category", "", "Show one bucket: needs_fix, uncommitted, or a status name")
	stateValidateCmd.Flags().BoolVar(&stateFix, "fix", false, "Rewrite diverged statuses")
	stateHistoryCmd.Flags().StringVar(&stateEntityType, "entity-type", "", "Filter by entity type (function, claim, ...)")
	stateHistoryCmd.Flags().StringVar(&stateEntityID, "entity-id", "", "Filter by entity ID")
	stateHistoryCmd.Flags().IntVar(&stateLimit, "limit", 50, "Maximum entries")
	stateStaleCmd.Flags().DurationVar(&staleAge, "age", 7*24*time.Hour, "Verification age considered stale")

	stateCmd.AddCommand(stateStatusCmd)
	stateCmd.AddCommand(stateValidateCmd)
	stateCmd.AddCommand(stateHistoryCmd)
	stateCmd.AddCommand(stateAgentsCmd)
	stateCmd.AddCommand(stateStaleCmd)
	rootCmd.AddCommand(stateCmd)
}
