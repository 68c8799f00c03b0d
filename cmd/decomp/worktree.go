package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/config"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/debug"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/gitutil"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/proc"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/rpc"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/ui"
)

var (
	lockTTL      time.Duration
	lockWorktree string
	lockBranch   string
)

var worktreeCmd = &cobra.Command{
	Use:   "worktree",
	Short: "Manage subdirectory locks across worktrees",
}

var worktreeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active subdirectory locks",
	Run: func(cmd *cobra.Command, _ []string) {
		locks, err := ensureStore().GetSubdirectoryLocks(cmd.Context())
		if err != nil {
			fail(err)
		}
		if jsonOutput {
			outputJSON(locks)
			return
		}
		if len(locks) == 0 {
			fmt.Println("No active locks")
			return
		}
		t := ui.NewStatusTable(ui.GetWidth(), "Subdirectory", "Agent", "Branch", "Expires", "Pending")
		for _, l := range locks {
			t.Row(l.Key, l.LockedBy, l.Branch, ui.FormatRelative(l.ExpiresAt),
				fmt.Sprintf("%d", l.PendingCommits))
		}
		fmt.Println(t.String())
	},
}

var worktreeLockCmd = &cobra.Command{
	Use:   "lock <key>",
	Short: "Lock a subdirectory for this agent",
	Long: `Locks a subdirectory scope (e.g. "melee/ft") so only this agent
commits under it. Re-locking a key you already hold extends the expiry.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key := args[0]
		ttl := lockTTL
		if ttl == 0 {
			ttl = config.GetDuration("claim.ttl")
		}

		worktree := lockWorktree
		branch := lockBranch
		if worktree == "" {
			if cwd, err := os.Getwd(); err == nil {
				if root, err := gitutil.ResolveWorktree(cwd); err == nil {
					worktree = root
					if branch == "" {
						git := gitutil.New(&proc.ExecRunner{Timeout: config.GetDuration("git.timeout")}, root)
						if b, err := git.CurrentBranch(cmd.Context()); err == nil {
							branch = b
						}
					}
				} else {
					debug.Logf("not inside a worktree: %v", err)
				}
			}
		}

		var err error
		if daemonClient != nil {
			err = daemonClient.Call(cmd.Context(), rpc.OpLockSubdir, &rpc.LockSubdirArgs{
				Key:        key,
				Worktree:   worktree,
				Branch:     branch,
				TTLSeconds: int(ttl.Seconds()),
			}, nil)
		} else {
			err = ensureStore().LockSubdirectory(cmd.Context(), key, worktree, branch, actor, ttl)
		}
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{
				"key":        key,
				"agent":      actor,
				"expires_at": time.Now().Add(ttl),
			})
			return
		}
		fmt.Printf("%s Locked %s for %s (expires %s)\n",
			ui.RenderPass("✓"), key, actor, ui.FormatRelative(time.Now().Add(ttl)))
	},
}

var worktreeUnlockCmd = &cobra.Command{
	Use:   "unlock <key>",
	Short: "Release this agent's subdirectory lock",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		key := args[0]

		var unlocked bool
		var err error
		if daemonClient != nil {
			var out map[string]bool
			err = daemonClient.Call(cmd.Context(), rpc.OpUnlockSubdir,
				&rpc.LockSubdirArgs{Key: key}, &out)
			unlocked = out["unlocked"]
		} else {
			unlocked, err = ensureStore().UnlockSubdirectory(cmd.Context(), key, actor)
		}
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(map[string]bool{"unlocked": unlocked})
			return
		}
		if unlocked {
			fmt.Printf("%s Unlocked %s\n", ui.RenderPass("✓"), key)
		} else {
			fmt.Printf("%s No lock on %s held by %s\n", ui.RenderWarn("!"), key, actor)
		}
	},
}

var worktreeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the allocation board: locks, pending commits, broken builds",
	Run: func(cmd *cobra.Command, _ []string) {
		statuses, err := ensureStore().GetSubdirectoryStatuses(cmd.Context())
		if err != nil {
			fail(err)
		}
		if jsonOutput {
			outputJSON(statuses)
			return
		}
		if len(statuses) == 0 {
			fmt.Println("No subdirectory allocations yet")
			return
		}
		fmt.Println(ui.RenderSubdirStatuses(statuses, ui.GetWidth()))
	},
}

func init() {
	worktreeLockCmd.Flags().DurationVar(&lockTTL, "ttl", 0, "Lock duration (default: claim.ttl from config)")
	worktreeLockCmd.Flags().StringVar(&lockWorktree, "worktree", "", "Worktree path (default: resolved from CWD)")
	worktreeLockCmd.Flags().StringVar(&lockBranch, "branch", "", "Branch name (default: current branch)")

	worktreeCmd.AddCommand(worktreeListCmd)
	worktreeCmd.AddCommand(worktreeLockCmd)
	worktreeCmd.AddCommand(worktreeUnlockCmd)
	worktreeCmd.AddCommand(worktreeStatusCmd)
	rootCmd.AddCommand(worktreeCmd)
}
