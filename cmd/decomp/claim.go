package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/config"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/rpc"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/types"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/ui"
)

var (
	claimTTL   time.Duration
	claimForce bool
)

var claimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Reserve functions for exclusive work",
}

var claimAddCmd = &cobra.Command{
	Use:   "add <function>",
	Short: "Claim a function for this agent",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]
		ttl := claimTTL
		if ttl == 0 {
			ttl = config.GetDuration("claim.ttl")
		}

		var err error
		if daemonClient != nil {
			err = daemonClient.Call(cmd.Context(), rpc.OpClaimAdd, &rpc.ClaimAddArgs{
				FunctionName: name,
				TTLSeconds:   int(ttl.Seconds()),
			}, nil)
		} else {
			err = ensureStore().AddClaim(cmd.Context(), name, actor, ttl)
		}
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{
				"function":   name,
				"agent":      actor,
				"expires_at": time.Now().Add(ttl),
			})
			return
		}
		fmt.Printf("%s Claimed %s for %s (expires %s)\n",
			ui.RenderPass("✓"), name, actor, ui.FormatRelative(time.Now().Add(ttl)))
	},
}

var claimReleaseCmd = &cobra.Command{
	Use:   "release <function>",
	Short: "Release this agent's claim on a function",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]

		var released bool
		var err error
		if daemonClient != nil {
			var out map[string]bool
			err = daemonClient.Call(cmd.Context(), rpc.OpClaimRelease,
				&rpc.ClaimReleaseArgs{FunctionName: name, Force: claimForce}, &out)
			released = out["released"]
		} else if claimForce {
			released, err = ensureStore().ForceReleaseClaim(cmd.Context(), name, actor)
		} else {
			released, err = ensureStore().ReleaseClaim(cmd.Context(), name, actor)
		}
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(map[string]bool{"released": released})
			return
		}
		switch {
		case released && claimForce:
			fmt.Printf("%s Force-released %s\n", ui.RenderPass("✓"), name)
		case released:
			fmt.Printf("%s Released %s\n", ui.RenderPass("✓"), name)
		case claimForce:
			fmt.Printf("%s No active claim on %s\n", ui.RenderWarn("!"), name)
		default:
			fmt.Printf("%s No active claim on %s held by %s\n", ui.RenderWarn("!"), name, actor)
		}
	},
}

var claimListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all active claims",
	Run: func(cmd *cobra.Command, _ []string) {
		var claims []*types.Claim
		var err error
		if daemonClient != nil {
			err = daemonClient.Call(cmd.Context(), rpc.OpClaimList, struct{}{}, &claims)
		} else {
			claims, err = ensureStore().GetActiveClaims(cmd.Context())
		}
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(claims)
			return
		}
		if len(claims) == 0 {
			fmt.Println("No active claims")
			return
		}
		t := ui.NewStatusTable(ui.GetWidth(), "Function", "Agent", "Expires")
		for _, c := range claims {
			t.Row(c.FunctionName, c.AgentID, ui.FormatRelative(c.ExpiresAt))
		}
		fmt.Println(t.String())
	},
}

func init() {
	claimAddCmd.Flags().DurationVar(&claimTTL, "ttl", 0, "Claim duration (default: claim.ttl from config)")
	claimReleaseCmd.Flags().BoolVar(&claimForce, "force", false, "Release regardless of which agent holds the claim")

	claimCmd.AddCommand(claimAddCmd)
	claimCmd.AddCommand(claimReleaseCmd)
	claimCmd.AddCommand(claimListCmd)
	rootCmd.AddCommand(claimCmd)
}
