// Command decomp coordinates decompilation agents working on one game
// worktree: claims, scratches, commits, and the shared state database.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/agentid"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/commitapply"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/config"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/debug"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/gitutil"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/proc"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/rpc"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/scratchapi"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/storage"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/storage/sqlite"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/ui"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/workflow"
)

var (
	jsonOutput bool
	noDaemon   bool
	dbFlag     string
	agentFlag  string

	actor        string
	stateDir     string
	store        storage.Storage
	daemonClient *rpc.Client
	rootCtx      context.Context
)

var rootCmd = &cobra.Command{
	Use:           "decomp",
	Short:         "Coordinate decompilation agents against a shared state database",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := config.Initialize(); err != nil {
			return err
		}
		if cmd.Flags().Changed("json") {
			config.Set("json", jsonOutput)
		}
		jsonOutput = config.GetBool("json")
		if dbFlag != "" {
			config.Set("db", dbFlag)
		}

		actor = agentFlag
		if actor == "" {
			actor = config.GetString("agent-id")
		}
		if actor == "" {
			actor = agentid.Detect(config.GetString("agent-token"))
		}

		stateDir = config.FindStateDir("")

		if !noDaemon && !config.GetBool("no-daemon") && stateDir != "" {
			daemonClient = rpc.TryConnect(stateDir, actor)
			if daemonClient != nil {
				debug.Logf("using daemon at %s", rpc.SocketPath(stateDir))
			}
		}
		return nil
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		if store != nil {
			if err := store.Close(); err != nil {
				debug.Logf("error closing store: %v", err)
			}
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noDaemon, "no-daemon", false, "Bypass the daemon and open the database directly")
	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "", "Path to the state database")
	rootCmd.PersistentFlags().StringVar(&agentFlag, "agent", "", "Agent ID (default: detected from the process tree)")
}

// Execute runs the CLI and exits with 0 on success, 1 on user error, 2 on
// external (process or remote) failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rootCtx = ctx

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fail(err)
	}
}

// dbPath resolves the database file location: --db / DECOMP_DB first, then
// the project state directory.
func dbPath() (string, error) {
	if p := config.GetString("db"); p != "" {
		return p, nil
	}
	if stateDir == "" {
		return "", errors.New("no .decomp directory found; run 'decomp init' first")
	}
	return stateDir + "/state.db", nil
}

// ensureStore opens the database on first use. The daemon, when present,
// handles writes; direct opens are for daemonless operation and reads.
func ensureStore() storage.Storage {
	if store != nil {
		return store
	}
	path, err := dbPath()
	if err != nil {
		fail(err)
	}
	s, err := sqlite.New(rootCtx, path)
	if err != nil {
		fail(fmt.Errorf("failed to open state database: %w", err))
	}
	store = s
	return store
}

// newScratchClient builds the remote scratch client: explicit URL from
// config, otherwise probe the candidate list with a cached answer.
func newScratchClient(ctx context.Context) (*scratchapi.Client, error) {
	userDir, err := config.UserDir()
	if err != nil {
		return nil, err
	}

	baseURL := config.GetString("scratch.url")
	if baseURL == "" {
		baseURL, err = scratchapi.ProbeBaseURL(ctx,
			config.GetStringSlice("scratch.candidates"),
			userDir+"/scratch_url_cache.json",
			config.GetDuration("scratch.url-cache-ttl"))
		if err != nil {
			return nil, fmt.Errorf("no scratch service reachable: %w", err)
		}
	}

	client, err := scratchapi.New(baseURL,
		fmt.Sprintf("%s/cookies_%s.json", userDir, actor),
		fmt.Sprintf("%s/scratch_tokens_%s.json", userDir, actor),
		scratchapi.WithRetries(config.GetInt("scratch.retries")),
		scratchapi.WithTimeout(config.GetDuration("scratch.http-timeout")))
	if err != nil {
		return nil, err
	}
	client.Platform = config.GetString("scratch.platform")
	client.Compiler = config.GetString("scratch.compiler")
	client.Preset = config.GetString("scratch.preset")
	return client, nil
}

// newDriver wires the workflow driver for the worktree containing CWD.
func newDriver(ctx context.Context) (*workflow.Driver, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	root, err := gitutil.ResolveWorktree(cwd)
	if err != nil {
		return nil, err
	}

	gitRunner := &proc.ExecRunner{Timeout: config.GetDuration("git.timeout")}
	buildRunner := &proc.ExecRunner{Timeout: config.GetDuration("ninja.timeout")}
	git := gitutil.New(gitRunner, root)

	branch, err := git.CurrentBranch(ctx)
	if err != nil {
		debug.Logf("could not read current branch: %v", err)
	}

	client, err := newScratchClient(ctx)
	if err != nil {
		return nil, err
	}

	applier := commitapply.New(git, buildRunner, root,
		config.GetString("project.src"),
		config.GetString("project.build-config"),
		config.GetString("project.report"),
		config.GetString("project.obj-dir"))

	return &workflow.Driver{
		Store:       ensureStore(),
		Client:      client,
		Applier:     applier,
		AgentID:     actor,
		Worktree:    root,
		Branch:      branch,
		Threshold:   config.GetFloat("match.threshold"),
		BrokenLimit: config.GetInt("broken-build.threshold"),
	}, nil
}

func outputJSON(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to encode JSON: %v\n", err)
		os.Exit(2)
	}
	fmt.Println(string(b))
}

type errorEnvelope struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// fail renders an error and exits: user and precondition errors exit 1,
// process and remote failures exit 2.
func fail(err error) {
	kind, hint, code := classify(err)
	if jsonOutput {
		b, _ := json.Marshal(errorEnvelope{
			Error: errorBody{Kind: kind, Message: err.Error(), Hint: hint},
		})
		fmt.Println(string(b))
	} else {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		if hint != "" {
			fmt.Fprintf(os.Stderr, "%s\n", ui.RenderMuted("hint: "+hint))
		}
	}
	if store != nil {
		store.Close()
	}
	os.Exit(code)
}

func classify(err error) (kind, hint string, code int) {
	var held *storage.ClaimHeldError
	var exit *proc.ExitError
	var httpErr *scratchapi.HTTPError
	var netErr net.Error

	switch {
	case errors.As(err, &held):
		return "precondition", "wait for the claim to expire or pick another function", 1
	case errors.Is(err, workflow.ErrNotClaimed):
		return "precondition", "run 'decomp claim add <name>' first", 1
	case errors.Is(err, workflow.ErrBelowThreshold):
		return "precondition", "keep iterating on the scratch before finishing", 1
	case errors.Is(err, workflow.ErrTooManyBroken):
		return "precondition", "fix committed_needs_fix functions in this worktree first", 1
	case errors.Is(err, workflow.ErrNoScratch):
		return "precondition", "run 'decomp extract get <name> --create-scratch'", 1
	case errors.Is(err, workflow.ErrDiagnosisNeeded):
		return "usage", "pass --diagnosis with --force", 1
	case errors.Is(err, storage.ErrNotFound):
		return "not_found", "", 1
	case errors.Is(err, commitapply.ErrVerifyFailed):
		return "build", "the file was reverted; inspect the compiler output", 2
	case errors.As(err, &exit):
		return "process", "", 2
	case errors.As(err, &httpErr):
		return "remote", "", 2
	case errors.As(err, &netErr):
		return "remote", "check the scratch service URL and your network", 2
	default:
		return "error", "", 1
	}
}
