package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/config"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/debug"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/lockfile"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/project"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/rpc"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/storage"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/types"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run and manage the per-workspace coordination daemon",
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Serve the coordination socket for this workspace",
	Long: `Holds the state database open and serializes writes from every agent
on the machine. One daemon per workspace, enforced with a lock file; the CLI
finds it through the socket and falls back to direct database access when it
is not running.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if stateDir == "" {
			fail(errors.New("no .decomp directory found; run 'decomp init' first"))
		}
		if daemonClient != nil {
			fail(fmt.Errorf("a daemon is already serving %s", stateDir))
		}

		lock, err := lockfile.Acquire(stateDir)
		if err != nil {
			fail(fmt.Errorf("failed to acquire daemon lock: %w", err))
		}
		defer lock.Unlock()

		if userDir, err := config.UserDir(); err == nil {
			log.SetOutput(&lumberjack.Logger{
				Filename:   filepath.Join(userDir, "daemon.log"),
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     14, // days
			})
		}

		s := ensureStore()
		socketPath := rpc.SocketPath(stateDir)
		srv, err := rpc.NewServer(s, socketPath)
		if err != nil {
			fail(err)
		}
		log.Printf("daemon listening on %s (db %s, pid %d)", socketPath, s.Path(), os.Getpid())
		if !jsonOutput {
			fmt.Printf("%s Listening on %s\n", ui.RenderPass("✓"), socketPath)
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		go watchReport(ctx, s)
		go heartbeat(ctx, s)

		if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("daemon stopped: %v", err)
			fail(err)
		}
		log.Printf("daemon shut down")
	},
}

// watchReport refreshes stored match percents when the build regenerates
// the objdiff report.
func watchReport(ctx context.Context, s storage.Storage) {
	root := filepath.Dir(stateDir)
	reportPath := filepath.Join(root, config.GetString("project.report"))

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("report watch unavailable: %v", err)
		return
	}
	defer watcher.Close()

	// Watch the directory: the build replaces the file, which breaks a
	// watch on the file itself.
	if err := watcher.Add(filepath.Dir(reportPath)); err != nil {
		log.Printf("cannot watch %s: %v", filepath.Dir(reportPath), err)
		return
	}

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-watcher.Events:
			if ev.Name != reportPath || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, func() {
				if err := refreshFromReport(ctx, s, reportPath); err != nil {
					log.Printf("report refresh failed: %v", err)
				}
			})
		case err := <-watcher.Errors:
			log.Printf("report watch error: %v", err)
		}
	}
}

// refreshFromReport rolls stored match percents forward to what the build
// measured. Only improvements are written.
func refreshFromReport(ctx context.Context, s storage.Storage, reportPath string) error {
	report, err := project.LoadReport(reportPath)
	if err != nil {
		return err
	}
	fns, err := s.GetAllFunctions(ctx)
	if err != nil {
		return err
	}

	for _, f := range fns {
		if f.SourceFile == "" {
			continue
		}
		unit, ok := report.Unit(f.SourceFile)
		if !ok {
			continue
		}
		pct, ok := unit.MatchPercentOf(f.Name)
		if !ok || pct <= f.MatchPercent {
			continue
		}
		if _, err := s.UpsertFunction(ctx, f.Name, map[string]interface{}{
			"match_percent": pct,
		}, "daemon"); err != nil {
			return err
		}
		log.Printf("report: %s now %.2f%%", f.Name, pct)
	}
	return nil
}

// heartbeat keeps this workspace's agent row fresh so `state agents` shows
// liveness.
func heartbeat(ctx context.Context, s storage.Storage) {
	tick := time.NewTicker(time.Minute)
	defer tick.Stop()
	for {
		if err := s.UpsertAgent(ctx, &types.Agent{
			ID:           actor,
			WorktreePath: filepath.Dir(stateDir),
			LastSeenAt:   time.Now(),
		}); err != nil {
			debug.Logf("heartbeat failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether a daemon is serving this workspace",
	Run: func(cmd *cobra.Command, _ []string) {
		if daemonClient == nil {
			if jsonOutput {
				outputJSON(map[string]bool{"running": false})
				return
			}
			fmt.Println("No daemon running")
			return
		}
		h, err := daemonClient.Health(cmd.Context())
		if err != nil {
			fail(err)
		}
		if jsonOutput {
			outputJSON(h)
			return
		}
		fmt.Printf("%s Daemon pid %d, protocol %s, up %s\n",
			ui.RenderPass("✓"), h.PID, h.Version, (time.Duration(h.UptimeSec) * time.Second))
		fmt.Printf("  db: %s\n", h.DBPath)
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask the daemon to shut down",
	Run: func(cmd *cobra.Command, _ []string) {
		if daemonClient == nil {
			fmt.Println("No daemon running")
			return
		}
		if err := daemonClient.Shutdown(cmd.Context()); err != nil {
			fail(err)
		}
		if jsonOutput {
			outputJSON(map[string]bool{"stopped": true})
			return
		}
		fmt.Printf("%s Daemon stopped\n", ui.RenderPass("✓"))
	},
}

func init() {
	daemonCmd.AddCommand(daemonRunCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	rootCmd.AddCommand(daemonCmd)
}
