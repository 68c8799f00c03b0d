// Package agentid derives a stable identity for the orchestrator session
// driving this process.
//
// Agents run the CLI as a subprocess, so the identity comes from the process
// tree: the outermost ancestor whose command line contains the orchestrator
// token names the session, and its PID makes the ID stable across CLI
// invocations within that session.
package agentid

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/debug"
)

// EnvOverride short-circuits detection when set, for tests and manual runs.
const EnvOverride = "DECOMP_AGENT_ID"

// Detect returns the agent ID for the current process. token is the
// substring that identifies an orchestrator process (e.g. "claude"). When
// no ancestor matches, the ID falls back to "agent" plus the parent PID so
// a bare shell still gets a stable identity.
func Detect(token string) string {
	if id := os.Getenv(EnvOverride); id != "" {
		return id
	}
	return detectFromProc("/proc", token, os.Getpid(), os.Getppid())
}

// detectFromProc walks the ancestor chain under procRoot. The outermost
// matching ancestor wins: nested orchestrator sessions (an agent spawning
// another agent) report the session the operator actually started.
func detectFromProc(procRoot, token string, pid, ppid int) string {
	best := 0
	for cur := pid; cur > 1; {
		parent, err := parentPID(procRoot, cur)
		if err != nil {
			debug.Logf("agent detection stopped at pid %d: %v", cur, err)
			break
		}
		if parent <= 1 {
			break
		}
		if cmdlineContains(procRoot, parent, token) {
			best = parent
		}
		cur = parent
	}
	if best != 0 {
		return token + strconv.Itoa(best)
	}
	return "agent" + strconv.Itoa(ppid)
}

// parentPID reads the ppid from /proc/<pid>/stat. The comm field is
// parenthesized and may itself contain spaces or parentheses, so the parse
// anchors on the last ')'.
func parentPID(procRoot string, pid int) (int, error) {
	data, err := os.ReadFile(fmt.Sprintf("%s/%d/stat", procRoot, pid))
	if err != nil {
		return 0, err
	}
	return parseStatPPID(string(data))
}

func parseStatPPID(stat string) (int, error) {
	close := strings.LastIndex(stat, ")")
	if close < 0 {
		return 0, fmt.Errorf("malformed stat line")
	}
	fields := strings.Fields(stat[close+1:])
	// After the comm field: state, ppid, ...
	if len(fields) < 2 {
		return 0, fmt.Errorf("truncated stat line")
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("bad ppid field: %w", err)
	}
	return ppid, nil
}

func cmdlineContains(procRoot string, pid int, token string) bool {
	data, err := os.ReadFile(fmt.Sprintf("%s/%d/cmdline", procRoot, pid))
	if err != nil {
		return false
	}
	// cmdline is NUL-separated argv.
	cmdline := strings.ReplaceAll(string(data), "\x00", " ")
	return strings.Contains(cmdline, token)
}
