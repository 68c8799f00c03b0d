package agentid

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestParseStatPPID(t *testing.T) {
	tests := []struct {
		stat string
		want int
		ok   bool
	}{
		{"1234 (decomp) S 5678 1234 1234 0 -1", 5678, true},
		// comm with spaces and parens
		{"42 (tmux: server) S 1 42 42 0 -1", 1, true},
		{"99 (weird )( name) R 77 99 99 0 -1", 77, true},
		{"no parens here", 0, false},
		{"50 (x) S", 0, false},
	}
	for _, tc := range tests {
		got, err := parseStatPPID(tc.stat)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("parseStatPPID(%q) = %d, %v; want %d", tc.stat, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Errorf("parseStatPPID(%q) succeeded, want error", tc.stat)
		}
	}
}

// fakeProc builds a /proc-like tree: each entry is pid -> (ppid, cmdline).
func fakeProc(t *testing.T, procs map[int][2]string) string {
	t.Helper()
	root := t.TempDir()
	for pid, info := range procs {
		dir := filepath.Join(root, fmt.Sprint(pid))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		stat := fmt.Sprintf("%d (proc) S %s %d %d 0 -1", pid, info[0], pid, pid)
		if err := os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "cmdline"), []byte(info[1]), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestDetectFromProc(t *testing.T) {
	// 100 (claude) -> 200 (bash) -> 300 (decomp)
	root := fakeProc(t, map[int][2]string{
		100: {"1", "claude\x00--session\x00abc"},
		200: {"100", "/bin/bash\x00-c\x00decomp"},
		300: {"200", "decomp\x00claim\x00add"},
	})
	got := detectFromProc(root, "claude", 300, 200)
	if got != "claude100" {
		t.Errorf("expected claude100, got %s", got)
	}
}

func TestDetectOutermostWins(t *testing.T) {
	// Nested sessions: 50 (claude) -> 60 (claude) -> 70 (decomp).
	root := fakeProc(t, map[int][2]string{
		50: {"1", "claude\x00outer"},
		60: {"50", "claude\x00inner"},
		70: {"60", "decomp\x00state\x00status"},
	})
	got := detectFromProc(root, "claude", 70, 60)
	if got != "claude50" {
		t.Errorf("expected outermost claude50, got %s", got)
	}
}

func TestDetectFallback(t *testing.T) {
	root := fakeProc(t, map[int][2]string{
		200: {"1", "/bin/bash"},
		300: {"200", "decomp\x00claim\x00add"},
	})
	got := detectFromProc(root, "claude", 300, 200)
	if got != "agent200" {
		t.Errorf("expected fallback agent200, got %s", got)
	}
}

func TestDetectEnvOverride(t *testing.T) {
	t.Setenv(EnvOverride, "claude-override")
	if got := Detect("claude"); got != "claude-override" {
		t.Errorf("env override ignored: %s", got)
	}
}
