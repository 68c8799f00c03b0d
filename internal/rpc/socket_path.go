package rpc

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Unix socket paths are capped at ~108 bytes on Linux (104 on BSD); binding
// beyond that fails with EINVAL. Workspaces nested deep enough to blow the
// limit get a hashed path under /tmp instead.
const maxSocketPath = 103

const socketName = "decompd.sock"

// SocketPath returns the daemon socket path for a workspace state
// directory. The in-workspace path is preferred so `ls .decomp` shows the
// daemon; the /tmp fallback is keyed by a hash of the canonical workspace
// path so every client of that workspace agrees on it.
func SocketPath(stateDir string) string {
	direct := filepath.Join(stateDir, socketName)
	if len(direct) <= maxSocketPath {
		return direct
	}
	return fallbackSocketPath(stateDir)
}

func fallbackSocketPath(stateDir string) string {
	canonical := stateDir
	if abs, err := filepath.Abs(stateDir); err == nil {
		canonical = abs
	}
	if resolved, err := filepath.EvalSymlinks(canonical); err == nil {
		canonical = resolved
	}
	sum := sha256.Sum256([]byte(canonical))
	short := hex.EncodeToString(sum[:4])
	return filepath.Join(os.TempDir(), fmt.Sprintf("decomp-%s", short), socketName)
}
