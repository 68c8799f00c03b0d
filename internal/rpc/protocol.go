// Package rpc implements the daemon protocol: newline-delimited JSON
// requests over a unix socket scoped to one workspace.
//
// The daemon holds the SQLite store open and serializes writes from every
// agent on the machine; CLI invocations prefer it when present and fall
// back to opening the database directly.
package rpc

import "encoding/json"

// ProtocolVersion gates client/daemon compatibility. Clients refuse a
// daemon with a different major version.
const ProtocolVersion = "v1.2.0"

// Operations.
const (
	OpPing           = "ping"
	OpHealth         = "health"
	OpShutdown       = "shutdown"
	OpClaimAdd       = "claim_add"
	OpClaimRelease   = "claim_release"
	OpClaimList      = "claim_list"
	OpLockSubdir     = "lock_subdir"
	OpUnlockSubdir   = "unlock_subdir"
	OpScoreRecord    = "score_record"
	OpFunctionGet    = "function_get"
	OpFunctionUpsert = "function_upsert"
	OpStateStatus    = "state_status"
)

// Request is one client call.
type Request struct {
	Operation     string          `json:"operation"`
	Args          json.RawMessage `json:"args,omitempty"`
	Actor         string          `json:"actor,omitempty"`
	Cwd           string          `json:"cwd,omitempty"`
	ClientVersion string          `json:"client_version,omitempty"`
	ExpectedDB    string          `json:"expected_db,omitempty"`
}

// Response is the daemon's reply.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ClaimAddArgs are the arguments for claim_add.
type ClaimAddArgs struct {
	FunctionName string `json:"function_name"`
	TTLSeconds   int    `json:"ttl_seconds"`
}

// ClaimReleaseArgs are the arguments for claim_release. Force drops the
// claim regardless of which agent holds it.
type ClaimReleaseArgs struct {
	FunctionName string `json:"function_name"`
	Force        bool   `json:"force,omitempty"`
}

// LockSubdirArgs are the arguments for lock_subdir and unlock_subdir.
type LockSubdirArgs struct {
	Key        string `json:"key"`
	Worktree   string `json:"worktree,omitempty"`
	Branch     string `json:"branch,omitempty"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// ScoreRecordArgs are the arguments for score_record.
type ScoreRecordArgs struct {
	Slug     string `json:"slug"`
	Score    int    `json:"score"`
	MaxScore int    `json:"max_score"`
}

// FunctionGetArgs are the arguments for function_get.
type FunctionGetArgs struct {
	Name string `json:"name"`
}

// FunctionUpsertArgs are the arguments for function_upsert.
type FunctionUpsertArgs struct {
	Name    string                 `json:"name"`
	Updates map[string]interface{} `json:"updates"`
}

// HealthData is the health operation's response payload.
type HealthData struct {
	Version   string `json:"version"`
	DBPath    string `json:"db_path"`
	PID       int    `json:"pid"`
	UptimeSec int64  `json:"uptime_sec"`
}
