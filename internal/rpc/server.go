package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/debug"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/storage"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/types"
)

// Server serves the daemon protocol over a unix socket, dispatching
// operations onto the shared store.
type Server struct {
	store    storage.Storage
	listener net.Listener
	started  time.Time
	shutdown chan struct{}
}

// NewServer binds the daemon socket. An existing socket file is removed
// first; the flock held by the daemon guarantees it is stale.
func NewServer(store storage.Storage, socketPath string) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	_ = os.Remove(socketPath)

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to restrict socket permissions: %w", err)
	}
	return &Server{
		store:    store,
		listener: ln,
		started:  time.Now(),
		shutdown: make(chan struct{}),
	}, nil
}

// Serve accepts connections until the context is cancelled or a shutdown
// request arrives.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
		case <-s.shutdown:
		}
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.shutdown:
				return nil
			default:
				return err
			}
		}
		go s.handle(ctx, conn)
	}
}

// ShutdownRequested reports whether a client asked the daemon to exit.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdown
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	var req Request
	if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&req); err != nil {
		writeResponse(conn, &Response{Success: false, Error: "malformed request"})
		return
	}

	resp := s.dispatch(ctx, &req)
	writeResponse(conn, resp)

	if req.Operation == OpShutdown && resp.Success {
		select {
		case <-s.shutdown:
		default:
			close(s.shutdown)
		}
	}
}

func writeResponse(conn net.Conn, resp *Response) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		debug.Logf("failed to write response: %v", err)
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Operation {
	case OpPing:
		return ok(map[string]string{"pong": "pong"})

	case OpHealth:
		return ok(&HealthData{
			Version:   ProtocolVersion,
			DBPath:    s.store.Path(),
			PID:       os.Getpid(),
			UptimeSec: int64(time.Since(s.started).Seconds()),
		})

	case OpShutdown:
		return ok(nil)

	case OpClaimAdd:
		var args ClaimAddArgs
		if err := decodeArgs(req, &args); err != nil {
			return fail(err)
		}
		ttl := time.Duration(args.TTLSeconds) * time.Second
		if err := s.store.AddClaim(ctx, args.FunctionName, req.Actor, ttl); err != nil {
			return fail(err)
		}
		return ok(nil)

	case OpClaimRelease:
		var args ClaimReleaseArgs
		if err := decodeArgs(req, &args); err != nil {
			return fail(err)
		}
		var released bool
		var err error
		if args.Force {
			released, err = s.store.ForceReleaseClaim(ctx, args.FunctionName, req.Actor)
		} else {
			released, err = s.store.ReleaseClaim(ctx, args.FunctionName, req.Actor)
		}
		if err != nil {
			return fail(err)
		}
		return ok(map[string]bool{"released": released})

	case OpClaimList:
		claims, err := s.store.GetActiveClaims(ctx)
		if err != nil {
			return fail(err)
		}
		return ok(claims)

	case OpLockSubdir:
		var args LockSubdirArgs
		if err := decodeArgs(req, &args); err != nil {
			return fail(err)
		}
		ttl := time.Duration(args.TTLSeconds) * time.Second
		if err := s.store.LockSubdirectory(ctx, args.Key, args.Worktree, args.Branch, req.Actor, ttl); err != nil {
			return fail(err)
		}
		return ok(nil)

	case OpUnlockSubdir:
		var args LockSubdirArgs
		if err := decodeArgs(req, &args); err != nil {
			return fail(err)
		}
		unlocked, err := s.store.UnlockSubdirectory(ctx, args.Key, req.Actor)
		if err != nil {
			return fail(err)
		}
		return ok(map[string]bool{"unlocked": unlocked})

	case OpScoreRecord:
		var args ScoreRecordArgs
		if err := decodeArgs(req, &args); err != nil {
			return fail(err)
		}
		inserted, err := s.store.RecordMatchScore(ctx, args.Slug, args.Score, args.MaxScore, req.Actor)
		if err != nil {
			return fail(err)
		}
		return ok(map[string]bool{"recorded": inserted})

	case OpFunctionGet:
		var args FunctionGetArgs
		if err := decodeArgs(req, &args); err != nil {
			return fail(err)
		}
		fn, err := s.store.GetFunction(ctx, args.Name)
		if err != nil {
			return fail(err)
		}
		return ok(fn)

	case OpFunctionUpsert:
		var args FunctionUpsertArgs
		if err := decodeArgs(req, &args); err != nil {
			return fail(err)
		}
		fn, err := s.store.UpsertFunction(ctx, args.Name, args.Updates, req.Actor)
		if err != nil {
			return fail(err)
		}
		return ok(fn)

	case OpStateStatus:
		return s.stateStatus(ctx)

	default:
		return fail(fmt.Errorf("unknown operation %q", req.Operation))
	}
}

// StateStatusData summarizes the whole board for `state status`.
type StateStatusData struct {
	Counts       map[string]int        `json:"counts"`
	ActiveClaims []*types.Claim        `json:"active_claims,omitempty"`
	Locks        []*types.SubdirLock   `json:"locks,omitempty"`
	Agents       []*types.AgentSummary `json:"agents,omitempty"`
}

func (s *Server) stateStatus(ctx context.Context) *Response {
	funcs, err := s.store.GetAllFunctions(ctx)
	if err != nil {
		return fail(err)
	}
	counts := map[string]int{}
	for _, f := range funcs {
		counts[string(f.Status)]++
	}
	claims, err := s.store.GetActiveClaims(ctx)
	if err != nil {
		return fail(err)
	}
	locks, err := s.store.GetSubdirectoryLocks(ctx)
	if err != nil {
		return fail(err)
	}
	agents, err := s.store.GetAgentSummaries(ctx)
	if err != nil {
		return fail(err)
	}
	return ok(&StateStatusData{
		Counts:       counts,
		ActiveClaims: claims,
		Locks:        locks,
		Agents:       agents,
	})
}

func decodeArgs(req *Request, out interface{}) error {
	if len(req.Args) == 0 {
		return errors.New("missing args")
	}
	return json.Unmarshal(req.Args, out)
}

func ok(data interface{}) *Response {
	resp := &Response{Success: true}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fail(err)
		}
		resp.Data = b
	}
	return resp
}

func fail(err error) *Response {
	return &Response{Success: false, Error: err.Error()}
}
