// Package scratchapi is a client for the decompilation scratch service.
//
// A scratch is a remote compile sandbox: source plus context plus target
// assembly, compiled server-side and diffed against the target. The client
// talks to either a local instance or the public one, with per-agent cookie
// and claim-token persistence so a session's scratches stay editable across
// CLI invocations.
package scratchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/debug"
)

// ErrDecompileUnavailable indicates the service cannot produce an initial
// decompilation for this platform. Callers proceed with empty source.
var ErrDecompileUnavailable = errors.New("decompilation not available on this instance")

// ErrNotFound indicates the scratch does not exist on the service.
var ErrNotFound = errors.New("scratch not found")

// Client talks to one scratch service instance.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  *TokenStore
	retries uint64

	// Defaults applied to created scratches.
	Platform string
	Compiler string
	Preset   string
}

// Option configures a Client.
type Option func(*Client)

// WithRetries sets how many times transient failures are retried.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.retries = uint64(n)
		}
	}
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client (tests).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a client for the given base URL. cookiePath and tokenPath are
// per-agent persistence files; either may be empty to disable persistence.
func New(baseURL, cookiePath, tokenPath string, opts ...Option) (*Client, error) {
	jar, err := loadCookieJar(cookiePath, baseURL)
	if err != nil {
		return nil, err
	}
	tokens, err := LoadTokenStore(tokenPath)
	if err != nil {
		return nil, err
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 30 * time.Second,
			Jar:     jar,
		},
		tokens:  tokens,
		retries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the instance this client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ScratchURL returns the browser URL for a scratch.
func (c *Client) ScratchURL(slug string) string {
	return c.baseURL + "/scratch/" + slug
}

// Scratch is the service's representation of a compile sandbox.
type Scratch struct {
	Slug         string `json:"slug"`
	Name         string `json:"name"`
	Owner        *Owner `json:"owner"`
	SourceCode   string `json:"source_code"`
	Context      string `json:"context"`
	Compiler     string `json:"compiler"`
	Platform     string `json:"platform"`
	Score        int    `json:"score"`
	MaxScore     int    `json:"max_score"`
	ClaimToken   string `json:"claim_token,omitempty"`
	ParentSlug   string `json:"parent,omitempty"`
	LastUpdated  string `json:"last_updated,omitempty"`
	MatchPercent float64
}

// Owner identifies a scratch's owning session or user.
type Owner struct {
	Username  string `json:"username"`
	IsAnon    bool   `json:"is_anonymous"`
	SessionID string `json:"id,omitempty"`
}

// CreateRequest holds the fields for a new scratch.
type CreateRequest struct {
	Name          string `json:"name"`
	DiffLabel     string `json:"diff_label"`
	Platform      string `json:"platform"`
	Compiler      string `json:"compiler"`
	CompilerFlags string `json:"compiler_flags,omitempty"`
	Preset        string `json:"preset,omitempty"`
	SourceCode    string `json:"source_code"`
	Context       string `json:"context"`
	TargetAsm     string `json:"target_asm"`
}

// Create makes a new scratch and stores its claim token.
func (c *Client) Create(ctx context.Context, req *CreateRequest) (*Scratch, error) {
	if req.Platform == "" {
		req.Platform = c.Platform
	}
	if req.Compiler == "" {
		req.Compiler = c.Compiler
	}
	if req.Preset == "" {
		req.Preset = c.Preset
	}

	var sc Scratch
	if err := c.doJSON(ctx, http.MethodPost, "/api/scratch", req, &sc); err != nil {
		return nil, fmt.Errorf("failed to create scratch: %w", err)
	}
	if sc.ClaimToken != "" {
		c.tokens.Set(sc.Slug, sc.ClaimToken)
	}
	return &sc, nil
}

// Get fetches a scratch by slug.
func (c *Client) Get(ctx context.Context, slug string) (*Scratch, error) {
	var sc Scratch
	if err := c.doJSON(ctx, http.MethodGet, "/api/scratch/"+slug, nil, &sc); err != nil {
		return nil, fmt.Errorf("failed to fetch scratch %s: %w", slug, err)
	}
	return &sc, nil
}

// UpdateSource pushes new source (and optionally context) to a scratch.
// On a 403 the client claims the scratch with its stored token and retries
// once; ownership lapses when the service session cookie rotates.
func (c *Client) UpdateSource(ctx context.Context, slug, source, ctxSource string) error {
	body := map[string]string{"source_code": source}
	if ctxSource != "" {
		body["context"] = ctxSource
	}

	err := c.withReclaim(ctx, slug, func() error {
		return c.doJSON(ctx, http.MethodPatch, "/api/scratch/"+slug, body, nil)
	})
	if err != nil {
		return fmt.Errorf("failed to update scratch %s: %w", slug, err)
	}
	return nil
}

// withReclaim runs one owner-gated request. On a 403 it claims the scratch
// with the stored token and retries exactly once; ownership lapses when the
// service session cookie rotates between CLI invocations.
func (c *Client) withReclaim(ctx context.Context, slug string, do func() error) error {
	err := do()
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.Status == http.StatusForbidden {
		debug.Logf("scratch %s not owned by session, re-claiming", slug)
		if claimErr := c.Claim(ctx, slug); claimErr != nil {
			return fmt.Errorf("%w (re-claim failed: %v)", err, claimErr)
		}
		return do()
	}
	return err
}

// Claim takes ownership of a scratch using the stored claim token.
func (c *Client) Claim(ctx context.Context, slug string) error {
	token := c.tokens.Get(slug)
	body := map[string]string{}
	if token != "" {
		body["token"] = token
	}
	var resp struct {
		Success bool `json:"success"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/scratch/"+slug+"/claim", body, &resp); err != nil {
		return fmt.Errorf("failed to claim scratch %s: %w", slug, err)
	}
	if !resp.Success {
		return fmt.Errorf("scratch %s claim rejected by service", slug)
	}
	return nil
}

// CompileResult is the outcome of a server-side compile and diff.
type CompileResult struct {
	Success        bool   `json:"success"`
	CompilerOutput string `json:"compiler_output"`
	DiffOutput     *struct {
		CurrentScore int `json:"current_score"`
		MaxScore     int `json:"max_score"`
	} `json:"diff_output"`
}

// Score returns the diff score. Compile failures report -1 so callers can
// distinguish "did not compile" from a perfect 0.
func (r *CompileResult) Score() (score, maxScore int) {
	if !r.Success || r.DiffOutput == nil {
		return -1, 0
	}
	return r.DiffOutput.CurrentScore, r.DiffOutput.MaxScore
}

// Compile compiles a scratch on the server and returns the diff result.
// Compilation is owner-gated like updates, so a 403 triggers the same
// re-claim-and-retry.
func (c *Client) Compile(ctx context.Context, slug string) (*CompileResult, error) {
	var res CompileResult
	err := c.withReclaim(ctx, slug, func() error {
		return c.doJSON(ctx, http.MethodPost, "/api/scratch/"+slug+"/compile", map[string]string{}, &res)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compile scratch %s: %w", slug, err)
	}
	return &res, nil
}

// Decompile asks the service for an initial decompilation of the target.
// Instances without a decompiler for the platform respond 404 or 501, which
// maps to ErrDecompileUnavailable.
func (c *Client) Decompile(ctx context.Context, slug string) (string, error) {
	var resp struct {
		Decompilation string `json:"decompilation"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/scratch/"+slug+"/decompile", map[string]string{}, &resp)
	if errors.Is(err, ErrNotFound) {
		return "", ErrDecompileUnavailable
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.Status == http.StatusNotImplemented {
		return "", ErrDecompileUnavailable
	}
	if err != nil {
		return "", fmt.Errorf("failed to decompile scratch %s: %w", slug, err)
	}
	return resp.Decompilation, nil
}

// Fork copies a scratch into a new one owned by this session.
func (c *Client) Fork(ctx context.Context, slug string) (*Scratch, error) {
	var sc Scratch
	if err := c.doJSON(ctx, http.MethodPost, "/api/scratch/"+slug+"/fork", map[string]string{}, &sc); err != nil {
		return nil, fmt.Errorf("failed to fork scratch %s: %w", slug, err)
	}
	if sc.ClaimToken != "" {
		c.tokens.Set(sc.Slug, sc.ClaimToken)
	}
	return &sc, nil
}

// Family lists a scratch and all its forks, so workflow can pick the best
// existing attempt instead of starting over.
func (c *Client) Family(ctx context.Context, slug string) ([]*Scratch, error) {
	var family []*Scratch
	if err := c.doJSON(ctx, http.MethodGet, "/api/scratch/"+slug+"/family", nil, &family); err != nil {
		return nil, fmt.Errorf("failed to fetch family of %s: %w", slug, err)
	}
	return family, nil
}

// Search finds scratches by name.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]*Scratch, error) {
	var resp struct {
		Results []*Scratch `json:"results"`
	}
	q := url.Values{
		"search":    {query},
		"page_size": {strconv.Itoa(limit)},
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/scratch?"+q.Encode(), nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to search scratches: %w", err)
	}
	return resp.Results, nil
}

// HTTPError is a non-2xx response from the service.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("scratch service returned %d", e.Status)
	if b := strings.TrimSpace(e.Body); b != "" && len(b) < 300 {
		msg += ": " + b
	}
	return msg
}

// doJSON performs one JSON request with retry on transient failures.
// 5xx responses and transport errors retry with exponential backoff; 4xx
// responses fail immediately since retrying cannot change the answer.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err // transport errors retry
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		switch {
		case resp.StatusCode >= 500:
			return &HTTPError{Status: resp.StatusCode, Body: string(respBody)}
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, path))
		case resp.StatusCode >= 400:
			return backoff.Permanent(&HTTPError{Status: resp.StatusCode, Body: string(respBody)})
		}

		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
			}
		}
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries), ctx)
	return backoff.Retry(op, bo)
}
