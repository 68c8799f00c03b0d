package scratchapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/debug"
)

// persistedCookie is the on-disk form of one cookie.
type persistedCookie struct {
	Name    string    `json:"name"`
	Value   string    `json:"value"`
	Domain  string    `json:"domain,omitempty"`
	Path    string    `json:"path,omitempty"`
	Expires time.Time `json:"expires,omitempty"`
	Secure  bool      `json:"secure,omitempty"`
}

// persistentJar wraps a cookiejar and writes it back to disk on every
// change. The session cookie is what makes the service recognize this
// agent as the owner of its scratches, and Cloudflare clearance cookies
// must survive restarts or the public instance blocks the client.
type persistentJar struct {
	mu    sync.Mutex
	inner http.CookieJar
	path  string
	u     *url.URL
}

func loadCookieJar(path, baseURL string) (http.CookieJar, error) {
	inner, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return inner, nil
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}
	jar := &persistentJar{inner: inner, path: path, u: u}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			debug.Logf("could not read cookie file %s: %v", path, err)
		}
		return jar, nil
	}
	var saved []persistedCookie
	if err := json.Unmarshal(data, &saved); err != nil {
		debug.Logf("discarding corrupt cookie file %s: %v", path, err)
		return jar, nil
	}
	cookies := make([]*http.Cookie, 0, len(saved))
	now := time.Now()
	for _, pc := range saved {
		if !pc.Expires.IsZero() && pc.Expires.Before(now) {
			continue
		}
		cookies = append(cookies, &http.Cookie{
			Name: pc.Name, Value: pc.Value, Domain: pc.Domain,
			Path: pc.Path, Expires: pc.Expires, Secure: pc.Secure,
		})
	}
	inner.SetCookies(u, cookies)
	return jar, nil
}

func (j *persistentJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.inner.SetCookies(u, cookies)
	j.save()
}

func (j *persistentJar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.inner.Cookies(u)
}

func (j *persistentJar) save() {
	cookies := j.inner.Cookies(j.u)
	out := make([]persistedCookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, persistedCookie{
			Name: c.Name, Value: c.Value, Domain: c.Domain,
			Path: c.Path, Expires: c.Expires, Secure: c.Secure,
		})
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(j.path, data, 0o600); err != nil {
		debug.Logf("could not persist cookies to %s: %v", j.path, err)
	}
}

// TokenStore persists scratch claim tokens per agent. Losing a token means
// losing the ability to edit a scratch after the session cookie rotates.
type TokenStore struct {
	mu     sync.Mutex
	path   string
	tokens map[string]string
}

// LoadTokenStore reads the token file, tolerating absence and corruption.
// An empty path yields an in-memory store.
func LoadTokenStore(path string) (*TokenStore, error) {
	ts := &TokenStore{path: path, tokens: map[string]string{}}
	if path == "" {
		return ts, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ts, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token store: %w", err)
	}
	if err := json.Unmarshal(data, &ts.tokens); err != nil {
		debug.Logf("discarding corrupt token store %s: %v", path, err)
		ts.tokens = map[string]string{}
	}
	return ts, nil
}

// Get returns the claim token for a slug, or "".
func (ts *TokenStore) Get(slug string) string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.tokens[slug]
}

// Set stores a claim token and persists the store.
func (ts *TokenStore) Set(slug, token string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.tokens[slug] = token
	if ts.path == "" {
		return
	}
	data, err := json.MarshalIndent(ts.tokens, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(ts.path, data, 0o600); err != nil {
		debug.Logf("could not persist tokens to %s: %v", ts.path, err)
	}
}
