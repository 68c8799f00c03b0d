package scratchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/debug"
)

// probeCache is the on-disk record of the last successful base-URL probe.
type probeCache struct {
	BaseURL  string    `json:"base_url"`
	ProbedAt time.Time `json:"probed_at"`
}

// ProbeBaseURL picks the first reachable scratch instance from candidates,
// preferring a local instance over the public one. The winner is cached in
// cacheFile for ttl so routine CLI calls skip the probe; a cached URL that
// stops answering falls through to a fresh probe.
func ProbeBaseURL(ctx context.Context, candidates []string, cacheFile string, ttl time.Duration) (string, error) {
	if cached, ok := readProbeCache(cacheFile, ttl); ok {
		if probeOnce(ctx, cached) {
			return cached, nil
		}
		debug.Logf("cached scratch instance %s no longer answering", cached)
	}

	for _, base := range candidates {
		if probeOnce(ctx, base) {
			writeProbeCache(cacheFile, base)
			return base, nil
		}
	}
	return "", &HTTPError{Status: 0, Body: "no scratch instance reachable"}
}

// probeOnce checks that an instance answers its compiler listing endpoint
// within a short deadline.
func probeOnce(ctx context.Context, base string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/compiler", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

func readProbeCache(path string, ttl time.Duration) (string, bool) {
	if path == "" {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	var pc probeCache
	if err := json.Unmarshal(data, &pc); err != nil {
		return "", false
	}
	if pc.BaseURL == "" || time.Since(pc.ProbedAt) > ttl {
		return "", false
	}
	return pc.BaseURL, true
}

func writeProbeCache(path, baseURL string) {
	if path == "" {
		return
	}
	data, err := json.Marshal(probeCache{BaseURL: baseURL, ProbedAt: time.Now()})
	if err != nil {
		return
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		debug.Logf("could not write probe cache %s: %v", path, err)
	}
}
