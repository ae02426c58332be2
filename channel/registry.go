// Package channel resolves an inbound model name to an upstream target.
// A model may be served by more than one channel; Resolve degrades to the
// unhealthy pool rather than failing outright, and spreads load across
// healthy candidates by a stable hash of the caller's api key.
package channel

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
)

// Status is the administrative state of a channel.
type Status string

const (
	StatusEnabled  Status = "enabled"
	StatusDisabled Status = "disabled"
)

// Channel is one upstream inference backend a model can be routed to.
type Channel struct {
	ID             string
	Name           string
	UpstreamURL    string
	UpstreamSecret string
	// ModelRedirect maps a public model name to the name the upstream
	// actually expects, when they differ.
	ModelRedirect map[string]string
	Status        Status
	// Health reflects the hysteresis-smoothed health checker verdict, not
	// the raw last probe result.
	Health bool
}

func (c Channel) enabled() bool { return c.Status == StatusEnabled }

// ModelNotFoundError reports an unknown model, optionally suggesting the
// closest known name.
type ModelNotFoundError struct {
	Model      string
	Suggestion string
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("未找到模型[%s]的渠道", e.Model)
}

// RoutingTable maps model name to the channels that can serve it.
type RoutingTable struct {
	mu      sync.RWMutex
	byModel map[string][]Channel
}

// NewRoutingTable builds a routing table from a flat channel list keyed by
// the models each channel serves.
func NewRoutingTable(byModel map[string][]Channel) *RoutingTable {
	return &RoutingTable{byModel: byModel}
}

// Replace swaps the entire table, used when the channel registry is
// refreshed from its backing store.
func (t *RoutingTable) Replace(byModel map[string][]Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byModel = byModel
}

func (t *RoutingTable) channelsFor(model string) ([]Channel, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.byModel[model]
	return c, ok
}

// Models returns every model name the table currently knows about, used to
// compute "did you mean" suggestions and to serve the models listing.
func (t *RoutingTable) Models() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.byModel))
	for m := range t.byModel {
		names = append(names, m)
	}
	return names
}

// Resolved is the outcome of Resolve: which channel to use, which model
// name to send it, and the fully composed upstream URL.
type Resolved struct {
	Channel    Channel
	ProxyModel string
	ProxyURL   string
}

// Resolve picks a channel for model and composes the upstream request
// target. Selection prefers healthy channels but degrades to the full
// candidate set if none are healthy (an outage shouldn't 503 every
// request when the health checker itself might be wrong). A single
// candidate is used directly; multiple candidates are distributed by a
// stable hash of apiKey so repeat calls from the same key tend to land on
// the same channel, falling back to uniform random when apiKey is empty.
func (t *RoutingTable) Resolve(model, apiKey, reqPath string) (Resolved, error) {
	channels, ok := t.channelsFor(model)
	if !ok || len(channels) == 0 {
		return Resolved{}, &ModelNotFoundError{Model: model, Suggestion: t.suggest(model)}
	}

	candidates := filterEnabled(channels)
	if len(candidates) == 0 {
		return Resolved{}, &ModelNotFoundError{Model: model}
	}

	healthy := filterHealthy(candidates)
	pool := candidates
	if len(healthy) > 0 {
		pool = healthy
	}

	channel := selectChannel(pool, apiKey)

	proxyModel := model
	if redirect, ok := channel.ModelRedirect[model]; ok && redirect != "" {
		proxyModel = redirect
	}

	proxyURL, err := composeURL(channel.UpstreamURL, reqPath)
	if err != nil {
		return Resolved{}, err
	}

	return Resolved{Channel: channel, ProxyModel: proxyModel, ProxyURL: proxyURL}, nil
}

func (t *RoutingTable) suggest(model string) string {
	candidates := t.Models()
	best := ""
	bestDist := -1
	for _, m := range candidates {
		d := levenshtein.ComputeDistance(model, m)
		if bestDist == -1 || d < bestDist {
			bestDist = d
			best = m
		}
	}
	// Only offer a suggestion close enough to plausibly be a typo.
	if bestDist >= 0 && bestDist <= 3 {
		return best
	}
	return ""
}

func filterEnabled(channels []Channel) []Channel {
	out := make([]Channel, 0, len(channels))
	for _, c := range channels {
		if c.enabled() {
			out = append(out, c)
		}
	}
	return out
}

func filterHealthy(channels []Channel) []Channel {
	out := make([]Channel, 0, len(channels))
	for _, c := range channels {
		if c.Health {
			out = append(out, c)
		}
	}
	return out
}

func selectChannel(pool []Channel, apiKey string) Channel {
	if len(pool) == 1 {
		return pool[0]
	}
	if apiKey != "" {
		return pool[stableIndex(apiKey, len(pool))]
	}
	return pool[rand.Intn(len(pool))]
}

// stableIndex hashes apiKey to a deterministic index in [0, n). sha256 is
// used instead of Go's builtin hash/maphash so the same key always maps to
// the same index across process restarts (map iteration/hash seeding in Go
// is randomized per-process and would break the stickiness this is for).
func stableIndex(apiKey string, n int) int {
	sum := sha256.Sum256([]byte(apiKey))
	v := binary.BigEndian.Uint64(sum[:8])
	return int(v % uint64(n))
}

// composeURL applies the upstream URL suffix convention: a trailing '#'
// means use the host as-is with no path appended; a trailing '/' means
// strip the slash and append reqPath directly; anything else gets '/v1'
// plus reqPath appended.
func composeURL(upstream, reqPath string) (string, error) {
	if _, err := url.Parse(upstream); err != nil {
		return "", fmt.Errorf("invalid upstream url %q: %w", upstream, err)
	}
	reqPath = strings.TrimPrefix(reqPath, "/v1")
	switch {
	case strings.HasSuffix(upstream, "#"):
		return strings.TrimSuffix(upstream, "#"), nil
	case strings.HasSuffix(upstream, "/"):
		return strings.TrimSuffix(upstream, "/") + reqPath, nil
	default:
		return upstream + "/v1" + reqPath, nil
	}
}
