// Package security evaluates MCP tool calls against the per-workspace
// policy: tiered tool risk, hourly rate limits, and a read-taint bit
// that escalates writes after the session has consumed content from a
// public source.
package security

import (
	"fmt"
	"sync"
	"time"

	"github.com/pynchy/pynchy/internal/config"
)

// Tool risk tiers.
const (
	TierAlwaysApprove = "always-approve"
	TierRulesEngine   = "rules-engine"
	TierHumanApproval = "human-approval"
)

const rateWindow = time.Hour

// Decision is the outcome of one policy evaluation.
type Decision struct {
	Allowed    bool
	NeedsHuman bool
	Reason     string
}

// Gate is the policy state for one container invocation. It lives for
// the lifetime of a (folder, invocation_ts) pair and is dropped with
// the session.
type Gate struct {
	Folder       string
	InvocationTS int64

	profile     config.WorkspaceSecurity
	bypassHuman bool

	mu      sync.Mutex
	calls   map[string][]time.Time
	tainted map[string]bool
	now     func() time.Time
}

// NewGate builds a gate with the workspace's security profile. Admin
// workspaces pass bypassHuman so human-approval tiers resolve to
// allowed; this is policy as shipped, not an invariant.
func NewGate(folder string, invocationTS int64, profile config.WorkspaceSecurity, bypassHuman bool) *Gate {
	return &Gate{
		Folder:       folder,
		InvocationTS: invocationTS,
		profile:      profile,
		bypassHuman:  bypassHuman,
		calls:        make(map[string][]time.Time),
		tainted:      make(map[string]bool),
		now:          time.Now,
	}
}

// EvaluateWrite decides one tools/call request. Rate limits are hard
// blocks; tier and taint decide between allow and human approval.
func (g *Gate) EvaluateWrite(instanceID, tool string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if limit := g.rateLimit(tool); limit > 0 {
		if used := g.countRecent(tool); used >= limit {
			return Decision{
				Allowed: false,
				Reason:  fmt.Sprintf("rate limit exceeded for %s: %d calls in the last hour (limit %d)", tool, used, limit),
			}
		}
	}
	g.calls[tool] = append(g.calls[tool], g.now())

	tier := g.tierFor(tool)
	switch tier {
	case TierAlwaysApprove:
		return Decision{Allowed: true, Reason: "tool tier always-approve"}
	case TierHumanApproval:
		return g.humanDecision(fmt.Sprintf("tool %s requires human approval", tool))
	default:
		if g.anyTaintLocked() {
			return g.humanDecision(fmt.Sprintf("session has read untrusted content; write via %s requires human approval", tool))
		}
		return Decision{Allowed: true, Reason: "rules engine: no policy violation"}
	}
}

// EvaluateRead records that this session consumed content from the
// instance. Later writes consult the taint to gate exfiltration.
func (g *Gate) EvaluateRead(instanceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tainted[instanceID] = true
}

// Tainted reports whether any untrusted read has happened.
func (g *Gate) Tainted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.anyTaintLocked()
}

func (g *Gate) humanDecision(reason string) Decision {
	if g.bypassHuman {
		return Decision{Allowed: true, Reason: reason + " (admin bypass)"}
	}
	return Decision{Allowed: false, NeedsHuman: true, Reason: reason}
}

func (g *Gate) tierFor(tool string) string {
	if t, ok := g.profile.ToolTiers[tool]; ok && t != "" {
		return t
	}
	if g.profile.DefaultTier != "" {
		return g.profile.DefaultTier
	}
	return TierRulesEngine
}

func (g *Gate) rateLimit(tool string) int {
	if limit, ok := g.profile.ToolRateLimits[tool]; ok {
		return limit
	}
	return g.profile.MaxCallsPerHour
}

// countRecent prunes entries older than the window and returns the rest.
func (g *Gate) countRecent(tool string) int {
	cutoff := g.now().Add(-rateWindow)
	kept := g.calls[tool][:0]
	for _, ts := range g.calls[tool] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	g.calls[tool] = kept
	return len(kept)
}

func (g *Gate) anyTaintLocked() bool {
	return len(g.tainted) > 0
}

// Registry holds the live gates keyed by (folder, invocation_ts). The
// MCP proxy rejects requests whose pair has no gate.
type Registry struct {
	mu    sync.Mutex
	gates map[string]*Gate
}

func NewRegistry() *Registry {
	return &Registry{gates: make(map[string]*Gate)}
}

func gateKey(folder string, ts int64) string {
	return fmt.Sprintf("%s/%d", folder, ts)
}

// Create registers a gate for a fresh invocation, replacing any earlier
// gate for the same pair.
func (r *Registry) Create(folder string, invocationTS int64, profile config.WorkspaceSecurity, bypassHuman bool) *Gate {
	g := NewGate(folder, invocationTS, profile, bypassHuman)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gates[gateKey(folder, invocationTS)] = g
	return g
}

// Lookup returns the gate for the pair, or nil.
func (r *Registry) Lookup(folder string, invocationTS int64) *Gate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gates[gateKey(folder, invocationTS)]
}

// DropFolder removes every gate belonging to a workspace, called when
// its session is destroyed.
func (r *Registry) DropFolder(folder string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, g := range r.gates {
		if g.Folder == folder {
			delete(r.gates, key)
		}
	}
}
