// Package policy implements the host's policy gate: publish a
// decision request on the configured policy subject, await a bounded
// response, and cache the verdict for the TTL the service grants.
package policy

import (
	"context"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/wasmcloud/host/bus"
	"github.com/wasmcloud/host/claims"
	"github.com/wasmcloud/host/cluster"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

type request struct {
	HostID  string                  `json:"host_id"`
	Subject string                  `json:"subject"`
	Action  claims.Action           `json:"action"`
	Target  string                  `json:"target"`
	Claims  *cluster.VerifiedClaims `json:"claims,omitempty"`
}

type response struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason,omitempty"`
	TTL      int64    `json:"ttl_seconds,omitempty"`
}

// Gate evaluates policy decisions. A Gate with no configured subject
// always allows.
type Gate struct {
	conn    bus.Conn
	subject string
	timeout time.Duration

	cacheMu sync.Mutex
	cache   map[cacheKey]cacheEntry
}

type cacheKey struct {
	subject string // subject of the token
	action  claims.Action
	target  string
}

type cacheEntry struct {
	decision Decision
	reason   string
	expires  time.Time
}

func New(conn bus.Conn, subject string, timeout time.Duration) *Gate {
	return &Gate{conn: conn, subject: subject, timeout: timeout, cache: make(map[cacheKey]cacheEntry)}
}

// Configured reports whether a policy service subject was set.
func (g *Gate) Configured() bool { return g.subject != "" }

func (g *Gate) Evaluate(ctx context.Context, hostID string, vc *cluster.VerifiedClaims, action claims.Action, target string) (Decision, string, error) {
	if !g.Configured() {
		return Allow, "", nil
	}

	tokenSubject := ""
	if vc != nil {
		tokenSubject = vc.Subject
	}
	key := cacheKey{subject: tokenSubject, action: action, target: target}

	if d, reason, ok := g.cached(key); ok {
		return d, reason, nil
	}

	reqBody, err := json.Marshal(request{HostID: hostID, Subject: tokenSubject, Action: action, Target: target, Claims: vc})
	if err != nil {
		return Deny, "", errors.Wrap(err, "policy: encode request")
	}

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	raw, err := g.conn.Request(cctx, g.subject, reqBody)
	if err != nil {
		// Timeout, transport error, or unreachable policy service: deny
		// because one is configured.
		return Deny, "policy service unreachable", nil
	}

	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Deny, "policy service returned malformed response", nil
	}

	if resp.TTL > 0 {
		g.store(key, resp.Decision, resp.Reason, time.Duration(resp.TTL)*time.Second)
	}
	return resp.Decision, resp.Reason, nil
}

func (g *Gate) cached(key cacheKey) (Decision, string, bool) {
	g.cacheMu.Lock()
	defer g.cacheMu.Unlock()
	e, ok := g.cache[key]
	if !ok || time.Now().After(e.expires) {
		delete(g.cache, key)
		return "", "", false
	}
	return e.decision, e.reason, true
}

func (g *Gate) store(key cacheKey, d Decision, reason string, ttl time.Duration) {
	g.cacheMu.Lock()
	defer g.cacheMu.Unlock()
	g.cache[key] = cacheEntry{decision: d, reason: reason, expires: time.Now().Add(ttl)}
}
