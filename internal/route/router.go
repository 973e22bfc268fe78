// Package route maps inbound messages to employees. Routing is a pure
// lookup over a configuration snapshot: exact (channel, address) match,
// then per-channel wildcard, then the global default.
package route

import (
	"strings"
	"sync"

	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/config"
)

// Decision is the outcome of routing one inbound message.
type Decision struct {
	EmployeeID string
	// Matched records which rule fired: "exact", "wildcard", "default".
	Matched string
}

// NoRoute reports whether the decision is empty.
func (d Decision) NoRoute() bool { return d.EmployeeID == "" }

// Router resolves (channel, service address) to an employee id. Safe for
// concurrent use; Reload swaps the table atomically.
type Router struct {
	mu       sync.RWMutex
	exact    map[string]string // "channel|normalized address" → employee
	wildcard map[channel.Channel]string
	fallback string
}

// New builds a router from the configured route table.
func New(cfg config.Config) *Router {
	r := &Router{}
	r.Reload(cfg)
	return r
}

// Reload replaces the routing table from a fresh config snapshot.
func (r *Router) Reload(cfg config.Config) {
	exact := make(map[string]string, len(cfg.Routes))
	wildcard := make(map[channel.Channel]string)
	for _, rt := range cfg.Routes {
		ch, err := channel.Parse(rt.Channel)
		if err != nil {
			continue
		}
		if rt.Key == "*" {
			wildcard[ch] = rt.Employee
			continue
		}
		exact[routeKey(ch, rt.Key)] = rt.Employee
	}
	// Employee addresses double as exact email routes.
	for _, e := range cfg.Employees {
		for _, addr := range e.Addresses {
			key := routeKey(channel.Email, addr)
			if _, taken := exact[key]; !taken {
				exact[key] = e.ID
			}
		}
	}

	r.mu.Lock()
	r.exact = exact
	r.wildcard = wildcard
	r.fallback = cfg.DefaultEmployee
	r.mu.Unlock()
}

// Route resolves the message's (channel, service address). A zero
// Decision means no-route: the gateway records and drops the message.
func (r *Router) Route(msg channel.InboundMessage) Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if emp, ok := r.exact[routeKey(msg.Channel, msg.ServiceAddress)]; ok {
		return Decision{EmployeeID: emp, Matched: "exact"}
	}
	if emp, ok := r.wildcard[msg.Channel]; ok {
		return Decision{EmployeeID: emp, Matched: "wildcard"}
	}
	if r.fallback != "" {
		return Decision{EmployeeID: r.fallback, Matched: "default"}
	}
	return Decision{}
}

func routeKey(ch channel.Channel, address string) string {
	addr := strings.TrimSpace(address)
	if ch == channel.Email {
		if normalized, err := channel.NormalizeEmail(addr); err == nil {
			addr = normalized
		} else {
			addr = strings.ToLower(addr)
		}
	}
	return string(ch) + "|" + addr
}

// Blacklist is a normalized set of sender addresses dropped at the gate.
type Blacklist struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

// NewBlacklist normalizes and indexes the configured entries.
func NewBlacklist(entries []string) *Blacklist {
	b := &Blacklist{}
	b.Reload(entries)
	return b
}

// Reload replaces the entry set.
func (b *Blacklist) Reload(entries []string) {
	set := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if normalized, err := channel.NormalizeEmail(e); err == nil {
			set[normalized] = struct{}{}
			continue
		}
		set[strings.ToLower(strings.TrimSpace(e))] = struct{}{}
	}
	b.mu.Lock()
	b.set = set
	b.mu.Unlock()
}

// Blocked reports whether the sender identifier is blacklisted.
func (b *Blacklist) Blocked(sender channel.Identifier) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.set[strings.ToLower(sender.Value)]
	return ok
}
