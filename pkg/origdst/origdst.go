// Package origdst recovers the pre-redirection destination of an accepted
// TCP socket. Resolvers are selected by name at startup; the default
// "redirect" resolver reads the destination preserved by the kernel's
// connection tracking for packet-filter REDIRECT rules.
package origdst

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
)

var (
	// ErrNoOriginalDst means the socket was not produced by a redirection
	// rule, so there is no preserved destination to recover.
	ErrNoOriginalDst = errors.New("no original destination for socket")

	// ErrUnsupported means the host cannot answer original-destination
	// queries at all.
	ErrUnsupported = errors.New("original destination lookup not supported")
)

// A Resolver recovers the original destination of an accepted, redirected
// socket. The fd must be a connected TCP socket.
type Resolver interface {
	Lookup(fd int) (netip.AddrPort, error)
}

// A Registry holds at most one named resolver. It is written once at startup
// and read-only afterwards.
type Registry struct {
	mu   sync.Mutex
	name string
	r    Resolver
}

// Register sets the registry's resolver. It fails if one is already set.
func (g *Registry) Register(name string, r Resolver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.name != "" {
		return fmt.Errorf("backend %q already registered", g.name)
	}
	if name == "" || r == nil {
		return errors.New("invalid backend registration")
	}
	g.name = name
	g.r = r
	return nil
}

// SwitchTo returns the registered resolver if name matches it.
func (g *Registry) SwitchTo(name string) (Resolver, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.name == "" {
		return nil, errors.New("no backend registered")
	}
	if g.name != name {
		return nil, fmt.Errorf("backend %q not registered (have %q)", name, g.name)
	}
	return g.r, nil
}

// Active returns the registered resolver name, or "" if none is set.
func (g *Registry) Active() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.name
}

var global Registry

// Register sets the process-wide resolver. It fails if one is already set.
func Register(name string, r Resolver) error {
	return global.Register(name, r)
}

// SwitchTo returns the process-wide resolver if name matches it.
func SwitchTo(name string) (Resolver, error) {
	return global.SwitchTo(name)
}
