// Package frontend is the seam between this module and the wire-level
// BMC implementation. The IPMI packet framing, session negotiation and
// authentication live in an external front-end library; a front end
// registers itself here by name, receives the decoded-request handler
// plus the forwarded credentials and bind address, and serves traffic
// until its context is canceled.
package frontend

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/vboxbmc/vboxbmc/internal/ipmi"
)

// Config carries the BMC credentials and bind address. The values are
// opaque to this module and forwarded to the front end as-is.
type Config struct {
	Username string
	Password string
	Address  string
	Port     int
}

// Listener is a running BMC front end bound to one VM's chassis handler.
type Listener interface {
	// Listen serves IPMI requests until ctx is canceled, then returns
	// ctx.Err().
	Listen(ctx context.Context) error
}

// Factory builds a Listener that decodes wire-level IPMI traffic and
// drives the given chassis handler.
type Factory func(cfg Config, handler *ipmi.ChassisHandler, log zerolog.Logger) (Listener, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a front end available under the given name. It panics
// if the name is already taken, mirroring database/sql driver
// registration.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	if factory == nil {
		panic("frontend: Register factory is nil")
	}
	if _, dup := factories[name]; dup {
		panic("frontend: Register called twice for " + name)
	}
	factories[name] = factory
}

// New builds a listener from the named registered front end.
func New(name string, cfg Config, handler *ipmi.ChassisHandler, log zerolog.Logger) (Listener, error) {
	mu.RLock()
	factory, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("frontend %q not registered (registered: %v)", name, Names())
	}
	return factory(cfg, handler, log)
}

// Names lists the registered front ends, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
