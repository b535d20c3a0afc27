package service

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/marmos91/gridrpc/internal/logger"
	"github.com/marmos91/gridrpc/pkg/config"
	"github.com/marmos91/gridrpc/pkg/registry"
)

// Endpoint describes a service served by the process.
type Endpoint struct {
	Name string
	URL  string
}

// Directory lists the endpoints of the process. The reactor provides it.
type Directory interface {
	Endpoints() []Endpoint
}

// Environment is what a factory may use to build a handler.
type Environment struct {
	Store     config.Store
	Registry  *registry.Registry
	Directory Directory
	Logger    *logger.Logger
}

// Factory builds the handler of one service.
type Factory func(d *config.ServiceDescriptor, env Environment) (*Handler, error)

// Catalog maps module names to factories. The Module option of a
// service section selects the entry; it defaults to the service name.
// Module names are matched case-insensitively.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]catalogEntry
}

type catalogEntry struct {
	name    string
	factory Factory
}

func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]catalogEntry)}
}

// Register adds a factory. Registering a module twice replaces it.
func (c *Catalog) Register(module string, f Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[strings.ToLower(module)] = catalogEntry{name: module, factory: f}
}

// Modules lists the registered module names.
func (c *Catalog) Modules() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.factories))
	for _, e := range c.factories {
		out = append(out, e.name)
	}
	sort.Strings(out)
	return out
}

// Build creates the handler of d.
func (c *Catalog) Build(d *config.ServiceDescriptor, env Environment) (*Handler, error) {
	c.mu.RLock()
	e, ok := c.factories[strings.ToLower(d.Module)]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("service %s: no module %q in catalog", d.Name, d.Module)
	}
	h, err := e.factory(d, env)
	if err != nil {
		return nil, fmt.Errorf("service %s: build handler: %w", d.Name, err)
	}
	return h, nil
}
