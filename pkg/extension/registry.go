package extension

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/logger"
	"go.uber.org/zap"
)

// Constructor creates an operator instance for a registered name
type Constructor func() (Operator, error)

// Registry maps qualified operator names to constructors
type Registry struct {
	constructors map[string]Constructor
	mu           sync.RWMutex
	logger       *zap.Logger
}

var defaultRegistry = NewRegistry()

// NewRegistry creates an empty operator registry
func NewRegistry() *Registry {
	return &Registry{
		constructors: make(map[string]Constructor),
		logger:       logger.Get().With(zap.String("component", "operator_registry")),
	}
}

// Default returns the process-wide registry built-in operators register in
func Default() *Registry { return defaultRegistry }

// Register adds a constructor under name
func (r *Registry) Register(name string, ctor Constructor) error {
	if name == "" {
		return errors.New(errors.ErrorTypeConfig, "operator name cannot be empty")
	}
	if ctor == nil {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("operator %s has no constructor", name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.constructors[name]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("operator %s already registered", name))
	}

	r.constructors[name] = ctor
	r.logger.Debug("operator registered", zap.String("name", name))
	return nil
}

// MustRegister is Register for init functions; it panics on conflict
func (r *Registry) MustRegister(name string, ctor Constructor) {
	if err := r.Register(name, ctor); err != nil {
		panic(err)
	}
}

// Lookup returns the constructor registered under name
func (r *Registry) Lookup(name string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.constructors[name]
	return ctor, ok
}

// Names returns the registered names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register adds a constructor to the default registry
func Register(name string, ctor Constructor) error {
	return defaultRegistry.Register(name, ctor)
}

// MustRegister adds a constructor to the default registry or panics
func MustRegister(name string, ctor Constructor) {
	defaultRegistry.MustRegister(name, ctor)
}

// Names lists the default registry
func Names() []string {
	return defaultRegistry.Names()
}
