// Package module defines the contract shared by every backup, upload,
// notification and restore step, and the fixed-order table that holds them.
package module

import (
	"context"
	"fmt"

	"github.com/paulschiretz/pgl-backitup/pkg/config"
	"github.com/paulschiretz/pgl-backitup/pkg/runctx"
)

// Descriptor is the static identity of a module.
type Descriptor struct {
	// Name is unique within a registry and keys the run's done/errors records.
	Name string
	// IgnoreErrors lets the main phase continue after this module failed.
	IgnoreErrors bool
	// AfterBackup places the module in the second phase, which always runs.
	AfterBackup bool
}

// Module is one unit of work. Execute returns nil on success, a hint when it
// had nothing to do, or an error. Modules append types and file names to the
// run context; outcomes are recorded by the runner.
type Module interface {
	Descriptor() Descriptor
	Enabled(cfg *config.Config) bool
	Execute(ctx context.Context, cfg *config.Config, rc *runctx.Context) error
}

// Func adapts plain functions to the Module interface.
type Func struct {
	Desc      Descriptor
	EnabledFn func(cfg *config.Config) bool
	ExecuteFn func(ctx context.Context, cfg *config.Config, rc *runctx.Context) error
}

func (f *Func) Descriptor() Descriptor { return f.Desc }

func (f *Func) Enabled(cfg *config.Config) bool {
	if f.EnabledFn == nil {
		return true
	}
	return f.EnabledFn(cfg)
}

func (f *Func) Execute(ctx context.Context, cfg *config.Config, rc *runctx.Context) error {
	return f.ExecuteFn(ctx, cfg, rc)
}

// Registry keeps modules in their execution order.
type Registry struct {
	modules []Module
	index   map[string]int
}

// NewRegistry builds a registry. Module names must be unique.
func NewRegistry(modules ...Module) (*Registry, error) {
	r := &Registry{index: make(map[string]int, len(modules))}
	for _, m := range modules {
		name := m.Descriptor().Name
		if name == "" {
			return nil, fmt.Errorf("module without name at position %d", len(r.modules))
		}
		if _, dup := r.index[name]; dup {
			return nil, fmt.Errorf("duplicate module name: %s", name)
		}
		r.index[name] = len(r.modules)
		r.modules = append(r.modules, m)
	}
	return r, nil
}

// MainPhase returns the main-phase modules in registration order.
func (r *Registry) MainPhase() []Module {
	return r.filter(false)
}

// AfterBackupPhase returns the after-backup modules in registration order.
func (r *Registry) AfterBackupPhase() []Module {
	return r.filter(true)
}

func (r *Registry) filter(afterBackup bool) []Module {
	var out []Module
	for _, m := range r.modules {
		if m.Descriptor().AfterBackup == afterBackup {
			out = append(out, m)
		}
	}
	return out
}

// Names returns all names in execution order: main phase first.
func (r *Registry) Names() []string {
	var names []string
	for _, m := range append(r.MainPhase(), r.AfterBackupPhase()...) {
		names = append(names, m.Descriptor().Name)
	}
	return names
}

// Position returns the execution rank of name, or -1 if unknown.
func (r *Registry) Position(name string) int {
	for i, n := range r.Names() {
		if n == name {
			return i
		}
	}
	return -1
}

// Lookup returns the module registered under name.
func (r *Registry) Lookup(name string) (Module, bool) {
	i, ok := r.index[name]
	if !ok {
		return nil, false
	}
	return r.modules[i], true
}
