// Package tools resolves upstream tool calls against a per-session registry
// of local callables.
package tools

import (
	"context"
	"sort"
	"strings"

	"github.com/vango-go/vai-live-bridge/pkg/core/realtime"
)

// Func is a tool implementation. A returned map is forwarded as-is; any
// other value is wrapped as {"result": value}.
type Func func(ctx context.Context, args map[string]any) (any, error)

type Tool struct {
	Name        string
	Description string
	Parameters  *realtime.Schema
	Func        Func
}

func (t Tool) Declaration() realtime.FunctionDeclaration {
	return realtime.FunctionDeclaration{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  t.Parameters,
	}
}

// Registry maps tool names to tools. It is built once per session and is
// read-only afterwards.
type Registry struct {
	byName map[string]Tool
}

func NewRegistry(tools ...Tool) *Registry {
	registry := &Registry{byName: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		name := strings.TrimSpace(t.Name)
		if name == "" || t.Func == nil {
			continue
		}
		t.Name = name
		registry.byName[name] = t
	}
	return registry
}

func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.byName[strings.TrimSpace(name)]
	return ok
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	if r == nil {
		return Tool{}, false
	}
	t, ok := r.byName[strings.TrimSpace(name)]
	return t, ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Declarations returns function declarations sorted by name for the upstream handshake.
func (r *Registry) Declarations() []realtime.FunctionDeclaration {
	names := r.Names()
	out := make([]realtime.FunctionDeclaration, 0, len(names))
	for _, name := range names {
		out = append(out, r.byName[name].Declaration())
	}
	return out
}
