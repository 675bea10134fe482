// Package registry holds the tools, resources and prompts exposed by the
// gateway.
//
// Reads never lock: every registration publishes a fresh immutable
// snapshot. Registering a name that already exists replaces the previous
// definition and logs the overwrite.
package registry

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/xeipuuv/gojsonschema"

	"github.com/gaspardpetit/mcpgate/internal/logx"
)

type catalog[T Definition] struct {
	byName map[string]T
	sorted []T
}

func (c catalog[T]) with(defs []T) (catalog[T], []string) {
	next := catalog[T]{byName: make(map[string]T, len(c.byName)+len(defs))}
	for k, v := range c.byName {
		next.byName[k] = v
	}
	var replaced []string
	for _, d := range defs {
		if _, ok := next.byName[d.CapabilityName()]; ok {
			replaced = append(replaced, d.CapabilityName())
		}
		next.byName[d.CapabilityName()] = d
	}
	next.sorted = make([]T, 0, len(next.byName))
	for _, v := range next.byName {
		next.sorted = append(next.sorted, v)
	}
	slices.SortFunc(next.sorted, func(a, b T) int {
		return strings.Compare(a.CapabilityName(), b.CapabilityName())
	})
	return next, replaced
}

type snapshot struct {
	tools     catalog[*ToolDef]
	resources catalog[*ResourceDef]
	prompts   catalog[*PromptDef]
}

// Registry is safe for concurrent reads. Writers serialize among themselves.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// New returns an empty registry.
func New() *Registry {
	r := &Registry{}
	r.snap.Store(&snapshot{})
	return r
}

// Register adds definitions of one kind and returns the names whose
// previous definition was replaced. Definitions of another kind are
// rejected and nothing is registered.
func (r *Registry) Register(kind Kind, defs ...Definition) ([]string, error) {
	switch kind {
	case KindTool:
		tools := make([]ToolDef, 0, len(defs))
		for _, d := range defs {
			t, ok := d.(*ToolDef)
			if !ok {
				return nil, fmt.Errorf("registry: %s %q is not a tool", d.CapabilityKind(), d.CapabilityName())
			}
			tools = append(tools, *t)
		}
		return r.RegisterTools(tools...)
	case KindResource:
		res := make([]ResourceDef, 0, len(defs))
		for _, d := range defs {
			rd, ok := d.(*ResourceDef)
			if !ok {
				return nil, fmt.Errorf("registry: %s %q is not a resource", d.CapabilityKind(), d.CapabilityName())
			}
			res = append(res, *rd)
		}
		return r.RegisterResources(res...)
	case KindPrompt:
		prompts := make([]PromptDef, 0, len(defs))
		for _, d := range defs {
			p, ok := d.(*PromptDef)
			if !ok {
				return nil, fmt.Errorf("registry: %s %q is not a prompt", d.CapabilityKind(), d.CapabilityName())
			}
			prompts = append(prompts, *p)
		}
		return r.RegisterPrompts(prompts...)
	default:
		return nil, fmt.Errorf("registry: unknown kind %q", kind)
	}
}

// RegisterTools adds or replaces tools.
func (r *Registry) RegisterTools(defs ...ToolDef) ([]string, error) {
	ptrs := make([]*ToolDef, 0, len(defs))
	for i := range defs {
		d := defs[i]
		if d.Name == "" {
			return nil, fmt.Errorf("registry: tool without a name")
		}
		if (d.Handler == nil) == (d.Stream == nil) {
			return nil, fmt.Errorf("registry: tool %q must set exactly one of Handler and Stream", d.Name)
		}
		if len(d.InputSchema) > 0 {
			s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(d.InputSchema))
			if err != nil {
				return nil, fmt.Errorf("registry: tool %q input schema: %w", d.Name, err)
			}
			d.schema = s
		}
		ptrs = append(ptrs, &d)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snap.Load()
	next := *cur
	var replaced []string
	next.tools, replaced = cur.tools.with(ptrs)
	r.snap.Store(&next)
	logReplaced(KindTool, replaced)
	return replaced, nil
}

// RegisterResources adds or replaces resources, keyed by URI.
func (r *Registry) RegisterResources(defs ...ResourceDef) ([]string, error) {
	ptrs := make([]*ResourceDef, 0, len(defs))
	for i := range defs {
		d := defs[i]
		if d.URI == "" {
			return nil, fmt.Errorf("registry: resource without a URI")
		}
		if d.Handler == nil {
			return nil, fmt.Errorf("registry: resource %q has no handler", d.URI)
		}
		ptrs = append(ptrs, &d)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snap.Load()
	next := *cur
	var replaced []string
	next.resources, replaced = cur.resources.with(ptrs)
	r.snap.Store(&next)
	logReplaced(KindResource, replaced)
	return replaced, nil
}

// RegisterPrompts adds or replaces prompts.
func (r *Registry) RegisterPrompts(defs ...PromptDef) ([]string, error) {
	ptrs := make([]*PromptDef, 0, len(defs))
	for i := range defs {
		d := defs[i]
		if d.Name == "" {
			return nil, fmt.Errorf("registry: prompt without a name")
		}
		if d.Handler == nil {
			return nil, fmt.Errorf("registry: prompt %q has no handler", d.Name)
		}
		ptrs = append(ptrs, &d)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snap.Load()
	next := *cur
	var replaced []string
	next.prompts, replaced = cur.prompts.with(ptrs)
	r.snap.Store(&next)
	logReplaced(KindPrompt, replaced)
	return replaced, nil
}

func logReplaced(kind Kind, names []string) {
	for _, n := range names {
		logx.Log.Warn().Str("kind", string(kind)).Str("name", n).Msg("capability definition replaced")
	}
}

// Tool resolves a tool by name.
func (r *Registry) Tool(name string) (*ToolDef, bool) {
	d, ok := r.snap.Load().tools.byName[name]
	return d, ok
}

// Resource resolves a resource by URI.
func (r *Registry) Resource(uri string) (*ResourceDef, bool) {
	d, ok := r.snap.Load().resources.byName[uri]
	return d, ok
}

// Prompt resolves a prompt by name.
func (r *Registry) Prompt(name string) (*PromptDef, bool) {
	d, ok := r.snap.Load().prompts.byName[name]
	return d, ok
}

// Resolve looks a definition up by kind and name.
func (r *Registry) Resolve(kind Kind, name string) (Definition, bool) {
	switch kind {
	case KindTool:
		if d, ok := r.Tool(name); ok {
			return d, true
		}
	case KindResource:
		if d, ok := r.Resource(name); ok {
			return d, true
		}
	case KindPrompt:
		if d, ok := r.Prompt(name); ok {
			return d, true
		}
	}
	return nil, false
}

// Tools lists tools sorted by name. The slice must not be modified.
func (r *Registry) Tools() []*ToolDef { return r.snap.Load().tools.sorted }

// Resources lists resources sorted by URI. The slice must not be modified.
func (r *Registry) Resources() []*ResourceDef { return r.snap.Load().resources.sorted }

// Prompts lists prompts sorted by name. The slice must not be modified.
func (r *Registry) Prompts() []*PromptDef { return r.snap.Load().prompts.sorted }

// List returns the definitions of one kind sorted by name.
func (r *Registry) List(kind Kind) []Definition {
	var out []Definition
	switch kind {
	case KindTool:
		for _, d := range r.Tools() {
			out = append(out, d)
		}
	case KindResource:
		for _, d := range r.Resources() {
			out = append(out, d)
		}
	case KindPrompt:
		for _, d := range r.Prompts() {
			out = append(out, d)
		}
	}
	return out
}

// ToolTier returns the rate-limit tier declared by a tool.
func (r *Registry) ToolTier(name string) (string, bool) {
	d, ok := r.Tool(name)
	if !ok || d.Tier == "" {
		return "", false
	}
	return d.Tier, true
}
