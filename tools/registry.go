// Package tools holds the domain operations exposed to clients through
// tools/list and tools/call.
package tools

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/ggoodman/mcp-gateway/mcp"
)

// ErrToolNotFound is returned by Call for unknown tool names.
var ErrToolNotFound = errors.New("tool not found")

// Handler runs one tool invocation. The caller's identity is available
// through auth.CurrentIdentity(ctx).
type Handler func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error)

// Tool pairs a descriptor with its handler.
type Tool struct {
	Descriptor mcp.Tool
	Handler    Handler
}

// Registry is a concurrency-safe set of tools grouped by source. Every change
// is announced on Changes.
type Registry struct {
	mu       sync.RWMutex
	sources  map[string][]Tool
	order    []string
	pageSize int

	notifier ChangeNotifier
}

// NewRegistry returns a registry holding builtin under the "builtin" source.
func NewRegistry(builtin ...Tool) *Registry {
	r := &Registry{sources: make(map[string][]Tool), pageSize: 50}
	if len(builtin) > 0 {
		r.sources["builtin"] = builtin
		r.order = append(r.order, "builtin")
	}
	return r
}

// SetPageSize changes the tools/list page size. Non-positive values are ignored.
func (r *Registry) SetPageSize(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.pageSize = n
	r.mu.Unlock()
}

// Replace swaps the tools contributed by source and announces the change.
func (r *Registry) Replace(source string, defs ...Tool) {
	r.mu.Lock()
	if _, ok := r.sources[source]; !ok {
		r.order = append(r.order, source)
	}
	r.sources[source] = slices.Clone(defs)
	r.mu.Unlock()
	r.notifier.Notify()
}

// Add registers a single tool under the "builtin" source. It reports false
// if a tool with the same name already exists.
func (r *Registry) Add(def Tool) bool {
	r.mu.Lock()
	if r.lookupLocked(def.Descriptor.Name) != nil {
		r.mu.Unlock()
		return false
	}
	if _, ok := r.sources["builtin"]; !ok {
		r.order = append(r.order, "builtin")
	}
	r.sources["builtin"] = append(r.sources["builtin"], def)
	r.mu.Unlock()
	r.notifier.Notify()
	return true
}

// Remove drops the named tool from whichever source holds it.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	removed := false
	for src, defs := range r.sources {
		n := slices.DeleteFunc(slices.Clone(defs), func(t Tool) bool { return t.Descriptor.Name == name })
		if len(n) != len(defs) {
			r.sources[src] = n
			removed = true
		}
	}
	r.mu.Unlock()
	if removed {
		r.notifier.Notify()
	}
	return removed
}

// Changes returns a channel signalled after every change to the set.
func (r *Registry) Changes() <-chan struct{} {
	return r.notifier.Subscribe()
}

// Close releases change subscribers.
func (r *Registry) Close() {
	r.notifier.Close()
}

// lookupLocked finds a tool by name; first source wins on duplicates.
func (r *Registry) lookupLocked(name string) *Tool {
	for _, src := range r.order {
		for i := range r.sources[src] {
			if r.sources[src][i].Descriptor.Name == name {
				return &r.sources[src][i]
			}
		}
	}
	return nil
}

func (r *Registry) snapshot() ([]mcp.Tool, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	var out []mcp.Tool
	for _, src := range r.order {
		for _, t := range r.sources[src] {
			if seen[t.Descriptor.Name] {
				continue
			}
			seen[t.Descriptor.Name] = true
			out = append(out, t.Descriptor)
		}
	}
	return out, r.pageSize
}

// List returns one page of descriptors. The cursor is the offset returned as
// NextCursor by the previous page.
func (r *Registry) List(cursor string) mcp.ListToolsResult {
	all, pageSize := r.snapshot()

	start, err := strconv.Atoi(cursor)
	if err != nil || start < 0 || start > len(all) {
		start = 0
	}
	end := min(start+pageSize, len(all))
	res := mcp.ListToolsResult{Tools: slices.Clone(all[start:end])}
	if res.Tools == nil {
		res.Tools = []mcp.Tool{}
	}
	if end < len(all) {
		res.NextCursor = strconv.Itoa(end)
	}
	return res
}

// Call dispatches req to the named tool.
func (r *Registry) Call(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if req == nil || req.Name == "" {
		return nil, errors.New("invalid tool request: missing name")
	}
	r.mu.RLock()
	t := r.lookupLocked(req.Name)
	var h Handler
	if t != nil {
		h = t.Handler
	}
	r.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, req.Name)
	}
	return h(ctx, req)
}

// TextResult builds a single-text-block result.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.Text(s)}}
}

// Errorf builds a result flagged as a tool-level error.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.Text(fmt.Sprintf(format, a...))}, IsError: true}
}
