// Package router implements the Router / Namespace Registry from spec.md
// section 4.5: three independent indexes (tools, resources, prompts) from
// a prefixed public name to the owning backend, with lock-free reads and
// serialized per-key writes (spec.md section 5).
package router

import (
	"fmt"
	"strings"
	"sync"
)

const publicNamePrefix = "mcp__proxy__"

// Entry is one NamespaceEntry from spec.md section 3.
type Entry struct {
	BackendName  string
	OriginalName string
}

// index is one of the three disjoint tools/resources/prompts maps. It
// uses sync.Map so concurrent lookups never block each other. register
// stores directly into the sync.Map; the embedded mutex is taken only by
// the purges (unregisterBackend's O(N) scan and clear) to keep them
// consistent with one another.
type index struct {
	mu   sync.Mutex
	data sync.Map // public name -> Entry
}

func (ix *index) register(publicName string, e Entry) {
	ix.data.Store(publicName, e)
}

func (ix *index) lookup(publicName string) (Entry, bool) {
	v, ok := ix.data.Load(publicName)
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

func (ix *index) unregisterBackend(backend string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.data.Range(func(key, value any) bool {
		if value.(Entry).BackendName == backend {
			ix.data.Delete(key)
		}
		return true
	})
}

func (ix *index) clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.data.Range(func(key, _ any) bool {
		ix.data.Delete(key)
		return true
	})
}

// Kind selects which of the three disjoint indexes an operation targets.
type Kind int

const (
	Tools Kind = iota
	Resources
	Prompts
)

// Registry holds the three namespace indexes described in spec.md
// section 4.5.
type Registry struct {
	tools     index
	resources index
	prompts   index
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{}
}

func (r *Registry) indexFor(k Kind) *index {
	switch k {
	case Tools:
		return &r.tools
	case Resources:
		return &r.resources
	case Prompts:
		return &r.prompts
	default:
		panic(fmt.Sprintf("router: unknown namespace kind %d", k))
	}
}

// PublicName builds the prefixed public name for a tool/prompt:
// mcp__proxy__<backend>__<original> (spec.md section 3/6). Resources are
// registered under their own URI and never rewritten, since URIs are
// already globally distinct (spec.md section 4.5).
func PublicName(backend, original string) string {
	return publicNamePrefix + backend + "__" + original
}

// Register inserts or overwrites a namespace entry. For Resources, name
// should be the resource's own URI.
func (r *Registry) Register(k Kind, publicName, backend, original string) {
	r.indexFor(k).register(publicName, Entry{BackendName: backend, OriginalName: original})
}

// Lookup resolves a public name to its owning backend and original name.
func (r *Registry) Lookup(k Kind, publicName string) (Entry, bool) {
	return r.indexFor(k).lookup(publicName)
}

// UnregisterBackend purges every entry owned by backend across all three
// indexes — an O(N) scan per index, as spec.md documents.
func (r *Registry) UnregisterBackend(backend string) {
	r.tools.unregisterBackend(backend)
	r.resources.unregisterBackend(backend)
	r.prompts.unregisterBackend(backend)
}

// Clear empties all three indexes.
func (r *Registry) Clear() {
	r.tools.clear()
	r.resources.clear()
	r.prompts.clear()
}

// ParsePublicName splits a prefixed tool/prompt public name into its
// backend and original-name components. It returns ok=false for anything
// not carrying the mcp__proxy__ marker, which the dispatcher maps to a
// NamespaceMiss / -32601 error (spec.md section 4.5).
func ParsePublicName(publicName string) (backend, original string, ok bool) {
	if !strings.HasPrefix(publicName, publicNamePrefix) {
		return "", "", false
	}
	rest := publicName[len(publicNamePrefix):]
	idx := strings.Index(rest, "__")
	if idx < 0 {
		return "", "", false
	}
	backend = rest[:idx]
	original = rest[idx+2:]
	if backend == "" || original == "" {
		return "", "", false
	}
	return backend, original, true
}
