// Package subs tracks store listener disposers keyed by their collection path.
//
// Paths are slash separated and hierarchical, e.g.
//
//	districts/Hyderabad/posts
//	districts/Hyderabad/posts/p1/comments
//	districts/Hyderabad/posts/p1/comments/c1/replies
//
// Tearing down a scope is a prefix disposal, so a post's whole comment/reply
// subtree goes away in one call.
package subs

import (
	"sort"
	"strings"
)

// Lease identifies one installation of a subscription at a path. Callbacks
// capture their lease and check Alive before mutating state, which drops
// snapshots that were already queued when the subscription was replaced.
type Lease struct {
	Path string
	gen  uint64
}

type entry struct {
	gen     uint64
	dispose func()
}

// Registry is not safe for concurrent use; it belongs to one event loop.
type Registry struct {
	entries map[string]entry
	gen     uint64
	// OnChange, when set, observes the live count after every mutation.
	OnChange func(live int)
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Reserve allocates a lease for path before the underlying subscribe call
// returns. Stores may deliver the first snapshot synchronously; the callback
// can then be matched against the reserved lease.
func (r *Registry) Reserve(path string) Lease {
	r.gen++
	if old, ok := r.entries[path]; ok && old.dispose != nil {
		old.dispose()
	}
	r.entries[path] = entry{gen: r.gen}
	r.changed()
	return Lease{Path: path, gen: r.gen}
}

// Bind attaches the disposer for a reserved lease. If the lease was released
// in the meantime the disposer runs immediately.
func (r *Registry) Bind(lease Lease, dispose func()) {
	e, ok := r.entries[lease.Path]
	if !ok || e.gen != lease.gen {
		if dispose != nil {
			dispose()
		}
		return
	}
	e.dispose = dispose
	r.entries[lease.Path] = e
}

// Set installs dispose at path, disposing any previous subscription there.
func (r *Registry) Set(path string, dispose func()) Lease {
	lease := r.Reserve(path)
	r.Bind(lease, dispose)
	return lease
}

// Alive reports whether lease is still the current installation at its path.
func (r *Registry) Alive(lease Lease) bool {
	e, ok := r.entries[lease.Path]
	return ok && e.gen == lease.gen
}

// Has reports whether any subscription is installed at path.
func (r *Registry) Has(path string) bool {
	_, ok := r.entries[path]
	return ok
}

// Dispose releases the subscription at path, if any.
func (r *Registry) Dispose(path string) bool {
	e, ok := r.entries[path]
	if !ok {
		return false
	}
	delete(r.entries, path)
	if e.dispose != nil {
		e.dispose()
	}
	r.changed()
	return true
}

// DisposePrefix releases path and every subscription nested below it.
func (r *Registry) DisposePrefix(prefix string) int {
	prefix = strings.TrimSuffix(prefix, "/")
	n := 0
	for _, path := range r.Paths() {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			e := r.entries[path]
			delete(r.entries, path)
			if e.dispose != nil {
				e.dispose()
			}
			n++
		}
	}
	if n > 0 {
		r.changed()
	}
	return n
}

// DisposeAll releases every subscription.
func (r *Registry) DisposeAll() int {
	n := len(r.entries)
	for _, path := range r.Paths() {
		e := r.entries[path]
		delete(r.entries, path)
		if e.dispose != nil {
			e.dispose()
		}
	}
	if n > 0 {
		r.changed()
	}
	return n
}

func (r *Registry) Len() int {
	return len(r.entries)
}

// LenPrefix counts subscriptions at or below prefix.
func (r *Registry) LenPrefix(prefix string) int {
	prefix = strings.TrimSuffix(prefix, "/")
	n := 0
	for path := range r.entries {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			n++
		}
	}
	return n
}

// Paths returns the installed paths in lexical order.
func (r *Registry) Paths() []string {
	paths := make([]string, 0, len(r.entries))
	for path := range r.entries {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func (r *Registry) changed() {
	if r.OnChange != nil {
		r.OnChange(len(r.entries))
	}
}

// Join builds a registry path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}
