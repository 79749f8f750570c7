package common

import (
	"sort"
	"sync"
)

// Registry maps live socket handles to their connection state
type Registry[S any] struct {
	mutex   sync.RWMutex
	entries map[Handle]S
}

func NewRegistry[S any]() *Registry[S] {
	return &Registry[S]{entries: make(map[Handle]S)}
}

// Add stores state under handle, replacing whatever was there
func (r *Registry[S]) Add(handle Handle, state S) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.entries[handle] = state
}

// Remove deletes handle and reports whether it was present
func (r *Registry[S]) Remove(handle Handle) (S, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	state, ok := r.entries[handle]
	delete(r.entries, handle)
	return state, ok
}

func (r *Registry[S]) Get(handle Handle) (S, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	state, ok := r.entries[handle]
	return state, ok
}

func (r *Registry[S]) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return len(r.entries)
}

// Snapshot returns every state ordered by handle, oldest socket first
func (r *Registry[S]) Snapshot() []S {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	handles := r.sortedHandles()
	states := make([]S, 0, len(handles))
	for _, handle := range handles {
		states = append(states, r.entries[handle])
	}
	return states
}

func (r *Registry[S]) sortedHandles() []Handle {
	handles := make([]Handle, 0, len(r.entries))
	for handle := range r.entries {
		handles = append(handles, handle)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	return handles
}

// Each calls fn for every state in handle order until fn returns false
func (r *Registry[S]) Each(fn func(handle Handle, state S) bool) {
	r.mutex.RLock()
	handles := r.sortedHandles()
	r.mutex.RUnlock()

	for _, handle := range handles {
		state, ok := r.Get(handle)
		if !ok {
			continue
		}
		if !fn(handle, state) {
			return
		}
	}
}
