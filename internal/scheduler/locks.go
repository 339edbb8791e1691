package scheduler

import (
	"path/filepath"
	"sort"
	"sync"
)

// ResourceLockManager serializes work on overlapping file scopes. Each path
// has its own mutex, so tasks touching disjoint files proceed in parallel.
type ResourceLockManager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewResourceLockManager creates a new ResourceLockManager.
func NewResourceLockManager() *ResourceLockManager {
	return &ResourceLockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

func (r *ResourceLockManager) lockFor(path string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.locks[path]
	if !ok {
		l = &sync.Mutex{}
		r.locks[path] = l
	}
	return l
}

// LockAll acquires every path's lock in sorted order so two callers with
// overlapping scopes cannot deadlock. Duplicate and equivalent paths are
// collapsed.
func (r *ResourceLockManager) LockAll(paths []string) {
	for _, p := range normalizePaths(paths) {
		r.lockFor(p).Lock()
	}
}

// UnlockAll releases the locks taken by LockAll with the same paths.
func (r *ResourceLockManager) UnlockAll(paths []string) {
	keys := normalizePaths(paths)
	for i := len(keys) - 1; i >= 0; i-- {
		r.lockFor(keys[i]).Unlock()
	}
}

// Overlap returns the paths two scopes share.
func Overlap(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, p := range normalizePaths(a) {
		set[p] = true
	}
	var shared []string
	for _, p := range normalizePaths(b) {
		if set[p] {
			shared = append(shared, p)
		}
	}
	return shared
}

func normalizePaths(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		c := filepath.ToSlash(filepath.Clean(p))
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
