package worker

import (
	"context"
	"fmt"
	"sync"
)

// Set routes each role to its worker and profile.
type Set struct {
	mu       sync.RWMutex
	workers  map[Role]Worker
	profiles map[Role]Profile
}

// NewSet creates a set seeded with profiles. Missing roles get DefaultProfiles.
func NewSet(profiles map[Role]Profile) *Set {
	merged := DefaultProfiles()
	for r, p := range profiles {
		merged[r] = p
	}
	return &Set{workers: make(map[Role]Worker), profiles: merged}
}

// Register binds a worker to a role, replacing any previous binding.
func (s *Set) Register(role Role, w Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[role] = w
}

// Profile returns the profile for role.
func (s *Set) Profile(role Role) Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profiles[role]
}

// For returns the worker bound to role.
func (s *Set) For(role Role) (Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[role]
	if !ok {
		return nil, fmt.Errorf("no worker registered for role %s", role)
	}
	return w, nil
}

// Has reports whether role has a worker.
func (s *Set) Has(role Role) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.workers[role]
	return ok
}

// Invoke dispatches req to the worker for req.Role and fills in its profile.
func (s *Set) Invoke(ctx context.Context, req Request) (Response, error) {
	w, err := s.For(req.Role)
	if err != nil {
		return Response{}, err
	}
	if req.Profile.Model == "" && req.Profile.Provider == "" {
		req.Profile = s.Profile(req.Role)
	}
	return w.Invoke(ctx, req)
}
