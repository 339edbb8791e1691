package worker

import (
	"fmt"
	"strings"
)

// Role is the closed set of agent kinds. Each role carries a Profile.
type Role int

const (
	RoleCoder Role = iota
	RoleTester
	RoleReviewer
	RoleMerger
)

var roleNames = [...]string{
	RoleCoder:    "coder",
	RoleTester:   "tester",
	RoleReviewer: "reviewer",
	RoleMerger:   "merger",
}

// Roles lists every role in declaration order.
func Roles() []Role {
	return []Role{RoleCoder, RoleTester, RoleReviewer, RoleMerger}
}

func (r Role) String() string {
	if r < 0 || int(r) >= len(roleNames) {
		return fmt.Sprintf("role(%d)", int(r))
	}
	return roleNames[r]
}

// Valid reports whether r is one of the declared roles.
func (r Role) Valid() bool {
	return r >= 0 && int(r) < len(roleNames)
}

// ParseRole converts a role name into a Role. An empty name means coder.
func ParseRole(name string) (Role, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return RoleCoder, nil
	}
	for i, n := range roleNames {
		if n == name {
			return Role(i), nil
		}
	}
	return 0, fmt.Errorf("unknown role %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid role %d", int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Profile is the per-role invocation configuration.
type Profile struct {
	Provider     string
	Model        string
	Temperature  float64
	Tools        []string // allow-list passed to the provider
	SystemPrompt string
}

// DefaultProfiles returns the built-in profile for each role.
func DefaultProfiles() map[Role]Profile {
	return map[Role]Profile{
		RoleCoder: {
			Provider:     "claude",
			Model:        "sonnet",
			Temperature:  0.2,
			Tools:        []string{"Read", "Edit", "Write", "Bash"},
			SystemPrompt: "You implement one task inside an isolated git worktree. Report done only when the change is complete.",
		},
		RoleTester: {
			Provider:     "claude",
			Model:        "sonnet",
			Temperature:  0.2,
			Tools:        []string{"Read", "Edit", "Write", "Bash"},
			SystemPrompt: "You write and fix tests for one task inside an isolated git worktree.",
		},
		RoleReviewer: {
			Provider:     "claude",
			Model:        "opus",
			Temperature:  0,
			Tools:        []string{"Read", "Grep", "Glob"},
			SystemPrompt: "You review a change. Approve it or list concrete findings. Do not edit files.",
		},
		RoleMerger: {
			Provider:     "claude",
			Model:        "sonnet",
			Temperature:  0,
			Tools:        []string{"Read", "Edit", "Bash"},
			SystemPrompt: "You resolve simple merge conflicts without changing behavior.",
		},
	}
}
