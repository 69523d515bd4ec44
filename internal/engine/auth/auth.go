package auth

import (
	"fmt"
	"sort"
	"strings"

	"workqueue/internal/errs"
)

// Capability is a coarse permission granted by an upstream role.
type Capability string

const (
	Admin             Capability = "Admin"
	ComplianceManager Capability = "ComplianceManager"
	Reviewer          Capability = "Reviewer"
	User              Capability = "User"
)

// Set is an unordered capability set.
type Set map[Capability]struct{}

// ParseRoles maps role strings onto capabilities. Unknown roles are ignored.
func ParseRoles(roles []string) Set {
	s := Set{}
	for _, r := range roles {
		r = strings.TrimSpace(r)
		for _, c := range []Capability{Admin, ComplianceManager, Reviewer, User} {
			if strings.EqualFold(r, string(c)) {
				s[c] = struct{}{}
			}
		}
	}
	return s
}

func NewSet(caps ...Capability) Set {
	s := Set{}
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

func (s Set) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

func (s Set) Any(caps ...Capability) bool {
	for _, c := range caps {
		if s.Has(c) {
			return true
		}
	}
	return false
}

func (s Set) Strings() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}

// Actor is the verified caller of a command.
type Actor struct {
	ID    string
	Name  string
	Roles Set
}

// System is the actor used by the CLI and intake automation.
func System() Actor {
	return Actor{ID: "system", Name: "System", Roles: NewSet(Admin)}
}

// ForbiddenError indicates the actor lacks every accepted capability.
type ForbiddenError struct {
	Required []Capability
}

func (e ForbiddenError) Error() string {
	names := make([]string, 0, len(e.Required))
	for _, c := range e.Required {
		names = append(names, string(c))
	}
	return fmt.Sprintf("one of capabilities [%s] required", strings.Join(names, ", "))
}

func (e ForbiddenError) ErrorCode() errs.Code { return errs.CodeForbidden }

// Require returns a ForbiddenError unless the actor holds one of caps.
func Require(a Actor, caps ...Capability) error {
	if a.Roles.Any(caps...) {
		return nil
	}
	return ForbiddenError{Required: caps}
}
