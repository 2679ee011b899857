package policy

import (
	"sync/atomic"

	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

// Swappable delegates to a policy that can be replaced while workflows run.
// Each Decide call sees one complete policy.
type Swappable struct {
	current atomic.Pointer[Policy]
}

// NewSwappable starts with p.
func NewSwappable(p Policy) *Swappable {
	s := &Swappable{}
	s.Store(p)
	return s
}

// Store replaces the active policy.
func (s *Swappable) Store(p Policy) {
	s.current.Store(&p)
}

// Load returns the active policy.
func (s *Swappable) Load() Policy {
	return *s.current.Load()
}

func (s *Swappable) MaxAttempts(phase workflow.Phase) int {
	return s.Load().MaxAttempts(phase)
}

func (s *Swappable) Decide(phase workflow.Phase, kind workflow.FailureKind, count, max int) Action {
	return s.Load().Decide(phase, kind, count, max)
}

// Snapshot returns the policy active behind p right now. Callers that read
// the bound and then decide use one snapshot so a reload in between cannot
// mix two policies.
func Snapshot(p Policy) Policy {
	if s, ok := p.(*Swappable); ok {
		return s.Load()
	}
	return p
}
