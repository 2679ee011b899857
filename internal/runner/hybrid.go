package runner

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/patchflow/internal/artifact"
	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

// Hybrid routes each phase to a named backend.
type Hybrid struct {
	backends map[string]Runner
	routes   map[workflow.Phase]string
	fallback string
}

// NewHybrid routes phases listed in routes to their backend and everything
// else to fallback. Every referenced backend must be registered.
func NewHybrid(backends map[string]Runner, routes map[workflow.Phase]string, fallback string) (*Hybrid, error) {
	if _, ok := backends[fallback]; !ok {
		return nil, fmt.Errorf("default backend %q not configured", fallback)
	}
	for phase, name := range routes {
		if _, ok := backends[name]; !ok {
			return nil, fmt.Errorf("phase %s routed to unconfigured backend %q", phase, name)
		}
	}
	return &Hybrid{backends: backends, routes: routes, fallback: fallback}, nil
}

// Backend returns the backend name used for phase.
func (h *Hybrid) Backend(phase workflow.Phase) string {
	if name, ok := h.routes[phase]; ok {
		return name
	}
	return h.fallback
}

func (h *Hybrid) Execute(ctx context.Context, phase workflow.Phase, rc RunContext) (artifact.Artifact, error) {
	return h.backends[h.Backend(phase)].Execute(ctx, phase, rc)
}
