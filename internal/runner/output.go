package runner

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/fyrsmithlabs/patchflow/internal/artifact"
	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

// DecodeOutput turns backend output into an artifact. It accepts an
// envelope {"kind": ..., "body": {...}} or the bare body of the kind phase
// expects, optionally wrapped in a markdown code fence. The body bytes are
// kept exactly as produced.
func DecodeOutput(phase workflow.Phase, out []byte) (artifact.Artifact, error) {
	out = stripFence(bytes.TrimSpace(out))
	if len(out) == 0 {
		return artifact.Artifact{}, fmt.Errorf("%w: empty output", artifact.ErrMalformed)
	}
	var env struct {
		Kind artifact.Kind   `json:"kind"`
		Body json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(out, &env); err != nil {
		return artifact.Artifact{}, fmt.Errorf("%w: %v", artifact.ErrMalformed, err)
	}
	if env.Kind != "" && len(env.Body) > 0 {
		return artifact.Artifact{Kind: env.Kind, Body: []byte(env.Body)}, nil
	}
	kind, ok := artifact.ExpectedKind(phase)
	if !ok {
		return artifact.Artifact{}, fmt.Errorf("%w: phase %s has no artifact kind", artifact.ErrMalformed, phase)
	}
	return artifact.Artifact{Kind: kind, Body: out}, nil
}

func stripFence(b []byte) []byte {
	if !bytes.HasPrefix(b, []byte("```")) {
		return b
	}
	b = bytes.TrimPrefix(b, []byte("```json"))
	b = bytes.TrimPrefix(b, []byte("```"))
	b = bytes.TrimSuffix(b, []byte("```"))
	return bytes.TrimSpace(b)
}
