// Package artifact defines the typed documents phases produce and the
// envelope they are stored in.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

// Kind names an artifact document type.
type Kind string

const (
	KindPlan          Kind = "plan"
	KindPatch         Kind = "patch"
	KindChangeSummary Kind = "change_summary"
	KindTestReport    Kind = "test_report"
	KindReview        Kind = "review"
	KindPRDescription Kind = "pr_description"
)

// ErrMalformed is returned when a body does not decode or validate as its
// declared kind.
var ErrMalformed = errors.New("malformed artifact")

// Artifact is the stored envelope around one phase output. Body holds the
// document bytes exactly as produced.
type Artifact struct {
	Kind      Kind           `json:"kind"`
	Phase     workflow.Phase `json:"phase"`
	Attempt   int            `json:"attempt"`
	Seq       uint64         `json:"seq,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Body      []byte         `json:"body"`
}

// New marshals doc into an artifact of the given kind. Phase and Attempt are
// stamped by the controller.
func New(kind Kind, doc interface{}) (Artifact, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return Artifact{}, fmt.Errorf("encoding %s: %w", kind, err)
	}
	return Artifact{Kind: kind, Body: body}, nil
}

// ExpectedKind returns the kind a phase must produce.
func ExpectedKind(phase workflow.Phase) (Kind, bool) {
	switch phase {
	case workflow.PhasePlan:
		return KindPlan, true
	case workflow.PhaseCode, workflow.PhaseFix:
		return KindPatch, true
	case workflow.PhaseTest:
		return KindTestReport, true
	case workflow.PhaseReview:
		return KindReview, true
	case workflow.PhaseDone:
		return KindPRDescription, true
	}
	return "", false
}

// Parse decodes and validates the body according to a.Kind.
func Parse(a Artifact) (interface{}, error) {
	var doc interface{}
	switch a.Kind {
	case KindPlan:
		doc = &Plan{}
	case KindPatch:
		doc = &Patch{}
	case KindChangeSummary:
		doc = &ChangeSummary{}
	case KindTestReport:
		doc = &TestReport{}
	case KindReview:
		doc = &Review{}
	case KindPRDescription:
		doc = &PRDescription{}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformed, a.Kind)
	}
	if err := json.Unmarshal(a.Body, doc); err != nil {
		return nil, fmt.Errorf("%w: %s body: %v", ErrMalformed, a.Kind, err)
	}
	if err := validate.Struct(doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, a.Kind, err)
	}
	return doc, nil
}

// Decode parses a and returns it as *T.
func Decode[T any](a Artifact) (*T, error) {
	doc, err := Parse(a)
	if err != nil {
		return nil, err
	}
	typed, ok := doc.(*T)
	if !ok {
		var zero T
		return nil, fmt.Errorf("%w: %s is not %T", ErrMalformed, a.Kind, zero)
	}
	return typed, nil
}

// Check verifies a is the kind phase must produce and that its body is valid.
func Check(phase workflow.Phase, a Artifact) error {
	want, ok := ExpectedKind(phase)
	if !ok {
		return fmt.Errorf("phase %s produces no artifact", phase)
	}
	if a.Kind != want {
		return fmt.Errorf("%w: phase %s produced %q, want %q", ErrMalformed, phase, a.Kind, want)
	}
	_, err := Parse(a)
	return err
}
