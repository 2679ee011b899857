package artifact

import (
	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Plan is the output of PLAN.
type Plan struct {
	Steps        []string `json:"steps" validate:"required,min=1,dive,required"`
	Files        []string `json:"files" validate:"required"`
	Risks        []string `json:"risks" validate:"required"`
	TestStrategy string   `json:"test_strategy" validate:"required"`
}

// ChangeSummary explains a patch.
type ChangeSummary struct {
	Description string `json:"description" validate:"required"`
	Rationale   string `json:"rationale" validate:"required"`
}

// Patch is the output of CODE and FIX.
type Patch struct {
	Diff         string         `json:"diff" validate:"required"`
	TouchedFiles []string       `json:"touched_files" validate:"required,min=1,dive,required"`
	Summary      *ChangeSummary `json:"summary" validate:"required"`
}

// TestReport is the output of TEST. Pointer fields distinguish an explicit
// false or empty value from an absent one.
type TestReport struct {
	Commands []string `json:"commands" validate:"required"`
	Passed   *bool    `json:"passed" validate:"required"`
	Output   *string  `json:"output" validate:"required"`
}

// OK reports whether the tests passed.
func (r *TestReport) OK() bool {
	return r.Passed != nil && *r.Passed
}

// Review is the output of REVIEW. A nil Approve means the reviewer made no
// decision; the review gate turns that into a request for approval.
type Review struct {
	MustFix    []string `json:"must_fix" validate:"required"`
	NiceToHave []string `json:"nice_to_have" validate:"required"`
	Approve    *bool    `json:"approve"`
	Conditions *string  `json:"conditions" validate:"required"`
}

// PRDescription is the output of DONE.
type PRDescription struct {
	Title string `json:"title" validate:"required"`
	Body  string `json:"body" validate:"required"`
}

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// String returns a pointer to s.
func String(s string) *string { return &s }
