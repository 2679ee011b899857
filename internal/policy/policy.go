// Package policy decides what the controller does after a phase fails.
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/patchflow/internal/config"
	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

// DefaultMaxAttempts bounds consecutive same-kind failures per phase.
const DefaultMaxAttempts = 3

// Action is the controller's next step after a failure.
type Action string

const (
	RetrySame     Action = "retry"
	ToFix         Action = "fix"
	EscalateHuman Action = "escalate"
	Fail          Action = "fail"
)

// Exhaustion selects the action taken when a phase runs out of attempts.
type Exhaustion string

const (
	ExhaustFail     Exhaustion = "fail"
	ExhaustEscalate Exhaustion = "escalate"
)

// Policy maps a failure to an action.
type Policy interface {
	// MaxAttempts returns the failure bound of phase.
	MaxAttempts(phase workflow.Phase) int
	// Decide returns the action for the count-th consecutive failure of
	// kind in phase, given the bound max.
	Decide(phase workflow.Phase, kind workflow.FailureKind, count, max int) Action
}

// Rule configures one phase.
type Rule struct {
	MaxAttempts  int        `yaml:"max_attempts"`
	OnExhaustion Exhaustion `yaml:"on_exhaustion"`
}

// Rules is the YAML form of a policy file.
type Rules struct {
	MaxAttempts int             `yaml:"max_attempts"`
	Phases      map[string]Rule `yaml:"phases"`
}

// RulePolicy applies per-phase rules over a default bound.
type RulePolicy struct {
	max    int
	phases map[workflow.Phase]Rule
}

// Default returns the policy with max_attempts 3 for every phase.
func Default() *RulePolicy {
	p, _ := New(Rules{MaxAttempts: DefaultMaxAttempts})
	return p
}

// New validates rules and builds a policy.
func New(r Rules) (*RulePolicy, error) {
	p := &RulePolicy{max: r.MaxAttempts, phases: make(map[workflow.Phase]Rule, len(r.Phases))}
	if p.max == 0 {
		p.max = DefaultMaxAttempts
	}
	var errs []error
	if p.max < 0 {
		errs = append(errs, fmt.Errorf("max_attempts must be positive, got %d", p.max))
	}
	for name, rule := range r.Phases {
		phase, err := workflow.ParsePhase(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if rule.MaxAttempts < 0 {
			errs = append(errs, fmt.Errorf("%s: max_attempts must be positive, got %d", phase, rule.MaxAttempts))
		}
		switch rule.OnExhaustion {
		case "", ExhaustFail, ExhaustEscalate:
		default:
			errs = append(errs, fmt.Errorf("%s: on_exhaustion must be fail or escalate, got %q", phase, rule.OnExhaustion))
		}
		p.phases[phase] = rule
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return p, nil
}

// FromConfig builds the policy from the inline config section.
func FromConfig(c config.PolicyConfig) (*RulePolicy, error) {
	r := Rules{MaxAttempts: c.MaxAttempts, Phases: make(map[string]Rule, len(c.Phases))}
	for name, rc := range c.Phases {
		r.Phases[strings.ToUpper(name)] = Rule{MaxAttempts: rc.MaxAttempts, OnExhaustion: Exhaustion(rc.OnExhaustion)}
	}
	return New(r)
}

// Parse decodes a YAML policy document.
func Parse(data []byte) (*RulePolicy, error) {
	var r Rules
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("decoding policy: %w", err)
	}
	return New(r)
}

// LoadFile reads a YAML policy file.
func LoadFile(path string) (*RulePolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy: %w", err)
	}
	return Parse(data)
}

func (p *RulePolicy) MaxAttempts(phase workflow.Phase) int {
	if r, ok := p.phases[phase]; ok && r.MaxAttempts > 0 {
		return r.MaxAttempts
	}
	return p.max
}

func (p *RulePolicy) Decide(phase workflow.Phase, kind workflow.FailureKind, count, max int) Action {
	if kind.Fatal() {
		return Fail
	}
	if count >= max {
		if p.phases[phase].OnExhaustion == ExhaustEscalate {
			return EscalateHuman
		}
		return Fail
	}
	return Recover(kind)
}

// Recover returns the action that retries a recoverable kind, or Fail.
func Recover(kind workflow.FailureKind) Action {
	switch kind {
	case workflow.RunnerTimeout, workflow.RunnerTransient:
		return RetrySame
	case workflow.QualityFailure, workflow.ReviewRejected:
		return ToFix
	}
	return Fail
}
