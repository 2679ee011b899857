// Package llm runs phases against a chat model through langchaingo.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/patchflow/internal/artifact"
	"github.com/fyrsmithlabs/patchflow/internal/logging"
	"github.com/fyrsmithlabs/patchflow/internal/runner"
	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

// Config configures the LLM runner.
type Config struct {
	BaseURL     string
	Model       string
	APIKey      string
	RateLimit   float64 // requests per second
	Burst       int
	Temperature float64
	MaxTokens   int
}

// Runner renders a prompt per phase and parses the model's JSON reply.
type Runner struct {
	model   llms.Model
	limiter *rate.Limiter
	opts    []llms.CallOption
	logger  *logging.Logger
}

// New wraps an existing model.
func New(model llms.Model, cfg Config, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	opts := []llms.CallOption{llms.WithTemperature(cfg.Temperature)}
	if cfg.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(cfg.MaxTokens))
	}
	return &Runner{
		model:   model,
		limiter: rate.NewLimiter(limit, burst),
		opts:    opts,
		logger:  logger.Named("llm"),
	}
}

// NewOpenAI connects to an OpenAI-compatible endpoint.
func NewOpenAI(cfg Config, logger *logging.Logger) (*Runner, error) {
	if cfg.Model == "" {
		return nil, errors.New("llm model is required")
	}
	token := cfg.APIKey
	if token == "" {
		// langchaingo insists on a token; local servers ignore it.
		token = "placeholder"
	}
	model, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithToken(token),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	return New(model, cfg, logger), nil
}

func (r *Runner) Execute(ctx context.Context, phase workflow.Phase, rc runner.RunContext) (artifact.Artifact, error) {
	prompt, err := Render(phase, rc)
	if err != nil {
		return artifact.Artifact{}, &runner.Error{Kind: runner.Fatal, Phase: phase, Err: err}
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return artifact.Artifact{}, runner.Classify(phase, err)
	}

	reply, err := llms.GenerateFromSinglePrompt(ctx, r.model, prompt, r.opts...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return artifact.Artifact{}, runner.Classify(phase, ctxErr)
		}
		// Provider failures are retried by policy.
		return artifact.Artifact{}, &runner.Error{Kind: runner.Transient, Phase: phase, Err: err}
	}
	r.logger.Debug(ctx, "model replied", zap.Int("bytes", len(reply)))

	a, err := runner.DecodeOutput(phase, []byte(reply))
	if err != nil {
		return artifact.Artifact{}, &runner.Error{Kind: runner.Transient, Phase: phase, Err: err}
	}
	return a, nil
}

var promptTmpl = template.Must(template.New("prompt").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(`You are executing the {{.Phase}} phase (attempt {{.Attempt}}) of an automated change workflow.

Goal: {{.Task.Goal}}
{{- if .Task.Constraints}}
Constraints:
{{- range .Task.Constraints}}
- {{.}}
{{- end}}
{{- end}}
{{- if .Task.AcceptanceCriteria}}
Acceptance criteria:
{{- range .Task.AcceptanceCriteria}}
- {{.}}
{{- end}}
{{- end}}
Only these paths may be changed: {{join .Task.AllowedPaths ", "}}

{{.Instructions}}
{{- if .Diagnostics}}

The previous attempt failed:
{{- range .Diagnostics}}
- {{.}}
{{- end}}
{{- end}}
{{- range .Prior}}

Accepted {{.Kind}} from {{.Phase}} attempt {{.Attempt}}:
{{.Body}}
{{- end}}

Reply with a single JSON object of kind "{{.Kind}}" matching this shape and nothing else:
{{.Schema}}
`))

var schemas = map[artifact.Kind]string{
	artifact.KindPlan:          `{"steps": [string], "files": [string], "risks": [string], "test_strategy": string}`,
	artifact.KindPatch:         `{"diff": string (unified diff), "touched_files": [string], "summary": {"description": string, "rationale": string}}`,
	artifact.KindTestReport:    `{"commands": [string], "passed": bool, "output": string}`,
	artifact.KindReview:        `{"must_fix": [string], "nice_to_have": [string], "approve": bool, "conditions": string}`,
	artifact.KindPRDescription: `{"title": string, "body": string}`,
}

type priorArtifact struct {
	Kind    artifact.Kind
	Phase   workflow.Phase
	Attempt int
	Body    string
}

// Render builds the prompt for phase.
func Render(phase workflow.Phase, rc runner.RunContext) (string, error) {
	kind, ok := artifact.ExpectedKind(phase)
	if !ok {
		return "", fmt.Errorf("%w: %s", runner.ErrUnsupportedPhase, phase)
	}
	prior := make([]priorArtifact, 0, len(rc.Artifacts))
	for _, a := range rc.Artifacts {
		var pretty bytes.Buffer
		body := string(a.Body)
		if json.Indent(&pretty, a.Body, "", "  ") == nil {
			body = pretty.String()
		}
		prior = append(prior, priorArtifact{Kind: a.Kind, Phase: a.Phase, Attempt: a.Attempt, Body: body})
	}
	instructions := rc.Instructions
	if instructions == "" {
		instructions = runner.Instructions(phase)
	}

	var b strings.Builder
	err := promptTmpl.Execute(&b, struct {
		Phase        workflow.Phase
		Attempt      int
		Task         workflow.Task
		Instructions string
		Diagnostics  []string
		Prior        []priorArtifact
		Kind         artifact.Kind
		Schema       string
	}{phase, rc.Attempt, rc.Task, instructions, rc.Diagnostics, prior, kind, schemas[kind]})
	if err != nil {
		return "", fmt.Errorf("rendering prompt: %w", err)
	}
	return b.String(), nil
}
