// Package config provides configuration loading for patchflow.
//
// Configuration is read from a YAML file and overridden by PATCHFLOW_*
// environment variables. Sections owned by other packages (logging,
// telemetry) are decoded on demand through Config.Section.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/v2"
)

// Config holds the complete patchflow configuration.
type Config struct {
	Store     StoreConfig     `koanf:"store"`
	Workflow  WorkflowConfig  `koanf:"workflow"`
	Policy    PolicyConfig    `koanf:"policy"`
	Runner    RunnerConfig    `koanf:"runner"`
	Guardrail GuardrailConfig `koanf:"guardrail"`
	Workspace WorkspaceConfig `koanf:"workspace"`
	Events    EventsConfig    `koanf:"events"`
	Publish   PublishConfig   `koanf:"publish"`
	Server    ServerConfig    `koanf:"server"`

	k *koanf.Koanf
}

// StoreConfig configures the artifact store.
type StoreConfig struct {
	Path       string `koanf:"path"`
	InMemory   bool   `koanf:"in_memory"`
	SyncWrites bool   `koanf:"sync_writes"`
}

// WorkflowConfig holds controller options.
type WorkflowConfig struct {
	TargetBranch   string              `koanf:"target_branch"`
	DryRun         bool                `koanf:"dry_run"`
	HumanApprove   bool                `koanf:"human_approve"`
	ApprovalPhases []string            `koanf:"approval_phases"`
	DefaultTimeout Duration            `koanf:"default_timeout"`
	PhaseTimeouts  map[string]Duration `koanf:"phase_timeouts"`
	MaxSteps       int                 `koanf:"max_steps"`
}

// PolicyConfig holds retry/escalation rules. When File is set the rules are
// read from that YAML document instead and, with Watch, reloaded on change.
type PolicyConfig struct {
	File        string                `koanf:"file"`
	Watch       bool                  `koanf:"watch"`
	MaxAttempts int                   `koanf:"max_attempts"`
	Phases      map[string]RuleConfig `koanf:"phases"`
}

// RuleConfig overrides the policy for one phase.
type RuleConfig struct {
	MaxAttempts  int    `koanf:"max_attempts"`
	OnExhaustion string `koanf:"on_exhaustion"`
}

// RunnerConfig selects and configures runner backends.
type RunnerConfig struct {
	Default    string            `koanf:"default"`
	Phases     map[string]string `koanf:"phases"`
	Subprocess SubprocessConfig  `koanf:"subprocess"`
	LLM        LLMConfig         `koanf:"llm"`
	Temporal   TemporalConfig    `koanf:"temporal"`
}

// SubprocessConfig maps phases to commands.
type SubprocessConfig struct {
	Commands map[string][]string `koanf:"commands"`
	Dir      string              `koanf:"dir"`
	Env      []string            `koanf:"env"`
}

// LLMConfig configures the OpenAI-compatible LLM runner.
type LLMConfig struct {
	BaseURL     string  `koanf:"base_url"`
	Model       string  `koanf:"model"`
	APIKey      Secret  `koanf:"api_key"`
	RateLimit   float64 `koanf:"rate_limit"`
	Burst       int     `koanf:"burst"`
	Temperature float64 `koanf:"temperature"`
	MaxTokens   int     `koanf:"max_tokens"`
}

// TemporalConfig configures the Temporal runner and worker.
type TemporalConfig struct {
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
	// WorkerBackend is the local backend the worker delegates phases to.
	WorkerBackend string `koanf:"worker_backend"`
}

// GuardrailConfig toggles optional checks.
type GuardrailConfig struct {
	SecretScan    bool   `koanf:"secret_scan"`
	AllowlistFile string `koanf:"allowlist_file"`
}

// WorkspaceConfig points at the git working tree patches are applied to.
type WorkspaceConfig struct {
	Path string `koanf:"path"`
}

// EventsConfig configures transition event publishing.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// PublishConfig configures pull request publishing on completion.
type PublishConfig struct {
	Enabled bool   `koanf:"enabled"`
	Owner   string `koanf:"owner"`
	Repo    string `koanf:"repo"`
	Base    string `koanf:"base"`
	Token   Secret `koanf:"token"`
	BaseURL string `koanf:"base_url"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

var knownPhases = map[string]bool{
	"PLAN": true, "CODE": true, "TEST": true, "REVIEW": true, "FIX": true, "DONE": true,
}

var knownBackends = map[string]bool{
	"subprocess": true, "llm": true, "temporal": true,
}

// Default returns the configuration used when no file or env overrides exist.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Path:       ".patchflow/store",
			SyncWrites: true,
		},
		Workflow: WorkflowConfig{
			TargetBranch:   "patchflow/work",
			DefaultTimeout: Duration(10 * time.Minute),
			PhaseTimeouts:  map[string]Duration{},
			MaxSteps:       50,
		},
		Policy: PolicyConfig{
			MaxAttempts: 3,
			Phases:      map[string]RuleConfig{},
		},
		Runner: RunnerConfig{
			Default: "subprocess",
			Phases:  map[string]string{},
			LLM: LLMConfig{
				BaseURL:     "https://api.openai.com/v1",
				RateLimit:   1,
				Burst:       2,
				Temperature: 0.2,
				MaxTokens:   4096,
			},
			Temporal: TemporalConfig{
				HostPort:      "localhost:7233",
				Namespace:     "default",
				TaskQueue:     "patchflow-phases",
				WorkerBackend: "subprocess",
			},
		},
		Guardrail: GuardrailConfig{
			SecretScan: true,
		},
		Events: EventsConfig{
			SubjectPrefix: "patchflow.workflow",
		},
		Publish: PublishConfig{
			Base: "main",
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if !c.Store.InMemory && c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required unless store.in_memory is set"))
	}
	if c.Workflow.TargetBranch == "" {
		errs = append(errs, errors.New("workflow.target_branch is required"))
	}
	if c.Workflow.DefaultTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("workflow.default_timeout must be positive"))
	}
	if c.Workflow.MaxSteps <= 0 {
		errs = append(errs, fmt.Errorf("workflow.max_steps must be positive, got %d", c.Workflow.MaxSteps))
	}
	for _, p := range c.Workflow.ApprovalPhases {
		if !knownPhases[strings.ToUpper(p)] {
			errs = append(errs, fmt.Errorf("workflow.approval_phases: unknown phase %q", p))
		}
	}
	for p := range c.Workflow.PhaseTimeouts {
		if !knownPhases[strings.ToUpper(p)] {
			errs = append(errs, fmt.Errorf("workflow.phase_timeouts: unknown phase %q", p))
		}
	}

	if c.Policy.File == "" && c.Policy.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("policy.max_attempts must be positive, got %d", c.Policy.MaxAttempts))
	}
	for p, rule := range c.Policy.Phases {
		if !knownPhases[strings.ToUpper(p)] {
			errs = append(errs, fmt.Errorf("policy.phases: unknown phase %q", p))
		}
		switch rule.OnExhaustion {
		case "", "fail", "escalate":
		default:
			errs = append(errs, fmt.Errorf("policy.phases.%s.on_exhaustion must be fail or escalate, got %q", p, rule.OnExhaustion))
		}
	}

	if !knownBackends[c.Runner.Default] {
		errs = append(errs, fmt.Errorf("runner.default: unknown backend %q", c.Runner.Default))
	}
	for p, b := range c.Runner.Phases {
		if !knownPhases[strings.ToUpper(p)] {
			errs = append(errs, fmt.Errorf("runner.phases: unknown phase %q", p))
		}
		if !knownBackends[b] {
			errs = append(errs, fmt.Errorf("runner.phases.%s: unknown backend %q", p, b))
		}
	}

	if c.Publish.Enabled {
		if c.Publish.Owner == "" || c.Publish.Repo == "" {
			errs = append(errs, errors.New("publish.owner and publish.repo are required when publishing is enabled"))
		}
		if !c.Publish.Token.IsSet() {
			errs = append(errs, errors.New("publish.token is required when publishing is enabled"))
		}
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}

	return errors.Join(errs...)
}

// PhaseTimeout returns the runner timeout for a phase.
func (c *Config) PhaseTimeout(phase string) time.Duration {
	for p, d := range c.Workflow.PhaseTimeouts {
		if strings.EqualFold(p, phase) && d > 0 {
			return d.Duration()
		}
	}
	return c.Workflow.DefaultTimeout.Duration()
}

// Section decodes the subtree at key into out. Fields absent from the loaded
// sources keep the values already present in out.
func (c *Config) Section(key string, out interface{}) error {
	if c.k == nil || !c.k.Exists(key) {
		return nil
	}
	if err := c.k.Unmarshal(key, out); err != nil {
		return fmt.Errorf("decoding %s section: %w", key, err)
	}
	return nil
}
