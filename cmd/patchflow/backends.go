package main

import (
	"fmt"
	"sort"

	"github.com/fyrsmithlabs/patchflow/internal/config"
	"github.com/fyrsmithlabs/patchflow/internal/logging"
	"github.com/fyrsmithlabs/patchflow/internal/runner"
	"github.com/fyrsmithlabs/patchflow/internal/runner/llm"
	"github.com/fyrsmithlabs/patchflow/internal/runner/subprocess"
	temporalrunner "github.com/fyrsmithlabs/patchflow/internal/runner/temporal"
	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

const (
	backendSubprocess = "subprocess"
	backendLLM        = "llm"
	backendTemporal   = "temporal"
)

func noClose() error { return nil }

// buildRunner builds every backend the config routes a phase to. A single
// backend is returned as is; several are combined into a Hybrid.
func buildRunner(cfg *config.Config, logger *logging.Logger) (runner.Runner, func() error, error) {
	names := map[string]bool{cfg.Runner.Default: true}
	routes := make(map[workflow.Phase]string, len(cfg.Runner.Phases))
	for name, backend := range cfg.Runner.Phases {
		p, err := workflow.ParsePhase(name)
		if err != nil {
			return nil, nil, fmt.Errorf("runner.phases: %w", err)
		}
		routes[p] = backend
		names[backend] = true
	}

	backends := make(map[string]runner.Runner, len(names))
	var closers []func() error
	closeAll := func() error {
		var first error
		for _, c := range closers {
			if err := c(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}

	// Sorted so a failing backend is reported deterministically.
	ordered := make([]string, 0, len(names))
	for name := range names {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)
	for _, name := range ordered {
		r, closer, err := buildBackend(name, cfg.Runner, logger)
		if err != nil {
			_ = closeAll()
			return nil, nil, fmt.Errorf("runner %s: %w", name, err)
		}
		backends[name] = r
		closers = append(closers, closer)
	}

	if len(backends) == 1 {
		return backends[cfg.Runner.Default], closeAll, nil
	}
	h, err := runner.NewHybrid(backends, routes, cfg.Runner.Default)
	if err != nil {
		_ = closeAll()
		return nil, nil, err
	}
	return h, closeAll, nil
}

// buildBackend constructs one named backend.
func buildBackend(name string, rc config.RunnerConfig, logger *logging.Logger) (runner.Runner, func() error, error) {
	switch name {
	case backendSubprocess:
		commands, err := subprocess.FromStrings(rc.Subprocess.Commands)
		if err != nil {
			return nil, nil, err
		}
		r, err := subprocess.New(subprocess.Config{
			Commands: commands,
			Dir:      rc.Subprocess.Dir,
			Env:      rc.Subprocess.Env,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return r, noClose, nil

	case backendLLM:
		r, err := llm.NewOpenAI(llmConfig(rc.LLM), logger)
		if err != nil {
			return nil, nil, err
		}
		return r, noClose, nil

	case backendTemporal:
		c, err := temporalrunner.Dial(rc.Temporal.HostPort, rc.Temporal.Namespace)
		if err != nil {
			return nil, nil, err
		}
		return temporalrunner.New(c, rc.Temporal.TaskQueue, logger), func() error {
			c.Close()
			return nil
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", name)
}

func llmConfig(c config.LLMConfig) llm.Config {
	return llm.Config{
		BaseURL:     c.BaseURL,
		Model:       c.Model,
		APIKey:      c.APIKey.Value(),
		RateLimit:   c.RateLimit,
		Burst:       c.Burst,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
	}
}
