// Package subprocess runs phases as external commands.
//
// The command receives the JSON RunContext on stdin and prints one JSON
// document on stdout, either an envelope {"kind": ..., "body": {...}} or
// the bare body of the kind the phase expects. Exit status 75 (EX_TEMPFAIL)
// is a transient failure; any other non-zero status is fatal.
package subprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patchflow/internal/artifact"
	"github.com/fyrsmithlabs/patchflow/internal/logging"
	"github.com/fyrsmithlabs/patchflow/internal/runner"
	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

const (
	// ExitTempFail marks a transient failure.
	ExitTempFail = 75

	defaultMaxOutput = 4 << 20
	stderrTail       = 2048
	waitDelay        = 2 * time.Second
)

// Config maps phases to commands.
type Config struct {
	Commands  map[workflow.Phase][]string
	Dir       string
	Env       []string
	MaxOutput int
}

// Runner executes configured commands.
type Runner struct {
	cfg    Config
	logger *logging.Logger
}

// New validates cfg and returns a runner.
func New(cfg Config, logger *logging.Logger) (*Runner, error) {
	if len(cfg.Commands) == 0 {
		return nil, errors.New("subprocess runner has no commands")
	}
	for phase, argv := range cfg.Commands {
		if len(argv) == 0 || argv[0] == "" {
			return nil, fmt.Errorf("empty command for phase %s", phase)
		}
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = defaultMaxOutput
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runner{cfg: cfg, logger: logger.Named("subprocess")}, nil
}

// FromStrings converts a phase-name keyed command map.
func FromStrings(commands map[string][]string) (map[workflow.Phase][]string, error) {
	out := make(map[workflow.Phase][]string, len(commands))
	for name, argv := range commands {
		p, err := workflow.ParsePhase(name)
		if err != nil {
			return nil, err
		}
		out[p] = argv
	}
	return out, nil
}

func (r *Runner) Execute(ctx context.Context, phase workflow.Phase, rc runner.RunContext) (artifact.Artifact, error) {
	argv, ok := r.cfg.Commands[phase]
	if !ok {
		return artifact.Artifact{}, &runner.Error{Kind: runner.Fatal, Phase: phase, Err: runner.ErrUnsupportedPhase}
	}
	input, err := json.Marshal(rc)
	if err != nil {
		return artifact.Artifact{}, &runner.Error{Kind: runner.Fatal, Phase: phase, Err: fmt.Errorf("encoding run context: %w", err)}
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = r.cfg.Dir
	cmd.Env = append(os.Environ(), r.cfg.Env...)
	cmd.Env = append(cmd.Env,
		"PATCHFLOW_WORKFLOW_ID="+rc.WorkflowID,
		"PATCHFLOW_PHASE="+string(phase),
		fmt.Sprintf("PATCHFLOW_ATTEMPT=%d", rc.Attempt),
	)
	cmd.Stdin = bytes.NewReader(input)
	// Grandchildren may hold the pipes open after the command is killed.
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	out := &limitedWriter{w: &stdout, limit: r.cfg.MaxOutput}
	cmd.Stdout = out
	cmd.Stderr = &limitedWriter{w: &stderr, limit: r.cfg.MaxOutput}

	r.logger.Debug(ctx, "running phase command", zap.Strings("argv", argv))
	runErr := cmd.Run()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return artifact.Artifact{}, runner.Classify(phase, ctxErr)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			kind := runner.Fatal
			if exitErr.ExitCode() == ExitTempFail {
				kind = runner.Transient
			}
			return artifact.Artifact{}, &runner.Error{
				Kind:  kind,
				Phase: phase,
				Err:   fmt.Errorf("%s exited %d: %s", argv[0], exitErr.ExitCode(), tail(stderr.String())),
			}
		}
		return artifact.Artifact{}, &runner.Error{Kind: runner.Fatal, Phase: phase, Err: fmt.Errorf("starting %s: %w", argv[0], runErr)}
	}
	if out.truncated {
		return artifact.Artifact{}, runner.Errorf(runner.Transient, "output exceeds %d bytes", r.cfg.MaxOutput)
	}

	a, err := runner.DecodeOutput(phase, stdout.Bytes())
	if err != nil {
		return artifact.Artifact{}, &runner.Error{Kind: runner.Transient, Phase: phase, Err: err}
	}
	return a, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		s = "..." + s[len(s)-stderrTail:]
	}
	return s
}

// limitedWriter discards writes past limit.
type limitedWriter struct {
	w         io.Writer
	limit     int
	written   int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.written >= lw.limit {
		lw.truncated = true
		return n, nil
	}
	if remaining := lw.limit - lw.written; len(p) > remaining {
		p = p[:remaining]
		lw.truncated = true
	}
	written, err := lw.w.Write(p)
	lw.written += written
	if err != nil {
		return written, err
	}
	return n, nil
}
