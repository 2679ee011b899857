package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/patchflow/internal/scope"
)

// Task is the immutable input of a workflow.
type Task struct {
	Goal               string   `yaml:"goal" json:"goal"`
	Constraints        []string `yaml:"constraints,omitempty" json:"constraints,omitempty"`
	AcceptanceCriteria []string `yaml:"acceptance_criteria,omitempty" json:"acceptance_criteria,omitempty"`
	// AllowedPaths are gitignore-style patterns anchored at the repository
	// root. A leading "!" excludes.
	AllowedPaths []string `yaml:"allowed_paths" json:"allowed_paths"`
	// AllowedPathsFile names a gitignore-style file whose patterns are
	// appended to AllowedPaths. Relative names resolve against the task
	// file's directory.
	AllowedPathsFile string `yaml:"allowed_paths_file,omitempty" json:"allowed_paths_file,omitempty"`
}

// Validate checks the task for missing fields.
func (t Task) Validate() error {
	var errs []error
	if strings.TrimSpace(t.Goal) == "" {
		errs = append(errs, errors.New("goal is required"))
	}
	if len(t.AllowedPaths) == 0 {
		errs = append(errs, errors.New("allowed_paths or allowed_paths_file must list at least one pattern"))
	}
	for i, p := range t.AllowedPaths {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Errorf("allowed_paths[%d] is empty", i))
		}
	}
	return errors.Join(errs...)
}

// ParseTask decodes a YAML task document. Unknown fields are rejected. A
// relative allowed_paths_file resolves against the working directory.
func ParseTask(data []byte) (Task, error) {
	return parseTask(data, "")
}

// LoadTask reads and parses a task file.
func LoadTask(path string) (Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Task{}, fmt.Errorf("reading task file: %w", err)
	}
	return parseTask(data, filepath.Dir(path))
}

func parseTask(data []byte, dir string) (Task, error) {
	var t Task
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return Task{}, fmt.Errorf("decoding task: %w", err)
	}
	if t.AllowedPathsFile != "" {
		file := t.AllowedPathsFile
		if dir != "" && !filepath.IsAbs(file) {
			file = filepath.Join(dir, file)
		}
		patterns, err := scope.ParseFile(file)
		if err != nil {
			return Task{}, fmt.Errorf("reading allowed_paths_file: %w", err)
		}
		t.AllowedPaths = append(t.AllowedPaths, patterns...)
	}
	if err := t.Validate(); err != nil {
		return Task{}, fmt.Errorf("invalid task: %w", err)
	}
	return t, nil
}
