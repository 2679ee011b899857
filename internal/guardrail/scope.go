package guardrail

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/fyrsmithlabs/patchflow/internal/artifact"
	"github.com/fyrsmithlabs/patchflow/internal/scope"
	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

const devNull = "/dev/null"

// ScopeCheck blocks patches that touch paths outside the task's allowed set.
// Touched paths are the union of the declared files and every path named in
// the diff, so an under-declared patch cannot slip through.
type ScopeCheck struct{}

func (ScopeCheck) Name() string { return "scope" }

func (ScopeCheck) Evaluate(in Input) Verdict {
	if !in.Phase.Mutating() {
		return allow()
	}
	patch, ok := in.Document.(*artifact.Patch)
	if !ok {
		return allow()
	}

	block := func(reason string) Verdict {
		return Verdict{Decision: Block, Check: "scope", Reason: reason, Kind: workflow.ScopeViolation}
	}

	m, err := scope.New(in.Task.AllowedPaths)
	if err != nil {
		return block(fmt.Sprintf("task scope unusable: %v", err))
	}
	paths, err := TouchedPaths(patch)
	if err != nil {
		return block(fmt.Sprintf("diff cannot be parsed, scope unverifiable: %v", err))
	}
	if bad := m.Violations(paths); len(bad) > 0 {
		return block("outside allowed paths: " + strings.Join(bad, ", "))
	}
	return allow()
}

// TouchedPaths returns the sorted union of declared and diffed paths.
func TouchedPaths(p *artifact.Patch) ([]string, error) {
	files, err := parseDiff(p.Diff)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool)
	for _, f := range p.TouchedFiles {
		set[f] = true
	}
	for _, fd := range files {
		for _, name := range []string{fd.OrigName, fd.NewName} {
			if name == "" || name == devNull {
				continue
			}
			set[stripPrefix(name)] = true
		}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func parseDiff(d string) ([]*diff.FileDiff, error) {
	return diff.NewMultiFileDiffReader(strings.NewReader(d)).ReadAllFiles()
}

// stripPrefix removes git's a/ and b/ path prefixes.
func stripPrefix(name string) string {
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		return name[2:]
	}
	return name
}

// addedLines returns the added lines of each file in the diff, keyed by path.
func addedLines(d string) (map[string]string, error) {
	files, err := parseDiff(d)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, fd := range files {
		name := stripPrefix(fd.NewName)
		if fd.NewName == devNull {
			continue
		}
		var b strings.Builder
		for _, h := range fd.Hunks {
			for _, line := range strings.Split(string(h.Body), "\n") {
				if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
					b.WriteString(line[1:])
					b.WriteByte('\n')
				}
			}
		}
		if b.Len() > 0 {
			out[name] += b.String()
		}
	}
	return out, nil
}
