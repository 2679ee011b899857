package guardrail

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"

	"github.com/fyrsmithlabs/patchflow/internal/artifact"
	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

var (
	// ErrInvalidTOML is returned for an allowlist file that does not parse.
	ErrInvalidTOML = errors.New("invalid allowlist TOML")
	// ErrInvalidRegex is returned for an allowlist pattern that does not compile.
	ErrInvalidRegex = errors.New("invalid allowlist regex")
)

// Allowlist excludes paths and content from secret detection.
type Allowlist struct {
	Paths   []string
	Regexes []string

	paths []*regexp.Regexp
}

// LoadAllowlist reads an allowlist in gitleaks TOML form:
//
//	[allowlist]
//	paths = ['''testdata/''']
//	regexes = ['''EXAMPLE_KEY''']
//
// An empty path returns an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}
	var doc struct {
		Allowlist struct {
			Paths   []string
			Regexes []string
		}
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	return NewAllowlist(doc.Allowlist.Paths, doc.Allowlist.Regexes)
}

// NewAllowlist compiles path and content patterns.
func NewAllowlist(paths, regexes []string) (*Allowlist, error) {
	a := &Allowlist{Paths: paths, Regexes: regexes}
	for _, p := range paths {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: path pattern %q: %v", ErrInvalidRegex, p, err)
		}
		a.paths = append(a.paths, re)
	}
	for _, p := range regexes {
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("%w: content pattern %q: %v", ErrInvalidRegex, p, err)
		}
	}
	return a, nil
}

func (a *Allowlist) skipsPath(path string) bool {
	if a == nil {
		return false
	}
	for _, re := range a.paths {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func (a *Allowlist) apply(cfg *gitleaksConfig.Config) {
	if a == nil || len(a.Regexes) == 0 {
		return
	}
	global := &gitleaksConfig.Allowlist{Description: "patchflow allowlist"}
	for _, p := range a.Regexes {
		// Compiled once already in NewAllowlist.
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(regexp.MustCompile(p)))
	}
	cfg.Allowlists = append(cfg.Allowlists, global)
}

// Finding is one detected secret. The secret value itself is not kept.
type Finding struct {
	Path   string
	RuleID string
	Line   int
}

// ScanDiff runs gitleaks over the lines a diff adds.
func ScanDiff(d string, allow *Allowlist) ([]Finding, error) {
	added, err := addedLines(d)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(added))
	for p := range added {
		if !allow.skipsPath(p) {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return nil, nil
	}
	sort.Strings(paths)

	var findings []Finding
	for _, p := range paths {
		// A fresh detector per file: Detector accumulates findings internally.
		detector, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			return nil, fmt.Errorf("gitleaks config: %w", err)
		}
		allow.apply(&detector.Config)
		for _, f := range detector.DetectString(added[p]) {
			findings = append(findings, Finding{Path: p, RuleID: f.RuleID, Line: f.StartLine})
		}
	}
	return findings, nil
}

// SecretCheck blocks patches whose added lines contain credentials.
type SecretCheck struct {
	Allowlist *Allowlist
}

func (SecretCheck) Name() string { return "secrets" }

func (c SecretCheck) Evaluate(in Input) Verdict {
	if !in.Phase.Mutating() {
		return allow()
	}
	patch, ok := in.Document.(*artifact.Patch)
	if !ok {
		return allow()
	}
	findings, err := ScanDiff(patch.Diff, c.Allowlist)
	if err != nil {
		// Unparseable diffs are the scope check's concern.
		return allow()
	}
	if len(findings) == 0 {
		return allow()
	}
	parts := make([]string, 0, len(findings))
	for _, f := range findings {
		parts = append(parts, fmt.Sprintf("%s (%s)", f.Path, f.RuleID))
	}
	return Verdict{
		Decision: Block,
		Check:    "secrets",
		Reason:   "possible secret added in " + strings.Join(parts, ", "),
		Kind:     workflow.SecretLeak,
	}
}
