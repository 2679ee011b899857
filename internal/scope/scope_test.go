package scope

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatcher_Allowed(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		path     string
		want     bool
	}{
		{"directory pattern", []string{"src/"}, "src/a.go", true},
		{"nested under directory", []string{"src/"}, "src/pkg/deep/b.go", true},
		{"outside directory", []string{"src/"}, "config/prod.yaml", false},
		{"anchored at root", []string{"src/"}, "vendor/src/a.go", false},
		{"bare directory name", []string{"src"}, "src/a.go", true},
		{"recursive glob", []string{"**/*.md"}, "docs/guide/intro.md", true},
		{"recursive glob miss", []string{"**/*.md"}, "docs/guide/intro.go", false},
		{"root file glob", []string{"*.go"}, "main.go", true},
		{"dot slash prefix", []string{"./internal/"}, "internal/x.go", true},
		{"negation", []string{"src/", "!src/secrets/"}, "src/secrets/key.pem", false},
		{"negation leaves siblings", []string{"src/", "!src/secrets/"}, "src/app/main.go", true},
		{"escaping path", []string{"src/"}, "src/../etc/passwd", false},
		{"parent path", []string{"**"}, "../x", false},
		{"absolute path", []string{"src/"}, "/src/a.go", false},
		{"cleaned path", []string{"src/"}, "src//./a.go", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.patterns)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Allowed(tt.path))
		})
	}
}

func TestNew_Invalid(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New([]string{"  "})
	assert.Error(t, err)

	_, err = New([]string{"../outside/"})
	assert.Error(t, err)
}

func TestMatcher_Violations(t *testing.T) {
	m, err := New([]string{"src/"})
	require.NoError(t, err)

	got := m.Violations([]string{"src/a.go", "config/prod.yaml", "config/prod.yaml", "README.md"})
	assert.Equal(t, []string{"config/prod.yaml", "README.md"}, got)
	assert.Empty(t, m.Violations([]string{"src/a.go"}))
	assert.Equal(t, []string{"/src/"}, m.Patterns())
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scope")
	content := "# allowed\nsrc/\n\n  \ndocs/*.md\nsrc/\n!src/gen/\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	patterns, err := ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/", "docs/*.md", "!src/gen/"}, patterns)

	_, err = ParseFile(filepath.Join(t.TempDir(), "missing"))
	assert.True(t, os.IsNotExist(err))
}

func TestMatcher_Everything(t *testing.T) {
	m, err := New([]string{"**"})
	require.NoError(t, err)
	assert.True(t, m.Allowed("a/b/c.txt"))
	assert.True(t, m.Allowed("top.txt"))
}
