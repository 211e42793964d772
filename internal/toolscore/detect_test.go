package toolscore

import (
	"os"
	"path/filepath"
	"testing"
)

func dirWith(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestDetectProjectType(t *testing.T) {
	cases := []struct {
		name  string
		files []string
		want  ProjectType
	}{
		{"python pyproject", []string{"pyproject.toml"}, ProjectPython},
		{"python requirements", []string{"requirements.txt"}, ProjectPython},
		{"node", []string{"package.json"}, ProjectNode},
		{"typescript", []string{"package.json", "tsconfig.json"}, ProjectTS},
		{"rust", []string{"Cargo.toml"}, ProjectRust},
		{"go", []string{"go.mod"}, ProjectGo},
		{"node wins over python", []string{"package.json", "requirements.txt"}, ProjectNode},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DetectProjectType(dirWith(t, tc.files...))
			if err != nil {
				t.Fatalf("detect: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDetectProjectTypeUnknown(t *testing.T) {
	_, err := DetectProjectType(dirWith(t, "README.md"))
	if err == nil {
		t.Fatalf("unrecognized layout must fail")
	}
}
