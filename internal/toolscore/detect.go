package toolscore

import (
	"fmt"
	"os"
	"path/filepath"
)

// DetectProjectType inspects a server source directory and returns its
// project type. Detection rules, in priority order:
//
//  1. package.json → node; with tsconfig.json → ts
//  2. pyproject.toml or requirements.txt → python
//  3. Cargo.toml → rust
//  4. go.mod → go
func DetectProjectType(dir string) (ProjectType, error) {
	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(dir, name))
		return err == nil
	}

	switch {
	case exists("package.json"):
		if exists("tsconfig.json") {
			return ProjectTS, nil
		}
		return ProjectNode, nil
	case exists("pyproject.toml"), exists("requirements.txt"):
		return ProjectPython, nil
	case exists("Cargo.toml"):
		return ProjectRust, nil
	case exists("go.mod"):
		return ProjectGo, nil
	}
	return ProjectUnknown, fmt.Errorf("unknown_project_type: no recognized build file in %s", dir)
}
