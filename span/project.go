package span

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/mod/modfile"
)

// FindModuleRoot walks up from dir to the nearest directory containing a
// go.mod file. It returns an error wrapping os.ErrNotExist when no module
// encloses dir.
func FindModuleRoot(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s failed: %w", dir, err)
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil && !info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no go.mod above %s: %w", dir, os.ErrNotExist)
		}
		dir = parent
	}
}

// ModulePath returns the module declaration of the given go.mod file.
func ModulePath(goModFile string) (string, error) {
	data, err := os.ReadFile(goModFile)
	if err != nil {
		return "", fmt.Errorf("read %s failed: %w", goModFile, err)
	}
	f, err := modfile.Parse(goModFile, data, nil)
	if err != nil {
		return "", fmt.Errorf("parse %s failed: %w", goModFile, err)
	}
	if f.Module == nil || f.Module.Mod.Path == "" {
		return "", fmt.Errorf("no module declaration in %s", goModFile)
	}
	return f.Module.Mod.Path, nil
}
