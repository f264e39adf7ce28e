package cellar

import (
	"os"
	"path/filepath"
	"strings"
)

// isKegInstalled reports whether name has an installed keg below root, either
// as Cellar/<name>/<version> or as an opt/<name> link.
func isKegInstalled(root, name string) bool {
	if info, err := os.Stat(filepath.Join(root, "opt", name)); err == nil && info.IsDir() {
		return true
	}
	entries, err := os.ReadDir(filepath.Join(root, "Cellar", name))
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() {
			return true
		}
	}
	return false
}

// missingDependencies returns the hard dependencies of f that are not installed below root.
func missingDependencies(f *Formula, root string) []string {
	var missing []string
	for _, dep := range f.DependsOn {
		if !isKegInstalled(root, dep) {
			missing = append(missing, dep)
		}
	}
	return missing
}

// checkDependencies fails with a ConfigurationError when a hard dependency is missing.
func checkDependencies(f *Formula, root string) error {
	missing := missingDependencies(f, root)
	if len(missing) == 0 {
		return nil
	}
	return configErrorf(f.ID(), "missing dependencies: %s (install them first or pass --ignore-dependencies)", strings.Join(missing, ", "))
}
