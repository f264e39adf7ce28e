package cellar

import (
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// InstallLayout is every filesystem path a build installs into or must create.
type InstallLayout struct {
	Root   string // shared root, e.g. /usr/local
	Prefix string // Root/Cellar/<name>/<version>
	Etc    string
	Var    string
	Bin    string
	Sbin   string
	Man    string

	ConfPath string
	PidPath  string
	LockPath string
	LogDirs  []string
	TempDirs []string
	ManPages []string // relative to the source tree
}

func newBaseLayout(root, name, version string) *InstallLayout {
	prefix := filepath.Join(root, "Cellar", name, version)
	return &InstallLayout{
		Root:   root,
		Prefix: prefix,
		Etc:    filepath.Join(root, "etc"),
		Var:    filepath.Join(root, "var"),
		Bin:    filepath.Join(prefix, "bin"),
		Sbin:   filepath.Join(prefix, "sbin"),
		Man:    filepath.Join(prefix, "share", "man"),
	}
}

// evalContext exposes the layout to formula expressions as ${prefix}, ${etc}, ...
func (l *InstallLayout) evalContext(name, version string) *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"name":    cty.StringVal(name),
			"version": cty.StringVal(version),
			"root":    cty.StringVal(l.Root),
			"prefix":  cty.StringVal(l.Prefix),
			"etc":     cty.StringVal(l.Etc),
			"var":     cty.StringVal(l.Var),
			"bin":     cty.StringVal(l.Bin),
			"sbin":    cty.StringVal(l.Sbin),
			"man":     cty.StringVal(l.Man),
		},
	}
}

// Directories lists, in a stable order and without duplicates, every directory
// that must exist once the build has been installed.
func (l *InstallLayout) Directories() []string {
	var dirs []string
	seen := make(map[string]bool)
	add := func(d string) {
		if d == "" || d == "." || seen[d] {
			return
		}
		seen[d] = true
		dirs = append(dirs, d)
	}

	add(l.Prefix)
	add(l.Etc)
	add(l.Var)
	add(l.Sbin)
	add(l.Man)
	for _, p := range []string{l.ConfPath, l.PidPath, l.LockPath} {
		if p != "" {
			add(filepath.Dir(p))
		}
	}
	for _, d := range l.LogDirs {
		add(d)
	}
	for _, d := range l.TempDirs {
		add(d)
	}
	return dirs
}
