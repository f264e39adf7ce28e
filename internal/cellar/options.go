package cellar

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Selection is the set of --with-<name> switches a user passed on the command line.
type Selection struct {
	names []string
}

// NewSelection records names in the order given, dropping duplicates.
func NewSelection(names ...string) Selection {
	var s Selection
	for _, n := range names {
		n = strings.TrimPrefix(n, "--with-")
		if n != "" && !slices.Contains(s.names, n) {
			s.names = append(s.names, n)
		}
	}
	return s
}

// ParseSelection splits args into option switches and everything else.
// Both "--with-x" and "-with-x" are accepted.
func ParseSelection(args []string) (Selection, []string) {
	var names, rest []string
	for _, a := range args {
		if strings.HasPrefix(a, "-with-") {
			a = "-" + a
		}
		if strings.HasPrefix(a, "--with-") {
			names = append(names, a)
			continue
		}
		rest = append(rest, a)
	}
	return NewSelection(names...), rest
}

// Has reports whether the switch for name was passed.
func (s Selection) Has(name string) bool { return slices.Contains(s.names, name) }

// Names returns the selected option names in the order they were passed.
func (s Selection) Names() []string { return slices.Clone(s.names) }

// ResolvedOptions is the outcome of validating a Selection against a formula:
// every argument is known, but modules have not been fetched yet.
type ResolvedOptions struct {
	Baseline []string
	Core     []string
	Modules  []ModuleDescriptor
	Ignored  []string // switches that were dropped with a warning
}

// PreviewArgs renders the argument list without touching the network, using
// each module's derived directory name (or its probe command) as placeholder.
func (r *ResolvedOptions) PreviewArgs() []string {
	args := r.coreArgs()
	for _, m := range r.Modules {
		if m.IsProbe() {
			args = append(args, fmt.Sprintf("--add-module=$(%s)/%s", strings.Join(m.Probe, " "), m.Subdir))
			continue
		}
		args = append(args, "--add-module="+m.DirName())
	}
	return args
}

func (r *ResolvedOptions) coreArgs() []string {
	args := make([]string, 0, len(r.Baseline)+len(r.Core)+len(r.Modules))
	args = append(args, r.Baseline...)
	return append(args, r.Core...)
}

// ModuleSource fetches and unpacks module archives. *ArtifactFetcher is the
// production implementation.
type ModuleSource interface {
	Fetch(ctx context.Context, rawURL string) (string, error)
	FetchVerified(ctx context.Context, rawURL string, sum Checksum) (string, error)
	Extract(ctx context.Context, archivePath, destParent string) (string, error)
}

// OptionResolver maps a Selection onto the configure arguments of one formula revision.
type OptionResolver struct {
	Formula *Formula
	Layout  *InstallLayout
	Strict  bool // unknown or ignored switches are a ConfigurationError
	Source  ModuleSource
	Runner  Runner // runs probe commands
	Cache   *ModuleCache
	Log     io.Writer
}

// Validate performs every check that can fail a selection. It does no I/O and
// spawns no processes.
func (r *OptionResolver) Validate(sel Selection) (*ResolvedOptions, error) {
	f := r.Formula
	baseline, err := f.BaselineArgs(r.Layout)
	if err != nil {
		return nil, err
	}
	res := &ResolvedOptions{Baseline: baseline}

	switch mode := f.Mode.(type) {
	case DynamicMode:
		for _, name := range sel.names {
			if _, ok := f.Option(name); ok {
				continue
			}
			if r.Strict {
				return nil, configErrorf(f.ID(), "unknown option --with-%s (known: %s)", name, strings.Join(optionNames(f), ", "))
			}
			res.Ignored = append(res.Ignored, name)
		}
		for _, o := range f.Options {
			if !sel.Has(o.Name) {
				continue
			}
			if !o.IsModule() {
				res.Core = append(res.Core, o.Arg)
				continue
			}
			m, err := f.Modules.Resolve(o.Module)
			if err != nil {
				return nil, err
			}
			res.Modules = append(res.Modules, m)
		}

	case StaticMode:
		if len(sel.names) > 0 {
			if r.Strict {
				return nil, configErrorf(f.ID(), "this revision builds a fixed configuration and accepts no options (got --with-%s)", strings.Join(sel.names, ", --with-"))
			}
			res.Ignored = append(res.Ignored, sel.names...)
		}
		res.Core = append(res.Core, mode.Args...)
		for _, id := range mode.Modules {
			m, err := f.Modules.Resolve(id)
			if err != nil {
				return nil, err
			}
			res.Modules = append(res.Modules, m)
		}

	default:
		return nil, configErrorf(f.ID(), "unsupported build mode %T", f.Mode)
	}

	for _, name := range res.Ignored {
		colArrow.Print("-> ")
		colWarn.Printf("Ignoring option --with-%s for %s\n", name, f.ID())
	}
	return res, nil
}

// Materialize fetches and unpacks every module of res into srcDir (or runs its
// probe) and returns the final argument list. Module arguments always come
// after every core argument.
func (r *OptionResolver) Materialize(ctx context.Context, res *ResolvedOptions, srcDir string) ([]string, error) {
	if r.Cache == nil {
		r.Cache = NewModuleCache()
	}
	args := res.coreArgs()
	for _, m := range res.Modules {
		dir, err := r.module(ctx, m, srcDir)
		if err != nil {
			return nil, err
		}
		args = append(args, "--add-module="+dir)
	}
	return args, nil
}

// Resolve is Validate followed by Materialize.
func (r *OptionResolver) Resolve(ctx context.Context, sel Selection, srcDir string) ([]string, error) {
	res, err := r.Validate(sel)
	if err != nil {
		return nil, err
	}
	return r.Materialize(ctx, res, srcDir)
}

// module returns the --add-module path of m, materializing it on first use.
// Archive modules are unpacked into srcDir and referenced relative to it.
func (r *OptionResolver) module(ctx context.Context, m ModuleDescriptor, srcDir string) (string, error) {
	if dir, ok := r.Cache.Get(m.ID); ok {
		debugf("Module %s already prepared at %s\n", m.ID, dir)
		return dir, nil
	}

	var dir string
	if m.IsProbe() {
		root, err := r.probe(ctx, m)
		if err != nil {
			return "", err
		}
		dir = filepath.Join(root, m.Subdir)
	} else {
		archive, err := fetchPinned(ctx, r.Source, pinnedArchive{URL: m.URL, Checksum: m.Checksum})
		if err != nil {
			return "", err
		}
		extracted, err := r.Source.Extract(ctx, archive, srcDir)
		if err != nil {
			return "", err
		}
		if filepath.Base(extracted) != m.DirName() {
			return "", configErrorf("module "+m.ID, "unpacked into %s, expected %s", filepath.Base(extracted), m.DirName())
		}
		dir = m.DirName()
	}

	check := dir
	if !filepath.IsAbs(check) {
		check = filepath.Join(srcDir, dir)
	}
	if info, err := os.Stat(check); err != nil || !info.IsDir() {
		return "", configErrorf("module "+m.ID, "expected directory %s does not exist", check)
	}

	r.Cache.Put(m.ID, dir)
	return dir, nil
}

func (r *OptionResolver) probe(ctx context.Context, m ModuleDescriptor) (string, error) {
	var out bytes.Buffer
	cmd := Command{Name: m.Probe[0], Args: m.Probe[1:], Stdout: &out, Stderr: r.Log}
	if err := r.Runner.Run(ctx, cmd); err != nil {
		return "", configErrorf("module "+m.ID, "%s failed (%v); it must be installed and on PATH", cmd, err)
	}
	root := strings.TrimSpace(out.String())
	if root == "" {
		return "", configErrorf("module "+m.ID, "%s printed nothing", cmd)
	}
	return root, nil
}

func optionNames(f *Formula) []string {
	names := make([]string, 0, len(f.Options))
	for _, o := range f.Options {
		names = append(names, o.Name)
	}
	return names
}
