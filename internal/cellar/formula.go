package cellar

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"
)

// --- HCL schema ---

type hclFormulaFile struct {
	Formulas []*hclFormula `hcl:"formula,block"`
}

type hclFormula struct {
	Name      string         `hcl:"name,label"`
	Version   string         `hcl:"version"`
	Homepage  string         `hcl:"homepage,optional"`
	URL       string         `hcl:"url"`
	MD5       string         `hcl:"md5,optional"`
	SHA1      string         `hcl:"sha1,optional"`
	SHA256    string         `hcl:"sha256,optional"`
	BLAKE3    string         `hcl:"blake3,optional"`
	DependsOn []string       `hcl:"depends_on,optional"`
	Patches   []*hclPatch    `hcl:"patch,block"`
	Options   []*hclOption   `hcl:"option,block"`
	Modules   []*hclModule   `hcl:"module,block"`
	Build     *hclBuild      `hcl:"build,block"`
	Layout    *hclLayout     `hcl:"layout,block"`
	Service   *hclService    `hcl:"service,block"`
	Caveats   hcl.Expression `hcl:"caveats,optional"`
}

type hclPatch struct {
	Name  string `hcl:"name,label"`
	File  string `hcl:"file,optional"`
	URL   string `hcl:"url,optional"`
	Strip *int   `hcl:"strip,optional"`
}

type hclOption struct {
	Name        string `hcl:"name,label"`
	Description string `hcl:"description"`
	Arg         string `hcl:"arg,optional"`
	Module      string `hcl:"module,optional"`
}

type hclModule struct {
	ID     string   `hcl:"id,label"`
	URL    string   `hcl:"url,optional"`
	MD5    string   `hcl:"md5,optional"`
	SHA1   string   `hcl:"sha1,optional"`
	SHA256 string   `hcl:"sha256,optional"`
	BLAKE3 string   `hcl:"blake3,optional"`
	Probe  []string `hcl:"probe,optional"`
	Subdir string   `hcl:"subdir,optional"`
}

// declaredChecksums returns the digests that were set, lowercased.
func declaredChecksums(md5, sha1, sha256, blake3 string) []Checksum {
	var sums []Checksum
	for _, c := range []Checksum{{HashMD5, md5}, {HashSHA1, sha1}, {HashSHA256, sha256}, {HashBLAKE3, blake3}} {
		if c.Hex != "" {
			sums = append(sums, Checksum{Algo: c.Algo, Hex: strings.ToLower(c.Hex)})
		}
	}
	return sums
}

type hclBuild struct {
	Mode      string         `hcl:"mode"`
	Args      hcl.Expression `hcl:"args"`
	FixedArgs []string       `hcl:"fixed_args,optional"`
	Modules   []string       `hcl:"modules,optional"`
}

type hclLayout struct {
	ConfPath hcl.Expression `hcl:"conf_path,optional"`
	PidPath  hcl.Expression `hcl:"pid_path,optional"`
	LockPath hcl.Expression `hcl:"lock_path,optional"`
	LogDirs  hcl.Expression `hcl:"log_dirs,optional"`
	TempDirs hcl.Expression `hcl:"temp_dirs,optional"`
	ManPages []string       `hcl:"man_pages,optional"`
}

type hclService struct {
	Label            string         `hcl:"label"`
	ProgramArguments hcl.Expression `hcl:"program_arguments"`
	WorkingDirectory hcl.Expression `hcl:"working_directory,optional"`
	RunAtLoad        *bool          `hcl:"run_at_load,optional"`
	KeepAlive        *bool          `hcl:"keep_alive,optional"`
	ListenPort       int            `hcl:"listen_port,optional"`
}

// --- domain model ---

// BuildMode selects how a formula revision turns options into configure
// arguments. It is either DynamicMode or StaticMode.
type BuildMode interface {
	modeName() string
}

// DynamicMode builds from user-selected option flags.
type DynamicMode struct{}

// StaticMode ignores user flags and always builds the same fixed arguments and modules.
type StaticMode struct {
	Args    []string
	Modules []string
}

func (DynamicMode) modeName() string { return "dynamic" }
func (StaticMode) modeName() string  { return "static" }

// OptionFlag is a user-facing --with-<Name> switch. Exactly one of Arg and
// Module is set.
type OptionFlag struct {
	Name        string
	Description string
	Arg         string
	Module      string
}

// IsModule reports whether the flag pulls in a third-party module.
func (o OptionFlag) IsModule() bool { return o.Module != "" }

// Patch is applied to the freshly extracted source tree before configuring.
type Patch struct {
	Name  string
	URL   string
	Data  []byte
	Strip int
}

// Formula is one revision of a package build recipe.
type Formula struct {
	Name      string
	Version   string
	Homepage  string
	URL       string
	Checksum  Checksum
	DependsOn []string
	Patches   []Patch
	Options   []OptionFlag
	Modules   *Registry
	Mode      BuildMode
	Source    string // file the formula was loaded from

	baseArgs hcl.Expression
	layout   *hclLayout
	service  *hclService
	caveats  hcl.Expression
}

// ID is the name@version reference of the revision.
func (f *Formula) ID() string { return f.Name + "@" + f.Version }

// Option returns the declared option called name.
func (f *Formula) Option(name string) (OptionFlag, bool) {
	for _, o := range f.Options {
		if o.Name == name {
			return o, true
		}
	}
	return OptionFlag{}, false
}

// Layout resolves the install layout of this revision below root.
func (f *Formula) Layout(root string) (*InstallLayout, error) {
	l := newBaseLayout(root, f.Name, f.Version)
	if f.layout == nil {
		return l, nil
	}
	ctx := l.evalContext(f.Name, f.Version)

	var err error
	if l.ConfPath, err = evalString(f.layout.ConfPath, ctx); err != nil {
		return nil, f.exprError("layout.conf_path", err)
	}
	if l.PidPath, err = evalString(f.layout.PidPath, ctx); err != nil {
		return nil, f.exprError("layout.pid_path", err)
	}
	if l.LockPath, err = evalString(f.layout.LockPath, ctx); err != nil {
		return nil, f.exprError("layout.lock_path", err)
	}
	if l.LogDirs, err = evalStrings(f.layout.LogDirs, ctx); err != nil {
		return nil, f.exprError("layout.log_dirs", err)
	}
	if l.TempDirs, err = evalStrings(f.layout.TempDirs, ctx); err != nil {
		return nil, f.exprError("layout.temp_dirs", err)
	}
	l.ManPages = append([]string(nil), f.layout.ManPages...)
	return l, nil
}

// BaselineArgs are the configure arguments every build of this revision starts with.
func (f *Formula) BaselineArgs(l *InstallLayout) ([]string, error) {
	args, err := evalStrings(f.baseArgs, l.evalContext(f.Name, f.Version))
	if err != nil {
		return nil, f.exprError("build.args", err)
	}
	return args, nil
}

func (f *Formula) exprError(field string, err error) error {
	return configErrorf(f.ID(), "evaluating %s: %v", field, err)
}

func evalString(expr hcl.Expression, ctx *hcl.EvalContext) (string, error) {
	if expr == nil {
		return "", nil
	}
	val, diags := expr.Value(ctx)
	if diags.HasErrors() {
		return "", diags
	}
	if val.IsNull() {
		return "", nil
	}
	val, err := convert.Convert(val, cty.String)
	if err != nil {
		return "", err
	}
	return val.AsString(), nil
}

func evalStrings(expr hcl.Expression, ctx *hcl.EvalContext) ([]string, error) {
	if expr == nil {
		return nil, nil
	}
	val, diags := expr.Value(ctx)
	if diags.HasErrors() {
		return nil, diags
	}
	if val.IsNull() {
		return nil, nil
	}
	val, err := convert.Convert(val, cty.List(cty.String))
	if err != nil {
		return nil, err
	}
	var out []string
	if err := gocty.FromCtyValue(val, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- loading ---

// parseFormulas decodes every formula block in the HCL file at name inside fsys.
func parseFormulas(fsys fs.FS, name string) ([]*Formula, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read formula file %s: %w", name, err)
	}

	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCL(data, name)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse formula file %s: %w", name, diags)
	}

	var parsed hclFormulaFile
	diags = gohcl.DecodeBody(hclFile.Body, nil, &parsed)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode formula file %s: %w", name, diags)
	}

	formulas := make([]*Formula, 0, len(parsed.Formulas))
	for _, hf := range parsed.Formulas {
		f, err := newFormula(fsys, name, hf)
		if err != nil {
			return nil, err
		}
		formulas = append(formulas, f)
	}
	return formulas, nil
}

func newFormula(fsys fs.FS, file string, hf *hclFormula) (*Formula, error) {
	f := &Formula{
		Name:      hf.Name,
		Version:   hf.Version,
		Homepage:  hf.Homepage,
		URL:       hf.URL,
		DependsOn: hf.DependsOn,
		Source:    file,
		layout:    hf.Layout,
		service:   hf.Service,
		caveats:   hf.Caveats,
	}
	id := f.ID()

	if f.Name == "" || f.Version == "" {
		return nil, configErrorf(file, "formula needs a name and a version")
	}
	if err := validateArchiveURL(id, f.URL); err != nil {
		return nil, err
	}

	sums := declaredChecksums(hf.MD5, hf.SHA1, hf.SHA256, hf.BLAKE3)
	if len(sums) != 1 {
		return nil, configErrorf(id, "exactly one of md5, sha1, sha256 or blake3 must be set, found %d", len(sums))
	}
	if err := sums[0].validate(); err != nil {
		return nil, configErrorf(id, "%v", err)
	}
	f.Checksum = sums[0]

	mods := make([]ModuleDescriptor, 0, len(hf.Modules))
	for _, m := range hf.Modules {
		md := ModuleDescriptor{ID: m.ID, URL: m.URL, Probe: m.Probe, Subdir: m.Subdir}
		switch sums := declaredChecksums(m.MD5, m.SHA1, m.SHA256, m.BLAKE3); len(sums) {
		case 0:
		case 1:
			md.Checksum = sums[0]
		default:
			return nil, configErrorf(id, "module %q sets more than one of md5, sha1, sha256 or blake3", m.ID)
		}
		mods = append(mods, md)
	}
	reg, err := NewRegistry(mods...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	f.Modules = reg

	seen := make(map[string]bool)
	for _, o := range hf.Options {
		if seen[o.Name] {
			return nil, configErrorf(id, "option %q declared more than once", o.Name)
		}
		seen[o.Name] = true
		if (o.Arg == "") == (o.Module == "") {
			return nil, configErrorf(id, "option %q must set exactly one of arg or module", o.Name)
		}
		if o.Module != "" {
			if _, err := reg.Resolve(o.Module); err != nil {
				return nil, configErrorf(id, "option %q: %v", o.Name, err)
			}
		}
		f.Options = append(f.Options, OptionFlag{Name: o.Name, Description: o.Description, Arg: o.Arg, Module: o.Module})
	}

	if hf.Build == nil {
		return nil, configErrorf(id, "missing build block")
	}
	f.baseArgs = hf.Build.Args
	switch hf.Build.Mode {
	case "dynamic":
		if len(hf.Build.FixedArgs) > 0 || len(hf.Build.Modules) > 0 {
			return nil, configErrorf(id, "dynamic builds take their arguments from options, not fixed_args or modules")
		}
		f.Mode = DynamicMode{}
	case "static":
		if len(f.Options) > 0 {
			return nil, configErrorf(id, "static builds do not accept options")
		}
		for _, m := range hf.Build.Modules {
			if _, err := reg.Resolve(m); err != nil {
				return nil, configErrorf(id, "build.modules: %v", err)
			}
		}
		f.Mode = StaticMode{Args: hf.Build.FixedArgs, Modules: hf.Build.Modules}
	default:
		return nil, configErrorf(id, "unknown build mode %q (want dynamic or static)", hf.Build.Mode)
	}

	for _, p := range hf.Patches {
		patch := Patch{Name: p.Name, URL: p.URL, Strip: 1}
		if p.Strip != nil {
			patch.Strip = *p.Strip
		}
		switch {
		case (p.File == "") == (p.URL == ""):
			return nil, configErrorf(id, "patch %q must set exactly one of file or url", p.Name)
		case p.File != "":
			data, err := fs.ReadFile(fsys, path.Join(path.Dir(file), p.File))
			if err != nil {
				return nil, configErrorf(id, "patch %q: %v", p.Name, err)
			}
			patch.Data = data
		default:
			if err := validateFetchURL("patch "+p.Name, p.URL); err != nil {
				return nil, err
			}
		}
		f.Patches = append(f.Patches, patch)
	}

	if hf.Service != nil && hf.Service.Label == "" {
		return nil, configErrorf(id, "service block needs a label")
	}
	return f, nil
}

// FormulaIndex holds every known formula revision, grouped by name.
type FormulaIndex struct {
	revisions map[string][]*Formula
}

// LoadFormulaIndex loads the embedded formulas plus every *.hcl file in dirs.
// Later sources override earlier revisions with the same name@version.
func LoadFormulaIndex(dirs []string) (*FormulaIndex, error) {
	ix := &FormulaIndex{revisions: make(map[string][]*Formula)}

	embedded, err := fs.Glob(embeddedFormulas, "formulas/*.hcl")
	if err != nil {
		return nil, err
	}
	for _, name := range embedded {
		if err := ix.addFile(embeddedFormulas, name); err != nil {
			return nil, err
		}
	}

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			debugf("Formula path %s does not exist, skipping\n", dir)
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".hcl" {
				continue
			}
			if err := ix.addFile(os.DirFS(dir), e.Name()); err != nil {
				return nil, err
			}
		}
	}
	return ix, nil
}

func (ix *FormulaIndex) addFile(fsys fs.FS, name string) error {
	formulas, err := parseFormulas(fsys, name)
	if err != nil {
		return err
	}
	for _, f := range formulas {
		ix.add(f)
	}
	return nil
}

func (ix *FormulaIndex) add(f *Formula) {
	revs := ix.revisions[f.Name]
	for i, r := range revs {
		if r.Version == f.Version {
			revs[i] = f
			return
		}
	}
	revs = append(revs, f)
	sort.Slice(revs, func(i, j int) bool { return compareVersions(revs[i].Version, revs[j].Version) < 0 })
	ix.revisions[f.Name] = revs
}

// Names returns every formula name, sorted.
func (ix *FormulaIndex) Names() []string {
	names := make([]string, 0, len(ix.revisions))
	for n := range ix.revisions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Revisions returns the revisions of name from oldest to newest.
func (ix *FormulaIndex) Revisions(name string) []*Formula {
	return ix.revisions[name]
}

// Lookup resolves "name" (newest revision) or "name@version".
func (ix *FormulaIndex) Lookup(ref string) (*Formula, error) {
	name, ver, pinned := strings.Cut(ref, "@")
	revs := ix.revisions[name]
	if len(revs) == 0 {
		return nil, configErrorf(ref, "no such formula")
	}
	if !pinned {
		return revs[len(revs)-1], nil
	}
	for _, r := range revs {
		if r.Version == ver {
			return r, nil
		}
	}
	known := make([]string, 0, len(revs))
	for _, r := range revs {
		known = append(known, r.Version)
	}
	return nil, configErrorf(ref, "no such revision (known: %s)", strings.Join(known, ", "))
}
