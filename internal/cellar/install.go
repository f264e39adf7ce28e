package cellar

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Installer runs a complete formula install: dependency check, option
// resolution, source preparation, the build itself and the service descriptor.
type Installer struct {
	Settings Settings
	Fetcher  *ArtifactFetcher
	Runner   Runner
	// InstallRunner runs make install and writes into the prefix. Defaults to Runner.
	InstallRunner      Runner
	Privileged         bool
	Strict             bool
	IgnoreDependencies bool
	User               string
	Out                io.Writer // console; nil means stdout
}

// InstallResult describes a finished or failed install run.
type InstallResult struct {
	Formula   *Formula
	Layout    *InstallLayout
	Args      []string
	Build     *BuildResult
	Service   *ServiceDescriptor
	PlistPath string // empty unless the descriptor was written
	Caveats   string
	LogPath   string
}

func (in *Installer) console() io.Writer {
	if in.Out == nil {
		return os.Stdout
	}
	return in.Out
}

// sourceParent is the directory main source archives are unpacked into.
func (in *Installer) sourceParent() string { return in.Settings.workDir() }

// Plan validates sel against f without touching the network or spawning
// processes. Every ConfigurationError an install can raise is raised here.
func (in *Installer) Plan(f *Formula, sel Selection) (*ResolvedOptions, *InstallLayout, error) {
	layout, err := f.Layout(in.Settings.Root)
	if err != nil {
		return nil, nil, err
	}
	if !in.IgnoreDependencies {
		if err := checkDependencies(f, in.Settings.Root); err != nil {
			return nil, nil, err
		}
	}
	res, err := in.resolver(f, layout, nil, nil).Validate(sel)
	if err != nil {
		return nil, nil, err
	}
	return res, layout, nil
}

func (in *Installer) resolver(f *Formula, layout *InstallLayout, src ModuleSource, log io.Writer) *OptionResolver {
	return &OptionResolver{
		Formula: f,
		Layout:  layout,
		Strict:  in.Strict,
		Source:  src,
		Runner:  in.Runner,
		Cache:   NewModuleCache(),
		Log:     log,
	}
}

// fetcherFor returns a copy of the fetcher that reports progress to log.
func (in *Installer) fetcherFor(log io.Writer) *ArtifactFetcher {
	f := *in.Fetcher
	f.Log = log
	return &f
}

// Install builds and installs f with the options in sel. The service
// descriptor is written only after every build stage has succeeded.
func (in *Installer) Install(ctx context.Context, f *Formula, sel Selection) (result *InstallResult, err error) {
	result = &InstallResult{Formula: f}

	res, layout, err := in.Plan(f, sel)
	if err != nil {
		return result, err
	}
	result.Layout = layout

	userName := in.User
	if userName == "" {
		userName = currentUserName()
	}
	sd, err := GenerateService(f, layout, userName)
	if err != nil {
		return result, err
	}
	result.Service = sd

	blog, err := openBuildLog(in.Settings.logDir(), f)
	if err != nil {
		return result, err
	}
	defer func() {
		path, cerr := blog.Close()
		result.LogPath = path
		if cerr != nil {
			colArrow.Print("-> ")
			colWarn.Printf("%v\n", cerr)
		}
	}()
	out := blog.Tee(in.console())
	ohaiTo(out, "Installing %s", f.ID())

	fetcher := in.fetcherFor(out)
	archive, err := fetcher.FetchVerified(ctx, f.URL, f.Checksum)
	if err != nil {
		return result, err
	}
	srcDir, err := fetcher.Extract(ctx, archive, in.sourceParent())
	if err != nil {
		return result, err
	}

	patcher := &Patcher{Fetcher: fetcher, Runner: in.Runner, Log: out}
	if err := patcher.Apply(ctx, f.Patches, srcDir); err != nil {
		return result, err
	}

	args, err := in.resolver(f, layout, fetcher, out).Materialize(ctx, res, srcDir)
	if err != nil {
		return result, err
	}
	result.Args = args

	executor := &BuildPlanExecutor{
		SourceDir:     srcDir,
		Runner:        in.Runner,
		InstallRunner: in.InstallRunner,
		Privileged:    in.Privileged,
		Jobs:          in.Settings.MakeJobs,
		Log:           out,
	}
	result.Build, err = executor.Execute(ctx, args, layout)
	if err != nil {
		return result, err
	}

	if sd != nil {
		path := sd.PlistPath(layout)
		if err := in.writePlist(ctx, sd, path); err != nil {
			return result, err
		}
		result.PlistPath = path
		ohaiTo(out, "Wrote %s", path)
	}

	result.Caveats, err = RenderCaveats(f, layout, sd)
	if err != nil {
		return result, err
	}
	return result, nil
}

func (in *Installer) writePlist(ctx context.Context, sd *ServiceDescriptor, path string) error {
	data, err := RenderPlist(sd)
	if err != nil {
		return err
	}
	if !in.Privileged || os.Geteuid() == 0 {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("failed to write service descriptor: %w", err)
		}
		return nil
	}

	tmp, err := os.CreateTemp("", "cellar-*.plist")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	r := in.InstallRunner
	if r == nil {
		r = in.Runner
	}
	if err := r.Run(ctx, Command{Name: "install", Args: []string{"-m", "644", tmp.Name(), path}}); err != nil {
		return fmt.Errorf("failed to write service descriptor: %w", err)
	}
	return nil
}

// pinnedArchive is a downloadable archive and the digest it must match, if any.
type pinnedArchive struct {
	URL      string
	Checksum Checksum
}

// sourceArchives lists the source archive of f followed by every downloadable
// module archive of the revision, in registry order.
func sourceArchives(f *Formula) []pinnedArchive {
	archives := []pinnedArchive{{URL: f.URL, Checksum: f.Checksum}}
	for _, id := range f.Modules.IDs() {
		m, _ := f.Modules.Resolve(id)
		if !m.IsProbe() {
			archives = append(archives, pinnedArchive{URL: m.URL, Checksum: m.Checksum})
		}
	}
	return archives
}

// fetchPinned downloads a, verifying it when a digest is pinned.
func fetchPinned(ctx context.Context, src ModuleSource, a pinnedArchive) (string, error) {
	if a.Checksum.Algo == "" {
		return src.Fetch(ctx, a.URL)
	}
	return src.FetchVerified(ctx, a.URL, a.Checksum)
}

// FetchAll downloads (but does not unpack) everything f can need: the verified
// source archive, every module archive and every remote patch. Pinned module
// archives are verified as well.
func (in *Installer) FetchAll(ctx context.Context, f *Formula) ([]string, error) {
	fetcher := in.fetcherFor(in.console())
	var paths []string
	for _, a := range sourceArchives(f) {
		p, err := fetchPinned(ctx, fetcher, a)
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	for _, patch := range f.Patches {
		if patch.URL == "" {
			continue
		}
		p, err := fetcher.FetchFile(ctx, patch.URL)
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// sourceDir is where the main source tree of f is unpacked.
func (in *Installer) sourceDir(f *Formula) string {
	return filepath.Join(in.sourceParent(), DirName(f.URL))
}
