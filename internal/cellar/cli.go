package cellar

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
)

// printHelp prints the commands table
func printHelp(w io.Writer) {
	colSuccess.Println("Usage: cellar <command> [arguments]")
	colSuccess.Println("Formulas are referenced as <name> (newest revision) or <name>@<version>")
	fmt.Fprintln(w)
	color.Info.Println("Available Commands:")

	type cmdInfo struct {
		Cmd  string
		Args string
		Desc string
	}
	cmds := []cmdInfo{
		{"install, i", "[--strict] [--ignore-dependencies] [--with-<opt>...] <formula>", "Fetch, build and install a formula"},
		{"args", "[--strict] [--with-<opt>...] <formula>", "Show the configure arguments without building"},
		{"options", "<formula>", "List the options a formula accepts"},
		{"info", "<formula>", "Show formula details and revisions"},
		{"caveats", "<formula>", "Show post-install notes"},
		{"plist", "<formula>", "Print the launchd service descriptor"},
		{"checksum, c", "<formula>", "Fetch the source archive and print its digests"},
		{"fetch", "<formula>", "Download every archive a formula can need"},
		{"log", "<formula>", "Show the last build log"},
		{"mirror", "<formula>", "Upload the formula's archives to the mirror bucket"},
		{"cleanup", "[-archives] [-work] [-logs] [-all]", "Remove cached data"},
		{"version, --version", "", "Version information"},
	}

	maxLen := 0
	for _, c := range cmds {
		length := len(c.Cmd) + len(c.Args)
		if c.Args != "" {
			length++
		}
		maxLen = max(maxLen, length)
	}
	columnWidth := maxLen + 4

	for _, c := range cmds {
		var usageString string
		if c.Args != "" {
			usageString = fmt.Sprintf("  %s %s", c.Cmd, c.Args)
		} else {
			usageString = fmt.Sprintf("  %s", c.Cmd)
		}

		fmt.Fprint(w, "  ")
		fmt.Fprint(w, color.Bold.Sprint(c.Cmd))
		if c.Args != "" {
			fmt.Fprint(w, " "+color.Cyan.Sprint(c.Args))
		}
		pad := max(columnWidth-len(usageString), 1)
		fmt.Fprint(w, strings.Repeat(" ", pad))
		fmt.Fprintln(w, color.Info.Sprint(c.Desc))
	}
	fmt.Fprintln(w)
}

// app carries what every command needs.
type app struct {
	settings Settings
	index    *FormulaIndex
	userExec *Executor
	rootExec *Executor
	out      io.Writer
}

// Main is the CLI entrypoint for cmd/cellar.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		for {
			select {
			case sig := <-sigs:
				if isCriticalAtomic.Load() == 1 {
					// make install is writing into the prefix: require a second signal.
					colArrow.Print("\n-> ")
					colError.Printf("Install in progress. Press Ctrl+C AGAIN to force exit NOW.\n")
					select {
					case <-sigs:
						colArrow.Print("\n-> ")
						colError.Printf("Forced immediate exit.\n")
						os.Exit(130)
					case <-time.After(5 * time.Second):
						continue
					case <-ctx.Done():
						return
					}
				}

				colArrow.Print("\n-> ")
				color.Danger.Printf("Received %v. Cancelling build\n", sig)
				cancel()

				select {
				case <-sigs:
					colArrow.Print("\n-> ")
					color.Danger.Printf("Second interrupt received. Forcing immediate exit.\n")
					os.Exit(130)
				case <-time.After(2 * time.Second):
					colArrow.Print("\n-> ")
					color.Danger.Printf("Graceful shutdown timeout. Exiting.\n")
					os.Exit(130)
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	os.Exit(run(ctx, os.Args[1:], os.Stdout))
}

// run executes one command line and returns the process exit status.
func run(ctx context.Context, args []string, out io.Writer) int {
	if len(args) == 0 {
		printHelp(out)
		return 0
	}

	configPath := ConfigFile
	if p := os.Getenv("CELLAR_CONFIG"); p != "" {
		configPath = p
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to read %s: %v\n", configPath, err)
	}
	s := initConfig(cfg)

	a := &app{
		settings: s,
		userExec: &Executor{ApplyIdlePriority: s.Idle},
		rootExec: &Executor{ShouldRunAsRoot: true, ApplyIdlePriority: s.Idle},
		out:      out,
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "help", "-h", "--help":
		printHelp(out)
		return 0
	case "version", "--version":
		fmt.Fprintln(out, colNote.Sprintf("cellar %s (%s) built %s", version, arch, buildDate))
		return 0
	case "cleanup":
		return a.report(a.cleanup(rest))
	}

	a.index, err = LoadFormulaIndex(s.FormulaPaths)
	if err != nil {
		return a.report(err)
	}

	switch cmd {
	case "install", "i":
		err = a.install(ctx, rest)
	case "args":
		err = a.args(rest)
	case "options":
		err = a.withFormula("options", rest, a.options)
	case "info":
		err = a.withFormula("info", rest, a.info)
	case "caveats":
		err = a.withFormula("caveats", rest, a.caveats)
	case "plist":
		err = a.withFormula("plist", rest, a.plist)
	case "checksum", "c":
		err = a.withFormula("checksum", rest, func(f *Formula) error { return a.checksum(ctx, f) })
	case "fetch":
		err = a.withFormula("fetch", rest, func(f *Formula) error { return a.fetch(ctx, f) })
	case "log":
		err = a.withFormula("log", rest, a.showLog)
	case "mirror":
		err = a.withFormula("mirror", rest, func(f *Formula) error { return a.mirror(ctx, f) })
	default:
		colArrow.Print("-> ")
		colError.Printf("Unknown command: %s\n", cmd)
		printHelp(out)
		return 2
	}
	return a.report(err)
}

// report prints err the way every command fails and maps it to an exit status.
func (a *app) report(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	colArrow.Print("-> ")
	colError.Printf("Error: %v\n", err)

	var se *StageError
	if errors.As(err, &se) && se.Output != "" {
		colWarn.Println("Last lines of output:")
		fmt.Fprintln(os.Stderr, se.Output)
	}
	var ue usageError
	if errors.As(err, &ue) {
		return 2
	}
	return 1
}

type usageError string

func (e usageError) Error() string { return string(e) }

// newFlagSet returns a FlagSet that reports errors instead of exiting.
func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

func (a *app) lookupOne(name string, fs *flag.FlagSet) (*Formula, error) {
	if fs.NArg() != 1 {
		return nil, usageError(fmt.Sprintf("usage: cellar %s <formula[@version]>", name))
	}
	return a.index.Lookup(fs.Arg(0))
}

func (a *app) withFormula(name string, args []string, fn func(*Formula) error) error {
	fs := newFlagSet(name)
	if err := fs.Parse(args); err != nil {
		return err
	}
	f, err := a.lookupOne(name, fs)
	if err != nil {
		return err
	}
	return fn(f)
}

func (a *app) newFetcher(ctx context.Context) *ArtifactFetcher {
	var mirror *MirrorClient
	if a.settings.Mirror.Enabled() {
		m, err := NewMirrorClient(ctx, a.settings.Mirror)
		if err != nil {
			colArrow.Print("-> ")
			colWarn.Printf("Mirror disabled: %v\n", err)
		} else {
			mirror = m
		}
	}
	return NewArtifactFetcher(a.settings, a.userExec, mirror, nil)
}

func (a *app) installer(ctx context.Context, strict, ignoreDeps bool) *Installer {
	in := &Installer{
		Settings:           a.settings,
		Fetcher:            a.newFetcher(ctx),
		Runner:             a.userExec,
		Strict:             strict || a.settings.StrictOptions,
		IgnoreDependencies: ignoreDeps,
		Out:                a.out,
	}
	if a.settings.SudoInstall {
		in.InstallRunner = a.rootExec
		in.Privileged = true
	}
	return in
}

// parseInstallFlags splits --with-<opt> switches off and parses the rest.
func parseInstallFlags(name string, args []string) (*flag.FlagSet, Selection, *bool, *bool, error) {
	sel, rest := ParseSelection(args)
	fs := newFlagSet(name)
	strict := fs.Bool("strict", false, "Fail on options the formula does not declare.")
	ignoreDeps := fs.Bool("ignore-dependencies", false, "Do not check that dependencies are installed.")
	if err := fs.Parse(rest); err != nil {
		return nil, sel, nil, nil, err
	}
	return fs, sel, strict, ignoreDeps, nil
}

func (a *app) install(ctx context.Context, args []string) error {
	fs, sel, strict, ignoreDeps, err := parseInstallFlags("install", args)
	if err != nil {
		return err
	}
	f, err := a.lookupOne("install", fs)
	if err != nil {
		return err
	}

	res, err := a.installer(ctx, *strict, *ignoreDeps).Install(ctx, f, sel)
	if res.LogPath != "" {
		debugf("Build log: %s\n", res.LogPath)
	}
	if err != nil {
		if res.Build != nil {
			colArrow.Print("-> ")
			colError.Printf("%s failed at %s after %s\n", f.ID(), res.Build.Stage, res.Build.Duration.Round(time.Second))
		}
		if res.LogPath != "" {
			colArrow.Print("-> ")
			colWarn.Printf("See the build log with: cellar log %s\n", f.ID())
		}
		return err
	}

	ohai("%s installed to %s", f.ID(), res.Layout.Prefix)
	if res.Caveats != "" {
		fmt.Fprintln(a.out)
		colInfo.Println("==> Caveats")
		fmt.Fprint(a.out, res.Caveats)
	}
	return nil
}

func (a *app) args(args []string) error {
	fs, sel, strict, ignoreDeps, err := parseInstallFlags("args", args)
	if err != nil {
		return err
	}
	f, err := a.lookupOne("args", fs)
	if err != nil {
		return err
	}
	in := &Installer{Settings: a.settings, Strict: *strict || a.settings.StrictOptions, IgnoreDependencies: *ignoreDeps}
	res, _, err := in.Plan(f, sel)
	if err != nil {
		return err
	}
	for _, arg := range res.PreviewArgs() {
		fmt.Fprintln(a.out, arg)
	}
	return nil
}

func (a *app) options(f *Formula) error {
	switch mode := f.Mode.(type) {
	case StaticMode:
		ohai("%s builds a fixed configuration and takes no options", f.ID())
		for _, arg := range mode.Args {
			fmt.Fprintf(a.out, "  %s\n", arg)
		}
		for _, id := range mode.Modules {
			fmt.Fprintf(a.out, "  --add-module=<%s>\n", id)
		}
		return nil
	}
	if len(f.Options) == 0 {
		ohai("%s has no options", f.ID())
		return nil
	}
	width := 0
	for _, o := range f.Options {
		width = max(width, len(o.Name))
	}
	for _, o := range f.Options {
		fmt.Fprintf(a.out, "--with-%-*s  %s\n", width, o.Name, o.Description)
	}
	return nil
}

func (a *app) info(f *Formula) error {
	fmt.Fprintf(a.out, "%s: %s\n", color.Bold.Sprint(f.ID()), f.Homepage)
	fmt.Fprintf(a.out, "Source:   %s\n", f.URL)
	fmt.Fprintf(a.out, "Checksum: %s\n", f.Checksum)
	fmt.Fprintf(a.out, "Mode:     %s\n", f.Mode.modeName())
	fmt.Fprintf(a.out, "Formula:  %s\n", f.Source)

	if len(f.DependsOn) > 0 {
		var deps []string
		for _, d := range f.DependsOn {
			if isKegInstalled(a.settings.Root, d) {
				deps = append(deps, d+" ✔")
			} else {
				deps = append(deps, d+" ✘")
			}
		}
		fmt.Fprintf(a.out, "Depends:  %s\n", strings.Join(deps, ", "))
	}
	for _, id := range f.Modules.IDs() {
		m, _ := f.Modules.Resolve(id)
		if m.IsProbe() {
			fmt.Fprintf(a.out, "Module:   %s (found via %s)\n", id, strings.Join(m.Probe, " "))
		} else {
			fmt.Fprintf(a.out, "Module:   %s %s\n", id, m.URL)
		}
	}
	for _, p := range f.Patches {
		fmt.Fprintf(a.out, "Patch:    %s\n", p.Name)
	}

	var versions []string
	for _, r := range a.index.Revisions(f.Name) {
		versions = append(versions, r.Version)
	}
	fmt.Fprintf(a.out, "Revisions: %s\n", strings.Join(versions, ", "))

	layout, err := f.Layout(a.settings.Root)
	if err != nil {
		return err
	}
	state := "not installed"
	if info, err := os.Stat(layout.Prefix); err == nil && info.IsDir() {
		state = "installed"
	}
	fmt.Fprintf(a.out, "Prefix:   %s (%s)\n", layout.Prefix, state)
	in := &Installer{Settings: a.settings}
	fmt.Fprintf(a.out, "Sources:  %s\n", in.sourceDir(f))
	return nil
}

func (a *app) service(f *Formula) (*InstallLayout, *ServiceDescriptor, error) {
	layout, err := f.Layout(a.settings.Root)
	if err != nil {
		return nil, nil, err
	}
	sd, err := GenerateService(f, layout, currentUserName())
	return layout, sd, err
}

func (a *app) caveats(f *Formula) error {
	layout, sd, err := a.service(f)
	if err != nil {
		return err
	}
	text, err := RenderCaveats(f, layout, sd)
	if err != nil {
		return err
	}
	if text == "" {
		ohai("%s has no caveats", f.ID())
		return nil
	}
	fmt.Fprint(a.out, text)
	return nil
}

func (a *app) plist(f *Formula) error {
	_, sd, err := a.service(f)
	if err != nil {
		return err
	}
	if sd == nil {
		return configErrorf(f.ID(), "formula declares no service")
	}
	data, err := RenderPlist(sd)
	if err != nil {
		return err
	}
	_, err = a.out.Write(data)
	return err
}

func (a *app) checksum(ctx context.Context, f *Formula) error {
	fetcher := a.newFetcher(ctx)
	path, err := fetcher.Fetch(ctx, f.URL)
	if err != nil {
		return err
	}
	got, err := fileDigest(path, f.Checksum.Algo)
	if err != nil {
		return err
	}
	b3, err := fileDigest(path, HashBLAKE3)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s  %s\n", Checksum{Algo: f.Checksum.Algo, Hex: got}, filepath.Base(path))
	if f.Checksum.Algo != HashBLAKE3 {
		fmt.Fprintf(a.out, "%s  %s\n", Checksum{Algo: HashBLAKE3, Hex: b3}, filepath.Base(path))
	}
	if got != f.Checksum.Hex {
		return &FetchError{URL: f.URL, Err: fmt.Errorf("checksum mismatch: formula pins %s, archive is %s", f.Checksum.Hex, got)}
	}
	ohai("Checksum matches %s", f.ID())
	return nil
}

func (a *app) fetch(ctx context.Context, f *Formula) error {
	paths, err := a.installer(ctx, false, true).FetchAll(ctx, f)
	for _, p := range paths {
		fmt.Fprintln(a.out, p)
	}
	return err
}

func (a *app) showLog(f *Formula) error {
	path := buildLogPath(a.settings.logDir(), f)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no build log found for %s", f.ID())
	}
	lines, err := readBuildLog(path)
	if err != nil {
		return err
	}
	return showLog(f.ID()+" build log", lines, a.out)
}

func (a *app) mirror(ctx context.Context, f *Formula) error {
	client, err := NewMirrorClient(ctx, a.settings.Mirror)
	if err != nil {
		return err
	}
	n, err := mirrorFormula(ctx, client, a.newFetcher(ctx), f)
	if err != nil {
		return err
	}
	ohai("Uploaded %d archive(s) for %s", n, f.ID())
	return nil
}

func (a *app) cleanup(args []string) error {
	fs := newFlagSet("cleanup")
	cleanArchives := fs.Bool("archives", false, "Remove all downloaded archives.")
	cleanWork := fs.Bool("work", false, "Remove all extracted source trees.")
	cleanLogs := fs.Bool("logs", false, "Remove all build logs.")
	cleanAll := fs.Bool("all", false, "archives, source trees and logs.")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !*cleanArchives && !*cleanWork && !*cleanLogs && !*cleanAll {
		fmt.Fprintln(a.out, "Usage: cellar cleanup [flag]")
		fmt.Fprintln(a.out, "You must specify what to clean up. Use one of the following flags:")
		fs.SetOutput(a.out)
		fs.PrintDefaults()
		return nil
	}
	if *cleanAll {
		*cleanArchives, *cleanWork, *cleanLogs = true, true, true
	}

	targets := []struct {
		enabled bool
		what    string
		dir     string
	}{
		{*cleanArchives, "archive cache", a.settings.archiveDir()},
		{*cleanWork, "source trees", a.settings.workDir()},
		{*cleanLogs, "build logs", a.settings.logDir()},
	}
	for _, t := range targets {
		if !t.enabled {
			continue
		}
		colArrow.Print("-> ")
		cPrintf(colWarn, "Deleting %s at %s.\n", t.what, t.dir)
		if !askForConfirmation(colArrow, "Are you sure you want to proceed?") {
			ohai("Cleanup of %s canceled.", t.what)
			continue
		}
		debugf("Removing %s\n", t.dir)
		if err := os.RemoveAll(t.dir); err != nil {
			return fmt.Errorf("failed to remove %s: %w", t.what, err)
		}
		ohai("%s removed successfully.", strings.ToUpper(t.what[:1])+t.what[1:])
	}
	return nil
}
