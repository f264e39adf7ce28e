package cellar

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Stage is one step of a build run.
type Stage int

const (
	StagePatching Stage = iota
	StageConfiguring
	StageCompiling
	StageInstalling
	StagePostInstallPreparing
	StageDone
)

var stageNames = map[Stage]string{
	StagePatching:             "Patching",
	StageConfiguring:          "Configuring",
	StageCompiling:            "Compiling",
	StageInstalling:           "Installing",
	StagePostInstallPreparing: "PostInstallPreparing",
	StageDone:                 "Done",
}

func (s Stage) String() string {
	if n, ok := stageNames[s]; ok {
		return n
	}
	return "Stage(" + strconv.Itoa(int(s)) + ")"
}

// kind is the sentinel a StageError for s matches.
func (s Stage) kind() error {
	switch s {
	case StagePatching:
		return ErrPatch
	case StageConfiguring:
		return ErrConfigure
	case StageCompiling:
		return ErrCompile
	case StageInstalling:
		return ErrInstall
	case StagePostInstallPreparing:
		return ErrPostInstall
	}
	return nil
}

// BuildState is the terminal state of a build run.
type BuildState int

const (
	BuildDone BuildState = iota
	BuildFailed
)

func (s BuildState) String() string {
	if s == BuildDone {
		return "Done"
	}
	return "Failed"
}

// BuildResult records how far a build got.
type BuildResult struct {
	State     BuildState
	Stage     Stage // stage that failed, or StageDone
	Completed []Stage
	Err       error
	Duration  time.Duration
}

// BuildPlanExecutor runs configure, make and make install in a source tree and
// prepares the install layout afterwards. Stages run strictly in order and the
// first failure aborts the rest.
type BuildPlanExecutor struct {
	SourceDir string
	Runner    Runner // configure and compile
	// InstallRunner runs make install and, when Privileged, post-install file
	// operations. Defaults to Runner.
	InstallRunner Runner
	Privileged    bool
	Jobs          int
	Log           io.Writer
}

// Execute runs the build with args as the configure arguments.
func (e *BuildPlanExecutor) Execute(ctx context.Context, args []string, layout *InstallLayout) (*BuildResult, error) {
	start := time.Now()
	res := &BuildResult{}

	steps := []struct {
		stage Stage
		run   func(context.Context) error
	}{
		{StageConfiguring, func(ctx context.Context) error { return e.configure(ctx, args) }},
		{StageCompiling, e.compile},
		{StageInstalling, e.install},
		{StagePostInstallPreparing, func(ctx context.Context) error { return e.prepareLayout(ctx, layout) }},
	}

	for _, step := range steps {
		ohaiTo(e.Log, "%s", step.stage)
		if err := ctx.Err(); err != nil {
			return e.fail(res, start, &StageError{Stage: step.stage, ExitCode: -1, Err: err})
		}
		if err := step.run(ctx); err != nil {
			return e.fail(res, start, err)
		}
		res.Completed = append(res.Completed, step.stage)
	}

	res.State = BuildDone
	res.Stage = StageDone
	res.Duration = time.Since(start)
	ohaiTo(e.Log, "Build finished in %s", res.Duration.Round(time.Second))
	return res, nil
}

func (e *BuildPlanExecutor) fail(res *BuildResult, start time.Time, err error) (*BuildResult, error) {
	res.State = BuildFailed
	res.Err = err
	res.Duration = time.Since(start)
	if se, ok := err.(*StageError); ok {
		res.Stage = se.Stage
	}
	return res, err
}

// runStage runs cmd for stage, keeping an output tail for the error report.
func (e *BuildPlanExecutor) runStage(ctx context.Context, stage Stage, r Runner, cmd Command) error {
	tail := newTailBuffer(40)
	var out io.Writer = io.MultiWriter(os.Stdout, tail)
	if e.Log != nil {
		out = io.MultiWriter(e.Log, tail)
	}
	cmd.Dir = e.SourceDir
	cmd.Stdout = out
	cmd.Stderr = out

	debugf("%s: %s\n", stage, cmd)
	if err := r.Run(ctx, cmd); err != nil {
		return &StageError{Stage: stage, ExitCode: exitCode(err), Output: tail.String(), Err: err}
	}
	return nil
}

func (e *BuildPlanExecutor) configure(ctx context.Context, args []string) error {
	if err := e.runStage(ctx, StageConfiguring, e.Runner, Command{Name: "./configure", Args: args}); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(e.SourceDir, configureMarker), []byte(strings.Join(args, "\n")+"\n"), 0o644); err != nil {
		return &StageError{Stage: StageConfiguring, ExitCode: -1, Err: err}
	}
	return nil
}

func (e *BuildPlanExecutor) compile(ctx context.Context) error {
	jobs := max(e.Jobs, 1)
	return e.runStage(ctx, StageCompiling, e.Runner, Command{Name: "make", Args: []string{"-j" + strconv.Itoa(jobs)}})
}

func (e *BuildPlanExecutor) install(ctx context.Context) error {
	isCriticalAtomic.Store(1)
	defer isCriticalAtomic.Store(0)
	return e.runStage(ctx, StageInstalling, e.installRunner(), Command{Name: "make", Args: []string{"install"}})
}

func (e *BuildPlanExecutor) installRunner() Runner {
	if e.InstallRunner != nil {
		return e.InstallRunner
	}
	return e.Runner
}

// prepareLayout creates every layout directory and installs man pages.
// Existing directories are not an error.
func (e *BuildPlanExecutor) prepareLayout(ctx context.Context, layout *InstallLayout) error {
	for _, dir := range layout.Directories() {
		if err := e.mkdirAll(ctx, dir); err != nil {
			return &StageError{Stage: StagePostInstallPreparing, ExitCode: exitCode(err), Err: fmt.Errorf("create %s: %w", dir, err)}
		}
	}

	for _, page := range layout.ManPages {
		src := filepath.Join(e.SourceDir, page)
		section, err := manSection(page)
		if err != nil {
			return &StageError{Stage: StagePostInstallPreparing, ExitCode: -1, Err: err}
		}
		destDir := filepath.Join(layout.Man, "man"+section)
		if err := e.mkdirAll(ctx, destDir); err != nil {
			return &StageError{Stage: StagePostInstallPreparing, ExitCode: exitCode(err), Err: fmt.Errorf("create %s: %w", destDir, err)}
		}
		dest := filepath.Join(destDir, filepath.Base(page))
		if err := e.copyFile(ctx, src, dest); err != nil {
			return &StageError{Stage: StagePostInstallPreparing, ExitCode: exitCode(err), Err: fmt.Errorf("install man page %s: %w", page, err)}
		}
		debugf("Installed man page %s\n", dest)
	}
	return nil
}

// manSection derives the section from a man page name such as nginx.8.
func manSection(page string) (string, error) {
	ext := strings.TrimPrefix(filepath.Ext(page), ".")
	if ext == "" || ext[0] < '1' || ext[0] > '9' {
		return "", fmt.Errorf("man page %s has no section suffix", page)
	}
	return ext[:1], nil
}

func (e *BuildPlanExecutor) mkdirAll(ctx context.Context, dir string) error {
	if !e.Privileged || os.Geteuid() == 0 {
		return os.MkdirAll(dir, 0o755)
	}
	return e.installRunner().Run(ctx, Command{Name: "mkdir", Args: []string{"-p", dir}})
}

func (e *BuildPlanExecutor) copyFile(ctx context.Context, src, dest string) error {
	if e.Privileged && os.Geteuid() != 0 {
		return e.installRunner().Run(ctx, Command{Name: "install", Args: []string{"-m", "644", src, dest}})
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0o644)
}
