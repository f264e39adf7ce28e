package cellar

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testLayout(t *testing.T) *InstallLayout {
	t.Helper()
	root := t.TempDir()
	l := newBaseLayout(root, "nginx", "1.0.0")
	l.ConfPath = filepath.Join(l.Etc, "nginx", "nginx.conf")
	l.PidPath = filepath.Join(l.Var, "run", "nginx.pid")
	l.LogDirs = []string{filepath.Join(l.Var, "log", "nginx")}
	l.TempDirs = []string{filepath.Join(l.Var, "run", "nginx", "proxy_temp")}
	l.ManPages = []string{"man/nginx.8"}
	return l
}

func newTestExecutor(t *testing.T, runner Runner) *BuildPlanExecutor {
	t.Helper()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "man", "nginx.8"), []byte(".TH NGINX 8"))
	return &BuildPlanExecutor{SourceDir: src, Runner: runner, Jobs: 2, Log: io.Discard}
}

func TestExecuteSuccess(t *testing.T) {
	runner := &fakeRunner{}
	e := newTestExecutor(t, runner)
	l := testLayout(t)
	args := []string{"--prefix=" + l.Prefix, "--with-http_ssl_module"}

	res, err := e.Execute(context.Background(), args, l)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"./configure", "make -j2", "make install"}, runner.commands()); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
	configure, _ := runner.find("./configure")
	if diff := cmp.Diff(args, configure.Args); diff != "" {
		t.Errorf("configure args mismatch (-want +got):\n%s", diff)
	}
	if configure.Dir != e.SourceDir {
		t.Errorf("configure ran in %q, want %q", configure.Dir, e.SourceDir)
	}

	if res.State != BuildDone || res.Stage != StageDone {
		t.Errorf("result = %v/%v, want Done/Done", res.State, res.Stage)
	}
	wantStages := []Stage{StageConfiguring, StageCompiling, StageInstalling, StagePostInstallPreparing}
	if diff := cmp.Diff(wantStages, res.Completed); diff != "" {
		t.Errorf("completed stages mismatch (-want +got):\n%s", diff)
	}

	for _, dir := range l.Directories() {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("layout directory %s missing", dir)
		}
	}
	page, err := os.ReadFile(filepath.Join(l.Man, "man8", "nginx.8"))
	if err != nil || string(page) != ".TH NGINX 8" {
		t.Errorf("man page = %q, %v", page, err)
	}
	if _, err := os.Stat(filepath.Join(e.SourceDir, configureMarker)); err != nil {
		t.Errorf("configure marker missing: %v", err)
	}
}

func TestExecuteStopsAtFirstFailure(t *testing.T) {
	tests := []struct {
		name      string
		script    func(Command) error
		wantKind  error
		wantStage Stage
		wantCalls []string
		completed int
	}{
		{
			name:      "configure",
			script:    failOn("./configure", "", 1),
			wantKind:  ErrConfigure,
			wantStage: StageConfiguring,
			wantCalls: []string{"./configure"},
		},
		{
			name:      "compile",
			script:    failOn("make", "-j2", 2),
			wantKind:  ErrCompile,
			wantStage: StageCompiling,
			wantCalls: []string{"./configure", "make -j2"},
			completed: 1,
		},
		{
			name:      "install",
			script:    failOn("make", "install", 2),
			wantKind:  ErrInstall,
			wantStage: StageInstalling,
			wantCalls: []string{"./configure", "make -j2", "make install"},
			completed: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{script: tt.script}
			e := newTestExecutor(t, runner)
			l := testLayout(t)

			res, err := e.Execute(context.Background(), nil, l)
			if !errors.Is(err, tt.wantKind) {
				t.Fatalf("Execute() error = %v, want %v", err, tt.wantKind)
			}
			if diff := cmp.Diff(tt.wantCalls, runner.commands()); diff != "" {
				t.Errorf("commands mismatch (-want +got):\n%s", diff)
			}
			if res.State != BuildFailed || res.Stage != tt.wantStage {
				t.Errorf("result = %v at %v, want Failed at %v", res.State, res.Stage, tt.wantStage)
			}
			if len(res.Completed) != tt.completed {
				t.Errorf("completed %v, want %d stages", res.Completed, tt.completed)
			}
			for _, dir := range l.LogDirs {
				if _, err := os.Stat(dir); !os.IsNotExist(err) {
					t.Errorf("layout directory %s created after a failed build", dir)
				}
			}
		})
	}
}

func TestExecuteReportsOutputTail(t *testing.T) {
	runner := &fakeRunner{script: func(cmd Command) error {
		if cmd.Name != "./configure" {
			return nil
		}
		_, _ = io.WriteString(cmd.Stdout, "checking for PCRE library ... not found\n")
		_, _ = io.WriteString(cmd.Stderr, "./configure: error: the HTTP rewrite module requires the PCRE library.\n")
		return &ExitError{Code: 1}
	}}
	e := newTestExecutor(t, runner)

	_, err := e.Execute(context.Background(), nil, testLayout(t))
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("Execute() error = %v, want *StageError", err)
	}
	if se.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", se.ExitCode)
	}
	if !strings.Contains(se.Output, "requires the PCRE library") {
		t.Errorf("Output = %q, want the configure error", se.Output)
	}
	if got, want := se.Error(), "Configuring failed (exit status 1)"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestExecuteIsRepeatable(t *testing.T) {
	runner := &fakeRunner{}
	e := newTestExecutor(t, runner)
	l := testLayout(t)

	for i := 0; i < 2; i++ {
		if _, err := e.Execute(context.Background(), nil, l); err != nil {
			t.Fatalf("run %d: %v", i+1, err)
		}
	}
	if got := len(runner.calls); got != 6 {
		t.Errorf("two runs made %d calls, want 6", got)
	}
}

func TestExecuteCancelled(t *testing.T) {
	runner := &fakeRunner{}
	e := newTestExecutor(t, runner)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := e.Execute(ctx, nil, testLayout(t))
	if !errors.Is(err, ErrConfigure) || !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() error = %v, want ErrConfigure wrapping context.Canceled", err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("cancelled build spawned %d processes", len(runner.calls))
	}
	if res.Stage != StageConfiguring {
		t.Errorf("Stage = %v, want Configuring", res.Stage)
	}
}

func TestManSection(t *testing.T) {
	tests := []struct {
		page    string
		want    string
		wantErr bool
	}{
		{"man/nginx.8", "8", false},
		{"objs/nginx.1", "1", false},
		{"doc/nginx.3pm", "3", false},
		{"man/nginx", "", true},
		{"man/nginx.txt", "", true},
	}
	for _, tt := range tests {
		got, err := manSection(tt.page)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("manSection(%q) = %q, %v; want %q (error %v)", tt.page, got, err, tt.want, tt.wantErr)
		}
	}
}
