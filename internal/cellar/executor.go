package cellar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Command describes one external process invocation.
type Command struct {
	Name   string
	Args   []string
	Dir    string
	Env    []string // appended to the inherited environment
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func (c Command) String() string {
	parts := append([]string{c.Name}, c.Args...)
	for i, p := range parts {
		if strings.ContainsAny(p, " \t'\"") {
			parts[i] = fmt.Sprintf("%q", p)
		}
	}
	return strings.Join(parts, " ")
}

// Runner runs external processes to completion. A process that exits non-zero
// yields an *ExitError; any other error means the process could not be run.
type Runner interface {
	Run(ctx context.Context, cmd Command) error
}

// Executor is the os/exec backed Runner. It isolates children in their own
// process group so a cancelled context takes the whole build tree down with it.
type Executor struct {
	ShouldRunAsRoot   bool // wrap the command in sudo -E unless already root
	ApplyIdlePriority bool // wrap the command in nice -n 19
	Interactive       bool // keep the child in our process group so it can own the TTY
}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

func runInteractiveCommand(ctx context.Context, name string, arg ...string) error {
	cmd := exec.CommandContext(ctx, name, arg...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// ensureSudo checks if the sudo ticket is still valid and re-prompts if necessary.
func (e *Executor) ensureSudo(ctx context.Context) error {
	if os.Geteuid() == 0 || !e.ShouldRunAsRoot {
		return nil
	}
	checkCmd := exec.CommandContext(ctx, "sudo", "-nv")
	checkCmd.Stdout = io.Discard
	checkCmd.Stderr = io.Discard
	if err := checkCmd.Run(); err == nil {
		return nil
	}

	ohai("Sudo ticket has expired. Re-authenticating")
	if err := runInteractiveCommand(ctx, "sudo", "-v"); err != nil {
		return fmt.Errorf("sudo re-authentication failed: %w", err)
	}
	return nil
}

// Run executes cmd, elevating via sudo -E only when needed.
func (e *Executor) Run(ctx context.Context, cmd Command) error {
	if err := e.ensureSudo(ctx); err != nil {
		return err
	}

	basePath := cmd.Name
	baseArgs := cmd.Args

	if e.ApplyIdlePriority {
		baseArgs = append([]string{"-n", "19", basePath}, baseArgs...)
		basePath = "nice"
	}
	if e.ShouldRunAsRoot && os.Geteuid() != 0 {
		baseArgs = append([]string{"-E", basePath}, baseArgs...)
		basePath = "sudo"
	}

	finalCmd := exec.Command(basePath, baseArgs...)
	finalCmd.Dir = cmd.Dir
	finalCmd.Env = append(os.Environ(), cmd.Env...)

	finalCmd.Stdin = cmd.Stdin
	finalCmd.Stdout = cmd.Stdout
	finalCmd.Stderr = cmd.Stderr
	if finalCmd.Stdout == nil {
		finalCmd.Stdout = os.Stdout
	}
	if finalCmd.Stderr == nil {
		finalCmd.Stderr = os.Stderr
	}

	if !e.Interactive {
		finalCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	debugf("exec: %s (dir=%s)\n", cmd, cmd.Dir)
	if err := finalCmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", cmd.Name, err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			if e.Interactive {
				_ = finalCmd.Process.Kill()
			} else {
				_ = syscall.Kill(-finalCmd.Process.Pid, syscall.SIGKILL)
			}
		case <-done:
		}
	}()

	if waitErr := finalCmd.Wait(); waitErr != nil {
		if ctx.Err() != nil {
			time.Sleep(100 * time.Millisecond)
			return fmt.Errorf("command aborted: %w", ctx.Err())
		}
		var ee *exec.ExitError
		if errors.As(waitErr, &ee) {
			return &ExitError{Code: ee.ExitCode()}
		}
		return waitErr
	}
	return nil
}

// tailBuffer keeps the last max lines written to it, for error reports.
type tailBuffer struct {
	max     int
	lines   []string
	partial strings.Builder
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{max: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		if b == '\n' {
			t.push(t.partial.String())
			t.partial.Reset()
			continue
		}
		t.partial.WriteByte(b)
	}
	return len(p), nil
}

func (t *tailBuffer) push(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *tailBuffer) String() string {
	lines := t.lines
	if t.partial.Len() > 0 {
		lines = append(append([]string(nil), lines...), t.partial.String())
		if len(lines) > t.max {
			lines = lines[len(lines)-t.max:]
		}
	}
	return strings.Join(lines, "\n")
}
