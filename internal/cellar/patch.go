package cellar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	patchMarker     = ".cellar-patched"
	configureMarker = ".cellar-configured"
)

// FileFetcher downloads single files into the local cache.
type FileFetcher interface {
	FetchFile(ctx context.Context, rawURL string) (string, error)
}

// Patcher applies a formula's patches to a freshly extracted source tree, once.
type Patcher struct {
	Fetcher FileFetcher
	Runner  Runner
	Log     io.Writer
}

// patchSetDigest identifies a list of patches by name and content so a tree
// patched by another revision is recognized.
func patchSetDigest(patches []Patch) string {
	var b strings.Builder
	for _, p := range patches {
		fmt.Fprintf(&b, "%s\x00%s\x00%d\x00%s\x00", p.Name, p.URL, p.Strip, hashString(string(p.Data)))
	}
	return hashString(b.String())
}

// Apply runs patch(1) for every entry of patches inside srcDir. A tree that
// already carries the marker for the same patch set is left alone; a tree that
// was configured without being patched is refused.
func (p *Patcher) Apply(ctx context.Context, patches []Patch, srcDir string) error {
	if len(patches) == 0 {
		return nil
	}
	digest := patchSetDigest(patches)
	markerPath := filepath.Join(srcDir, patchMarker)

	data, err := os.ReadFile(markerPath)
	switch {
	case err == nil && strings.TrimSpace(string(data)) == digest:
		debugf("Patches already applied in %s\n", srcDir)
		return nil
	case err == nil:
		return &StageError{Stage: StagePatching, ExitCode: -1, Err: fmt.Errorf("%s was patched with a different patch set; remove it and re-run", srcDir)}
	case !os.IsNotExist(err):
		return &StageError{Stage: StagePatching, ExitCode: -1, Err: err}
	}
	if _, err := os.Stat(filepath.Join(srcDir, configureMarker)); err == nil {
		return &StageError{Stage: StagePatching, ExitCode: -1, Err: fmt.Errorf("%s was configured before it was patched; remove it and re-run", srcDir)}
	}

	for i, patch := range patches {
		file, cleanup, err := p.patchFile(ctx, patch)
		if err != nil {
			if i > 0 {
				return abandonTree(srcDir, err)
			}
			return err
		}
		err = p.apply(ctx, patch, file, srcDir)
		cleanup()
		if err != nil {
			return abandonTree(srcDir, err)
		}
	}
	if err := os.WriteFile(markerPath, []byte(digest+"\n"), 0o644); err != nil {
		return &StageError{Stage: StagePatching, ExitCode: -1, Err: err}
	}
	return nil
}

// abandonTree drops the extraction marker of a tree that patch(1) may have
// partly modified, so the next extraction refuses it instead of building it.
func abandonTree(srcDir string, err error) error {
	if rmErr := os.Remove(filepath.Join(srcDir, extractMarker)); rmErr != nil && !os.IsNotExist(rmErr) {
		debugf("Warning: failed to remove %s marker: %v\n", srcDir, rmErr)
	}
	hint := fmt.Errorf("%s may be partially patched; remove it and re-run", srcDir)
	var se *StageError
	if errors.As(err, &se) {
		se.Err = fmt.Errorf("%w; %w", se.Err, hint)
		return se
	}
	return &StageError{Stage: StagePatching, ExitCode: -1, Err: fmt.Errorf("%w; %w", err, hint)}
}

func (p *Patcher) apply(ctx context.Context, patch Patch, file, srcDir string) error {
	ohaiTo(p.Log, "Applying patch %s", patch.Name)
	tail := newTailBuffer(40)
	out := io.Writer(tail)
	if p.Log != nil {
		out = io.MultiWriter(p.Log, tail)
	}
	cmd := Command{
		Name:   "patch",
		Args:   []string{"-p" + strconv.Itoa(patch.Strip), "--forward", "--batch", "-i", file},
		Dir:    srcDir,
		Stdout: out,
		Stderr: out,
	}
	if err := p.Runner.Run(ctx, cmd); err != nil {
		return &StageError{Stage: StagePatching, ExitCode: exitCode(err), Output: tail.String(), Err: fmt.Errorf("patch %s: %w", patch.Name, err)}
	}
	return nil
}

// patchFile returns a path patch(1) can read. Embedded patches go to a temp file.
func (p *Patcher) patchFile(ctx context.Context, patch Patch) (string, func(), error) {
	if patch.URL != "" {
		path, err := p.Fetcher.FetchFile(ctx, patch.URL)
		return path, func() {}, err
	}
	tmp, err := os.CreateTemp("", "cellar-"+patch.Name+"-*.diff")
	if err != nil {
		return "", nil, &StageError{Stage: StagePatching, ExitCode: -1, Err: err}
	}
	cleanup := func() { os.Remove(tmp.Name()) }
	if _, err := tmp.Write(patch.Data); err != nil {
		tmp.Close()
		cleanup()
		return "", nil, &StageError{Stage: StagePatching, ExitCode: -1, Err: err}
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", nil, &StageError{Stage: StagePatching, ExitCode: -1, Err: err}
	}
	return tmp.Name(), cleanup, nil
}
