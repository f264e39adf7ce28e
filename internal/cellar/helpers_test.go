package cellar

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"testing/fstest"

	"github.com/klauspost/pgzip"
)

// fakeRunner records every command and answers with a scripted result.
type fakeRunner struct {
	mu     sync.Mutex
	calls  []Command
	script func(cmd Command) error
}

func (r *fakeRunner) Run(ctx context.Context, cmd Command) error {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	script := r.script
	r.mu.Unlock()
	if script != nil {
		return script(cmd)
	}
	return nil
}

// commands returns "name arg0" for every recorded call, e.g. "make install".
func (r *fakeRunner) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		s := c.Name
		if c.Name == "make" && len(c.Args) > 0 {
			s += " " + c.Args[0]
		}
		out = append(out, s)
	}
	return out
}

func (r *fakeRunner) find(name string) (Command, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c.Name == name {
			return c, true
		}
	}
	return Command{}, false
}

// failOn returns a script that fails the first command matching name (and,
// for make, its first argument) with exit status code.
func failOn(name, arg string, code int) func(Command) error {
	return func(cmd Command) error {
		if cmd.Name != name {
			return nil
		}
		if arg != "" && (len(cmd.Args) == 0 || cmd.Args[0] != arg) {
			return nil
		}
		return &ExitError{Code: code}
	}
}

// makeTarGz builds a gzip'd tarball whose entries are files (path -> content).
func makeTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := pgzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)

	dirs := make(map[string]bool)
	for _, name := range names {
		for d := filepath.Dir(name); d != "."; d = filepath.Dir(d) {
			if dirs[d] {
				break
			}
			dirs[d] = true
		}
	}
	dirNames := make([]string, 0, len(dirs))
	for d := range dirs {
		dirNames = append(dirNames, d)
	}
	sort.Strings(dirNames)
	for _, d := range dirNames {
		if err := tw.WriteHeader(&tar.Header{Name: d + "/", Typeflag: tar.TypeDir, Mode: 0o755}); err != nil {
			t.Fatal(err)
		}
	}

	for _, name := range names {
		body := files[name]
		hdr := &tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o755, Size: int64(len(body))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// archiveServer serves fixed files by name and counts requests.
type archiveServer struct {
	*httptest.Server
	hits atomic.Int32
}

func newArchiveServer(t *testing.T, files map[string][]byte) *archiveServer {
	t.Helper()
	s := &archiveServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		data, ok := files[filepath.Base(r.URL.Path)]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(s.Close)
	return s
}

func testFetcher(dir string, client *http.Client) *ArtifactFetcher {
	return &ArtifactFetcher{
		ArchiveDir:  dir,
		Downloaders: []Downloader{newHTTPDownloader(client)},
	}
}

// mustParseFormula decodes a single formula from HCL source plus extra files.
func mustParseFormula(t *testing.T, src string, extra map[string]string) *Formula {
	t.Helper()
	f, err := parseFormulaSource(src, extra)
	if err != nil {
		t.Fatalf("parse formula: %v", err)
	}
	return f
}

func parseFormulaSource(src string, extra map[string]string) (*Formula, error) {
	fsys := fstest.MapFS{"test.hcl": &fstest.MapFile{Data: []byte(src)}}
	for name, body := range extra {
		fsys[name] = &fstest.MapFile{Data: []byte(body)}
	}
	formulas, err := parseFormulas(fsys, "test.hcl")
	if err != nil {
		return nil, err
	}
	return formulas[0], nil
}
