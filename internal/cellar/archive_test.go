package cellar

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/pgzip"
)

func newExtractFetcher(t *testing.T) *ArtifactFetcher {
	t.Helper()
	return &ArtifactFetcher{ArchiveDir: t.TempDir(), Log: io.Discard}
}

func writeArchive(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	writeFile(t, p, data)
	return p
}

func TestExtract(t *testing.T) {
	f := newExtractFetcher(t)
	archive := writeArchive(t, "mod-upload-2.0.tar.gz", makeTarGz(t, map[string]string{
		"mod-upload-2.0/config":          "ngx_addon_name=upload",
		"mod-upload-2.0/src/upload.c":    "int main;",
		"mod-upload-2.0/doc/README.text": "readme",
	}))
	parent := t.TempDir()

	dir, err := f.Extract(context.Background(), archive, parent)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(parent, "mod-upload-2.0"); dir != want {
		t.Errorf("Extract() = %q, want %q", dir, want)
	}
	data, err := os.ReadFile(filepath.Join(dir, "src", "upload.c"))
	if err != nil || string(data) != "int main;" {
		t.Errorf("upload.c = %q, %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(dir, extractMarker)); err != nil {
		t.Errorf("extraction marker missing: %v", err)
	}
	leftovers, _ := filepath.Glob(filepath.Join(parent, ".extract-*"))
	if len(leftovers) != 0 {
		t.Errorf("staging directories left behind: %v", leftovers)
	}
}

func TestExtractIsIdempotent(t *testing.T) {
	f := newExtractFetcher(t)
	archive := writeArchive(t, "foo-1.0.tar.gz", makeTarGz(t, map[string]string{"foo-1.0/configure": "#!/bin/sh"}))
	parent := t.TempDir()

	dir, err := f.Extract(context.Background(), archive, parent)
	if err != nil {
		t.Fatal(err)
	}
	// A patched tree must survive a second extraction untouched.
	configure := filepath.Join(dir, "configure")
	writeFile(t, configure, []byte("patched"))

	again, err := f.Extract(context.Background(), archive, parent)
	if err != nil {
		t.Fatalf("second Extract() error = %v", err)
	}
	if again != dir {
		t.Errorf("second Extract() = %q, want %q", again, dir)
	}
	if data, _ := os.ReadFile(configure); string(data) != "patched" {
		t.Errorf("re-extraction overwrote the tree: configure = %q", data)
	}
}

func TestExtractRefusesForeignDirectory(t *testing.T) {
	archive := makeTarGz(t, map[string]string{"foo-1.0/configure": "#!/bin/sh"})
	other := makeTarGz(t, map[string]string{"foo-1.0/configure": "#!/bin/sh\necho other"})

	tests := []struct {
		name    string
		prepare func(t *testing.T, dir string)
	}{
		{"empty", func(t *testing.T, dir string) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				t.Fatal(err)
			}
		}},
		{"partial", func(t *testing.T, dir string) {
			writeFile(t, filepath.Join(dir, "configure"), []byte("half"))
		}},
		{"not a directory", func(t *testing.T, dir string) {
			writeFile(t, dir, []byte("file"))
		}},
		{"different archive", func(t *testing.T, dir string) {
			f := newExtractFetcher(t)
			p := writeArchive(t, "foo-1.0.tar.gz", other)
			if _, err := f.Extract(context.Background(), p, filepath.Dir(dir)); err != nil {
				t.Fatal(err)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parent := t.TempDir()
			tt.prepare(t, filepath.Join(parent, "foo-1.0"))

			f := newExtractFetcher(t)
			_, err := f.Extract(context.Background(), writeArchive(t, "foo-1.0.tar.gz", archive), parent)
			if !errors.Is(err, ErrExtract) {
				t.Fatalf("Extract() error = %v, want ErrExtract", err)
			}
		})
	}
}

func TestExtractCorruptArchive(t *testing.T) {
	f := newExtractFetcher(t)
	archive := writeArchive(t, "foo-1.0.tar.gz", []byte("this is not gzip"))
	parent := t.TempDir()

	_, err := f.Extract(context.Background(), archive, parent)
	if !errors.Is(err, ErrExtract) {
		t.Fatalf("Extract() error = %v, want ErrExtract", err)
	}
	if _, err := os.Stat(filepath.Join(parent, "foo-1.0")); !os.IsNotExist(err) {
		t.Errorf("corrupt archive left a target directory behind")
	}
}

func TestExtractWrongTopLevelDirectory(t *testing.T) {
	f := newExtractFetcher(t)
	archive := writeArchive(t, "foo-1.0.tar.gz", makeTarGz(t, map[string]string{"foo-master/configure": "#!/bin/sh"}))

	_, err := f.Extract(context.Background(), archive, t.TempDir())
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("Extract() error = %v, want ErrConfiguration", err)
	}
}

func TestExtractRejectsPathTraversal(t *testing.T) {
	f := newExtractFetcher(t)
	archive := writeArchive(t, "foo-1.0.tar.gz", makeTarGz(t, map[string]string{"../evil": "x"}))

	_, err := f.Extract(context.Background(), archive, t.TempDir())
	if !errors.Is(err, ErrExtract) {
		t.Fatalf("Extract() error = %v, want ErrExtract", err)
	}
}

// makeTarGzHeaders writes the entries in order; a non-empty link makes the
// entry a symlink, otherwise a trailing slash makes it a directory.
func makeTarGzHeaders(t *testing.T, entries [][3]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := pgzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		name, body, link := e[0], e[1], e[2]
		hdr := &tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))}
		switch {
		case link != "":
			hdr = &tar.Header{Name: name, Typeflag: tar.TypeSymlink, Linkname: link, Mode: 0o777}
		case strings.HasSuffix(name, "/"):
			hdr = &tar.Header{Name: name, Typeflag: tar.TypeDir, Mode: 0o755}
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(body)); err != nil {
				t.Fatal(err)
			}
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

func TestExtractRejectsSymlinkEscape(t *testing.T) {
	tests := []struct {
		name string
		link func(outside string) string
		// escaped is where a file written through the link would land.
		escaped func(outside, parent string) string
	}{
		{
			name:    "absolute target",
			link:    func(outside string) string { return outside },
			escaped: func(outside, _ string) string { return filepath.Join(outside, "escaped.txt") },
		},
		{
			name: "climbing target",
			link: func(string) string { return "../../../escaped-dir" },
			escaped: func(_, parent string) string {
				return filepath.Join(filepath.Dir(parent), "escaped-dir", "escaped.txt")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outside := t.TempDir()
			parent := t.TempDir()
			archive := makeTarGzHeaders(t, [][3]string{
				{"evil-1.0/", "", ""},
				{"evil-1.0/link", "", tt.link(outside)},
				{"evil-1.0/link/escaped.txt", "owned", ""},
			})

			f := newExtractFetcher(t)
			_, err := f.Extract(context.Background(), writeArchive(t, "evil-1.0.tar.gz", archive), parent)
			if !errors.Is(err, ErrExtract) {
				t.Fatalf("Extract() error = %v, want ErrExtract", err)
			}
			if _, err := os.Lstat(tt.escaped(outside, parent)); !os.IsNotExist(err) {
				t.Errorf("file written outside the extraction directory (err = %v)", err)
			}
			if _, err := os.Stat(filepath.Join(parent, "evil-1.0")); !os.IsNotExist(err) {
				t.Errorf("rejected archive left a target directory behind")
			}
		})
	}
}

func TestExtractRejectsWriteThroughChainedSymlinks(t *testing.T) {
	// Each link looks contained on its own; together they climb two levels.
	parent := t.TempDir()
	archive := makeTarGzHeaders(t, [][3]string{
		{"evil-1.0/", "", ""},
		{"evil-1.0/up", "", ".."},
		{"evil-1.0/hop", "", "up/../.."},
		{"evil-1.0/hop/escaped.txt", "owned", ""},
	})

	f := newExtractFetcher(t)
	_, err := f.Extract(context.Background(), writeArchive(t, "evil-1.0.tar.gz", archive), parent)
	if !errors.Is(err, ErrExtract) {
		t.Fatalf("Extract() error = %v, want ErrExtract", err)
	}
	if _, err := os.Lstat(filepath.Join(filepath.Dir(parent), "escaped.txt")); !os.IsNotExist(err) {
		t.Errorf("file written outside the extraction directory (err = %v)", err)
	}
}

func TestExtractKeepsContainedSymlinks(t *testing.T) {
	archive := makeTarGzHeaders(t, [][3]string{
		{"foo-1.0/", "", ""},
		{"foo-1.0/src/", "", ""},
		{"foo-1.0/src/upload.c", "int main;", ""},
		{"foo-1.0/lib", "", "src"},
		{"foo-1.0/lib/extra.c", "int extra;", ""},
	})

	f := newExtractFetcher(t)
	dir, err := f.Extract(context.Background(), writeArchive(t, "foo-1.0.tar.gz", archive), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if link, err := os.Readlink(filepath.Join(dir, "lib")); err != nil || link != "src" {
		t.Errorf("Readlink(lib) = %q, %v; want %q", link, err, "src")
	}
	if data, err := os.ReadFile(filepath.Join(dir, "src", "extra.c")); err != nil || string(data) != "int extra;" {
		t.Errorf("src/extra.c = %q, %v", data, err)
	}
}

func TestExtractZip(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("mod_zip-1.1.6/config")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("ngx_addon_name=zip")); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	f := newExtractFetcher(t)
	dir, err := f.Extract(context.Background(), writeArchive(t, "mod_zip-1.1.6.zip", buf.Bytes()), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if data, err := os.ReadFile(filepath.Join(dir, "config")); err != nil || string(data) != "ngx_addon_name=zip" {
		t.Errorf("config = %q, %v", data, err)
	}
}
