package cellar

import (
	"archive/tar"
	"compress/bzip2"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

// extractMarker is written into a directory once it has been completely
// unpacked. It holds the BLAKE3 digest of the archive it came from.
const extractMarker = ".cellar-extracted"

// Extract unpacks archivePath into destParent and returns the extracted
// directory, destParent/DirName(archive). Re-extracting an archive over a
// directory that was completely unpacked from it is a no-op; any other existing
// content at that path is an ExtractError.
func (f *ArtifactFetcher) Extract(ctx context.Context, archivePath, destParent string) (string, error) {
	name := filepath.Base(archivePath)
	suffix := archiveSuffix(name)
	if suffix == "" {
		return "", &ExtractError{Archive: archivePath, Err: fmt.Errorf("unsupported archive format")}
	}
	dirName := strings.TrimSuffix(name, suffix)
	target := filepath.Join(destParent, dirName)

	digest, err := fileDigest(archivePath, HashBLAKE3)
	if err != nil {
		return "", &ExtractError{Archive: archivePath, Err: err}
	}

	if ok, err := checkExtracted(target, digest); err != nil {
		return "", &ExtractError{Archive: archivePath, Dir: target, Err: err}
	} else if ok {
		debugf("Already extracted: %s\n", target)
		return target, nil
	}

	if err := os.MkdirAll(destParent, 0o755); err != nil {
		return "", &ExtractError{Archive: archivePath, Err: err}
	}
	staging, err := os.MkdirTemp(destParent, ".extract-"+dirName+"-")
	if err != nil {
		return "", &ExtractError{Archive: archivePath, Err: err}
	}
	defer os.RemoveAll(staging)

	ohaiTo(f.Log, "Extracting %s", name)
	if f.SystemTar && suffix != ".zip" {
		err = f.Runner.Run(ctx, Command{Name: "tar", Args: []string{"-xf", archivePath}, Dir: staging, Stdout: f.Log, Stderr: f.Log})
	} else {
		err = extractArchive(archivePath, suffix, staging)
	}
	if err != nil {
		return "", &ExtractError{Archive: archivePath, Err: err}
	}

	extracted := filepath.Join(staging, dirName)
	if info, err := os.Stat(extracted); err != nil || !info.IsDir() {
		return "", configErrorf(name, "archive unpacks to %s, expected directory %q", listTopLevel(staging), dirName)
	}
	if err := os.WriteFile(filepath.Join(extracted, extractMarker), []byte(digest+"\n"), 0o644); err != nil {
		return "", &ExtractError{Archive: archivePath, Err: err}
	}
	if err := os.Rename(extracted, target); err != nil {
		return "", &ExtractError{Archive: archivePath, Dir: target, Err: err}
	}
	return target, nil
}

// checkExtracted reports whether dir holds a complete extraction of the archive
// with the given digest. A missing dir is (false, nil); anything else that is
// not a complete extraction is an error.
func checkExtracted(dir, digest string) (bool, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !info.IsDir() {
		return false, fmt.Errorf("path exists and is not a directory")
	}

	data, err := os.ReadFile(filepath.Join(dir, extractMarker))
	if os.IsNotExist(err) {
		entries, _ := os.ReadDir(dir)
		if len(entries) == 0 {
			return false, fmt.Errorf("directory exists but is empty; remove it and re-run")
		}
		return false, fmt.Errorf("directory exists with partial or unrelated content; remove it and re-run")
	}
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(string(data)) != digest {
		return false, fmt.Errorf("directory was extracted from a different archive; remove it and re-run")
	}
	return true, nil
}

func listTopLevel(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		return "nothing"
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return "[" + strings.Join(names, ", ") + "]"
}

// extractArchive unpacks realPath into dest with the pure-Go readers.
func extractArchive(realPath, suffix, dest string) error {
	if suffix == ".zip" {
		return unzipGo(realPath, dest)
	}

	f, err := os.Open(realPath)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", realPath, err)
	}
	defer f.Close()

	var r io.Reader = f
	switch suffix {
	case ".tar.gz", ".tgz":
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create gzip reader for %s: %w", realPath, err)
		}
		defer gz.Close()
		r = gz
	case ".tar.bz2":
		r = bzip2.NewReader(f)
	case ".tar.xz":
		xzr, err := xz.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create xz reader for %s: %w", realPath, err)
		}
		r = xzr
	case ".tar.zst":
		zst, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create zstd reader for %s: %w", realPath, err)
		}
		defer zst.Close()
		r = zst
	case ".tar":
	default:
		return fmt.Errorf("unsupported archive format: %s", realPath)
	}
	return untar(r, dest)
}

// within reports whether p is root or lies beneath it.
func within(root, p string) bool {
	return p == root || strings.HasPrefix(p, root+string(os.PathSeparator))
}

// safeJoin joins name onto dest, refusing entries that escape dest.
func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, name)
	if !within(dest, target) {
		return "", fmt.Errorf("illegal file path in archive: %s", name)
	}
	return target, nil
}

// checkResolved walks up from p to the deepest path that already exists and
// refuses it when symlinks resolve it outside realDest.
func checkResolved(realDest, dest, p, name string) error {
	for p != dest && within(dest, p) {
		if _, err := os.Lstat(p); err == nil {
			break
		}
		p = filepath.Dir(p)
	}
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return fmt.Errorf("illegal file path in archive: %s: %w", name, err)
	}
	if !within(realDest, resolved) {
		return fmt.Errorf("illegal file path in archive: %s resolves to %s through a symlink", name, resolved)
	}
	return nil
}

// checkSymlink refuses link targets that are absolute or climb out of dest.
func checkSymlink(dest, target, linkname string) error {
	if filepath.IsAbs(linkname) || !within(dest, filepath.Join(filepath.Dir(target), linkname)) {
		return fmt.Errorf("illegal symlink in archive: %s -> %s", strings.TrimPrefix(target, dest+string(os.PathSeparator)), linkname)
	}
	return nil
}

func untar(r io.Reader, dest string) error {
	realDest, err := filepath.EvalSymlinks(dest)
	if err != nil {
		return err
	}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading tar header: %w", err)
		}

		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		if err := checkResolved(realDest, dest, filepath.Dir(target), hdr.Name); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create parent dir for %s: %w", target, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := checkResolved(realDest, dest, target, hdr.Name); err != nil {
				return err
			}
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)|0o700); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", target, err)
			}
		case tar.TypeReg:
			if fi, err := os.Lstat(target); err == nil && fi.Mode()&os.ModeSymlink != 0 {
				return fmt.Errorf("illegal file path in archive: %s would be written through a symlink", hdr.Name)
			}
			outFile, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", target, err)
			}
			if _, err := io.Copy(outFile, tr); err != nil {
				outFile.Close()
				return fmt.Errorf("failed to write file %s: %w", target, err)
			}
			outFile.Close()
			if err := os.Chtimes(target, hdr.ModTime, hdr.ModTime); err != nil {
				debugf("Warning: failed to set times for %s: %v\n", target, err)
			}
		case tar.TypeSymlink:
			if err := checkSymlink(dest, target, hdr.Linkname); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil && !os.IsExist(err) {
				return fmt.Errorf("failed to create symlink %s -> %s: %w", target, hdr.Linkname, err)
			}
		case tar.TypeLink:
			source, err := safeJoin(dest, hdr.Linkname)
			if err != nil {
				return err
			}
			if err := checkResolved(realDest, dest, filepath.Dir(source), hdr.Linkname); err != nil {
				return err
			}
			if err := os.Link(source, target); err != nil && !os.IsExist(err) {
				return fmt.Errorf("failed to create hard link %s -> %s: %w", target, source, err)
			}
		default:
			debugf("Skipping unsupported tar entry type %c: %s\n", hdr.Typeflag, hdr.Name)
		}
	}
}

func unzipGo(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		fpath, err := safeJoin(dest, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(fpath, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(fpath), 0o755); err != nil {
			return err
		}

		outFile, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			outFile.Close()
			return err
		}
		_, err = io.Copy(outFile, rc)

		// Close inside the loop to avoid holding too many file descriptors.
		outFile.Close()
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
