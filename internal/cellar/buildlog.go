package cellar

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ulikunitz/xz"
)

// buildLog captures everything a build run prints into
// <logDir>/<name>-<version>.log, compressed with xz when the run ends.
type buildLog struct {
	path string
	file *os.File
}

func buildLogPath(logDir string, f *Formula) string {
	return filepath.Join(logDir, f.Name+"-"+f.Version+".log.xz")
}

func openBuildLog(logDir string, f *Formula) (*buildLog, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}
	path := filepath.Join(logDir, f.Name+"-"+f.Version+".log")
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create build log: %w", err)
	}
	return &buildLog{path: path, file: file}, nil
}

// Tee returns a writer that feeds both console and the log file.
func (l *buildLog) Tee(console io.Writer) io.Writer {
	if console == nil {
		return l.file
	}
	return io.MultiWriter(console, l.file)
}

// Close finishes the log, replaces it with its .xz form and returns that path.
func (l *buildLog) Close() (string, error) {
	if err := l.file.Close(); err != nil {
		return "", err
	}
	dest := l.path + ".xz"
	if err := compressXZ(l.path, dest); err != nil {
		return l.path, fmt.Errorf("failed to compress build log: %w", err)
	}
	_ = os.Remove(l.path)
	return dest, nil
}

// compressXZ writes an xz-compressed copy of src to dest via a temp file.
func compressXZ(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".cellar-log-*.xz")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	xzWriter, err := xz.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		return err
	}
	_, err = io.Copy(xzWriter, in)
	if cerr := xzWriter.Close(); err == nil {
		err = cerr
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

// readBuildLog returns the lines of a compressed build log.
func readBuildLog(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	xr, err := xz.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to create xz reader: %w", err)
	}
	var lines []string
	scanner := bufio.NewScanner(xr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}
