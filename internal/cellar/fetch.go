package cellar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ArtifactFetcher downloads archives into a local cache and unpacks them.
// A cached archive is never downloaded twice.
type ArtifactFetcher struct {
	ArchiveDir  string
	Downloaders []Downloader
	Runner      Runner // used for system tar extraction
	SystemTar   bool
	Log         io.Writer
}

// NewArtifactFetcher wires the standard download chain: mirror, curl, native http.
func NewArtifactFetcher(s Settings, runner Runner, mirror *MirrorClient, log io.Writer) *ArtifactFetcher {
	return &ArtifactFetcher{
		ArchiveDir: s.archiveDir(),
		Downloaders: []Downloader{
			&mirrorDownloader{client: mirror},
			&curlDownloader{runner: runner, quiet: log != nil},
			newHTTPDownloader(nil),
		},
		Runner:    runner,
		SystemTar: s.SystemTar,
		Log:       log,
	}
}

// ArchivePath is where the archive for rawURL is cached.
func (f *ArtifactFetcher) ArchivePath(rawURL string) string {
	return filepath.Join(f.ArchiveDir, ArchiveName(rawURL))
}

// Cached reports whether the archive for rawURL is already present.
func (f *ArtifactFetcher) Cached(rawURL string) bool {
	info, err := os.Stat(f.ArchivePath(rawURL))
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// Fetch ensures the archive behind rawURL exists locally and returns its path.
func (f *ArtifactFetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	if err := validateArchiveURL("source", rawURL); err != nil {
		return "", err
	}
	return f.fetch(ctx, rawURL)
}

// FetchFile is Fetch for plain files such as patches.
func (f *ArtifactFetcher) FetchFile(ctx context.Context, rawURL string) (string, error) {
	if err := validateFetchURL("file", rawURL); err != nil {
		return "", err
	}
	return f.fetch(ctx, rawURL)
}

func (f *ArtifactFetcher) fetch(ctx context.Context, rawURL string) (string, error) {
	absPath := f.ArchivePath(rawURL)

	if f.Cached(rawURL) {
		debugf("Already in cache: %s\n", absPath)
		return absPath, nil
	}

	if err := os.MkdirAll(f.ArchiveDir, 0o755); err != nil {
		return "", &FetchError{URL: rawURL, Err: fmt.Errorf("failed to create cache directory %s: %w", f.ArchiveDir, err)}
	}

	lockPath := absPath + ".lock"
	lFile, err := os.Create(lockPath)
	if err != nil {
		return "", &FetchError{URL: rawURL, Err: fmt.Errorf("failed to create lock file: %w", err)}
	}
	defer lFile.Close()
	if err := unix.Flock(int(lFile.Fd()), unix.LOCK_EX); err != nil {
		return "", &FetchError{URL: rawURL, Err: fmt.Errorf("failed to acquire lock for download: %w", err)}
	}
	defer func() {
		unix.Flock(int(lFile.Fd()), unix.LOCK_UN)
		_ = os.Remove(lockPath)
	}()

	// Another cellar process may have finished the download while we waited.
	if f.Cached(rawURL) {
		return absPath, nil
	}

	ohaiTo(f.Log, "Downloading %s", rawURL)
	partPath := absPath + ".part"
	var errs []error
	for _, d := range f.Downloaders {
		_ = os.Remove(partPath)
		err := d.Download(ctx, rawURL, partPath)
		if errors.Is(err, errUnavailable) {
			continue
		}
		if err == nil {
			if info, statErr := os.Stat(partPath); statErr != nil || info.Size() == 0 {
				err = fmt.Errorf("%s produced no data", d.Name())
			}
		}
		if err != nil {
			debugf("%s failed for %s: %v\n", d.Name(), rawURL, err)
			errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if err := os.Rename(partPath, absPath); err != nil {
			return "", &FetchError{URL: rawURL, Err: err}
		}
		debugf("Download successful with %s.\n", d.Name())
		return absPath, nil
	}
	_ = os.Remove(partPath)

	if len(errs) == 0 {
		errs = append(errs, fmt.Errorf("no downloader can handle this url"))
	}
	return "", &FetchError{URL: rawURL, Err: errors.Join(errs...)}
}

// FetchVerified is Fetch followed by an integrity check. A mismatching archive is
// removed from the cache so the next run downloads it again.
func (f *ArtifactFetcher) FetchVerified(ctx context.Context, rawURL string, sum Checksum) (string, error) {
	p, err := f.Fetch(ctx, rawURL)
	if err != nil {
		return "", err
	}
	if err := verifyFile(p, sum); err != nil {
		_ = os.Remove(p)
		return "", &FetchError{URL: rawURL, Err: err}
	}
	return p, nil
}
