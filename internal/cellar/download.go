package cellar

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// errUnavailable tells the fetcher to move on to the next downloader without
// counting the attempt as a failure.
var errUnavailable = errors.New("downloader not applicable")

// Downloader writes the resource at rawURL to dest.
type Downloader interface {
	Name() string
	Download(ctx context.Context, rawURL, dest string) error
}

func isHTTP(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https")
}

// curlDownloader shells out to curl through a Runner.
type curlDownloader struct {
	runner Runner
	quiet  bool
}

func (d *curlDownloader) Name() string { return "curl" }

func (d *curlDownloader) Download(ctx context.Context, rawURL, dest string) error {
	if !isHTTP(rawURL) {
		return errUnavailable
	}
	if _, err := lookPath("curl"); err != nil {
		debugf("curl not found, skipping\n")
		return errUnavailable
	}
	args := []string{"-L", "--fail", "-o", dest}
	if d.quiet {
		args = append(args, "-sS")
	} else {
		args = append(args, "-#")
	}
	args = append(args, rawURL)
	return d.runner.Run(ctx, Command{Name: "curl", Args: args})
}

// httpDownloader is the native fallback when curl is unavailable.
type httpDownloader struct {
	client   *http.Client
	progress bool
}

func newHttpClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	transport.TLSHandshakeTimeout = 30 * time.Second
	return &http.Client{
		Transport: transport,
		Timeout:   300 * time.Second, // 5 min total timeout for large downloads
	}
}

func newHTTPDownloader(client *http.Client) *httpDownloader {
	if client == nil {
		client = newHttpClient()
	}
	return &httpDownloader{
		client:   client,
		progress: term.IsTerminal(int(os.Stderr.Fd())),
	}
}

func (d *httpDownloader) Name() string { return "http" }

func (d *httpDownloader) Download(ctx context.Context, rawURL, dest string) error {
	if !isHTTP(rawURL) {
		return errUnavailable
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("native http get failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status: %s", resp.Status)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", dest, err)
	}
	defer out.Close()

	var w io.Writer = out
	if d.progress {
		bar := progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription(ArchiveName(rawURL)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Finish()
		w = io.MultiWriter(out, bar)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to write to destination file: %w", err)
	}
	return out.Sync()
}
