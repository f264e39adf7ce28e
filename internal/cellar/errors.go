package cellar

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every typed error below matches exactly one of these with errors.Is.
var (
	ErrFetch         = errors.New("fetch failed")
	ErrExtract       = errors.New("extract failed")
	ErrConfiguration = errors.New("configuration error")
	ErrPatch         = errors.New("patch failed")
	ErrConfigure     = errors.New("configure failed")
	ErrCompile       = errors.New("compile failed")
	ErrInstall       = errors.New("install failed")
	ErrPostInstall   = errors.New("post-install preparation failed")
)

// FetchError reports a failed or unverifiable download.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error        { return e.Err }
func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// ExtractError reports a corrupt archive or an inconsistent extraction directory.
type ExtractError struct {
	Archive string
	Dir     string
	Err     error
}

func (e *ExtractError) Error() string {
	if e.Dir != "" {
		return fmt.Sprintf("extract %s into %s: %v", e.Archive, e.Dir, e.Err)
	}
	return fmt.Sprintf("extract %s: %v", e.Archive, e.Err)
}

func (e *ExtractError) Unwrap() error        { return e.Err }
func (e *ExtractError) Is(target error) bool { return target == ErrExtract }

// ConfigurationError is raised before any external process is spawned: unknown
// options, unregistered modules, malformed formulas and missing dependencies.
type ConfigurationError struct {
	Subject string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	if e.Subject == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Subject, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func configErrorf(subject, format string, a ...any) error {
	return &ConfigurationError{Subject: subject, Reason: fmt.Sprintf(format, a...)}
}

// StageError ties a failed build stage to the external process that caused it.
type StageError struct {
	Stage    Stage
	ExitCode int
	Output   string // tail of the process output
	Err      error
}

func (e *StageError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed", e.Stage)
	if e.ExitCode > 0 {
		fmt.Fprintf(&b, " (exit status %d)", e.ExitCode)
	}
	if _, bare := e.Err.(*ExitError); e.Err != nil && !bare {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *StageError) Unwrap() error { return e.Err }

func (e *StageError) Is(target error) bool {
	return target == e.Stage.kind()
}

// ExitError is returned by a Runner when the process ran and exited non-zero.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("exit status %d", e.Code) }

// exitCode extracts the process exit status from err, or -1 when the process never ran.
func exitCode(err error) int {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return -1
}
