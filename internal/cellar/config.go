package cellar

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// Config holds the raw KEY=VALUE pairs from the config file merged with CELLAR_* env overrides.
type Config struct {
	Values map[string]string
}

// Settings is the typed view of Config every component consumes.
type Settings struct {
	Root          string // installation root, the HOMEBREW_PREFIX analogue
	CacheDir      string
	FormulaPaths  []string
	StrictOptions bool
	MakeJobs      int
	SystemTar     bool
	SudoInstall   bool
	Idle          bool
	Mirror        MirrorConfig
}

// MirrorConfig describes an S3 compatible bucket that mirrors upstream archives.
type MirrorConfig struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Enabled reports whether enough of the mirror is configured to talk to it.
func (m MirrorConfig) Enabled() bool {
	return m.Bucket != "" && m.AccessKeyID != "" && m.SecretAccessKey != ""
}

// loadConfig reads the config file at path (a missing file is not an error) and
// merges CELLAR_* environment overrides on top.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	} else if !os.IsNotExist(err) {
		return cfg, err
	}

	mergeEnvOverrides(cfg)
	return cfg, nil
}

// Merge CELLAR_* env overrides
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "CELLAR_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}
}

func (c *Config) flag(key string) bool {
	v := strings.ToLower(c.Values[key])
	return v == "1" || v == "true" || v == "yes"
}

// settings resolves defaults and turns the raw values into Settings.
func (c *Config) settings() Settings {
	s := Settings{
		Root:          c.Values["CELLAR_ROOT"],
		CacheDir:      c.Values["CELLAR_CACHE_DIR"],
		StrictOptions: c.flag("CELLAR_STRICT_OPTIONS"),
		SystemTar:     c.flag("CELLAR_SYSTEM_TAR"),
		SudoInstall:   c.flag("CELLAR_SUDO_INSTALL"),
		Idle:          c.flag("CELLAR_IDLE"),
		Mirror: MirrorConfig{
			Endpoint:        strings.TrimRight(c.Values["CELLAR_MIRROR_ENDPOINT"], "/"),
			Bucket:          c.Values["CELLAR_MIRROR_BUCKET"],
			Region:          c.Values["CELLAR_MIRROR_REGION"],
			AccessKeyID:     c.Values["CELLAR_MIRROR_ACCESS_KEY_ID"],
			SecretAccessKey: c.Values["CELLAR_MIRROR_SECRET_ACCESS_KEY"],
		},
	}

	if s.Root == "" {
		s.Root = "/usr/local"
	}
	if s.CacheDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			s.CacheDir = filepath.Join(home, ".cache", "cellar")
		} else {
			s.CacheDir = filepath.Join(os.TempDir(), "cellar-cache")
		}
	}
	if s.Mirror.Region == "" {
		s.Mirror.Region = "auto"
	}

	for _, p := range filepath.SplitList(c.Values["CELLAR_FORMULA_PATH"]) {
		if p != "" {
			s.FormulaPaths = append(s.FormulaPaths, p)
		}
	}

	s.MakeJobs = runtime.NumCPU()
	if n, err := strconv.Atoi(c.Values["CELLAR_MAKE_JOBS"]); err == nil && n > 0 {
		s.MakeJobs = n
	} else if s.Idle {
		s.MakeJobs = max(runtime.NumCPU()/2, 1)
	}

	return s
}

// initConfig applies the process-wide parts of the configuration.
func initConfig(cfg *Config) Settings {
	Debug = cfg.flag("CELLAR_DEBUG")
	s := cfg.settings()
	debugf("=> root=%s cache=%s jobs=%d\n", s.Root, s.CacheDir, s.MakeJobs)
	if s.Mirror.Enabled() {
		debugf("=> Using archive mirror bucket: %s\n", s.Mirror.Bucket)
	}
	return s
}

// Directory layout below CacheDir.
func (s Settings) archiveDir() string { return filepath.Join(s.CacheDir, "archives") }
func (s Settings) workDir() string    { return filepath.Join(s.CacheDir, "build") }
func (s Settings) logDir() string     { return filepath.Join(s.CacheDir, "logs") }
