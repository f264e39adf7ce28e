package cellar

import (
	"path/filepath"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cellar.conf")
	writeFile(t, path, []byte(`# cellar settings
CELLAR_ROOT = "/opt/cellar"
CELLAR_CACHE_DIR='/var/cache/cellar'

CELLAR_MAKE_JOBS=4
not a setting
CELLAR_FORMULA_PATH=/etc/cellar/formulas:/home/me/formulas
`))
	t.Setenv("CELLAR_MAKE_JOBS", "6")
	t.Setenv("CELLAR_STRICT_OPTIONS", "yes")

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	s := cfg.settings()

	if s.Root != "/opt/cellar" {
		t.Errorf("Root = %q", s.Root)
	}
	if s.CacheDir != "/var/cache/cellar" {
		t.Errorf("CacheDir = %q", s.CacheDir)
	}
	if s.MakeJobs != 6 {
		t.Errorf("MakeJobs = %d, want the environment value 6", s.MakeJobs)
	}
	if !s.StrictOptions {
		t.Error("StrictOptions not taken from the environment")
	}
	if diff := cmp.Diff([]string{"/etc/cellar/formulas", "/home/me/formulas"}, s.FormulaPaths); diff != "" {
		t.Errorf("FormulaPaths mismatch (-want +got):\n%s", diff)
	}
	if _, ok := cfg.Values["not a setting"]; ok {
		t.Error("line without '=' was parsed")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.conf"))
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Values == nil {
		t.Error("Values is nil")
	}
}

func TestSettingsDefaults(t *testing.T) {
	s := (&Config{Values: map[string]string{}}).settings()
	if s.Root != "/usr/local" {
		t.Errorf("Root = %q, want /usr/local", s.Root)
	}
	if s.CacheDir == "" {
		t.Error("CacheDir has no default")
	}
	if s.MakeJobs != runtime.NumCPU() {
		t.Errorf("MakeJobs = %d, want %d", s.MakeJobs, runtime.NumCPU())
	}
	if s.Mirror.Region != "auto" || s.Mirror.Enabled() {
		t.Errorf("Mirror = %+v, want a disabled mirror in region auto", s.Mirror)
	}
	if got, want := s.archiveDir(), filepath.Join(s.CacheDir, "archives"); got != want {
		t.Errorf("archiveDir() = %q, want %q", got, want)
	}
}

func TestSettingsMakeJobs(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]string
		want   int
	}{
		{"explicit", map[string]string{"CELLAR_MAKE_JOBS": "3"}, 3},
		{"invalid", map[string]string{"CELLAR_MAKE_JOBS": "many"}, runtime.NumCPU()},
		{"zero", map[string]string{"CELLAR_MAKE_JOBS": "0"}, runtime.NumCPU()},
		{"idle", map[string]string{"CELLAR_IDLE": "1"}, max(runtime.NumCPU()/2, 1)},
		{"explicit wins over idle", map[string]string{"CELLAR_IDLE": "true", "CELLAR_MAKE_JOBS": "5"}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := (&Config{Values: tt.values}).settings()
			if s.MakeJobs != tt.want {
				t.Errorf("MakeJobs = %d, want %d", s.MakeJobs, tt.want)
			}
		})
	}
}

func TestMirrorEnabled(t *testing.T) {
	s := (&Config{Values: map[string]string{
		"CELLAR_MIRROR_ENDPOINT":          "https://mirror.example.org/",
		"CELLAR_MIRROR_BUCKET":            "archives",
		"CELLAR_MIRROR_ACCESS_KEY_ID":     "id",
		"CELLAR_MIRROR_SECRET_ACCESS_KEY": "secret",
	}}).settings()
	if !s.Mirror.Enabled() {
		t.Error("fully configured mirror reported disabled")
	}
	if s.Mirror.Endpoint != "https://mirror.example.org" {
		t.Errorf("Endpoint = %q, want the trailing slash trimmed", s.Mirror.Endpoint)
	}
}
