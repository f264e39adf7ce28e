package cellar

import (
	"net/url"
	"path"
	"sort"
	"strings"
)

// archiveSuffixes lists every archive format the extractor understands, longest first
// so ".tar.gz" wins over ".gz"-less lookalikes.
var archiveSuffixes = []string{".tar.gz", ".tar.xz", ".tar.bz2", ".tar.zst", ".tgz", ".tar", ".zip"}

// archiveSuffix returns the recognized suffix of name, or "".
func archiveSuffix(name string) string {
	for _, s := range archiveSuffixes {
		if strings.HasSuffix(name, s) {
			return s
		}
	}
	return ""
}

// ArchiveName is the last path segment of rawURL, which is also the name the
// archive is cached under.
func ArchiveName(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	parts := strings.Split(rawURL, "/")
	return parts[len(parts)-1]
}

// DirName is the directory an archive is expected to unpack into: the archive
// name with its archive suffix stripped. It is a pure string transform and
// idempotent on names that carry no suffix.
func DirName(rawURL string) string {
	name := ArchiveName(rawURL)
	return strings.TrimSuffix(name, archiveSuffix(name))
}

// ModuleDescriptor identifies a third-party module linked in with --add-module.
// Archive modules are downloaded from URL and, when Checksum is set, verified
// against it; probe modules are discovered on the host by running Probe and
// appending Subdir to its output.
type ModuleDescriptor struct {
	ID       string
	URL      string
	Checksum Checksum
	Probe    []string
	Subdir   string
}

// IsProbe reports whether the module is found on the host rather than downloaded.
func (m ModuleDescriptor) IsProbe() bool { return len(m.Probe) > 0 }

func (m ModuleDescriptor) ArchiveName() string { return ArchiveName(m.URL) }
func (m ModuleDescriptor) DirName() string     { return DirName(m.URL) }

// Verified reports whether the module archive carries a digest to check.
func (m ModuleDescriptor) Verified() bool { return m.Checksum.Algo != "" }

// Registry is the fixed module table of one formula revision.
type Registry struct {
	modules map[string]ModuleDescriptor
}

// NewRegistry builds a registry from descriptors; ids must be unique.
func NewRegistry(mods ...ModuleDescriptor) (*Registry, error) {
	r := &Registry{modules: make(map[string]ModuleDescriptor, len(mods))}
	for _, m := range mods {
		if _, dup := r.modules[m.ID]; dup {
			return nil, configErrorf("module "+m.ID, "declared more than once")
		}
		if err := validateModule(m); err != nil {
			return nil, err
		}
		r.modules[m.ID] = m
	}
	return r, nil
}

func validateModule(m ModuleDescriptor) error {
	subject := "module " + m.ID
	switch {
	case m.ID == "":
		return configErrorf("module", "empty module id")
	case m.IsProbe() && m.URL != "":
		return configErrorf(subject, "declares both url and probe")
	case m.IsProbe() && m.Verified():
		return configErrorf(subject, "probe modules cannot carry a checksum")
	case m.IsProbe():
		return nil
	case m.URL == "":
		return configErrorf(subject, "declares neither url nor probe")
	}
	if m.Verified() {
		if err := m.Checksum.validate(); err != nil {
			return configErrorf(subject, "%v", err)
		}
	}
	return validateArchiveURL(subject, m.URL)
}

// validateArchiveURL checks that rawURL is fetchable and names a recognized archive.
func validateArchiveURL(subject, rawURL string) error {
	if err := validateFetchURL(subject, rawURL); err != nil {
		return err
	}
	if archiveSuffix(ArchiveName(rawURL)) == "" {
		return configErrorf(subject, "url %q does not name a recognized archive (%s)", rawURL, strings.Join(archiveSuffixes, ", "))
	}
	return nil
}

// validateFetchURL checks that rawURL has a scheme a Downloader understands and a host.
func validateFetchURL(subject, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return configErrorf(subject, "malformed url %q: %v", rawURL, err)
	}
	switch u.Scheme {
	case "http", "https", "s3":
	default:
		return configErrorf(subject, "unsupported url scheme in %q", rawURL)
	}
	if u.Host == "" {
		return configErrorf(subject, "url %q has no host", rawURL)
	}
	if ArchiveName(rawURL) == "" || strings.HasSuffix(u.Path, "/") {
		return configErrorf(subject, "url %q does not name a file", rawURL)
	}
	return nil
}

// Resolve returns the descriptor registered under id.
func (r *Registry) Resolve(id string) (ModuleDescriptor, error) {
	m, ok := r.modules[id]
	if !ok {
		return ModuleDescriptor{}, configErrorf("module "+id, "not registered in this formula")
	}
	return m, nil
}

// IDs returns the registered module ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.modules))
	for id := range r.modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ModuleCache memoizes materialized module directories for one build run.
type ModuleCache struct {
	dirs map[string]string
}

func NewModuleCache() *ModuleCache {
	return &ModuleCache{dirs: make(map[string]string)}
}

// Get returns the cached dir for id, if the module was already materialized.
func (c *ModuleCache) Get(id string) (string, bool) {
	dir, ok := c.dirs[id]
	return dir, ok
}

func (c *ModuleCache) Put(id, dir string) { c.dirs[id] = dir }
