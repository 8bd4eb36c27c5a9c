package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNoManifest is returned when the package file does not exist.
var ErrNoManifest = errors.New("package.json not found")

// Dependency types as they appear in package.json.
const (
	DependencyTypeProd = "dependencies"
	DependencyTypeDev  = "devDependencies"
)

// Dependency is one entry of a package.json dependency map.
type Dependency struct {
	Name    string // package name (e.g., "next", "@sveltejs/kit")
	Version string // version spec (e.g., "^14.0.0", "1.0.0")
	IsDev   bool   // true if devDependency
}

// Type returns the package.json section the dependency comes from.
func (d Dependency) Type() string {
	if d.IsDev {
		return DependencyTypeDev
	}
	return DependencyTypeProd
}

// DefaultPackageFile returns package.json in the working directory.
func DefaultPackageFile() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "package.json"
	}
	return filepath.Join(cwd, "package.json")
}

// ExtractDependencies reads dependencies and devDependencies from a
// package.json file, sorted by name. A package listed in both sections is
// reported once, as a production dependency.
func ExtractDependencies(packageFile string) ([]Dependency, error) {
	data, err := os.ReadFile(packageFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoManifest, packageFile)
		}
		return nil, fmt.Errorf("reading %s: %w", packageFile, err)
	}

	var pkg struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("invalid package.json file in %s: %w", packageFile, err)
	}

	var deps []Dependency
	for name, version := range pkg.Dependencies {
		deps = append(deps, Dependency{Name: name, Version: version})
	}
	for name, version := range pkg.DevDependencies {
		if _, prod := pkg.Dependencies[name]; prod {
			continue
		}
		deps = append(deps, Dependency{Name: name, Version: version, IsDev: true})
	}

	sort.Slice(deps, func(i, j int) bool { return deps[i].Name < deps[j].Name })
	return deps, nil
}

// isRegistrySpec reports whether a version spec points at the registry
// rather than a workspace, path, git or tarball source.
func isRegistrySpec(spec string) bool {
	for _, prefix := range []string{"workspace:", "file:", "link:", "portal:", "git+", "git:", "github:", "http:", "https:", "npm:"} {
		if strings.HasPrefix(spec, prefix) {
			return false
		}
	}
	// user/repo shorthand
	return !strings.Contains(spec, "/")
}

// cleanVersion strips range operators: "^1.3.2" → "1.3.2".
func cleanVersion(v string) string {
	v = strings.TrimSpace(v)
	// Only the lower bound of "a - b" and "a || b" ranges matters here
	if i := strings.Index(v, "||"); i >= 0 {
		v = strings.TrimSpace(v[:i])
	}
	if i := strings.Index(v, " - "); i >= 0 {
		v = v[:i]
	}
	for _, prefix := range []string{"^", "~>", "~", ">=", "<=", "==", "!=", ">", "<", "=", "v"} {
		v = strings.TrimPrefix(v, prefix)
	}
	if fields := strings.Fields(v); len(fields) > 0 {
		v = fields[0]
	}
	return strings.TrimSpace(v)
}
