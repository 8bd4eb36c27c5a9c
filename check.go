package main

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/sync/errgroup"
)

// Upgrade is one dependency with a newer version in the registry.
type Upgrade struct {
	Name           string
	From           string
	To             string
	Changelog      string // empty when no changelog was found
	UpgradeType    string // major, minor, patch, premajor, ...
	DependencyType string // dependencies or devDependencies
}

// CheckOptions configures an upgrade check of a package.json file.
type CheckOptions struct {
	PackageFile string
	Filter      string // names or /regex/ to include
	Reject      string // names or /regex/ to exclude
	Concurrency int
	// OnProgress is called with each package name as its changelog is searched.
	OnProgress func(name string)
}

// NameMatcher matches package names against a comma or space separated
// list of names, or a single /regex/.
type NameMatcher struct {
	names map[string]bool
	re    *regexp.Regexp
}

// ParseNameMatcher parses a filter expression. An empty expression yields
// a nil matcher.
func ParseNameMatcher(expr string) (*NameMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}

	if len(expr) > 2 && strings.HasPrefix(expr, "/") && strings.HasSuffix(expr, "/") {
		re, err := regexp.Compile(expr[1 : len(expr)-1])
		if err != nil {
			return nil, fmt.Errorf("invalid package pattern %s: %w", expr, err)
		}
		return &NameMatcher{re: re}, nil
	}

	names := make(map[string]bool)
	for _, name := range strings.FieldsFunc(expr, func(r rune) bool { return r == ',' || r == ' ' }) {
		names[name] = true
	}
	return &NameMatcher{names: names}, nil
}

// Match reports whether name matches.
func (m *NameMatcher) Match(name string) bool {
	if m.re != nil {
		return m.re.MatchString(name)
	}
	return m.names[name]
}

// UpgradeType classifies the difference between two versions the way
// npm's semver.diff does: major, minor, patch, their "pre" variants when a
// prerelease is involved, or prerelease.
func UpgradeType(from, to *semver.Version) string {
	if from.Equal(to) {
		return ""
	}
	prefix := ""
	if from.Prerelease() != "" || to.Prerelease() != "" {
		prefix = "pre"
	}
	switch {
	case from.Major() != to.Major():
		return prefix + "major"
	case from.Minor() != to.Minor():
		return prefix + "minor"
	case from.Patch() != to.Patch():
		return prefix + "patch"
	default:
		return "prerelease"
	}
}

// Checker finds dependency upgrades and their changelogs.
type Checker struct {
	registry *RegistryClient
	finder   *Finder
}

func NewChecker(registry *RegistryClient, finder *Finder) *Checker {
	return &Checker{registry: registry, finder: finder}
}

// Run lists the upgrades available for the dependencies of a package file,
// each with its changelog at the new version. Results keep package.json
// name order.
func (c *Checker) Run(ctx context.Context, opts CheckOptions) ([]Upgrade, error) {
	deps, err := ExtractDependencies(opts.PackageFile)
	if err != nil {
		return nil, err
	}

	include, err := ParseNameMatcher(opts.Filter)
	if err != nil {
		return nil, err
	}
	exclude, err := ParseNameMatcher(opts.Reject)
	if err != nil {
		return nil, err
	}

	var selected []Dependency
	for _, dep := range deps {
		if include != nil && !include.Match(dep.Name) {
			continue
		}
		if exclude != nil && exclude.Match(dep.Name) {
			continue
		}
		if !isRegistrySpec(dep.Version) {
			continue
		}
		selected = append(selected, dep)
	}

	limit := opts.Concurrency
	if limit <= 0 {
		limit = 1
	}

	results := make([]*Upgrade, len(selected))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, dep := range selected {
		g.Go(func() error {
			results[i] = c.check(gctx, dep, opts.OnProgress)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	upgrades := make([]Upgrade, 0, len(results))
	for _, u := range results {
		if u != nil {
			upgrades = append(upgrades, *u)
		}
	}
	return upgrades, nil
}

// check returns the upgrade of dep, or nil when it is up to date or its
// versions cannot be compared.
func (c *Checker) check(ctx context.Context, dep Dependency, progress func(string)) *Upgrade {
	from, err := semver.NewVersion(cleanVersion(dep.Version))
	if err != nil {
		return nil
	}

	latest := c.registry.LatestVersion(ctx, dep.Name)
	if !latest.Ok() {
		return nil
	}
	to, err := semver.NewVersion(latest.Value)
	if err != nil || !to.GreaterThan(from) {
		return nil
	}

	if progress != nil {
		progress(dep.Name)
	}
	changelog, _ := c.finder.Resolve(ctx, dep.Name, latest.Value)

	return &Upgrade{
		Name:           dep.Name,
		From:           from.Original(),
		To:             to.Original(),
		Changelog:      changelog,
		UpgradeType:    UpgradeType(from, to),
		DependencyType: dep.Type(),
	}
}
