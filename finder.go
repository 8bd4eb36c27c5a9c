package main

import (
	"context"
	"iter"
	"log/slog"
)

// Finder resolves the most likely changelog URL of a registry package.
type Finder struct {
	cfg       *Config
	registry  *RegistryClient
	github    *GitHubAPI
	prober    *Prober
	monorepo  *MonorepoDetector
	overrides map[string]string
	cache     Cache
	logger    *slog.Logger
	metrics   *Metrics
}

// FinderDeps are the collaborators of a Finder. Nil fields get defaults
// built from the configuration.
type FinderDeps struct {
	Registry  *RegistryClient
	GitHub    *GitHubAPI
	Prober    *Prober
	Overrides map[string]string
	Cache     Cache
	Logger    *slog.Logger
	Metrics   *Metrics
}

// NewFinder wires a Finder. The token enables the GitHub API calls.
func NewFinder(cfg *Config, token string, deps FinderDeps) (*Finder, error) {
	logger := deps.Logger
	if logger == nil {
		logger = NewDiscardLogger()
	}

	registry := deps.Registry
	if registry == nil {
		registry = NewRegistryClient(cfg, logger)
	}

	gh := deps.GitHub
	if gh == nil {
		var err error
		gh, err = NewGitHubAPI(cfg, token, logger, deps.Metrics)
		if err != nil {
			return nil, err
		}
	}

	prober := deps.Prober
	if prober == nil {
		prober = NewProber(cfg, nil, logger, deps.Metrics)
	}

	overrides := deps.Overrides
	if overrides == nil {
		var err error
		overrides, err = MergeOverrides(cfg.Overrides)
		if err != nil {
			return nil, err
		}
	}

	return &Finder{
		cfg:       cfg,
		registry:  registry,
		github:    gh,
		prober:    prober,
		monorepo:  NewMonorepoDetector(prober),
		overrides: cloneOverrides(overrides),
		cache:     deps.Cache,
		logger:    logger,
		metrics:   deps.Metrics,
	}, nil
}

// Resolve returns the changelog URL of name at version (latest when empty).
// ok is false when the package has no known repository, or when no file
// matched and the latest release was checked and found empty.
// Resolve never fails: every network problem degrades to a weaker answer.
func (f *Finder) Resolve(ctx context.Context, name, version string) (url string, ok bool) {
	if f.cache != nil {
		if cached, hit := f.cache.Get(name); hit {
			f.metrics.observeResolution(sourceCache)
			return cached, cached != ""
		}
	}

	if override, hit := overrideFor(f.overrides, name); hit {
		f.metrics.observeResolution(sourceOverride)
		return override, true
	}

	location := f.registry.RepositoryURL(ctx, name, version)
	if !location.Ok() {
		f.logger.Info("repository not found", "package", name, "version", version)
		f.metrics.observeResolution(sourceNotFound)
		return "", false
	}
	loc := location.Value

	result, source := f.search(ctx, name, loc)
	if ctx.Err() != nil {
		// A cancelled search has probed nothing reliable; keep it out of the cache.
		return "", false
	}
	f.metrics.observeResolution(source)
	if f.cache != nil {
		f.cache.Set(name, result)
	}
	return result, result != ""
}

// githubAPIUsable reports whether the hosting API may be asked about loc.
// Hosts that only look like GitHub get the generic branch list and the
// plain releases fallback.
func (f *Finder) githubAPIUsable(loc RepositoryLocation) bool {
	return loc.Host == HostGitHub && isGitHubDotCom(loc.URL) && f.github.Enabled()
}

// branches returns the branches to probe for loc, asking the API for the
// real default branch when possible.
func (f *Finder) branches(ctx context.Context, loc RepositoryLocation) []string {
	if !f.githubAPIUsable(loc) {
		return BranchCandidates(f.cfg.Branches, "")
	}

	resolved := defaultBranch
	if branch := f.github.DefaultBranch(ctx, loc); branch.Ok() {
		resolved = branch.Value
	}
	return BranchCandidates(f.cfg.Branches, resolved)
}

// candidates lazily yields every location to probe, branch-major and
// file-minor. The monorepo probe for a branch runs only when the sequence
// reaches that branch.
func (f *Finder) candidates(ctx context.Context, name string, loc RepositoryLocation, profile HostProfile) iter.Seq[Candidate] {
	files := CandidateFiles(f.cfg.ExploreTxtFiles)
	return func(yield func(Candidate) bool) {
		for _, branch := range f.branches(ctx, loc) {
			folder := ""
			if f.monorepo.IsMonorepo(ctx, loc, profile, branch) {
				folder = FolderFor(name)
			}
			for _, file := range files {
				if !yield(Candidate{Branch: branch, Folder: folder, File: file}) {
					return
				}
			}
		}
	}
}

// search probes candidates until the first hit and falls back to the
// releases page.
func (f *Finder) search(ctx context.Context, name string, loc RepositoryLocation) (string, string) {
	profile := ResolveHostProfile(loc.URL, f.cfg.CustomRepositories)

	for c := range f.candidates(ctx, name, loc, profile) {
		if ctx.Err() != nil {
			break
		}
		if hit := f.prober.Probe(ctx, loc, profile, c.File, c.Branch, c.Folder); hit.Ok() {
			f.logger.Debug("changelog found", "package", name, "url", hit.Value)
			return hit.Value, sourceProbe
		}
	}

	fallback := loc.URL + "/releases"
	if f.githubAPIUsable(loc) && !f.github.IsReleaseChangelog(ctx, loc) {
		f.logger.Info("no changelog file and empty latest release", "package", name, "repository", loc.URL)
		return "", sourceNone
	}
	return fallback, sourceReleases
}
