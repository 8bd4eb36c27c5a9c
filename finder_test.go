package main

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const moduleRepo = "https://github.com/User/module-name"

func TestResolve_ProbeOrderIsNameMajor(t *testing.T) {
	fx := newFinderFixture(t)
	fx.registry.add("module-name", "1.0.0", map[string]string{"type": "git", "url": "https://github.com/User/module-name.git"})
	fx.web.set(moduleRepo+"/blob/master/History.md", http.StatusOK)

	url, ok := fx.finder(t).Resolve(context.Background(), "module-name", "")

	require.True(t, ok)
	assert.Equal(t, moduleRepo+"/blob/master/History.md", url)
	assert.Equal(t, []string{
		"HEAD " + moduleRepo + "/tree/master/packages",
		"HEAD " + moduleRepo + "/blob/master/CHANGELOG.md",
		"HEAD " + moduleRepo + "/blob/master/changelog.md",
		"HEAD " + moduleRepo + "/blob/master/ChangeLog.md",
		"HEAD " + moduleRepo + "/blob/master/History.md",
	}, fx.web.Requests())
}

func TestResolve_ReleasesFallbackWithoutAPI(t *testing.T) {
	fx := newFinderFixture(t)
	fx.registry.add("module-name", "1.0.0", "git+https://github.com/User/module-name.git")

	url, ok := fx.finder(t).Resolve(context.Background(), "module-name", "")

	require.True(t, ok)
	assert.Equal(t, moduleRepo+"/releases", url)
	// one monorepo probe plus six markdown candidates
	assert.Len(t, fx.web.Requests(), 7)
	assert.Empty(t, fx.github.Requests(), "no credential means no API calls")
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.resolutions.WithLabelValues(sourceReleases)))
}

func TestResolve_EmptyReleaseMeansNoChangelog(t *testing.T) {
	fx := newFinderFixture(t)
	fx.token = "secret"
	fx.registry.add("module-name", "1.0.0", "https://github.com/User/module-name")
	fx.github.defaultBranch["User/module-name"] = "main"
	fx.github.releaseBody["User/module-name"] = ""

	url, ok := fx.finder(t).Resolve(context.Background(), "module-name", "")

	assert.False(t, ok)
	assert.Empty(t, url)
	assert.Equal(t, []string{
		"/repos/User/module-name",
		"/repos/User/module-name/releases/latest",
	}, fx.github.Requests())
	for _, auth := range fx.github.authorizations {
		assert.Equal(t, "token secret", auth)
	}
	// the resolved default branch replaces master
	assert.Contains(t, fx.web.Requests(), "HEAD "+moduleRepo+"/blob/main/CHANGES.md")
	assert.NotContains(t, fx.web.Requests(), "HEAD "+moduleRepo+"/blob/master/CHANGELOG.md")
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.resolutions.WithLabelValues(sourceNone)))
}

func TestResolve_NonEmptyReleaseKeepsFallback(t *testing.T) {
	fx := newFinderFixture(t)
	fx.token = "secret"
	fx.registry.add("module-name", "1.0.0", "https://github.com/User/module-name")
	fx.github.defaultBranch["User/module-name"] = "master"
	fx.github.releaseBody["User/module-name"] = "## Fixes\n- everything"

	url, ok := fx.finder(t).Resolve(context.Background(), "module-name", "")

	require.True(t, ok)
	assert.Equal(t, moduleRepo+"/releases", url)
}

func TestResolve_DefaultBranchFailureFallsBackToMaster(t *testing.T) {
	fx := newFinderFixture(t)
	fx.token = "secret"
	fx.cfg.Branches = []string{"develop"}
	fx.registry.add("module-name", "1.0.0", "https://github.com/User/module-name")
	fx.github.repoStatus = http.StatusInternalServerError
	fx.web.set(moduleRepo+"/blob/develop/CHANGELOG.md", http.StatusOK)
	fx.github.releaseBody["User/module-name"] = "notes"

	url, ok := fx.finder(t).Resolve(context.Background(), "module-name", "")

	// with a credential only one branch is probed, even when the lookup fails
	require.True(t, ok)
	assert.Equal(t, moduleRepo+"/releases", url)
	assert.NotContains(t, fx.web.Requests(), "HEAD "+moduleRepo+"/blob/develop/CHANGELOG.md")
	assert.Contains(t, fx.web.Requests(), "HEAD "+moduleRepo+"/blob/master/CHANGELOG.md")
}

func TestResolve_BranchMajorOrder(t *testing.T) {
	fx := newFinderFixture(t)
	fx.cfg.Branches = []string{"main"}
	fx.registry.add("module-name", "1.0.0", "https://github.com/User/module-name")
	fx.web.set(moduleRepo+"/blob/master/CHANGES.md", http.StatusOK)
	fx.web.set(moduleRepo+"/blob/main/CHANGELOG.md", http.StatusOK)

	url, ok := fx.finder(t).Resolve(context.Background(), "module-name", "")

	require.True(t, ok)
	assert.Equal(t, moduleRepo+"/blob/master/CHANGES.md", url)
}

func TestResolve_ExtraBranchesAfterMaster(t *testing.T) {
	fx := newFinderFixture(t)
	fx.cfg.Branches = []string{"main", "master", "develop"}
	fx.registry.add("module-name", "1.0.0", "https://github.com/User/module-name")
	fx.web.set(moduleRepo+"/blob/develop/changelog.md", http.StatusOK)

	url, ok := fx.finder(t).Resolve(context.Background(), "module-name", "")

	require.True(t, ok)
	assert.Equal(t, moduleRepo+"/blob/develop/changelog.md", url)

	var monorepoProbes []string
	for _, r := range fx.web.Requests() {
		if strings.HasSuffix(r, "/packages") {
			monorepoProbes = append(monorepoProbes, r)
		}
	}
	assert.Equal(t, []string{
		"HEAD " + moduleRepo + "/tree/master/packages",
		"HEAD " + moduleRepo + "/tree/main/packages",
		"HEAD " + moduleRepo + "/tree/develop/packages",
	}, monorepoProbes)
}

func TestResolve_RedirectIsNotAMatch(t *testing.T) {
	fx := newFinderFixture(t)
	fx.registry.add("module-name", "1.0.0", "https://github.com/User/module-name")
	fx.web.set(moduleRepo+"/blob/master/CHANGELOG.md", http.StatusMovedPermanently)
	fx.web.set(moduleRepo+"/blob/master/changelog.md", http.StatusOK)

	url, ok := fx.finder(t).Resolve(context.Background(), "module-name", "")

	require.True(t, ok)
	assert.Equal(t, moduleRepo+"/blob/master/changelog.md", url)
}

func TestResolve_ServerErrorKeepsSearching(t *testing.T) {
	fx := newFinderFixture(t)
	fx.registry.add("module-name", "1.0.0", "https://github.com/User/module-name")
	fx.web.set(moduleRepo+"/blob/master/CHANGELOG.md", http.StatusBadGateway)
	fx.web.set(moduleRepo+"/blob/master/CHANGES.md", http.StatusOK)

	url, ok := fx.finder(t).Resolve(context.Background(), "module-name", "")

	require.True(t, ok)
	assert.Equal(t, moduleRepo+"/blob/master/CHANGES.md", url)
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.probes.WithLabelValues("error")))
}

func TestResolve_TxtFiles(t *testing.T) {
	fx := newFinderFixture(t)
	fx.cfg.ExploreTxtFiles = true
	fx.registry.add("module-name", "1.0.0", "https://github.com/User/module-name")
	fx.web.set(moduleRepo+"/blob/master/CHANGELOG.txt", http.StatusOK)
	fx.web.set(moduleRepo+"/blob/master/changelog.md", http.StatusOK)

	url, ok := fx.finder(t).Resolve(context.Background(), "module-name", "")

	require.True(t, ok)
	assert.Equal(t, moduleRepo+"/blob/master/CHANGELOG.txt", url)
}

func TestResolve_CustomRepository(t *testing.T) {
	fx := newFinderFixture(t)
	fx.token = "secret"
	fx.cfg.CustomRepositories = map[string]string{"private-repo2": "browse"}
	fx.registry.add("internal-lib", "2.0.0", "git+https://git.private-repo2.example.com/team/internal-lib.git")
	fx.web.set("https://git.private-repo2.example.com/team/internal-lib/browse/master/CHANGELOG.md", http.StatusOK)

	url, ok := fx.finder(t).Resolve(context.Background(), "internal-lib", "")

	require.True(t, ok)
	assert.Equal(t, "https://git.private-repo2.example.com/team/internal-lib/browse/master/CHANGELOG.md", url)
	assert.Empty(t, fx.github.Requests(), "custom hosts never reach the GitHub API")
}

func TestResolve_SelfHostedGitHubLayoutSkipsAPI(t *testing.T) {
	const selfHosted = "https://git.corp.example/facebook/react"
	fx := newFinderFixture(t)
	fx.token = "secret"
	fx.registry.add("react", "18.2.0", selfHosted)
	fx.github.defaultBranch["facebook/react"] = "main"
	fx.github.releaseBody["facebook/react"] = ""
	fx.web.set(selfHosted+"/blob/master/CHANGELOG.md", http.StatusOK)

	url, ok := fx.finder(t).Resolve(context.Background(), "react", "")

	require.True(t, ok)
	assert.Equal(t, selfHosted+"/blob/master/CHANGELOG.md", url)
	assert.Empty(t, fx.github.Requests(), "github.com knows nothing about other hosts")
	assert.NotContains(t, fx.web.Requests(), "HEAD "+selfHosted+"/blob/main/CHANGELOG.md")
}

func TestResolve_SelfHostedFallsBackToReleases(t *testing.T) {
	const selfHosted = "https://git.corp.example/facebook/react"
	fx := newFinderFixture(t)
	fx.token = "secret"
	fx.registry.add("react", "18.2.0", selfHosted)
	fx.github.releaseBody["facebook/react"] = ""

	url, ok := fx.finder(t).Resolve(context.Background(), "react", "")

	require.True(t, ok, "an empty github.com release says nothing about this host")
	assert.Equal(t, selfHosted+"/releases", url)
	assert.Empty(t, fx.github.Requests())
}

func TestResolve_Monorepo(t *testing.T) {
	fx := newFinderFixture(t)
	fx.registry.add("@scope/plugin-foo", "1.2.3", map[string]string{"url": "git+https://github.com/scope/tools.git"})
	fx.web.set("https://github.com/scope/tools/tree/master/packages", http.StatusOK)
	fx.web.set("https://github.com/scope/tools/blob/master/packages/foo/CHANGELOG.md", http.StatusOK)

	url, ok := fx.finder(t).Resolve(context.Background(), "@scope/plugin-foo", "")

	require.True(t, ok)
	assert.Equal(t, "https://github.com/scope/tools/blob/master/packages/foo/CHANGELOG.md", url)
}

func TestResolve_GitLabProfile(t *testing.T) {
	fx := newFinderFixture(t)
	fx.registry.add("gl-pkg", "1.0.0", "gitlab:group/project")
	fx.web.set("https://gitlab.com/group/project/-/blob/master/CHANGELOG.md", http.StatusOK)

	url, ok := fx.finder(t).Resolve(context.Background(), "gl-pkg", "")

	require.True(t, ok)
	assert.Equal(t, "https://gitlab.com/group/project/-/blob/master/CHANGELOG.md", url)
	assert.Equal(t, "HEAD https://gitlab.com/group/project/-/tree/master/packages", fx.web.Requests()[0])
}

func TestResolve_SpecificVersion(t *testing.T) {
	fx := newFinderFixture(t)
	fx.registry.add("moved", "1.0.0", "https://github.com/old/moved")
	fx.registry.add("moved", "2.0.0", "https://github.com/new/moved")
	fx.web.set("https://github.com/old/moved/blob/master/CHANGELOG.md", http.StatusOK)
	fx.web.set("https://github.com/new/moved/blob/master/CHANGELOG.md", http.StatusOK)
	f := fx.finder(t)

	url, ok := f.Resolve(context.Background(), "moved", "1.0.0")
	require.True(t, ok)
	assert.Equal(t, "https://github.com/old/moved/blob/master/CHANGELOG.md", url)

	url, ok = f.Resolve(context.Background(), "moved", "")
	require.True(t, ok)
	assert.Equal(t, "https://github.com/new/moved/blob/master/CHANGELOG.md", url)
}

func TestResolve_OverridesSkipNetwork(t *testing.T) {
	fx := newFinderFixture(t)
	logger := NewDiscardLogger()
	f, err := NewFinder(fx.cfg, "", FinderDeps{
		Prober:    NewProber(fx.cfg, fx.web.client(), logger, nil),
		Overrides: map[string]string{"lodash": "https://github.com/lodash/lodash/wiki/Changelog"},
		Logger:    logger,
		Metrics:   fx.metrics,
	})
	require.NoError(t, err)

	url, ok := f.Resolve(context.Background(), "lodash", "")

	require.True(t, ok)
	assert.Equal(t, "https://github.com/lodash/lodash/wiki/Changelog", url)
	assert.Zero(t, fx.registry.Hits())
	assert.Empty(t, fx.web.Requests())
	assert.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.resolutions.WithLabelValues(sourceOverride)))
}

func TestResolve_BuiltinOverridesByDefault(t *testing.T) {
	cfg := testConfig()
	f, err := NewFinder(cfg, "", FinderDeps{})
	require.NoError(t, err)

	url, ok := f.Resolve(context.Background(), "lodash", "")

	require.True(t, ok)
	assert.Equal(t, "https://github.com/lodash/lodash/wiki/Changelog", url)
}

func TestResolve_CacheSkipsNetwork(t *testing.T) {
	fx := newFinderFixture(t)
	cache := newMapCache()
	cache.entries["react"] = "https://example.com/react/CHANGELOG.md"
	cache.entries["gone"] = ""
	fx.cache = cache
	f := fx.finder(t)

	url, ok := f.Resolve(context.Background(), "react", "")
	require.True(t, ok)
	assert.Equal(t, "https://example.com/react/CHANGELOG.md", url)

	// a cached null is still a hit
	url, ok = f.Resolve(context.Background(), "gone", "")
	assert.False(t, ok)
	assert.Empty(t, url)

	assert.Zero(t, fx.registry.Hits())
	assert.Empty(t, fx.web.Requests())
	assert.Zero(t, cache.sets)
	assert.Equal(t, 2.0, testutil.ToFloat64(fx.metrics.resolutions.WithLabelValues(sourceCache)))
}

func TestResolve_CacheIsPopulated(t *testing.T) {
	fx := newFinderFixture(t)
	cache := newMapCache()
	fx.cache = cache
	fx.token = "secret"
	fx.registry.add("found", "1.0.0", "https://github.com/u/found")
	fx.registry.add("empty", "1.0.0", "https://github.com/u/empty")
	fx.web.set("https://github.com/u/found/blob/master/CHANGELOG.md", http.StatusOK)
	fx.github.defaultBranch["u/found"] = "master"
	fx.github.defaultBranch["u/empty"] = "master"
	fx.github.releaseBody["u/empty"] = ""
	f := fx.finder(t)

	f.Resolve(context.Background(), "found", "")
	f.Resolve(context.Background(), "empty", "")

	assert.Equal(t, map[string]string{
		"found": "https://github.com/u/found/blob/master/CHANGELOG.md",
		"empty": "",
	}, cache.entries)

	before := len(fx.web.Requests())
	url, ok := f.Resolve(context.Background(), "found", "")
	require.True(t, ok)
	assert.Equal(t, "https://github.com/u/found/blob/master/CHANGELOG.md", url)
	assert.Len(t, fx.web.Requests(), before)
}

func TestResolve_RegistryMissIsNotCached(t *testing.T) {
	fx := newFinderFixture(t)
	cache := newMapCache()
	fx.cache = cache
	fx.registry.add("no-repo", "1.0.0", nil)
	f := fx.finder(t)

	for _, name := range []string{"unknown", "no-repo"} {
		url, ok := f.Resolve(context.Background(), name, "")
		assert.False(t, ok, name)
		assert.Empty(t, url, name)
	}

	assert.Zero(t, cache.sets)
	assert.Empty(t, fx.web.Requests())
	assert.Equal(t, 2.0, testutil.ToFloat64(fx.metrics.resolutions.WithLabelValues(sourceNotFound)))
}

func TestResolve_RegistryFailureDegrades(t *testing.T) {
	fx := newFinderFixture(t)
	fx.registry.status = http.StatusServiceUnavailable

	url, ok := fx.finder(t).Resolve(context.Background(), "anything", "")

	assert.False(t, ok)
	assert.Empty(t, url)
}

func TestResolve_NoRegistryConfigured(t *testing.T) {
	fx := newFinderFixture(t)
	fx.cfg.Registry = ""

	url, ok := fx.finder(t).Resolve(context.Background(), "react", "")

	assert.False(t, ok)
	assert.Empty(t, url)
	assert.Zero(t, fx.registry.Hits())
}

func TestResolve_CancelledContextIsNotCached(t *testing.T) {
	fx := newFinderFixture(t)
	cache := newMapCache()
	fx.cache = cache
	fx.registry.add("module-name", "1.0.0", "https://github.com/User/module-name")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := fx.finder(t).Resolve(ctx, "module-name", "")

	assert.False(t, ok)
	assert.Zero(t, cache.sets)
}

func TestResolve_Idempotent(t *testing.T) {
	fx := newFinderFixture(t)
	fx.token = "secret"
	fx.registry.add("module-name", "1.0.0", "https://github.com/User/module-name")
	fx.github.defaultBranch["User/module-name"] = "master"
	fx.github.releaseBody["User/module-name"] = "notes"
	f := fx.finder(t)

	first, firstOK := f.Resolve(context.Background(), "module-name", "")
	probes := fx.web.Requests()
	apiCalls := fx.github.Requests()
	registryHits := fx.registry.Hits()

	second, secondOK := f.Resolve(context.Background(), "module-name", "")

	assert.Equal(t, first, second)
	assert.Equal(t, firstOK, secondOK)
	assert.Equal(t, append(probes, probes...), fx.web.Requests())
	assert.Equal(t, append(apiCalls, apiCalls...), fx.github.Requests())
	assert.Equal(t, 2*registryHits, fx.registry.Hits())
}

func TestResolve_ConcurrentDistinctNames(t *testing.T) {
	fx := newFinderFixture(t)
	fx.cache = newMapCache()
	names := []string{"a", "b", "c", "d"}
	for _, name := range names {
		fx.registry.add(name, "1.0.0", "https://github.com/u/"+name)
		fx.web.set("https://github.com/u/"+name+"/blob/master/HISTORY.md", http.StatusOK)
	}
	f := fx.finder(t)

	results := make([]string, len(names))
	done := make(chan int)
	for i, name := range names {
		go func() {
			results[i], _ = f.Resolve(context.Background(), name, "")
			done <- i
		}()
	}
	for range names {
		<-done
	}

	for i, name := range names {
		assert.Equal(t, "https://github.com/u/"+name+"/blob/master/HISTORY.md", results[i])
	}
}
