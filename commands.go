package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// rootOptions holds the flags shared by every command.
type rootOptions struct {
	token       string
	configPath  string
	verbose     int
	quiet       bool
	branches    []string
	txt         bool
	cache       bool
	metricsFile string
}

// session is the wired engine for one command invocation.
type session struct {
	cfg      *Config
	logger   *slog.Logger
	metrics  *Metrics
	registry *RegistryClient
	finder   *Finder
	cache    PersistentCache
	opts     *rootOptions
}

func newRootCmd(token string) *cobra.Command {
	opts := &rootOptions{token: token}
	var open bool

	root := &cobra.Command{
		Use:   "get-changelog <package>[@version]",
		Short: "Find the changelog of an npm package",
		Long: `Find the changelog of an npm package.

The repository of the package is looked up in the npm registry, then the
usual changelog files (CHANGELOG.md, History.md, ...) are probed on the
default branch. The releases page is the fallback.

Examples:
  get-changelog react                 # changelog of the latest version
  get-changelog @babel/core@7.0.0     # changelog at a given version
  get-changelog lodash --open         # open it in the browser
  get-changelog check                 # changelogs of every outdated dependency`,
		Version:       version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}
			return runResolve(cmd, opts, args[0], open)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Config file (default .get-changelog.yml)")
	flags.CountVarP(&opts.verbose, "verbose", "v", "Log more (repeat for debug)")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "Log nothing")
	flags.StringSliceVarP(&opts.branches, "branches", "b", nil, "Extra branches to probe after master")
	flags.BoolVar(&opts.txt, "txt", false, "Also look for .txt changelog files")
	flags.BoolVar(&opts.cache, "cache", false, "Use the persistent resolution cache")
	flags.StringVar(&opts.metricsFile, "metrics-file", "", "Write Prometheus metrics to this file on exit")

	root.Flags().BoolVar(&open, "open", false, "Open the changelog in the browser")

	root.AddCommand(
		newCheckCmd(opts),
		newCacheCmd(opts),
		newScreenshotCmd(opts),
		newUpgradeCmd(),
	)
	return root
}

// newSession loads configuration, applies the flags and wires the engine.
func newSession(cmd *cobra.Command, opts *rootOptions) (*session, error) {
	cfg, err := LoadConfig(LoadOptions{ConfigPath: opts.configPath})
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("branches") {
		cfg.Branches = opts.branches
	}
	if opts.txt {
		cfg.ExploreTxtFiles = true
	}
	if opts.cache {
		cfg.Cache.Enabled = true
	}

	logger := NewLogger(cmd.ErrOrStderr(), LevelFromFlags(cfg.LogLevel, opts.verbose, opts.quiet))
	metrics := NewMetrics()
	registry := NewRegistryClient(cfg, logger)

	s := &session{cfg: cfg, logger: logger, metrics: metrics, registry: registry, opts: opts}

	deps := FinderDeps{Registry: registry, Logger: logger, Metrics: metrics}
	if cfg.Cache.Enabled {
		store, err := OpenCache(cfg.Cache)
		if err != nil {
			return nil, fmt.Errorf("opening cache: %w", err)
		}
		s.cache = store
		deps.Cache = store
	}

	finder, err := NewFinder(cfg, opts.token, deps)
	if err != nil {
		s.close()
		return nil, err
	}
	s.finder = finder
	return s, nil
}

// close persists the cache and metrics. Failures are logged, not returned,
// so they never mask the command's own result.
func (s *session) close() {
	if s.cache != nil {
		if err := s.cache.Save(); err != nil {
			s.logger.Warn("failed to save cache", "path", s.cache.Path(), "error", err)
		}
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("failed to close cache", "error", err)
		}
	}
	if s.opts.metricsFile != "" {
		if err := s.metrics.WriteTextfile(s.opts.metricsFile); err != nil {
			s.logger.Warn("failed to write metrics", "path", s.opts.metricsFile, "error", err)
		}
	}
}

// parsePackageArg splits "name@version". The leading @ of a scope is part
// of the name.
func parsePackageArg(arg string) (name, version string) {
	if i := strings.LastIndex(arg, "@"); i > 0 {
		return arg[:i], arg[i+1:]
	}
	return arg, ""
}

func runResolve(cmd *cobra.Command, opts *rootOptions, arg string, open bool) error {
	s, err := newSession(cmd, opts)
	if err != nil {
		return err
	}
	defer s.close()

	name, version := parsePackageArg(arg)
	url, ok := s.finder.Resolve(cmd.Context(), name, version)
	if !ok {
		fmt.Fprintln(cmd.ErrOrStderr(), "changelog not found")
		return nil
	}

	fmt.Fprintln(cmd.OutOrStdout(), url)
	if open {
		if err := openBrowser(url); err != nil {
			return fmt.Errorf("opening %s: %w", url, err)
		}
	}
	return nil
}

// openBrowser hands url to the platform's default opener.
func openBrowser(url string) error {
	var c *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		c = exec.Command("open", url)
	case "windows":
		c = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		c = exec.Command("xdg-open", url)
	}
	return c.Start()
}

func newCheckCmd(opts *rootOptions) *cobra.Command {
	var (
		packageFile string
		filter      string
		reject      string
		reporter    string
		plainURLs   bool
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "List outdated dependencies with their changelogs",
		Long: `List the dependencies of package.json that have a newer version in the
registry, each with the changelog of the new version.

Examples:
  get-changelog check
  get-changelog check --filter react,react-dom
  get-changelog check --reject '/^@types\//'
  get-changelog check --reporter console-jira`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := NewReporter(reporter, ReportOptions{Hyperlinks: !plainURLs && SupportsHyperlinks()})
			if err != nil {
				return err
			}

			s, err := newSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.close()

			spin := newSpinner(cmd.ErrOrStderr(), opts.quiet)
			spin.Start()
			upgrades, err := NewChecker(s.registry, s.finder).Run(cmd.Context(), CheckOptions{
				PackageFile: packageFile,
				Filter:      filter,
				Reject:      reject,
				Concurrency: s.cfg.Concurrency,
				OnProgress:  spin.update,
			})
			spin.Stop()
			if err != nil {
				return err
			}

			return r.Report(cmd.OutOrStdout(), upgrades)
		},
	}

	cmd.Flags().StringVar(&packageFile, "package-file", DefaultPackageFile(), "Path to package.json")
	cmd.Flags().StringVar(&filter, "filter", "", "Only check these packages (comma separated names or /regex/)")
	cmd.Flags().StringVar(&reject, "reject", "", "Skip these packages (comma separated names or /regex/)")
	cmd.Flags().StringVar(&reporter, "reporter", ReporterConsole, "Report format: console, console-jira or table")
	cmd.Flags().BoolVar(&plainURLs, "url", false, "Print plain URLs instead of terminal hyperlinks")
	return cmd
}

// progressSpinner shows which package is being searched. It is inert when
// stderr is not a terminal.
type progressSpinner struct {
	s *spinner.Spinner
}

func newSpinner(w io.Writer, quiet bool) *progressSpinner {
	f, ok := w.(*os.File)
	if quiet || !ok || !term.IsTerminal(int(f.Fd())) {
		return &progressSpinner{}
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(w))
	s.Suffix = " Checking dependencies..."
	return &progressSpinner{s: s}
}

func (p *progressSpinner) Start() {
	if p.s != nil {
		p.s.Start()
	}
}

func (p *progressSpinner) Stop() {
	if p.s != nil {
		p.s.Stop()
	}
}

func (p *progressSpinner) update(name string) {
	if p.s == nil {
		return
	}
	p.s.Lock()
	p.s.Suffix = " Searching changelog of " + name
	p.s.Unlock()
}

func newCacheCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the resolution cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:          "path",
		Short:        "Print the cache location",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(LoadOptions{ConfigPath: opts.configPath})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.Cache.FilePath())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:          "stats",
		Short:        "Show the size and age of the cache",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(LoadOptions{ConfigPath: opts.configPath})
			if err != nil {
				return err
			}
			return printCacheStats(cmd.OutOrStdout(), cfg.Cache)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:          "clear",
		Short:        "Delete every cached resolution",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(LoadOptions{ConfigPath: opts.configPath})
			if err != nil {
				return err
			}
			path := cfg.Cache.FilePath()
			if err := clearCache(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s\n", path)
			return nil
		},
	})
	return cmd
}

// printCacheStats describes the store without modifying it.
func printCacheStats(w io.Writer, cfg CacheConfig) error {
	path := cfg.FilePath()
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(w, "%s (empty)\n", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading cache: %w", err)
	}

	store, err := OpenCache(cfg)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer store.Close()

	fmt.Fprintf(w, "Path:     %s\n", path)
	fmt.Fprintf(w, "Backend:  %s\n", cfg.Backend)
	fmt.Fprintf(w, "Entries:  %d\n", store.Len())
	fmt.Fprintf(w, "Size:     %s\n", humanize.Bytes(uint64(info.Size())))
	fmt.Fprintf(w, "Modified: %s\n", humanize.Time(info.ModTime()))
	return nil
}

// clearCache removes the cache store and its lock and journal files.
func clearCache(path string) error {
	lock := NewLockFile(path + ".lock")
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer lock.Release()

	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", p, err)
		}
	}
	return nil
}

func newScreenshotCmd(opts *rootOptions) *cobra.Command {
	var (
		output  string
		browser string
		headful bool
	)

	cmd := &cobra.Command{
		Use:          "screenshot <package>[@version]",
		Short:        "Save a full-page screenshot of a package's changelog",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.close()

			name, version := parsePackageArg(args[0])
			url, ok := s.finder.Resolve(cmd.Context(), name, version)
			if !ok {
				return fmt.Errorf("changelog of %s not found", name)
			}

			shot := NewScreenshotter(ScreenshotOptions{
				Output:         output,
				ExecutablePath: browser,
				Headless:       !headful,
				Timeout:        s.cfg.RequestTimeout() * 3,
			})
			defer shot.Close()

			path, err := shot.Capture(cmd.Context(), url, name)
			if err != nil {
				return err
			}
			for _, msg := range shot.ConsoleErrors() {
				s.logger.Debug("page script error", "url", url, "error", msg)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", url, path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output PNG file (default <package>-changelog.png)")
	cmd.Flags().StringVar(&browser, "browser", "", "Chrome/Chromium executable (default auto-detect)")
	cmd.Flags().BoolVar(&headful, "headful", false, "Show the browser window")
	return cmd
}

func newUpgradeCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "upgrade",
		Short:        "Upgrade get-changelog to the latest release",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpgrade(cmd.Context(), cmd.OutOrStdout())
		},
	}
}
