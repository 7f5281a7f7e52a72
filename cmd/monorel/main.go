// Package main provides the monorel CLI.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"monorel/internal/config"
	"monorel/internal/filter"
	"monorel/internal/gitio"
	"monorel/internal/graph"
	"monorel/internal/ledger"
	"monorel/internal/npm"
	"monorel/internal/prompt"
	"monorel/internal/release"
	"monorel/internal/semver"
)

var rootCmd = &cobra.Command{
	Use:           "monorel",
	Short:         "Version and publish the packages of a monorepo",
	Long:          `monorel finds the packages of a JavaScript monorepo, works out which of them changed since the last release, assigns new versions and publishes them in dependency order.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var lsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List the packages of the repository",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

var changedCmd = &cobra.Command{
	Use:   "changed",
	Short: "List packages changed since the last release",
	Args:  cobra.NoArgs,
	RunE:  runChanged,
}

var versionCmd = &cobra.Command{
	Use:   "version [bump]",
	Short: "Bump the versions of changed packages, commit and tag",
	Long:  "bump is a release keyword (" + releaseKeywords() + ") or an explicit version. Without it versions come from conventional commits or a prompt.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runVersion,
}

var publishCmd = &cobra.Command{
	Use:   "publish [bump]",
	Short: "Version and publish changed packages",
	Long:  "bump is a release keyword (" + releaseKeywords() + ") or an explicit version. Canary releases only accept a keyword.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPublish,
}

var runCmd = &cobra.Command{
	Use:   "run <script>",
	Short: "Run an npm script in every package that defines it",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

var execCmd = &cobra.Command{
	Use:   "exec -- <command> [args...]",
	Short: "Run a command in every package",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runExec,
}

var releasesCmd = &cobra.Command{
	Use:   "releases [release-id]",
	Short: "List recorded releases or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runReleases,
}

var (
	cwd          string
	logLevel     string
	scope        []string
	ignore       []string
	since        string
	inclDeps     bool
	inclDepsOf   bool
	noPrivate    bool
	concurrency  int
	rejectCycles bool

	lsAll      bool
	lsToposort bool
	lsGraph    bool
	jsonFlag   bool

	vflags versionFlags

	canary   bool
	fromGit  bool
	distTag  string
	registry string

	parallel bool
	noBail   bool

	releasesLimit int
)

type versionFlags struct {
	exact                  bool
	conventionalCommits    bool
	conventionalPrerelease bool
	graduate               []string
	force                  []string
	preid                  string
	message                string
	noGitTagVersion        bool
	noPush                 bool
	remote                 string
	allowDirty             bool
	dryRun                 bool
	yes                    bool
	noColor                bool
}

func addVersionFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.BoolVar(&vflags.exact, "exact", false, "Pin local dependency specs to exact versions")
	f.BoolVar(&vflags.conventionalCommits, "conventional-commits", false, "Derive bumps from conventional commits")
	f.BoolVar(&vflags.conventionalPrerelease, "conventional-prerelease", false, "Produce prerelease versions from conventional commits")
	f.StringSliceVar(&vflags.graduate, "conventional-graduate", nil, "Graduate prerelease packages (all when no names are given)")
	f.Lookup("conventional-graduate").NoOptDefVal = "*"
	f.StringSliceVar(&vflags.force, "force-publish", nil, "Always version these packages (all when no names are given)")
	f.Lookup("force-publish").NoOptDefVal = "*"
	f.StringVar(&vflags.preid, "preid", "", "Prerelease identifier")
	f.StringVarP(&vflags.message, "message", "m", "", "Commit message")
	f.BoolVar(&vflags.noGitTagVersion, "no-git-tag-version", false, "Do not commit or tag")
	f.BoolVar(&vflags.noPush, "no-push", false, "Do not push the release commit and tags")
	f.StringVar(&vflags.remote, "git-remote", "", "Remote to push to")
	f.BoolVar(&vflags.allowDirty, "allow-dirty", false, "Allow uncommitted changes in the worktree")
	f.BoolVar(&vflags.dryRun, "dry-run", false, "Show manifest changes without writing anything")
	f.BoolVarP(&vflags.yes, "yes", "y", false, "Skip confirmation prompts")
	f.BoolVar(&vflags.noColor, "no-color", false, "Disable colored diffs")
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&parallel, "parallel", false, "Ignore dependency order and run everything at once")
	cmd.Flags().BoolVar(&noBail, "no-bail", false, "Keep going after a failure")
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cwd, "cwd", ".", "Repository directory")
	pf.StringVar(&logLevel, "loglevel", "", "Log level: debug, info, warn or error")
	pf.StringSliceVar(&scope, "scope", nil, "Include only packages whose names match these globs")
	pf.StringSliceVar(&ignore, "ignore", nil, "Exclude packages whose names match these globs")
	pf.StringVar(&since, "since", "", "Include only packages changed since this ref")
	pf.BoolVar(&inclDeps, "include-dependents", false, "Also include dependents of selected packages")
	pf.BoolVar(&inclDepsOf, "include-dependencies", false, "Also include dependencies of selected packages")
	pf.BoolVar(&noPrivate, "no-private", false, "Exclude private packages")
	pf.IntVar(&concurrency, "concurrency", 0, "Number of concurrent tasks")
	pf.BoolVar(&rejectCycles, "reject-cycles", false, "Fail when dependency cycles are found")

	lsCmd.Flags().BoolVarP(&lsAll, "all", "a", false, "Include private packages")
	lsCmd.Flags().BoolVar(&lsToposort, "toposort", false, "Sort by dependency order")
	lsCmd.Flags().BoolVar(&lsGraph, "graph", false, "Print the dependency graph as JSON")
	lsCmd.Flags().BoolVar(&jsonFlag, "json", false, "Output as JSON")

	changedCmd.Flags().BoolVar(&jsonFlag, "json", false, "Output as JSON")
	changedCmd.Flags().StringSliceVar(&vflags.graduate, "conventional-graduate", nil, "Graduate prerelease packages")
	changedCmd.Flags().Lookup("conventional-graduate").NoOptDefVal = "*"
	changedCmd.Flags().StringSliceVar(&vflags.force, "force-publish", nil, "Always include these packages")
	changedCmd.Flags().Lookup("force-publish").NoOptDefVal = "*"

	addVersionFlags(versionCmd)
	addVersionFlags(publishCmd)
	publishCmd.Flags().BoolVar(&canary, "canary", false, "Publish a canary prerelease of the latest commit")
	publishCmd.Flags().BoolVar(&fromGit, "from-git", false, "Publish packages tagged at HEAD")
	publishCmd.Flags().StringVar(&distTag, "dist-tag", "", "Registry dist-tag")
	publishCmd.Flags().StringVar(&registry, "registry", "", "Registry URL")

	addRunFlags(runCmd)
	addRunFlags(execCmd)

	releasesCmd.Flags().IntVar(&releasesLimit, "limit", 20, "Maximum number of releases to list")
	releasesCmd.Flags().BoolVar(&jsonFlag, "json", false, "Output as JSON")

	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(changedCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(releasesCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "monorel:", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug", "verbose", "silly":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error", "silent":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// session is an opened project plus the resources to release afterwards.
type session struct {
	*release.Project
	ledger *ledger.DB
}

func (s *session) Close() {
	if s.ledger != nil {
		s.ledger.Close()
	}
}

// openProject loads the repository at --cwd. withLedger also opens the
// release ledger, which requires a git repository.
func openProject(withLedger bool) (*session, error) {
	dir, err := filepath.Abs(cwd)
	if err != nil {
		return nil, fmt.Errorf("resolving directory: %w", err)
	}

	var git release.Git
	root := dir
	if repo, err := gitio.Open(dir); err == nil {
		git = repo
		root = repo.Root()
	}

	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logger := newLogger(level)

	g, err := release.LoadGraph(cfg, logger)
	if err != nil {
		return nil, err
	}

	reg := cfg.Command.Publish.Registry
	if registry != "" {
		reg = registry
	}
	term := &prompt.Terminal{In: os.Stdin, Out: os.Stderr}
	s := &session{Project: &release.Project{
		Config:    cfg,
		Graph:     g,
		Git:       git,
		Runner:    &npm.Client{Bin: cfg.NPMClient, Registry: reg, Stdout: os.Stdout, Logger: logger},
		Prompter:  term,
		Confirmer: term,
		Out:       os.Stdout,
		Logger:    logger,
	}}
	if vflags.yes {
		s.Confirmer = prompt.Yes{}
	}

	if withLedger {
		if git == nil {
			return nil, release.ErrNoGit
		}
		db, err := ledger.Open(release.LedgerPath(root))
		if err != nil {
			return nil, err
		}
		s.ledger = db
		s.Ledger = db
	}
	return s, nil
}

func common() release.Common {
	return release.Common{
		Filter: filter.Options{
			Scope:               scope,
			Ignore:              ignore,
			NoPrivate:           noPrivate,
			IncludeDependents:   inclDeps,
			IncludeDependencies: inclDepsOf,
		},
		Since:        since,
		Concurrency:  concurrency,
		RejectCycles: rejectCycles,
	}
}

type packageJSON struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Private  bool   `json:"private"`
	Location string `json:"location"`
}

func toJSON(nodes []*graph.Node) []packageJSON {
	out := make([]packageJSON, len(nodes))
	for i, n := range nodes {
		out[i] = packageJSON{Name: n.Name(), Version: n.Version(), Private: n.Private(), Location: n.Location()}
	}
	return out
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printNodes(nodes []*graph.Node) error {
	if jsonFlag {
		return printJSON(toJSON(nodes))
	}
	for _, n := range nodes {
		line := fmt.Sprintf("%-30s v%-12s %s", n.Name(), n.Version(), n.Package().RelativeLocation())
		if n.Private() {
			line += " (PRIVATE)"
		}
		fmt.Println(strings.TrimRight(line, " "))
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	s, err := openProject(false)
	if err != nil {
		return err
	}
	defer s.Close()

	nodes, err := s.List(cmd.Context(), release.ListOptions{Common: common(), All: lsAll, Toposort: lsToposort})
	if err != nil {
		return err
	}
	if lsGraph {
		adjacency := make(map[string][]string, len(nodes))
		for _, n := range nodes {
			deps := make([]string, 0, len(n.LocalDependencies)+len(n.ExternalDependencies))
			for name := range n.LocalDependencies {
				deps = append(deps, name)
			}
			if lsAll {
				for name := range n.ExternalDependencies {
					deps = append(deps, name)
				}
			}
			sort.Strings(deps)
			adjacency[n.Name()] = deps
		}
		return printJSON(adjacency)
	}
	return printNodes(nodes)
}

func runChanged(cmd *cobra.Command, args []string) error {
	s, err := openProject(false)
	if err != nil {
		return err
	}
	defer s.Close()

	updates, err := s.Changed(cmd.Context(), release.ChangedOptions{
		Common:   common(),
		Force:    vflags.force,
		Graduate: vflags.graduate,
	})
	if err != nil {
		return err
	}
	if len(updates) == 0 {
		s.Logger.Info("no changed packages found")
		return nil
	}
	return printNodes(updates)
}

// releaseKeywords lists the accepted bump keywords for command help.
func releaseKeywords() string {
	types := semver.ReleaseTypes()
	out := make([]string, len(types))
	for i, rt := range types {
		out[i] = string(rt)
	}
	return strings.Join(out, ", ")
}

func versionOptions(args []string, cfg *config.Config) release.VersionOptions {
	opts := release.VersionOptions{
		Common:                 common(),
		PreID:                  vflags.preid,
		Exact:                  vflags.exact,
		Force:                  vflags.force,
		Graduate:               vflags.graduate,
		ConventionalCommits:    vflags.conventionalCommits,
		ConventionalPrerelease: vflags.conventionalPrerelease,
		Message:                vflags.message,
		NoGitTagVersion:        vflags.noGitTagVersion,
		Push:                   cfg.Command.Version.Push && !vflags.noPush,
		Remote:                 vflags.remote,
		AllowDirty:             vflags.allowDirty,
		DryRun:                 vflags.dryRun,
		Color:                  !vflags.noColor,
		Yes:                    vflags.yes,
	}
	if len(args) > 0 {
		opts.Bump = args[0]
	}
	return opts
}

func runVersion(cmd *cobra.Command, args []string) error {
	s, err := openProject(true)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.Version(cmd.Context(), versionOptions(args, s.Config))
	if err != nil {
		return err
	}
	if !res.Empty() && len(res.Tags) > 0 {
		s.Logger.Info("versioned packages", "count", len(res.Versions), "tags", strings.Join(res.Tags, ","))
	}
	return nil
}

func runPublish(cmd *cobra.Command, args []string) error {
	s, err := openProject(true)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.Publish(cmd.Context(), release.PublishOptions{
		VersionOptions: versionOptions(args, s.Config),
		Canary:         canary,
		FromGit:        fromGit,
		DistTag:        distTag,
	})
	if err != nil {
		return err
	}
	if len(res.Published) > 0 {
		fmt.Println("Successfully published:")
		for _, name := range res.Published {
			fmt.Printf(" - %s@%s\n", name, res.Version.Versions[name])
		}
	}
	return nil
}

func runOptions() release.RunOptions {
	return release.RunOptions{Common: common(), Parallel: parallel, NoBail: noBail}
}

func runRun(cmd *cobra.Command, args []string) error {
	s, err := openProject(false)
	if err != nil {
		return err
	}
	defer s.Close()

	ran, err := s.Run(cmd.Context(), args[0], runOptions())
	if err != nil {
		return err
	}
	s.Logger.Info("ran script", "script", args[0], "packages", len(ran))
	return nil
}

func runExec(cmd *cobra.Command, args []string) error {
	s, err := openProject(false)
	if err != nil {
		return err
	}
	defer s.Close()

	ran, err := s.Exec(cmd.Context(), args, runOptions())
	if err != nil {
		return err
	}
	s.Logger.Info("executed command", "command", args[0], "packages", len(ran))
	return nil
}

func runReleases(cmd *cobra.Command, args []string) error {
	s, err := openProject(true)
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := cmd.Context()

	if len(args) == 1 {
		r, err := s.ledger.Get(ctx, args[0])
		if errors.Is(err, ledger.ErrReleaseNotFound) {
			return fmt.Errorf("release %s: %w", args[0], err)
		}
		if err != nil {
			return err
		}
		snap, err := s.ledger.Snapshot(ctx, r.ID)
		if err != nil {
			return err
		}
		if jsonFlag {
			_, err := os.Stdout.Write(append(snap, '\n'))
			return err
		}
		printRelease(r)
		return nil
	}

	releases, err := s.ledger.List(ctx, releasesLimit)
	if err != nil {
		return err
	}
	if jsonFlag {
		return printJSON(releases)
	}
	if len(releases) == 0 {
		fmt.Println("No releases recorded.")
		return nil
	}
	for _, r := range releases {
		printRelease(r)
	}
	return nil
}

func printRelease(r *ledger.Release) {
	fmt.Printf("%s  %s  %-7s  %s  %s\n", r.ID[:8], r.CreatedAt.Format("2006-01-02 15:04"), r.Command, r.SHA[:min(7, len(r.SHA))], strings.Join(r.Tags, " "))
	for _, c := range r.Changes {
		fmt.Printf("    %s: %s => %s\n", c.Name, c.From, c.To)
	}
}
