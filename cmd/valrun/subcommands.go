package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/valrun/internal/backend"
	core "github.com/3cpo-dev/valrun/internal/core"
	"github.com/3cpo-dev/valrun/internal/runtimes"
	gssh "github.com/3cpo-dev/valrun/internal/ssh"
	"github.com/3cpo-dev/valrun/internal/task"
	"github.com/3cpo-dev/valrun/internal/telemetry"
	"github.com/3cpo-dev/valrun/pkg/api"
)

// loadGraph discovers the steering files and resolves their dependencies.
func loadGraph(cfg core.Config) (*task.Graph, error) {
	scripts, err := task.Discover(cfg.DiscoverOptions())
	if err != nil {
		return nil, err
	}
	if len(scripts) == 0 {
		log.Warn().Str("local", cfg.Release.LocalDir).Str("central", cfg.Release.CentralDir).Msg("no steering files found")
	}
	tasks, err := task.Load(scripts)
	if err != nil {
		return nil, err
	}
	return task.Resolve(tasks, task.ResolveOptions{
		BaselinePackage: cfg.Discovery.Baseline,
		Exclude:         cfg.Discovery.Exclude,
	})
}

// buildBackends registers the local pool and, in cluster mode, the cluster
// backend with its transport.
func buildBackends(cfg core.Config) (*backend.Registry, error) {
	reg := backend.NewRegistry()
	reg.Register(backend.NewLocal(backend.LocalConfig{
		MaxProcesses: cfg.Local.MaxProcesses,
		ResultsDir:   cfg.Local.ResultsDir,
		Interpreters: cfg.Local.Interpreters,
	}))
	if cfg.Mode != core.ModeCluster {
		return reg, nil
	}
	tr, err := buildTransport(cfg)
	if err != nil {
		return nil, err
	}
	reg.Register(backend.NewCluster(cfg.Cluster.ClusterConfig, tr))
	return reg, nil
}

func buildTransport(cfg core.Config) (backend.Transport, error) {
	if cfg.Cluster.Transport != core.TransportSSH {
		return backend.NewSharedFS(), nil
	}
	sc := cfg.Cluster.SSH
	home, _ := os.UserHomeDir()
	keyPath := sc.KeyPath
	if keyPath == "" {
		keyPath = filepath.Join(home, ".ssh", "id_ed25519")
	}
	khPath := sc.KnownHosts
	if khPath == "" {
		khPath = filepath.Join(home, ".ssh", "known_hosts")
	}
	signer, err := gssh.LoadPrivateKeySigner(keyPath)
	if err != nil {
		return nil, err
	}
	kh, err := gssh.LoadKnownHostsCallback(khPath)
	if err != nil {
		return nil, err
	}
	addr := sc.Host
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(sc.Port))
	}
	user := sc.User
	if user == "" {
		user = os.Getenv("USER")
	}
	c := &gssh.Client{
		Addr:       addr,
		User:       user,
		Signer:     signer,
		KnownHosts: kh,
		Timeout:    time.Duration(sc.TimeoutSeconds) * time.Second,
		Retries:    sc.Retries,
		Backoff:    500 * time.Millisecond,
	}
	return backend.NewSSHTransport(c), nil
}

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the validation scripts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			f := cmd.Flags()
			if f.Changed("mode") {
				cfg.Mode, _ = f.GetString("mode")
			}
			if f.Changed("packages") {
				cfg.Discovery.Packages, _ = f.GetStringSlice("packages")
			}
			if f.Changed("exclude") {
				cfg.Discovery.Exclude, _ = f.GetStringSlice("exclude")
			}
			if f.Changed("options") {
				cfg.Options, _ = f.GetString("options")
			}
			if f.Changed("tag") {
				cfg.Tag, _ = f.GetString("tag")
			}
			if f.Changed("max-processes") {
				cfg.Local.MaxProcesses, _ = f.GetInt("max-processes")
			}
			if f.Changed("poll-interval") {
				cfg.PollInterval, _ = f.GetDuration("poll-interval")
			}
			if f.Changed("status-addr") {
				cfg.StatusAddr, _ = f.GetString("status-addr")
			}
			if f.Changed("runtimes") {
				cfg.RuntimesFile, _ = f.GetString("runtimes")
			}
			dry, _ := f.GetBool("dry")
			noHistory, _ := f.GetBool("no-history")
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runValidation(cmd.Context(), cfg, dry, noHistory)
		},
	}
	cmd.Flags().StringP("mode", "m", core.ModeLocal, "execution mode: local or cluster")
	cmd.Flags().StringSliceP("packages", "p", nil, "only run the validation scripts of these packages")
	cmd.Flags().StringSliceP("exclude", "x", nil, "task names to skip, together with everything depending on them")
	cmd.Flags().StringP("options", "o", "", "options passed to every script")
	cmd.Flags().String("tag", "current", "name of the results folder for this run")
	cmd.Flags().IntP("max-processes", "n", backend.DefaultMaxProcesses, "maximum number of parallel local processes")
	cmd.Flags().Duration("poll-interval", core.DefaultPollInterval, "time between scheduler iterations")
	cmd.Flags().String("status-addr", "", "serve run status on this address, e.g. 127.0.0.1:8089")
	cmd.Flags().String("runtimes", core.DefaultRuntimesFile, "runtime store used for scheduling priority")
	cmd.Flags().Bool("dry", false, "do not execute scripts, only walk the dependency graph")
	cmd.Flags().Bool("no-history", false, "do not record this run in the history database")
	return cmd
}

func runValidation(ctx context.Context, cfg core.Config, dry, noHistory bool) error {
	g, err := loadGraph(cfg)
	if err != nil {
		return err
	}
	reg, err := buildBackends(cfg)
	if err != nil {
		return err
	}
	defer reg.Close()

	opts := core.Options{
		Mode:         cfg.Mode,
		Exec:         backend.ExecOptions{Options: cfg.Options, DryRun: dry, Tag: cfg.Tag},
		PollInterval: cfg.PollInterval,
		RuntimesFile: cfg.RuntimesFile,
		Collector:    telemetry.NewCollector(cfg.Telemetry.Enabled),
	}
	if cfg.HistoryDB != "" && !noHistory {
		store, err := core.NewStore(cfg.HistoryDB)
		if err != nil {
			return err
		}
		defer store.Close()
		opts.History = store
	}

	v, err := core.New(g, reg, opts)
	if err != nil {
		return err
	}
	if cfg.StatusAddr != "" {
		ms := telemetry.NewMonitoringServer(cfg.StatusAddr, opts.Collector, v)
		go func() {
			if err := ms.Start(); err != nil {
				log.Error().Err(err).Msg("status server stopped")
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = ms.Shutdown(sctx)
		}()
	}

	if err := v.Run(ctx); err != nil {
		return err
	}
	opts.Collector.Flush()
	printSummary(os.Stdout, v.Report())
	return nil
}

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed, color.Bold).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
)

func colorStatus(s string) string {
	switch task.Status(s) {
	case task.Finished:
		return green(s)
	case task.Failed:
		return red(s)
	case task.Skipped:
		return yellow(s)
	case task.Running:
		return cyan(s)
	default:
		return s
	}
}

// printSummary lists failed scripts separately from the ones skipped because
// of them.
func printSummary(w io.Writer, s api.RunSummary) {
	fmt.Fprintf(w, "\n%d scripts: %s finished, %s failed, %s skipped\n",
		s.Total, green(s.Finished), red(s.Failed), yellow(s.Skipped))
	var failed, skipped []api.TaskReport
	for _, t := range s.Tasks {
		switch task.Status(t.Status) {
		case task.Failed:
			failed = append(failed, t)
		case task.Skipped:
			skipped = append(skipped, t)
		}
	}
	if len(failed) > 0 {
		fmt.Fprintln(w, "\nFailed:")
		for _, t := range failed {
			fmt.Fprintf(w, "  %s (%s) exit %d\n", red(t.Name), t.Package, t.ReturnCode)
		}
	}
	if len(skipped) > 0 {
		fmt.Fprintln(w, "\nSkipped:")
		for _, t := range skipped {
			fmt.Fprintf(w, "  %s (%s)\n", yellow(t.Name), t.Package)
		}
	}
}

func newListCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List discovered scripts with their dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if cmd.Flags().Changed("packages") {
				cfg.Discovery.Packages, _ = cmd.Flags().GetStringSlice("packages")
			}
			g, err := loadGraph(cfg)
			if err != nil {
				return err
			}
			store, err := runtimes.Load(cfg.RuntimesFile)
			if err != nil {
				return err
			}
			store.Estimate(g.Tasks())
			printTasks(os.Stdout, g)
			return nil
		},
	}
	cmd.Flags().StringSliceP("packages", "p", nil, "only list these packages")
	return cmd
}

func printTasks(w io.Writer, g *task.Graph) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPACKAGE\tSTATUS\tRUNTIME\tDEPENDS ON\tOUTPUTS")
	for _, t := range g.Tasks() {
		deps := make([]string, 0, len(t.Deps))
		for _, idx := range t.DepIndices() {
			deps = append(deps, g.Task(idx).Name)
		}
		name := t.Name
		if t.HeaderIncomplete {
			name += " (no header)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.1fs\t%s\t%s\n",
			name, t.Package, colorStatus(string(t.Status)), t.Runtime,
			strings.Join(deps, ","), strings.Join(t.Outputs(), ","))
	}
	tw.Flush()
}

func newRuntimesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runtimes",
		Short: "Show the recorded script runtimes",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.RuntimesFile
			if cmd.Flags().Changed("file") {
				path, _ = cmd.Flags().GetString("file")
			}
			store, err := runtimes.Load(path)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, name := range store.Names() {
				v, _ := store.Get(name)
				fmt.Fprintf(tw, "%s\t%.2fs\n", name, v)
			}
			fmt.Fprintf(tw, "%s\t%.2fs\n", cyan("(mean)"), store.Mean())
			return tw.Flush()
		},
	}
	cmd.Flags().String("file", core.DefaultRuntimesFile, "runtime store")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show past runs, or the results of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := core.NewStore(a.cfg.HistoryDB)
			if err != nil {
				return err
			}
			defer store.Close()
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			defer tw.Flush()

			if len(args) == 1 {
				results, err := store.RunResults(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if len(results) == 0 {
					return fmt.Errorf("no results for run %s", args[0])
				}
				fmt.Fprintln(tw, "NAME\tPACKAGE\tSTATUS\tCODE\tWALL\tBACKEND\tJOB")
				for _, r := range results {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.1fs\t%s\t%s\n",
						r.Name, r.Package, colorStatus(r.Status), r.ReturnCode, r.WallSeconds, r.Backend, r.JobID)
				}
				return nil
			}

			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(tw, "RUN\tSTARTED\tMODE\tTAG\tSTATUS\tFINISHED\tFAILED\tSKIPPED")
			for _, r := range runs {
				st := string(r.Status)
				if r.Status == api.RunFailed {
					st = red(st)
				} else if r.Status == api.RunSucceeded {
					st = green(st)
				}
				if r.DryRun {
					st += " (dry)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
					r.RunID, r.Started.Local().Format(time.DateTime), r.Mode, r.Tag, st, r.Finished, r.Failed, r.Skipped)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs to show")
	return cmd
}
