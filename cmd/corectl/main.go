// Command corectl is a thin CLI driver over internal/session: it wires a
// session from layered configuration, optionally admits a generated task
// set, runs it to convergence, and maps the outcome to the exit-code
// semantics of §6. The declarative surface that would turn a project's own
// file layout into tasks is explicitly out of the core's scope (spec.md
// §1); the "run" subcommand below is the one reference front-end this
// binary ships, built on internal/generator.DirGlobGenerator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/taskcore/taskcore/internal/capability"
	"github.com/taskcore/taskcore/internal/config"
	"github.com/taskcore/taskcore/internal/controller"
	"github.com/taskcore/taskcore/internal/coretypes"
	"github.com/taskcore/taskcore/internal/generator"
	"github.com/taskcore/taskcore/internal/session"
)

var (
	configPath   string
	stateBackend string
	statePath    string
	logLevel     string
	maxTasks     int

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	if err := newRootCmd().ExecuteContext(rootCtx); err != nil {
		fmt.Fprintln(os.Stderr, "corectl:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "corectl",
		Short:         "Drive a taskcore session from the command line",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a config.yaml layer")
	root.PersistentFlags().StringVar(&stateBackend, "state-backend", "", "state-store backend (memory, file, sqlite); overrides the bootstrap file")
	root.PersistentFlags().StringVar(&statePath, "state-path", "", "state-store path/DSN; overrides the bootstrap file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn, error, or silent")
	root.PersistentFlags().IntVar(&maxTasks, "max-tasks", -1, "safety bound on total admitted tasks; -1 leaves the config value untouched")

	root.AddCommand(newRunCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newInfoCmd())
	root.AddCommand(newListCmd())

	return root
}

// openSession loads the bootstrap sidecar and layered config, applying any
// CLI overrides, and opens a session.Session the caller must Close.
func openSession(ctx context.Context) (*session.Session, error) {
	boot, err := config.LoadBootstrap("")
	if err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	if stateBackend != "" {
		boot.StateBackend = stateBackend
	}
	if statePath != "" {
		boot.StatePath = statePath
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if maxTasks >= 0 {
		cfg.MaxTasks = maxTasks
	}

	return session.Open(ctx, cfg, boot.StateBackend, boot.StatePath)
}

func newRunCmd() *cobra.Command {
	var root, glob, outDir, shellTemplate string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Admit a generated task set and run it to convergence",
		RunE: func(cmd *cobra.Command, args []string) error {
			if root == "" || glob == "" || shellTemplate == "" {
				return fmt.Errorf("--root, --glob, and --cmd are all required")
			}
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			sess.RegisterGenerator(buildGenerator(root, glob, outDir, shellTemplate))

			report, err := sess.RunReactive(cmd.Context())
			if err != nil {
				return err
			}
			for _, conflict := range report.Conflicts {
				fmt.Fprintf(cmd.ErrOrStderr(), "corectl: %s redefined %s after it had already started; kept the running definition\n", conflict.Generator, conflict.Task)
			}
			return exitErrorFor(report)
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "directory to scan for input files")
	cmd.Flags().StringVar(&glob, "glob", "", "doublestar glob matched against file names under --root")
	cmd.Flags().StringVar(&outDir, "out", "", "directory target outputs are written under (defaults to --root)")
	cmd.Flags().StringVar(&shellTemplate, "cmd", "", `shell command template; {{src}} and {{out}} are replaced with each match's input/output paths`)

	return cmd
}

// buildGenerator adapts --root/--glob/--out/--cmd into a DirGlobGenerator
// producing one file-to-file task per match, the reference shape of the
// "compile chain" scenario (§8 scenario 2).
func buildGenerator(root, glob, outDir, shellTemplate string) *generator.DirGlobGenerator {
	if outDir == "" {
		outDir = root
	}
	factory := func(matchRelPath string) (*coretypes.Task, error) {
		src := filepath.Join(root, matchRelPath)
		out := filepath.Join(outDir, strings.TrimSuffix(matchRelPath, filepath.Ext(matchRelPath))+".out")

		absSrc, err := filepath.Abs(src)
		if err != nil {
			return nil, err
		}
		absOut, err := filepath.Abs(out)
		if err != nil {
			return nil, err
		}

		shell := strings.NewReplacer("{{src}}", absSrc, "{{out}}", absOut).Replace(shellTemplate)
		return &coretypes.Task{
			Name:         "build:" + matchRelPath,
			Dependencies: []coretypes.Dependency{capability.NewFileDependency(absSrc)},
			Targets:      []coretypes.Target{capability.NewFileTarget(absOut)},
			Actions:      []coretypes.Action{{Name: matchRelPath, Shell: shell}},
		}, nil
	}
	return generator.NewDirGlobGenerator("cli-run", root, glob, factory)
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Edit .taskcore/config.yaml"}

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a key in .taskcore/config.yaml in place",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.SetConfigValue(args[0], args[1])
		},
	}
	cmd.AddCommand(set)
	return cmd
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print the resolved configuration (read-only introspection)",
		RunE: func(cmd *cobra.Command, args []string) error {
			boot, err := config.LoadBootstrap("")
			if err != nil {
				return err
			}
			if stateBackend != "" {
				boot.StateBackend = stateBackend
			}
			if statePath != "" {
				boot.StatePath = statePath
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("state backend:        %s\n", boot.StateBackend)
			fmt.Printf("state path:            %s\n", boot.StatePath)
			fmt.Printf("log level:             %s\n", cfg.LogLevel)
			fmt.Printf("max tasks:             %d\n", cfg.MaxTasks)
			fmt.Printf("parallelism:           %d\n", cfg.Parallelism)
			fmt.Printf("convergence timeout:   %s\n", cfg.ConvergenceTimeout)
			return nil
		},
	}
}

// newListCmd implements SPEC_FULL §C.5's read-only task-listing
// introspection: "admitted tasks, their status and their declared
// dependencies/targets." Unlike "info" (which only echoes resolved
// configuration), this admits the same task set "run" would and reports on
// it without executing a single action — Status is read straight off a
// fresh executor, and this command never calls the up-to-date check, so
// every task prints PENDING whatever the state store holds. Without
// --root/--glob/--cmd nothing is admitted: each session starts with an
// empty graph, so only the header is printed.
func newListCmd() *cobra.Command {
	var root, glob, outDir, shellTemplate string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List admitted tasks, their status, and their declared dependencies/targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			if root != "" || glob != "" || shellTemplate != "" {
				if root == "" || glob == "" || shellTemplate == "" {
					return fmt.Errorf("--root, --glob, and --cmd must be given together")
				}
				gen := buildGenerator(root, glob, outDir, shellTemplate)
				tasks, err := gen.Generate(cmd.Context())
				if err != nil {
					return fmt.Errorf("generator: %w", err)
				}
				if err := sess.AdmitStatic(tasks); err != nil {
					return fmt.Errorf("admit: %w", err)
				}
			}

			names := make([]string, 0, len(sess.Graph.Tasks()))
			for _, t := range sess.Graph.Tasks() {
				names = append(names, t.Name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tSTATUS\tDEPENDENCIES\tTARGETS")
			for _, name := range names {
				t, _ := sess.Graph.Task(name)
				deps := append(append([]string(nil), t.DependencyKeys()...), setupTaskRefs(t)...)
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					name,
					sess.Executor.Status(name).String(),
					joinOrDash(deps),
					joinOrDash(t.TargetKeys()),
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "directory to scan for input files (omit to admit nothing; the session's graph starts empty)")
	cmd.Flags().StringVar(&glob, "glob", "", "doublestar glob matched against file names under --root")
	cmd.Flags().StringVar(&outDir, "out", "", "directory target outputs are written under (defaults to --root)")
	cmd.Flags().StringVar(&shellTemplate, "cmd", "", `shell command template; {{src}} and {{out}} are replaced with each match's input/output paths`)

	return cmd
}

// setupTaskRefs renders a task's declared SetupTasks (§4.3) alongside its
// other declared dependency keys, since they are as much a "declared
// dependency" as a Dependency value from SPEC_FULL §C.5's point of view.
func setupTaskRefs(t *coretypes.Task) []string {
	out := make([]string, len(t.SetupTasks))
	for i, s := range t.SetupTasks {
		out[i] = "task:" + s
	}
	return out
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

// exitErrorFor maps a reactive run's outcome to §6's exit-code rule: zero
// iff every admitted task ended DONE or SKIPPED-UP-TO-DATE and the
// controller converged. Returning a non-nil error here is what drives
// main's os.Exit(1); cobra itself never inspects task status.
func exitErrorFor(report *controller.Report) error {
	if report.HitLimit {
		return fmt.Errorf("max-tasks bound exceeded after %d regenerations without converging", report.Regenerations)
	}
	if !report.Converged {
		return fmt.Errorf("run ended without converging")
	}
	if report.Exec != nil {
		for name, status := range report.Exec.Statuses {
			if status == coretypes.StatusFailed {
				cause := report.Exec.Errors[name]
				return fmt.Errorf("task %s failed: %v", name, cause)
			}
		}
	}
	return nil
}
