// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
	"github.com/xkilldash9x/scalpel-harvest/internal/config"
	"github.com/xkilldash9x/scalpel-harvest/internal/observability"
	"github.com/xkilldash9x/scalpel-harvest/internal/orchestrator"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// taskRunner is the slice of the orchestrator the run command drives.
type taskRunner interface {
	CreateTask(opts schemas.TaskOptions) (string, error)
	StartTask(id string) error
	GetTaskStatus(id string) *schemas.TaskStatus
	GetTaskResults(ctx context.Context, id string) ([]schemas.Item, error)
	Close(ctx context.Context) error
}

type runtimeBuilder func(ctx context.Context, cfg config.Interface, logger *zap.Logger) (taskRunner, error)

// buildRuntime wires the production orchestrator and, when configured,
// serves metrics for the lifetime of ctx.
func buildRuntime(ctx context.Context, cfg config.Interface, logger *zap.Logger) (taskRunner, error) {
	rt, err := orchestrator.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if rt.Metrics != nil && cfg.Metrics().Addr != "" {
		go func() {
			if err := rt.Metrics.Serve(ctx, cfg.Metrics().Addr); err != nil {
				logger.Error("Metrics endpoint stopped", zap.Error(err))
			}
		}()
	}
	return rt, nil
}

// taskFile is the on-disk format of a batch of tasks.
type taskFile struct {
	Tasks []schemas.TaskOptions `yaml:"tasks"`
}

func loadTaskFile(path string) ([]schemas.TaskOptions, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expanding task file path: %w", err)
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("reading task file: %w", err)
	}
	var tf taskFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parsing task file %s: %w", path, err)
	}
	if len(tf.Tasks) == 0 {
		return nil, fmt.Errorf("task file %s defines no tasks", path)
	}
	return tf.Tasks, nil
}

type runFlags struct {
	file         string
	output       string
	proxies      string
	metricsAddr  string
	sink         string
	concurrency  int
	headless     bool
	pollInterval time.Duration
}

func newRunCmd(build runtimeBuilder) *cobra.Command {
	var f runFlags

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Runs every task in a task file and writes the extracted items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			applyRunOverrides(cmd, cfg, f)

			tasks, err := loadTaskFile(f.file)
			if err != nil {
				return err
			}

			runner, err := build(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize orchestrator: %w", err)
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Orchestrator().ShutdownTimeout)
				defer cancel()
				if err := runner.Close(closeCtx); err != nil {
					logger.Warn("Shutdown was not clean", zap.Error(err))
				}
			}()

			statuses, runErr := runTasks(ctx, runner, tasks, f.pollInterval, logger)
			if statuses == nil {
				return runErr
			}

			// An interrupted run still reports what finished.
			if err := writeResults(context.WithoutCancel(ctx), runner, statuses, f.output, cmd.OutOrStdout()); err != nil {
				return err
			}
			printSummary(cmd.ErrOrStderr(), statuses)

			if runErr != nil {
				return runErr
			}
			if failed := countState(statuses, schemas.TaskFailed); failed > 0 {
				return fmt.Errorf("%d of %d tasks failed", failed, len(statuses))
			}
			return nil
		},
	}

	runCmd.Flags().StringVarP(&f.file, "file", "f", "", "YAML file listing the tasks to run")
	runCmd.Flags().StringVarP(&f.output, "output", "o", "", "write results as JSON to this file (default stdout)")
	runCmd.Flags().StringVar(&f.proxies, "proxies", "", "proxy list to import, one proxy per line")
	runCmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	runCmd.Flags().StringVar(&f.sink, "sink", "", "result sink: memory, postgres or redis")
	runCmd.Flags().IntVar(&f.concurrency, "concurrency", 0, "maximum tasks running at once")
	runCmd.Flags().BoolVar(&f.headless, "headless", true, "run browsers headless")
	runCmd.Flags().DurationVar(&f.pollInterval, "poll-interval", 500*time.Millisecond, "how often task status is checked")
	_ = runCmd.MarkFlagRequired("file")
	return runCmd
}

// applyRunOverrides lets explicitly set flags win over file and env config.
func applyRunOverrides(cmd *cobra.Command, cfg config.Interface, f runFlags) {
	flags := cmd.Flags()
	if flags.Changed("proxies") {
		cfg.SetProxyImportFile(f.proxies)
	}
	if flags.Changed("metrics-addr") {
		cfg.SetMetricsAddr(f.metricsAddr)
	}
	if flags.Changed("sink") {
		cfg.SetSinkType(f.sink)
	}
	if flags.Changed("concurrency") && f.concurrency > 0 {
		cfg.SetMaxConcurrentTasks(f.concurrency)
	}
	if flags.Changed("headless") {
		cfg.SetBrowserHeadless(f.headless)
	}
}

// runTasks creates every task, starts them as slots free up and waits until
// all of them are terminal. It returns nil statuses when a task could not
// be created.
func runTasks(ctx context.Context, runner taskRunner, tasks []schemas.TaskOptions, poll time.Duration, logger *zap.Logger) ([]schemas.TaskStatus, error) {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}

	ids := make([]string, 0, len(tasks))
	for i, opts := range tasks {
		id, err := runner.CreateTask(opts)
		if err != nil {
			return nil, fmt.Errorf("task %d (%s): %w", i, opts.Name, err)
		}
		ids = append(ids, id)
	}

	pending := ids
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		var waiting []string
		for _, id := range pending {
			err := runner.StartTask(id)
			switch {
			case err == nil:
			case errors.Is(err, schemas.ErrConcurrencyLimitExceeded):
				waiting = append(waiting, id)
			default:
				return collectStatuses(runner, ids), fmt.Errorf("starting task %s: %w", id, err)
			}
		}
		if len(waiting) > 0 && len(waiting) != len(pending) {
			logger.Debug("Tasks waiting for a free slot", zap.Int("waiting", len(waiting)))
		}
		pending = waiting

		if len(pending) == 0 && allTerminal(runner, ids) {
			return collectStatuses(runner, ids), nil
		}

		select {
		case <-ctx.Done():
			return collectStatuses(runner, ids), ctx.Err()
		case <-ticker.C:
		}
	}
}

func allTerminal(runner taskRunner, ids []string) bool {
	for _, id := range ids {
		st := runner.GetTaskStatus(id)
		if st == nil || !st.State.IsTerminal() {
			return false
		}
	}
	return true
}

func collectStatuses(runner taskRunner, ids []string) []schemas.TaskStatus {
	out := make([]schemas.TaskStatus, 0, len(ids))
	for _, id := range ids {
		if st := runner.GetTaskStatus(id); st != nil {
			out = append(out, *st)
		}
	}
	return out
}

func countState(statuses []schemas.TaskStatus, state schemas.TaskState) int {
	n := 0
	for _, st := range statuses {
		if st.State == state {
			n++
		}
	}
	return n
}

type taskOutput struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	State  schemas.TaskState `json:"state"`
	Method schemas.Method    `json:"method,omitempty"`
	Error  string            `json:"error,omitempty"`
	Items  []schemas.Item    `json:"items"`
}

func writeResults(ctx context.Context, runner taskRunner, statuses []schemas.TaskStatus, path string, stdout io.Writer) error {
	out := make([]taskOutput, 0, len(statuses))
	for _, st := range statuses {
		items, err := runner.GetTaskResults(ctx, st.ID)
		if err != nil {
			return fmt.Errorf("fetching results of %s: %w", st.ID, err)
		}
		if items == nil {
			items = []schemas.Item{}
		}
		out = append(out, taskOutput{ID: st.ID, Name: st.Name, State: st.State, Method: st.Method, Error: st.LastError, Items: items})
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	data = append(data, '\n')

	if path == "" {
		_, err = stdout.Write(data)
		return err
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return err
	}
	if err := os.WriteFile(expanded, data, 0o644); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	return nil
}

func printSummary(w io.Writer, statuses []schemas.TaskStatus) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATE\tMETHOD\tITEMS\tPROGRESS\tERROR")
	for _, st := range statuses {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.1f%%\t%s\n", st.Name, st.State, st.Method, st.ItemsProcessed, st.Progress, st.LastError)
	}
	_ = tw.Flush()
}
