package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/beaver-mr/internal/aggregate"
	"github.com/ChuLiYu/beaver-mr/internal/controller"
	"github.com/ChuLiYu/beaver-mr/internal/dlq"
	"github.com/ChuLiYu/beaver-mr/internal/server"
	"github.com/ChuLiYu/beaver-mr/pkg/types"
)

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var (
		itemsFile   string
		jobID       string
		maxParallel int
		serverAddr  string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a job over the items in a JSON file",
		Long: `Plan the items, run one agent per item and wait for the job to finish.
Use --server to submit to a running 'beaver-mr serve' instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if itemsFile == "" {
				return fmt.Errorf("items file is required (use --items or -i)")
			}
			items, err := readItems(itemsFile)
			if err != nil {
				return err
			}
			if serverAddr != "" {
				return submitRemote(cmd, serverAddr, items, jobID, maxParallel)
			}
			return runJob(cmd, items, jobID, maxParallel)
		},
	}

	cmd.Flags().StringVarP(&itemsFile, "items", "i", "", "JSON file containing the work items")
	cmd.Flags().StringVar(&jobID, "job-id", "", "job id (generated when empty)")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "override job.max_parallel")
	cmd.Flags().StringVar(&serverAddr, "server", "", "server address (e.g. localhost:50051) for remote submission")
	cmd.MarkFlagRequired("items")

	return cmd
}

func runJob(cmd *cobra.Command, items []any, jobID string, maxParallel int) error {
	return withRuntime(func(rt *runtime) error {
		ctx, stop := signalContext(cmd)
		defer stop()
		rt.serveMetrics()

		jc := rt.cfg.Job
		if jobID != "" {
			jc.JobID = types.JobID(jobID)
		}
		if maxParallel > 0 {
			jc.MaxParallel = maxParallel
		}

		h, err := rt.engine.SubmitJob(ctx, items, jc)
		if err != nil {
			return fmt.Errorf("failed to submit job: %w", err)
		}
		log.Printf("Job %s started with %d items\n", h.JobID(), len(items))

		report, err := h.Wait(context.Background())
		if report != nil {
			printReport(out(cmd), report)
		}
		return err
	})
}

func submitRemote(cmd *cobra.Command, addr string, items []any, jobID string, maxParallel int) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	jc := cfg.Job
	jc.JobID = types.JobID(jobID)
	if maxParallel > 0 {
		jc.MaxParallel = maxParallel
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer conn.Close()
	client := server.NewClient(conn)

	ctx, stop := signalContext(cmd)
	defer stop()

	var resp server.JobRequest
	if err := client.Call(ctx, "SubmitJob", server.SubmitRequest{Items: items, Config: jc}, &resp); err != nil {
		return fmt.Errorf("failed to submit job: %w", err)
	}
	log.Printf("Submitted job %s (%d items) to %s\n", resp.JobID, len(items), addr)

	st, err := client.WaitFinished(ctx, resp.JobID, time.Second)
	if err != nil {
		return err
	}
	if st.Report != nil {
		printReport(out(cmd), st.Report)
	}
	if st.Error != "" {
		return fmt.Errorf("job %s: %s", resp.JobID, st.Error)
	}
	return nil
}

// readItems accepts a JSON array or an object with an "items" array
func readItems(path string) ([]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read items file: %w", err)
	}

	var items []any
	if err := json.Unmarshal(data, &items); err == nil {
		return items, nil
	}
	var wrapped struct {
		Items []any `json:"items"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to parse items file: %w", err)
	}
	if wrapped.Items == nil {
		return nil, fmt.Errorf("failed to parse items file: no items array in %s", path)
	}
	return wrapped.Items, nil
}

// ============================================================================
// resume
// ============================================================================

func buildResumeCommand() *cobra.Command {
	var (
		dryRun      bool
		force       bool
		noDLQ       bool
		maxParallel int
	)

	cmd := &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Resume an interrupted job from its latest checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := controller.ResumeOptions{Force: force, MaxParallel: maxParallel}
			if noDLQ {
				include := false
				opts.IncludeDLQ = &include
			}
			return resumeJob(cmd, types.JobID(args[0]), opts, dryRun)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only show what would be resumed")
	cmd.Flags().BoolVar(&force, "force", false, "resume even if critical environment variables changed")
	cmd.Flags().BoolVar(&noDLQ, "no-dlq", false, "leave dead-lettered items out")
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "override the saved max_parallel")

	return cmd
}

func resumeJob(cmd *cobra.Command, jobID types.JobID, opts controller.ResumeOptions, dryRun bool) error {
	return withRuntime(func(rt *runtime) error {
		w := out(cmd)
		if dryRun {
			res, err := rt.engine.PreviewResume(commandContext(cmd), jobID, opts)
			if err != nil {
				return err
			}
			printResume(w, res)
			return nil
		}

		ctx, stop := signalContext(cmd)
		defer stop()
		rt.serveMetrics()

		res, err := rt.engine.ResumeJob(ctx, jobID, opts)
		if err != nil {
			return err
		}
		printResume(w, res)

		report, err := res.Handle.Wait(context.Background())
		if report != nil {
			printReport(w, report)
		}
		return err
	})
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show job status from saved checkpoints",
		Long:  "Without a job id, list every known job with its progress",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var jobID types.JobID
			if len(args) == 1 {
				jobID = types.JobID(args[0])
			}
			return showStatus(cmd, jobID)
		},
	}
	return cmd
}

func showStatus(cmd *cobra.Command, jobID types.JobID) error {
	return withRuntime(func(rt *runtime) error {
		ctx := commandContext(cmd)
		w := out(cmd)

		jobs := []types.JobID{jobID}
		if jobID == "" {
			fmt.Fprintln(w, "📋 Configuration:")
			fmt.Fprintf(w, "  ├─ Config File:  %s\n", configFile)
			fmt.Fprintf(w, "  ├─ Storage:      %s\n", describeStorage(rt.cfg))
			if rt.cfg.Metrics.Enabled {
				fmt.Fprintf(w, "  └─ Metrics:      http://localhost:%d/metrics\n", rt.cfg.Metrics.Port)
			} else {
				fmt.Fprintln(w, "  └─ Metrics:      disabled")
			}
			fmt.Fprintln(w)

			var err error
			if jobs, err = rt.engine.ListJobs(ctx); err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(w, "No jobs found")
				return nil
			}
		}

		fmt.Fprintln(w, "📊 Jobs:")
		for _, id := range jobs {
			cp, err := rt.engine.GetCheckpoint(ctx, id, "")
			if err != nil {
				fmt.Fprintf(w, "  ❌ %s: %v\n", id, err)
				continue
			}
			dead, err := rt.engine.QueryDLQ(ctx, id, dlq.Filter{})
			if err != nil {
				return err
			}
			if cp == nil {
				if jobID != "" {
					return fmt.Errorf("%w: job %s", controller.ErrNoCheckpoint, id)
				}
				fmt.Fprintf(w, "  ⚠️  %s: no checkpoint, %d in DLQ\n", id, len(dead))
				continue
			}
			icon := "⏳"
			if cp.Phase == types.PhaseReduce {
				icon = "✅"
			}
			fmt.Fprintf(w, "  %s %s  phase=%s  completed=%d/%d  failed=%d  dlq=%d  saved=%s\n",
				icon, id, cp.Phase, len(cp.CompletedItemIDs), cp.TotalItems,
				len(cp.FailedItemIDs), len(dead), cp.SavedAt.Format(time.RFC3339))
		}
		return nil
	})
}

func describeStorage(cfg *Config) string {
	switch cfg.Storage.Backend {
	case backendSQLite:
		if cfg.Storage.DSN != "" {
			return "sqlite " + cfg.Storage.DSN
		}
		return "sqlite in " + orDefault(cfg.Storage.Dir, defaultStorageDir)
	}
	return "files in " + orDefault(cfg.Storage.Dir, defaultStorageDir)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// ============================================================================
// checkpoint
// ============================================================================

func buildCheckpointCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect saved checkpoints",
	}

	var (
		phase  string
		asJSON bool
	)
	show := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a checkpoint and recompute its aggregates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showCheckpoint(cmd, types.JobID(args[0]), types.Phase(phase), asJSON)
		},
	}
	show.Flags().StringVar(&phase, "phase", "", "phase to show (latest when empty)")
	show.Flags().BoolVar(&asJSON, "json", false, "print the raw checkpoint as JSON")

	cmd.AddCommand(show)
	return cmd
}

func showCheckpoint(cmd *cobra.Command, jobID types.JobID, phase types.Phase, asJSON bool) error {
	return withRuntime(func(rt *runtime) error {
		w := out(cmd)
		cp, err := rt.engine.GetCheckpoint(commandContext(cmd), jobID, phase)
		if err != nil {
			return err
		}
		if cp == nil {
			return fmt.Errorf("%w: job %s", controller.ErrNoCheckpoint, jobID)
		}
		if asJSON {
			return writeJSON(w, cp)
		}

		fmt.Fprintf(w, "💾 Checkpoint %s (%s)\n", cp.JobID, cp.Phase)
		fmt.Fprintf(w, "  ├─ Saved:      %s\n", cp.SavedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "  ├─ Items:      %d\n", cp.TotalItems)
		fmt.Fprintf(w, "  ├─ Completed:  %d\n", len(cp.CompletedItemIDs))
		fmt.Fprintf(w, "  └─ Failed:     %d\n", len(cp.FailedItemIDs))

		aggregates, mismatches, err := controller.RecomputeAggregates(cp)
		if err != nil {
			return err
		}
		printAggregates(w, aggregates, mismatches)
		return nil
	})
}

// ============================================================================
// Output
// ============================================================================

func printReport(w io.Writer, r *controller.JobReport) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "📊 Job %s\n", r.JobID)
	fmt.Fprintf(w, "  ├─ Total:        %d\n", r.Total)
	fmt.Fprintf(w, "  ├─ ✅ Succeeded:  %d\n", r.Succeeded)
	fmt.Fprintf(w, "  ├─ ❌ Failed:     %d\n", r.Failed)
	fmt.Fprintf(w, "  ├─ ⏳ Pending:    %d\n", r.Pending)
	fmt.Fprintf(w, "  ├─ DLQ:          %d\n", r.DLQCount)
	fmt.Fprintf(w, "  └─ Duration:     %s\n", r.Duration.Round(time.Millisecond))

	if r.Summary.Total > 0 {
		fmt.Fprintf(w, "📈 Success Rate: %.1f%% of %d agents this run\n", r.Summary.SuccessRate, r.Summary.Total)
	}
	for _, g := range r.ErrorGroups {
		fmt.Fprintf(w, "  ⚠️  %s: %d %s\n", g.Kind, len(g.Items), idList(g.Items))
	}
	printAggregates(w, r.Aggregates, r.AggregationErrors)

	if r.Interrupted {
		fmt.Fprintf(w, "\n⏸  Job interrupted; resume with: beaver-mr resume %s\n", r.JobID)
	}
}

func printResume(w io.Writer, r *controller.ResumeResult) {
	verb := "Resuming"
	if r.Handle == nil {
		verb = "Would resume"
	}
	fmt.Fprintf(w, "🔄 %s job %s from %s checkpoint\n", verb, r.JobID, r.Phase)
	fmt.Fprintf(w, "  ├─ Completed:    %d\n", r.Completed)
	fmt.Fprintf(w, "  ├─ Outstanding:  %d %s\n", len(r.Outstanding), idList(r.Outstanding))
	fmt.Fprintf(w, "  ├─ From DLQ:     %d %s\n", len(r.FromDLQ), idList(r.FromDLQ))
	fmt.Fprintf(w, "  └─ Skipped:      %d %s\n", len(r.Skipped), idList(r.Skipped))
	for _, warning := range r.Warnings {
		fmt.Fprintf(w, "  ⚠️  %s\n", warning)
	}
}

func printAggregates(w io.Writer, values map[string]any, errs map[string][]*aggregate.TypeMismatch) {
	if len(values) == 0 && len(errs) == 0 {
		return
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(w, "🧮 Aggregates:")
	for _, name := range names {
		data, _ := json.Marshal(values[name])
		fmt.Fprintf(w, "  ├─ %s = %s\n", name, data)
	}
	for name, list := range errs {
		if len(list) > 0 {
			fmt.Fprintf(w, "  ⚠️  %s: %d values skipped (%v)\n", name, len(list), list[0])
		}
	}
}

func idList(ids []types.ItemID) string {
	if len(ids) == 0 {
		return ""
	}
	const max = 10
	parts := make([]string, 0, max)
	for i, id := range ids {
		if i == max {
			parts = append(parts, "…")
			break
		}
		parts = append(parts, string(id))
	}
	return "[" + strings.Join(parts, " ") + "]"
}
