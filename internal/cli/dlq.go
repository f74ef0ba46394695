package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-mr/internal/dlq"
	"github.com/ChuLiYu/beaver-mr/pkg/types"
)

// dlqFlags are the filter flags shared by list and reprocess
type dlqFlags struct {
	kind        string
	signature   string
	expression  string
	since       time.Duration
	minFailures int
	eligible    bool
	items       []string
}

func (f *dlqFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.kind, "kind", "", "only items with a failure of this kind (timeout, cancelled, transient, permanent...)")
	cmd.Flags().StringVar(&f.signature, "signature", "", "substring of the error signature")
	cmd.Flags().StringVar(&f.expression, "filter", "", "filter expression on the item data, e.g. 'priority >= 2'")
	cmd.Flags().DurationVar(&f.since, "since", 0, "only items that last failed within this duration")
	cmd.Flags().IntVar(&f.minFailures, "min-failures", 0, "only items with at least this many failures")
	cmd.Flags().BoolVar(&f.eligible, "eligible", false, "only items still eligible for reprocessing")
	cmd.Flags().StringSliceVar(&f.items, "item", nil, "only these item ids")
}

func (f *dlqFlags) filter() dlq.Filter {
	flt := dlq.Filter{
		ErrorKind:   types.ErrorKind(f.kind),
		Signature:   f.signature,
		Expression:  f.expression,
		MinFailures: f.minFailures,
	}
	if f.since > 0 {
		flt.After = time.Now().Add(-f.since)
	}
	if f.eligible {
		yes := true
		flt.Eligible = &yes
	}
	for _, id := range f.items {
		flt.ItemIDs = append(flt.ItemIDs, types.ItemID(id))
	}
	return flt
}

func buildDLQCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and reprocess dead-lettered items",
	}
	cmd.AddCommand(buildDLQListCommand())
	cmd.AddCommand(buildDLQAnalyzeCommand())
	cmd.AddCommand(buildDLQReprocessCommand())
	cmd.AddCommand(buildDLQPurgeCommand())
	return cmd
}

func buildDLQListCommand() *cobra.Command {
	var (
		flags  dlqFlags
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list <job-id>",
		Short: "List dead-lettered items, most recent failure first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *runtime) error {
				items, err := rt.engine.QueryDLQ(commandContext(cmd), types.JobID(args[0]), flags.filter())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(out(cmd), items)
				}
				printDLQItems(out(cmd), items)
				return nil
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print items as JSON")
	return cmd
}

func buildDLQAnalyzeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <job-id>",
		Short: "Group dead-lettered items by failure pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *runtime) error {
				a, err := rt.engine.DLQ(types.JobID(args[0]), rt.cfg.Job.MaxRetries).Analyze(commandContext(cmd))
				if err != nil {
					return err
				}
				printAnalysis(out(cmd), a)
				return nil
			})
		},
	}
}

func buildDLQReprocessCommand() *cobra.Command {
	var (
		flags       dlqFlags
		maxParallel int
		maxRetries  int
		strategy    string
		delay       time.Duration
		force       bool
	)
	cmd := &cobra.Command{
		Use:   "reprocess <job-id>",
		Short: "Run matching dead-lettered items again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *runtime) error {
				policy := rt.cfg.DLQ.Policy
				if strategy != "" {
					s, err := dlq.ParseStrategy(strategy)
					if err != nil {
						return err
					}
					policy.Strategy = s
				}
				if delay > 0 {
					policy.InitialDelay = delay
				}
				if maxParallel == 0 {
					maxParallel = rt.cfg.DLQ.MaxParallel
				}

				ctx, stop := signalContext(cmd)
				defer stop()
				rt.serveMetrics()

				res, err := rt.engine.ReprocessDLQ(ctx, types.JobID(args[0]), dlq.ReprocessOptions{
					Filter:      flags.filter(),
					MaxParallel: maxParallel,
					MaxRetries:  maxRetries,
					Policy:      policy,
					Force:       force,
				})
				if res != nil {
					printReprocess(out(cmd), res)
				}
				return err
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "parallel agents (job setting when 0)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retry limit deciding eligibility (job setting when 0)")
	cmd.Flags().StringVar(&strategy, "strategy", "", "retry delay strategy: immediate, fixed, linear, exponential")
	cmd.Flags().DurationVar(&delay, "delay", 0, "initial retry delay")
	cmd.Flags().BoolVar(&force, "force", false, "include items that are no longer eligible")
	return cmd
}

func buildDLQPurgeCommand() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge <job-id>",
		Short: "Drop dead-lettered items whose last failure is older than --older-than",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(rt *runtime) error {
				n, err := rt.engine.DLQ(types.JobID(args[0]), 0).Purge(commandContext(cmd), time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Fprintf(out(cmd), "🗑  Purged %d items\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "minimum age of the last failure")
	return cmd
}

// ============================================================================
// Output
// ============================================================================

func printDLQItems(w io.Writer, items []types.DLQItem) {
	if len(items) == 0 {
		fmt.Fprintln(w, "DLQ is empty")
		return
	}
	fmt.Fprintf(w, "☠️  %d dead-lettered items:\n", len(items))
	for _, item := range items {
		eligible := "eligible"
		if !item.ReprocessEligible {
			eligible = "exhausted"
		}
		fmt.Fprintf(w, "  ├─ %s  retries=%d  %s  last=%s\n",
			item.ItemID, item.RetryCount, eligible, item.LastFailure.Format(time.RFC3339))
		fmt.Fprintf(w, "  │  └─ %s\n", item.ErrorSignature)
	}
}

func printAnalysis(w io.Writer, a dlq.Analysis) {
	fmt.Fprintf(w, "🔍 DLQ analysis: %d items, %d eligible, %.1f retries on average\n",
		a.TotalItems, a.Eligible, a.AverageRetryCount)
	for kind, n := range a.ErrorDistribution {
		fmt.Fprintf(w, "  ├─ %s: %d\n", kind, n)
	}
	for _, g := range a.PatternGroups {
		fmt.Fprintf(w, "  ⚠️  %d× %s %s\n", g.Count, g.Signature, idList(g.SampleItems))
	}
}

func printReprocess(w io.Writer, r *dlq.ReprocessResult) {
	fmt.Fprintf(w, "🔁 Reprocessed %d of %d matching items (%d skipped)\n", r.Total, r.Matched, r.Skipped)
	fmt.Fprintf(w, "  ├─ ✅ Successful: %d\n", r.Successful)
	fmt.Fprintf(w, "  ├─ ❌ Failed:     %d %s\n", r.Failed, idList(r.FailedItems))
	fmt.Fprintf(w, "  └─ Duration:     %s\n", r.Duration.Round(time.Millisecond))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
