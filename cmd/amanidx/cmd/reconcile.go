package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanidx/internal/output"
	"github.com/Aman-CERP/amanidx/internal/reconcile"
	"github.com/Aman-CERP/amanidx/internal/telemetry"
)

type reconcileOptions struct {
	untilConverged bool
	maxPasses      int
	timeout        time.Duration
}

func newReconcileCmd() *cobra.Command {
	var opts reconcileOptions

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconcile pass and wait for its workflows",
		Long: `Claim every drifted index row, run the resulting workflows and wait for
them to finish. With --until-converged, passes repeat until no drift is
left or --max-passes is reached.

reconcile opens the index backends and takes the data dir lock, so it
cannot run next to 'amanidx serve' on the same data dir.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReconcile(cmd.Context(), cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.untilConverged, "until-converged", false, "Repeat passes until no drift is left")
	cmd.Flags().IntVar(&opts.maxPasses, "max-passes", 10, "Upper bound on passes with --until-converged")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Minute, "Give up waiting for workflows after this long")

	return cmd
}

func runReconcile(ctx context.Context, cmd *cobra.Command, opts reconcileOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	eng, err := openEngine(cfg, s, telemetry.NewMetrics())
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close(context.Background()) }()

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	out := output.New(cmd.OutOrStdout())
	passes := 1
	if opts.untilConverged {
		passes = max(opts.maxPasses, 1)
	}

	var failed int
	for i := 1; i <= passes; i++ {
		result, err := eng.reconcile.ReconcileAll(ctx)
		if err != nil {
			return err
		}
		if err := eng.scheduler.Wait(ctx); err != nil {
			return fmt.Errorf("wait for workflows: %w", err)
		}
		failed += reportPass(out, eng, i, result)
		if result.Drifted == 0 {
			break
		}
	}

	eng.refreshGauges(ctx)
	counts, err := s.Stats(ctx)
	if err != nil {
		return err
	}
	out.Newline()
	out.StatusCounts(counts)
	if failed > 0 {
		return fmt.Errorf("%d workflow(s) did not fully succeed", failed)
	}
	return nil
}

// reportPass prints one pass and its finished workflows, returning how many
// of them did not succeed.
func reportPass(out *output.Writer, eng *engine, n int, result *reconcile.PassResult) int {
	out.Header(fmt.Sprintf("Pass %d", n))
	out.Statusf("🔎", "%d drifted row(s) across %d document(s), %d claimed",
		result.Drifted, result.Documents, result.Claimed)
	if result.Released > 0 {
		out.Warningf("Released %d expired claim(s)", result.Released)
	}
	for _, err := range result.Errors {
		out.Error(err.Error())
	}

	failed := 0
	for _, id := range result.Workflows {
		status := eng.scheduler.GetTaskStatus(id)
		switch {
		case status == nil:
			out.Warningf("%s: status no longer retained", id)
		case status.Success:
			out.Successf("%s %s %s", status.Data.DocumentID, status.Data.Operation, status.Data.Status)
		default:
			failed++
			doc := ""
			if status.Data != nil {
				doc = status.Data.DocumentID + " "
			}
			out.Errorf("%s%s", doc, status.Error)
		}
	}
	return failed
}
