package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/adharvest/internal/harvest"
	"github.com/JakeFAU/adharvest/internal/pool"
	"github.com/JakeFAU/adharvest/internal/worker"
)

type poolOptions struct {
	specFlags
	size        int
	policy      string
	baseTarget  string
	statusEvery time.Duration
}

func newPoolCmd() *cobra.Command {
	opts := &poolOptions{}
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Runs a supervised pool of extraction workers in the foreground",
		Long: `Starts a pool of extraction workers, logs aggregate status periodically
and stops the pool on interrupt or, for bounded runs, once every worker has
completed. The final report is printed as JSON.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPool(cmd, opts)
		},
	}
	opts.bind(cmd.Flags())
	cmd.Flags().IntVar(&opts.size, "size", 0, "number of workers (defaults to pool.default_size)")
	cmd.Flags().StringVar(&opts.policy, "policy", string(pool.PolicyDistinctTargets), "target policy: same_target or distinct_targets")
	cmd.Flags().StringVar(&opts.baseTarget, "base-target", "", "target shared by every worker under same_target")
	cmd.Flags().DurationVar(&opts.statusEvery, "status-every", 30*time.Second, "interval between status log lines")
	return cmd
}

func runPool(cmd *cobra.Command, opts *poolOptions) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	spec, err := opts.spec()
	if err != nil {
		return err
	}
	policy, err := pool.ParsePolicy(opts.policy)
	if err != nil {
		return err
	}
	size := opts.size
	if size == 0 {
		size = a.Config().Pool.DefaultSize
	}
	if opts.statusEvery <= 0 {
		opts.statusEvery = 30 * time.Second
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pools := a.Pools()
	id, err := pools.Start(ctx, pool.Request{
		Size:       size,
		Policy:     policy,
		BaseTarget: harvest.Target{URL: opts.baseTarget},
		Spec:       spec,
	})
	if err != nil {
		return err
	}
	logger := a.Logger().With(zap.String("pool_id", id))
	logger.Info("pool running", zap.Int("size", size), zap.String("policy", string(policy)))

	watchPool(ctx, pools, id, opts.statusEvery, logger)

	report, err := pools.Stop(id)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), report)
}

// watchPool blocks until ctx ends or every worker has completed.
func watchPool(ctx context.Context, pools *pool.Coordinator, id string, every time.Duration, logger *zap.Logger) {
	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()
	lastLog := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
		}
		st, err := pools.Status(id)
		if err != nil {
			return
		}
		if allCompleted(st) {
			logger.Info("all workers completed")
			return
		}
		if time.Since(lastLog) >= every {
			lastLog = time.Now()
			logger.Info("pool status",
				zap.Int("active_workers", st.ActiveWorkers),
				zap.Int64("extracted", st.TotalExtracted),
				zap.Int64("persisted", st.TotalPersisted),
				zap.Int("errors", st.TotalErrors),
				zap.Float64("records_per_minute", st.RecordsPerMinute))
		}
	}
}

func allCompleted(st pool.Status) bool {
	if len(st.Workers) == 0 {
		return false
	}
	for _, w := range st.Workers {
		if w.State != worker.StateCompleted {
			return false
		}
	}
	return true
}
