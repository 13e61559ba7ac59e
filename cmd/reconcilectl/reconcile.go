package main

import (
	"fmt"
	"time"

	"gateway-reconciler/internal/redisclient"
	"gateway-reconciler/internal/worker"

	"github.com/spf13/cobra"
)

var queryCmd = &cobra.Command{
	Use:   "query <order-id>",
	Short: "Ask the order's gateway for its status and apply a final answer",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuery,
}

var (
	sweepOlderThan time.Duration
	sweepLimit     int
	sweepNoLock    bool
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Query every stale pending order once",
	Long: `Run one reconciliation sweep: list pending orders older than --older-than
and query each one's gateway. Orders locked by a running server are skipped.`,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepOlderThan, "older-than", 10*time.Minute, "only query orders pending longer than this")
	sweepCmd.Flags().IntVarP(&sweepLimit, "limit", "n", 100, "maximum orders to query")
	sweepCmd.Flags().BoolVar(&sweepNoLock, "no-lock", false, "do not take redis locks")
}

func runQuery(cmd *cobra.Command, args []string) error {
	cfg, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	deps, err := newEngine(cfg, db)
	if err != nil {
		return err
	}
	defer deps.Close()

	res, err := deps.engine.ReconcileByQuery(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("query %s: %w", args[0], err)
	}
	fmt.Printf("%s: %s (status %s)\n", res.OrderID, res.Outcome, res.Status)
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	deps, err := newEngine(cfg, db)
	if err != nil {
		return err
	}
	defer deps.Close()

	var locker worker.Locker
	if !sweepNoLock {
		rc, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis (use --no-lock to skip locking): %w", err)
		}
		defer rc.Close()
		locker = rc
	}

	w := worker.NewReconcileWorker(db, deps.engine, locker, cfg.Reconcile.Interval, sweepOlderThan, sweepLimit, cfg.Reconcile.LockTTL)
	stats, err := w.SweepOnce(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("scanned=%d applied=%d pending=%d skipped=%d failed=%d\n",
		stats.Scanned, stats.Applied, stats.Pending, stats.Skipped, stats.Failed)
	return nil
}
