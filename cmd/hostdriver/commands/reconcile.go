package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/fly-io/hostdriver/pkg/errors"
	"github.com/fly-io/hostdriver/pkg/reconcile"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile pending GC records against their hosts",
	Long: `Walks every pending GC record through the reconcile state machine: ping the
host, check the VM state, then mark the record reconciled. Records whose host
stays unreachable are given up after gc-max-retries attempts.`,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	return withDriver(false, func(ctx context.Context, rt *runtime) error {
		cfg := rt.cfg
		if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath, ""); err != nil {
			return err
		}

		manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
		if err != nil {
			return errors.Wrap(err, "FSM manager failed")
		}
		defer manager.Shutdown(10 * time.Second)

		machine := reconcile.NewMachine(rt.repo, rt.driver, cfg.GCMaxRetries)
		runner, err := reconcile.NewRunner(ctx, manager, machine)
		if err != nil {
			return errors.Wrap(err, "FSM register failed")
		}

		sum, err := runner.RunPending(ctx)
		fmt.Printf("✅ Reconciled: %d  ❌ Failed: %d  ⏳ Pending: %d\n", sum.Reconciled, sum.Failed, sum.Pending)
		return err
	})
}
