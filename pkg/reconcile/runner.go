package reconcile

import (
	"context"
	"log/slog"

	"github.com/fly-io/hostdriver/pkg/db"
	"github.com/fly-io/hostdriver/pkg/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/superfly/fsm"
)

// Summary counts the outcome of one reconcile pass.
type Summary struct {
	Reconciled int
	Failed     int
	Pending    int
}

// Runner drives pending GC records through the reconcile FSM, one at a time.
type Runner struct {
	store   Store
	manager *fsm.Manager
	start   fsm.Start[Request, Response]
}

// NewRunner registers m on manager and returns a runner using it.
func NewRunner(ctx context.Context, manager *fsm.Manager, m *Machine) (*Runner, error) {
	start, _, err := m.Register(ctx, manager)
	if err != nil {
		return nil, err
	}
	return &Runner{store: m.store, manager: manager, start: start}, nil
}

// RunPending reconciles every pending record. Failures of individual records
// are collected; the pass always visits every record.
func (r *Runner) RunPending(ctx context.Context) (Summary, error) {
	recs, err := r.store.ListGC(ctx, db.GCPending)
	if err != nil {
		return Summary{}, errors.Wrap(err, "list pending gc records")
	}
	slog.Info("reconcile_pass_started", "pending", len(recs))

	var sum Summary
	var errs *multierror.Error
	for _, rec := range recs {
		if err := r.runOne(ctx, rec.ID); err != nil {
			errs = multierror.Append(errs, errors.Wrap(err, "gc record "+rec.ID))
		}

		after, err := r.store.GetGC(ctx, rec.ID)
		switch {
		case err != nil || after == nil:
			sum.Pending++
		case after.Status == db.GCReconciled:
			sum.Reconciled++
		case after.Status == db.GCFailed:
			sum.Failed++
		default:
			sum.Pending++
		}
	}

	slog.Info("reconcile_pass_complete", "reconciled", sum.Reconciled, "failed", sum.Failed, "pending", sum.Pending)
	return sum, errs.ErrorOrNil()
}

func (r *Runner) runOne(ctx context.Context, id string) error {
	version, err := r.start(ctx, "gc-"+id, fsm.NewRequest(&Request{RecordID: id}, &Response{}))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}
	slog.Info("fsm started", "record", id, "version", version)

	if err := r.manager.Wait(ctx, version); err != nil {
		return errors.Wrap(err, "FSM execution failed")
	}
	return nil
}
