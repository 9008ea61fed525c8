// Package reconcile settles operations whose outcome on a host is unknown.
//
// A failed stop, destroy or raw call that never reached a verdict leaves a GC
// record behind. The reconcile FSM loads the record, pings the host, asks the
// agent for the VM's actual state and marks the record reconciled. Transitions
// are durable, so an interrupted run resumes where it stopped.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fly-io/hostdriver/pkg/db"
	"github.com/fly-io/hostdriver/pkg/errors"
	"github.com/fly-io/hostdriver/pkg/host"
	"github.com/jpillora/backoff"
	"github.com/superfly/fsm"
)

// Store holds GC records. *db.Repository implements it.
type Store interface {
	GetGC(ctx context.Context, id string) (*db.GCRecord, error)
	ListGC(ctx context.Context, status string) ([]*db.GCRecord, error)
	UpdateGC(ctx context.Context, id, status string, attempts int, reason string) error
}

// Driver sends host messages. *host.Driver implements it.
type Driver interface {
	Handle(ctx context.Context, msg host.Message) (any, error)
}

// Machine holds dependencies for FSM transitions
type Machine struct {
	store      Store
	driver     Driver
	maxRetries int
	delay      *backoff.Backoff
}

// NewMachine creates a new FSM machine with dependencies
func NewMachine(store Store, driver Driver, maxRetries int) *Machine {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Machine{
		store:      store,
		driver:     driver,
		maxRetries: maxRetries,
		delay:      &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2},
	}
}

// Register registers the reconcile FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[Request, Response], fsm.Resume, error) {
	start, resume, err := fsm.Register[Request, Response](manager, "gc-reconcile").
		Start(StateLoad, m.handleLoad).
		To(StatePing, m.handlePing).
		To(StateCheckVMState, m.handleCheckVMState).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// handleLoad reads the record and skips records another run already settled
func (m *Machine) handleLoad(ctx context.Context, req *fsm.Request[Request, Response]) (*fsm.Response[Response], error) {
	slog.Info("fsm_state_load", "record", req.Msg.RecordID)

	rec, err := m.store.GetGC(ctx, req.Msg.RecordID)
	if err != nil {
		slog.Error("gc_record_load_failed", "record", req.Msg.RecordID, "error", err)
		return nil, errors.Wrap(err, "failed to load gc record")
	}
	if rec == nil {
		return nil, fsm.Abort(fmt.Errorf("gc record %s not found", req.Msg.RecordID))
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &Response{}
	}
	resp.HostID = rec.HostID
	resp.VMID = rec.VMID
	resp.Path = rec.Path
	resp.Attempts = rec.Attempts
	resp.Status = rec.Status
	resp.Settled = rec.Status != db.GCPending

	if resp.Settled {
		slog.Info("gc_record_already_settled", "record", rec.ID, "status", rec.Status)
	}
	return fsm.NewResponse(resp), nil
}

// handlePing makes sure the host agent answers before trusting what it reports
func (m *Machine) handlePing(ctx context.Context, req *fsm.Request[Request, Response]) (*fsm.Response[Response], error) {
	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if resp.Settled {
		return fsm.NewResponse(resp), nil
	}
	slog.Info("fsm_state_ping", "record", req.Msg.RecordID, "host", resp.HostID)

	if _, err := m.driver.Handle(ctx, &host.Ping{On: host.On{HostID: resp.HostID}}); err != nil {
		return nil, m.attemptFailed(ctx, req.Msg.RecordID, resp, err)
	}
	resp.HostAlive = true
	return fsm.NewResponse(resp), nil
}

// handleCheckVMState asks the agent for the actual state of the VM
func (m *Machine) handleCheckVMState(ctx context.Context, req *fsm.Request[Request, Response]) (*fsm.Response[Response], error) {
	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if resp.Settled || resp.VMID == "" {
		return fsm.NewResponse(resp), nil
	}
	slog.Info("fsm_state_check_vm_state", "record", req.Msg.RecordID, "host", resp.HostID, "vm", resp.VMID)

	res, err := m.driver.Handle(ctx, &host.CheckVMState{On: host.On{HostID: resp.HostID}, VMIDs: []string{resp.VMID}})
	if err != nil {
		return nil, m.attemptFailed(ctx, req.Msg.RecordID, resp, err)
	}
	resp.VMState = VMState(res, resp.VMID)
	return fsm.NewResponse(resp), nil
}

// handleComplete marks the record reconciled
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[Request, Response]) (*fsm.Response[Response], error) {
	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}
	if resp.Settled {
		return fsm.NewResponse(resp), nil
	}

	reason := Verdict(resp)
	if err := m.store.UpdateGC(ctx, req.Msg.RecordID, db.GCReconciled, resp.Attempts, reason); err != nil {
		slog.Error("gc_record_update_failed", "record", req.Msg.RecordID, "error", err)
		return nil, errors.Wrap(err, "failed to update gc record")
	}
	resp.Status = db.GCReconciled

	slog.Info("fsm_complete", "record", req.Msg.RecordID, "host", resp.HostID, "vm", resp.VMID, "verdict", reason)
	return fsm.NewResponse(resp), nil
}

// attemptFailed records a failed attempt. It returns an abort once the retry
// budget is spent, and otherwise a plain error after a backoff delay so the
// FSM retries the transition.
func (m *Machine) attemptFailed(ctx context.Context, id string, resp *Response, cause error) error {
	resp.Attempts++
	status, abort := NextStatus(resp.Attempts, m.maxRetries)

	if err := m.store.UpdateGC(ctx, id, status, resp.Attempts, cause.Error()); err != nil {
		slog.Error("gc_record_update_failed", "record", id, "error", err)
	}
	if abort {
		resp.Status = status
		slog.Error("max_retries_exceeded", "record", id, "host", resp.HostID, "max_retries", m.maxRetries, "error", cause)
		return fsm.Abort(errors.Wrap(cause, fmt.Sprintf("gc record %s given up after %d attempts", id, resp.Attempts)))
	}

	wait := m.delay.ForAttempt(float64(resp.Attempts - 1))
	slog.Warn("gc_attempt_failed", "record", id, "host", resp.HostID, "attempt", resp.Attempts, "retry_in", wait, "error", cause)

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	return errors.Wrap(cause, "reconcile attempt failed")
}

// NextStatus returns the record status after attempts failed attempts and
// whether the budget is spent.
func NextStatus(attempts, maxRetries int) (string, bool) {
	if attempts >= maxRetries {
		return db.GCFailed, true
	}
	return db.GCPending, false
}

// VMState extracts vmID's state from a CheckVMState reply.
func VMState(reply any, vmID string) string {
	states, ok := reply.(map[string]string)
	if !ok {
		return VMStateUnknown
	}
	if s, ok := states[vmID]; ok && s != "" {
		return s
	}
	return VMStateUnknown
}

// Verdict summarizes what reconciliation found.
func Verdict(resp *Response) string {
	if resp.VMID == "" {
		return fmt.Sprintf("host %s is alive, %s needs no further action", resp.HostID, resp.Path)
	}
	return fmt.Sprintf("vm %s is %s on host %s", resp.VMID, resp.VMState, resp.HostID)
}
