// Package migrate moves VMs between hosts.
//
// Each job runs as its own flow chain made of one mandatory step (the hypervisor
// level migrate call) and two best-effort steps (console hardening on the
// destination, console firewall cleanup on the source). Jobs run one at a time;
// the next job starts only after the previous chain finished. A failed migrate
// call stops the saga; jobs already processed are not compensated.
package migrate

import (
	"context"
	"log/slog"

	"github.com/fly-io/hostdriver/pkg/agent"
	"github.com/fly-io/hostdriver/pkg/errors"
	"github.com/fly-io/hostdriver/pkg/extension"
	"github.com/fly-io/hostdriver/pkg/flow"
)

// Request asks to move one VM.
type Request struct {
	VMID         string
	VMInternalID int64
	SrcHostID    string
	DstHostID    string
	// FromDestination makes the destination host drive the migration.
	FromDestination bool
	StoragePolicy   string
}

// Job is a resolved Request.
type Job struct {
	Request
	SrcManagementIP string
	DstManagementIP string
	// SrcMigrationIP and DstMigrationIP carry the migration data path. They equal
	// the management addresses unless a network resolver supplied others.
	SrcMigrationIP string
	DstMigrationIP string
}

// Mover returns the id and management address of the host that drives the migration.
func (j Job) Mover() (hostID, ip string) {
	if j.FromDestination {
		return j.DstHostID, j.DstManagementIP
	}
	return j.SrcHostID, j.SrcManagementIP
}

// Addresses is a migration network path between two hosts.
type Addresses struct {
	SrcIP string
	DstIP string
}

// NetworkResolver supplies a dedicated migration network path for a host pair.
// Returning nil means no opinion.
type NetworkResolver interface {
	MigrationAddresses(srcHostID, dstHostID string) *Addresses
}

// NetworkResolverFunc adapts a function to NetworkResolver.
type NetworkResolverFunc func(srcHostID, dstHostID string) *Addresses

func (f NetworkResolverFunc) MigrationAddresses(srcHostID, dstHostID string) *Addresses {
	return f(srcHostID, dstHostID)
}

// Dispatcher is the subset of *agent.Dispatcher the saga needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, req agent.Request, out agent.Enveloped, done agent.Completion)
}

// Hosts resolves host ids to management addresses.
type Hosts interface {
	ManagementIP(ctx context.Context, hostID string) (string, error)
}

// Saga runs migration jobs.
type Saga struct {
	dispatcher Dispatcher
	hosts      Hosts
	exts       *extension.Registry
	logger     *slog.Logger
}

// New creates a saga runner. exts may be nil.
func New(dispatcher Dispatcher, hosts Hosts, exts *extension.Registry) *Saga {
	return &Saga{
		dispatcher: dispatcher,
		hosts:      hosts,
		exts:       exts,
		logger:     slog.Default(),
	}
}

// Resolve looks up the addresses of req's hosts and asks every registered network
// resolver for a migration path. The last non-nil answer wins.
func (s *Saga) Resolve(ctx context.Context, req Request) (Job, error) {
	if req.VMID == "" || req.SrcHostID == "" || req.DstHostID == "" {
		return Job{}, errors.New(errors.KindInternal, "incomplete migration request %+v", req)
	}
	if req.SrcHostID == req.DstHostID {
		return Job{}, errors.New(errors.KindApplication, "vm %s is already on host %s", req.VMID, req.SrcHostID)
	}

	srcIP, err := s.hosts.ManagementIP(ctx, req.SrcHostID)
	if err != nil {
		return Job{}, errors.Wrap(err, "resolve source host "+req.SrcHostID)
	}
	dstIP, err := s.hosts.ManagementIP(ctx, req.DstHostID)
	if err != nil {
		return Job{}, errors.Wrap(err, "resolve destination host "+req.DstHostID)
	}

	job := Job{
		Request:         req,
		SrcManagementIP: srcIP,
		DstManagementIP: dstIP,
		SrcMigrationIP:  srcIP,
		DstMigrationIP:  dstIP,
	}
	for _, r := range extension.List[NetworkResolver](s.exts, extension.PointMigrateNetwork) {
		if a := r.MigrationAddresses(req.SrcHostID, req.DstHostID); a != nil {
			job.SrcMigrationIP, job.DstMigrationIP = a.SrcIP, a.DstIP
		}
	}
	return job, nil
}

// Chain builds the flow chain of one job.
func (s *Saga) Chain(ctx context.Context, job Job) *flow.Chain {
	c := flow.New("migrate-vm-" + job.VMID)
	c.Data()["job"] = job
	return c.
		Then(flow.NoRollback("migrate-vm", s.migrateStep(ctx, job))).
		Then(flow.NoRollback("harden-console-on-destination", s.hardenConsoleStep(ctx, job))).
		Then(flow.NoRollback("delete-console-firewall-on-source", s.deleteFirewallStep(ctx, job)))
}

func (s *Saga) migrateStep(ctx context.Context, job Job) func(*flow.Trigger, flow.Data) {
	return func(t *flow.Trigger, _ flow.Data) {
		moverID, moverIP := job.Mover()
		cmd := &agent.MigrateVMCmd{
			VMUUID:                 job.VMID,
			DestHostIP:             job.DstMigrationIP,
			SrcHostIP:              job.SrcMigrationIP,
			StorageMigrationPolicy: job.StoragePolicy,
			MigrateFromDestination: job.FromDestination,
		}
		req := agent.Request{HostIP: moverIP, Path: agent.PathMigrateVM, Command: cmd, ResourceID: moverID}
		s.dispatcher.Dispatch(ctx, req, nil, func(err error) {
			if err != nil {
				t.Fail(errors.Operation(errors.CodeMigrateFailed, err,
					"failed to migrate vm %s from host %s[%s] to host %s[%s]",
					job.VMID, job.SrcHostID, job.SrcMigrationIP, job.DstHostID, job.DstMigrationIP))
				return
			}
			s.logger.Info("vm_migrated",
				"vm", job.VMID,
				"src_host", job.SrcHostID,
				"dst_host", job.DstHostID,
				"from_destination", job.FromDestination)
			t.Next()
		})
	}
}

func (s *Saga) hardenConsoleStep(ctx context.Context, job Job) func(*flow.Trigger, flow.Data) {
	return func(t *flow.Trigger, _ flow.Data) {
		cmd := &agent.HardenConsoleCmd{
			VMInternalID:     job.VMInternalID,
			VMUUID:           job.VMID,
			HostManagementIP: job.DstManagementIP,
		}
		req := agent.Request{HostIP: job.DstManagementIP, Path: agent.PathHardenConsole, Command: cmd, ResourceID: job.DstHostID}
		s.dispatcher.Dispatch(ctx, req, nil, func(err error) {
			if err != nil {
				s.logger.Warn("harden_console_failed", "vm", job.VMID, "host", job.DstHostID, "error", err)
			}
			t.Next()
		})
	}
}

func (s *Saga) deleteFirewallStep(ctx context.Context, job Job) func(*flow.Trigger, flow.Data) {
	return func(t *flow.Trigger, _ flow.Data) {
		cmd := &agent.DeleteConsoleFirewallCmd{
			VMInternalID:     job.VMInternalID,
			VMUUID:           job.VMID,
			HostManagementIP: job.SrcManagementIP,
		}
		req := agent.Request{HostIP: job.SrcManagementIP, Path: agent.PathDeleteConsoleFirewall, Command: cmd, ResourceID: job.SrcHostID}
		s.dispatcher.Dispatch(ctx, req, nil, func(err error) {
			if err != nil {
				s.logger.Warn("delete_console_firewall_failed", "vm", job.VMID, "host", job.SrcHostID, "error", err)
			}
			t.Next()
		})
	}
}

// Run processes reqs strictly one at a time and returns the first mandatory
// failure. Jobs after a failed one are never attempted.
func (s *Saga) Run(ctx context.Context, reqs []Request) error {
	for i, req := range reqs {
		job, err := s.Resolve(ctx, req)
		if err != nil {
			return err
		}

		s.logger.Info("migration_job_started", "vm", job.VMID, "index", i, "total", len(reqs))
		if err := s.Chain(ctx, job).Await(); err != nil {
			s.logger.Error("migration_saga_aborted", "vm", job.VMID, "remaining", len(reqs)-i-1, "error", err)
			return err
		}
	}
	s.logger.Info("migration_saga_completed", "jobs", len(reqs))
	return nil
}

// Start runs the saga in the background and reports its outcome to done exactly once.
func (s *Saga) Start(ctx context.Context, reqs []Request, done func(error)) {
	go func() {
		done(s.Run(ctx, reqs))
	}()
}
