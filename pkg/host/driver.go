// Package host drives hypervisor hosts through their agents.
//
// Every message addressed to a host becomes a task serialized on the host id,
// so at most one operation touches a host at a time. Simple operations are a
// single agent call; migration and connection run flow chains inside the task.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fly-io/hostdriver/pkg/agent"
	"github.com/fly-io/hostdriver/pkg/db"
	"github.com/fly-io/hostdriver/pkg/errors"
	"github.com/fly-io/hostdriver/pkg/extension"
	"github.com/fly-io/hostdriver/pkg/migrate"
	"github.com/fly-io/hostdriver/pkg/sched"
)

// Inventory is the persisted host state the driver reads and mutates.
// *db.Repository implements it.
type Inventory interface {
	GetHost(ctx context.Context, id string) (*db.Host, error)
	ManagementIP(ctx context.Context, id string) (string, error)
	UpdateHostStatus(ctx context.Context, id, status string) error
	Tags(ctx context.Context, hostID string) (map[string]string, error)
	ReplaceTags(ctx context.Context, hostID string, tags map[string]string) error
	ListClusterPeers(ctx context.Context, clusterID, excludeID string) ([]*db.Host, error)
	RecordGC(ctx context.Context, rec *db.GCRecord) error
}

// Scheduler is the subset of *sched.Scheduler the driver needs.
type Scheduler interface {
	Submit(t sched.Task) error
}

// Dispatcher is the subset of *agent.Dispatcher the driver needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, req agent.Request, out agent.Enveloped, done agent.Completion)
	Call(ctx context.Context, req agent.Request, out agent.Enveloped) error
}

// PingExtension runs after a host answered a ping, while the ping still holds
// the host. Register it on extension.PointHostPing to fail the ping on error,
// or on extension.PointHostPingNoFailure to only log errors.
type PingExtension interface {
	AfterPing(ctx context.Context, hc *HostContext) error
}

// Reply receives the outcome of a message exactly once.
type Reply func(result any, err error)

// Config tunes the driver.
type Config struct {
	// SyncLevel is the scheduler level of every host task.
	SyncLevel int
}

// HostContext is the snapshot of a host an operation works with. It is read
// from the inventory when the operation's task starts.
type HostContext struct {
	ID           string
	Name         string
	ManagementIP string
	ClusterID    string
	Status       string
	SSHUser      string
	SSHPassword  string
	SSHPort      int
}

func (hc *HostContext) request(path string, cmd any, resourceID string) agent.Request {
	if resourceID == "" {
		resourceID = hc.ID
	}
	return agent.Request{HostIP: hc.ManagementIP, Path: path, Command: cmd, ResourceID: resourceID}
}

type handler func(ctx context.Context, msg Message, reply Reply)

// typed adapts a handler of one concrete message type.
func typed[M Message](h func(ctx context.Context, m M, reply Reply)) handler {
	return func(ctx context.Context, msg Message, reply Reply) {
		m, ok := msg.(M)
		if !ok {
			reply(nil, errors.New(errors.KindInternal, "message %T cannot be handled as %s", msg, msg.Kind()))
			return
		}
		h(ctx, m, reply)
	}
}

// Driver handles host messages.
type Driver struct {
	cfg        Config
	inventory  Inventory
	scheduler  Scheduler
	dispatcher Dispatcher
	connector  *Connector
	saga       *migrate.Saga
	exts       *extension.Registry
	routes     map[Kind]handler
	logger     *slog.Logger
}

// NewDriver creates a driver. connector may be nil, in which case Connect
// messages are rejected.
func NewDriver(cfg Config, inventory Inventory, scheduler Scheduler, dispatcher Dispatcher, connector *Connector, exts *extension.Registry) *Driver {
	d := &Driver{
		cfg:        cfg,
		inventory:  inventory,
		scheduler:  scheduler,
		dispatcher: dispatcher,
		connector:  connector,
		saga:       migrate.New(dispatcher, inventory, exts),
		exts:       exts,
		logger:     slog.Default(),
	}
	d.routes = map[Kind]handler{
		KindStartVM:      typed(d.startVM),
		KindStopVM:       typed(d.stopVM),
		KindRebootVM:     typed(d.rebootVM),
		KindDestroyVM:    typed(d.destroyVM),
		KindPauseVM:      typed(d.pauseVM),
		KindResumeVM:     typed(d.resumeVM),
		KindAttachVolume: typed(d.attachVolume),
		KindDetachVolume: typed(d.detachVolume),
		KindTakeSnapshot: typed(d.takeSnapshot),
		KindPing:         typed(d.ping),
		KindCheckVMState: typed(d.checkVMState),
		KindMigrateVM:    typed(d.migrateVM),
		KindConnect:      typed(d.connect),
		KindRawCall:      typed(d.rawCall),
	}
	return d
}

// Send routes msg and returns immediately. reply is invoked exactly once.
func (d *Driver) Send(ctx context.Context, msg Message, reply Reply) {
	h, ok := d.routes[msg.Kind()]
	if !ok {
		reply(nil, errors.New(errors.KindNoCapability, "no handler for message %s", msg.Kind()))
		return
	}
	if msg.Host() == "" {
		reply(nil, errors.New(errors.KindInternal, "message %s has no host", msg.Kind()))
		return
	}
	h(ctx, msg, reply)
}

// Handle routes msg and waits for its outcome.
func (d *Driver) Handle(ctx context.Context, msg Message) (any, error) {
	type outcome struct {
		result any
		err    error
	}
	ch := make(chan outcome, 1)
	d.Send(ctx, msg, func(result any, err error) {
		ch <- outcome{result, err}
	})

	select {
	case o := <-ch:
		return o.result, o.err
	case <-ctx.Done():
		kind := errors.KindInternal
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = errors.KindTimeout
		}
		return nil, errors.Classify(kind, ctx.Err(), "waiting for %s on host %s", msg.Kind(), msg.Host())
	}
}

// hostOp is the body of a host task. finish replies and releases the host.
type hostOp func(hc *HostContext, finish Reply)

// submit runs op as a task serialized on hostID. The host is loaded, and its
// status checked unless skipStatusCheck is set, once the task holds the host.
func (d *Driver) submit(ctx context.Context, hostID, op string, skipStatusCheck bool, reply Reply, body hostOp) {
	name := fmt.Sprintf("%s-on-host-%s", op, hostID)
	err := d.scheduler.Submit(sched.Task{
		Signature: hostID,
		Level:     d.cfg.SyncLevel,
		Name:      name,
		Run: func(release sched.Release) {
			finish := func(result any, err error) {
				reply(result, err)
				release()
			}

			hc, err := d.load(ctx, hostID, !skipStatusCheck)
			if err != nil {
				finish(nil, err)
				return
			}
			body(hc, finish)
		},
	})
	if err != nil {
		d.logger.Error("host_task_rejected", "task", name, "error", err)
		reply(nil, err)
	}
}

func (d *Driver) load(ctx context.Context, hostID string, checkStatus bool) (*HostContext, error) {
	h, err := d.inventory.GetHost(ctx, hostID)
	if err != nil {
		return nil, errors.Wrap(err, "load host "+hostID)
	}
	if h == nil {
		return nil, errors.New(errors.KindApplication, "host %s does not exist", hostID)
	}
	if checkStatus && h.Status != db.HostConnected {
		return nil, &errors.Error{
			Kind:    errors.KindApplication,
			Code:    errors.CodeHostNotConnected,
			Message: fmt.Sprintf("host %s[%s] is %s, operations require %s", h.ID, h.ManagementIP, h.Status, db.HostConnected),
		}
	}
	return &HostContext{
		ID:           h.ID,
		Name:         h.Name,
		ManagementIP: h.ManagementIP,
		ClusterID:    h.ClusterID,
		Status:       h.Status,
		SSHUser:      h.SSHUser,
		SSHPassword:  h.SSHPassword,
		SSHPort:      h.SSHPort,
	}, nil
}

// call dispatches one command and maps a failure through describe.
func (d *Driver) call(ctx context.Context, req agent.Request, out agent.Enveloped, finish Reply, describe func(err error) error) {
	d.dispatcher.Dispatch(ctx, req, out, func(err error) {
		if err != nil {
			finish(nil, describe(err))
			return
		}
		finish(out, nil)
	})
}

func (d *Driver) startVM(ctx context.Context, m *StartVM, reply Reply) {
	d.submit(ctx, m.HostID, "start-vm", false, reply, func(hc *HostContext, finish Reply) {
		cmd := &agent.StartVMCmd{
			VMInstanceUUID: m.VMID,
			VMName:         m.VMName,
			CPUNum:         m.CPUNum,
			MemoryBytes:    m.MemoryBytes,
			BootDev:        m.BootDev,
		}
		d.call(ctx, hc.request(agent.PathStartVM, cmd, m.VMID), &agent.StartVMResponse{}, finish, func(err error) error {
			return errors.Operation(errors.CodeNone, err, "failed to start vm %s on host %s[%s]", m.VMID, hc.ID, hc.ManagementIP)
		})
	})
}

func (d *Driver) stopVM(ctx context.Context, m *StopVM, reply Reply) {
	d.submit(ctx, m.HostID, "stop-vm", false, reply, func(hc *HostContext, finish Reply) {
		cmd := &agent.StopVMCmd{UUID: m.VMID, Type: m.Type, Timeout: seconds(m.Timeout)}
		req := hc.request(agent.PathStopVM, cmd, m.VMID)
		d.call(ctx, req, nil, finish, func(err error) error {
			err = errors.GCEligible(err, "stop vm %s on host %s left it in an unknown state", m.VMID, hc.ID)
			d.reconcileLater(ctx, hc, m.VMID, req, err)
			return errors.Operation(errors.CodeStopVMFailed, err, "failed to stop vm %s on host %s[%s]", m.VMID, hc.ID, hc.ManagementIP)
		})
	})
}

func (d *Driver) rebootVM(ctx context.Context, m *RebootVM, reply Reply) {
	d.submit(ctx, m.HostID, "reboot-vm", false, reply, func(hc *HostContext, finish Reply) {
		cmd := &agent.RebootVMCmd{UUID: m.VMID, Timeout: seconds(m.Timeout)}
		d.call(ctx, hc.request(agent.PathRebootVM, cmd, m.VMID), nil, finish, func(err error) error {
			return errors.Operation(errors.CodeNone, err, "failed to reboot vm %s on host %s[%s]", m.VMID, hc.ID, hc.ManagementIP)
		})
	})
}

func (d *Driver) destroyVM(ctx context.Context, m *DestroyVM, reply Reply) {
	d.submit(ctx, m.HostID, "destroy-vm", false, reply, func(hc *HostContext, finish Reply) {
		req := hc.request(agent.PathDestroyVM, &agent.DestroyVMCmd{UUID: m.VMID}, m.VMID)
		d.call(ctx, req, nil, finish, func(err error) error {
			err = errors.GCEligible(err, "destroy vm %s on host %s left it in an unknown state", m.VMID, hc.ID)
			d.reconcileLater(ctx, hc, m.VMID, req, err)
			return errors.Operation(errors.CodeNone, err, "failed to destroy vm %s on host %s[%s]", m.VMID, hc.ID, hc.ManagementIP)
		})
	})
}

func (d *Driver) pauseVM(ctx context.Context, m *PauseVM, reply Reply) {
	d.submit(ctx, m.HostID, "pause-vm", false, reply, func(hc *HostContext, finish Reply) {
		cmd := &agent.PauseVMCmd{UUID: m.VMID, Timeout: seconds(m.Timeout)}
		d.call(ctx, hc.request(agent.PathPauseVM, cmd, m.VMID), nil, finish, func(err error) error {
			return errors.Operation(errors.CodeNone, err, "failed to pause vm %s on host %s[%s]", m.VMID, hc.ID, hc.ManagementIP)
		})
	})
}

func (d *Driver) resumeVM(ctx context.Context, m *ResumeVM, reply Reply) {
	d.submit(ctx, m.HostID, "resume-vm", false, reply, func(hc *HostContext, finish Reply) {
		cmd := &agent.ResumeVMCmd{UUID: m.VMID, Timeout: seconds(m.Timeout)}
		d.call(ctx, hc.request(agent.PathResumeVM, cmd, m.VMID), nil, finish, func(err error) error {
			return errors.Operation(errors.CodeNone, err, "failed to resume vm %s on host %s[%s]", m.VMID, hc.ID, hc.ManagementIP)
		})
	})
}

func (d *Driver) attachVolume(ctx context.Context, m *AttachVolume, reply Reply) {
	d.submit(ctx, m.HostID, "attach-volume", false, reply, func(hc *HostContext, finish Reply) {
		cmd := &agent.AttachDataVolumeCmd{VMUUID: m.VMID, Volume: m.Volume}
		d.call(ctx, hc.request(agent.PathAttachDataVolume, cmd, m.Volume.VolumeUUID), nil, finish, func(err error) error {
			return errors.Operation(errors.CodeNone, err, "failed to attach volume %s to vm %s on host %s[%s]",
				m.Volume.VolumeUUID, m.VMID, hc.ID, hc.ManagementIP)
		})
	})
}

func (d *Driver) detachVolume(ctx context.Context, m *DetachVolume, reply Reply) {
	d.submit(ctx, m.HostID, "detach-volume", false, reply, func(hc *HostContext, finish Reply) {
		cmd := &agent.DetachDataVolumeCmd{VMUUID: m.VMID, Volume: m.Volume}
		d.call(ctx, hc.request(agent.PathDetachDataVolume, cmd, m.Volume.VolumeUUID), nil, finish, func(err error) error {
			return errors.Operation(errors.CodeNone, err, "failed to detach volume %s from vm %s on host %s[%s]",
				m.Volume.VolumeUUID, m.VMID, hc.ID, hc.ManagementIP)
		})
	})
}

func (d *Driver) takeSnapshot(ctx context.Context, m *TakeSnapshot, reply Reply) {
	d.submit(ctx, m.HostID, "take-snapshot", false, reply, func(hc *HostContext, finish Reply) {
		cmd := &agent.TakeSnapshotCmd{
			VMUUID:       m.VMID,
			VolumeUUID:   m.VolumeID,
			VolumePath:   m.VolumePath,
			InstallPath:  m.InstallPath,
			FullSnapshot: m.FullSnapshot,
		}
		d.call(ctx, hc.request(agent.PathTakeVolumeSnapshot, cmd, m.VolumeID), &agent.TakeSnapshotResponse{}, finish, func(err error) error {
			return errors.Operation(errors.CodeNone, err, "failed to snapshot volume %s of vm %s on host %s[%s]",
				m.VolumeID, m.VMID, hc.ID, hc.ManagementIP)
		})
	})
}

// ping skips the status check: it is how a disconnected host is seen alive.
func (d *Driver) ping(ctx context.Context, m *Ping, reply Reply) {
	d.submit(ctx, m.HostID, "ping", true, reply, func(hc *HostContext, finish Reply) {
		out := &agent.PingResponse{}
		d.dispatcher.Dispatch(ctx, hc.request(agent.PathPing, &agent.PingCmd{HostUUID: hc.ID}, ""), out, func(err error) {
			if err != nil {
				finish(nil, errors.Operation(errors.CodeNone, err, "failed to ping host %s[%s]", hc.ID, hc.ManagementIP))
				return
			}
			// An agent answering for another host was reinstalled behind our back.
			if out.HostUUID != "" && out.HostUUID != hc.ID {
				finish(nil, d.agentReplaced(ctx, hc, out.HostUUID))
				return
			}
			if err := d.afterPing(ctx, hc); err != nil {
				finish(nil, err)
				return
			}
			finish(out, nil)
		})
	})
}

// agentReplaced marks the host disconnected while the ping still holds it and
// queues a reconnect behind the ping when the driver can connect hosts.
func (d *Driver) agentReplaced(ctx context.Context, hc *HostContext, answeredAs string) error {
	bg := context.WithoutCancel(ctx)
	d.logger.Warn("host_agent_replaced", "host_id", hc.ID, "management_ip", hc.ManagementIP, "answered_as", answeredAs)

	if err := d.inventory.UpdateHostStatus(bg, hc.ID, db.HostDisconnected); err != nil {
		d.logger.Error("host_status_update_failed", "host_id", hc.ID, "status", db.HostDisconnected, "error", err)
	}
	reconnect := "reconnect the host"
	if d.connector != nil {
		reconnect = "a reconnect is queued"
		d.connect(bg, &Connect{On: On{HostID: hc.ID}}, func(_ any, err error) {
			if err != nil {
				d.logger.Error("host_reconnect_failed", "host_id", hc.ID, "error", err)
				return
			}
			d.logger.Info("host_reconnected", "host_id", hc.ID)
		})
	}

	return &errors.Error{
		Kind: errors.KindApplication,
		Code: errors.CodeAgentReplaced,
		Message: fmt.Sprintf("agent on %s answers as host %s, expected %s; host marked %s, %s",
			hc.ManagementIP, answeredAs, hc.ID, db.HostDisconnected, reconnect),
	}
}

// afterPing runs the ping extensions in registration order.
func (d *Driver) afterPing(ctx context.Context, hc *HostContext) error {
	for _, ext := range extension.List[PingExtension](d.exts, extension.PointHostPingNoFailure) {
		if err := ext.AfterPing(ctx, hc); err != nil {
			d.logger.Warn("host_ping_extension_failed", "host_id", hc.ID, "error", err)
		}
	}
	for _, ext := range extension.List[PingExtension](d.exts, extension.PointHostPing) {
		if err := ext.AfterPing(ctx, hc); err != nil {
			return errors.Operation(errors.CodeNone, err, "ping extension failed on host %s[%s]", hc.ID, hc.ManagementIP)
		}
	}
	return nil
}

// checkVMState skips the status check so reconciliation can query hosts that
// are not connected.
func (d *Driver) checkVMState(ctx context.Context, m *CheckVMState, reply Reply) {
	d.submit(ctx, m.HostID, "check-vm-state", true, reply, func(hc *HostContext, finish Reply) {
		out := &agent.CheckVMStateResponse{}
		cmd := &agent.CheckVMStateCmd{VMUUIDs: m.VMIDs, HostUUID: hc.ID}
		d.dispatcher.Dispatch(ctx, hc.request(agent.PathCheckVMState, cmd, ""), out, func(err error) {
			if err != nil {
				finish(nil, errors.Operation(errors.CodeNone, err, "failed to check states of vms %v on host %s[%s]",
					m.VMIDs, hc.ID, hc.ManagementIP))
				return
			}
			if out.States == nil {
				out.States = map[string]string{}
			}
			finish(out.States, nil)
		})
	})
}

func (d *Driver) migrateVM(ctx context.Context, m *MigrateVM, reply Reply) {
	d.submit(ctx, m.HostID, "migrate-vm", false, reply, func(hc *HostContext, finish Reply) {
		reqs := make([]migrate.Request, len(m.Requests))
		for i, r := range m.Requests {
			if r.SrcHostID == "" {
				r.SrcHostID = hc.ID
			}
			reqs[i] = r
		}
		d.saga.Start(ctx, reqs, func(err error) {
			finish(nil, err)
		})
	})
}

func (d *Driver) connect(ctx context.Context, m *Connect, reply Reply) {
	if d.connector == nil {
		reply(nil, errors.New(errors.KindNoCapability, "this driver cannot connect hosts"))
		return
	}
	d.submit(ctx, m.HostID, "connect", true, reply, func(hc *HostContext, finish Reply) {
		d.connector.Connect(ctx, hc, m.NewHost, func(err error) {
			finish(nil, err)
		})
	})
}

func (d *Driver) rawCall(ctx context.Context, m *RawCall, reply Reply) {
	if m.Path == "" {
		reply(nil, errors.New(errors.KindInternal, "raw call to host %s has no path", m.HostID))
		return
	}
	d.submit(ctx, m.HostID, "raw-call", m.NoStatusCheck, reply, func(hc *HostContext, finish Reply) {
		cmd := m.Command
		if len(cmd) == 0 {
			cmd = json.RawMessage("{}")
		}
		req := hc.request(m.Path, cmd, "")
		req.Timeout = m.Timeout
		d.call(ctx, req, &agent.RawResponse{}, finish, func(err error) error {
			err = errors.GCEligible(err, "call %s on host %s has an unknown outcome", m.Path, hc.ID)
			d.reconcileLater(ctx, hc, "", req, err)
			return errors.Operation(errors.CodeNone, err, "failed to call %s on host %s[%s]", m.Path, hc.ID, hc.ManagementIP)
		})
	})
}

// reconcileLater persists a GC record when err is GC eligible.
func (d *Driver) reconcileLater(ctx context.Context, hc *HostContext, vmID string, req agent.Request, err error) {
	if !errors.IsGCEligible(err) {
		return
	}
	body, jerr := json.Marshal(req.Command)
	if jerr != nil {
		body = []byte("{}")
	}
	rec := &db.GCRecord{
		HostID:  hc.ID,
		VMID:    vmID,
		Path:    req.Path,
		Command: string(body),
		Reason:  err.Error(),
	}
	if rerr := d.inventory.RecordGC(context.WithoutCancel(ctx), rec); rerr != nil {
		d.logger.Error("gc_record_failed", "host", hc.ID, "path", req.Path, "error", rerr)
		return
	}
	d.logger.Warn("gc_record_created", "id", rec.ID, "host", hc.ID, "vm", vmID, "path", req.Path)
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
