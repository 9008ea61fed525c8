package host

import (
	"encoding/json"
	"time"

	"github.com/fly-io/hostdriver/pkg/agent"
	"github.com/fly-io/hostdriver/pkg/migrate"
)

// Kind tags a Message. The driver routes on it.
type Kind string

const (
	KindStartVM      Kind = "start-vm"
	KindStopVM       Kind = "stop-vm"
	KindRebootVM     Kind = "reboot-vm"
	KindDestroyVM    Kind = "destroy-vm"
	KindPauseVM      Kind = "pause-vm"
	KindResumeVM     Kind = "resume-vm"
	KindAttachVolume Kind = "attach-volume"
	KindDetachVolume Kind = "detach-volume"
	KindTakeSnapshot Kind = "take-snapshot"
	KindPing         Kind = "ping"
	KindCheckVMState Kind = "check-vm-state"
	KindMigrateVM    Kind = "migrate-vm"
	KindConnect      Kind = "connect"
	KindRawCall      Kind = "raw-call"
)

// Message is a request addressed to one host.
type Message interface {
	Kind() Kind
	Host() string
}

// On names the host a message is addressed to.
type On struct {
	HostID string
}

func (o On) Host() string { return o.HostID }

// StartVM replies with *agent.StartVMResponse.
type StartVM struct {
	On
	VMID        string
	VMName      string
	CPUNum      int
	MemoryBytes int64
	BootDev     []string
}

// StopVM stops a VM. Type is passed to the agent as is ("grace", "cold").
type StopVM struct {
	On
	VMID    string
	Type    string
	Timeout time.Duration
}

type RebootVM struct {
	On
	VMID    string
	Timeout time.Duration
}

type DestroyVM struct {
	On
	VMID string
}

type PauseVM struct {
	On
	VMID    string
	Timeout time.Duration
}

type ResumeVM struct {
	On
	VMID    string
	Timeout time.Duration
}

type AttachVolume struct {
	On
	VMID   string
	Volume agent.VolumeTO
}

type DetachVolume struct {
	On
	VMID   string
	Volume agent.VolumeTO
}

// TakeSnapshot replies with *agent.TakeSnapshotResponse.
type TakeSnapshot struct {
	On
	VMID         string
	VolumeID     string
	VolumePath   string
	InstallPath  string
	FullSnapshot bool
}

// Ping replies with *agent.PingResponse.
type Ping struct {
	On
}

// CheckVMState replies with map[string]string, VM id to state.
type CheckVMState struct {
	On
	VMIDs []string
}

// MigrateVM moves VMs off the addressed host. Requests without a source host
// are taken to leave the addressed host.
type MigrateVM struct {
	On
	Requests []migrate.Request
}

// Connect runs the connection protocol. NewHost is set on first attachment.
type Connect struct {
	On
	NewHost bool
}

// RawCall sends Command to Path and replies with *agent.RawResponse.
type RawCall struct {
	On
	Path    string
	Command json.RawMessage
	Timeout time.Duration
	// NoStatusCheck lets the call through while the host is not connected.
	NoStatusCheck bool
}

func (*StartVM) Kind() Kind      { return KindStartVM }
func (*StopVM) Kind() Kind       { return KindStopVM }
func (*RebootVM) Kind() Kind     { return KindRebootVM }
func (*DestroyVM) Kind() Kind    { return KindDestroyVM }
func (*PauseVM) Kind() Kind      { return KindPauseVM }
func (*ResumeVM) Kind() Kind     { return KindResumeVM }
func (*AttachVolume) Kind() Kind { return KindAttachVolume }
func (*DetachVolume) Kind() Kind { return KindDetachVolume }
func (*TakeSnapshot) Kind() Kind { return KindTakeSnapshot }
func (*Ping) Kind() Kind         { return KindPing }
func (*CheckVMState) Kind() Kind { return KindCheckVMState }
func (*MigrateVM) Kind() Kind    { return KindMigrateVM }
func (*Connect) Kind() Kind      { return KindConnect }
func (*RawCall) Kind() Kind      { return KindRawCall }
