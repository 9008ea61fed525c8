package reconcile

// Request is the FSM input
type Request struct {
	RecordID string
}

// Response is the FSM output (accumulated across transitions)
type Response struct {
	// From Load
	HostID   string
	VMID     string
	Path     string
	Attempts int
	// Settled is set when the record needs no further work
	Settled bool

	// From Ping
	HostAlive bool

	// From CheckVMState
	VMState string

	// From Complete/Failed
	Status string
}

// State names
const (
	StateLoad         = "load"
	StatePing         = "ping"
	StateCheckVMState = "check_vm_state"
	StateComplete     = "complete"
	StateFailed       = "failed"
)

// VMStateUnknown is reported when the agent no longer knows the VM.
const VMStateUnknown = "Unknown"
