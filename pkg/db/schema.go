package db

// Schema defines the SQLite schema of the host inventory.
// hosts holds one row per hypervisor host, host_tags the capability tags
// derived from its facts, and gc_records the operations left in an
// indeterminate state that still need reconciliation.
const Schema = `
CREATE TABLE IF NOT EXISTS hosts (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    management_ip TEXT NOT NULL,
    cluster_id TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('Connecting', 'Connected', 'Disconnected')),
    ssh_user TEXT NOT NULL DEFAULT 'root',
    ssh_password TEXT,
    ssh_port INTEGER NOT NULL DEFAULT 22,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_hosts_cluster_id ON hosts(cluster_id);
CREATE INDEX IF NOT EXISTS idx_hosts_management_ip ON hosts(management_ip);

CREATE TABLE IF NOT EXISTS host_tags (
    host_id TEXT NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (host_id, name)
);

CREATE TABLE IF NOT EXISTS gc_records (
    id TEXT PRIMARY KEY,
    host_id TEXT NOT NULL,
    vm_id TEXT,
    path TEXT NOT NULL,
    command TEXT,
    reason TEXT,
    status TEXT NOT NULL CHECK(status IN ('pending', 'reconciled', 'failed')),
    attempts INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_gc_records_status ON gc_records(status);
CREATE INDEX IF NOT EXISTS idx_gc_records_host_id ON gc_records(host_id);
`

// Host status constants
const (
	HostConnecting   = "Connecting"
	HostConnected    = "Connected"
	HostDisconnected = "Disconnected"
)

// GC record status constants
const (
	GCPending    = "pending"
	GCReconciled = "reconciled"
	GCFailed     = "failed"
)

// Host represents a hypervisor host record
type Host struct {
	ID           string
	Name         string
	ManagementIP string
	ClusterID    string
	Status       string
	SSHUser      string
	SSHPassword  string
	SSHPort      int
	CreatedAt    string
	UpdatedAt    string
}

// GCRecord represents an operation whose outcome on the host is unknown
type GCRecord struct {
	ID        string
	HostID    string
	VMID      string
	Path      string
	Command   string
	Reason    string
	Status    string
	Attempts  int
	CreatedAt string
	UpdatedAt string
}
