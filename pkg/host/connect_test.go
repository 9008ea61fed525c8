package host

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fly-io/hostdriver/pkg/agent"
	"github.com/fly-io/hostdriver/pkg/bootstrap"
	"github.com/fly-io/hostdriver/pkg/db"
	"github.com/fly-io/hostdriver/pkg/errors"
	"github.com/fly-io/hostdriver/pkg/extension"
	"github.com/fly-io/hostdriver/pkg/flow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingShell struct {
	mu       sync.Mutex
	commands []string
	failing  []string
}

func (s *recordingShell) Run(_ context.Context, _ bootstrap.Target, cmd string) (bootstrap.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
	for _, prefix := range s.failing {
		if strings.HasPrefix(cmd, prefix) {
			return bootstrap.Result{ExitCode: 1, Stderr: "unreachable"}, nil
		}
	}
	return bootstrap.Result{}, nil
}

func (s *recordingShell) Upload(context.Context, bootstrap.Target, io.Reader, string, os.FileMode) error {
	return nil
}

func (s *recordingShell) ran(prefix string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.commands {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

type fakeProvisioner struct {
	deployed atomic.Int32
	err      error
}

func (p *fakeProvisioner) Deploy(_ context.Context, t bootstrap.Target) error {
	p.deployed.Add(1)
	return p.err
}

func goodFacts(out *agent.HostFactResponse) {
	out.OSDistribution = "ubuntu"
	out.OSRelease = "jammy"
	out.OSVersion = "22.04"
	out.LibvirtVersion = "8.0.0"
	out.QemuImgVersion = "6.2.0"
	out.HvmCPUFlag = "vmx"
	out.CPUModelName = "Broadwell"
	out.HostCPUModelName = "Intel(R) Xeon(R) CPU E5-2680 v4"
	out.CPUGHz = "2.40"
	out.IPAddresses = []string{"10.0.0.1", "192.168.10.1"}
}

// agentResponder answers like a healthy agent unless a path is overridden.
func agentResponder(overrides map[string]func(agent.Enveloped) error) func(agent.Request, agent.Enveloped) error {
	return func(req agent.Request, out agent.Enveloped) error {
		if f, ok := overrides[req.Path]; ok {
			return f(out)
		}
		if req.Path == agent.PathHostFact {
			goodFacts(out.(*agent.HostFactResponse))
		}
		return nil
	}
}

type connectFixture struct {
	inv    *fakeInventory
	disp   *fakeDispatcher
	shell  *recordingShell
	prov   *fakeProvisioner
	probes atomic.Int32
	cfg    ConnectConfig
	exts   *extension.Registry
}

func newConnectFixture() *connectFixture {
	newHost := connectedHost("host-1", "10.0.0.1")
	newHost.Status = db.HostDisconnected
	peer := connectedHost("host-2", "10.0.0.2")

	inv := newFakeInventory(newHost, peer)
	inv.tags["host-1"] = map[string]string{"custom": "kept"}
	inv.tags["host-2"] = map[string]string{
		TagQemuImgVersion: "6.2",
		TagLibvirtVersion: "8.0.0",
		TagCPUModel:       "Broadwell",
	}

	return &connectFixture{
		inv:   inv,
		disp:  &fakeDispatcher{respond: agentResponder(nil)},
		shell: &recordingShell{},
		prov:  &fakeProvisioner{},
		cfg: ConnectConfig{
			SSHPortOpenTimeout: time.Second,
			SSHConnectTimeout:  100 * time.Millisecond,
			AgentStartTimeout:  5 * time.Second,
			DNSCheckList:       []string{"8.8.8.8", "1.1.1.1"},
			CallbackURL:        "http://10.0.0.100:8080/host/callback",
			CheckCPUModel:      true,
		},
		exts: extension.NewRegistry(),
	}
}

func (f *connectFixture) connector(probe PortProbe) *Connector {
	if probe == nil {
		probe = func(context.Context, string, time.Duration) error {
			f.probes.Add(1)
			return nil
		}
	}
	return NewConnector(f.cfg, f.inv, f.disp, f.shell, f.prov, f.exts).WithProbe(probe)
}

func (f *connectFixture) connect(t *testing.T, c *Connector, newHost bool) error {
	t.Helper()
	hc, err := (&Driver{inventory: f.inv}).load(context.Background(), "host-1", false)
	require.NoError(t, err)

	done := make(chan error, 1)
	c.Connect(testContext(t), hc, newHost, func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("connect did not finish")
		return nil
	}
}

func TestConnect_NewHost(t *testing.T) {
	f := newConnectFixture()
	require.NoError(t, f.connect(t, f.connector(nil), true))

	assert.Equal(t, []string{db.HostConnecting, db.HostConnected}, f.inv.history("host-1"))
	assert.Equal(t, []string{agent.PathConnect, agent.PathEcho, agent.PathHostFact}, f.disp.paths())
	assert.EqualValues(t, 1, f.prov.deployed.Load())
	assert.EqualValues(t, 1, f.probes.Load())
	assert.True(t, f.shell.ran("ping -c 3 -W 2 8.8.8.8"))
	assert.True(t, f.shell.ran("curl --connect-timeout 10"))

	tags := f.inv.tags["host-1"]
	assert.Equal(t, "kept", tags["custom"])
	assert.Equal(t, "8.0.0", tags[TagLibvirtVersion])
	assert.Equal(t, "vmx", tags[TagHvmCPUFlag])
	assert.Equal(t, "true", tags[TagVirtioSCSI])
	assert.Equal(t, "192.168.10.1", tags[TagExtraIPs])
}

func TestConnect_ReconnectSkipsFirstAttachChecks(t *testing.T) {
	f := newConnectFixture()
	f.inv.tags["host-2"][TagLibvirtVersion] = "4.5.0"

	require.NoError(t, f.connect(t, f.connector(nil), false))
	assert.False(t, f.shell.ran("ping"))
	assert.Equal(t, db.HostConnected, f.inv.status("host-1"))
}

func TestConnect_NoHardwareVirtualization(t *testing.T) {
	f := newConnectFixture()
	f.disp.respond = agentResponder(map[string]func(agent.Enveloped) error{
		agent.PathHostFact: func(out agent.Enveloped) error {
			goodFacts(out.(*agent.HostFactResponse))
			out.(*agent.HostFactResponse).HvmCPUFlag = ""
			return nil
		},
	})

	err := f.connect(t, f.connector(nil), true)
	require.Error(t, err)
	assert.Equal(t, errors.KindNoCapability, errors.KindOf(err))
	assert.Equal(t, db.HostDisconnected, f.inv.status("host-1"))
	assert.Equal(t, map[string]string{"custom": "kept"}, f.inv.tags["host-1"])
}

func TestConnect_IncompatibleClusterRestoresTags(t *testing.T) {
	f := newConnectFixture()
	f.inv.tags["host-2"][TagLibvirtVersion] = "4.5.0"

	err := f.connect(t, f.connector(nil), true)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeIncompatibleHost))
	assert.Contains(t, err.Error(), "libvirt::version")
	assert.Contains(t, err.Error(), "host-2")

	assert.Equal(t, map[string]string{"custom": "kept"}, f.inv.tags["host-1"])
	assert.Equal(t, []string{db.HostConnecting, db.HostDisconnected}, f.inv.history("host-1"))
}

func TestConnect_CPUModelCheckCanBeDisabled(t *testing.T) {
	f := newConnectFixture()
	f.inv.tags["host-2"][TagCPUModel] = "Skylake"

	require.Error(t, f.connect(t, f.connector(nil), true))

	f = newConnectFixture()
	f.inv.tags["host-2"][TagCPUModel] = "Skylake"
	f.cfg.CheckCPUModel = false
	require.NoError(t, f.connect(t, f.connector(nil), true))
}

func TestConnect_SSHPortDeadline(t *testing.T) {
	f := newConnectFixture()
	f.cfg.SSHPortOpenTimeout = 300 * time.Millisecond
	probe := func(context.Context, string, time.Duration) error {
		f.probes.Add(1)
		return fmt.Errorf("connection refused")
	}

	err := f.connect(t, f.connector(probe), true)
	require.Error(t, err)
	assert.Equal(t, errors.KindTimeout, errors.KindOf(err))
	assert.GreaterOrEqual(t, f.probes.Load(), int32(1))
	assert.Zero(t, f.prov.deployed.Load())
	assert.Empty(t, f.disp.paths())
}

func TestConnect_SSHPortOpensAfterRetries(t *testing.T) {
	f := newConnectFixture()
	f.cfg.SSHPortOpenTimeout = 5 * time.Second
	probe := func(context.Context, string, time.Duration) error {
		if f.probes.Add(1) < 3 {
			return fmt.Errorf("connection refused")
		}
		return nil
	}

	require.NoError(t, f.connect(t, f.connector(probe), true))
	assert.EqualValues(t, 3, f.probes.Load())
}

func TestConnect_DNSUnreachable(t *testing.T) {
	f := newConnectFixture()
	f.shell.failing = []string{"ping"}

	err := f.connect(t, f.connector(nil), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DNS")
	assert.Zero(t, f.prov.deployed.Load())

	f = newConnectFixture()
	f.shell.failing = []string{"ping"}
	f.cfg.SkipNetworkChecks = true
	require.NoError(t, f.connect(t, f.connector(nil), true))
}

func TestConnect_EchoRetriesTransportFailures(t *testing.T) {
	f := newConnectFixture()
	var echoes atomic.Int32
	f.disp.respond = agentResponder(map[string]func(agent.Enveloped) error{
		agent.PathEcho: func(agent.Enveloped) error {
			if echoes.Add(1) < 3 {
				return errors.Classify(errors.KindTransport, fmt.Errorf("connection refused"), "unable to reach agent")
			}
			return nil
		},
	})

	require.NoError(t, f.connect(t, f.connector(nil), true))
	assert.EqualValues(t, 3, echoes.Load())
}

func TestConnect_DeployFailure(t *testing.T) {
	f := newConnectFixture()
	f.prov.err = errors.New(errors.KindApplication, "install.sh exited with 1")

	err := f.connect(t, f.connector(nil), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "install.sh")
	assert.Empty(t, f.disp.paths())
	assert.Equal(t, db.HostDisconnected, f.inv.status("host-1"))
}

type extraSteps struct {
	ran atomic.Bool
}

func (e *extraSteps) ConnectSteps(hc *HostContext, _ bool) []flow.Step {
	return []flow.Step{flow.NoRollback("configure-ovs-"+hc.ID, func(t *flow.Trigger, _ flow.Data) {
		e.ran.Store(true)
		t.Next()
	})}
}

func TestConnect_ExtensionSteps(t *testing.T) {
	f := newConnectFixture()
	ext := &extraSteps{}
	extension.Register[ConnectExtension](f.exts, extension.PointHostConnect, ext)

	require.NoError(t, f.connect(t, f.connector(nil), false))
	assert.True(t, ext.ran.Load())
}

func TestConnect_ThroughDriver(t *testing.T) {
	f := newConnectFixture()
	d := newTestDriver(t, f.inv, f.disp)
	d.connector = f.connector(nil)

	_, err := d.Handle(testContext(t), &Connect{On: On{HostID: "host-1"}, NewHost: true})
	require.NoError(t, err)
	assert.Equal(t, db.HostConnected, f.inv.status("host-1"))
}

func TestConnect_ReplacedAgentIsReconnected(t *testing.T) {
	f := newConnectFixture()
	require.NoError(t, f.inv.UpdateHostStatus(context.Background(), "host-1", db.HostConnected))
	var pings atomic.Int32
	f.disp.respond = agentResponder(map[string]func(agent.Enveloped) error{
		agent.PathPing: func(out agent.Enveloped) error {
			// The first answer comes from an agent installed for another host.
			if pings.Add(1) == 1 {
				out.(*agent.PingResponse).HostUUID = "host-9"
			} else {
				out.(*agent.PingResponse).HostUUID = "host-1"
			}
			return nil
		},
	})
	d := newTestDriver(t, f.inv, f.disp)
	d.connector = f.connector(nil)
	ctx := testContext(t)

	_, err := d.Handle(ctx, &Ping{On: On{HostID: "host-1"}})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeAgentReplaced))

	// The reconnect is queued behind the ping on the same host.
	_, err = d.Handle(ctx, &Ping{On: On{HostID: "host-1"}})
	require.NoError(t, err)
	assert.Equal(t, db.HostConnected, f.inv.status("host-1"))
	assert.Equal(t,
		[]string{db.HostConnected, db.HostDisconnected, db.HostConnecting, db.HostConnected},
		f.inv.history("host-1"))
	assert.Contains(t, f.disp.paths(), agent.PathEcho)
}

func TestFactTags(t *testing.T) {
	tests := []struct {
		name    string
		libvirt string
		ips     []string
		virtio  bool
		extra   string
	}{
		{"modern libvirt", "8.0.0", []string{"10.0.0.1", "10.1.0.1"}, true, "10.1.0.1"},
		{"minimum libvirt", "1.0.4", nil, true, ""},
		{"old libvirt", "0.10.2", []string{"10.0.0.1"}, false, ""},
		{"unparsable libvirt", "unknown", nil, false, ""},
		{"duplicate ips", "8.0.0", []string{"10.1.0.1", "10.1.0.1", ""}, true, "10.1.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tags := FactTags(&agent.HostFactResponse{LibvirtVersion: tt.libvirt, IPAddresses: tt.ips}, "10.0.0.1")
			_, virtio := tags[TagVirtioSCSI]
			assert.Equal(t, tt.virtio, virtio)
			assert.Equal(t, tt.extra, tags[TagExtraIPs])
		})
	}
}

func TestCompareWithPeer(t *testing.T) {
	peer := map[string]string{TagQemuImgVersion: "6.2", TagLibvirtVersion: "8.0.0", TagCPUModel: "Broadwell"}

	assert.Empty(t, CompareWithPeer(map[string]string{
		TagQemuImgVersion: "6.2.0", TagLibvirtVersion: "8.0.0", TagCPUModel: "Broadwell",
	}, peer, "host-2", true))

	diffs := CompareWithPeer(map[string]string{
		TagQemuImgVersion: "6.2.0", TagLibvirtVersion: "7.0.0", TagCPUModel: "Skylake",
	}, peer, "host-2", true)
	require.Len(t, diffs, 2)
	assert.Equal(t, TagLibvirtVersion, diffs[0].Tag)
	assert.Equal(t, TagCPUModel, diffs[1].Tag)

	assert.Empty(t, CompareWithPeer(map[string]string{TagCPUModel: "Skylake"}, map[string]string{TagCPUModel: "Broadwell"}, "host-2", false))
}
