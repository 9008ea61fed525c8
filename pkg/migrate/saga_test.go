package migrate

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/fly-io/hostdriver/pkg/agent"
	"github.com/fly-io/hostdriver/pkg/errors"
	"github.com/fly-io/hostdriver/pkg/extension"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	hostIP     string
	path       string
	resourceID string
	command    any
}

// fakeDispatcher completes every call asynchronously, failing the (path, vm) pairs listed in fail.
type fakeDispatcher struct {
	mu    sync.Mutex
	calls []call
	fail  map[string]error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req agent.Request, out agent.Enveloped, done agent.Completion) {
	f.mu.Lock()
	f.calls = append(f.calls, call{hostIP: req.HostIP, path: req.Path, resourceID: req.ResourceID, command: req.Command})
	err := f.fail[req.Path+"|"+vmOf(req.Command)]
	f.mu.Unlock()
	go done(err)
}

func (f *fakeDispatcher) list() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func (f *fakeDispatcher) paths() []string {
	var out []string
	for _, c := range f.list() {
		out = append(out, c.path+"|"+vmOf(c.command))
	}
	return out
}

func vmOf(cmd any) string {
	switch c := cmd.(type) {
	case *agent.MigrateVMCmd:
		return c.VMUUID
	case *agent.HardenConsoleCmd:
		return c.VMUUID
	case *agent.DeleteConsoleFirewallCmd:
		return c.VMUUID
	}
	return ""
}

type fakeHosts map[string]string

func (h fakeHosts) ManagementIP(_ context.Context, hostID string) (string, error) {
	ip, ok := h[hostID]
	if !ok {
		return "", fmt.Errorf("host %s not found", hostID)
	}
	return ip, nil
}

var hosts = fakeHosts{"src": "10.0.0.1", "dst": "10.0.0.2"}

func jobs(vms ...string) []Request {
	var out []Request
	for i, vm := range vms {
		out = append(out, Request{VMID: vm, VMInternalID: int64(i + 1), SrcHostID: "src", DstHostID: "dst"})
	}
	return out
}

func TestSaga_BestEffortFailuresDoNotBlock(t *testing.T) {
	d := &fakeDispatcher{fail: map[string]error{
		agent.PathHardenConsole + "|vm-1":         errors.New(errors.KindApplication, "iptables missing"),
		agent.PathDeleteConsoleFirewall + "|vm-1": errors.New(errors.KindTransport, "connection refused"),
	}}
	s := New(d, hosts, nil)

	require.NoError(t, s.Run(context.Background(), jobs("vm-1", "vm-2", "vm-3")))
	assert.Equal(t, []string{
		agent.PathMigrateVM + "|vm-1", agent.PathHardenConsole + "|vm-1", agent.PathDeleteConsoleFirewall + "|vm-1",
		agent.PathMigrateVM + "|vm-2", agent.PathHardenConsole + "|vm-2", agent.PathDeleteConsoleFirewall + "|vm-2",
		agent.PathMigrateVM + "|vm-3", agent.PathHardenConsole + "|vm-3", agent.PathDeleteConsoleFirewall + "|vm-3",
	}, d.paths())
}

func TestSaga_MandatoryFailureStopsRemainingJobs(t *testing.T) {
	cause := errors.New(errors.KindApplication, "qemu refused")
	d := &fakeDispatcher{fail: map[string]error{agent.PathMigrateVM + "|vm-1": cause}}
	s := New(d, hosts, nil)

	err := s.Run(context.Background(), jobs("vm-1", "vm-2"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeMigrateFailed))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "vm-1")
	assert.Contains(t, err.Error(), "src")
	assert.Equal(t, []string{agent.PathMigrateVM + "|vm-1"}, d.paths())
}

func TestSaga_MoverFollowsDirection(t *testing.T) {
	tests := []struct {
		name            string
		fromDestination bool
		wantIP          string
		wantResource    string
	}{
		{name: "from source", wantIP: "10.0.0.1", wantResource: "src"},
		{name: "from destination", fromDestination: true, wantIP: "10.0.0.2", wantResource: "dst"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDispatcher{}
			s := New(d, hosts, nil)
			req := Request{VMID: "vm", SrcHostID: "src", DstHostID: "dst", FromDestination: tt.fromDestination}

			require.NoError(t, s.Run(context.Background(), []Request{req}))
			calls := d.list()
			require.Len(t, calls, 3)
			assert.Equal(t, tt.wantIP, calls[0].hostIP)
			assert.Equal(t, tt.wantResource, calls[0].resourceID)

			// Console hardening always targets the destination, firewall cleanup the source.
			assert.Equal(t, "10.0.0.2", calls[1].hostIP)
			assert.Equal(t, "10.0.0.1", calls[2].hostIP)
		})
	}
}

func TestSaga_NetworkResolverLastAnswerWins(t *testing.T) {
	exts := extension.NewRegistry()
	extension.Register[NetworkResolver](exts, extension.PointMigrateNetwork, NetworkResolverFunc(
		func(string, string) *Addresses { return &Addresses{SrcIP: "172.16.0.1", DstIP: "172.16.0.2"} }))
	extension.Register[NetworkResolver](exts, extension.PointMigrateNetwork, NetworkResolverFunc(
		func(string, string) *Addresses { return &Addresses{SrcIP: "192.168.9.1", DstIP: "192.168.9.2"} }))
	extension.Register[NetworkResolver](exts, extension.PointMigrateNetwork, NetworkResolverFunc(
		func(string, string) *Addresses { return nil }))

	d := &fakeDispatcher{}
	s := New(d, hosts, exts)
	require.NoError(t, s.Run(context.Background(), jobs("vm-1")))

	cmd, ok := d.list()[0].command.(*agent.MigrateVMCmd)
	require.True(t, ok)
	assert.Equal(t, "192.168.9.1", cmd.SrcHostIP)
	assert.Equal(t, "192.168.9.2", cmd.DestHostIP)
	// The control path stays on the management network.
	assert.Equal(t, "10.0.0.1", d.list()[0].hostIP)
}

func TestSaga_NoResolverUsesManagementAddresses(t *testing.T) {
	s := New(&fakeDispatcher{}, hosts, extension.NewRegistry())
	job, err := s.Resolve(context.Background(), jobs("vm-1")[0])
	require.NoError(t, err)
	assert.Equal(t, job.SrcManagementIP, job.SrcMigrationIP)
	assert.Equal(t, job.DstManagementIP, job.DstMigrationIP)
}

func TestSaga_ResolveFailures(t *testing.T) {
	s := New(&fakeDispatcher{}, hosts, nil)
	ctx := context.Background()

	_, err := s.Resolve(ctx, Request{VMID: "vm", SrcHostID: "src", DstHostID: "src"})
	assert.True(t, errors.IsKind(err, errors.KindApplication))

	_, err = s.Resolve(ctx, Request{VMID: "vm", SrcHostID: "src", DstHostID: "ghost"})
	assert.ErrorContains(t, err, "ghost")

	_, err = s.Resolve(ctx, Request{SrcHostID: "src", DstHostID: "dst"})
	assert.True(t, errors.IsKind(err, errors.KindInternal))
}

func TestSaga_StartCompletesOnce(t *testing.T) {
	s := New(&fakeDispatcher{}, hosts, nil)
	done := make(chan error, 2)
	s.Start(context.Background(), jobs("vm-1", "vm-2"), func(err error) { done <- err })
	require.NoError(t, <-done)
	assert.Len(t, done, 0)
}
