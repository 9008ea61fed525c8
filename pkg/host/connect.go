package host

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/fly-io/hostdriver/pkg/agent"
	"github.com/fly-io/hostdriver/pkg/bootstrap"
	"github.com/fly-io/hostdriver/pkg/db"
	"github.com/fly-io/hostdriver/pkg/errors"
	"github.com/fly-io/hostdriver/pkg/extension"
	"github.com/fly-io/hostdriver/pkg/flow"
	"github.com/jpillora/backoff"
)

// ConnectConfig tunes the connection protocol.
type ConnectConfig struct {
	SSHPortOpenTimeout time.Duration
	SSHConnectTimeout  time.Duration
	// AgentStartTimeout bounds how long the agent may take to answer echo after deploy.
	AgentStartTimeout time.Duration
	SkipNetworkChecks bool
	DNSCheckList      []string
	CallbackURL       string
	CheckCPUModel     bool
	UpdatePackages    bool
	IgnoreMsrs        bool
	IptablesRules     []string
	// PrepareScript runs on the host as the last built-in step. Empty skips it.
	PrepareScript string
}

// Provisioner installs the agent on a host. *bootstrap.Deployer implements it.
type Provisioner interface {
	Deploy(ctx context.Context, t bootstrap.Target) error
}

// PortProbe checks that addr accepts TCP connections.
type PortProbe func(ctx context.Context, addr string, timeout time.Duration) error

// ConnectExtension appends steps to the connect chain of a host.
type ConnectExtension interface {
	ConnectSteps(hc *HostContext, newHost bool) []flow.Step
}

// Chain data keys shared by the connect steps.
const (
	dataFacts        = "facts"
	dataPreviousTags = "previous-tags"
)

// Connector runs the host connection protocol.
type Connector struct {
	cfg         ConnectConfig
	inventory   Inventory
	dispatcher  Dispatcher
	shell       bootstrap.Shell
	provisioner Provisioner
	exts        *extension.Registry
	probe       PortProbe
	logger      *slog.Logger
}

// NewConnector creates a connector. exts may be nil.
func NewConnector(cfg ConnectConfig, inventory Inventory, dispatcher Dispatcher, shell bootstrap.Shell, provisioner Provisioner, exts *extension.Registry) *Connector {
	if cfg.SSHPortOpenTimeout <= 0 {
		cfg.SSHPortOpenTimeout = 2 * time.Minute
	}
	if cfg.SSHConnectTimeout <= 0 {
		cfg.SSHConnectTimeout = 5 * time.Second
	}
	if cfg.AgentStartTimeout <= 0 {
		cfg.AgentStartTimeout = time.Minute
	}
	return &Connector{
		cfg:         cfg,
		inventory:   inventory,
		dispatcher:  dispatcher,
		shell:       shell,
		provisioner: provisioner,
		exts:        exts,
		probe:       dialProbe,
		logger:      slog.Default(),
	}
}

// WithProbe replaces the TCP probe of the reachability step.
func (c *Connector) WithProbe(p PortProbe) *Connector {
	c.probe = p
	return c
}

func dialProbe(ctx context.Context, addr string, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Connect runs the protocol for hc and reports the outcome to done exactly once.
// The host ends Connected on success and Disconnected on failure.
func (c *Connector) Connect(ctx context.Context, hc *HostContext, newHost bool, done func(error)) {
	started := time.Now()
	c.logger.Info("host_connect_started", "host", hc.ID, "address", hc.ManagementIP, "new_host", newHost)

	c.Chain(ctx, hc, newHost).
		Done(func(flow.Data) {
			if err := c.inventory.UpdateHostStatus(context.WithoutCancel(ctx), hc.ID, db.HostConnected); err != nil {
				done(errors.Wrap(err, "mark host "+hc.ID+" connected"))
				return
			}
			c.logger.Info("host_connected", "host", hc.ID, "duration_ms", time.Since(started).Milliseconds())
			done(nil)
		}).
		Error(func(err error, _ flow.Data) {
			if uerr := c.inventory.UpdateHostStatus(context.WithoutCancel(ctx), hc.ID, db.HostDisconnected); uerr != nil {
				c.logger.Error("host_status_update_failed", "host", hc.ID, "error", uerr)
			}
			c.logger.Error("host_connect_failed", "host", hc.ID, "error", err)
			done(errors.Operation(errors.CodeNone, err, "failed to connect host %s[%s]", hc.ID, hc.ManagementIP))
		}).
		Start()
}

// Chain builds the connect chain of hc without starting it.
func (c *Connector) Chain(ctx context.Context, hc *HostContext, newHost bool) *flow.Chain {
	ch := flow.New("connect-host-" + hc.ID)

	ch.Then(background("mark-connecting", func(flow.Data) error {
		return c.inventory.UpdateHostStatus(ctx, hc.ID, db.HostConnecting)
	}))

	ch.Then(flow.Nested("provision", func(sub *flow.Chain) {
		sub.Then(background("test-ssh-port-open", func(flow.Data) error {
			return c.waitSSHPort(ctx, hc)
		}))
		if newHost && !c.cfg.SkipNetworkChecks && len(c.cfg.DNSCheckList) > 0 {
			sub.Then(background("check-dns", func(flow.Data) error {
				return c.checkDNS(ctx, hc)
			}))
		}
		if c.cfg.CallbackURL != "" {
			sub.Then(background("check-management-node-reachable", func(flow.Data) error {
				return c.checkManagementReachable(ctx, hc)
			}))
		}
		if c.provisioner != nil {
			sub.Then(background("deploy-agent", func(flow.Data) error {
				return c.provisioner.Deploy(ctx, target(hc))
			}))
		}
	}))

	ch.Then(background("connect-agent", func(flow.Data) error {
		cmd := &agent.ConnectCmd{
			HostUUID:       hc.ID,
			SendCommandURL: c.cfg.CallbackURL,
			IptablesRules:  c.cfg.IptablesRules,
			IgnoreMsrs:     c.cfg.IgnoreMsrs,
		}
		out := &agent.ConnectResponse{}
		if err := c.dispatcher.Call(ctx, hc.request(agent.PathConnect, cmd, ""), out); err != nil {
			return errors.Operation(errors.CodeNone, err, "agent on host %s[%s] refused to connect", hc.ID, hc.ManagementIP)
		}
		c.logger.Info("agent_connected", "host", hc.ID, "libvirt", out.LibvirtVersion, "qemu", out.QemuVersion)
		return nil
	}))

	ch.Then(background("echo-agent", func(flow.Data) error {
		return c.echo(ctx, hc)
	}))

	if c.cfg.UpdatePackages {
		ch.Then(background("update-agent-dependencies", func(flow.Data) error {
			err := c.dispatcher.Call(ctx, hc.request(agent.PathUpdateDependency, &agent.UpdateDependencyCmd{HostUUID: hc.ID}, ""), nil)
			if err != nil {
				return errors.Operation(errors.CodeNone, err, "failed to update dependencies on host %s[%s]", hc.ID, hc.ManagementIP)
			}
			return nil
		}))
	}

	ch.Then(flow.Step{
		Name: "collect-host-facts",
		Run: func(t *flow.Trigger, data flow.Data) {
			go func() {
				if err := c.collectFacts(ctx, hc, data); err != nil {
					t.Fail(err)
					return
				}
				t.Next()
			}()
		},
		Rollback: func(rt *flow.RollbackTrigger, data flow.Data) {
			defer rt.Rollback()
			prev, ok := data[dataPreviousTags].(map[string]string)
			if !ok {
				return
			}
			if err := c.inventory.ReplaceTags(context.WithoutCancel(ctx), hc.ID, prev); err != nil {
				c.logger.Error("host_tags_restore_failed", "host", hc.ID, "error", err)
			}
		},
	})

	if newHost {
		ch.Then(background("check-cluster-compatibility", func(flow.Data) error {
			return c.checkCluster(ctx, hc)
		}))
	}

	if c.cfg.PrepareScript != "" && c.shell != nil {
		ch.Then(flow.BestEffort("prepare-host-env", func(flow.Data) error {
			return bootstrap.Check(ctx, c.shell, target(hc), c.cfg.PrepareScript)
		}))
	}

	for _, ext := range extension.List[ConnectExtension](c.exts, extension.PointHostConnect) {
		for _, s := range ext.ConnectSteps(hc, newHost) {
			ch.Then(s)
		}
	}
	return ch
}

// background runs a blocking step off the triggering goroutine.
func background(name string, run func(data flow.Data) error) flow.Step {
	return flow.NoRollback(name, func(t *flow.Trigger, data flow.Data) {
		go func() {
			if err := run(data); err != nil {
				t.Fail(err)
				return
			}
			t.Next()
		}()
	})
}

func target(hc *HostContext) bootstrap.Target {
	return bootstrap.Target{
		HostID:   hc.ID,
		Address:  hc.ManagementIP,
		Port:     hc.SSHPort,
		User:     hc.SSHUser,
		Password: hc.SSHPassword,
	}
}

// waitSSHPort polls the SSH port until it opens or the hard deadline passes.
func (c *Connector) waitSSHPort(ctx context.Context, hc *HostContext) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SSHPortOpenTimeout)
	defer cancel()

	port := hc.SSHPort
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(hc.ManagementIP, strconv.Itoa(port))
	b := &backoff.Backoff{
		Min:    250 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	for {
		err := c.probe(ctx, addr, c.cfg.SSHConnectTimeout)
		if err == nil {
			c.logger.Info("ssh_port_open", "host", hc.ID, "address", addr, "attempts", int(b.Attempt())+1)
			return nil
		}

		wait := b.Duration()
		c.logger.Debug("ssh_port_closed", "host", hc.ID, "address", addr, "retry_in", wait, "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Classify(errors.KindTimeout, err, "ssh port %s of host %s still closed after %s (%d attempts)",
				addr, hc.ID, c.cfg.SSHPortOpenTimeout, int(b.Attempt()))
		case <-timer.C:
		}
	}
}

// checkDNS requires the host to reach at least one of the configured DNS servers.
func (c *Connector) checkDNS(ctx context.Context, hc *HostContext) error {
	var last error
	for _, dns := range c.cfg.DNSCheckList {
		err := bootstrap.Check(ctx, c.shell, target(hc), fmt.Sprintf("ping -c 3 -W 2 %s", dns))
		if err == nil {
			c.logger.Debug("host_dns_reachable", "host", hc.ID, "dns", dns)
			return nil
		}
		last = err
	}
	return errors.Operation(errors.CodeNone, last, "host %s[%s] cannot reach any of the DNS servers %s",
		hc.ID, hc.ManagementIP, strings.Join(c.cfg.DNSCheckList, ","))
}

func (c *Connector) checkManagementReachable(ctx context.Context, hc *HostContext) error {
	cmd := fmt.Sprintf("curl --connect-timeout 10 -s -o /dev/null %s", c.cfg.CallbackURL)
	if err := bootstrap.Check(ctx, c.shell, target(hc), cmd); err != nil {
		return errors.Operation(errors.CodeNone, err, "host %s[%s] cannot reach the management node at %s",
			hc.ID, hc.ManagementIP, c.cfg.CallbackURL)
	}
	return nil
}

// echo waits for the freshly deployed agent to answer.
func (c *Connector) echo(ctx context.Context, hc *HostContext) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.AgentStartTimeout)
	defer cancel()

	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 5 * time.Second, Factor: 2}
	for {
		err := c.dispatcher.Call(ctx, hc.request(agent.PathEcho, nil, ""), nil)
		if err == nil {
			return nil
		}
		if !errors.IsRetryable(err) {
			return errors.Operation(errors.CodeNone, err, "agent on host %s[%s] did not echo", hc.ID, hc.ManagementIP)
		}

		timer := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Operation(errors.CodeNone, err, "agent on host %s[%s] did not echo within %s",
				hc.ID, hc.ManagementIP, c.cfg.AgentStartTimeout)
		case <-timer.C:
		}
	}
}

func (c *Connector) collectFacts(ctx context.Context, hc *HostContext, data flow.Data) error {
	facts := &agent.HostFactResponse{}
	if err := c.dispatcher.Call(ctx, hc.request(agent.PathHostFact, &agent.HostFactCmd{IgnoreMsrs: c.cfg.IgnoreMsrs}, ""), facts); err != nil {
		return errors.Operation(errors.CodeNone, err, "failed to collect facts of host %s[%s]", hc.ID, hc.ManagementIP)
	}
	if facts.HvmCPUFlag == "" {
		return errors.New(errors.KindNoCapability,
			"host %s[%s] has no hardware virtualization (vmx/svm), check the BIOS settings", hc.ID, hc.ManagementIP)
	}

	prev, err := c.inventory.Tags(ctx, hc.ID)
	if err != nil {
		return errors.Wrap(err, "read tags of host "+hc.ID)
	}
	tags := maps.Clone(prev)
	if tags == nil {
		tags = make(map[string]string)
	}
	delete(tags, TagVirtioSCSI)
	delete(tags, TagExtraIPs)
	maps.Copy(tags, FactTags(facts, hc.ManagementIP))

	data[dataPreviousTags] = prev
	if err := c.inventory.ReplaceTags(ctx, hc.ID, tags); err != nil {
		return errors.Wrap(err, "save tags of host "+hc.ID)
	}
	data[dataFacts] = facts

	c.logger.Info("host_facts_collected",
		"host", hc.ID,
		"os", facts.OSDistribution+" "+facts.OSRelease,
		"libvirt", facts.LibvirtVersion,
		"qemu_img", facts.QemuImgVersion,
		"cpu_model", facts.CPUModelName)
	return nil
}

// checkCluster compares hc with the first connected peer of its cluster.
func (c *Connector) checkCluster(ctx context.Context, hc *HostContext) error {
	if hc.ClusterID == "" {
		return nil
	}
	peers, err := c.inventory.ListClusterPeers(ctx, hc.ClusterID, hc.ID)
	if err != nil {
		return errors.Wrap(err, "list peers of host "+hc.ID)
	}

	mine, err := c.inventory.Tags(ctx, hc.ID)
	if err != nil {
		return errors.Wrap(err, "read tags of host "+hc.ID)
	}

	for _, peer := range peers {
		if peer.Status != db.HostConnected {
			continue
		}
		theirs, err := c.inventory.Tags(ctx, peer.ID)
		if err != nil {
			return errors.Wrap(err, "read tags of host "+peer.ID)
		}
		if len(theirs) == 0 {
			continue
		}

		diffs := CompareWithPeer(mine, theirs, peer.ID, c.cfg.CheckCPUModel)
		if len(diffs) == 0 {
			return nil
		}
		var parts []string
		for _, d := range diffs {
			parts = append(parts, fmt.Sprintf("%s %q (host %s has %q)", d.Tag, d.Host, d.PeerID, d.Peer))
		}
		return errors.Operation(errors.CodeIncompatibleHost, nil, "host %s[%s] does not match cluster %s: %s",
			hc.ID, hc.ManagementIP, hc.ClusterID, strings.Join(parts, ", "))
	}
	return nil
}
