// Package agent sends commands to the per-host agent and classifies the outcome.
//
// A call goes through four stages: timeout resolution, header and addon
// enrichment by the registered before-send extensions, the transport round
// trip, and decoding of the response envelope. Transport failures, timeouts,
// malformed responses and agent-reported failures come back as *errors.Error
// values with their kind already decided.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/fly-io/hostdriver/pkg/errors"
	"github.com/fly-io/hostdriver/pkg/extension"
	"github.com/prometheus/client_golang/prometheus"
)

// BeforeSendHook augments a command before it is sent. The command is passed in its
// structured form and must be treated as read-only; the returned key/values are merged
// into the command's addons. Hooks may add entries to header.
type BeforeSendHook interface {
	BeforeAgentSend(path string, command map[string]any, header map[string]string) map[string]any
}

// BeforeSendFunc adapts a function to BeforeSendHook.
type BeforeSendFunc func(path string, command map[string]any, header map[string]string) map[string]any

func (f BeforeSendFunc) BeforeAgentSend(path string, command map[string]any, header map[string]string) map[string]any {
	return f(path, command, header)
}

// Config holds how agent URLs are built and the fallback timeout.
type Config struct {
	Scheme         string
	Port           int
	RootPath       string
	DefaultTimeout time.Duration
}

// Request is one agent call.
type Request struct {
	// HostIP is the management address of the agent's host.
	HostIP string
	Path   string
	// Command is any JSON object. It is never modified.
	Command any
	// ResourceID correlates the call at the agent.
	ResourceID string
	// Timeout overrides the command type default when positive.
	Timeout time.Duration
}

// Completion receives the outcome of an asynchronous call, exactly once.
type Completion func(err error)

// Dispatcher sends commands to host agents. It holds no host state.
type Dispatcher struct {
	cfg       Config
	transport Transport
	timeouts  *Timeouts
	exts      *extension.Registry
	metrics   *metrics
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher. timeouts, exts and reg may be nil.
func NewDispatcher(cfg Config, transport Transport, timeouts *Timeouts, exts *extension.Registry, reg prometheus.Registerer) *Dispatcher {
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	return &Dispatcher{
		cfg:       cfg,
		transport: transport,
		timeouts:  timeouts,
		exts:      exts,
		metrics:   newMetrics(reg),
		logger:    slog.Default(),
	}
}

// URL builds the agent URL of p on the host at ip.
func (d *Dispatcher) URL(ip, p string) string {
	u := url.URL{
		Scheme: d.cfg.Scheme,
		Host:   net.JoinHostPort(ip, strconv.Itoa(d.cfg.Port)),
		Path:   path.Join("/", d.cfg.RootPath, p),
	}
	return u.String()
}

// Timeout returns the timeout req will be sent with.
func (d *Dispatcher) Timeout(req Request) time.Duration {
	return d.timeouts.Resolve(req.Command, req.Timeout, d.cfg.DefaultTimeout)
}

// Dispatch sends req in the background and decodes the response into out, which may
// be nil. done is invoked exactly once with nil on success or the classified failure.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, out Enveloped, done Completion) {
	go func() {
		done(d.Call(ctx, req, out))
	}()
}

// Call sends req and blocks until the agent answers or the call fails.
func (d *Dispatcher) Call(ctx context.Context, req Request, out Enveloped) error {
	if out == nil {
		out = &AgentResponse{}
	}

	started := time.Now()
	target := d.URL(req.HostIP, req.Path)
	timeout := d.Timeout(req)

	header := map[string]string{HeaderResourceID: req.ResourceID}
	body, err := d.Encode(req, header)
	if err != nil {
		return err
	}

	d.logger.Debug("agent_command_sent",
		"url", target,
		"command", CommandType(req.Command),
		"resource", req.ResourceID,
		"timeout_ms", timeout.Milliseconds())

	data, err := d.transport.Send(ctx, target, body, header, timeout)
	if err != nil {
		kind, outcome := errors.KindTransport, outcomeTransport
		if isTimeout(ctx, err) {
			kind, outcome = errors.KindTimeout, outcomeTimeout
		}
		d.metrics.observe(req.Path, outcome, started)
		d.logger.Warn("agent_command_transport_failed", "url", target, "kind", kind, "error", err)
		return errors.Classify(kind, err, "unable to reach agent at %s", target)
	}

	if err := json.Unmarshal(data, out); err != nil {
		d.metrics.observe(req.Path, outcomeMalformed, started)
		d.logger.Warn("agent_command_malformed_response", "url", target, "error", err)
		return &errors.Error{
			Kind:    errors.KindTransport,
			Code:    errors.CodeMalformedResponse,
			Message: "malformed response from " + target,
			Cause:   err,
		}
	}

	env := out.Envelope()
	if !env.Success {
		d.metrics.observe(req.Path, outcomeApplication, started)
		d.logger.Info("agent_command_failed", "url", target, "reason", env.Error)
		return errors.New(errors.KindApplication, "%s", env.Error)
	}

	d.metrics.observe(req.Path, outcomeSuccess, started)
	d.logger.Debug("agent_command_succeeded", "url", target, "duration_ms", time.Since(started).Milliseconds())
	return nil
}

// Encode serializes req's command and appends the addons merged from every
// before-send hook, in registration order. The command itself is left untouched.
func (d *Dispatcher) Encode(req Request, header map[string]string) ([]byte, error) {
	body := []byte("{}")
	if req.Command != nil {
		b, err := json.Marshal(req.Command)
		if err != nil {
			return nil, errors.Classify(errors.KindInternal, err, "cannot serialize %s", CommandType(req.Command))
		}
		body = bytes.TrimSpace(b)
	}

	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return nil, errors.New(errors.KindInternal, "command %s is not a JSON object", CommandType(req.Command))
	}

	addons := make(map[string]any)
	for _, hook := range extension.List[BeforeSendHook](d.exts, extension.PointBeforeAgentSend) {
		for k, v := range hook.BeforeAgentSend(req.Path, fields, header) {
			addons[k] = v
		}
	}

	encoded, err := json.Marshal(addons)
	if err != nil {
		return nil, errors.Classify(errors.KindInternal, err, "cannot serialize addons of %s", CommandType(req.Command))
	}

	if _, reserved := fields[AddonsField]; reserved {
		fields[AddonsField] = json.RawMessage(encoded)
		out, err := json.Marshal(fields)
		if err != nil {
			return nil, errors.Classify(errors.KindInternal, err, "cannot serialize %s", CommandType(req.Command))
		}
		return out, nil
	}

	var buf bytes.Buffer
	buf.Write(body[:len(body)-1])
	if len(fields) > 0 {
		buf.WriteByte(',')
	}
	buf.WriteString(`"` + AddonsField + `":`)
	buf.Write(encoded)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Reason returns the agent-provided reason of an application failure, or the
// error text for other failures.
func Reason(err error) string {
	var ce *errors.Error
	if errors.As(err, &ce) && ce.Kind == errors.KindApplication && ce.Cause == nil {
		return ce.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return ctx.Err() == context.DeadlineExceeded
}
