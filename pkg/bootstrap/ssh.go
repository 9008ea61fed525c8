// Package bootstrap provisions the agent on a hypervisor host over SSH.
package bootstrap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fly-io/hostdriver/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// Target is the SSH endpoint of a host.
type Target struct {
	HostID   string
	Address  string
	Port     int
	User     string
	Password string
}

func (t Target) addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Address, strconv.Itoa(port))
}

// Result is the outcome of a remote command that ran.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Shell runs commands and copies files on a host.
type Shell interface {
	// Run returns an error only when the command could not be run at all (dial,
	// authentication, session failures). A non-zero exit status is reported in Result.
	Run(ctx context.Context, t Target, cmd string) (Result, error)
	Upload(ctx context.Context, t Target, r io.Reader, remotePath string, mode os.FileMode) error
}

// SSHRunner implements Shell with golang.org/x/crypto/ssh.
type SSHRunner struct {
	connectTimeout  time.Duration
	signer          ssh.Signer
	hostKeyCallback ssh.HostKeyCallback
}

// NewSSHRunner creates a runner. keyPath is optional; when set, the private key
// is offered before the host's password.
func NewSSHRunner(connectTimeout time.Duration, keyPath string) (*SSHRunner, error) {
	r := &SSHRunner{
		connectTimeout: connectTimeout,
		// Hosts are enrolled by address and password; no known_hosts exists yet.
		hostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	if keyPath == "" {
		return r, nil
	}

	pem, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errors.Wrap(err, "read ssh key")
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, errors.Wrap(err, "parse ssh key "+keyPath)
	}
	r.signer = signer
	slog.Info("ssh_key_loaded", "path", keyPath, "type", signer.PublicKey().Type())
	return r, nil
}

func (r *SSHRunner) clientConfig(t Target) *ssh.ClientConfig {
	var auth []ssh.AuthMethod
	if r.signer != nil {
		auth = append(auth, ssh.PublicKeys(r.signer))
	}
	if t.Password != "" {
		auth = append(auth, ssh.Password(t.Password))
	}
	return &ssh.ClientConfig{
		User:            t.User,
		Auth:            auth,
		HostKeyCallback: r.hostKeyCallback,
		Timeout:         r.connectTimeout,
	}
}

// dial connects to t. The returned close function must be called once the client is done.
func (r *SSHRunner) dial(ctx context.Context, t Target) (*ssh.Client, func(), error) {
	d := net.Dialer{Timeout: r.connectTimeout}
	conn, err := d.DialContext(ctx, "tcp", t.addr())
	if err != nil {
		return nil, nil, errors.Classify(errors.KindTransport, err, "ssh dial %s", t.addr())
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, t.addr(), r.clientConfig(t))
	if err != nil {
		conn.Close()
		return nil, nil, errors.Classify(errors.KindTransport, err, "ssh handshake with %s@%s", t.User, t.addr())
	}
	client := ssh.NewClient(c, chans, reqs)

	// Tear the connection down when ctx ends so a hung command cannot block forever.
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-stop:
		}
	}()
	return client, func() { close(stop); client.Close() }, nil
}

// Run executes cmd on t.
func (r *SSHRunner) Run(ctx context.Context, t Target, cmd string) (Result, error) {
	client, done, err := r.dial(ctx, t)
	if err != nil {
		return Result{}, err
	}
	defer done()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, errors.Classify(errors.KindTransport, err, "ssh session on %s", t.addr())
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	started := time.Now()
	res := Result{}
	if err := session.Run(cmd); err != nil {
		var exit *ssh.ExitError
		if !errors.As(err, &exit) {
			return Result{}, errors.Classify(errors.KindTransport, err, "ssh command on %s", t.addr())
		}
		res.ExitCode = exit.ExitStatus()
	}
	res.Stdout, res.Stderr = stdout.String(), stderr.String()

	slog.Debug("ssh_command_finished",
		"host", t.HostID,
		"exit_code", res.ExitCode,
		"duration_ms", time.Since(started).Milliseconds())
	return res, nil
}

// Upload streams r to remotePath on t.
func (r *SSHRunner) Upload(ctx context.Context, t Target, src io.Reader, remotePath string, mode os.FileMode) error {
	client, done, err := r.dial(ctx, t)
	if err != nil {
		return err
	}
	defer done()

	session, err := client.NewSession()
	if err != nil {
		return errors.Classify(errors.KindTransport, err, "ssh session on %s", t.addr())
	}
	defer session.Close()

	session.Stdin = src
	var stderr bytes.Buffer
	session.Stderr = &stderr

	cmd := fmt.Sprintf("cat > %s && chmod %o %s", shellQuote(remotePath), mode.Perm(), shellQuote(remotePath))
	if err := session.Run(cmd); err != nil {
		return errors.Wrap(err, fmt.Sprintf("upload %s to %s: %s", remotePath, t.addr(), stderr.String()))
	}
	slog.Info("ssh_upload_complete", "host", t.HostID, "path", remotePath)
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
