package bootstrap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fly-io/hostdriver/pkg/errors"
	"github.com/fly-io/hostdriver/pkg/security"
	"github.com/fly-io/hostdriver/pkg/storage"
)

// InstallScript must sit at the root of every agent bundle.
const InstallScript = "install.sh"

// Fetcher downloads agent bundles.
type Fetcher interface {
	FetchAgentBundle(ctx context.Context, key, dir string) (*storage.Bundle, error)
}

// Options configures a Deployer.
type Options struct {
	BundleKey string
	WorkDir   string
	// RemoteDir is where the bundle is unpacked on hosts.
	RemoteDir   string
	AgentPort   int
	CallbackURL string
}

// Staged is a bundle fetched and validated on the management node.
type Staged struct {
	Bundle *storage.Bundle
	Dir    string
	Files  int
	Size   int64
}

// Deployer installs the agent bundle on hosts. The bundle is fetched and
// validated once, then copied to every host it deploys to.
type Deployer struct {
	shell     Shell
	fetcher   Fetcher
	validator *security.Validator
	opts      Options

	mu     sync.Mutex
	staged *Staged
}

// NewDeployer creates a deployer.
func NewDeployer(shell Shell, fetcher Fetcher, validator *security.Validator, opts Options) *Deployer {
	if opts.RemoteDir == "" {
		opts.RemoteDir = "/var/lib/hostdriver/agent"
	}
	return &Deployer{shell: shell, fetcher: fetcher, validator: validator, opts: opts}
}

// Stage fetches and extracts the bundle unless that already happened.
func (d *Deployer) Stage(ctx context.Context) (*Staged, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.staged != nil {
		return d.staged, nil
	}

	bundle, err := d.fetcher.FetchAgentBundle(ctx, d.opts.BundleKey, d.opts.WorkDir)
	if err != nil {
		return nil, errors.Wrap(err, "fetch agent bundle")
	}

	dir := filepath.Join(d.opts.WorkDir, StagingDirName(bundle.SHA256))
	if err := os.RemoveAll(dir); err != nil {
		return nil, errors.Wrap(err, "clean staging directory")
	}
	if err := ExtractBundle(bundle.LocalPath, dir, d.validator); err != nil {
		slog.Error("agent_bundle_rejected", "key", bundle.Key, "error", err)
		return nil, errors.Wrap(err, "extract agent bundle "+bundle.Key)
	}
	if _, err := os.Stat(filepath.Join(dir, InstallScript)); err != nil {
		return nil, errors.New(errors.KindInternal, "agent bundle %s has no %s", bundle.Key, InstallScript)
	}

	d.staged = &Staged{Bundle: bundle, Dir: dir, Files: d.validator.Entries(), Size: d.validator.TotalSize()}
	slog.Info("agent_bundle_staged",
		"key", bundle.Key,
		"dir", dir,
		"files", d.staged.Files,
		"size_kb", d.staged.Size/1024)
	return d.staged, nil
}

// Deploy copies the staged bundle to t, unless an identical copy is already
// there, then unpacks it and runs its install script.
func (d *Deployer) Deploy(ctx context.Context, t Target) error {
	staged, err := d.Stage(ctx)
	if err != nil {
		return err
	}

	remoteDir := d.opts.RemoteDir
	remoteBundle := path.Join(remoteDir, path.Base(staged.Bundle.LocalPath))

	if err := Check(ctx, d.shell, t, "mkdir -p "+shellQuote(remoteDir)); err != nil {
		return err
	}

	res, err := d.shell.Run(ctx, t, fmt.Sprintf("sha256sum %s 2>/dev/null | cut -d' ' -f1", shellQuote(remoteBundle)))
	if err != nil {
		return err
	}
	if strings.TrimSpace(res.Stdout) == staged.Bundle.SHA256 {
		slog.Info("agent_bundle_up_to_date", "host", t.HostID, "path", remoteBundle)
	} else {
		f, err := os.Open(staged.Bundle.LocalPath)
		if err != nil {
			return errors.Wrap(err, "open staged bundle")
		}
		defer f.Close()
		if err := d.shell.Upload(ctx, t, f, remoteBundle, 0o644); err != nil {
			return err
		}
	}

	install := fmt.Sprintf("tar xf %s -C %s && sh %s --port %d --callback %s",
		shellQuote(remoteBundle),
		shellQuote(remoteDir),
		shellQuote(path.Join(remoteDir, InstallScript)),
		d.opts.AgentPort,
		shellQuote(d.opts.CallbackURL))
	if err := Check(ctx, d.shell, t, install); err != nil {
		return err
	}

	slog.Info("agent_deployed", "host", t.HostID, "address", t.Address, "bundle", staged.Bundle.Key)
	return nil
}

// Check runs cmd and turns a non-zero exit status into an APPLICATION error
// carrying the command's stderr.
func Check(ctx context.Context, shell Shell, t Target, cmd string) error {
	res, err := shell.Run(ctx, t, cmd)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return errors.New(errors.KindApplication, "command on host %s[%s] exited with %d: %s",
			t.HostID, t.Address, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// StagingDirName is the work-dir directory a bundle with the given SHA-256 is
// extracted to.
func StagingDirName(sum string) string {
	return "agent-" + shortSum(sum)
}

// StagingDirOf hashes a downloaded bundle and returns StagingDirName for it.
func StagingDirOf(bundlePath string) (string, error) {
	f, err := os.Open(bundlePath)
	if err != nil {
		return "", errors.Wrap(err, "open bundle")
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrap(err, "hash bundle")
	}
	return StagingDirName(hex.EncodeToString(h.Sum(nil))), nil
}

func shortSum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
