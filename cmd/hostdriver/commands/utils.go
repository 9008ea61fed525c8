package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fly-io/hostdriver/internal/config"
	"github.com/fly-io/hostdriver/pkg/agent"
	"github.com/fly-io/hostdriver/pkg/bootstrap"
	"github.com/fly-io/hostdriver/pkg/db"
	"github.com/fly-io/hostdriver/pkg/errors"
	"github.com/fly-io/hostdriver/pkg/extension"
	"github.com/fly-io/hostdriver/pkg/host"
	"github.com/fly-io/hostdriver/pkg/sched"
	"github.com/fly-io/hostdriver/pkg/security"
	"github.com/fly-io/hostdriver/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBPath, workDir string) error {
	// Create database directory
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// Create FSM database directory (only needed for reconcile)
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	// Create work directory (only needed for connect)
	if workDir != "" {
		if err := os.MkdirAll(workDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create work directory")
		}
	}

	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}
	return cfg, nil
}

// runtime is the wired driver stack shared by the commands.
type runtime struct {
	cfg        *config.Config
	repo       *db.Repository
	scheduler  *sched.Scheduler
	dispatcher *agent.Dispatcher
	driver     *host.Driver
	registry   *prometheus.Registry
}

// newRuntime wires the driver. withConnector also sets up SSH and the agent
// bundle source, which only the connect command needs.
func newRuntime(ctx context.Context, cfg *config.Config, withConnector bool) (*runtime, error) {
	workDir := ""
	if withConnector {
		workDir = cfg.WorkDir
	}
	if err := ensureDirectories(cfg.SQLitePath, "", workDir); err != nil {
		return nil, err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}

	levels, err := cfg.Levels()
	if err != nil {
		repo.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	exts := extension.NewRegistry()

	scheduler := sched.New(sched.Config{Workers: cfg.Workers, LevelCapacity: levels}, reg)
	dispatcher := agent.NewDispatcher(agent.Config{
		Scheme:         cfg.AgentScheme,
		Port:           cfg.AgentPort,
		RootPath:       cfg.AgentRootPath,
		DefaultTimeout: cfg.AgentReadTimeout(),
	}, agent.NewHTTPTransport(), agent.NewTimeouts(cfg.CommandTimeouts), exts, reg)

	var connector *host.Connector
	if withConnector {
		connector, err = newConnector(ctx, cfg, repo, dispatcher, exts)
		if err != nil {
			repo.Close()
			return nil, err
		}
	}

	return &runtime{
		cfg:        cfg,
		repo:       repo,
		scheduler:  scheduler,
		dispatcher: dispatcher,
		driver:     host.NewDriver(host.Config{SyncLevel: cfg.HostSyncLevel}, repo, scheduler, dispatcher, connector, exts),
		registry:   reg,
	}, nil
}

func newConnector(ctx context.Context, cfg *config.Config, repo *db.Repository, dispatcher *agent.Dispatcher, exts *extension.Registry) (*host.Connector, error) {
	shell, err := bootstrap.NewSSHRunner(cfg.SSHConnectTimeout, cfg.SSHKeyPath)
	if err != nil {
		return nil, errors.Wrap(err, "ssh init failed")
	}

	s3Client, err := storage.NewClient(ctx, cfg.S3Bucket, cfg.S3Region)
	if err != nil {
		return nil, errors.Wrap(err, "S3 client failed")
	}

	validator := security.NewValidator(security.Limits{
		MaxFileSize:         cfg.MaxFileSize,
		MaxTotalSize:        cfg.MaxTotalSize,
		MaxCompressionRatio: cfg.MaxCompressionRatio,
	})
	deployer := bootstrap.NewDeployer(shell, s3Client, validator, bootstrap.Options{
		BundleKey:   cfg.AgentBundleKey,
		WorkDir:     cfg.WorkDir,
		AgentPort:   cfg.AgentPort,
		CallbackURL: cfg.CallbackURL,
	})

	return host.NewConnector(host.ConnectConfig{
		SSHPortOpenTimeout: cfg.SSHPortOpenTimeout,
		SSHConnectTimeout:  cfg.SSHConnectTimeout,
		AgentStartTimeout:  cfg.AgentStartTimeout,
		SkipNetworkChecks:  cfg.SkipNetworkChecks,
		DNSCheckList:       cfg.DNSCheckList,
		CallbackURL:        cfg.CallbackURL,
		CheckCPUModel:      cfg.CheckCPUModel,
		UpdatePackages:     cfg.UpdatePackages,
		IgnoreMsrs:         cfg.IgnoreMsrs,
		PrepareScript:      cfg.PrepareHostEnvScript,
	}, repo, dispatcher, shell, deployer, exts), nil
}

// close drains the scheduler, closes the inventory and logs the metrics.
func (r *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.scheduler.Shutdown(ctx); err != nil {
		slog.Warn("scheduler_shutdown_failed", "error", err)
	}
	logMetrics(r.registry)
	r.repo.Close()
}

// logMetrics logs one line per collected series.
func logMetrics(reg *prometheus.Registry) {
	families, err := reg.Gather()
	if err != nil {
		slog.Warn("metrics_gather_failed", "error", err)
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			attrs := []any{"metric", mf.GetName()}
			for _, lp := range m.GetLabel() {
				attrs = append(attrs, lp.GetName(), lp.GetValue())
			}
			switch {
			case m.GetCounter() != nil:
				attrs = append(attrs, "value", m.GetCounter().GetValue())
			case m.GetGauge() != nil:
				attrs = append(attrs, "value", m.GetGauge().GetValue())
			case m.GetHistogram() != nil:
				attrs = append(attrs,
					"count", m.GetHistogram().GetSampleCount(),
					"sum_seconds", m.GetHistogram().GetSampleSum())
			}
			slog.Info("metric_summary", attrs...)
		}
	}
}
