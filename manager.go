package nativesvc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/axondata/go-nativesvc/internal/proctree"
)

// backend is one native service facility. Its mutating methods perform a
// single native action without consulting status; ordering, idempotency and
// convergence live in Manager.
type backend interface {
	platform() Platform
	status(ctx context.Context) (Status, error)
	// install materializes and registers the unit definition
	install(ctx context.Context, args []string, version *semver.Version) error
	enable(ctx context.Context) error
	disable(ctx context.Context) error
	start(ctx context.Context) error
	stop(ctx context.Context) error
	// remove deletes the unit definition
	remove(ctx context.Context) error
	version(ctx context.Context) (*semver.Version, error)
	// timing returns the facility's convergence defaults
	timing() timing
	// watchPaths lists directories whose changes may signal a status change
	watchPaths() []string
}

// timing holds per-facility convergence defaults
type timing struct {
	interval   time.Duration
	timeout    time.Duration
	stopFailed error
}

// Manager installs and controls one service through the host's native
// service facility. Operations on one Manager must not run concurrently.
type Manager struct {
	cfg     Config
	backend backend
	poll    poller
	logger  *zap.Logger

	runner           Runner
	clock            clock.Clock
	procs            proctree.Table
	unitDir          string
	systemScope      bool
	useSudo          bool
	sudoCommand      string
	supervisorBinary string
	uid              int
}

// Name returns the service name
func (m *Manager) Name() string { return m.cfg.Name }

// AppDir returns the service's working directory
func (m *Manager) AppDir() string { return m.cfg.AppDir }

// Platform returns the facility this Manager drives
func (m *Manager) Platform() Platform { return m.backend.platform() }

// Config returns the effective configuration, defaults applied
func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) opErr(op Operation, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Service: m.cfg.Name, Err: err}
}

// Status reads the current status from the facility
func (m *Manager) Status(ctx context.Context) (Status, error) {
	st, err := m.status(ctx)
	if err != nil {
		return Status{}, m.opErr(OpStatus, err)
	}
	return st, nil
}

func (m *Manager) status(ctx context.Context) (Status, error) {
	st, err := m.backend.status(ctx)
	if err != nil {
		return Status{}, err
	}
	st = st.normalize()
	m.logger.Debug("Sampled service status", zap.Stringer("status", st))
	return st, nil
}

// Version returns the version embedded in the installed unit definition
// without starting the service
func (m *Manager) Version(ctx context.Context) (*semver.Version, error) {
	st, err := m.status(ctx)
	if err != nil {
		return nil, m.opErr(OpVersion, err)
	}
	if !st.IsInstalled() {
		return nil, m.opErr(OpVersion, ErrNotInstalled)
	}
	v, err := m.backend.version(ctx)
	if err != nil {
		return nil, m.opErr(OpVersion, err)
	}
	return v, nil
}

// Install registers the service so that it runs args with the working
// directory AppDir, then enables and starts it. Arguments are validated
// before the facility is touched. If any later step fails the partial
// installation is rolled back and the original error is returned.
func (m *Manager) Install(ctx context.Context, args []string, version *semver.Version, strict bool) error {
	if err := validateInstall(args, version); err != nil {
		return m.opErr(OpInstall, err)
	}

	st, err := m.status(ctx)
	if err != nil {
		return m.opErr(OpInstall, err)
	}
	if st.IsInstalled() {
		if strict {
			return m.opErr(OpInstall, ErrAlreadyInstalled)
		}
		m.logger.Debug("Service already installed, skipping")
		return nil
	}

	m.logger.Info("Installing service",
		zap.Strings("args", args),
		zap.Stringer("version", version),
		zap.String("app_dir", m.cfg.AppDir))

	if err := m.install(ctx, args, version); err != nil {
		m.logger.Warn("Install failed, rolling back", zap.Error(err))
		// The caller's ctx may be what failed the install
		rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*m.operationTimeout())
		defer cancel()
		if rbErr := m.rollback(rbCtx); rbErr != nil {
			m.logger.Error("Rollback after failed install did not complete",
				zap.Error(rbErr))
		}
		return m.opErr(OpInstall, err)
	}

	m.logger.Info("Service installed")
	return nil
}

func (m *Manager) install(ctx context.Context, args []string, version *semver.Version) error {
	if err := os.MkdirAll(m.cfg.AppDir, DirMode); err != nil {
		return fmt.Errorf("create app dir: %w", err)
	}
	if err := m.backend.install(ctx, args, version); err != nil {
		return err
	}
	if err := m.enable(ctx, false); err != nil {
		return fmt.Errorf("enable: %w", err)
	}
	if err := m.start(ctx, false); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	return nil
}

// rollback removes whatever a failed install left behind
func (m *Manager) rollback(ctx context.Context) error {
	merr := &MultiError{}
	if err := m.uninstall(ctx, false); err != nil {
		merr.Add(err)
		// The ordered uninstall failed part way; remove what we can.
		merr.Add(m.backend.stop(ctx))
		merr.Add(m.backend.remove(ctx))
	}
	// A failure before registration leaves nothing for uninstall to find.
	merr.Add(os.RemoveAll(m.cfg.AppDir))
	return merr.Err()
}

func validateInstall(args []string, version *semver.Version) error {
	if len(args) == 0 || args[0] == "" {
		return ErrNoArguments
	}
	if version == nil {
		return ErrNoVersion
	}
	if filepath.IsAbs(args[0]) {
		info, err := os.Stat(args[0])
		if err != nil {
			return fmt.Errorf("%w: %s", ErrExecutableNotFound, args[0])
		}
		if info.IsDir() {
			return fmt.Errorf("%w: %s is a directory", ErrExecutableNotFound, args[0])
		}
	}
	return nil
}

// operationTimeout bounds one lifecycle operation: a native command plus
// convergence
func (m *Manager) operationTimeout() time.Duration {
	return m.cfg.CommandTimeout + m.poll.timeout
}

// Uninstall stops, disables and removes the service, then deletes AppDir
func (m *Manager) Uninstall(ctx context.Context, strict bool) error {
	m.logger.Info("Uninstalling service")
	if err := m.uninstall(ctx, strict); err != nil {
		return m.opErr(OpUninstall, err)
	}
	return nil
}

func (m *Manager) uninstall(ctx context.Context, strict bool) error {
	st, err := m.status(ctx)
	if err != nil {
		return err
	}
	if !st.IsInstalled() {
		if strict {
			return ErrNotInstalled
		}
		m.logger.Debug("Service not installed, skipping")
		return nil
	}

	if st.IsRunning() {
		m.logger.Info("Service is running, stopping first")
		if err := m.stop(ctx, false); err != nil {
			return fmt.Errorf("stop: %w", err)
		}
	}
	if st.IsEnabled() {
		m.logger.Info("Service is enabled, disabling first")
		if err := m.disable(ctx, false); err != nil {
			return fmt.Errorf("disable: %w", err)
		}
	}

	if err := m.backend.remove(ctx); err != nil {
		return fmt.Errorf("remove unit: %w", err)
	}
	if err := os.RemoveAll(m.cfg.AppDir); err != nil {
		return fmt.Errorf("remove app dir: %w", err)
	}
	m.logger.Info("Service uninstalled")
	return nil
}

// Enable makes the service start automatically at login or boot
func (m *Manager) Enable(ctx context.Context, strict bool) error {
	return m.opErr(OpEnable, m.enable(ctx, strict))
}

func (m *Manager) enable(ctx context.Context, strict bool) error {
	st, err := m.status(ctx)
	if err != nil {
		return err
	}
	if !st.IsInstalled() {
		return ErrNotInstalled
	}
	if st.IsEnabled() {
		if strict {
			return ErrAlreadyEnabled
		}
		m.logger.Debug("Service already enabled, skipping")
		return nil
	}
	if err := m.backend.enable(ctx); err != nil {
		return err
	}
	m.logger.Info("Service enabled")
	return nil
}

// Disable prevents automatic starts, stopping the service first if it runs
func (m *Manager) Disable(ctx context.Context, strict bool) error {
	return m.opErr(OpDisable, m.disable(ctx, strict))
}

func (m *Manager) disable(ctx context.Context, strict bool) error {
	st, err := m.status(ctx)
	if err != nil {
		return err
	}
	if !st.IsInstalled() {
		return ErrNotInstalled
	}
	if !st.IsEnabled() {
		if strict {
			return ErrAlreadyDisabled
		}
		m.logger.Debug("Service already disabled, skipping")
		return nil
	}
	if st.IsRunning() {
		m.logger.Info("Service is running, stopping first")
		if err := m.stop(ctx, false); err != nil {
			return fmt.Errorf("stop: %w", err)
		}
	}
	if err := m.backend.disable(ctx); err != nil {
		return err
	}
	m.logger.Info("Service disabled")
	return nil
}

// Start starts the service, enabling it first if needed, and waits until
// the facility reports it running
func (m *Manager) Start(ctx context.Context, strict bool) error {
	return m.opErr(OpStart, m.start(ctx, strict))
}

func (m *Manager) start(ctx context.Context, strict bool) error {
	st, err := m.status(ctx)
	if err != nil {
		return err
	}
	if !st.IsInstalled() {
		return ErrNotInstalled
	}
	if !st.IsEnabled() {
		m.logger.Info("Service is disabled, enabling first")
		if err := m.enable(ctx, false); err != nil {
			return fmt.Errorf("enable: %w", err)
		}
	}
	if st.IsRunning() {
		if strict {
			return ErrAlreadyRunning
		}
		m.logger.Debug("Service already running, skipping")
		return nil
	}

	if err := m.backend.start(ctx); err != nil {
		return err
	}
	if _, err := m.poll.waitFor(ctx, m.status, Status.IsRunning); err != nil {
		return err
	}
	m.logger.Info("Service started")
	return nil
}

// Stop stops the service and waits until the facility reports it stopped
func (m *Manager) Stop(ctx context.Context, strict bool) error {
	return m.opErr(OpStop, m.stop(ctx, strict))
}

func (m *Manager) stop(ctx context.Context, strict bool) error {
	st, err := m.status(ctx)
	if err != nil {
		return err
	}
	if !st.IsInstalled() {
		return ErrNotInstalled
	}
	if !st.IsRunning() {
		if strict {
			return ErrAlreadyStopped
		}
		m.logger.Debug("Service not running, skipping")
		return nil
	}

	if err := m.backend.stop(ctx); err != nil {
		return err
	}
	notRunning := func(s Status) bool { return !s.IsRunning() }
	if _, err := m.poll.waitFor(ctx, m.status, notRunning); err != nil {
		if stopFailed := m.backend.timing().stopFailed; stopFailed != nil && errors.Is(err, ErrConvergenceTimeout) {
			m.logger.Error("Service survived forced stop, operator intervention required", zap.Error(err))
			return fmt.Errorf("%w: %w", stopFailed, err)
		}
		return err
	}
	m.logger.Info("Service stopped")
	return nil
}
