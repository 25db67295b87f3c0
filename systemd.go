package nativesvc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/axondata/go-nativesvc/internal/atomicfile"
)

// is-enabled vocabulary. Unit files that are not installed as symlinks but
// still start (static, generated, ...) count as enabled.
var systemdEnablement = map[string]Enablement{
	"enabled":         Enabled,
	"enabled-runtime": Enabled,
	"static":          Enabled,
	"indirect":        Enabled,
	"generated":       Enabled,
	"transient":       Enabled,
	"alias":           Enabled,
	"disabled":        Disabled,
	"masked":          Disabled,
	"masked-runtime":  Disabled,
	"linked":          Disabled,
	"linked-runtime":  Disabled,
	"not-found":       Disabled,
}

// is-active vocabulary
var systemdActivity = map[string]RunState{
	"active":       Running,
	"reloading":    Running,
	"refreshing":   Running,
	"inactive":     NotRunning,
	"failed":       NotRunning,
	"activating":   NotRunning,
	"deactivating": NotRunning,
	"maintenance":  NotRunning,
}

// systemdBackend drives a unit through systemctl
type systemdBackend struct {
	name          string
	appDir        string
	unitDir       string
	runner        Runner
	logger        *zap.Logger
	system        bool
	useSudo       bool
	sudoCommand   string
	systemctlPath string
}

func newSystemdBackend(m *Manager) (*systemdBackend, error) {
	b := &systemdBackend{
		name:          m.cfg.Name,
		appDir:        m.cfg.AppDir,
		unitDir:       m.unitDir,
		runner:        m.runner,
		logger:        m.logger,
		system:        m.systemScope,
		useSudo:       m.systemScope && m.useSudo,
		sudoCommand:   m.sudoCommand,
		systemctlPath: "systemctl",
	}
	if b.unitDir == "" {
		if b.system {
			b.unitDir = systemdSystemUnitDir
		} else {
			dir, err := systemdUserUnitDir()
			if err != nil {
				return nil, fmt.Errorf("%w: resolve systemd user unit dir: %v", ErrInvalidConfig, err)
			}
			b.unitDir = dir
		}
	}
	return b, nil
}

func (b *systemdBackend) platform() Platform { return PlatformSystemd }

func (b *systemdBackend) timing() timing {
	return timing{interval: DefaultPollInterval, timeout: DefaultWaitTimeout}
}

func (b *systemdBackend) watchPaths() []string { return []string{b.unitDir} }

func (b *systemdBackend) unitName() string { return b.name + ".service" }

func (b *systemdBackend) unitPath() string { return filepath.Join(b.unitDir, b.unitName()) }

// command builds a privileged-if-needed invocation of prog
func (b *systemdBackend) command(prog string, args ...string) (string, []string) {
	if b.useSudo {
		return b.sudoCommand, append([]string{prog}, args...)
	}
	return prog, args
}

// systemctl runs systemctl in the configured scope without interpreting the exit code
func (b *systemdBackend) systemctl(ctx context.Context, args ...string) (*Result, error) {
	if !b.system {
		args = append([]string{"--user"}, args...)
	}
	name, full := b.command(b.systemctlPath, args...)
	return b.runner.Run(ctx, name, full...)
}

// systemctlOK runs systemctl and fails on a non-zero exit code
func (b *systemdBackend) systemctlOK(ctx context.Context, args ...string) error {
	if !b.system {
		args = append([]string{"--user"}, args...)
	}
	name, full := b.command(b.systemctlPath, args...)
	_, err := run(ctx, b.runner, name, full...)
	return err
}

func (b *systemdBackend) status(ctx context.Context) (Status, error) {
	if _, err := os.Stat(b.unitPath()); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Status{}, nil
		}
		return Status{}, err
	}
	st := Status{Installation: Installed}

	res, err := b.systemctl(ctx, "is-enabled", b.unitName())
	if err != nil {
		return Status{}, err
	}
	word := firstLine(res.Stdout)
	en, ok := systemdEnablement[word]
	if !ok {
		return Status{}, fmt.Errorf("%w: systemctl is-enabled returned %q (exit %d, stderr: %s)",
			ErrAmbiguousStatus, word, res.ExitCode, res.Stderr)
	}
	st.Enablement = en

	res, err = b.systemctl(ctx, "is-active", b.unitName())
	if err != nil {
		return Status{}, err
	}
	word = firstLine(res.Stdout)
	rs, ok := systemdActivity[word]
	if !ok {
		return Status{}, fmt.Errorf("%w: systemctl is-active returned %q (exit %d, stderr: %s)",
			ErrAmbiguousStatus, word, res.ExitCode, res.Stderr)
	}
	st.Running = rs
	return st, nil
}

func (b *systemdBackend) install(ctx context.Context, args []string, version *semver.Version) error {
	wantedBy := "default.target"
	if b.system {
		wantedBy = "multi-user.target"
	}
	content, err := buildSystemdUnit(unitSpec{
		Name:       b.name,
		Args:       args,
		WorkingDir: b.appDir,
		Version:    version,
		WantedBy:   wantedBy,
	})
	if err != nil {
		return fmt.Errorf("generating unit file: %w", err)
	}

	if err := b.writeUnitFile(ctx, content); err != nil {
		return fmt.Errorf("writing unit file: %w", err)
	}
	b.logger.Debug("Wrote systemd unit", zap.String("path", b.unitPath()))

	if err := b.systemctlOK(ctx, "daemon-reload"); err != nil {
		return fmt.Errorf("reloading systemd: %w", err)
	}
	return nil
}

// writeUnitFile writes the unit file, staging it in AppDir when sudo is needed
func (b *systemdBackend) writeUnitFile(ctx context.Context, content string) error {
	if !b.useSudo {
		if err := os.MkdirAll(b.unitDir, DirMode); err != nil {
			return err
		}
		return atomicfile.WriteFile(b.unitPath(), []byte(content), FileMode)
	}

	staged := filepath.Join(b.appDir, b.unitName())
	if err := atomicfile.WriteFile(staged, []byte(content), FileMode); err != nil {
		return err
	}
	defer func() { _ = os.Remove(staged) }()

	name, args := b.command("install", "-m", "0644", staged, b.unitPath())
	_, err := run(ctx, b.runner, name, args...)
	return err
}

func (b *systemdBackend) enable(ctx context.Context) error {
	return b.systemctlOK(ctx, "enable", b.unitName())
}

func (b *systemdBackend) disable(ctx context.Context) error {
	return b.systemctlOK(ctx, "disable", b.unitName())
}

func (b *systemdBackend) start(ctx context.Context) error {
	return b.systemctlOK(ctx, "start", b.unitName())
}

func (b *systemdBackend) stop(ctx context.Context) error {
	return b.systemctlOK(ctx, "stop", b.unitName())
}

func (b *systemdBackend) remove(ctx context.Context) error {
	if b.useSudo {
		name, args := b.command("rm", "-f", b.unitPath())
		if _, err := run(ctx, b.runner, name, args...); err != nil {
			return fmt.Errorf("removing unit file: %w", err)
		}
	} else if err := os.Remove(b.unitPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing unit file: %w", err)
	}

	if err := b.systemctlOK(ctx, "daemon-reload"); err != nil {
		return fmt.Errorf("reloading systemd: %w", err)
	}
	// Forget a failed state so a reinstall starts clean
	if res, err := b.systemctl(ctx, "reset-failed", b.unitName()); err == nil && res.ExitCode != 0 {
		b.logger.Debug("reset-failed reported an error", zap.String("stderr", res.Stderr))
	}
	return nil
}

func (b *systemdBackend) version(_ context.Context) (*semver.Version, error) {
	data, err := os.ReadFile(b.unitPath())
	if err != nil {
		return nil, err
	}
	raw, ok := unitVersion(string(data))
	if !ok {
		return nil, fmt.Errorf("%w: no VERSION in %s", ErrAmbiguousStatus, b.unitPath())
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: VERSION %q: %v", ErrAmbiguousStatus, raw, err)
	}
	return v, nil
}

// firstLine returns the first non-empty trimmed line of s
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
