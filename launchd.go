package nativesvc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"howett.net/plist"

	"github.com/axondata/go-nativesvc/internal/atomicfile"
)

// launchdAgent is the property list of a per-user launch agent
type launchdAgent struct {
	Label             string   `plist:"Label"`
	ProgramArguments  []string `plist:"ProgramArguments"`
	WorkingDirectory  string   `plist:"WorkingDirectory"`
	RunAtLoad         bool     `plist:"RunAtLoad"`
	KeepAlive         bool     `plist:"KeepAlive"`
	ThrottleInterval  int      `plist:"ThrottleInterval"`
	StandardOutPath   string   `plist:"StandardOutPath"`
	StandardErrorPath string   `plist:"StandardErrorPath"`
	Version           string   `plist:"Version,omitempty"`
}

var launchdStateLine = regexp.MustCompile(`(?m)^\s*state\s*=\s*(.+?)\s*$`)

// launchdBackend drives a launch agent through launchctl
type launchdBackend struct {
	name     string
	label    string
	appDir   string
	agentDir string
	uid      int
	throttle time.Duration
	runner   Runner
	clock    clock.Clock
	logger   *zap.Logger
}

func newLaunchdBackend(m *Manager) (*launchdBackend, error) {
	b := &launchdBackend{
		name:     m.cfg.Name,
		label:    "com." + m.cfg.Vendor + "." + m.cfg.Name,
		appDir:   m.cfg.AppDir,
		agentDir: m.unitDir,
		uid:      m.uid,
		throttle: m.cfg.RestartThrottle,
		runner:   m.runner,
		clock:    m.clock,
		logger:   m.logger,
	}
	if b.agentDir == "" {
		dir, err := launchAgentDir()
		if err != nil {
			return nil, fmt.Errorf("%w: resolve LaunchAgents dir: %v", ErrInvalidConfig, err)
		}
		b.agentDir = dir
	}
	if b.uid < 0 {
		return nil, fmt.Errorf("%w: launchd needs a user id", ErrInvalidConfig)
	}
	return b, nil
}

func (b *launchdBackend) platform() Platform { return PlatformLaunchd }

func (b *launchdBackend) timing() timing {
	return timing{interval: DefaultPollInterval, timeout: DefaultLaunchdWaitTimeout}
}

func (b *launchdBackend) watchPaths() []string { return []string{b.agentDir} }

func (b *launchdBackend) plistPath() string {
	return filepath.Join(b.agentDir, b.label+".plist")
}

func (b *launchdBackend) domain() string { return fmt.Sprintf("gui/%d", b.uid) }

func (b *launchdBackend) target() string { return b.domain() + "/" + b.label }

func (b *launchdBackend) logDir() string {
	return filepath.Join(b.appDir, b.name+"_logs")
}

func (b *launchdBackend) status(ctx context.Context) (Status, error) {
	if _, err := os.Stat(b.plistPath()); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Status{}, nil
		}
		return Status{}, err
	}
	st := Status{Installation: Installed}

	res, err := run(ctx, b.runner, "launchctl", "print-disabled", b.domain())
	if err != nil {
		return Status{}, err
	}
	en, err := parsePrintDisabled(res.Stdout, b.label)
	if err != nil {
		return Status{}, err
	}
	st.Enablement = en

	rs, err := b.runState(ctx)
	if err != nil {
		return Status{}, err
	}
	st.Running = rs
	return st, nil
}

// runState reports whether the agent's process is alive. An agent that is
// not loaded in the domain is not running.
func (b *launchdBackend) runState(ctx context.Context) (RunState, error) {
	res, err := b.runner.Run(ctx, "launchctl", "print", b.target())
	if err != nil {
		return NotRunning, err
	}
	if res.ExitCode != 0 {
		return NotRunning, nil
	}
	return parsePrintState(res.Stdout)
}

// parsePrintDisabled reads the enablement of label from the output of
// launchctl print-disabled. Services absent from the list are enabled.
func parsePrintDisabled(out, label string) (Enablement, error) {
	re := regexp.MustCompile(`"` + regexp.QuoteMeta(label) + `"\s*=>\s*(\w+)`)
	m := re.FindStringSubmatch(out)
	if m == nil {
		return Enabled, nil
	}
	switch m[1] {
	case "disabled", "true":
		return Disabled, nil
	case "enabled", "false":
		return Enabled, nil
	default:
		return Disabled, fmt.Errorf("%w: launchctl print-disabled reports %q for %s", ErrAmbiguousStatus, m[1], label)
	}
}

// parsePrintState reads the top-level state from launchctl print output
func parsePrintState(out string) (RunState, error) {
	m := launchdStateLine.FindStringSubmatch(out)
	if m == nil {
		return NotRunning, fmt.Errorf("%w: launchctl print has no state", ErrAmbiguousStatus)
	}
	if m[1] == "running" {
		return Running, nil
	}
	return NotRunning, nil
}

func (b *launchdBackend) install(_ context.Context, args []string, version *semver.Version) error {
	if err := os.MkdirAll(b.logDir(), DirMode); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	if err := os.MkdirAll(b.agentDir, DirMode); err != nil {
		return fmt.Errorf("create LaunchAgents dir: %w", err)
	}

	data, err := encodeLaunchdAgent(launchdAgent{
		Label:             b.label,
		ProgramArguments:  args,
		WorkingDirectory:  b.appDir,
		RunAtLoad:         true,
		KeepAlive:         true,
		ThrottleInterval:  int(b.throttle / time.Second),
		StandardOutPath:   filepath.Join(b.logDir(), "stdout.log"),
		StandardErrorPath: filepath.Join(b.logDir(), "stderr.log"),
		Version:           version.String(),
	})
	if err != nil {
		return err
	}
	if err := atomicfile.WriteFile(b.plistPath(), data, FileMode); err != nil {
		return fmt.Errorf("writing plist: %w", err)
	}
	b.logger.Debug("Wrote launch agent", zap.String("path", b.plistPath()))
	return nil
}

func encodeLaunchdAgent(a launchdAgent) ([]byte, error) {
	data, err := plist.MarshalIndent(a, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("encoding plist: %w", err)
	}
	return data, nil
}

func decodeLaunchdAgent(data []byte) (launchdAgent, error) {
	var a launchdAgent
	if _, err := plist.Unmarshal(data, &a); err != nil {
		return launchdAgent{}, fmt.Errorf("decoding plist: %w", err)
	}
	return a, nil
}

func (b *launchdBackend) enable(ctx context.Context) error {
	_, err := run(ctx, b.runner, "launchctl", "enable", b.target())
	return err
}

func (b *launchdBackend) disable(ctx context.Context) error {
	_, err := run(ctx, b.runner, "launchctl", "disable", b.target())
	return err
}

// start loads the agent into the gui domain. An agent that is already
// loaded but not running is kickstarted instead. Bootstrap is retried once
// because it fails transiently right after a bootout.
func (b *launchdBackend) start(ctx context.Context) error {
	res, err := b.runner.Run(ctx, "launchctl", "print", b.target())
	if err != nil {
		return err
	}
	if res.ExitCode == 0 {
		_, err := run(ctx, b.runner, "launchctl", "kickstart", b.target())
		return err
	}

	_, err = run(ctx, b.runner, "launchctl", "bootstrap", b.domain(), b.plistPath())
	if err == nil {
		return nil
	}
	b.logger.Warn("launchctl bootstrap failed, retrying once", zap.Error(err))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.clock.After(launchdBootstrapRetryDelay):
	}
	_, err = run(ctx, b.runner, "launchctl", "bootstrap", b.domain(), b.plistPath())
	return err
}

// stop unloads the agent; KeepAlive would restart a merely killed process
func (b *launchdBackend) stop(ctx context.Context) error {
	_, err := run(ctx, b.runner, "launchctl", "bootout", b.target())
	if err == nil {
		return nil
	}
	res, perr := b.runner.Run(ctx, "launchctl", "print", b.target())
	if perr == nil && res.ExitCode != 0 {
		// Already gone from the domain
		return nil
	}
	return err
}

func (b *launchdBackend) remove(_ context.Context) error {
	if err := os.Remove(b.plistPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing plist: %w", err)
	}
	return nil
}

func (b *launchdBackend) version(_ context.Context) (*semver.Version, error) {
	data, err := os.ReadFile(b.plistPath())
	if err != nil {
		return nil, err
	}
	a, err := decodeLaunchdAgent(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAmbiguousStatus, err)
	}
	if strings.TrimSpace(a.Version) == "" {
		return nil, fmt.Errorf("%w: Version key missing from %s", ErrAmbiguousStatus, b.plistPath())
	}
	v, err := semver.NewVersion(a.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: Version %q: %v", ErrAmbiguousStatus, a.Version, err)
	}
	return v, nil
}
