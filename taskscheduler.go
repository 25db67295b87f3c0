package nativesvc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/axondata/go-nativesvc/internal/atomicfile"
	"github.com/axondata/go-nativesvc/internal/marker"
	"github.com/axondata/go-nativesvc/internal/proctree"
)

// taskSchedulerBackend drives a logon-triggered task through schtasks. The
// task runs a supervisor (VBScript launcher or svcsupervise) which records
// the payload in a marker file; running status comes from that marker.
type taskSchedulerBackend struct {
	name             string
	appDir           string
	throttle         time.Duration
	supervisorBinary string
	runner           Runner
	procs            proctree.Table
	logger           *zap.Logger
}

func newTaskSchedulerBackend(m *Manager) *taskSchedulerBackend {
	return &taskSchedulerBackend{
		name:             m.cfg.Name,
		appDir:           m.cfg.AppDir,
		throttle:         m.cfg.RestartThrottle,
		supervisorBinary: m.supervisorBinary,
		runner:           m.runner,
		procs:            m.procs,
		logger:           m.logger,
	}
}

func (b *taskSchedulerBackend) platform() Platform { return PlatformTaskScheduler }

func (b *taskSchedulerBackend) timing() timing {
	return timing{interval: DefaultPollInterval, timeout: DefaultWaitTimeout, stopFailed: ErrStopFailed}
}

func (b *taskSchedulerBackend) watchPaths() []string { return []string{b.appDir} }

func (b *taskSchedulerBackend) markerPath() string { return filepath.Join(b.appDir, MarkerFileName) }

func (b *taskSchedulerBackend) launcherPath() string {
	return filepath.Join(b.appDir, LauncherFileName)
}

// query returns the registered task, or ok=false when no task exists. Any
// other /Query failure is ambiguous: treating it as absent would let install
// overwrite a task it cannot see.
func (b *taskSchedulerBackend) query(ctx context.Context) (queriedTask, bool, error) {
	args := []string{"/Query", "/TN", b.name, "/XML"}
	res, err := b.runner.Run(ctx, "schtasks", args...)
	if err != nil {
		return queriedTask{}, false, err
	}
	if res.ExitCode != 0 {
		diag := diagnostic(res)
		if taskNotFound(diag) {
			return queriedTask{}, false, nil
		}
		return queriedTask{}, false, fmt.Errorf("%w: %w", ErrAmbiguousStatus, &CommandError{
			Args:     append([]string{"schtasks"}, args...),
			ExitCode: res.ExitCode,
			Stderr:   diag,
		})
	}
	t, err := decodeTaskXML([]byte(res.Stdout))
	if err != nil {
		return queriedTask{}, true, err
	}
	return t, true, nil
}

func (b *taskSchedulerBackend) status(ctx context.Context) (Status, error) {
	t, ok, err := b.query(ctx)
	if err != nil {
		return Status{}, err
	}
	if !ok {
		return Status{}, nil
	}
	st := Status{Installation: Installed}

	if st.Enablement, err = t.enablement(); err != nil {
		return Status{}, err
	}

	m, alive, err := b.liveMarker(ctx)
	if err != nil {
		return Status{}, err
	}
	if alive {
		st.Running = Running
		b.logger.Debug("Payload alive", zap.Int("pid", m.PID))
	}
	return st, nil
}

// liveMarker reads the marker and checks that its process is still the one
// recorded. A stale marker is deleted and reported as not running.
func (b *taskSchedulerBackend) liveMarker(ctx context.Context) (marker.Marker, bool, error) {
	m, present, err := marker.Read(b.markerPath())
	if !present {
		return marker.Marker{}, false, err
	}
	if err != nil {
		b.logger.Warn("Removing unreadable marker file", zap.Error(err))
		return marker.Marker{}, false, marker.Remove(b.markerPath())
	}

	alive, err := proctree.IsAlive(ctx, b.procs, m.PID, m.Created, marker.MatchTolerance)
	if err != nil {
		return m, false, err
	}
	if !alive {
		b.logger.Warn("Removing stale marker file", zap.Int("pid", m.PID))
		if err := marker.Remove(b.markerPath()); err != nil {
			b.logger.Warn("Could not remove stale marker", zap.Error(err))
		}
		return m, false, nil
	}
	return m, true, nil
}

func (b *taskSchedulerBackend) install(ctx context.Context, args []string, version *semver.Version) error {
	res, err := run(ctx, b.runner, "whoami", "/user", "/fo", "csv", "/nh")
	if err != nil {
		return fmt.Errorf("looking up user SID: %w", err)
	}
	userID, sid, err := parseWhoami(res.Stdout)
	if err != nil {
		return err
	}

	command, arguments, err := b.action(args)
	if err != nil {
		return err
	}

	doc, err := encodeTaskXML(newTaskDefinition(taskSpec{
		Name:       b.name,
		Version:    version.String(),
		UserID:     userID,
		UserSID:    sid,
		Command:    command,
		Arguments:  arguments,
		WorkingDir: b.appDir,
	}))
	if err != nil {
		return err
	}

	xmlPath := filepath.Join(b.appDir, b.name+".task.xml")
	if err := atomicfile.WriteFile(xmlPath, doc, FileMode); err != nil {
		return fmt.Errorf("writing task xml: %w", err)
	}
	defer func() { _ = os.Remove(xmlPath) }()

	if _, err := run(ctx, b.runner, "schtasks", "/Create", "/TN", b.name, "/XML", xmlPath, "/F"); err != nil {
		return fmt.Errorf("registering task: %w", err)
	}
	return nil
}

// action returns the task's Exec command and argument string. The
// launcher script is regenerated on every install.
func (b *taskSchedulerBackend) action(args []string) (string, string, error) {
	if b.supervisorBinary != "" {
		sup := []string{
			"run",
			"--name", b.name,
			"--dir", b.appDir,
			"--marker", b.markerPath(),
			"--throttle", b.throttle.String(),
			"--",
		}
		return b.supervisorBinary, windowsCommandLine(append(sup, args...)), nil
	}

	script, err := renderLauncher(args, b.markerPath(), b.appDir, b.throttle)
	if err != nil {
		return "", "", err
	}
	if err := atomicfile.WriteFile(b.launcherPath(), script, FileMode); err != nil {
		return "", "", fmt.Errorf("writing launcher: %w", err)
	}
	return "wscript.exe", windowsQuoteArg(b.launcherPath()), nil
}

func (b *taskSchedulerBackend) enable(ctx context.Context) error {
	_, err := run(ctx, b.runner, "schtasks", "/Change", "/TN", b.name, "/ENABLE")
	return err
}

func (b *taskSchedulerBackend) disable(ctx context.Context) error {
	_, err := run(ctx, b.runner, "schtasks", "/Change", "/TN", b.name, "/DISABLE")
	return err
}

// taskNotFound reports whether schtasks output says the task does not exist
func taskNotFound(diag string) bool {
	return strings.Contains(strings.ToLower(diag), "cannot find")
}

// instanceRunning reports whether a task instance (the supervisor) is
// running, regardless of whether its payload is alive
func (b *taskSchedulerBackend) instanceRunning(ctx context.Context) (bool, error) {
	res, err := run(ctx, b.runner, "schtasks", "/Query", "/TN", b.name, "/FO", "CSV", "/NH")
	if err != nil {
		return false, err
	}
	state, err := parseTaskState(res.Stdout)
	if err != nil {
		return false, err
	}
	return state == "Running", nil
}

// start runs the task. The task only starts when no live payload exists, so
// an instance that is still running is a supervisor sleeping out its
// throttle; with IgnoreNew it would swallow /Run, so it is ended first.
func (b *taskSchedulerBackend) start(ctx context.Context) error {
	running, err := b.instanceRunning(ctx)
	if err != nil {
		return err
	}
	if running {
		b.logger.Info("Ending idle task instance before run")
		if err := b.end(ctx); err != nil {
			return err
		}
	}
	_, err = run(ctx, b.runner, "schtasks", "/Run", "/TN", b.name)
	return err
}

// end ends the running task instance. A task with no running instance is
// not an error.
func (b *taskSchedulerBackend) end(ctx context.Context) error {
	_, err := run(ctx, b.runner, "schtasks", "/End", "/TN", b.name)
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && strings.Contains(strings.ToLower(cmdErr.Stderr), "not running") {
		return nil
	}
	return err
}

// stop ends the task, which terminates the supervisor but not the payload
// it spawned, then kills the recorded payload tree children first. The tree
// is killed even when /End fails, but the /End failure is still returned
// since a surviving instance will respawn the payload.
func (b *taskSchedulerBackend) stop(ctx context.Context) error {
	endErr := b.end(ctx)
	if endErr != nil {
		b.logger.Warn("schtasks /End failed, killing payload anyway", zap.Error(endErr))
	}
	return errors.Join(endErr, b.killPayload(ctx))
}

// killPayload kills the live payload recorded in the marker and removes it
func (b *taskSchedulerBackend) killPayload(ctx context.Context) error {
	m, alive, err := b.liveMarker(ctx)
	if err != nil {
		return err
	}
	if alive {
		b.logger.Info("Killing payload process tree", zap.Int("pid", m.PID))
		if err := proctree.KillTree(ctx, b.procs, m.PID); err != nil {
			// The marker stays so status keeps reporting the survivor.
			return fmt.Errorf("%w: killing process tree of %d: %w", ErrStopFailed, m.PID, err)
		}
	}
	if err := marker.Remove(b.markerPath()); err != nil {
		return fmt.Errorf("removing marker: %w", err)
	}
	return nil
}

func (b *taskSchedulerBackend) remove(ctx context.Context) error {
	_, err := run(ctx, b.runner, "schtasks", "/Delete", "/TN", b.name, "/F")
	return err
}

func (b *taskSchedulerBackend) version(ctx context.Context) (*semver.Version, error) {
	t, ok, err := b.query(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotInstalled
	}
	raw, found := t.version()
	if !found {
		return nil, fmt.Errorf("%w: no version in task description", ErrAmbiguousStatus)
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: version %q: %v", ErrAmbiguousStatus, raw, err)
	}
	return v, nil
}
