package nativesvc

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/axondata/go-nativesvc/internal/proctree"
)

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRunner replaces the subprocess runner used for native tools
func WithRunner(r Runner) Option {
	return func(m *Manager) {
		m.runner = r
	}
}

// WithClock replaces the clock used for convergence polling and retries
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithUnitDir overrides the directory holding the unit definition
// (systemd unit directory or launchd agent directory)
func WithUnitDir(dir string) Option {
	return func(m *Manager) {
		m.unitDir = dir
	}
}

// WithSystemScope installs a system-wide systemd unit in /etc/systemd/system
// instead of a user unit, optionally escalating through sudo
func WithSystemScope(useSudo bool) Option {
	return func(m *Manager) {
		m.systemScope = true
		m.useSudo = useSudo
	}
}

// WithSudoCommand sets the escalation command used with WithSystemScope
func WithSudoCommand(cmd string) Option {
	return func(m *Manager) {
		if cmd != "" {
			m.sudoCommand = cmd
		}
	}
}

// WithSupervisorBinary makes the Windows task run the given svcsupervise
// binary instead of the generated VBScript launcher
func WithSupervisorBinary(path string) Option {
	return func(m *Manager) {
		m.supervisorBinary = path
	}
}

// WithUID sets the user id of the launchd gui domain
func WithUID(uid int) Option {
	return func(m *Manager) {
		m.uid = uid
	}
}

// WithProcessTable replaces the process table used to check and kill the
// supervised payload on Windows
func WithProcessTable(t proctree.Table) Option {
	return func(m *Manager) {
		m.procs = t
	}
}
