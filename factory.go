package nativesvc

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/axondata/go-nativesvc/internal/proctree"
	"github.com/axondata/go-nativesvc/internal/sysproc"
)

// New creates a Manager for the facility detected on this host
func New(cfg Config, opts ...Option) (*Manager, error) {
	p, err := DetectPlatform()
	if err != nil {
		return nil, err
	}
	return NewForPlatform(p, cfg, opts...)
}

// NewForPlatform creates a Manager for an explicit facility. It does not
// check that the facility exists on this host, which lets tests drive any
// backend through a fake Runner.
func NewForPlatform(p Platform, cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		logger:      zap.NewNop(),
		clock:       clock.New(),
		procs:       proctree.NewSystem(),
		sudoCommand: "sudo",
		uid:         sysproc.UID(),
	}
	for _, opt := range opts {
		opt(m)
	}

	var err error
	if m.cfg, err = cfg.withDefaults(); err != nil {
		return nil, err
	}
	if m.runner == nil {
		m.runner = NewExecRunner(m.cfg.CommandTimeout)
	}
	m.logger = m.logger.With(
		zap.String("service", m.cfg.Name),
		zap.String("backend", p.String()),
	)

	switch p {
	case PlatformSystemd:
		m.backend, err = newSystemdBackend(m)
	case PlatformLaunchd:
		m.backend, err = newLaunchdBackend(m)
	case PlatformTaskScheduler:
		m.backend = newTaskSchedulerBackend(m)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedPlatform, p)
	}
	if err != nil {
		return nil, err
	}

	t := m.backend.timing()
	m.poll = poller{clock: m.clock, interval: t.interval, timeout: t.timeout}
	if m.cfg.PollInterval > 0 {
		m.poll.interval = m.cfg.PollInterval
	}
	if m.cfg.WaitTimeout > 0 {
		m.poll.timeout = m.cfg.WaitTimeout
	}
	return m, nil
}
