// Package supervisor keeps one payload process alive on hosts whose native
// facility has no restart-on-crash. The loop spawns the payload, records it
// in a marker file, waits for it to exit, removes the marker and respawns
// after a throttle delay. Canceling the context kills the current payload
// tree and removes the marker.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/axondata/go-nativesvc/internal/marker"
	"github.com/axondata/go-nativesvc/internal/proctree"
	"github.com/axondata/go-nativesvc/internal/sysproc"
)

const (
	// DefaultThrottle is the delay between a payload exit and its respawn
	DefaultThrottle = 60 * time.Second

	// killTimeout bounds the tree kill on shutdown
	killTimeout = 10 * time.Second

	// waitDelay bounds how long Wait keeps copying output after the payload
	// exits while a grandchild still holds the pipe
	waitDelay = 2 * time.Second
)

var (
	// ErrNoPayload indicates the supervisor was given no command
	ErrNoPayload = errors.New("supervisor: no payload command")
	// ErrNoName indicates the supervisor was given no service name
	ErrNoName = errors.New("supervisor: no service name")
)

// Config describes the supervised payload
type Config struct {
	// Name is the service name; it names the payload log file
	Name string
	// Dir is the working directory of the payload and the parent of logs/
	Dir string
	// MarkerPath is where the payload pid and creation time are recorded.
	// Defaults to Dir/service.pid.
	MarkerPath string
	// Args is the payload command line, program first
	Args []string
	// Throttle is the respawn delay; zero means DefaultThrottle
	Throttle time.Duration
}

// LogPath returns the payload log file for the config
func (c Config) LogPath() string {
	return filepath.Join(c.Dir, "logs", c.Name+".log")
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithLogger sets the supervisor's own logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock sets the clock that drives the throttle delay
func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) {
		s.clock = c
	}
}

// WithProcessTable sets the process table used for creation times and
// tree kills
func WithProcessTable(t proctree.Table) Option {
	return func(s *Supervisor) {
		s.procs = t
	}
}

// WithOutput sends payload stdout and stderr to w instead of the rotating
// log file
func WithOutput(w io.Writer) Option {
	return func(s *Supervisor) {
		s.output = w
	}
}

// Supervisor runs the spawn, wait, reap, throttle loop for one payload
type Supervisor struct {
	cfg    Config
	logger *zap.Logger
	clock  clock.Clock
	procs  proctree.Table
	output io.Writer
	closer io.Closer
	spawns atomic.Int64
}

// New validates cfg and returns a Supervisor. Unless WithOutput is given,
// payload output goes to a lumberjack-rotated file at cfg.LogPath().
func New(cfg Config, opts ...Option) (*Supervisor, error) {
	if cfg.Name == "" {
		return nil, ErrNoName
	}
	if len(cfg.Args) == 0 || cfg.Args[0] == "" {
		return nil, ErrNoPayload
	}
	if cfg.Dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("supervisor: working directory: %w", err)
		}
		cfg.Dir = wd
	}
	if cfg.MarkerPath == "" {
		cfg.MarkerPath = filepath.Join(cfg.Dir, "service.pid")
	}
	if cfg.Throttle <= 0 {
		cfg.Throttle = DefaultThrottle
	}

	s := &Supervisor{
		cfg:    cfg,
		logger: zap.NewNop(),
		clock:  clock.New(),
		procs:  proctree.NewSystem(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.output == nil {
		lj := &lumberjack.Logger{
			Filename:   cfg.LogPath(),
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		s.output, s.closer = lj, lj
	}
	s.logger = s.logger.With(zap.String("service", cfg.Name))
	return s, nil
}

// Spawns returns how many times the payload has been started
func (s *Supervisor) Spawns() int64 {
	return s.spawns.Load()
}

// Close releases the payload log file
func (s *Supervisor) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Run supervises the payload until ctx is done. Spawn failures and payload
// exits are logged and followed by the throttle delay; they never end the
// loop. Run returns nil on cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("Supervisor started",
		zap.Strings("args", s.cfg.Args),
		zap.String("marker", s.cfg.MarkerPath),
		zap.Duration("throttle", s.cfg.Throttle),
	)
	defer s.logger.Info("Supervisor stopped")

	for {
		if err := s.runOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("Payload run failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			return nil
		}

		s.logger.Debug("Throttling respawn", zap.Duration("delay", s.cfg.Throttle))
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.cfg.Throttle):
		}
	}
}

// runOnce spawns the payload and blocks until it exits or ctx is done
func (s *Supervisor) runOnce(ctx context.Context) error {
	cmd := exec.Command(s.cfg.Args[0], s.cfg.Args[1:]...) //nolint:gosec // payload is the configured command
	cmd.Dir = s.cfg.Dir
	cmd.Stdout = s.output
	cmd.Stderr = s.output
	cmd.WaitDelay = waitDelay
	sysproc.Detach(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning payload: %w", err)
	}
	s.spawns.Add(1)
	pid := cmd.Process.Pid

	m := marker.Marker{PID: pid}
	if created, err := s.procs.CreateTime(ctx, pid); err == nil {
		m.Created = created
	} else {
		s.logger.Debug("No creation time for payload", zap.Int("pid", pid), zap.Error(err))
	}
	if err := marker.Write(s.cfg.MarkerPath, m); err != nil {
		s.logger.Error("Cannot write marker file", zap.String("path", s.cfg.MarkerPath), zap.Error(err))
	}
	s.logger.Info("Payload started", zap.Int("pid", pid))

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		s.removeMarker()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				s.logger.Info("Payload exited", zap.Int("pid", pid), zap.Int("code", exitErr.ExitCode()))
				return nil
			}
			return fmt.Errorf("waiting for payload %d: %w", pid, err)
		}
		s.logger.Info("Payload exited", zap.Int("pid", pid), zap.Int("code", 0))
		return nil

	case <-ctx.Done():
		s.logger.Info("Killing payload process tree", zap.Int("pid", pid))
		killCtx, cancel := context.WithTimeout(context.Background(), killTimeout)
		defer cancel()
		if err := proctree.KillTree(killCtx, s.procs, pid); err != nil {
			s.logger.Warn("Tree kill incomplete", zap.Int("pid", pid), zap.Error(err))
			_ = cmd.Process.Kill()
		}
		<-done
		s.removeMarker()
		return ctx.Err()
	}
}

func (s *Supervisor) removeMarker() {
	if err := marker.Remove(s.cfg.MarkerPath); err != nil {
		s.logger.Warn("Cannot remove marker file", zap.String("path", s.cfg.MarkerPath), zap.Error(err))
	}
}
