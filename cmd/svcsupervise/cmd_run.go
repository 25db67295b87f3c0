package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/axondata/go-nativesvc/internal/supervisor"
)

var runFlags struct {
	name     string
	dir      string
	marker   string
	throttle time.Duration
	logLevel string
	console  bool
}

var runCmd = &cobra.Command{
	Use:   "run --name NAME [flags] -- COMMAND [ARGS...]",
	Short: "Run and supervise the payload until signaled",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := runFlags.dir
		if dir == "" {
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			dir = wd
		}

		logger, err := newLogger(logConfig{
			Dir:     dir,
			Level:   runFlags.logLevel,
			Console: runFlags.console,
		})
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		s, err := supervisor.New(supervisor.Config{
			Name:       runFlags.name,
			Dir:        dir,
			MarkerPath: runFlags.marker,
			Args:       args,
			Throttle:   runFlags.throttle,
		}, supervisor.WithLogger(logger))
		if err != nil {
			return err
		}
		defer func() {
			if err := s.Close(); err != nil {
				logger.Warn("Closing payload log", zap.Error(err))
			}
		}()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return s.Run(ctx)
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.name, "name", "", "service name, used for the payload log file")
	f.StringVar(&runFlags.dir, "dir", "", "payload working directory (default: current directory)")
	f.StringVar(&runFlags.marker, "marker", "", "marker file path (default: <dir>/service.pid)")
	f.DurationVar(&runFlags.throttle, "throttle", supervisor.DefaultThrottle, "delay before respawning an exited payload")
	f.StringVar(&runFlags.logLevel, "log-level", "info", "supervisor log level")
	f.BoolVar(&runFlags.console, "console", false, "also log to stdout")
	_ = runCmd.MarkFlagRequired("name")
}
