package nativesvc

import (
	"io/fs"
	"time"
)

// Operation identifies a lifecycle operation for error reporting
type Operation int

const (
	// OpUnknown represents an unknown operation
	OpUnknown Operation = iota
	// OpInstall registers the service with the native facility
	OpInstall
	// OpUninstall removes the service and its working directory
	OpUninstall
	// OpEnable makes the service eligible to run automatically
	OpEnable
	// OpDisable prevents automatic starts
	OpDisable
	// OpStart starts the service process
	OpStart
	// OpStop stops the service process
	OpStop
	// OpStatus represents a status query operation
	OpStatus
	// OpVersion reads the version embedded in the installed unit
	OpVersion
)

// Operation string constants
const (
	opUnknownStr   = "unknown"
	opInstallStr   = "install"
	opUninstallStr = "uninstall"
	opEnableStr    = "enable"
	opDisableStr   = "disable"
	opStartStr     = "start"
	opStopStr      = "stop"
	opStatusStr    = "status"
	opVersionStr   = "version"
)

// String returns the string representation of an Operation
func (op Operation) String() string {
	switch op {
	case OpInstall:
		return opInstallStr
	case OpUninstall:
		return opUninstallStr
	case OpEnable:
		return opEnableStr
	case OpDisable:
		return opDisableStr
	case OpStart:
		return opStartStr
	case OpStop:
		return opStopStr
	case OpStatus:
		return opStatusStr
	case OpVersion:
		return opVersionStr
	default:
		return opUnknownStr
	}
}

// Defaults shared by every facility
const (
	// DefaultVendor namespaces launchd labels and the data directory
	DefaultVendor = "nativesvc"

	// DefaultCommandTimeout bounds a single native tool invocation
	DefaultCommandTimeout = 30 * time.Second

	// DefaultPollInterval is the convergence sampling interval
	DefaultPollInterval = 300 * time.Millisecond

	// DefaultWaitTimeout is the convergence timeout for systemd and Task Scheduler
	DefaultWaitTimeout = 10 * time.Second

	// DefaultLaunchdWaitTimeout is the convergence timeout for launchd
	DefaultLaunchdWaitTimeout = 5 * time.Second

	// DefaultRestartThrottle is the delay before the supervisor respawns the payload
	DefaultRestartThrottle = 60 * time.Second

	// DefaultWatchResample is how often Watch re-reads status without a file event
	DefaultWatchResample = 2 * time.Second

	// DefaultWatchDebounce coalesces bursts of file events
	DefaultWatchDebounce = 25 * time.Millisecond

	// launchdBootstrapRetryDelay is the pause before the single bootstrap retry
	launchdBootstrapRetryDelay = 1 * time.Second
)

// File names inside the application directory
const (
	// MarkerFileName records the supervised payload's PID and creation time
	MarkerFileName = "service.pid"

	// LauncherFileName is the Windows launcher script
	LauncherFileName = "run.vbs"
)

// File modes
const (
	// DirMode is the default mode for created directories
	DirMode fs.FileMode = 0o755

	// FileMode is the default mode for created files
	FileMode fs.FileMode = 0o644
)
