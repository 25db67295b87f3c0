package nativesvc

import "fmt"

// Installation reports whether the service definition is present in the native facility
type Installation int

const (
	// NotInstalled means no unit definition exists
	NotInstalled Installation = iota
	// Installed means the unit definition exists
	Installed
)

// Enablement reports whether the service is eligible to run automatically
type Enablement int

const (
	// Disabled means the facility will not start the service on its own
	Disabled Enablement = iota
	// Enabled means the facility starts the service at login or boot
	Enabled
)

// RunState reports whether the service process is currently alive
type RunState int

const (
	// NotRunning means no service process is alive
	NotRunning RunState = iota
	// Running means a service process is alive
	Running
)

const (
	installedStr    = "INSTALLED"
	notInstalledStr = "NOT_INSTALLED"
	enabledStr      = "ENABLED"
	disabledStr     = "DISABLED"
	runningStr      = "RUNNING"
	notRunningStr   = "NOT_RUNNING"
)

// String returns the string representation of an Installation
func (i Installation) String() string {
	if i == Installed {
		return installedStr
	}
	return notInstalledStr
}

// String returns the string representation of an Enablement
func (e Enablement) String() string {
	if e == Enabled {
		return enabledStr
	}
	return disabledStr
}

// String returns the string representation of a RunState
func (r RunState) String() string {
	if r == Running {
		return runningStr
	}
	return notRunningStr
}

// Status is the observable state triple of a service.
// The zero value is the status of a service that is not installed.
type Status struct {
	Installation Installation
	Enablement   Enablement
	Running      RunState
}

// NotInstalledStatus returns the status reported for a missing service
func NotInstalledStatus() Status {
	return Status{}
}

// IsInstalled reports whether the unit definition exists
func (s Status) IsInstalled() bool { return s.Installation == Installed }

// IsEnabled reports whether the service is enabled
func (s Status) IsEnabled() bool { return s.Enablement == Enabled }

// IsRunning reports whether the service process is alive
func (s Status) IsRunning() bool { return s.Running == Running }

// normalize enforces that a missing service is never reported as enabled or running
func (s Status) normalize() Status {
	if s.Installation == NotInstalled {
		return Status{}
	}
	return s
}

// String returns a human-readable status
func (s Status) String() string {
	return fmt.Sprintf("ServiceStatus(installation=%s, enablement=%s, running=%s)",
		s.Installation, s.Enablement, s.Running)
}
