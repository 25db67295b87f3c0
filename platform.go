package nativesvc

import (
	"fmt"
	"runtime"

	"github.com/kardianos/service"
)

// Platform identifies a native service facility
type Platform int

const (
	// PlatformUnknown represents an unknown facility
	PlatformUnknown Platform = iota
	// PlatformSystemd represents systemd units driven through systemctl
	PlatformSystemd
	// PlatformLaunchd represents launchd agents driven through launchctl
	PlatformLaunchd
	// PlatformTaskScheduler represents Windows Task Scheduler driven through schtasks
	PlatformTaskScheduler
)

// Platform string constants
const (
	platformUnknownStr       = "unknown"
	platformSystemdStr       = "systemd"
	platformLaunchdStr       = "launchd"
	platformTaskSchedulerStr = "taskscheduler"
)

// String returns the string representation of a Platform
func (p Platform) String() string {
	switch p {
	case PlatformSystemd:
		return platformSystemdStr
	case PlatformLaunchd:
		return platformLaunchdStr
	case PlatformTaskScheduler:
		return platformTaskSchedulerStr
	default:
		return platformUnknownStr
	}
}

// ParsePlatform converts a facility name to a Platform
func ParsePlatform(s string) (Platform, error) {
	switch s {
	case platformSystemdStr:
		return PlatformSystemd, nil
	case platformLaunchdStr:
		return PlatformLaunchd, nil
	case platformTaskSchedulerStr:
		return PlatformTaskScheduler, nil
	default:
		return PlatformUnknown, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, s)
	}
}

// DetectPlatform probes the host once and returns its facility. On Linux
// the init system must be systemd.
func DetectPlatform() (Platform, error) {
	var chosen string
	if sys := service.ChosenSystem(); sys != nil {
		chosen = sys.String()
	}
	return detectPlatform(runtime.GOOS, chosen)
}

func detectPlatform(goos, chosen string) (Platform, error) {
	switch goos {
	case "linux":
		if chosen != "linux-systemd" {
			if chosen == "" {
				chosen = "none"
			}
			return PlatformUnknown, fmt.Errorf("%w: linux init system %s is not systemd", ErrUnsupportedPlatform, chosen)
		}
		return PlatformSystemd, nil
	case "darwin":
		return PlatformLaunchd, nil
	case "windows":
		return PlatformTaskScheduler, nil
	default:
		return PlatformUnknown, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, goos)
	}
}
