package nativesvc

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
)

// DataDir returns the per-user data directory for vendor:
//
//	macOS:   ~/Library/Application Support/<vendor>
//	Linux:   $XDG_DATA_HOME/<vendor> or ~/.local/share/<vendor>
//	Windows: %LOCALAPPDATA%\<vendor>
func DataDir(vendor string) (string, error) {
	return dataDirFor(runtime.GOOS, vendor, os.Getenv, os.UserHomeDir)
}

func dataDirFor(goos, vendor string, getenv func(string) string, home func() (string, error)) (string, error) {
	switch goos {
	case "windows":
		base := getenv("LOCALAPPDATA")
		if base == "" {
			return "", errors.New("LOCALAPPDATA is not set")
		}
		return filepath.Join(base, vendor), nil
	case "darwin":
		h, err := home()
		if err != nil {
			return "", err
		}
		return filepath.Join(h, "Library", "Application Support", vendor), nil
	default:
		if xdg := getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, vendor), nil
		}
		h, err := home()
		if err != nil {
			return "", err
		}
		return filepath.Join(h, ".local", "share", vendor), nil
	}
}

// systemdUserUnitDir is where per-user units are read from
func systemdUserUnitDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "systemd", "user"), nil
}

// systemdSystemUnitDir is where system-wide units are installed
const systemdSystemUnitDir = "/etc/systemd/system"

// launchAgentDir is where per-user launchd agents are read from
func launchAgentDir() (string, error) {
	h, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(h, "Library", "LaunchAgents"), nil
}
