//go:build !windows

package sysproc

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// HideConsole is a no-op outside Windows
func HideConsole(_ *exec.Cmd) {}

// Detach puts the child in its own process group so a terminal signal aimed
// at the parent does not reach it directly
func Detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// UID returns the real user id of the calling process
func UID() int {
	return unix.Getuid()
}
