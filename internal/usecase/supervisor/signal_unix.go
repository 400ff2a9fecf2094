//go:build unix

package supervisor

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// osSignaler signals the child's process group first, so helpers the run
// script spawned go down with it, and falls back to the bare pid.
type osSignaler struct{}

func newOSSignaler() Signaler { return osSignaler{} }

func (osSignaler) Terminate(pid int) error { return sendGroup(pid, unix.SIGTERM) }

func (osSignaler) Kill(pid int) error { return sendGroup(pid, unix.SIGKILL) }

// Alive probes pid with signal 0. EPERM and every other error count as
// not running.
func (osSignaler) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

func sendGroup(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return unix.ESRCH
	}
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	}
	return unix.Kill(pid, sig)
}

func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
