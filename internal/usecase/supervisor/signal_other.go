//go:build !unix

package supervisor

import (
	"errors"
	"os"
	"os/exec"
)

type osSignaler struct{}

func newOSSignaler() Signaler { return osSignaler{} }

func (osSignaler) Terminate(int) error {
	return errors.New("graceful termination not supported on this platform")
}

func (osSignaler) Kill(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func (osSignaler) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}

func setProcAttr(*exec.Cmd) {}
