// Package procsignal sends termination signals to sandboxed processes.
package procsignal

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrNoProcess means the target pid no longer exists.
var ErrNoProcess = errors.New("no such process")

// Terminator sends SIGTERM for graceful shutdown.
type Terminator struct{}

// Terminate signals pid. A vanished process yields ErrNoProcess; any other
// failure (for example EPERM) is returned wrapped.
func (Terminator) Terminate(pid int) error {
	if pid <= 0 {
		return errors.Errorf("refusing to signal pid %d", pid)
	}
	err := unix.Kill(pid, unix.SIGTERM)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ESRCH):
		return ErrNoProcess
	default:
		return errors.Wrapf(err, "signal pid %d", pid)
	}
}
