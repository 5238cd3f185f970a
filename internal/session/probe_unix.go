//go:build unix

package session

import (
	"errors"

	"golang.org/x/sys/unix"
)

// processLiveness signals pid with 0. EPERM means the process exists but
// belongs to someone else, which still counts as alive.
func processLiveness(pid int) Liveness {
	err := unix.Kill(pid, 0)
	switch {
	case err == nil:
		return Alive
	case errors.Is(err, unix.EPERM):
		return Alive
	case errors.Is(err, unix.ESRCH):
		return Dead
	default:
		return Unknown
	}
}
