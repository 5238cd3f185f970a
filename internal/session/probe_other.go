//go:build !unix

package session

// processLiveness cannot signal processes on this platform.
func processLiveness(int) Liveness {
	return Unknown
}
