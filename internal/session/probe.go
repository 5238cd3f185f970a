package session

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Liveness is a probe's verdict on a session owner.
type Liveness int

const (
	// Unknown: the probe cannot tell; only the age timeout applies.
	Unknown Liveness = iota
	Alive
	Dead
)

func (l Liveness) String() string {
	switch l {
	case Alive:
		return "alive"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// LivenessProbe decides whether the owner of a session is still running.
type LivenessProbe interface {
	Check(rec Record, now time.Time) Liveness
}

// Liveness token prefixes.
const (
	PIDTokenPrefix       = "pid:"
	HeartbeatTokenPrefix = "hb:"
)

// PIDToken builds a token naming a local process.
func PIDToken(pid int) string {
	return PIDTokenPrefix + strconv.Itoa(pid)
}

// HeartbeatToken builds a token carrying a heartbeat time.
func HeartbeatToken(at time.Time) string {
	return HeartbeatTokenPrefix + at.UTC().Format(time.RFC3339Nano)
}

// PIDProbe checks "pid:<n>" tokens by signalling the process. Records
// written on another host are Unknown: a pid means nothing across hosts,
// and pid reuse makes even local answers a hint rather than proof.
type PIDProbe struct {
	Host string // local hostname; records from other hosts are Unknown
}

// Check implements LivenessProbe.
func (p PIDProbe) Check(rec Record, _ time.Time) Liveness {
	raw, ok := strings.CutPrefix(rec.LivenessToken, PIDTokenPrefix)
	if !ok {
		return Unknown
	}
	if rec.Host != "" && p.Host != "" && rec.Host != p.Host {
		return Unknown
	}
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return Dead
	}
	return processLiveness(pid)
}

// HeartbeatProbe checks "hb:<RFC3339>" tokens: the owner is dead once its
// last heartbeat is older than MaxAge.
type HeartbeatProbe struct {
	MaxAge time.Duration
}

// Check implements LivenessProbe.
func (p HeartbeatProbe) Check(rec Record, now time.Time) Liveness {
	raw, ok := strings.CutPrefix(rec.LivenessToken, HeartbeatTokenPrefix)
	if !ok {
		return Unknown
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return Dead
	}
	if now.Sub(at) > p.MaxAge {
		return Dead
	}
	return Alive
}

// ProbeSet asks each probe in turn and returns the first answer that is not
// Unknown.
type ProbeSet []LivenessProbe

// Check implements LivenessProbe.
func (s ProbeSet) Check(rec Record, now time.Time) Liveness {
	for _, p := range s {
		if l := p.Check(rec, now); l != Unknown {
			return l
		}
	}
	return Unknown
}

// DefaultProbes returns the PID and heartbeat probes for this host.
func DefaultProbes(heartbeatMaxAge time.Duration) ProbeSet {
	return ProbeSet{
		PIDProbe{Host: Hostname()},
		HeartbeatProbe{MaxAge: heartbeatMaxAge},
	}
}

// Hostname returns the local hostname, or "" if it cannot be determined.
func Hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

// ownerID identifies this process as a recovery claimant.
func ownerID(host string) string {
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}
