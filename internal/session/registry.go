package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/roach88/vledger/internal/fsx"
)

const (
	registryMode = 0o600
	lockRetry    = 10 * time.Millisecond
)

// Status is the registry state of a session. Closed and recovered sessions
// are not in the registry at all.
type Status string

const (
	StatusOpen       Status = "open"
	StatusRecovering Status = "recovering"
)

// Record is one open session.
type Record struct {
	SessionID     string     `json:"session_id" yaml:"session_id"`
	StartedAt     time.Time  `json:"started_at" yaml:"started_at"`
	LivenessToken string     `json:"liveness_token" yaml:"liveness_token"`
	Authority     string     `json:"authority" yaml:"authority"`
	Host          string     `json:"host,omitempty" yaml:"host,omitempty"`
	Status        Status     `json:"status" yaml:"status"`
	ClaimedBy     string     `json:"claimed_by,omitempty" yaml:"claimed_by,omitempty"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty" yaml:"claimed_at,omitempty"`
}

// claimLive reports whether a recovery claim is still held at now.
func (r Record) claimLive(now time.Time, ttl time.Duration) bool {
	return r.Status == StatusRecovering && r.ClaimedAt != nil && now.Sub(*r.ClaimedAt) < ttl
}

// Registry is the crash-survivable store of open sessions.
//
// Thread-safety: safe for concurrent use within a process (mutex) and
// across processes (flock).
type Registry struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

// OpenRegistry prepares the registry file at path, creating it if needed.
func OpenRegistry(path string) (*Registry, error) {
	if err := fsx.EnsureDir(path); err != nil {
		return nil, err
	}
	// #nosec G304 -- registry path comes from operator configuration.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, registryMode)
	if err != nil {
		return nil, fmt.Errorf("create session registry: %w", err)
	}
	_ = f.Close()
	return &Registry{path: path, lock: flock.New(path + ".lock")}, nil
}

// Path returns the registry file location.
func (r *Registry) Path() string {
	return r.path
}

// Close releases the lock file handle.
func (r *Registry) Close() error {
	return r.lock.Close()
}

// List returns every record, ordered by started_at then session_id.
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	var out []Record
	err := r.withLock(ctx, func() error {
		records, err := r.load()
		if err != nil {
			return err
		}
		out = records
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

// Get returns one record.
func (r *Registry) Get(ctx context.Context, sessionID string) (Record, error) {
	var rec Record
	err := r.withLock(ctx, func() error {
		records, err := r.load()
		if err != nil {
			return err
		}
		i := indexOf(records, sessionID)
		if i < 0 {
			return ErrSessionNotFound
		}
		rec = records[i]
		return nil
	})
	return rec, err
}

// Insert adds a record. Fails with ErrSessionExists if the id is present.
func (r *Registry) Insert(ctx context.Context, rec Record) error {
	return r.update(ctx, func(records []Record) ([]Record, error) {
		if indexOf(records, rec.SessionID) >= 0 {
			return nil, fmt.Errorf("%w: %s", ErrSessionExists, rec.SessionID)
		}
		return append(records, rec), nil
	})
}

// Mutate applies fn to one record under the lock and persists the result.
func (r *Registry) Mutate(ctx context.Context, sessionID string, fn func(rec *Record) error) (Record, error) {
	var out Record
	err := r.update(ctx, func(records []Record) ([]Record, error) {
		i := indexOf(records, sessionID)
		if i < 0 {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		if err := fn(&records[i]); err != nil {
			return nil, err
		}
		out = records[i]
		return records, nil
	})
	return out, err
}

// RemoveIf deletes a record if present and pred (when non-nil) accepts it,
// atomically with the check. A pred error aborts the removal and is
// returned. Reports the removed record and whether anything was removed.
func (r *Registry) RemoveIf(ctx context.Context, sessionID string, pred func(rec Record) error) (Record, bool, error) {
	var (
		removed Record
		ok      bool
	)
	err := r.update(ctx, func(records []Record) ([]Record, error) {
		i := indexOf(records, sessionID)
		if i < 0 {
			return records, nil
		}
		if pred != nil {
			if err := pred(records[i]); err != nil {
				return nil, err
			}
		}
		removed = records[i]
		ok = true
		return append(records[:i], records[i+1:]...), nil
	})
	return removed, ok, err
}

func (r *Registry) update(ctx context.Context, fn func([]Record) ([]Record, error)) error {
	return r.withLock(ctx, func() error {
		records, err := r.load()
		if err != nil {
			return err
		}
		next, err := fn(records)
		if err != nil {
			return err
		}
		return r.store(next)
	})
}

func (r *Registry) withLock(ctx context.Context, fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	locked, err := r.lock.TryLockContext(ctx, lockRetry)
	if err != nil {
		return fmt.Errorf("acquire registry lock: %w", err)
	}
	if !locked {
		return errors.New("acquire registry lock: not acquired")
	}
	defer func() {
		_ = r.lock.Unlock()
	}()
	return fn()
}

// load parses the registry. A malformed line is an error rather than being
// skipped: the next rewrite would otherwise silently drop that session.
func (r *Registry) load() ([]Record, error) {
	// #nosec G304 -- registry path comes from operator configuration.
	raw, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session registry: %w", err)
	}

	var records []Record
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(text, &rec); err != nil {
			return nil, fmt.Errorf("session registry %s line %d: %w", r.path, line, err)
		}
		if rec.Status == "" {
			rec.Status = StatusOpen
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan session registry: %w", err)
	}
	return records, nil
}

func (r *Registry) store(records []Record) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode session %s: %w", rec.SessionID, err)
		}
	}
	if err := fsx.WriteFileAtomic(r.path, buf.Bytes(), registryMode); err != nil {
		return fmt.Errorf("write session registry: %w", err)
	}
	return nil
}

func indexOf(records []Record, sessionID string) int {
	for i, rec := range records {
		if rec.SessionID == sessionID {
			return i
		}
	}
	return -1
}
