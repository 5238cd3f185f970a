package fallback

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/roach88/vledger/internal/canon"
	"github.com/roach88/vledger/internal/fsx"
	"github.com/roach88/vledger/internal/ledger"
)

// BackendName identifies this implementation in receipts and logs.
const BackendName = "jsonl"

const (
	lockRetry = 10 * time.Millisecond
	fileMode  = 0o600
)

// Store is the JSONL fallback ledger.
type Store struct {
	path     string
	haltPath string
	mu       sync.Mutex
	lock     *flock.Flock
	now      func() time.Time
}

var _ ledger.Backend = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source for new entries.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open prepares a fallback ledger at path, creating the file and its parent
// directory if needed.
func Open(path string, opts ...Option) (*Store, error) {
	clean := filepath.Clean(path)
	if err := fsx.EnsureDir(clean); err != nil {
		return nil, err
	}
	// #nosec G304 -- fallback path comes from operator configuration.
	f, err := os.OpenFile(clean, os.O_CREATE|os.O_RDONLY, fileMode)
	if err != nil {
		return nil, fmt.Errorf("create fallback file: %w", err)
	}
	_ = f.Close()

	s := &Store{
		path:     clean,
		haltPath: clean + ".halt",
		lock:     flock.New(clean + ".lock"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Path returns the JSONL file location.
func (s *Store) Path() string {
	return s.path
}

// Name implements ledger.Backend.
func (s *Store) Name() string {
	return BackendName
}

// Lineages implements ledger.Backend.
func (s *Store) Lineages() []ledger.Lineage {
	return []ledger.Lineage{ledger.LineageFallback}
}

// Close implements ledger.Backend.
func (s *Store) Close() error {
	return s.lock.Close()
}

// withLock runs fn holding both the process mutex and the file lock.
func (s *Store) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.lock.TryLockContext(ctx, lockRetry)
	if err != nil {
		return fmt.Errorf("acquire fallback lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("acquire fallback lock: not acquired")
	}
	defer func() {
		_ = s.lock.Unlock()
	}()
	return fn()
}

// Append implements ledger.Backend. req.Lineage is ignored: everything
// written here belongs to the fallback lineage, and req.Tier records what
// the entry would have been in the durable backend.
func (s *Store) Append(ctx context.Context, req ledger.AppendRequest) (ledger.Entry, bool, error) {
	req.Lineage = ledger.LineageFallback
	payload, err := req.Validate()
	if err != nil {
		return ledger.Entry{}, false, err
	}

	var (
		entry   ledger.Entry
		created bool
	)
	err = s.withLock(ctx, func() error {
		snap, err := s.load()
		if err != nil {
			return err
		}
		if e, ok := snap.bySealID(req.SealID); ok {
			entry = e
			return nil
		}
		if snap.corruptAt > 0 {
			return &ledger.ChainCorruptionError{Lineage: ledger.LineageFallback, Sequence: snap.corruptAt, Reason: "unparseable record"}
		}
		if halt, ok, err := s.readHalt(); err != nil {
			return err
		} else if ok {
			return &ledger.ChainCorruptionError{Lineage: ledger.LineageFallback, Sequence: halt.Sequence, Reason: "lineage halted: " + halt.Reason}
		}

		next := snap.head().Next(req, payload, s.now())
		line, err := encodeRecord(next, payload)
		if err != nil {
			return err
		}
		if err := s.appendLine(snap.validSize, line); err != nil {
			return err
		}
		entry = next
		created = true
		return nil
	})
	if err != nil {
		return ledger.Entry{}, false, err
	}
	return entry, created, nil
}

// appendLine writes one record, first trimming any torn tail past validSize.
func (s *Store) appendLine(validSize int64, line []byte) error {
	// #nosec G304 -- fallback path comes from operator configuration.
	f, err := os.OpenFile(s.path, os.O_RDWR, fileMode)
	if err != nil {
		return fmt.Errorf("open fallback file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat fallback file: %w", err)
	}
	if info.Size() > validSize {
		if err := f.Truncate(validSize); err != nil {
			return fmt.Errorf("trim torn record: %w", err)
		}
	}
	if _, err := f.Seek(validSize, io.SeekStart); err != nil {
		return fmt.Errorf("seek fallback file: %w", err)
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("append fallback record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync fallback file: %w", err)
	}
	return nil
}

// FindBySealID implements ledger.Backend.
func (s *Store) FindBySealID(ctx context.Context, sealID string) (ledger.Entry, bool, error) {
	var (
		entry ledger.Entry
		found bool
	)
	err := s.withLock(ctx, func() error {
		snap, err := s.load()
		if err != nil {
			return err
		}
		entry, found = snap.bySealID(sealID)
		return nil
	})
	return entry, found, err
}

// GetBySession implements ledger.Backend.
func (s *Store) GetBySession(ctx context.Context, sessionID string) ([]ledger.Entry, error) {
	return s.Query(ctx, ledger.Filter{SessionID: sessionID, IncludeExpired: true}, 0, 0)
}

// Query implements ledger.Backend. limit <= 0 means no limit.
func (s *Store) Query(ctx context.Context, f ledger.Filter, limit, offset int) ([]ledger.Entry, error) {
	entries := []ledger.Entry{}
	err := s.withLock(ctx, func() error {
		snap, err := s.load()
		if err != nil {
			return err
		}
		skipped := 0
		for _, r := range snap.records {
			if !f.Matches(r.entry) {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && len(entries) >= limit {
				break
			}
			entries = append(entries, r.entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Head implements ledger.Backend.
func (s *Store) Head(ctx context.Context, l ledger.Lineage) (ledger.Head, error) {
	if l != ledger.LineageFallback {
		return ledger.Head{}, &ledger.ValidationError{Field: "lineage", Message: fmt.Sprintf("lineage %q is not hosted by %s", l, BackendName)}
	}
	var head ledger.Head
	err := s.withLock(ctx, func() error {
		snap, err := s.load()
		if err != nil {
			return err
		}
		head = snap.head()
		return nil
	})
	return head, err
}

// RebuildHead implements ledger.Backend. The fallback head is always the
// last complete line, so rebuilding is the same as reading it.
func (s *Store) RebuildHead(ctx context.Context, l ledger.Lineage) (ledger.Head, error) {
	return s.Head(ctx, l)
}

// VerifyChain implements ledger.Backend.
func (s *Store) VerifyChain(ctx context.Context, l ledger.Lineage) (ledger.VerifyResult, error) {
	if l != ledger.LineageFallback {
		return ledger.VerifyResult{}, &ledger.ValidationError{Field: "lineage", Message: fmt.Sprintf("lineage %q is not hosted by %s", l, BackendName)}
	}
	var result ledger.VerifyResult
	err := s.withLock(ctx, func() error {
		snap, err := s.load()
		if err != nil {
			return err
		}
		result = snap.verify()
		if result.OK {
			return nil
		}
		return s.writeHalt(haltMarker{Sequence: result.FirstBadSequence, Reason: result.Reason})
	})
	return result, err
}

// ResumeLineage implements ledger.Backend.
func (s *Store) ResumeLineage(ctx context.Context, l ledger.Lineage) (ledger.VerifyResult, error) {
	result, err := s.VerifyChain(ctx, l)
	if err != nil || !result.OK {
		return result, err
	}
	err = s.withLock(ctx, func() error {
		if err := os.Remove(s.haltPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("clear halt marker: %w", err)
		}
		return nil
	})
	return result, err
}

type haltMarker struct {
	Sequence int64  `json:"sequence"`
	Reason   string `json:"reason"`
}

func (s *Store) readHalt() (haltMarker, bool, error) {
	// #nosec G304 -- halt path is derived from the configured fallback path.
	raw, err := os.ReadFile(s.haltPath)
	if errors.Is(err, os.ErrNotExist) {
		return haltMarker{}, false, nil
	}
	if err != nil {
		return haltMarker{}, false, fmt.Errorf("read halt marker: %w", err)
	}
	var h haltMarker
	if err := json.Unmarshal(raw, &h); err != nil {
		h = haltMarker{Reason: "unreadable halt marker"}
	}
	return h, true, nil
}

func (s *Store) writeHalt(h haltMarker) error {
	raw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode halt marker: %w", err)
	}
	if err := fsx.WriteFileAtomic(s.haltPath, raw, fileMode); err != nil {
		return fmt.Errorf("write halt marker: %w", err)
	}
	return nil
}

// record is the on-disk form of one entry. Payload holds the canonical
// bytes that were hashed.
type record struct {
	Sequence      int64           `json:"sequence"`
	SealID        string          `json:"seal_id"`
	SessionID     string          `json:"session_id"`
	Timestamp     string          `json:"timestamp"`
	Authority     string          `json:"authority"`
	Verdict       string          `json:"verdict"`
	Payload       json.RawMessage `json:"payload"`
	EntryHash     string          `json:"entry_hash"`
	PrevHash      string          `json:"prev_hash"`
	SchemaVersion int             `json:"schema_version"`
	Lineage       string          `json:"lineage"`
	Tier          string          `json:"tier"`
	ExpiresAt     string          `json:"expires_at,omitempty"`
}

func encodeRecord(e ledger.Entry, payload []byte) ([]byte, error) {
	r := record{
		Sequence:      e.Sequence,
		SealID:        e.SealID,
		SessionID:     e.SessionID,
		Timestamp:     canon.FormatTimestamp(e.Timestamp),
		Authority:     e.Authority,
		Verdict:       string(e.Verdict),
		Payload:       json.RawMessage(payload),
		EntryHash:     e.EntryHash,
		PrevHash:      e.PrevHash,
		SchemaVersion: e.SchemaVersion,
		Lineage:       string(e.Lineage),
		Tier:          string(e.Tier),
	}
	if e.ExpiresAt != nil {
		r.ExpiresAt = canon.FormatTimestamp(*e.ExpiresAt)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("encode fallback record: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func decodeRecord(line []byte) (ledger.Entry, []byte, error) {
	var r record
	if err := json.Unmarshal(line, &r); err != nil {
		return ledger.Entry{}, nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
	if err != nil {
		return ledger.Entry{}, nil, fmt.Errorf("timestamp: %w", err)
	}
	e := ledger.Entry{
		Sequence:      r.Sequence,
		SealID:        r.SealID,
		SessionID:     r.SessionID,
		Timestamp:     ts,
		Authority:     r.Authority,
		Verdict:       ledger.Verdict(r.Verdict),
		EntryHash:     r.EntryHash,
		PrevHash:      r.PrevHash,
		SchemaVersion: r.SchemaVersion,
		Lineage:       ledger.Lineage(r.Lineage),
		Tier:          ledger.Tier(r.Tier),
	}
	if r.ExpiresAt != "" {
		exp, err := time.Parse(time.RFC3339Nano, r.ExpiresAt)
		if err != nil {
			return ledger.Entry{}, nil, fmt.Errorf("expires_at: %w", err)
		}
		e.ExpiresAt = &exp
	}
	if obj, err := canon.DecodeObject(r.Payload); err == nil {
		e.Payload = obj
	} else {
		e.Payload = map[string]any{}
	}
	return e, []byte(r.Payload), nil
}

type storedRecord struct {
	entry   ledger.Entry
	payload []byte
}

// snapshot is the parsed file contents at one point in time.
type snapshot struct {
	records   []storedRecord
	validSize int64 // byte offset just past the last complete line
	corruptAt int64 // sequence position of the first unparseable complete line, 0 if none
}

// load reads the whole file. Must be called with the lock held.
func (s *Store) load() (snapshot, error) {
	// #nosec G304 -- fallback path comes from operator configuration.
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return snapshot{}, fmt.Errorf("read fallback file: %w", err)
	}

	var snap snapshot
	reader := bufio.NewReader(bytes.NewReader(raw))
	var offset int64
	for {
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// Anything without a trailing newline is a torn write.
			break
		}
		if err != nil {
			return snapshot{}, fmt.Errorf("scan fallback file: %w", err)
		}
		offset += int64(len(line))
		snap.validSize = offset

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 || snap.corruptAt > 0 {
			continue
		}
		e, payload, err := decodeRecord(trimmed)
		if err != nil {
			snap.corruptAt = int64(len(snap.records)) + 1
			continue
		}
		snap.records = append(snap.records, storedRecord{entry: e, payload: payload})
	}
	return snap, nil
}

func (snap snapshot) head() ledger.Head {
	if len(snap.records) == 0 {
		return ledger.GenesisHead(ledger.LineageFallback)
	}
	last := snap.records[len(snap.records)-1].entry
	return ledger.Head{Lineage: ledger.LineageFallback, Sequence: last.Sequence, EntryHash: last.EntryHash}
}

func (snap snapshot) bySealID(sealID string) (ledger.Entry, bool) {
	for _, r := range snap.records {
		if r.entry.SealID == sealID {
			return r.entry, true
		}
	}
	return ledger.Entry{}, false
}

func (snap snapshot) verify() ledger.VerifyResult {
	v := ledger.NewChainVerifier(ledger.LineageFallback)
	for _, r := range snap.records {
		if !v.Check(r.entry, r.payload) {
			return v.Result()
		}
	}
	if snap.corruptAt > 0 {
		return ledger.VerifyResult{
			Lineage:          ledger.LineageFallback,
			Checked:          int64(len(snap.records)),
			FirstBadSequence: snap.corruptAt,
			Reason:           "unparseable record",
		}
	}
	return v.Result()
}
