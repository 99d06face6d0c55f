// Package session implements the durable session store: a single JSON file
// per research run, written atomically, with a debounced autosave so a burst
// of scratchpad/artifact mutations collapses into one disk write.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deepresearch-dev/agent/internal/domain"
)

const defaultStepDigestCap = 12

var (
	ErrInvalidSessionID = errors.New("session: invalid session id")
)

// onDiskSession is the literal top-level shape written to
// <sessions_dir>/session_<id>.json.
type onDiskSession struct {
	Metadata       domain.Metadata                  `json:"metadata"`
	Scratchpad     map[string]domain.ScratchpadEntry `json:"scratchpad"`
	PhaseArtifacts map[domain.PhaseKey]domain.Artifact `json:"phase_artifacts"`
	StepDigests    []domain.StepDigest              `json:"step_digests"`

	// Extra carries unknown top-level keys through read-modify-write cycles
	// unchanged, for forward compatibility.
	Extra map[string]json.RawMessage `json:"-"`
}

// Store owns one session's file on disk and serializes all mutations to it
// behind a single mutex: a session file is mutated only by its owning task.
type Store struct {
	dir    string
	debounce time.Duration
	digestCap int

	mu      sync.Mutex
	session *domain.Session
	dirty   bool
	timer   *time.Timer
}

// New returns a Store rooted at dir. It does not load or create a session;
// call CreateOrLoad for that.
func New(dir string, debounce time.Duration, digestCap int) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("session: sessions directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: creating sessions directory: %w", err)
	}
	if digestCap <= 0 {
		digestCap = defaultStepDigestCap
	}
	return &Store{dir: dir, debounce: debounce, digestCap: digestCap}, nil
}

func (s *Store) path(sessionID string) (string, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, "/\\") || strings.Contains(sessionID, "..") {
		return "", ErrInvalidSessionID
	}
	return filepath.Join(s.dir, "session_"+sessionID+".json"), nil
}

// CreateOrLoad opens the existing on-disk file for sessionID, or creates a
// fresh, initialized session if none exists. sessionID defaults to batchID
// per the orchestrator invariant that a session is never renamed away from
// its batch.
func (s *Store) CreateOrLoad(sessionID string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.path(sessionID)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		sess := domain.NewSession(sessionID)
		s.session = sess
		s.dirty = true
		if ferr := s.flushLocked(); ferr != nil {
			return nil, ferr
		}
		return sess, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: reading session file: %w", err)
	}

	sess, err := decode(sessionID, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSessionCorrupt, err)
	}
	s.session = sess
	s.dirty = false
	return sess, nil
}

func decode(sessionID string, raw []byte) (*domain.Session, error) {
	var disk onDiskSession
	if err := json.Unmarshal(raw, &disk); err != nil {
		return nil, err
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(raw, &known); err == nil {
		delete(known, "metadata")
		delete(known, "scratchpad")
		delete(known, "phase_artifacts")
		delete(known, "step_digests")
	}

	scratchpad := make(map[int]domain.ScratchpadEntry, len(disk.Scratchpad))
	for k, v := range disk.Scratchpad {
		var id int
		if _, err := fmt.Sscanf(k, "%d", &id); err != nil {
			continue
		}
		scratchpad[id] = v
	}

	artifacts := disk.PhaseArtifacts
	if artifacts == nil {
		artifacts = make(map[domain.PhaseKey]domain.Artifact)
	}

	return &domain.Session{
		SessionID:      sessionID,
		Metadata:       disk.Metadata,
		PhaseArtifacts: artifacts,
		Scratchpad:     scratchpad,
		StepDigests:    disk.StepDigests,
		Extra:          known,
	}, nil
}

func encode(sess *domain.Session) ([]byte, error) {
	scratchpad := make(map[string]domain.ScratchpadEntry, len(sess.Scratchpad))
	for id, entry := range sess.Scratchpad {
		scratchpad[fmt.Sprintf("%d", id)] = entry
	}

	disk := onDiskSession{
		Metadata:       sess.Metadata,
		Scratchpad:     scratchpad,
		PhaseArtifacts: sess.PhaseArtifacts,
		StepDigests:    sess.StepDigests,
	}

	buf, err := json.Marshal(disk)
	if err != nil {
		return nil, err
	}
	if len(sess.Extra) == 0 {
		return json.MarshalIndent(disk, "", "  ")
	}

	// Merge unknown top-level keys back in so a read-modify-write cycle
	// never drops fields this version of the store doesn't know about.
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(buf, &merged); err != nil {
		return nil, err
	}
	for k, v := range sess.Extra {
		if _, known := merged[k]; !known {
			merged[k] = v
		}
	}
	return json.MarshalIndent(merged, "", "  ")
}

// SavePhaseArtifact records {data, saved_at=now} for phaseKey. When autosave
// is true the session is flushed to disk immediately, overriding any pending
// debounce; otherwise the write is left to the debounce timer, or to an
// explicit Flush when no debounce is configured.
func (s *Store) SavePhaseArtifact(phaseKey domain.PhaseKey, data any, autosave bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("session: marshaling artifact %s: %w", phaseKey, err)
	}
	s.session.PhaseArtifacts[phaseKey] = domain.Artifact{Data: raw, SavedAt: time.Now()}
	s.session.Metadata.UpdatedAt = time.Now()
	s.dirty = true

	if autosave {
		return s.flushLocked()
	}
	s.scheduleFlushLocked()
	return nil
}

// GetPhaseArtifact returns the last stored data for phaseKey, unmarshaled
// into out, or leaves out untouched and returns false if absent.
func (s *Store) GetPhaseArtifact(phaseKey domain.PhaseKey, out any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	art, ok := s.session.PhaseArtifacts[phaseKey]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(art.Data, out); err != nil {
		return false, fmt.Errorf("session: unmarshaling artifact %s: %w", phaseKey, err)
	}
	return true, nil
}

// UpdateScratchpad upserts a scratchpad entry and schedules an autosave.
func (s *Store) UpdateScratchpad(stepID int, findings json.RawMessage, insights string, confidence float64, sources []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.session.Scratchpad[stepID] = domain.ScratchpadEntry{
		StepID:     stepID,
		Findings:   findings,
		Insights:   insights,
		Confidence: confidence,
		Sources:    sources,
		Timestamp:  time.Now(),
	}
	s.session.Metadata.UpdatedAt = time.Now()
	s.dirty = true
	s.scheduleFlushLocked()
	return nil
}

// AppendStepDigest appends digest, dropping the oldest entry once the
// configured cap is exceeded.
func (s *Store) AppendStepDigest(digest domain.StepDigest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.session.StepDigests = append(s.session.StepDigests, digest)
	if len(s.session.StepDigests) > s.digestCap {
		s.session.StepDigests = s.session.StepDigests[len(s.session.StepDigests)-s.digestCap:]
	}
	s.dirty = true
	s.scheduleFlushLocked()
	return nil
}

// SetStatus updates the session's lifecycle status and forces a flush —
// status transitions (failed/cancelled/completed) must never be lost to an
// unflushed debounce window.
func (s *Store) SetStatus(status domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session.Metadata.Status = status
	s.session.Metadata.UpdatedAt = time.Now()
	s.dirty = true
	return s.flushLocked()
}

// Session returns the in-memory session value. Callers must not mutate the
// returned pointer's maps directly; go through the Store's methods so
// dirty-tracking and autosave stay correct.
func (s *Store) Session() *domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Flush forces any pending mutation to disk immediately, canceling a
// pending debounce timer.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// Close flushes any pending mutation and stops the debounce timer.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	return s.flushLocked()
}

// Summary is the subset of a session's metadata worth listing without
// decoding the full on-disk artifact/scratchpad payload.
type Summary struct {
	SessionID string       `json:"session_id"`
	Status    domain.Status `json:"status"`
	BatchID   string       `json:"batch_id"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// List scans the sessions directory and returns a Summary per session file,
// newest first. It reads each file directly rather than going through
// CreateOrLoad, since listing must not mutate or take ownership of sessions
// this process isn't actively running.
func (s *Store) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("session: listing sessions directory: %w", err)
	}

	var out []Summary
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "session_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		sessionID := strings.TrimSuffix(strings.TrimPrefix(name, "session_"), ".json")

		raw, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, fmt.Errorf("session: reading %s: %w", name, err)
		}
		sess, err := decode(sessionID, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrSessionCorrupt, err)
		}
		out = append(out, Summary{
			SessionID: sessionID,
			Status:    sess.Metadata.Status,
			BatchID:   sess.Metadata.BatchID,
			UpdatedAt: sess.Metadata.UpdatedAt,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) scheduleFlushLocked() {
	if s.debounce <= 0 {
		return
	}
	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.timer = nil
		_ = s.flushLocked()
	})
}

func (s *Store) flushLocked() error {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.dirty || s.session == nil {
		return nil
	}

	p, err := s.path(s.session.SessionID)
	if err != nil {
		return err
	}

	buf, err := encode(s.session)
	if err != nil {
		return fmt.Errorf("session: encoding session: %w", err)
	}

	tmpPath := p + ".tmp"
	if err := os.WriteFile(tmpPath, buf, 0o644); err != nil {
		return fmt.Errorf("session: writing temp session file: %w", err)
	}
	if err := os.Rename(tmpPath, p); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("session: renaming session file: %w", err)
	}

	s.dirty = false
	return nil
}
