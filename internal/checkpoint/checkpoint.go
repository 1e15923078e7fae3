// Package checkpoint persists point-in-time snapshots of a run so a session
// can be resumed after interruption.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"loom/internal/errs"
	"loom/internal/logging"
	"loom/internal/memory"
)

// TokenUsage mirrors the run's token counters at snapshot time.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// ContextMessage is one entry of the bounded context tail.
type ContextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DocumentSnapshot copies one working-memory document verbatim.
type DocumentSnapshot struct {
	Meta map[string]string `json:"meta,omitempty"`
	Body string            `json:"body"`
}

// FailureRecord is one observed failure at snapshot time.
type FailureRecord struct {
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
	At     time.Time `json:"at"`
}

// RouterState captures the router's mutable knobs and decision counts.
type RouterState struct {
	SkillThreshold   float64        `json:"skill_threshold"`
	SandboxThreshold float64        `json:"sandbox_threshold"`
	Decisions        map[string]int `json:"decisions,omitempty"`
}

// Snapshot is the full checkpoint payload. Plan carries the scheduler's
// serialized task DAG so a resumed run can rebuild its frontier.
type Snapshot struct {
	SessionID      string                      `json:"session_id"`
	Plan           json.RawMessage             `json:"plan,omitempty"`
	Iteration      int                         `json:"iteration"`
	ElapsedSeconds float64                     `json:"elapsed_seconds"`
	State          string                      `json:"state"`
	TokenUsage     TokenUsage                  `json:"token_usage"`
	ContextTail    []ContextMessage            `json:"context_tail,omitempty"`
	Documents      map[string]DocumentSnapshot `json:"documents"`
	Failures       []FailureRecord             `json:"failures,omitempty"`
	Router         RouterState                 `json:"router"`
	CreatedAt      time.Time                   `json:"created_at"`
}

// Manager writes and prunes checkpoint files for sessions of one store.
// Callers serialize Save per session; the manager does not lock.
type Manager struct {
	store  *memory.Store
	keep   int
	logger logging.Logger
	clock  func() time.Time
}

// NewManager returns a manager retaining at most keep snapshots per session.
func NewManager(store *memory.Store, keep int, logger logging.Logger) *Manager {
	if keep <= 0 {
		keep = 3
	}
	return &Manager{
		store:  store,
		keep:   keep,
		logger: logging.OrNop(logger),
		clock:  time.Now,
	}
}

// Save writes the snapshot and then prunes older files past the retention
// count. Pruning happens only after the new file has landed.
func (m *Manager) Save(snap *Snapshot) (string, error) {
	if snap == nil || snap.SessionID == "" {
		return "", errs.New(errs.KindInternal, "checkpoint snapshot requires a session id")
	}
	dir, err := m.store.CheckpointsDir(snap.SessionID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("checkpoint dir: %w", err)
	}

	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = m.clock().UTC()
	}
	name := fmt.Sprintf("ckpt_%d_%d.json", snap.Iteration, snap.CreatedAt.UnixNano())
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode checkpoint: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("write checkpoint: %w", err)
	}
	m.logger.Debug("saved checkpoint %s (iteration %d)", name, snap.Iteration)

	if err := m.prune(dir); err != nil {
		m.logger.Warn("checkpoint pruning failed: %v", err)
	}
	return path, nil
}

// Latest loads the newest checkpoint for the session. Returns a nil snapshot
// without error when the session has none.
func (m *Manager) Latest(sessionID string) (*Snapshot, error) {
	files, err := m.list(sessionID)
	if err != nil || len(files) == 0 {
		return nil, err
	}
	newest := files[len(files)-1]
	data, err := os.ReadFile(newest)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "decode checkpoint %s", filepath.Base(newest))
	}
	return &snap, nil
}

// List returns the session's checkpoint file paths, oldest first.
func (m *Manager) List(sessionID string) ([]string, error) {
	return m.list(sessionID)
}

func (m *Manager) list(sessionID string) ([]string, error) {
	dir, err := m.store.CheckpointsDir(sessionID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "ckpt_") && strings.HasSuffix(e.Name(), ".json") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Slice(files, func(i, j int) bool {
		return fileEpoch(files[i]) < fileEpoch(files[j])
	})
	return files, nil
}

func (m *Manager) prune(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "ckpt_") && strings.HasSuffix(e.Name(), ".json") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) <= m.keep {
		return nil
	}
	sort.Slice(files, func(i, j int) bool {
		return fileEpoch(files[i]) < fileEpoch(files[j])
	})
	for _, stale := range files[:len(files)-m.keep] {
		if err := os.Remove(stale); err != nil {
			return err
		}
		m.logger.Debug("pruned checkpoint %s", filepath.Base(stale))
	}
	return nil
}

// fileEpoch extracts the creation nanosecond from ckpt_<iter>_<epoch>.json.
func fileEpoch(path string) int64 {
	name := strings.TrimSuffix(filepath.Base(path), ".json")
	parts := strings.Split(name, "_")
	if len(parts) != 3 {
		return 0
	}
	epoch, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0
	}
	return epoch
}
