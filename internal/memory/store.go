// Package memory implements the durable three-document scratchpad every
// session externalizes its working state into.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"loom/internal/errs"
	"loom/internal/logging"
)

// Doc identifies one of the three working-memory documents.
type Doc string

const (
	DocPlan     Doc = "task_plan"
	DocFindings Doc = "findings"
	DocProgress Doc = "progress"
)

// Valid reports whether the doc is one of the three known documents.
func (d Doc) Valid() bool {
	switch d {
	case DocPlan, DocFindings, DocProgress:
		return true
	default:
		return false
	}
}

func (d Doc) filename() string {
	return string(d) + ".md"
}

// Document is the decoded content of one working-memory file.
type Document struct {
	Meta map[string]string
	Body string
}

// Store owns the session directories of one workspace.
type Store struct {
	root        string // absolute workspace root
	workspaceID string
	logger      logging.Logger
	clock       func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-session write serialization
}

// NewStore creates a store rooted at workspaceRoot/workspaceID.
func NewStore(workspaceRoot, workspaceID string, logger logging.Logger) (*Store, error) {
	if strings.TrimSpace(workspaceRoot) == "" {
		return nil, errs.New(errs.KindInternal, "workspace root is required")
	}
	abs, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return nil, err
	}
	return &Store{
		root:        abs,
		workspaceID: workspaceID,
		logger:      logging.OrNop(logger),
		clock:       time.Now,
		locks:       make(map[string]*sync.Mutex),
	}, nil
}

// SessionDir returns the directory for a session, verifying containment.
func (s *Store) SessionDir(sessionID string) (string, error) {
	return s.resolve(sessionID, "")
}

// EnsureSession creates the session directory tree, including the
// checkpoints and artifacts subdirectories.
func (s *Store) EnsureSession(sessionID string) error {
	dir, err := s.SessionDir(sessionID)
	if err != nil {
		return err
	}
	for _, sub := range []string{"", "checkpoints", "artifacts"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("ensure session dir: %w", err)
		}
	}
	return nil
}

// CheckpointsDir returns the checkpoint directory for a session.
func (s *Store) CheckpointsDir(sessionID string) (string, error) {
	return s.resolve(sessionID, "checkpoints")
}

// ArtifactsDir returns the artifacts directory for a session.
func (s *Store) ArtifactsDir(sessionID string) (string, error) {
	return s.resolve(sessionID, "artifacts")
}

// Read returns the decoded document. A missing file reads as an empty
// document so callers need not special-case the first access.
func (s *Store) Read(sessionID string, doc Doc) (*Document, error) {
	path, err := s.docPath(sessionID, doc)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Document{Meta: map[string]string{}}, nil
		}
		return nil, fmt.Errorf("read %s: %w", doc, err)
	}
	meta, body, err := decodeDocument(raw)
	if err != nil {
		return nil, err
	}
	return &Document{Meta: meta, Body: body}, nil
}

// Write atomically replaces the document, refreshing updated_at and filling
// session metadata. Frontmatter is emitted on every write.
func (s *Store) Write(sessionID string, doc Doc, body string, meta map[string]string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return s.writeLocked(sessionID, doc, body, meta)
}

func (s *Store) writeLocked(sessionID string, doc Doc, body string, meta map[string]string) error {
	path, err := s.docPath(sessionID, doc)
	if err != nil {
		return err
	}

	merged := map[string]string{}
	for k, v := range meta {
		merged[k] = v
	}
	if merged["title"] == "" {
		merged["title"] = string(doc)
	}
	merged["session_id"] = sessionID
	now := s.clock().UTC().Format(time.RFC3339)
	if merged["created_at"] == "" {
		if existing, err := s.readMeta(path); err == nil && existing["created_at"] != "" {
			merged["created_at"] = existing["created_at"]
		} else {
			merged["created_at"] = now
		}
	}
	merged["updated_at"] = now

	encoded, err := encodeDocument(merged, body)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("write %s: %w", doc, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", doc, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", doc, err)
	}
	s.logger.Debug("wrote %s for session %s (%d bytes)", doc, sessionID, len(encoded))
	return nil
}

// Append adds a timestamped block to the end of the document, creating it
// with frontmatter when absent.
func (s *Store) Append(sessionID string, doc Doc, body string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.Read(sessionID, doc)
	if err != nil {
		return err
	}

	stamp := s.clock().UTC().Format(time.RFC3339)
	var sb strings.Builder
	sb.WriteString(current.Body)
	if sb.Len() > 0 && !strings.HasSuffix(current.Body, "\n") {
		sb.WriteString("\n")
	}
	sb.WriteString("\n## ")
	sb.WriteString(stamp)
	sb.WriteString("\n\n")
	sb.WriteString(strings.TrimRight(body, "\n"))
	sb.WriteString("\n")

	return s.writeLocked(sessionID, doc, sb.String(), current.Meta)
}

func (s *Store) readMeta(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	meta, _, err := decodeDocument(raw)
	return meta, err
}

func (s *Store) docPath(sessionID string, doc Doc) (string, error) {
	if !doc.Valid() {
		return "", errs.New(errs.KindInternal, "unknown working-memory document %q", doc)
	}
	dir, err := s.resolve(sessionID, "")
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, doc.filename()), nil
}

// resolve builds root/workspaceID/sessions/sessionID[/sub] and rejects any
// path that escapes the workspace root.
func (s *Store) resolve(sessionID, sub string) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", errs.New(errs.KindInternal, "session id is required")
	}
	if filepath.IsAbs(sessionID) {
		return "", errs.New(errs.KindPathEscape, "permission denied: session id %q is absolute", sessionID)
	}
	dir := filepath.Clean(filepath.Join(s.root, s.workspaceID, "sessions", sessionID, sub))
	if dir != s.root && !strings.HasPrefix(dir, s.root+string(filepath.Separator)) {
		return "", errs.New(errs.KindPathEscape, "permission denied: session path escapes workspace root")
	}
	// A session id like "../../x" can stay under root but leave the
	// sessions namespace; require containment there too.
	namespace := filepath.Clean(filepath.Join(s.root, s.workspaceID, "sessions"))
	if dir != namespace && !strings.HasPrefix(dir, namespace+string(filepath.Separator)) {
		return "", errs.New(errs.KindPathEscape, "permission denied: session path escapes session namespace")
	}
	if real, err := filepath.EvalSymlinks(dir); err == nil {
		realRoot, rootErr := filepath.EvalSymlinks(s.root)
		if rootErr == nil && real != realRoot && !strings.HasPrefix(real, realRoot+string(filepath.Separator)) {
			return "", errs.New(errs.KindPathEscape, "permission denied: session path traverses symlink outside workspace")
		}
	}
	return dir, nil
}

func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	return lock
}
