// Package builtin provides the minimal tool set the runtime ships with:
// workspace-rooted file access, working-memory appends, and a search stub.
package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"loom/internal/errs"
	"loom/internal/logging"
	"loom/internal/memory"
	"loom/internal/toolregistry"
)

// RegisterAll adds every builtin tool to the registry.
func RegisterAll(registry *toolregistry.Registry, workspaceRoot string, store *memory.Store, logger logging.Logger) error {
	root, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return err
	}
	tools := []toolregistry.Tool{
		&fileReadTool{root: root},
		&fileWriteTool{root: root},
		&memoryAppendTool{store: store, logger: logging.OrNop(logger)},
		&searchTool{},
	}
	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// resolveUnder joins a relative path onto root, rejecting escapes.
func resolveUnder(root, rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", errs.New(errs.KindToolParameterInvalid, "path is required")
	}
	if filepath.IsAbs(rel) {
		return "", errs.New(errs.KindPathEscape, "permission denied: path %q is absolute", rel)
	}
	full := filepath.Clean(filepath.Join(root, rel))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", errs.New(errs.KindPathEscape, "permission denied: path %q escapes the workspace", rel)
	}
	return full, nil
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", errs.New(errs.KindToolParameterInvalid, "parameter %q is required", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", errs.New(errs.KindToolParameterInvalid, "parameter %q must be a string", key)
	}
	return s, nil
}

type fileReadTool struct {
	root string
}

func (t *fileReadTool) Name() string        { return "file_read" }
func (t *fileReadTool) Description() string { return "Read a file inside the workspace" }
func (t *fileReadTool) Risk() toolregistry.Risk {
	return toolregistry.RiskReadOnly
}
func (t *fileReadTool) ParameterSchema() toolregistry.ParameterSchema {
	return toolregistry.ParameterSchema{
		Properties: map[string]string{"path": "workspace-relative file path"},
		Required:   []string{"path"},
	}
}

func (t *fileReadTool) Invoke(ctx context.Context, params map[string]any) (*toolregistry.Result, error) {
	rel, err := stringParam(params, "path")
	if err != nil {
		return nil, err
	}
	path, err := resolveUnder(t.root, rel)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.KindToolPermanent, "file %q does not exist", rel)
		}
		return nil, errs.Wrap(errs.KindToolTransient, err, "read %q", rel)
	}
	return &toolregistry.Result{Content: string(raw)}, nil
}

type fileWriteTool struct {
	root string
}

func (t *fileWriteTool) Name() string        { return "file_write" }
func (t *fileWriteTool) Description() string { return "Write a file inside the workspace" }
func (t *fileWriteTool) Risk() toolregistry.Risk {
	return toolregistry.RiskMutating
}
func (t *fileWriteTool) ParameterSchema() toolregistry.ParameterSchema {
	return toolregistry.ParameterSchema{
		Properties: map[string]string{
			"path":    "workspace-relative file path",
			"content": "full file content to write",
		},
		Required: []string{"path", "content"},
	}
}

func (t *fileWriteTool) Invoke(ctx context.Context, params map[string]any) (*toolregistry.Result, error) {
	rel, err := stringParam(params, "path")
	if err != nil {
		return nil, err
	}
	content, err := stringParam(params, "content")
	if err != nil {
		return nil, err
	}
	path, err := resolveUnder(t.root, rel)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrap(errs.KindToolTransient, err, "create parent of %q", rel)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, errs.Wrap(errs.KindToolTransient, err, "write %q", rel)
	}
	return &toolregistry.Result{
		Content: fmt.Sprintf("wrote %d bytes to %s", len(content), rel),
	}, nil
}

type memoryAppendTool struct {
	store  *memory.Store
	logger logging.Logger
}

func (t *memoryAppendTool) Name() string { return "memory_append" }
func (t *memoryAppendTool) Description() string {
	return "Append a block to the session's findings or progress document"
}
func (t *memoryAppendTool) Risk() toolregistry.Risk {
	return toolregistry.RiskMutating
}
func (t *memoryAppendTool) ParameterSchema() toolregistry.ParameterSchema {
	return toolregistry.ParameterSchema{
		Properties: map[string]string{
			"doc":     "target document: findings or progress",
			"content": "markdown block to append",
		},
		Required: []string{"doc", "content"},
	}
}

func (t *memoryAppendTool) Invoke(ctx context.Context, params map[string]any) (*toolregistry.Result, error) {
	sessionID, ok := toolregistry.SessionFromContext(ctx)
	if !ok {
		return nil, errs.New(errs.KindInternal, "memory_append requires a session-scoped invocation")
	}
	docName, err := stringParam(params, "doc")
	if err != nil {
		return nil, err
	}
	content, err := stringParam(params, "content")
	if err != nil {
		return nil, err
	}
	doc := memory.Doc(docName)
	if doc != memory.DocFindings && doc != memory.DocProgress {
		return nil, errs.New(errs.KindToolParameterInvalid,
			"doc must be %q or %q, got %q", memory.DocFindings, memory.DocProgress, docName)
	}
	if err := t.store.Append(sessionID, doc, content); err != nil {
		return nil, err
	}
	t.logger.Debug("appended %d bytes to %s for session %s", len(content), doc, sessionID)
	return &toolregistry.Result{Content: fmt.Sprintf("appended to %s", doc)}, nil
}

// searchTool is a stub used by tests and offline runs; a deployment swaps in
// a real search provider under the same name.
type searchTool struct{}

func (t *searchTool) Name() string        { return "search" }
func (t *searchTool) Description() string { return "Search for information (stub provider)" }
func (t *searchTool) Risk() toolregistry.Risk {
	return toolregistry.RiskReadOnly
}
func (t *searchTool) InfoAcquiring() bool { return true }
func (t *searchTool) ParameterSchema() toolregistry.ParameterSchema {
	return toolregistry.ParameterSchema{
		Properties: map[string]string{"query": "search query"},
		Required:   []string{"query"},
	}
}

func (t *searchTool) Invoke(ctx context.Context, params map[string]any) (*toolregistry.Result, error) {
	query, err := stringParam(params, "query")
	if err != nil {
		return nil, err
	}
	return &toolregistry.Result{
		Content: fmt.Sprintf("no results for %q: search backend not configured", query),
		Data:    map[string]any{"query": query, "results": []any{}},
	}, nil
}
