// Package builtin provides the minimal tool set the runtime ships with so
// end-to-end runs work without external collaborators.
package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"loom/internal/errs"
	"loom/internal/toolregistry"
)

// FileWriteTool writes a file inside the workspace root.
type FileWriteTool struct {
	Root string
}

var _ toolregistry.Tool = (*FileWriteTool)(nil)

func (t *FileWriteTool) Name() string { return "file_write" }

func (t *FileWriteTool) Description() string {
	return "Write text content to a file path relative to the workspace"
}

func (t *FileWriteTool) ParameterSchema() toolregistry.ParameterSchema {
	return toolregistry.ParameterSchema{
		Properties: map[string]string{
			"path":    "relative file path inside the workspace",
			"content": "full text content to write",
		},
		Required: []string{"path", "content"},
	}
}

func (t *FileWriteTool) Risk() toolregistry.Risk { return toolregistry.RiskMutating }

func (t *FileWriteTool) Invoke(_ context.Context, params map[string]any) (*toolregistry.Result, error) {
	path, _ := params["path"].(string)
	content, _ := params["content"].(string)
	if path == "" {
		return nil, errs.New(errs.KindToolParameterInvalid, "file_write: path must be a non-empty string")
	}

	resolved, err := resolveWithin(t.Root, path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, fmt.Errorf("file_write: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("file_write: %w", err)
	}
	return &toolregistry.Result{
		Content: fmt.Sprintf("wrote %d bytes to %s", len(content), path),
		Data:    map[string]any{"path": path, "bytes": len(content)},
	}, nil
}

// FileReadTool reads a file inside the workspace root.
type FileReadTool struct {
	Root string
}

var _ toolregistry.Tool = (*FileReadTool)(nil)

func (t *FileReadTool) Name() string { return "file_read" }

func (t *FileReadTool) Description() string {
	return "Read the text content of a file path relative to the workspace"
}

func (t *FileReadTool) ParameterSchema() toolregistry.ParameterSchema {
	return toolregistry.ParameterSchema{
		Properties: map[string]string{"path": "relative file path inside the workspace"},
		Required:   []string{"path"},
	}
}

func (t *FileReadTool) Risk() toolregistry.Risk { return toolregistry.RiskReadOnly }

func (t *FileReadTool) Invoke(_ context.Context, params map[string]any) (*toolregistry.Result, error) {
	path, _ := params["path"].(string)
	if path == "" {
		return nil, errs.New(errs.KindToolParameterInvalid, "file_read: path must be a non-empty string")
	}
	resolved, err := resolveWithin(t.Root, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, errs.ToolError(errs.KindToolPermanent, "file_read", err)
	}
	return &toolregistry.Result{Content: string(data)}, nil
}

// resolveWithin resolves a relative path against root and rejects escapes.
func resolveWithin(root, path string) (string, error) {
	if root == "" {
		return "", errs.New(errs.KindInternal, "workspace root is not configured")
	}
	if filepath.IsAbs(path) {
		return "", errs.New(errs.KindPathEscape, "path %q must be relative to the workspace", path)
	}
	cleanRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	resolved := filepath.Clean(filepath.Join(cleanRoot, path))
	if resolved != cleanRoot && !strings.HasPrefix(resolved, cleanRoot+string(filepath.Separator)) {
		return "", errs.New(errs.KindPathEscape, "path %q resolves outside the workspace", path)
	}
	// Symlink traversal must not escape either.
	if real, err := filepath.EvalSymlinks(resolved); err == nil {
		realRoot, rootErr := filepath.EvalSymlinks(cleanRoot)
		if rootErr == nil && real != realRoot && !strings.HasPrefix(real, realRoot+string(filepath.Separator)) {
			return "", errs.New(errs.KindPathEscape, "path %q traverses a symlink outside the workspace", path)
		}
	}
	return resolved, nil
}
