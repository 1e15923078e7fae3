package builtin

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loom/internal/errs"
)

func TestFileWriteAndRead(t *testing.T) {
	root := t.TempDir()
	write := &FileWriteTool{Root: root}
	read := &FileReadTool{Root: root}

	_, err := write.Invoke(context.Background(), map[string]any{
		"path":    "notes/outline.md",
		"content": "- step one\n- step two\n- step three\n",
	})
	require.NoError(t, err)

	result, err := read.Invoke(context.Background(), map[string]any{"path": "notes/outline.md"})
	require.NoError(t, err)
	assert.Contains(t, result.Content, "step two")

	data, err := os.ReadFile(filepath.Join(root, "notes", "outline.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "step three")
}

func TestFileToolsRejectEscape(t *testing.T) {
	root := t.TempDir()
	write := &FileWriteTool{Root: root}

	_, err := write.Invoke(context.Background(), map[string]any{
		"path":    "../outside.txt",
		"content": "nope",
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindPathEscape, errs.KindOf(err))

	read := &FileReadTool{Root: root}
	_, err = read.Invoke(context.Background(), map[string]any{"path": "/etc/passwd"})
	require.Error(t, err)
	assert.Equal(t, errs.KindPathEscape, errs.KindOf(err))
}

func TestFileReadMissingIsPermanentDirect(t *testing.T) {
	read := &FileReadTool{Root: t.TempDir()}
	_, err := read.Invoke(context.Background(), map[string]any{"path": "missing.txt"})
	require.Error(t, err)
	assert.Equal(t, errs.KindToolPermanent, errs.KindOf(err))
}

func TestSearchToolCountsAsInfoAcquisition(t *testing.T) {
	tool := &SearchTool{Backend: func(_ context.Context, query string) ([]string, error) {
		return []string{"snippet about " + query}, nil
	}}
	assert.True(t, tool.InfoAcquiring())

	result, err := tool.Invoke(context.Background(), map[string]any{"query": "go schedulers"})
	require.NoError(t, err)
	assert.Contains(t, result.Content, "go schedulers")
}
