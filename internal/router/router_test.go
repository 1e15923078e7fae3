package router

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSkills() []Skill {
	return []Skill{
		{
			Name:        "pdf-report",
			Description: "Generate a PDF report from structured data",
			Keywords:    []string{"pdf", "report", "generate"},
			Verified:    true,
		},
		{
			Name:        "web-scrape",
			Description: "Scrape content from web pages",
			Keywords:    []string{"scrape", "crawl", "webpage"},
			Verified:    false,
		},
	}
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	matcher, err := NewSkillMatcher(testSkills(), nil, nil)
	require.NoError(t, err)
	return New(matcher, nil)
}

func TestVerifiedSkillAboveThreshold(t *testing.T) {
	r := newTestRouter(t)
	d := r.Route(context.Background(), "please generate a pdf report from the sales numbers")
	assert.Equal(t, PathSkill, d.Path)
	assert.Equal(t, "pdf-report", d.SkillName)
	assert.GreaterOrEqual(t, d.SkillConfidence, DefaultSkillThreshold)
}

func TestUnverifiedSkillFallsBackToSandbox(t *testing.T) {
	r := newTestRouter(t)
	d := r.Route(context.Background(), "scrape the webpage and crawl its links")
	assert.Equal(t, PathSandboxed, d.Path)
	assert.Equal(t, "web-scrape", d.SkillName)
}

func TestStructuredTaskGoesToSandbox(t *testing.T) {
	r := newTestRouter(t)
	d := r.Route(context.Background(), "aggregate the rows in sales.csv by region and sum the totals")
	assert.Equal(t, PathSandboxed, d.Path)
	assert.GreaterOrEqual(t, d.StructuredScore, DefaultSandboxThreshold)
}

func TestPlainQuestionGoesToReasoning(t *testing.T) {
	r := newTestRouter(t)
	d := r.Route(context.Background(), "what is the capital of France?")
	assert.Equal(t, PathReasoning, d.Path)
}

func TestRouteIsDeterministic(t *testing.T) {
	r := newTestRouter(t)
	text := "filter the dataset in records.json and count matching rows"
	first := r.Route(context.Background(), text)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, r.Route(context.Background(), text))
	}
}

func TestThresholdsAreMutable(t *testing.T) {
	r := newTestRouter(t)
	text := "make a report"

	d := r.Route(context.Background(), text)
	assert.Equal(t, PathReasoning, d.Path)

	r.SetThresholds(0.2, 0.9)
	d = r.Route(context.Background(), text)
	assert.Equal(t, PathSkill, d.Path, "lowered skill gate must admit the weak match")

	skill, sandbox := r.Thresholds()
	assert.Equal(t, 0.2, skill)
	assert.Equal(t, 0.9, sandbox)
}

func TestStatsCountPerPath(t *testing.T) {
	r := newTestRouter(t)
	r.Route(context.Background(), "generate a pdf report now")
	r.Route(context.Background(), "what time is it?")
	r.Route(context.Background(), "parse data.csv into a table of rows")

	stats := r.Stats()
	assert.Equal(t, 1, stats[PathSkill])
	assert.Equal(t, 1, stats[PathReasoning])
	assert.Equal(t, 1, stats[PathSandboxed])
}

func TestLoadLibraryParsesFrontmatter(t *testing.T) {
	dir := t.TempDir()
	skill := `---
name: csv-summary
description: Summarize CSV files
keywords: [csv, summarize, columns]
verified: true
---

1. Load the file.
2. Describe each column.
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "csv-summary.md"), []byte(skill), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	skills, err := LoadLibrary(dir, nil)
	require.NoError(t, err)
	require.Len(t, skills, 1)
	assert.Equal(t, "csv-summary", skills[0].Name)
	assert.True(t, skills[0].Verified)
	assert.Contains(t, skills[0].Body, "Describe each column")
	assert.Equal(t, []string{"csv", "summarize", "columns"}, skills[0].Keywords)
}

func TestLoadLibraryMissingDir(t *testing.T) {
	skills, err := LoadLibrary(filepath.Join(t.TempDir(), "nope"), nil)
	require.NoError(t, err)
	assert.Empty(t, skills)
}

func TestEmbeddingRefinesMatch(t *testing.T) {
	// A fixed fake embedder: texts mentioning reports line up with the
	// pdf-report skill vector, everything else is orthogonal.
	embed := func(_ context.Context, text string) ([]float32, error) {
		if strings.Contains(text, "report") {
			return []float32{1, 0, 0}, nil
		}
		return []float32{0, 1, 0}, nil
	}
	matcher, err := NewSkillMatcher(testSkills(), embed, nil)
	require.NoError(t, err)
	r := New(matcher, nil)

	d := r.Route(context.Background(), "I need the quarterly report written up")
	assert.Equal(t, PathSkill, d.Path)
	assert.Equal(t, "pdf-report", d.SkillName)
}
