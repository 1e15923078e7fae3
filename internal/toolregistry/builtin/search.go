package builtin

import (
	"context"
	"fmt"

	"loom/internal/errs"
	"loom/internal/toolregistry"
)

// SearchFunc performs a search query and returns result snippets.
type SearchFunc func(ctx context.Context, query string) ([]string, error)

// SearchTool is an information-acquisition tool backed by a pluggable search
// function. Production deployments inject a real provider; tests inject a
// canned one.
type SearchTool struct {
	Backend SearchFunc
}

var (
	_ toolregistry.Tool          = (*SearchTool)(nil)
	_ toolregistry.InfoAcquiring = (*SearchTool)(nil)
)

func (t *SearchTool) Name() string { return "search" }

func (t *SearchTool) Description() string {
	return "Search the web and return result snippets for a query"
}

func (t *SearchTool) ParameterSchema() toolregistry.ParameterSchema {
	return toolregistry.ParameterSchema{
		Properties: map[string]string{"query": "search query text"},
		Required:   []string{"query"},
	}
}

func (t *SearchTool) Risk() toolregistry.Risk { return toolregistry.RiskReadOnly }

func (t *SearchTool) InfoAcquiring() bool { return true }

func (t *SearchTool) Invoke(ctx context.Context, params map[string]any) (*toolregistry.Result, error) {
	query, _ := params["query"].(string)
	if query == "" {
		return nil, errs.New(errs.KindToolParameterInvalid, "search: query must be a non-empty string")
	}
	if t.Backend == nil {
		return nil, errs.New(errs.KindToolPermanent, "search: no backend configured")
	}
	snippets, err := t.Backend(ctx, query)
	if err != nil {
		return nil, errs.ClassifyTool("search", err)
	}
	content := ""
	for i, snippet := range snippets {
		content += fmt.Sprintf("%d. %s\n", i+1, snippet)
	}
	return &toolregistry.Result{
		Content: content,
		Data:    map[string]any{"query": query, "count": len(snippets)},
	}, nil
}
