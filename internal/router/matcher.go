package router

import (
	"context"
	"fmt"
	"strings"

	chromem "github.com/philippgille/chromem-go"

	"loom/internal/logging"
)

// Match is the best skill candidate for a text plus its confidence in [0,1].
type Match struct {
	Skill      *Skill
	Confidence float64
}

// SkillMatcher scores a text against the skill library. The keyword score is
// always computed; when an embedding function is supplied, an in-memory
// vector index refines it and the higher of the two wins.
type SkillMatcher struct {
	skills     []Skill
	collection *chromem.Collection
	logger     logging.Logger
}

// NewSkillMatcher indexes the skills. embed may be nil, in which case only
// keyword matching is used.
func NewSkillMatcher(skills []Skill, embed chromem.EmbeddingFunc, logger logging.Logger) (*SkillMatcher, error) {
	m := &SkillMatcher{skills: skills, logger: logging.OrNop(logger)}
	if embed == nil || len(skills) == 0 {
		return m, nil
	}

	db := chromem.NewDB()
	collection, err := db.GetOrCreateCollection("skills", nil, embed)
	if err != nil {
		return nil, fmt.Errorf("create skill index: %w", err)
	}
	for i, s := range skills {
		doc := chromem.Document{
			ID:       s.Name,
			Content:  s.Name + "\n" + s.Description + "\n" + strings.Join(s.Keywords, " "),
			Metadata: map[string]string{"index": fmt.Sprintf("%d", i)},
		}
		if err := collection.AddDocument(context.Background(), doc); err != nil {
			return nil, fmt.Errorf("index skill %s: %w", s.Name, err)
		}
	}
	m.collection = collection
	return m, nil
}

// Best returns the highest-confidence skill for the text, or a zero Match
// when the library is empty.
func (m *SkillMatcher) Best(ctx context.Context, text string) Match {
	best := Match{}
	lower := strings.ToLower(text)

	for i := range m.skills {
		score := keywordScore(lower, &m.skills[i])
		if score > best.Confidence {
			best = Match{Skill: &m.skills[i], Confidence: score}
		}
	}

	if m.collection != nil {
		if refined, ok := m.embeddingBest(ctx, text); ok && refined.Confidence > best.Confidence {
			best = refined
		}
	}
	return best
}

func (m *SkillMatcher) embeddingBest(ctx context.Context, text string) (Match, bool) {
	n := 1
	if count := m.collection.Count(); count < n {
		return Match{}, false
	}
	results, err := m.collection.Query(ctx, text, n, nil, nil)
	if err != nil || len(results) == 0 {
		if err != nil {
			m.logger.Warn("skill embedding query failed, falling back to keywords: %v", err)
		}
		return Match{}, false
	}
	top := results[0]
	for i := range m.skills {
		if m.skills[i].Name == top.ID {
			return Match{Skill: &m.skills[i], Confidence: float64(top.Similarity)}, true
		}
	}
	return Match{}, false
}

// keywordScore is the fraction of the skill's keywords present in the text,
// with a small boost when the skill name itself appears.
func keywordScore(lowerText string, s *Skill) float64 {
	if len(s.Keywords) == 0 {
		if s.Name != "" && strings.Contains(lowerText, strings.ToLower(s.Name)) {
			return 0.5
		}
		return 0
	}
	hits := 0
	for _, kw := range s.Keywords {
		if kw != "" && strings.Contains(lowerText, strings.ToLower(kw)) {
			hits++
		}
	}
	score := float64(hits) / float64(len(s.Keywords))
	if s.Name != "" && strings.Contains(lowerText, strings.ToLower(s.Name)) && score < 1.0 {
		score += 0.1
		if score > 1.0 {
			score = 1.0
		}
	}
	return score
}
