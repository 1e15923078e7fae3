package router

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"loom/internal/logging"
)

// Path is the chosen execution strategy.
type Path string

const (
	PathSkill     Path = "skill"
	PathSandboxed Path = "sandboxed_code"
	PathReasoning Path = "reasoning"
)

// Decision is the router's verdict for one turn. The router never executes;
// callers act on the decision.
type Decision struct {
	Path            Path
	SkillName       string
	SkillConfidence float64
	StructuredScore float64
}

// Defaults for the two gates.
const (
	DefaultSkillThreshold   = 0.85
	DefaultSandboxThreshold = 0.70
)

// Router applies the deterministic decision procedure: skill match first,
// structured-task detection second, reasoning as the fallback.
type Router struct {
	matcher *SkillMatcher
	logger  logging.Logger

	mu               sync.RWMutex
	skillThreshold   float64
	sandboxThreshold float64
	stats            map[Path]int
}

// New creates a router over the given matcher. matcher may be nil when no
// skill library is configured.
func New(matcher *SkillMatcher, logger logging.Logger) *Router {
	return &Router{
		matcher:          matcher,
		logger:           logging.OrNop(logger),
		skillThreshold:   DefaultSkillThreshold,
		sandboxThreshold: DefaultSandboxThreshold,
		stats:            make(map[Path]int),
	}
}

// SetThresholds adjusts the gates at runtime. Values outside (0,1] are
// ignored.
func (r *Router) SetThresholds(skill, sandbox float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if skill > 0 && skill <= 1 {
		r.skillThreshold = skill
	}
	if sandbox > 0 && sandbox <= 1 {
		r.sandboxThreshold = sandbox
	}
}

// Thresholds returns the current gates.
func (r *Router) Thresholds() (skill, sandbox float64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.skillThreshold, r.sandboxThreshold
}

// Stats returns decision counts per path.
func (r *Router) Stats() map[Path]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Path]int, len(r.stats))
	for k, v := range r.stats {
		out[k] = v
	}
	return out
}

// Route classifies one turn of text.
func (r *Router) Route(ctx context.Context, text string) Decision {
	r.mu.RLock()
	skillGate, sandboxGate := r.skillThreshold, r.sandboxThreshold
	r.mu.RUnlock()

	d := Decision{Path: PathReasoning}

	if r.matcher != nil {
		match := r.matcher.Best(ctx, text)
		if match.Skill != nil {
			d.SkillName = match.Skill.Name
			d.SkillConfidence = match.Confidence
			if match.Confidence >= skillGate {
				if match.Skill.Verified {
					d.Path = PathSkill
					r.record(d)
					return d
				}
				// High-confidence but unverified skills run in the sandbox.
				d.Path = PathSandboxed
				r.record(d)
				return d
			}
		}
	}

	d.StructuredScore = structuredScore(text)
	if d.StructuredScore >= sandboxGate {
		d.Path = PathSandboxed
	}
	r.record(d)
	return d
}

func (r *Router) record(d Decision) {
	r.mu.Lock()
	r.stats[d.Path]++
	r.mu.Unlock()
	r.logger.Debug("routed to %s (skill=%.2f structured=%.2f)", d.Path, d.SkillConfidence, d.StructuredScore)
}

// Structured-task battery: file extensions, transform verbs, code mentions,
// and tabular vocabulary each contribute a fixed weight.
var (
	dataFilePattern  = regexp.MustCompile(`(?i)\.(csv|tsv|json|jsonl|xlsx?|parquet|sqlite|db|xml|yaml|yml)\b`)
	codeBlockPattern = regexp.MustCompile("(?s)```|(?i)\\b(script|code|function|regex|snippet)\\b")
	tablePattern     = regexp.MustCompile(`(?i)\b(table|column|row|array|list of|dataset|dataframe|records)\b`)

	transformVerbs = []string{
		"aggregate", "transform", "filter", "query", "compute", "calculate",
		"parse", "convert", "extract", "sort", "merge", "join", "dedupe",
		"group by", "sum", "count", "average",
	}
)

func structuredScore(text string) float64 {
	lower := strings.ToLower(text)
	score := 0.0
	if dataFilePattern.MatchString(text) {
		score += 0.4
	}
	for _, verb := range transformVerbs {
		if strings.Contains(lower, verb) {
			score += 0.3
			break
		}
	}
	if codeBlockPattern.MatchString(text) {
		score += 0.2
	}
	if tablePattern.MatchString(text) {
		score += 0.3
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}
