// Package router chooses an execution path for each user turn: a matched
// skill, sandboxed code, or plain model reasoning.
package router

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"loom/internal/logging"
)

// Skill is one loadable capability description. Skills live as markdown
// files with YAML frontmatter; the body is the skill's playbook.
type Skill struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Keywords    []string `yaml:"keywords"`
	Verified    bool     `yaml:"verified"`
	Body        string   `yaml:"-"`
}

// LoadLibrary reads every *.md file under dir into a skill list. A missing
// directory yields an empty library.
func LoadLibrary(dir string, logger logging.Logger) ([]Skill, error) {
	logger = logging.OrNop(logger)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read skill dir: %w", err)
	}

	var skills []Skill
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read skill %s: %w", e.Name(), err)
		}
		skill, err := parseSkill(raw)
		if err != nil {
			logger.Warn("skipping malformed skill %s: %v", e.Name(), err)
			continue
		}
		if skill.Name == "" {
			skill.Name = strings.TrimSuffix(e.Name(), ".md")
		}
		skills = append(skills, skill)
	}
	logger.Info("loaded %d skill(s) from %s", len(skills), dir)
	return skills, nil
}

func parseSkill(raw []byte) (Skill, error) {
	text := string(raw)
	var skill Skill
	if !strings.HasPrefix(text, "---\n") {
		skill.Body = text
		return skill, nil
	}
	rest := text[4:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		skill.Body = text
		return skill, nil
	}
	if err := yaml.Unmarshal([]byte(rest[:end+1]), &skill); err != nil {
		return Skill{}, fmt.Errorf("skill frontmatter: %w", err)
	}
	body := rest[end+len("\n---"):]
	skill.Body = strings.TrimPrefix(strings.TrimPrefix(body, "\n"), "\n")
	return skill, nil
}
