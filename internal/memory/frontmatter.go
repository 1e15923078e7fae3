package memory

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const frontmatterFence = "---"

// encodeDocument renders frontmatter + body. Metadata keys are emitted in
// YAML map order (alphabetical via yaml.v3 map encoding).
func encodeDocument(meta map[string]string, body string) ([]byte, error) {
	var sb strings.Builder
	sb.WriteString(frontmatterFence)
	sb.WriteString("\n")
	encoded, err := yaml.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode frontmatter: %w", err)
	}
	sb.Write(encoded)
	sb.WriteString(frontmatterFence)
	sb.WriteString("\n")
	sb.WriteString(body)
	return []byte(sb.String()), nil
}

// decodeDocument splits frontmatter from body. Documents without a
// frontmatter fence are accepted for backward compatibility; they decode to
// an empty metadata map.
func decodeDocument(raw []byte) (map[string]string, string, error) {
	text := string(raw)
	if !strings.HasPrefix(text, frontmatterFence+"\n") {
		return map[string]string{}, text, nil
	}

	rest := text[len(frontmatterFence)+1:]
	end := strings.Index(rest, "\n"+frontmatterFence)
	if end < 0 {
		// Unterminated fence: treat the whole file as body.
		return map[string]string{}, text, nil
	}

	meta := map[string]string{}
	if err := yaml.Unmarshal([]byte(rest[:end+1]), &meta); err != nil {
		return nil, "", fmt.Errorf("decode frontmatter: %w", err)
	}

	body := rest[end+1+len(frontmatterFence):]
	body = strings.TrimPrefix(body, "\n")
	return meta, body, nil
}
