// Package skills loads Markdown skill definitions and matches them
// against outgoing prompts. A matched skill's body is appended to the
// effective system prompt for that call only.
//
// Skills use YAML frontmatter for metadata and the markdown body as
// content:
//
//	---
//	name: code-review
//	description: Review Go code for common mistakes
//	triggers: [review, "code review"]
//	---
//
//	# Code review
//
//	Guidance for the model...
package skills

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Skill is one skill definition parsed from a SKILL.md file.
type Skill struct {
	// Name is the unique identifier for the skill
	Name string `yaml:"name"`

	// Description explains what the skill does
	Description string `yaml:"description"`

	// Version for tracking skill updates
	Version string `yaml:"version"`

	// Triggers are phrases that activate this skill when they appear
	// in the outgoing prompt
	Triggers []string `yaml:"triggers"`

	// Priority determines precedence when several skills match
	// (higher = first)
	Priority int `yaml:"priority"`

	// Content is the markdown body — the text appended to the system
	// prompt on a match. Parsed from the body, not from YAML.
	Content string `yaml:"-"`

	// Enabled allows disabling skills without removing them
	Enabled bool `yaml:"-"`

	// FilePath stores where this skill was loaded from
	FilePath string `yaml:"-"`
}

// Validate checks if the skill definition is valid
func (s *Skill) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("skill name is required")
	}
	if len(s.Triggers) == 0 {
		return fmt.Errorf("skill %q: at least one trigger is required", s.Name)
	}
	return nil
}

// ParseSkillMD parses a SKILL.md file: YAML frontmatter between ---
// markers, markdown body after.
func ParseSkillMD(data []byte) (*Skill, error) {
	frontmatter, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}

	var skill Skill
	if err := yaml.Unmarshal(frontmatter, &skill); err != nil {
		return nil, fmt.Errorf("failed to parse frontmatter: %w", err)
	}

	skill.Content = string(bytes.TrimSpace(body))
	return &skill, nil
}

// splitFrontmatter separates YAML frontmatter from markdown body.
func splitFrontmatter(data []byte) (frontmatter []byte, body []byte, err error) {
	if !bytes.HasPrefix(data, []byte("---")) {
		return nil, nil, fmt.Errorf("SKILL.md must start with --- (YAML frontmatter)")
	}

	rest := data[3:]
	rest = bytes.TrimLeft(rest, " \t")
	if len(rest) > 0 && rest[0] == '\n' {
		rest = rest[1:]
	} else if len(rest) > 1 && rest[0] == '\r' && rest[1] == '\n' {
		rest = rest[2:]
	}

	closingIdx := bytes.Index(rest, []byte("\n---"))
	if closingIdx == -1 {
		closingIdx = bytes.Index(rest, []byte("\r\n---"))
		if closingIdx == -1 {
			return nil, nil, fmt.Errorf("SKILL.md missing closing --- for frontmatter")
		}
	}

	frontmatter = rest[:closingIdx]
	body = rest[closingIdx+4:]

	body = bytes.TrimLeft(body, " \t")
	if len(body) > 0 && body[0] == '\n' {
		body = body[1:]
	} else if len(body) > 1 && body[0] == '\r' && body[1] == '\n' {
		body = body[2:]
	}

	return frontmatter, body, nil
}
