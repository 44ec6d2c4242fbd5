// Package parser extracts tags, memory links and optional YAML frontmatter
// from memory content.
package parser

import (
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	linkRe = regexp.MustCompile(`\[\[(.*?)\]\]`)
	tagRe  = regexp.MustCompile(`(?:^|\s)#([A-Za-z][A-Za-z0-9_/-]*)`)
)

// Result holds what was extracted from a piece of content. Body is the
// content without frontmatter; the stored content itself is never rewritten.
type Result struct {
	Frontmatter map[string]interface{}
	Body        string
	Tags        []string
	Related     []string
	Category    string
	Kind        string
}

// Parse extracts frontmatter, #tags and [[memory-id]] links from content.
// Tags are normalised.
func Parse(content string) *Result {
	fm, body := splitFrontmatter(content)
	return &Result{
		Frontmatter: fm,
		Body:        body,
		Tags:        NormalizeTags(append(frontmatterList(fm, "tags"), inlineTags(body)...)),
		Related:     extractLinks(body),
		Category:    frontmatterString(fm, "category"),
		Kind:        frontmatterString(fm, "type"),
	}
}

// NormalizeTags lowercases and trims tags, strips a leading '#', and drops
// empties and duplicates. Order of first appearance is kept.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t), "#"))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// MergeLinks appends links not already in ids.
func MergeLinks(ids, links []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids)+len(links))
	for _, id := range append(append([]string(nil), ids...), links...) {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// splitFrontmatter separates YAML frontmatter (between leading --- delimiters)
// from the body. Without valid frontmatter the entire content is body.
func splitFrontmatter(content string) (map[string]interface{}, string) {
	const delim = "---"
	trimmed := strings.TrimLeft(content, "\n\r")

	if !strings.HasPrefix(trimmed, delim) {
		return nil, content
	}

	rest := trimmed[len(delim):]
	idx := strings.Index(rest, "\n"+delim)
	if idx < 0 {
		return nil, content
	}

	yamlBlock := rest[:idx]
	body := strings.TrimLeft(rest[idx+1+len(delim):], "\n\r")

	var fm map[string]interface{}
	if err := yaml.Unmarshal([]byte(yamlBlock), &fm); err != nil {
		return nil, content
	}
	return fm, body
}

// extractLinks returns deduplicated [[memory-id]] targets, dropping aliases.
func extractLinks(body string) []string {
	matches := linkRe.FindAllStringSubmatch(body, -1)
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		target := m[1]
		if i := strings.Index(target, "|"); i >= 0 {
			target = target[:i]
		}
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		if _, ok := seen[target]; ok {
			continue
		}
		seen[target] = struct{}{}
		out = append(out, target)
	}
	return out
}

func inlineTags(body string) []string {
	var out []string
	for _, m := range tagRe.FindAllStringSubmatch(body, -1) {
		out = append(out, m[1])
	}
	return out
}

func frontmatterList(fm map[string]interface{}, key string) []string {
	raw, ok := fm[key]
	if !ok {
		return nil
	}
	var out []string
	switch v := raw.(type) {
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case string:
		out = strings.Split(v, ",")
	}
	return out
}

func frontmatterString(fm map[string]interface{}, key string) string {
	if s, ok := fm[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
