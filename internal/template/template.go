// Package template renders prompt patterns of the form {{name}} or
// {{name|default}}, with dot notation for nested context lookups.
package template

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	placeholderPattern = regexp.MustCompile(
		`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*(?:\.[a-zA-Z_][a-zA-Z0-9_]*)*)(?:\s*\|\s*([^}]*))?\s*\}\}`)
	namePattern = regexp.MustCompile(
		`^[a-zA-Z_][a-zA-Z0-9_]*(?:\.[a-zA-Z_][a-zA-Z0-9_]*)*$`)
)

// Issue is a structural problem found by Validate, with a byte offset into
// the pattern so callers can batch-report problems across many templates.
type Issue struct {
	Pos     int
	Message string
}

func (i Issue) String() string {
	return fmt.Sprintf("at %d: %s", i.Pos, i.Message)
}

type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.String()
	}
	return "invalid template: " + strings.Join(parts, "; ")
}

// VariableNotFoundError reports a strict-mode render failure. Available is
// the exact sorted set of variable names the context could have supplied.
type VariableNotFoundError struct {
	Name      string
	Available []string
}

func (e *VariableNotFoundError) Error() string {
	msg := fmt.Sprintf("variable {{%s}} not found", e.Name)
	if len(e.Available) > 0 {
		msg += ". Available variables: " + strings.Join(e.Available, ", ")
	}
	return msg
}

type Engine struct {
	strict bool
}

// New returns an engine. Strict mode fails on unresolved placeholders;
// non-strict leaves them verbatim in the output.
func New(strict bool) *Engine {
	return &Engine{strict: strict}
}

// Validate checks structural well-formedness only: every {{ has a matching
// }}, no nested unescaped braces, and every placeholder name is a valid
// identifier. Resolvability is a render-time concern.
func (e *Engine) Validate(pattern string) []Issue {
	var issues []Issue

	i := 0
	for i < len(pattern) {
		open := strings.Index(pattern[i:], "{{")
		closing := strings.Index(pattern[i:], "}}")

		if open == -1 && closing == -1 {
			break
		}
		if open == -1 || (closing != -1 && closing < open) {
			issues = append(issues, Issue{Pos: i + closing, Message: "'}}' without matching '{{'"})
			i += closing + 2
			continue
		}

		start := i + open
		rest := pattern[start+2:]
		nextOpen := strings.Index(rest, "{{")
		nextClose := strings.Index(rest, "}}")

		if nextClose == -1 {
			issues = append(issues, Issue{Pos: start, Message: "unclosed '{{'"})
			i = start + 2
			continue
		}
		if nextOpen != -1 && nextOpen < nextClose {
			issues = append(issues, Issue{Pos: start + 2 + nextOpen, Message: "nested '{{' inside placeholder"})
			i = start + 2 + nextOpen
			continue
		}

		inner := rest[:nextClose]
		name := inner
		if idx := strings.Index(inner, "|"); idx >= 0 {
			name = inner[:idx]
		}
		name = strings.TrimSpace(name)
		if !namePattern.MatchString(name) {
			issues = append(issues, Issue{Pos: start, Message: fmt.Sprintf("invalid placeholder name %q", name)})
		}

		i = start + 2 + nextClose + 2
	}

	return issues
}

// Render substitutes placeholders from values first, then defaults, then the
// placeholder's inline default. Rendering is pure: the same pattern and
// context always yield the same string.
func (e *Engine) Render(pattern string, values, defaults map[string]any) (string, error) {
	if issues := e.Validate(pattern); len(issues) > 0 {
		return "", &ValidationError{Issues: issues}
	}

	var renderErr error
	rendered := placeholderPattern.ReplaceAllStringFunc(pattern, func(match string) string {
		if renderErr != nil {
			return match
		}
		groups := placeholderPattern.FindStringSubmatch(match)
		name := groups[1]

		if v, ok := lookup(values, name); ok {
			return fmt.Sprintf("%v", v)
		}
		if v, ok := lookup(defaults, name); ok {
			return fmt.Sprintf("%v", v)
		}
		if hasInlineDefault(match) {
			return strings.TrimSpace(groups[2])
		}

		if e.strict {
			renderErr = &VariableNotFoundError{
				Name:      name,
				Available: availableNames(values, defaults),
			}
			return match
		}
		return match
	})
	if renderErr != nil {
		return "", renderErr
	}
	return rendered, nil
}

// Variables returns the distinct placeholder names in declaration order.
func Variables(pattern string) []string {
	seen := map[string]bool{}
	var names []string
	for _, groups := range placeholderPattern.FindAllStringSubmatch(pattern, -1) {
		if !seen[groups[1]] {
			seen[groups[1]] = true
			names = append(names, groups[1])
		}
	}
	return names
}

// Required returns the placeholders that have no default available anywhere.
func Required(pattern string, defaults map[string]any) []string {
	var required []string
	seen := map[string]bool{}
	for _, groups := range placeholderPattern.FindAllStringSubmatch(pattern, -1) {
		name := groups[1]
		if seen[name] {
			continue
		}
		seen[name] = true
		if hasInlineDefault(groups[0]) {
			continue
		}
		if _, ok := lookup(defaults, name); ok {
			continue
		}
		required = append(required, name)
	}
	return required
}

// hasInlineDefault distinguishes {{name|}} (empty default) from {{name}}
// (no default); a submatch alone cannot tell the two apart.
func hasInlineDefault(match string) bool {
	return strings.Contains(match, "|")
}

func lookup(data map[string]any, key string) (any, bool) {
	var current any = data
	for _, part := range strings.Split(key, ".") {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func availableNames(maps ...map[string]any) []string {
	seen := map[string]bool{}
	for _, m := range maps {
		for _, name := range flattenKeys(m, "") {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func flattenKeys(data map[string]any, prefix string) []string {
	var keys []string
	for key, value := range data {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		keys = append(keys, full)
		if nested, ok := asMap(value); ok {
			keys = append(keys, flattenKeys(nested, full)...)
		}
	}
	return keys
}
