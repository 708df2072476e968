// Package entity maintains a structured snapshot of named entities observed
// in completion output. Detection is intentionally rule-based and narrow:
// cheap, deterministic pattern triggers rather than a general extraction
// model. The rule set is an extension point, loadable per deployment.
package entity

import (
	"regexp"
	"sort"
	"strings"
)

// EmptyContext is what Render returns when no entity has been observed yet.
const EmptyContext = "No prior context available."

// Attribute describes one attribute a rule can set on its entity: either a
// literal value, or the first capture group of a pattern applied to the
// observed response text.
type Attribute struct {
	Name    string
	Value   string
	Pattern *regexp.Regexp
}

// Rule detects one entity. Triggers are lowercase substrings matched against
// the user query; when any trigger fires, the attributes are evaluated
// against the assistant response.
type Rule struct {
	Name     string
	Entity   string
	Triggers []string
	Attrs    []Attribute
}

func (r Rule) triggered(queryLower string) bool {
	for _, t := range r.Triggers {
		if strings.Contains(queryLower, t) {
			return true
		}
	}
	return false
}

// Tracker holds entity state for one session. Attribute merges are
// last-write-wins, so applying the same observation twice converges to the
// same state. Not safe for concurrent use.
type Tracker struct {
	rules    []Rule
	entities map[string]map[string]string
}

// NewTracker creates a tracker with the given rules. Nil rules means
// DefaultRules.
func NewTracker(rules []Rule) *Tracker {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Tracker{
		rules:    rules,
		entities: make(map[string]map[string]string),
	}
}

// Update runs the rule set against the latest query/response pair and merges
// any extracted attributes into the entity map.
func (t *Tracker) Update(query, response string) {
	queryLower := strings.ToLower(query)
	for _, rule := range t.rules {
		if !rule.triggered(queryLower) {
			continue
		}
		for _, attr := range rule.Attrs {
			value := attr.Value
			if attr.Pattern != nil {
				m := attr.Pattern.FindStringSubmatch(response)
				if m == nil {
					continue
				}
				// First non-empty capture group, else the whole match.
				value = m[0]
				for _, group := range m[1:] {
					if group != "" {
						value = group
						break
					}
				}
			}
			value = strings.TrimSpace(value)
			if value == "" {
				continue
			}
			t.set(rule.Entity, attr.Name, value)
		}
	}
}

func (t *Tracker) set(entity, attr, value string) {
	bag, ok := t.entities[entity]
	if !ok {
		bag = make(map[string]string)
		t.entities[entity] = bag
	}
	bag[attr] = value
}

// Get returns a copy of one entity's attribute bag, or nil if unknown.
func (t *Tracker) Get(name string) map[string]string {
	bag, ok := t.entities[name]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(bag))
	for k, v := range bag {
		out[k] = v
	}
	return out
}

// Len returns the number of tracked entities.
func (t *Tracker) Len() int {
	return len(t.entities)
}

// Render produces the deterministic context block fed into the next prompt:
// one line per entity, entities and attributes in sorted order.
func (t *Tracker) Render() string {
	if len(t.entities) == 0 {
		return EmptyContext
	}

	names := make([]string, 0, len(t.entities))
	for name := range t.entities {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for i, name := range names {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(name)
		sb.WriteString(": ")

		bag := t.entities[name]
		attrs := make([]string, 0, len(bag))
		for attr := range bag {
			attrs = append(attrs, attr)
		}
		sort.Strings(attrs)

		for j, attr := range attrs {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(attr)
			sb.WriteString(": ")
			sb.WriteString(bag[attr])
		}
	}
	return sb.String()
}
