package entity

import "regexp"

var (
	// Matches "<Name> is the (current) president ..." and the inverted
	// "the president ... is <Name>" phrasing.
	presidentNamePattern = regexp.MustCompile(
		`(?i)(?:([A-Z][a-zA-Z.'-]+(?: [A-Z][a-zA-Z.'-]+)+) is the (?:current )?president|president[^.\n]{0,60}?\bis ([A-Z][a-zA-Z.'-]+(?: [A-Z][a-zA-Z.'-]+)+))`)

	agePattern = regexp.MustCompile(`\b(\d{1,3})\s*(?:years?\s+old|years\s+of\s+age)`)
)

// DefaultRules is the built-in rule set: the original deployment tracked the
// sitting US president and their age across follow-up questions.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "us-president",
			Entity:   "US President",
			Triggers: []string{"president"},
			Attrs: []Attribute{
				{Name: "name", Pattern: presidentNamePattern},
				{Name: "position", Value: "President of the United States"},
			},
		},
		{
			Name:     "us-president-age",
			Entity:   "US President",
			Triggers: []string{"age", "how old"},
			Attrs: []Attribute{
				{Name: "age", Pattern: agePattern},
			},
		},
	}
}
