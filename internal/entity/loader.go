package entity

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const ruleFileName = "RULE.md"

var errInvalidRuleYAML = errors.New("invalid rule YAML frontmatter")

type ruleFrontmatter struct {
	Name       string   `yaml:"name"`
	Entity     string   `yaml:"entity"`
	Triggers   []string `yaml:"triggers"`
	Attributes []struct {
		Name    string `yaml:"name"`
		Value   string `yaml:"value"`
		Pattern string `yaml:"pattern"`
	} `yaml:"attributes"`
}

// LoadRules reads detection rules from a directory of per-rule subdirectories,
// each holding a RULE.md with YAML frontmatter (name, entity, triggers,
// attributes) and an optional free-text body describing the rule. A missing
// directory is not an error: deployments without custom rules get nil.
func LoadRules(rulesDir string) ([]Rule, error) {
	rulesDir = strings.TrimSpace(rulesDir)
	if rulesDir == "" {
		return nil, nil
	}

	info, err := os.Stat(rulesDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat rules dir %q: %w", rulesDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("rules path is not a directory: %s", rulesDir)
	}

	entries, err := os.ReadDir(rulesDir)
	if err != nil {
		return nil, fmt.Errorf("read rules dir %q: %w", rulesDir, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	rules := make([]Rule, 0, len(entries))
	seen := make(map[string]string, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		rulePath := filepath.Join(rulesDir, entry.Name(), ruleFileName)
		rule, skip, parseErr := parseRuleFile(rulePath)
		if parseErr != nil {
			return nil, parseErr
		}
		if skip {
			continue
		}

		if prevPath, exists := seen[rule.Name]; exists {
			return nil, fmt.Errorf("duplicate rule name %q in %s (already in %s)", rule.Name, rulePath, prevPath)
		}
		seen[rule.Name] = rulePath
		rules = append(rules, rule)
	}
	return rules, nil
}

func parseRuleFile(path string) (Rule, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Rule{}, true, nil
		}
		return Rule{}, false, fmt.Errorf("read rule %q: %w", path, err)
	}

	meta, err := parseFrontmatter(content)
	if err != nil {
		if errors.Is(err, errInvalidRuleYAML) {
			log.Printf("[entity] warning: skip invalid rule %s: %v", path, err)
			return Rule{}, true, nil
		}
		return Rule{}, false, fmt.Errorf("parse rule %q: %w", path, err)
	}
	if strings.TrimSpace(meta.Name) == "" {
		return Rule{}, false, fmt.Errorf("parse rule %q: missing name", path)
	}
	if strings.TrimSpace(meta.Entity) == "" {
		return Rule{}, false, fmt.Errorf("parse rule %q: missing entity", path)
	}

	triggers := sanitizeTriggers(meta.Triggers)
	if len(triggers) == 0 {
		return Rule{}, false, fmt.Errorf("parse rule %q: no triggers", path)
	}

	attrs := make([]Attribute, 0, len(meta.Attributes))
	for _, a := range meta.Attributes {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			return Rule{}, false, fmt.Errorf("parse rule %q: attribute missing name", path)
		}
		attr := Attribute{Name: name, Value: strings.TrimSpace(a.Value)}
		if pattern := strings.TrimSpace(a.Pattern); pattern != "" {
			re, compileErr := regexp.Compile(pattern)
			if compileErr != nil {
				return Rule{}, false, fmt.Errorf("parse rule %q: attribute %q pattern: %w", path, name, compileErr)
			}
			attr.Pattern = re
		}
		if attr.Pattern == nil && attr.Value == "" {
			return Rule{}, false, fmt.Errorf("parse rule %q: attribute %q needs a value or pattern", path, name)
		}
		attrs = append(attrs, attr)
	}
	if len(attrs) == 0 {
		return Rule{}, false, fmt.Errorf("parse rule %q: no attributes", path)
	}

	return Rule{
		Name:     strings.TrimSpace(meta.Name),
		Entity:   strings.TrimSpace(meta.Entity),
		Triggers: triggers,
		Attrs:    attrs,
	}, false, nil
}

func parseFrontmatter(content []byte) (ruleFrontmatter, error) {
	text := strings.TrimPrefix(string(content), "\uFEFF")
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return ruleFrontmatter{}, errors.New("missing YAML frontmatter")
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return ruleFrontmatter{}, errors.New("missing closing frontmatter separator")
	}

	var meta ruleFrontmatter
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &meta); err != nil {
		return ruleFrontmatter{}, fmt.Errorf("%w: %v", errInvalidRuleYAML, err)
	}
	return meta, nil
}

func sanitizeTriggers(triggers []string) []string {
	seen := make(map[string]struct{}, len(triggers))
	out := make([]string, 0, len(triggers))
	for _, trigger := range triggers {
		normalized := strings.ToLower(strings.TrimSpace(trigger))
		if normalized == "" {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
