package classifier

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pathfinder/pathfinder/pkg/seniority"
)

var ErrInvalidRules = errors.New("invalid classification rules")

//go:embed default_rules.yaml
var defaultRulesYAML []byte

// Rules is the on-disk form of a ruleset. Patterns are regular expressions
// matched case-insensitively against the normalized title.
type Rules struct {
	Version   string   `yaml:"version"`
	Exclusion []string `yaml:"exclusion_patterns"`
	CSuite    []string `yaml:"csuite_patterns"`
	VP        []string `yaml:"vp_patterns"`
}

type tier int

const (
	tierExclusion tier = iota
	tierCSuite
	tierVP
)

func (t tier) level() seniority.Level {
	switch t {
	case tierCSuite:
		return seniority.LevelCSuite
	case tierVP:
		return seniority.LevelVP
	default:
		return seniority.LevelNone
	}
}

type rule struct {
	pattern *regexp.Regexp
	tier    tier
}

// Ruleset is an immutable compiled snapshot. Rules are kept in evaluation
// order: every exclusion, then every csuite pattern, then every vp pattern.
type Ruleset struct {
	version string
	rules   []rule
}

func (r *Ruleset) Version() string {
	return r.version
}

func (r *Ruleset) match(normalized string) (rule, bool) {
	for _, candidate := range r.rules {
		if candidate.pattern.MatchString(normalized) {
			return candidate, true
		}
	}
	return rule{}, false
}

func Compile(rules Rules) (*Ruleset, error) {
	version := strings.TrimSpace(rules.Version)
	if version == "" {
		return nil, fmt.Errorf("%w: version is required", ErrInvalidRules)
	}
	if len(rules.CSuite) == 0 && len(rules.VP) == 0 {
		return nil, fmt.Errorf("%w: no csuite or vp patterns", ErrInvalidRules)
	}

	compiled := &Ruleset{version: version}
	tiers := []struct {
		tier     tier
		patterns []string
	}{
		{tierExclusion, rules.Exclusion},
		{tierCSuite, rules.CSuite},
		{tierVP, rules.VP},
	}
	for _, group := range tiers {
		for _, pattern := range group.patterns {
			re, err := regexp.Compile("(?i)" + pattern)
			if err != nil {
				return nil, fmt.Errorf("%w: pattern %q: %v", ErrInvalidRules, pattern, err)
			}
			compiled.rules = append(compiled.rules, rule{pattern: re, tier: group.tier})
		}
	}
	return compiled, nil
}

func ParseRules(data []byte) (Rules, error) {
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return Rules{}, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	return rules, nil
}

func LoadRulesFile(path string) (Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

func DefaultRules() Rules {
	rules, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(err)
	}
	return rules
}
