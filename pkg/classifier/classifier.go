// Package classifier decides from a job title whether a member holds a
// senior executive role.
package classifier

import (
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/pathfinder/pathfinder/pkg/seniority"
)

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	disallowed    = regexp.MustCompile(`[^\p{L}\p{N}_\s.\-]`)
)

// Normalize lowercases and trims the title, collapses whitespace and strips
// everything except word characters, whitespace, periods and hyphens.
// Whitespace is collapsed again after stripping so "CEO & Founder" becomes
// "ceo founder".
func Normalize(title string) string {
	normalized := strings.ToLower(strings.TrimSpace(title))
	normalized = whitespaceRun.ReplaceAllString(normalized, " ")
	normalized = disallowed.ReplaceAllString(normalized, "")
	normalized = whitespaceRun.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(normalized)
}

type Result struct {
	IsSenior     bool
	Level        seniority.Level
	RulesVersion string
}

type Classifier struct {
	current atomic.Pointer[Ruleset]
}

func New(rules Rules) (*Classifier, error) {
	compiled, err := Compile(rules)
	if err != nil {
		return nil, err
	}
	c := &Classifier{}
	c.current.Store(compiled)
	return c, nil
}

// NewDefault returns a classifier over the embedded ruleset.
func NewDefault() *Classifier {
	c, err := New(DefaultRules())
	if err != nil {
		panic(err)
	}
	return c
}

// Classify evaluates the title against a single ruleset snapshot. The
// returned version always names the snapshot that produced the level.
func (c *Classifier) Classify(title string) Result {
	rules := c.current.Load()
	result := Result{RulesVersion: rules.Version()}

	normalized := Normalize(title)
	if normalized == "" {
		return result
	}

	matched, ok := rules.match(normalized)
	if !ok || matched.tier == tierExclusion {
		return result
	}
	result.IsSenior = true
	result.Level = matched.tier.level()
	return result
}

func (c *Classifier) Version() string {
	return c.current.Load().Version()
}

// Reload compiles the rules and swaps them in. On error the active ruleset
// is left untouched.
func (c *Classifier) Reload(rules Rules) error {
	compiled, err := Compile(rules)
	if err != nil {
		return err
	}
	c.current.Store(compiled)
	return nil
}
