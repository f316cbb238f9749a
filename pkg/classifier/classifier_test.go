package classifier

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pathfinder/pathfinder/pkg/seniority"
)

func TestClassifyDefaultRules(t *testing.T) {
	c := NewDefault()

	cases := []struct {
		title string
		level seniority.Level
	}{
		{"Chief Executive Officer", seniority.LevelCSuite},
		{"CEO", seniority.LevelCSuite},
		{"CFO", seniority.LevelCSuite},
		{"Chief Technology Officer", seniority.LevelCSuite},
		{"President", seniority.LevelCSuite},
		{"Chief Information Security Officer", seniority.LevelCSuite},
		{"C.E.O.", seniority.LevelCSuite},
		{"Co-Founder & CEO", seniority.LevelCSuite},
		{"VP of Sales", seniority.LevelVP},
		{"Vice President", seniority.LevelVP},
		{"Vice-President, Marketing", seniority.LevelVP},
		{"SVP Engineering", seniority.LevelVP},
		{"Executive Vice President", seniority.LevelVP},
		{"Student President", seniority.LevelNone},
		{"Retired CEO", seniority.LevelNone},
		{"Former CTO", seniority.LevelNone},
		{"VP Intern", seniority.LevelNone},
		{"Executive Assistant to the CEO", seniority.LevelNone},
		{"Head of Product", seniority.LevelNone},
		{"Software Engineer", seniority.LevelNone},
		{"Senior Manager", seniority.LevelNone},
		{"Director of Sales", seniority.LevelNone},
		{"Team Lead", seniority.LevelNone},
		{"", seniority.LevelNone},
		{"   ", seniority.LevelNone},
	}

	for _, tc := range cases {
		t.Run(tc.title, func(t *testing.T) {
			got := c.Classify(tc.title)
			if got.Level != tc.level {
				t.Fatalf("expected level %q, got %q", tc.level, got.Level)
			}
			if got.IsSenior != tc.level.IsSenior() {
				t.Fatalf("expected senior %v, got %v", tc.level.IsSenior(), got.IsSenior)
			}
			if got.RulesVersion != c.Version() {
				t.Fatalf("expected rules version %q, got %q", c.Version(), got.RulesVersion)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"  Chief   Executive\tOfficer ": "chief executive officer",
		"C.E.O.":                      "c.e.o.",
		"Co-Founder & CEO":            "co-founder ceo",
		"VP (Sales)!":                 "vp sales",
		"Directora Général":           "directora général",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestCompileRejectsInvalidRules(t *testing.T) {
	_, err := Compile(Rules{Version: "1", CSuite: []string{"("}})
	if !errors.Is(err, ErrInvalidRules) {
		t.Fatalf("expected ErrInvalidRules, got %v", err)
	}

	_, err = Compile(Rules{CSuite: []string{"ceo"}})
	if !errors.Is(err, ErrInvalidRules) {
		t.Fatalf("expected ErrInvalidRules for missing version, got %v", err)
	}

	_, err = Compile(Rules{Version: "1", Exclusion: []string{"intern"}})
	if !errors.Is(err, ErrInvalidRules) {
		t.Fatalf("expected ErrInvalidRules without senior tiers, got %v", err)
	}
}

func TestReloadKeepsPreviousRulesOnError(t *testing.T) {
	c := NewDefault()
	before := c.Version()

	if err := c.Reload(Rules{Version: "broken", VP: []string{"[unclosed"}}); err == nil {
		t.Fatal("expected reload error")
	}
	if c.Version() != before {
		t.Fatalf("expected version %q to stay active, got %q", before, c.Version())
	}
	if got := c.Classify("CEO"); got.Level != seniority.LevelCSuite {
		t.Fatalf("expected previous rules to classify CEO as csuite, got %q", got.Level)
	}
}

func TestClassifyUsesOneSnapshotDuringReload(t *testing.T) {
	first := Rules{Version: "a", CSuite: []string{`\bceo\b`}}
	second := Rules{Version: "b", VP: []string{`\bceo\b`}}

	c, err := New(first)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ctx.Err() == nil; i++ {
			rules := first
			if i%2 == 1 {
				rules = second
			}
			_ = c.Reload(rules)
		}
	}()

	for i := 0; i < 5000; i++ {
		got := c.Classify("CEO")
		switch got.RulesVersion {
		case "a":
			require.Equal(t, seniority.LevelCSuite, got.Level)
		case "b":
			require.Equal(t, seniority.LevelVP, got.Level)
		default:
			t.Fatalf("unexpected rules version %q", got.RulesVersion)
		}
	}
	cancel()
	wg.Wait()
}

func TestReloadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: \"2\"\nvp_patterns:\n  - '\\bhead of\\b'\n"), 0o644))

	c := NewDefault()
	require.NoError(t, ReloadFile(c, path))
	require.Equal(t, "2", c.Version())
	require.Equal(t, seniority.LevelVP, c.Classify("Head of Product").Level)

	require.NoError(t, os.WriteFile(path, []byte("version: [\n"), 0o644))
	err := ReloadFile(c, path)
	require.ErrorIs(t, err, ErrInvalidRules)
	require.Equal(t, "2", c.Version())
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: \"1\"\ncsuite_patterns:\n  - '\\bceo\\b'\n"), 0o644))

	c := NewDefault()
	require.NoError(t, ReloadFile(c, path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- NewWatcher(c, path, zap.NewNop()).Run(ctx) }()

	updated := []byte("version: \"2\"\ncsuite_patterns:\n  - '\\bceo\\b'\n")
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, updated, 0o644)
		return c.Version() == "2"
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestProperty_ClassifierRules(t *testing.T) {
	c := NewDefault()
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	titles := gen.OneConstOf(
		"CEO", "Chief Executive Officer", "VP of Sales", "Senior Vice President",
		"Software Engineer", "Retired CEO", "Team Lead", "President", "EVP Operations",
	)

	properties.Property("classify is deterministic", prop.ForAll(
		func(title string) bool {
			return c.Classify(title) == c.Classify(title)
		},
		gen.AnyString(),
	))

	properties.Property("exclusions dominate senior matches", prop.ForAll(
		func(exclusion, senior string) bool {
			got := c.Classify(exclusion + " " + senior)
			return !got.IsSenior && got.Level == seniority.LevelNone
		},
		gen.OneConstOf("Retired", "Former", "Student", "Aspiring", "Intern"),
		gen.OneConstOf("CEO", "Chief Operating Officer", "President", "VP", "Vice President"),
	))

	properties.Property("chief officer titles are csuite", prop.ForAll(
		func(area string) bool {
			return c.Classify("Chief "+area+" Officer").Level == seniority.LevelCSuite
		},
		gen.OneConstOf("Executive", "Financial", "Technology", "Operating", "Revenue", "Marketing", "People"),
	))

	properties.Property("case and spacing do not change the result", prop.ForAll(
		func(title string) bool {
			noisy := "  " + strings.ToUpper(strings.ReplaceAll(title, " ", "   ")) + "\t"
			return c.Classify(noisy) == c.Classify(title)
		},
		titles,
	))

	properties.TestingRun(t)
}
