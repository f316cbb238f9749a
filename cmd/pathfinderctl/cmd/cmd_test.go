package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestClassifyJSON(t *testing.T) {
	out, err := run(t, "classify", "-o", "json", "--rules", "", "Chief Executive Officer", "VP of Sales", "Former CEO")
	require.NoError(t, err)

	var results []classification
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 3)
	assert.Equal(t, "csuite", results[0].Level)
	assert.True(t, results[0].IsSenior)
	assert.Equal(t, "vp", results[1].Level)
	assert.Equal(t, "none", results[2].Level)
	assert.False(t, results[2].IsSenior)
	assert.Equal(t, "2025.11-1", results[0].RulesVersion)
}

func TestClassifyText(t *testing.T) {
	out, err := run(t, "classify", "-o", "text", "--rules", "", "CFO")
	require.NoError(t, err)
	assert.Contains(t, out, "csuite")
}

func TestRulesCheck(t *testing.T) {
	dir := t.TempDir()
	valid := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(valid, []byte(`version: "test-2"
exclusion_patterns: ['\bformer\b']
csuite_patterns: ['\bceo\b']
vp_patterns: ['\bvp\b']
`), 0o600))

	out, err := run(t, "rules", "check", "-o", "yaml", valid)
	require.NoError(t, err)
	assert.Contains(t, out, "version: test-2")
	assert.Contains(t, out, "csuite_patterns: 1")

	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte(`version: "test-3"
csuite_patterns: ['(']
`), 0o600))
	_, err = run(t, "rules", "check", "-o", "text", broken)
	require.Error(t, err)
}

func TestClassifyWithRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`version: "narrow-1"
csuite_patterns: ['\bfounder\b']
vp_patterns: []
`), 0o600))

	out, err := run(t, "classify", "-o", "json", "--rules", path, "Founder", "CEO")
	require.NoError(t, err)

	var results []classification
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 2)
	assert.Equal(t, "csuite", results[0].Level)
	assert.Equal(t, "none", results[1].Level)
	assert.Equal(t, "narrow-1", results[1].RulesVersion)
}

func TestUnknownOutputFormat(t *testing.T) {
	_, err := run(t, "classify", "-o", "xml", "--rules", "", "CEO")
	require.Error(t, err)
}
