package resultsyaml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValidYAML(t *testing.T) {
	raw := []byte(`
suite: sanity
subtests:
  - name: test_1
    status: pass
  - name: test_2
    status: fail
warnings:
  - "deprecated option used"
`)
	res, sanitized, err := Parse(raw)
	require.NoError(t, err)
	assert.False(t, sanitized)
	assert.Equal(t, "sanity", res.Suite)
	require.Len(t, res.Subtests, 2)
	assert.Len(t, res.Warnings, 1)
}

func TestParseInvalidYAMLIsSanitizedAndRetried(t *testing.T) {
	raw := []byte(`
suite: sanity
subtests:
  - name: test_1
    status: fail
    error: unexpected: colon in message
`)
	res, sanitized, err := Parse(raw)
	require.NoError(t, err)
	assert.True(t, sanitized)
	require.Len(t, res.Subtests, 1)
	assert.Equal(t, "test_1", res.Subtests[0].Name)
}

func TestParseStillInvalidAfterSanitizeReturnsError(t *testing.T) {
	raw := []byte("{ this is not : yaml: at : all ][")
	_, sanitized, err := Parse(raw)
	assert.True(t, sanitized)
	assert.Error(t, err)
}

func TestSanitizeQuotesErrorFieldsOnly(t *testing.T) {
	in := "suite: sanity\nerror: foo: bar \"baz\"\nstatus: fail\n"
	out := Sanitize(in)
	assert.Contains(t, out, `error: "foo: bar baz"`)
	assert.Contains(t, out, "status: fail")
}

func TestClassifySplitsByStatus(t *testing.T) {
	res := &Results{
		Subtests: []SubtestResult{
			{Name: "a", Status: "PASS"},
			{Name: "b", Status: "fail"},
			{Name: "c", Status: "Skipped"},
			{Name: "d", Status: "failed"},
		},
	}
	failed, skipped, passed := res.Classify()
	assert.ElementsMatch(t, []string{"b", "d"}, failed)
	assert.ElementsMatch(t, []string{"c"}, skipped)
	assert.ElementsMatch(t, []string{"a"}, passed)
}
