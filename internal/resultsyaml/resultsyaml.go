// Package resultsyaml parses the test harness's results.yml, per
// SPEC_FULL.md §4.4 step 6 and §9's "YAML results that may be invalid"
// redesign note: attempt a strict parse first, and only on failure run
// a sanitiser that quotes free-text error fields, then retry once.
// Results are never silently dropped.
package resultsyaml

import (
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// SubtestResult is one subtest's outcome within results.yml.
type SubtestResult struct {
	Name   string `yaml:"name"`
	Status string `yaml:"status"`
	Error  string `yaml:"error,omitempty"`
}

// Results is the top-level results.yml document.
type Results struct {
	Suite    string          `yaml:"suite"`
	Subtests []SubtestResult `yaml:"subtests"`
	Warnings []string        `yaml:"warnings,omitempty"`
}

// errorFieldRe matches an "error:" key whose value is unquoted
// free text, mirroring original_source/myyamlsanitizer.py.
var errorFieldRe = regexp.MustCompile(`(?m)(error:)\s*(.*)$`)

// Sanitize quotes free-text "error:" field values and strips
// backslashes/quotes that would otherwise break a strict YAML parse,
// exactly the transform myyamlsanitizer.py performs.
func Sanitize(input string) string {
	lines := strings.Split(input, "\n")
	for i, line := range lines {
		if strings.Contains(line, "error:") {
			line = strings.ReplaceAll(line, `\`, "")
			line = strings.ReplaceAll(line, `"`, "")
			line = errorFieldRe.ReplaceAllString(line, `$1 "$2"`)
			lines[i] = line
		}
	}
	return strings.Join(lines, "\n")
}

// Parse attempts a strict YAML decode first; on failure it sanitises
// and retries exactly once. The bool return reports whether the
// sanitiser had to run, for logging/metrics.
func Parse(raw []byte) (*Results, bool, error) {
	var res Results
	if err := yaml.Unmarshal(raw, &res); err == nil {
		return &res, false, nil
	}

	sanitized := Sanitize(string(raw))
	var res2 Results
	if err := yaml.Unmarshal([]byte(sanitized), &res2); err != nil {
		return nil, true, err
	}
	return &res2, true, nil
}

// Classify splits subtests into failed/skipped/passed name lists.
func (r *Results) Classify() (failed, skipped, passed []string) {
	for _, s := range r.Subtests {
		switch strings.ToLower(s.Status) {
		case "fail", "failed":
			failed = append(failed, s.Name)
		case "skip", "skipped":
			skipped = append(skipped, s.Name)
		default:
			passed = append(passed, s.Name)
		}
	}
	return
}
