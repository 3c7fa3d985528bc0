// Package testcatalog implements the Test-List Resolver of
// SPEC_FULL.md §4.2: it classifies a change's changed files against
// fnmatch-style pattern lists, parses commit-message directives, and
// expands the matching catalogue entries across the
// {ldiskfs, zfs} x {DNE, non-DNE} matrix.
//
// Catalogues and filelists are reloaded from JSON on every call, never
// compiled in, per SPEC_FULL.md §9's "dynamic catalogues" redesign note.
package testcatalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/verygreen/lustretester/internal/workitem"
)

// Entry is one catalogue row from tests/{initial,comprehensive,lnet,
// zfs,ldiskfs}.json (SPEC_FULL.md §6).
type Entry struct {
	Test       string            `json:"test"`
	Name       string            `json:"name,omitempty"`
	Timeout    int               `json:"timeout"`
	TestParam  string            `json:"testparam,omitempty"`
	DNE        *bool             `json:"DNE,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	SSK        bool              `json:"SSK,omitempty"`
	SELINUX    bool              `json:"SELINUX,omitempty"`
	FSType     string            `json:"fstype,omitempty"`
	Disabled   bool              `json:"disabled,omitempty"`
	OnlyBranch string            `json:"onlybranch,omitempty"`
}

// Filelists holds the fnmatch pattern lists used to classify changed
// files (SPEC_FULL.md §6).
type Filelists struct {
	Ignore     []string `json:"ignore"`
	BuildOnly  []string `json:"buildonly"`
	Ldiskfs    []string `json:"ldiskfs"`
	Zfs        []string `json:"zfs"`
	Lnet       []string `json:"lnet"`
	TestScript []string `json:"test_script"`
}

// FeatureVector is the classification output of step 3 of §4.2.
type FeatureVector struct {
	Ldiskfs           bool
	Zfs               bool
	Lnet              bool
	BuildOnly         bool
	Full              bool
	Trivial           bool
	RequestedTests    []string
	SuspiciousTrivial bool

	// TestScriptTests holds the test names derived from changed files
	// that matched the test_script filelist (e.g.
	// lustre/tests/sanity.sh -> "sanity"), per SPEC_FULL.md §8
	// scenario 3.
	TestScriptTests []string
}

// defaultScriptTimeout bounds a test-script-derived test record that
// has no catalogue entry to source a timeout from.
const defaultScriptTimeout = 30 * time.Minute

// scriptTestName derives a catalogue-style test name from a matched
// test-script path, stripping directory and extension
// (lustre/tests/sanity.sh -> sanity).
func scriptTestName(path string) string {
	base := filepath.Base(path)
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

// Resolver implements the Test-List Resolver.
type Resolver struct {
	CatalogDir  string
	FilelistDir string
}

// NewResolver constructs a Resolver rooted at the given catalogue and
// filelist directories.
func NewResolver(catalogDir, filelistDir string) *Resolver {
	return &Resolver{CatalogDir: catalogDir, FilelistDir: filelistDir}
}

var testParamsRe = regexp.MustCompile(`(?m)^Test-Parameters:\s*(.*)$`)

func parseDirectives(commitMessage string) (trivial, forBuildOnly, forTestOnly bool, testlist []string) {
	m := testParamsRe.FindStringSubmatch(commitMessage)
	if m == nil {
		return
	}
	line := m[1]
	for _, tok := range strings.Split(line, " ") {
		tok = strings.TrimSpace(tok)
		switch {
		case tok == "trivial":
			trivial = true
		case tok == "forbuildonly":
			forBuildOnly = true
		case tok == "fortestonly":
			forTestOnly = true
		case strings.HasPrefix(tok, "testlist="):
			csv := strings.TrimPrefix(tok, "testlist=")
			for _, t := range strings.Split(csv, ",") {
				if t = strings.TrimSpace(t); t != "" {
					testlist = append(testlist, t)
				}
			}
		}
	}
	return
}

// classify matches one changed file against the ordered filelists,
// returning the first matching class, or "" (unclassified -> full run).
func classify(path string, fl Filelists) string {
	base := filepath.Base(path)
	// filepath.Match's '*' stops at '/', unlike fnmatch's; matching with
	// '/' replaced by NUL on both sides lets '*' span directories.
	flat := strings.ReplaceAll(path, "/", "\x00")
	match := func(patterns []string) bool {
		for _, p := range patterns {
			if ok, _ := filepath.Match(strings.ReplaceAll(p, "/", "\x00"), flat); ok {
				return true
			}
			if ok, _ := filepath.Match(p, base); ok {
				return true
			}
		}
		return false
	}
	switch {
	case match(fl.Ignore):
		return "IGNORE"
	case match(fl.BuildOnly):
		return "BUILD_ONLY"
	case match(fl.Ldiskfs):
		return "LDISKFS_ONLY"
	case match(fl.Zfs):
		return "ZFS_ONLY"
	case match(fl.Lnet):
		return "LNET_ONLY"
	case match(fl.TestScript):
		return "TEST_SCRIPT"
	default:
		return ""
	}
}

// BuildFeatureVector performs steps 1-3 of §4.2.
func BuildFeatureVector(change workitem.ChangeRecord, fl Filelists) FeatureVector {
	var fv FeatureVector
	sawOnlyBuild := true
	sawAnyRelevant := false
	onlyTestScript := len(change.ChangedFiles) > 0

	for _, f := range change.ChangedFiles {
		switch classify(f, fl) {
		case "IGNORE":
			continue
		case "BUILD_ONLY":
			sawAnyRelevant = true
		case "LDISKFS_ONLY":
			fv.Ldiskfs = true
			sawAnyRelevant = true
			sawOnlyBuild = false
			onlyTestScript = false
		case "ZFS_ONLY":
			fv.Zfs = true
			sawAnyRelevant = true
			sawOnlyBuild = false
			onlyTestScript = false
		case "LNET_ONLY":
			fv.Lnet = true
			sawAnyRelevant = true
			sawOnlyBuild = false
			onlyTestScript = false
		case "TEST_SCRIPT":
			sawAnyRelevant = true
			sawOnlyBuild = false
			fv.TestScriptTests = append(fv.TestScriptTests, scriptTestName(f))
		default:
			// Unclassified -> full run.
			fv.Full = true
			sawOnlyBuild = false
			onlyTestScript = false
		}
	}
	if !sawAnyRelevant {
		sawOnlyBuild = false
	}
	if fv.Lnet {
		// "A LNet-only change volunteers a ZFS smoke run for integration coverage."
		fv.Zfs = true
	}

	trivial, forBuildOnly, forTestOnly, testlist := parseDirectives(change.CommitMessage)
	fv.Trivial = trivial
	fv.RequestedTests = testlist
	if len(testlist) > 0 {
		fv.Full = false
	}
	if forBuildOnly {
		fv.BuildOnly = true
	}
	if sawOnlyBuild && !forTestOnly {
		fv.BuildOnly = true
	}
	if change.BranchTip || looksLikeMergeCommit(change.CommitMessage) {
		fv.Full = true
	}
	if trivial && !onlyTestScript {
		// Trivial requested but the file set touches running code:
		// scenario 2 of SPEC_FULL.md §8 -- flag it rather than trust it.
		fv.SuspiciousTrivial = true
	}
	return fv
}

func looksLikeMergeCommit(msg string) bool {
	return strings.HasPrefix(strings.TrimSpace(msg), "Merge ")
}

// LoadFilelists reads all six pattern-list files from dir.
func LoadFilelists(dir string) (Filelists, error) {
	var fl Filelists
	files := map[string]*[]string{
		"ignore.json":     &fl.Ignore,
		"buildonly.json":  &fl.BuildOnly,
		"ldiskfs.json":    &fl.Ldiskfs,
		"zfs.json":        &fl.Zfs,
		"lnet.json":       &fl.Lnet,
		"test_script.json": &fl.TestScript,
	}
	for name, dst := range files {
		if err := readJSON(filepath.Join(dir, name), dst); err != nil {
			return fl, err
		}
	}
	return fl, nil
}

// Catalogues bundles the five loaded test catalogues.
type Catalogues struct {
	Initial       []Entry
	Comprehensive []Entry
	Lnet          []Entry
	Zfs           []Entry
	Ldiskfs       []Entry
}

// LoadCatalogues reads all five catalogue files from dir.
func LoadCatalogues(dir string) (Catalogues, error) {
	var c Catalogues
	files := map[string]*[]Entry{
		"initial.json":       &c.Initial,
		"comprehensive.json": &c.Comprehensive,
		"lnet.json":          &c.Lnet,
		"zfs.json":           &c.Zfs,
		"ldiskfs.json":       &c.Ldiskfs,
	}
	for name, dst := range files {
		if err := readJSON(filepath.Join(dir, name), dst); err != nil {
			return c, err
		}
	}
	return c, nil
}

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, out)
}

// Resolve implements the full §4.2 algorithm, returning whether to do
// nothing at all, plus the initial and comprehensive test record sets.
func (r *Resolver) Resolve(change workitem.ChangeRecord) (doNothing bool, initial, comprehensive []*workitem.TestRecord, err error) {
	fl, err := LoadFilelists(r.FilelistDir)
	if err != nil {
		return false, nil, nil, err
	}
	cats, err := LoadCatalogues(r.CatalogDir)
	if err != nil {
		return false, nil, nil, err
	}
	fv := BuildFeatureVector(change, fl)

	if fv.BuildOnly {
		return false, nil, nil, nil
	}

	initial = expand(cats.Initial, fv, change.Branch, 0)

	comprehensive = []*workitem.TestRecord{}
	comprehensive = append(comprehensive, expand(cats.Comprehensive, fv, change.Branch, 0)...)
	if fv.Lnet {
		comprehensive = append(comprehensive, expand(cats.Lnet, fv, change.Branch, 0)...)
	}
	if fv.Zfs || fv.Full {
		comprehensive = append(comprehensive, expand(cats.Zfs, fv, change.Branch, 0)...)
	}
	if fv.Ldiskfs || fv.Full {
		comprehensive = append(comprehensive, expand(cats.Ldiskfs, fv, change.Branch, 0)...)
	}

	switch {
	case len(fv.RequestedTests) > 0:
		// An explicit Test-Parameters: testlist= directive always wins
		// over a test-script-derived list.
		comprehensive = applyRequestedTests(fv.RequestedTests, cats, fv, change.Branch)
	case len(fv.TestScriptTests) > 0 && !fv.Full:
		// Test-script-only patch (SPEC_FULL.md §8 scenario 3): run only
		// the scripts whose path matched, across {ldiskfs,
		// zfs}x{DNE,non-DNE}, nothing else from the catalogue.
		comprehensive = forceExpandTestScript(fv.TestScriptTests, change.Branch)
	}

	if fv.SuspiciousTrivial {
		comprehensive = nil
	}

	if len(initial) == 0 && len(comprehensive) == 0 {
		return true, nil, nil, nil
	}
	return false, initial, comprehensive, nil
}

// applyRequestedTests implements step 5 of §4.2: an explicit
// testlist=a,b,c directive finds each named test across all catalogues
// and force-includes it, disabling the catalogue-driven comprehensive
// set to avoid double scheduling.
func applyRequestedTests(names []string, cats Catalogues, fv FeatureVector, branch string) []*workitem.TestRecord {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	var out []*workitem.TestRecord
	for _, list := range [][]Entry{cats.Comprehensive, cats.Lnet, cats.Zfs, cats.Ldiskfs} {
		for _, e := range list {
			if wanted[e.Test] {
				forced := e
				forced.Disabled = false
				out = append(out, expandOne(forced, fv, branch, 0, true)...)
			}
		}
	}
	return out
}

// expand implements step 6 of §4.2: expand each selected catalogue
// entry across the {ldiskfs, zfs} x {DNE, non-DNE} matrix, subject to
// branch restriction and the entry's own fixed fs-type.
func expand(entries []Entry, fv FeatureVector, branch string, basePriority int) []*workitem.TestRecord {
	var out []*workitem.TestRecord
	for _, e := range entries {
		if e.Disabled {
			continue
		}
		out = append(out, expandOne(e, fv, branch, basePriority, false)...)
	}
	return out
}

func expandOne(e Entry, fv FeatureVector, branch string, basePriority int, forced bool) []*workitem.TestRecord {
	if e.OnlyBranch != "" && e.OnlyBranch != branch {
		return nil
	}

	fsTypes := []string{e.FSType}
	if e.FSType == "" {
		fsTypes = nil
		if fv.Ldiskfs || fv.Full {
			fsTypes = append(fsTypes, "ldiskfs")
		}
		if fv.Zfs || fv.Full {
			fsTypes = append(fsTypes, "zfs")
		}
		if len(fsTypes) == 0 {
			fsTypes = []string{"ldiskfs"}
		}
	}

	dneOptions := []bool{false}
	if e.DNE == nil {
		dneOptions = []bool{false, true}
	} else if *e.DNE {
		dneOptions = []bool{true}
	}

	var out []*workitem.TestRecord
	for _, fs := range fsTypes {
		for _, dne := range dneOptions {
			out = append(out, &workitem.TestRecord{
				Script:      e.Test,
				DisplayName: displayName(e),
				FSType:      fs,
				DNE:         dne,
				SSK:         e.SSK,
				SELinux:     e.SELINUX,
				Timeout:     time.Duration(e.Timeout) * time.Second,
				Env:         e.Env,
				Priority:    basePriority,
				Forced:      forced,
			})
		}
	}
	return out
}

// forceExpandTestScript builds forced test records directly from
// changed-file-derived script names, independent of any catalogue
// entry, expanded across both fs types and both DNE settings per
// SPEC_FULL.md §8 scenario 3.
func forceExpandTestScript(names []string, branch string) []*workitem.TestRecord {
	var out []*workitem.TestRecord
	for _, name := range names {
		e := Entry{Test: name, Timeout: int(defaultScriptTimeout.Seconds())}
		out = append(out, expandOne(e, FeatureVector{Ldiskfs: true, Zfs: true}, branch, 0, true)...)
	}
	return out
}

func displayName(e Entry) string {
	if e.Name != "" {
		return e.Name
	}
	return e.Test
}

