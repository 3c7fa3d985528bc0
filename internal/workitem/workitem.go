// Package workitem implements the Work Item, Build Record and Test
// Record data model of SPEC_FULL.md §3: the durable record of one
// patch revision's whole CI run, its per-distro build status, and its
// initial/comprehensive test results.
//
// The per-item lock is a runtime affordance only (SPEC_FULL.md §9): it
// is dropped on Checkpoint and a fresh one is created on Load, the Go
// analogue of the original implementation's pickle
// __getstate__/__setstate__ pair, grounded on
// original_source/GerritWorkItem.py.
package workitem

import (
	"encoding/json"
	"sync"
	"time"
)

// ChangeRecord is the originating code-review change this item builds
// and tests.
type ChangeRecord struct {
	ID            int      `json:"id"`
	Revision      int      `json:"revision"`
	Branch        string   `json:"branch"`
	CommitMessage string   `json:"commit_message"`
	ChangedFiles  []string `json:"changed_files"`
	Topic         string   `json:"topic,omitempty"`
	BranchTip     bool     `json:"branch_tip,omitempty"`
}

// ReviewAnnotation is one per-file per-line comment parsed out of a
// compile error (SPEC_FULL.md §4.3).
type ReviewAnnotation struct {
	Path     string `json:"path"`
	Line     int    `json:"line"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// BuildRecord is one per target distro per Work Item.
type BuildRecord struct {
	Distro      string             `json:"distro"`
	Started     bool               `json:"started"`
	Finished    bool               `json:"finished"`
	Failed      bool               `json:"failed"`
	TimedOut    bool               `json:"timed_out"`
	Message     string             `json:"message"`
	Stdout      string             `json:"stdout"`
	Stderr      string             `json:"stderr"`
	Annotations []ReviewAnnotation `json:"annotations,omitempty"`
}

// TestRecord is one subtest within either the initial or the
// comprehensive list. ResultsDir is the sole handshake between
// "queued" and "running": unset means queued, set-but-not-Finished
// means running (SPEC_FULL.md §3).
type TestRecord struct {
	Script      string            `json:"script"`
	DisplayName string            `json:"display_name"`
	FSType      string            `json:"fs_type"`
	DNE         bool              `json:"dne,omitempty"`
	SSK         bool              `json:"ssk,omitempty"`
	SELinux     bool              `json:"selinux,omitempty"`
	Timeout     time.Duration     `json:"timeout"`
	Env         map[string]string `json:"env,omitempty"`
	Priority    int               `json:"priority"`
	Forced      bool              `json:"forced,omitempty"`
	Disabled    bool              `json:"disabled,omitempty"`

	ResultsDir string `json:"results_dir,omitempty"`

	Finished bool `json:"finished"`
	Failed   bool `json:"failed"`
	Crashed  bool `json:"crashed"`
	TimedOut bool `json:"timed_out"`
	Skipped  bool `json:"skipped"`
	Aborted  bool `json:"aborted"`

	Stdout          string   `json:"stdout,omitempty"`
	Stderr          string   `json:"stderr,omitempty"`
	SubtestFailures []string `json:"subtest_failures,omitempty"`
	SubtestSkips    []string `json:"subtest_skips,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
	NewFailures     []string `json:"new_failures,omitempty"`
	KnownFailures   []string `json:"known_failures,omitempty"`

	RetryCount int `json:"retry_count"`
}

// IsOutcomeConsistent reports whether exactly one outcome flag is set
// when Finished is true, the invariant SPEC_FULL.md §8 requires.
func (t *TestRecord) IsOutcomeConsistent() bool {
	if !t.Finished {
		return true
	}
	n := 0
	for _, b := range []bool{!t.Failed && !t.Crashed && !t.TimedOut && !t.Skipped && !t.Aborted, t.Failed, t.Crashed, t.TimedOut, t.Skipped, t.Aborted} {
		if b {
			n++
		}
	}
	return n == 1
}

// Item is the Work Item: one (patch revision x set of target distros)
// attempt.
type Item struct {
	mu sync.Mutex

	BuildNr         int          `json:"build_nr"`
	Change          ChangeRecord `json:"change"`
	Distros         []string     `json:"distros"`
	RetestIteration int          `json:"retest_iteration"`
	ArtifactsDir    string       `json:"artifacts_dir"`

	BuildRecords map[string]*BuildRecord `json:"build_records"`

	InitialTests       []*TestRecord `json:"initial_tests"`
	ComprehensiveTests []*TestRecord `json:"comprehensive_tests"`

	BuildDone    bool `json:"build_done"`
	BuildError   bool `json:"build_error"`

	InitialTestingStarted bool `json:"initial_testing_started"`
	InitialTestingDone     bool `json:"initial_testing_done"`
	InitialTestingError    bool `json:"initial_testing_error"`

	TestingStarted bool `json:"testing_started"`
	TestingDone    bool `json:"testing_done"`
	TestingError   bool `json:"testing_error"`

	Aborted  bool `json:"aborted"`
	AbortDone bool `json:"abort_done"`

	FinalReportPosted bool `json:"final_report_posted"`
	AddedTestFailure  bool `json:"added_test_failure"`

	PostedCrashIDs map[string]bool `json:"posted_crash_ids"`

	HighPriority bool `json:"high_priority,omitempty"`
}

// New constructs a fresh, not-yet-numbered Work Item for change.
func New(change ChangeRecord, distros []string) *Item {
	return &Item{
		Change:         change,
		Distros:        distros,
		BuildRecords:   make(map[string]*BuildRecord, len(distros)),
		PostedCrashIDs: make(map[string]bool),
	}
}

// Lock/Unlock expose the per-item mutex to callers (Scheduler, workers)
// that must serialise a sequence of reads and writes together; most
// mutation should go through the methods below instead.
func (it *Item) Lock()   { it.mu.Lock() }
func (it *Item) Unlock() { it.mu.Unlock() }

// UpdateBuildStatus records a terminal build outcome for distro and
// recomputes BuildDone/BuildError, per SPEC_FULL.md §4.3.
func (it *Item) UpdateBuildStatus(distro string, failed, timedOut bool, message, stdout, stderr string, annotations []ReviewAnnotation) {
	it.mu.Lock()
	defer it.mu.Unlock()

	rec := it.BuildRecords[distro]
	if rec == nil {
		rec = &BuildRecord{Distro: distro}
		it.BuildRecords[distro] = rec
	}
	rec.Started = true
	rec.Finished = true
	rec.Failed = failed
	rec.TimedOut = timedOut
	rec.Message = message
	rec.Stdout = stdout
	rec.Stderr = stderr
	rec.Annotations = annotations

	allFinished := true
	for _, d := range it.Distros {
		if r := it.BuildRecords[d]; r == nil || !r.Finished {
			allFinished = false
			break
		}
	}
	anyFailed := false
	for _, r := range it.BuildRecords {
		if !r.Finished {
			allFinished = false
		}
		if r.Failed || r.TimedOut {
			anyFailed = true
		}
	}
	if allFinished {
		it.BuildDone = true
		it.BuildError = anyFailed
	}
}

// UpdateTestStatus records a terminal outcome for one test record
// (identified by pointer identity within either list) and flips the
// phase …Done flag once every test in that phase is Finished, per
// SPEC_FULL.md §4.4 step 9.
func (it *Item) UpdateTestStatus(rec *TestRecord, finished, failed, crashed, timedOut, skipped bool, stdout, stderr string, subtestFailures, subtestSkips, warnings []string) {
	it.mu.Lock()
	defer it.mu.Unlock()

	rec.Finished = finished
	rec.Failed = failed
	rec.Crashed = crashed
	rec.TimedOut = timedOut
	rec.Skipped = skipped
	rec.Stdout = stdout
	rec.Stderr = stderr
	rec.SubtestFailures = subtestFailures
	rec.SubtestSkips = subtestSkips
	rec.Warnings = warnings
	if failed || crashed || timedOut || len(subtestFailures) > 0 {
		it.AddedTestFailure = true
	}

	if it.isListIn(rec, it.InitialTests) {
		it.recomputePhaseDone(it.InitialTests, &it.InitialTestingDone, &it.InitialTestingError)
	} else {
		it.recomputePhaseDone(it.ComprehensiveTests, &it.TestingDone, &it.TestingError)
	}
}

func (it *Item) isListIn(rec *TestRecord, list []*TestRecord) bool {
	for _, r := range list {
		if r == rec {
			return true
		}
	}
	return false
}

func (it *Item) recomputePhaseDone(list []*TestRecord, done, errFlag *bool) {
	if len(list) == 0 {
		*done = true
		return
	}
	allFinished := true
	anyBad := false
	for _, r := range list {
		if r.Disabled {
			continue
		}
		if !r.Finished {
			allFinished = false
			break
		}
		if r.Failed || r.Crashed || r.TimedOut {
			anyBad = true
		}
	}
	if allFinished {
		*done = true
		*errFlag = anyBad
	}
}

// MarkAborted flips Aborted once; returns true if this call performed
// the transition (used to guarantee exactly one abort notice).
func (it *Item) MarkAborted() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.Aborted {
		return false
	}
	it.Aborted = true
	return true
}

// MarkCrashPosted records that a correlated-crash comment for crashID has
// been posted, returning false if it was already recorded so the caller
// skips a duplicate post.
func (it *Item) MarkCrashPosted(crashID string) bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.PostedCrashIDs[crashID] {
		return false
	}
	it.PostedCrashIDs[crashID] = true
	return true
}

// snapshot is the wire format used for persistence: identical to Item
// minus the unexported, non-serialisable mutex.
type snapshot struct {
	BuildNr                int                      `json:"build_nr"`
	Change                 ChangeRecord             `json:"change"`
	Distros                []string                 `json:"distros"`
	RetestIteration        int                      `json:"retest_iteration"`
	ArtifactsDir           string                   `json:"artifacts_dir"`
	BuildRecords           map[string]*BuildRecord  `json:"build_records"`
	InitialTests           []*TestRecord            `json:"initial_tests"`
	ComprehensiveTests     []*TestRecord            `json:"comprehensive_tests"`
	BuildDone              bool                     `json:"build_done"`
	BuildError             bool                     `json:"build_error"`
	InitialTestingStarted  bool                     `json:"initial_testing_started"`
	InitialTestingDone     bool                     `json:"initial_testing_done"`
	InitialTestingError    bool                     `json:"initial_testing_error"`
	TestingStarted         bool                     `json:"testing_started"`
	TestingDone            bool                     `json:"testing_done"`
	TestingError           bool                     `json:"testing_error"`
	Aborted                bool                     `json:"aborted"`
	AbortDone              bool                     `json:"abort_done"`
	FinalReportPosted      bool                     `json:"final_report_posted"`
	AddedTestFailure       bool                     `json:"added_test_failure"`
	PostedCrashIDs         map[string]bool          `json:"posted_crash_ids"`
	HighPriority           bool                     `json:"high_priority,omitempty"`
}

// MarshalJSON drops the mutex; it is a runtime-only affordance per
// SPEC_FULL.md §9.
func (it *Item) MarshalJSON() ([]byte, error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	return json.Marshal(snapshot{
		BuildNr:               it.BuildNr,
		Change:                it.Change,
		Distros:                it.Distros,
		RetestIteration:        it.RetestIteration,
		ArtifactsDir:           it.ArtifactsDir,
		BuildRecords:           it.BuildRecords,
		InitialTests:           it.InitialTests,
		ComprehensiveTests:     it.ComprehensiveTests,
		BuildDone:              it.BuildDone,
		BuildError:             it.BuildError,
		InitialTestingStarted:  it.InitialTestingStarted,
		InitialTestingDone:     it.InitialTestingDone,
		InitialTestingError:    it.InitialTestingError,
		TestingStarted:         it.TestingStarted,
		TestingDone:            it.TestingDone,
		TestingError:           it.TestingError,
		Aborted:                it.Aborted,
		AbortDone:              it.AbortDone,
		FinalReportPosted:      it.FinalReportPosted,
		AddedTestFailure:       it.AddedTestFailure,
		PostedCrashIDs:         it.PostedCrashIDs,
		HighPriority:           it.HighPriority,
	})
}

// UnmarshalJSON reconstructs an Item with a fresh mutex, the Go
// analogue of __setstate__ re-creating the lock on recovery.
func (it *Item) UnmarshalJSON(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	it.mu = sync.Mutex{}
	it.BuildNr = snap.BuildNr
	it.Change = snap.Change
	it.Distros = snap.Distros
	it.RetestIteration = snap.RetestIteration
	it.ArtifactsDir = snap.ArtifactsDir
	it.BuildRecords = snap.BuildRecords
	if it.BuildRecords == nil {
		it.BuildRecords = make(map[string]*BuildRecord)
	}
	it.InitialTests = snap.InitialTests
	it.ComprehensiveTests = snap.ComprehensiveTests
	it.BuildDone = snap.BuildDone
	it.BuildError = snap.BuildError
	it.InitialTestingStarted = snap.InitialTestingStarted
	it.InitialTestingDone = snap.InitialTestingDone
	it.InitialTestingError = snap.InitialTestingError
	it.TestingStarted = snap.TestingStarted
	it.TestingDone = snap.TestingDone
	it.TestingError = snap.TestingError
	it.Aborted = snap.Aborted
	it.AbortDone = snap.AbortDone
	it.FinalReportPosted = snap.FinalReportPosted
	it.AddedTestFailure = snap.AddedTestFailure
	it.PostedCrashIDs = snap.PostedCrashIDs
	if it.PostedCrashIDs == nil {
		it.PostedCrashIDs = make(map[string]bool)
	}
	it.HighPriority = snap.HighPriority
	return nil
}

// ClearForRetest resets the phase-started flags on a retired item
// being retested, per the Recovery scenario of SPEC_FULL.md §8 and the
// Retest-iteration glossary entry: a retest bumps RetestIteration and
// reuses build artifacts but reruns tests.
func (it *Item) ClearForRetest(initial, comprehensive []*TestRecord) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.RetestIteration++
	it.InitialTests = initial
	it.ComprehensiveTests = comprehensive
	it.InitialTestingStarted = false
	it.InitialTestingDone = false
	it.InitialTestingError = false
	it.TestingStarted = false
	it.TestingDone = false
	it.TestingError = false
	it.FinalReportPosted = false
	it.AddedTestFailure = false
}

// ClearInFlightOnRecovery drops the "started" markers for a phase that
// was mid-flight when the process died, per SPEC_FULL.md §8 scenario 6:
// TestingStarted is cleared and unfinished tests are left to be
// re-enqueued by the caller.
func (it *Item) ClearInFlightOnRecovery() {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.InitialTestingStarted && !it.InitialTestingDone {
		it.InitialTestingStarted = false
	}
	if it.TestingStarted && !it.TestingDone {
		it.TestingStarted = false
	}
}

// UnfinishedInitialTests and UnfinishedComprehensiveTests return the
// test records still needing (re-)enqueueing after a recovery.
func (it *Item) UnfinishedInitialTests() []*TestRecord {
	it.mu.Lock()
	defer it.mu.Unlock()
	return unfinished(it.InitialTests)
}

func (it *Item) UnfinishedComprehensiveTests() []*TestRecord {
	it.mu.Lock()
	defer it.mu.Unlock()
	return unfinished(it.ComprehensiveTests)
}

func unfinished(list []*TestRecord) []*TestRecord {
	var out []*TestRecord
	for _, r := range list {
		if !r.Finished && !r.Disabled {
			out = append(out, r)
		}
	}
	return out
}
