package workitem

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestItem() *Item {
	return New(ChangeRecord{ID: 100, Revision: 1, Branch: "master"}, []string{"el8", "el9"})
}

func TestNewInitializesMaps(t *testing.T) {
	it := newTestItem()
	assert.NotNil(t, it.BuildRecords)
	assert.NotNil(t, it.PostedCrashIDs)
	assert.Len(t, it.Distros, 2)
}

func TestMarkCrashPostedReturnsFalseOnRepeat(t *testing.T) {
	it := newTestItem()
	assert.True(t, it.MarkCrashPosted("42"), "first post for a crash id must succeed")
	assert.False(t, it.MarkCrashPosted("42"), "repeat post for the same crash id must be rejected")
	assert.True(t, it.MarkCrashPosted("43"), "a different crash id must still succeed")
}

func TestUpdateBuildStatusMarksDoneOnlyWhenAllDistrosFinish(t *testing.T) {
	it := newTestItem()
	it.UpdateBuildStatus("el8", false, false, "ok", "stdout", "", nil)
	it.Lock()
	assert.False(t, it.BuildDone)
	it.Unlock()

	it.UpdateBuildStatus("el9", false, false, "ok", "stdout", "", nil)
	it.Lock()
	assert.True(t, it.BuildDone)
	assert.False(t, it.BuildError)
	it.Unlock()
}

func TestUpdateBuildStatusAnyFailureSetsBuildError(t *testing.T) {
	it := newTestItem()
	it.UpdateBuildStatus("el8", true, false, "compile error", "", "stderr", []ReviewAnnotation{{Path: "a.c", Line: 10, Severity: "error", Message: "boom"}})
	it.UpdateBuildStatus("el9", false, false, "ok", "stdout", "", nil)

	it.Lock()
	defer it.Unlock()
	assert.True(t, it.BuildDone)
	assert.True(t, it.BuildError)
	assert.True(t, it.BuildRecords["el8"].Failed)
	require.Len(t, it.BuildRecords["el8"].Annotations, 1)
}

func TestUpdateTestStatusRecomputesInitialPhase(t *testing.T) {
	it := newTestItem()
	rec1 := &TestRecord{Script: "sanity", DisplayName: "sanity"}
	rec2 := &TestRecord{Script: "conf-sanity", DisplayName: "conf-sanity"}
	it.InitialTests = []*TestRecord{rec1, rec2}

	it.UpdateTestStatus(rec1, true, false, false, false, false, "out", "", nil, nil, nil)
	it.Lock()
	assert.False(t, it.InitialTestingDone)
	it.Unlock()

	it.UpdateTestStatus(rec2, true, false, false, false, false, "out", "", nil, nil, nil)
	it.Lock()
	assert.True(t, it.InitialTestingDone)
	assert.False(t, it.InitialTestingError)
	it.Unlock()
}

func TestUpdateTestStatusFailureSetsPhaseError(t *testing.T) {
	it := newTestItem()
	rec := &TestRecord{Script: "sanity"}
	it.InitialTests = []*TestRecord{rec}

	it.UpdateTestStatus(rec, true, true, false, false, false, "", "stderr", []string{"test_1"}, nil, nil)

	it.Lock()
	defer it.Unlock()
	assert.True(t, it.InitialTestingDone)
	assert.True(t, it.InitialTestingError)
	assert.True(t, it.AddedTestFailure)
}

func TestUpdateTestStatusDisabledTestsDoNotBlockPhase(t *testing.T) {
	it := newTestItem()
	rec1 := &TestRecord{Script: "sanity"}
	rec2 := &TestRecord{Script: "disabled-test", Disabled: true}
	it.InitialTests = []*TestRecord{rec1, rec2}

	it.UpdateTestStatus(rec1, true, false, false, false, false, "", "", nil, nil, nil)

	it.Lock()
	defer it.Unlock()
	assert.True(t, it.InitialTestingDone)
}

func TestUpdateTestStatusRoutesToComprehensivePhase(t *testing.T) {
	it := newTestItem()
	rec := &TestRecord{Script: "recovery"}
	it.ComprehensiveTests = []*TestRecord{rec}

	it.UpdateTestStatus(rec, true, false, false, false, false, "", "", nil, nil, nil)

	it.Lock()
	defer it.Unlock()
	assert.True(t, it.TestingDone)
	assert.False(t, it.InitialTestingDone)
}

func TestMarkAbortedOnlyTransitionsOnce(t *testing.T) {
	it := newTestItem()
	assert.True(t, it.MarkAborted())
	assert.False(t, it.MarkAborted())
}

func TestJSONRoundTripDropsAndRestoresMutex(t *testing.T) {
	it := newTestItem()
	it.BuildNr = 42
	it.InitialTests = []*TestRecord{{Script: "sanity", Priority: 5}}
	it.UpdateBuildStatus("el8", false, false, "ok", "", "", nil)

	data, err := json.Marshal(it)
	require.NoError(t, err)

	var restored Item
	require.NoError(t, json.Unmarshal(data, &restored))

	assert.Equal(t, 42, restored.BuildNr)
	require.Len(t, restored.InitialTests, 1)
	assert.Equal(t, "sanity", restored.InitialTests[0].Script)
	assert.NotNil(t, restored.BuildRecords["el8"])

	// the restored item's lock must be usable
	restored.Lock()
	restored.Unlock()
}

func TestIsOutcomeConsistent(t *testing.T) {
	rec := &TestRecord{}
	assert.True(t, rec.IsOutcomeConsistent(), "not finished is always consistent")

	rec.Finished = true
	assert.True(t, rec.IsOutcomeConsistent(), "finished with no flags means passed")

	rec.Failed = true
	assert.True(t, rec.IsOutcomeConsistent())

	rec.Crashed = true
	assert.False(t, rec.IsOutcomeConsistent(), "two outcome flags set is inconsistent")
}

func TestClearForRetestResetsPhaseFlags(t *testing.T) {
	it := newTestItem()
	it.UpdateBuildStatus("el8", false, false, "ok", "", "", nil)
	it.UpdateBuildStatus("el9", false, false, "ok", "", "", nil)
	it.InitialTestingStarted = true
	it.InitialTestingDone = true
	it.TestingStarted = true
	it.TestingDone = true
	it.FinalReportPosted = true
	it.AddedTestFailure = true

	newInitial := []*TestRecord{{Script: "sanity"}}
	it.ClearForRetest(newInitial, nil)

	assert.Equal(t, 1, it.RetestIteration)
	assert.False(t, it.InitialTestingStarted)
	assert.False(t, it.InitialTestingDone)
	assert.False(t, it.TestingStarted)
	assert.False(t, it.TestingDone)
	assert.False(t, it.FinalReportPosted)
	assert.False(t, it.AddedTestFailure)
	assert.Equal(t, newInitial, it.InitialTests)
}

func TestClearInFlightOnRecoveryOnlyClearsUnfinishedPhases(t *testing.T) {
	it := newTestItem()
	it.InitialTestingStarted = true
	it.InitialTestingDone = true
	it.TestingStarted = true
	it.TestingDone = false

	it.ClearInFlightOnRecovery()

	assert.True(t, it.InitialTestingStarted, "finished phase should not be cleared")
	assert.False(t, it.TestingStarted, "unfinished phase should be cleared")
}

func TestUnfinishedTestsSkipFinishedAndDisabled(t *testing.T) {
	it := newTestItem()
	it.InitialTests = []*TestRecord{
		{Script: "done", Finished: true},
		{Script: "pending"},
		{Script: "disabled", Disabled: true},
	}
	unfinished := it.UnfinishedInitialTests()
	require.Len(t, unfinished, 1)
	assert.Equal(t, "pending", unfinished[0].Script)
}
