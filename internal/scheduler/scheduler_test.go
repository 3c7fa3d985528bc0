package scheduler

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/verygreen/lustretester/internal/buildworker"
	"github.com/verygreen/lustretester/internal/persistence"
	"github.com/verygreen/lustretester/internal/queue"
	"github.com/verygreen/lustretester/internal/testcatalog"
	"github.com/verygreen/lustretester/internal/testworker"
	"github.com/verygreen/lustretester/internal/workitem"
)

func newTestScheduler(t *testing.T) (*Scheduler, *persistence.Store) {
	t.Helper()
	dir := t.TempDir()
	store := persistence.NewStore(dir+"/savedstate", dir+"/donewith", dir+"/LASTBUILD")
	resolver := testcatalog.NewResolver(t.TempDir(), t.TempDir())
	s := New(queue.NewFIFO[*workitem.Item](), queue.NewFIFO[buildworker.Job](), queue.NewPriority[testworker.Job](), store, resolver, zap.NewNop())
	s.BuildCmds = map[string]string{"el8": "build-el8.sh"}
	s.ArtifactRoot = t.TempDir()
	return s, store
}

func TestStepDispatchesBuildsOnFreshItem(t *testing.T) {
	s, _ := newTestScheduler(t)
	item := workitem.New(workitem.ChangeRecord{ID: 1}, []string{"el8"})
	item.BuildNr = 1

	s.step(nil, item)

	item.Lock()
	rec := item.BuildRecords["el8"]
	artifactsDir := item.ArtifactsDir
	item.Unlock()
	require.NotNil(t, rec)
	assert.True(t, rec.Started)
	assert.NotEmpty(t, artifactsDir, "dispatchBuilds must assign the Work Item's artifacts dir")

	job, ok := s.BuildQueue.TryGet()
	require.True(t, ok)
	assert.Equal(t, "el8", job.Distro)
	assert.Equal(t, "build-el8.sh", job.BuildCmd)
	assert.Equal(t, artifactsDir, job.OutDir)

	info, err := os.Stat(artifactsDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestStepFinalizesOnBuildError(t *testing.T) {
	s, _ := newTestScheduler(t)
	var finalizedReason string
	s.OnFinalize = func(item *workitem.Item, reason string) { finalizedReason = reason }

	item := workitem.New(workitem.ChangeRecord{ID: 2}, []string{"el8"})
	item.BuildNr = 2
	item.BuildRecords["el8"] = &workitem.BuildRecord{Distro: "el8", Started: true, Finished: true, Failed: true}
	item.BuildDone = true
	item.BuildError = true

	s.step(nil, item)
	assert.Equal(t, "build failed", finalizedReason)
	assert.True(t, item.FinalReportPosted)
}

func TestStepDispatchesInitialTestsWhenNoCatalogueMatchesMeansDoNothing(t *testing.T) {
	s, _ := newTestScheduler(t)
	var finalized bool
	s.OnFinalize = func(item *workitem.Item, reason string) { finalized = true }

	item := workitem.New(workitem.ChangeRecord{ID: 3}, []string{"el8"})
	item.BuildNr = 3
	item.BuildRecords["el8"] = &workitem.BuildRecord{Distro: "el8", Started: true, Finished: true}
	item.BuildDone = true

	s.step(nil, item)

	// dispatchInitialTests found nothing to run (empty catalogues) and
	// re-enqueues the item onto Manager for the next state transition.
	next, ok := s.Manager.TryGet()
	require.True(t, ok)
	s.step(nil, next)

	assert.True(t, finalized)
}

func TestRequestAbortEnqueuesOnlyOnce(t *testing.T) {
	s, _ := newTestScheduler(t)
	item := workitem.New(workitem.ChangeRecord{ID: 4}, []string{"el8"})

	s.RequestAbort(item)
	s.RequestAbort(item)

	_, ok := s.Manager.TryGet()
	require.True(t, ok)
	_, ok = s.Manager.TryGet()
	assert.False(t, ok, "second abort request must not re-enqueue")
}

func TestStepFinalizesAbortedItemOnce(t *testing.T) {
	s, _ := newTestScheduler(t)
	var finalizeCalls int
	s.OnFinalize = func(item *workitem.Item, reason string) { finalizeCalls++ }

	item := workitem.New(workitem.ChangeRecord{ID: 5}, []string{"el8"})
	item.MarkAborted()

	s.step(nil, item)
	assert.Equal(t, 1, finalizeCalls)
	assert.True(t, item.AbortDone)

	s.step(nil, item)
	assert.Equal(t, 1, finalizeCalls, "already-finalized abort must not re-fire")
}

func TestSetPowerStateFiresOnlyOnTransition(t *testing.T) {
	s, _ := newTestScheduler(t)
	var transitions []bool
	s.OnPowerChange = func(up bool) { transitions = append(transitions, up) }

	s.SetPowerState(true)
	s.SetPowerState(true)
	s.SetPowerState(false)
	s.SetPowerState(false)
	s.SetPowerState(true)

	assert.Equal(t, []bool{true, false, true}, transitions)
}

func TestStepAndFinalizeDriveOnPowerChangeTransitions(t *testing.T) {
	s, _ := newTestScheduler(t)
	var transitions []bool
	s.OnPowerChange = func(up bool) { transitions = append(transitions, up) }

	item := workitem.New(workitem.ChangeRecord{ID: 20}, []string{"el8"})
	item.BuildNr = 20

	s.step(nil, item)
	assert.Equal(t, []bool{true}, transitions, "the first item entering step() must report capacity needed")

	s.finalize(item, "complete")
	assert.Equal(t, []bool{true, false}, transitions, "finalizing the only active item must report capacity no longer needed")
}

func TestStepKeepsPowerUpWhileAnotherItemStillActive(t *testing.T) {
	s, _ := newTestScheduler(t)
	var transitions []bool
	s.OnPowerChange = func(up bool) { transitions = append(transitions, up) }

	first := workitem.New(workitem.ChangeRecord{ID: 21}, []string{"el8"})
	first.BuildNr = 21
	second := workitem.New(workitem.ChangeRecord{ID: 22}, []string{"el8"})
	second.BuildNr = 22

	s.step(nil, first)
	s.step(nil, second)
	assert.Equal(t, []bool{true}, transitions, "second item entering an already-active set must not re-fire")

	s.finalize(first, "complete")
	assert.Equal(t, []bool{true}, transitions, "finalizing one of two active items must not report capacity lost")

	s.finalize(second, "complete")
	assert.Equal(t, []bool{true, false}, transitions, "finalizing the last active item must report capacity no longer needed")
}

func TestDispatchComprehensiveTestsRespectsPriority(t *testing.T) {
	s, _ := newTestScheduler(t)
	item := workitem.New(workitem.ChangeRecord{ID: 6}, []string{"el8"})
	low := &workitem.TestRecord{Script: "sanity", Priority: 5}
	high := &workitem.TestRecord{Script: "recovery-small", Priority: 1}
	item.ComprehensiveTests = []*workitem.TestRecord{low, high}

	s.dispatchComprehensiveTests(item)

	job, ok := s.TestQueue.Get()
	require.True(t, ok)
	assert.Equal(t, "recovery-small", job.Rec.Script, "lower priority value dequeues first")
}

func TestEnqueueTestsSkipsDisabledRecords(t *testing.T) {
	s, _ := newTestScheduler(t)
	item := workitem.New(workitem.ChangeRecord{ID: 7}, []string{"el8"})
	recs := []*workitem.TestRecord{
		{Script: "disabled-one", Disabled: true},
		{Script: "runs", Priority: 1},
	}
	s.enqueueTests(item, recs)

	job, ok := s.TestQueue.Get()
	require.True(t, ok)
	assert.Equal(t, "runs", job.Rec.Script)

	_, ok = s.TestQueue.TryGet()
	assert.False(t, ok, "no second job should have been enqueued")
}

func TestResumeRedispatchesUnfinishedBuild(t *testing.T) {
	s, _ := newTestScheduler(t)
	item := workitem.New(workitem.ChangeRecord{ID: 9}, []string{"el8"})
	item.BuildNr = 9
	item.BuildRecords["el8"] = &workitem.BuildRecord{Distro: "el8", Started: true}

	s.Resume(item)

	job, ok := s.BuildQueue.TryGet()
	require.True(t, ok, "an unfinished build must be re-enqueued on resume")
	assert.Equal(t, "el8", job.Distro)
	_, ok = s.Manager.TryGet()
	assert.False(t, ok, "must not also hand the item back to Manager while a build is outstanding")
}

func TestResumeLeavesFinishedBuildAlone(t *testing.T) {
	s, _ := newTestScheduler(t)
	item := workitem.New(workitem.ChangeRecord{ID: 10}, []string{"el8"})
	item.BuildNr = 10
	item.BuildRecords["el8"] = &workitem.BuildRecord{Distro: "el8", Started: true, Finished: true}
	item.BuildDone = true

	s.Resume(item)

	_, ok := s.BuildQueue.TryGet()
	assert.False(t, ok, "a finished build must not be re-dispatched")
	_, ok = s.Manager.TryGet()
	assert.True(t, ok, "an item with nothing outstanding must be handed back to Manager")
}

func TestResumeRedispatchesOnlyUnfinishedTests(t *testing.T) {
	s, _ := newTestScheduler(t)
	item := workitem.New(workitem.ChangeRecord{ID: 11}, []string{"el8"})
	item.BuildNr = 11
	item.BuildDone = true
	done := &workitem.TestRecord{Script: "sanity", Finished: true}
	pending := &workitem.TestRecord{Script: "recovery-small", Priority: 1}
	item.InitialTests = []*workitem.TestRecord{done, pending}
	item.InitialTestingStarted = true

	s.Resume(item)

	job, ok := s.TestQueue.Get()
	require.True(t, ok)
	assert.Equal(t, "recovery-small", job.Rec.Script, "only the unfinished test is re-enqueued")
	_, ok = s.TestQueue.TryGet()
	assert.False(t, ok, "the already-finished test must not be re-run")
}

func TestResumeAbortedNotYetDoneReentersManager(t *testing.T) {
	s, _ := newTestScheduler(t)
	item := workitem.New(workitem.ChangeRecord{ID: 12}, []string{"el8"})
	item.MarkAborted()

	s.Resume(item)

	_, ok := s.Manager.TryGet()
	assert.True(t, ok, "an aborted-but-not-finalized item must re-enter the state machine")
}

func TestFinalizeRetiresItemViaPersistence(t *testing.T) {
	s, store := newTestScheduler(t)
	item := workitem.New(workitem.ChangeRecord{ID: 8}, []string{"el8"})
	item.BuildNr = 8

	s.finalize(item, "complete")

	done, err := store.LastDone(10)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, 8, done[0].BuildNr)
}
