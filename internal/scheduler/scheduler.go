// Package scheduler implements the Manager/state-machine loop of
// SPEC_FULL.md §4.1: the single consumer of the Manager queue that
// advances each Work Item through fresh -> building -> initial-running
// -> comprehensive-running -> done, checkpointing before every dispatch
// and retiring on termination. Grounded on the teacher's
// go/coordinatorpkg/coordinator.go BuildCoordinator for the
// registration/queue/shutdown shape, generalised from a single build
// queue to the five-state machine this domain needs, and on
// go/monitorpkg/monitor.go's alert/threshold dedup pattern for the
// power-callback edge detection.
package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/verygreen/lustretester/internal/buildworker"
	"github.com/verygreen/lustretester/internal/persistence"
	"github.com/verygreen/lustretester/internal/queue"
	"github.com/verygreen/lustretester/internal/testcatalog"
	"github.com/verygreen/lustretester/internal/testworker"
	"github.com/verygreen/lustretester/internal/workitem"
)

// Scheduler owns the Manager queue and drives every Work Item through
// its state machine. It never touches a Work Item's fields without
// holding that item's lock; all cross-item bookkeeping (the abort
// discipline, power-edge dedup) lives on the Scheduler itself.
type Scheduler struct {
	Manager    *queue.FIFO[*workitem.Item]
	BuildQueue *queue.FIFO[buildworker.Job]
	TestQueue  *queue.Priority[testworker.Job]

	Persistence *persistence.Store
	Resolver    *testcatalog.Resolver
	Logger      *zap.Logger

	// BuildCmds maps a distro name to the external build command that
	// targets it, per the builders-<arch>.json config (SPEC_FULL.md §6).
	BuildCmds    map[string]string
	ArtifactRoot string
	Owner        string
	WorkerName   string

	// OnFinalize is invoked once per item, the moment it leaves the
	// state machine for good (success, failure or abort). Typically
	// wired to post the final review comment.
	OnFinalize func(item *workitem.Item, reason string)

	// OnPowerChange is invoked with whether worker capacity is needed,
	// only when that value changes, never on a repeated report of the
	// same value, per the monitor.go
	// threshold-dedup pattern this is grounded on.
	OnPowerChange func(up bool)

	powerMu    sync.Mutex
	powerKnown bool
	powerUp    bool

	activeMu sync.Mutex
	active   map[*workitem.Item]bool
}

// New constructs a Scheduler.
func New(manager *queue.FIFO[*workitem.Item], buildQ *queue.FIFO[buildworker.Job], testQ *queue.Priority[testworker.Job], store *persistence.Store, resolver *testcatalog.Resolver, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		Manager:     manager,
		BuildQueue:  buildQ,
		TestQueue:   testQ,
		Persistence: store,
		Resolver:    resolver,
		Logger:      logger,
		active:      make(map[*workitem.Item]bool),
	}
}

// Run blocks consuming the Manager queue until it is closed.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		item, ok := s.Manager.Get()
		if !ok {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.step(ctx, item)
	}
}

// RequestAbort marks item aborted and ensures it re-enters the state
// machine so the abort is actually processed, per the abort discipline
// of SPEC_FULL.md §4.1: a superseded item's in-flight work is cancelled
// exactly once.
func (s *Scheduler) RequestAbort(item *workitem.Item) {
	if item.MarkAborted() {
		s.Manager.Put(item)
	}
}

// SetPowerState reports whether worker capacity is needed (true while
// any item is active), calling OnPowerChange only the first time a
// transition is observed.
func (s *Scheduler) SetPowerState(up bool) {
	s.powerMu.Lock()
	defer s.powerMu.Unlock()
	if s.powerKnown && s.powerUp == up {
		return
	}
	s.powerKnown = true
	s.powerUp = up
	if s.OnPowerChange != nil {
		s.OnPowerChange(up)
	}
}

// markActive adds item to the active set (not aborted, not yet
// finalized) and recomputes the power-callback predicate. SetPowerState
// only fires OnPowerChange on an actual transition, so repeated calls
// for an already-active item are free.
func (s *Scheduler) markActive(item *workitem.Item) {
	s.activeMu.Lock()
	s.active[item] = true
	needsCapacity := len(s.active) > 0
	s.activeMu.Unlock()
	s.SetPowerState(needsCapacity)
}

// markDone removes item from the active set on finalization and
// recomputes the power-callback predicate per SPEC_FULL.md §4.1: once
// the active set is empty, worker capacity is no longer needed.
func (s *Scheduler) markDone(item *workitem.Item) {
	s.activeMu.Lock()
	delete(s.active, item)
	needsCapacity := len(s.active) > 0
	s.activeMu.Unlock()
	s.SetPowerState(needsCapacity)
}

func (s *Scheduler) step(ctx context.Context, item *workitem.Item) {
	s.markActive(item)

	item.Lock()
	aborted := item.Aborted
	abortDone := item.AbortDone
	buildDone := item.BuildDone
	buildErr := item.BuildError
	allBuildsDispatched := s.allBuildsDispatched(item)
	initStarted := item.InitialTestingStarted
	initDone := item.InitialTestingDone
	initErr := item.InitialTestingError
	testStarted := item.TestingStarted
	testDone := item.TestingDone
	testErr := item.TestingError
	finalized := item.FinalReportPosted
	item.Unlock()

	if !finalized {
		if err := s.Persistence.Checkpoint(item); err != nil {
			s.Logger.Warn("checkpoint failed", zap.Int("build_nr", item.BuildNr), zap.Error(err))
		}
	}

	if aborted {
		if !abortDone {
			s.finalizeAbort(item)
		}
		return
	}

	switch {
	case !buildDone:
		if !allBuildsDispatched {
			s.dispatchBuilds(item)
		}
		// otherwise still waiting on outstanding build jobs; the build
		// worker pool re-enqueues this item on the next terminal update.
	case buildErr:
		s.finalize(item, "build failed")
	case !initStarted:
		s.dispatchInitialTests(item)
	case initStarted && !initDone:
		// waiting on outstanding test jobs
	case initErr:
		s.finalize(item, "initial tests failed")
	case !testStarted:
		s.dispatchComprehensiveTests(item)
	case testStarted && !testDone:
		// waiting on outstanding test jobs
	case testErr:
		s.finalize(item, "comprehensive tests failed")
	default:
		s.finalize(item, "complete")
	}
}

func (s *Scheduler) allBuildsDispatched(item *workitem.Item) bool {
	for _, d := range item.Distros {
		rec, ok := item.BuildRecords[d]
		if !ok || !rec.Started {
			return false
		}
	}
	return true
}

// ensureArtifactsDir assigns item's artifacts directory on first use
// and creates it, implementing the fresh-state "mkdir artifacts" step
// of SPEC_FULL.md §4.1.
func (s *Scheduler) ensureArtifactsDir(item *workitem.Item) string {
	item.Lock()
	dir := item.ArtifactsDir
	if dir == "" {
		dir = filepath.Join(s.ArtifactRoot, strconv.Itoa(item.BuildNr))
		item.ArtifactsDir = dir
	}
	item.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.Logger.Error("mkdir artifacts dir failed", zap.Int("build_nr", item.BuildNr), zap.Error(err))
	}
	return dir
}

func (s *Scheduler) dispatchBuilds(item *workitem.Item) {
	artifactsDir := s.ensureArtifactsDir(item)

	item.Lock()
	var pending []string
	for _, d := range item.Distros {
		rec, ok := item.BuildRecords[d]
		if !ok {
			rec = &workitem.BuildRecord{Distro: d}
			item.BuildRecords[d] = rec
		}
		if !rec.Started {
			rec.Started = true
			pending = append(pending, d)
		}
	}
	item.Unlock()

	for _, d := range pending {
		s.BuildQueue.Put(buildworker.Job{
			Distro:     d,
			Item:       item,
			BuildCmd:   s.BuildCmds[d],
			OutDir:     artifactsDir,
			Ref:        item.Change.Branch,
			Owner:      s.Owner,
			WorkerName: s.WorkerName,
		})
	}
}

// Resume re-enters a Work Item recovered from persistence.LoadAll back
// into the state machine after a restart, per SPEC_FULL.md §8
// scenario 6: any build or test record left running (not Finished)
// when the process died is re-enqueued directly; already-finished
// records are left untouched and never re-dispatched. An item with
// nothing outstanding is handed back to the ordinary Manager loop so
// step() can decide the next phase or finalize it.
func (s *Scheduler) Resume(item *workitem.Item) {
	s.markActive(item)

	item.Lock()
	aborted := item.Aborted
	abortDone := item.AbortDone
	item.Unlock()

	if aborted {
		if !abortDone {
			s.Manager.Put(item)
		}
		return
	}

	pending := s.resumeBuilds(item)

	item.Lock()
	hasInitial := len(item.InitialTests) > 0
	hasComprehensive := len(item.ComprehensiveTests) > 0
	item.Unlock()

	if hasInitial {
		if unfinished := item.UnfinishedInitialTests(); len(unfinished) > 0 {
			item.Lock()
			item.InitialTestingStarted = true
			item.Unlock()
			s.enqueueTests(item, unfinished)
			pending = true
		}
	}
	if hasComprehensive {
		if unfinished := item.UnfinishedComprehensiveTests(); len(unfinished) > 0 {
			item.Lock()
			item.TestingStarted = true
			item.Unlock()
			s.enqueueTests(item, unfinished)
			pending = true
		}
	}

	if !pending {
		s.Manager.Put(item)
	}
}

// resumeBuilds re-dispatches every build record that had not finished
// when the process died, regardless of whether it had already been
// marked Started, and reports whether any build is now outstanding.
func (s *Scheduler) resumeBuilds(item *workitem.Item) bool {
	item.Lock()
	buildDone := item.BuildDone
	item.Unlock()
	if buildDone {
		return false
	}

	artifactsDir := s.ensureArtifactsDir(item)

	item.Lock()
	var pending []string
	for _, d := range item.Distros {
		rec, ok := item.BuildRecords[d]
		if !ok {
			rec = &workitem.BuildRecord{Distro: d}
			item.BuildRecords[d] = rec
		}
		if !rec.Finished {
			rec.Started = true
			pending = append(pending, d)
		}
	}
	item.Unlock()

	for _, d := range pending {
		s.BuildQueue.Put(buildworker.Job{
			Distro:     d,
			Item:       item,
			BuildCmd:   s.BuildCmds[d],
			OutDir:     artifactsDir,
			Ref:        item.Change.Branch,
			Owner:      s.Owner,
			WorkerName: s.WorkerName,
		})
	}
	return len(pending) > 0
}

func (s *Scheduler) dispatchInitialTests(item *workitem.Item) {
	item.Lock()
	item.InitialTestingStarted = true
	item.Unlock()

	doNothing, initial, comprehensive, err := s.Resolver.Resolve(item.Change)
	if err != nil {
		s.Logger.Error("resolving test catalogue failed", zap.Int("build_nr", item.BuildNr), zap.Error(err))
		s.finalize(item, "test resolution error")
		return
	}

	item.Lock()
	item.InitialTests = initial
	item.ComprehensiveTests = comprehensive
	if doNothing || len(initial) == 0 {
		item.InitialTestingDone = true
	}
	item.Unlock()

	if doNothing {
		item.Lock()
		item.TestingStarted = true
		item.TestingDone = true
		item.Unlock()
		s.Manager.Put(item)
		return
	}

	if len(initial) == 0 {
		s.Manager.Put(item)
		return
	}
	s.enqueueTests(item, initial)
}

func (s *Scheduler) dispatchComprehensiveTests(item *workitem.Item) {
	item.Lock()
	item.TestingStarted = true
	comprehensive := item.ComprehensiveTests
	if len(comprehensive) == 0 {
		item.TestingDone = true
	}
	item.Unlock()

	if len(comprehensive) == 0 {
		s.Manager.Put(item)
		return
	}
	s.enqueueTests(item, comprehensive)
}

func (s *Scheduler) enqueueTests(item *workitem.Item, recs []*workitem.TestRecord) {
	for _, rec := range recs {
		if rec.Disabled {
			continue
		}
		s.TestQueue.Put(rec.Priority, testworker.Job{Item: item, Rec: rec})
	}
}

func (s *Scheduler) finalize(item *workitem.Item, reason string) {
	item.Lock()
	alreadyPosted := item.FinalReportPosted
	item.FinalReportPosted = true
	item.Unlock()

	s.markDone(item)

	if err := s.Persistence.Retire(item); err != nil {
		s.Logger.Error("retire failed", zap.Int("build_nr", item.BuildNr), zap.Error(err))
	}
	if !alreadyPosted && s.OnFinalize != nil {
		s.OnFinalize(item, reason)
	}
}

func (s *Scheduler) finalizeAbort(item *workitem.Item) {
	item.Lock()
	item.AbortDone = true
	item.Unlock()
	s.finalize(item, "aborted")
}
