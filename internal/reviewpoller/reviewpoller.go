// Package reviewpoller implements the Review Poller of SPEC_FULL.md
// §4.6: a ticker-driven sweep of the code-review server that turns
// open changes into fresh Work Items, plus an fsnotify-watched commands
// directory that the operator or external tooling drops retest requests
// into. Only retest commands are recognised. The branches directory is
// read once at startup to restrict dispatch; it is not watched.
// Grounded on original_source/GerritWorkItem.py for the
// change-to-Work-Item construction semantics, and on
// internal/consolewatch's fsnotify-plus-ticker shape for the directory
// watch itself.
package reviewpoller

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/verygreen/lustretester/internal/persistence"
	"github.com/verygreen/lustretester/internal/queue"
	"github.com/verygreen/lustretester/internal/reviewclient"
	"github.com/verygreen/lustretester/internal/scheduler"
	"github.com/verygreen/lustretester/internal/testcatalog"
	"github.com/verygreen/lustretester/internal/workitem"
)

// RetestCommand is the JSON schema for a file dropped into CommandsDir
// requesting a retest of an already-dispatched Work Item. An empty
// TestList means "re-resolve the full catalogue", the Open-Question
// decision recorded in SPEC_FULL.md §9.
type RetestCommand struct {
	BuildNr  int      `json:"build_nr"`
	TestList []string `json:"test_list,omitempty"`
}

// Poller owns the poll loop and the command-channel watch.
type Poller struct {
	Client      *reviewclient.Client
	Manager     *queue.FIFO[*workitem.Item]
	Persistence *persistence.Store
	Resolver    *testcatalog.Resolver
	Scheduler   *scheduler.Scheduler

	Distros      []string
	Topic        string
	PollInterval time.Duration
	CommandsDir  string
	BranchesDir  string
	Logger       *zap.Logger

	mu              sync.Mutex
	seen            map[int]*workitem.Item // change ID -> most recently dispatched item
	trackedBranches map[string]bool        // non-empty means restrict dispatch to these branches
}

// New constructs a Poller with the spec's default 120s poll interval.
func New(client *reviewclient.Client, manager *queue.FIFO[*workitem.Item], store *persistence.Store, resolver *testcatalog.Resolver, sched *scheduler.Scheduler, logger *zap.Logger) *Poller {
	return &Poller{
		Client:       client,
		Manager:      manager,
		Persistence:  store,
		Resolver:     resolver,
		Scheduler:    sched,
		PollInterval: 120 * time.Second,
		Logger:       logger,
		seen:         make(map[int]*workitem.Item),
	}
}

// Run drives both the review-server poll loop and the command-channel
// watch until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.mu.Lock()
	alreadySeeded := len(p.seen) > 0
	p.mu.Unlock()
	if !alreadySeeded {
		if err := p.loadInFlight(); err != nil {
			p.Logger.Warn("loading in-flight items for retest lookup failed", zap.Error(err))
		}
	}
	p.loadTrackedBranches()

	var watcher *fsnotify.Watcher
	if p.CommandsDir != "" {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		watcher = w
		defer watcher.Close()
		if err := os.MkdirAll(p.CommandsDir, 0o755); err == nil {
			_ = watcher.Add(p.CommandsDir)
		}
	}

	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()

	p.drainCommands()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.pollOnce(ctx); err != nil {
				p.Logger.Warn("review poll failed", zap.Error(err))
			}
			p.drainCommands()
		case ev := <-watcherEvents(watcher):
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				p.drainCommands()
			}
		}
	}
}

// watcherEvents returns w.Events, or a nil channel (which blocks
// forever in a select) when the command channel is disabled.
func watcherEvents(w *fsnotify.Watcher) chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}

// loadTrackedBranches reads BranchesDir once at startup: each file name
// present names a branch this orchestrator instance should build, the
// persistent counterpart to CommandsDir's transient retest requests. An
// empty or absent directory means "track every branch the review
// server reports".
func (p *Poller) loadTrackedBranches() {
	if p.BranchesDir == "" {
		return
	}
	entries, err := os.ReadDir(p.BranchesDir)
	if err != nil {
		return
	}
	tracked := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			tracked[e.Name()] = true
		}
	}
	p.trackedBranches = tracked
}

// loadInFlight seeds the seen map from persisted state so a process
// restart does not forget which item is the latest for a given change,
// and so retest commands can find their target.
func (p *Poller) loadInFlight() error {
	items, err := p.Persistence.LoadAll()
	if err != nil {
		return err
	}
	p.SeedInFlight(items)
	return nil
}

// SeedInFlight merges already-loaded Work Items into the seen map,
// keeping the highest BuildNr per change. Exported so the orchestrator
// can share the single persistence.LoadAll() pass it uses to resume
// outstanding work (scheduler.Scheduler.Resume) with the same *Item
// pointers the poller tracks, instead of loading a second, divergent
// copy from disk.
func (p *Poller) SeedInFlight(items []*workitem.Item) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, item := range items {
		cur := p.seen[item.Change.ID]
		if cur == nil || item.BuildNr > cur.BuildNr {
			p.seen[item.Change.ID] = item
		}
	}
}

// pollOnce fetches the open-change list and dispatches a fresh Work
// Item for every change whose revision has not yet been seen.
func (p *Poller) pollOnce(ctx context.Context) error {
	changes, err := p.Client.ListChanges(ctx, p.Topic)
	if err != nil {
		return err
	}
	for _, c := range changes {
		if len(p.trackedBranches) > 0 && !p.trackedBranches[c.Branch] {
			continue
		}
		p.mu.Lock()
		prior := p.seen[c.ID]
		p.mu.Unlock()
		if prior != nil && prior.Change.Revision >= c.Revision {
			continue
		}
		if err := p.dispatch(c.ToChangeRecord(), prior); err != nil {
			p.Logger.Error("dispatching work item failed", zap.Int("change_id", c.ID), zap.Error(err))
		}
	}
	return nil
}

func (p *Poller) dispatch(change workitem.ChangeRecord, prior *workitem.Item) error {
	buildNr, err := p.Persistence.NextBuildNumber()
	if err != nil {
		return err
	}
	item := workitem.New(change, p.Distros)
	item.BuildNr = buildNr

	if prior != nil {
		p.Scheduler.RequestAbort(prior)
	}

	p.mu.Lock()
	p.seen[change.ID] = item
	p.mu.Unlock()

	if err := p.Persistence.Checkpoint(item); err != nil {
		return err
	}
	p.Manager.Put(item)
	p.Logger.Info("dispatched work item", zap.Int("build_nr", buildNr), zap.Int("change_id", change.ID))
	return nil
}

// drainCommands reads and removes every file in CommandsDir, applying
// each as a retest request. A file is read before it is unlinked, so a
// file that cannot be read stays in place for the next drain; once
// unlinked, a command is applied at most once. Every applied retest
// starts a new retest iteration of its target (ClearForRetest).
func (p *Poller) drainCommands() {
	if p.CommandsDir == "" {
		return
	}
	entries, err := os.ReadDir(p.CommandsDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(p.CommandsDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		_ = os.Remove(path)

		var cmd RetestCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			p.Logger.Warn("malformed retest command", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		p.applyRetest(cmd)
	}
}

func (p *Poller) applyRetest(cmd RetestCommand) {
	p.mu.Lock()
	var target *workitem.Item
	for _, item := range p.seen {
		if item.BuildNr == cmd.BuildNr {
			target = item
			break
		}
	}
	p.mu.Unlock()
	if target == nil {
		p.Logger.Warn("retest command for unknown build", zap.Int("build_nr", cmd.BuildNr))
		return
	}

	change := target.Change
	if len(cmd.TestList) > 0 {
		change.CommitMessage = change.CommitMessage + "\ntestlist=" + strings.Join(cmd.TestList, ",")
	}
	_, initial, comprehensive, err := p.Resolver.Resolve(change)
	if err != nil {
		p.Logger.Error("resolving retest catalogue failed", zap.Int("build_nr", cmd.BuildNr), zap.Error(err))
		return
	}

	target.ClearForRetest(initial, comprehensive)
	if err := p.Persistence.Checkpoint(target); err != nil {
		p.Logger.Warn("checkpoint after retest failed", zap.Int("build_nr", cmd.BuildNr), zap.Error(err))
	}
	p.Manager.Put(target)
}
