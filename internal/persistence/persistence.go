// Package persistence implements the durable state layout of
// SPEC_FULL.md §6: savedstate/<buildnr>[-<retest>].json checkpoints,
// archival to donewith/ on retirement, and the LASTBUILD_ID counter
// file. JSON replaces the original pickle format; everything else
// mirrors the distilled spec's layout one-to-one.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/verygreen/lustretester/internal/workitem"
)

// Store manages checkpointing, archival and the build-number counter.
type Store struct {
	SavedStateDir string
	DoneDir       string
	LastBuildFile string

	mu       sync.Mutex
	buildNr  int
	loaded   bool
}

// NewStore constructs a Store rooted at the given directories.
func NewStore(savedStateDir, doneDir, lastBuildFile string) *Store {
	return &Store{SavedStateDir: savedStateDir, DoneDir: doneDir, LastBuildFile: lastBuildFile}
}

func stateFileName(buildNr, retest int) string {
	if retest > 0 {
		return fmt.Sprintf("%d-%d.json", buildNr, retest)
	}
	return fmt.Sprintf("%d.json", buildNr)
}

// Checkpoint writes item's current state to the savedstate directory,
// overwriting any prior checkpoint for the same (buildnr, retest).
// SPEC_FULL.md §4.1 requires this before every dispatch from the
// Manager queue.
func (s *Store) Checkpoint(item *workitem.Item) error {
	if err := os.MkdirAll(s.SavedStateDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return err
	}
	item.Lock()
	name := stateFileName(item.BuildNr, item.RetestIteration)
	item.Unlock()
	path := filepath.Join(s.SavedStateDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Retire moves item's checkpoint from savedstate to the done directory
// and deletes the savedstate copy, per SPEC_FULL.md §4.1's
// "checkpointed ... and deleted from it (moved to the done directory)
// on retirement".
func (s *Store) Retire(item *workitem.Item) error {
	if err := os.MkdirAll(s.DoneDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return err
	}
	item.Lock()
	name := stateFileName(item.BuildNr, item.RetestIteration)
	item.Unlock()

	donePath := filepath.Join(s.DoneDir, name)
	if err := os.WriteFile(donePath, data, 0o644); err != nil {
		return err
	}
	savedPath := filepath.Join(s.SavedStateDir, name)
	if err := os.Remove(savedPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// LoadAll reconstructs every in-flight Work Item from the savedstate
// directory, for startup recovery (SPEC_FULL.md §8 scenario 6).
func (s *Store) LoadAll() ([]*workitem.Item, error) {
	entries, err := os.ReadDir(s.SavedStateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var items []*workitem.Item
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.SavedStateDir, e.Name()))
		if err != nil {
			return nil, err
		}
		item := &workitem.Item{}
		if err := json.Unmarshal(data, item); err != nil {
			return nil, fmt.Errorf("recovering %s: %w", e.Name(), err)
		}
		item.ClearInFlightOnRecovery()
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].BuildNr < items[j].BuildNr })
	return items, nil
}

// LastDone returns up to limit of the most recently retired items,
// highest build number (then retest iteration) first, for the status
// page's "last 100" requirement.
func (s *Store) LastDone(limit int) ([]*workitem.Item, error) {
	entries, err := os.ReadDir(s.DoneDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	key := func(name string) (buildNr, retest int) {
		fmt.Sscanf(strings.TrimSuffix(name, ".json"), "%d-%d", &buildNr, &retest)
		return buildNr, retest
	}
	sort.Slice(entries, func(i, j int) bool {
		bi, ri := key(entries[i].Name())
		bj, rj := key(entries[j].Name())
		if bi != bj {
			return bi > bj
		}
		return ri > rj
	})
	var items []*workitem.Item
	for _, e := range entries {
		if len(items) >= limit {
			break
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.DoneDir, e.Name()))
		if err != nil {
			continue
		}
		item := &workitem.Item{}
		if err := json.Unmarshal(data, item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// NextBuildNumber allocates the next monotonic build number, loading
// the persisted counter on first use. Only the counter file is read;
// on-disk artifact directories are not scanned.
func (s *Store) NextBuildNumber() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		if err := s.loadBuildNumberLocked(); err != nil {
			return 0, err
		}
		s.loaded = true
	}
	s.buildNr++
	if err := s.writeBuildNumberLocked(); err != nil {
		return 0, err
	}
	return s.buildNr, nil
}

func (s *Store) loadBuildNumberLocked() error {
	data, err := os.ReadFile(s.LastBuildFile)
	if err != nil {
		if os.IsNotExist(err) {
			s.buildNr = 0
			return nil
		}
		return err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("parsing %s: %w", s.LastBuildFile, err)
	}
	s.buildNr = n
	return nil
}

func (s *Store) writeBuildNumberLocked() error {
	if dir := filepath.Dir(s.LastBuildFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.LastBuildFile + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(s.buildNr)), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.LastBuildFile)
}
