package persistence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verygreen/lustretester/internal/workitem"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return NewStore(filepath.Join(dir, "savedstate"), filepath.Join(dir, "donewith"), filepath.Join(dir, "LASTBUILD_ID"))
}

func TestCheckpointWritesAndLoadAllRecovers(t *testing.T) {
	store := newTestStore(t)
	item := workitem.New(workitem.ChangeRecord{ID: 1, Revision: 1, Branch: "master"}, []string{"el8"})
	item.BuildNr = 5

	require.NoError(t, store.Checkpoint(item))

	loaded, err := store.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, 5, loaded[0].BuildNr)
}

func TestCheckpointOverwritesPriorSnapshot(t *testing.T) {
	store := newTestStore(t)
	item := workitem.New(workitem.ChangeRecord{ID: 1}, []string{"el8"})
	item.BuildNr = 1

	require.NoError(t, store.Checkpoint(item))
	item.InitialTestingStarted = true
	require.NoError(t, store.Checkpoint(item))

	loaded, err := store.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.True(t, loaded[0].InitialTestingStarted)
}

func TestRetireMovesFromSavedStateToDone(t *testing.T) {
	store := newTestStore(t)
	item := workitem.New(workitem.ChangeRecord{ID: 2}, []string{"el8"})
	item.BuildNr = 3
	require.NoError(t, store.Checkpoint(item))

	require.NoError(t, store.Retire(item))

	_, err := os.Stat(filepath.Join(store.SavedStateDir, "3.json"))
	assert.True(t, os.IsNotExist(err))

	done, err := store.LastDone(10)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, 3, done[0].BuildNr)
}

func TestLastDoneRespectsLimitAndOrdering(t *testing.T) {
	store := newTestStore(t)
	for i := 1; i <= 3; i++ {
		item := workitem.New(workitem.ChangeRecord{ID: i}, []string{"el8"})
		item.BuildNr = i
		require.NoError(t, store.Retire(item))
	}

	done, err := store.LastDone(2)
	require.NoError(t, err)
	require.Len(t, done, 2)
	// ordered by build number, highest first: 3, 2, 1
	assert.Equal(t, 3, done[0].BuildNr)
	assert.Equal(t, 2, done[1].BuildNr)
}

func TestLoadAllOnMissingDirReturnsNilNoError(t *testing.T) {
	store := newTestStore(t)
	items, err := store.LoadAll()
	require.NoError(t, err)
	assert.Nil(t, items)
}

func TestLoadAllClearsInFlightPhaseOnRecovery(t *testing.T) {
	store := newTestStore(t)
	item := workitem.New(workitem.ChangeRecord{ID: 1}, []string{"el8"})
	item.BuildNr = 9
	item.TestingStarted = true
	item.TestingDone = false
	require.NoError(t, store.Checkpoint(item))

	loaded, err := store.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.False(t, loaded[0].TestingStarted, "mid-flight phase must be cleared on recovery")
}

func TestNextBuildNumberIsMonotonicAndPersists(t *testing.T) {
	store := newTestStore(t)
	n1, err := store.NextBuildNumber()
	require.NoError(t, err)
	n2, err := store.NextBuildNumber()
	require.NoError(t, err)
	assert.Equal(t, n1+1, n2)

	reopened := NewStore(store.SavedStateDir, store.DoneDir, store.LastBuildFile)
	n3, err := reopened.NextBuildNumber()
	require.NoError(t, err)
	assert.Equal(t, n2+1, n3)
}

func TestStateFileNameIncludesRetestSuffix(t *testing.T) {
	assert.Equal(t, "5.json", stateFileName(5, 0))
	assert.Equal(t, "5-2.json", stateFileName(5, 2))
}
