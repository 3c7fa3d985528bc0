package consolewatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollMissingFileIsNotAnError(t *testing.T) {
	w := NewWatcher(filepath.Join(t.TempDir(), "missing.log"), nil, "")
	matches, sawProgress, err := w.Poll()
	require.NoError(t, err)
	assert.Nil(t, matches)
	assert.False(t, sawProgress)
}

func TestPollFindsPatternMatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")
	require.NoError(t, os.WriteFile(path, []byte("boot ok\nLustre: DEBUG MARKER: == sanity test 1 ==\nKernel panic - not syncing: Out of memory\n"), 0o644))

	patterns := []Pattern{{Error: "Kernel panic", Fatal: true}}
	w := NewWatcher(path, patterns, "DEBUG MARKER")

	matches, sawProgress, err := w.Poll()
	require.NoError(t, err)
	assert.True(t, sawProgress)
	require.Len(t, matches, 1)
	assert.Equal(t, "Kernel panic", matches[0].Pattern.Error)
	assert.False(t, w.LastProgress().IsZero())
}

func TestPollOnlyReadsNewlyAppendedBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")
	require.NoError(t, os.WriteFile(path, []byte("line one\n"), 0o644))

	w := NewWatcher(path, []Pattern{{Error: "BUG"}}, "")
	matches, _, err := w.Poll()
	require.NoError(t, err)
	assert.Empty(t, matches)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("BUG: something broke\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	matches, _, err = w.Poll()
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "BUG: something broke", matches[0].Line)

	// polling again with no new bytes yields nothing
	matches, _, err = w.Poll()
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestRunDeliversMatchesAndProgressUntilCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	w := NewWatcher(path, []Pattern{{Error: "BUG"}}, "PROGRESS")

	ctx, cancel := context.WithCancel(context.Background())
	var matched, progressed int
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, 10*time.Millisecond, func(Match) { matched++ }, func() { progressed++ })
	}()

	time.Sleep(30 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, _ = f.WriteString("BUG: crashed\nPROGRESS marker\n")
	require.NoError(t, f.Close())

	time.Sleep(60 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.GreaterOrEqual(t, matched, 1)
	assert.GreaterOrEqual(t, progressed, 1)
}
