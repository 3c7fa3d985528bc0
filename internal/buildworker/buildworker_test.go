package buildworker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/verygreen/lustretester/internal/queue"
	"github.com/verygreen/lustretester/internal/workitem"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "build.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	return NewPool(queue.NewFIFO[Job](), queue.NewFIFO[*workitem.Item](), nil, zap.NewNop())
}

func TestRunOneSuccessFinalizesBuildRecord(t *testing.T) {
	p := newTestPool(t)
	script := writeScript(t, "echo building; exit 0\n")

	item := workitem.New(workitem.ChangeRecord{ID: 1}, []string{"el8"})
	job := Job{Distro: "el8", Item: item, BuildCmd: script, OutDir: t.TempDir()}

	retry, err := p.runOne(context.Background(), job)
	require.NoError(t, err)
	assert.False(t, retry)

	item.Lock()
	rec := item.BuildRecords["el8"]
	item.Unlock()
	require.NotNil(t, rec)
	assert.True(t, rec.Finished)
	assert.False(t, rec.Failed)
}

func TestRunOneGitCheckoutErrorIsRetryable(t *testing.T) {
	p := newTestPool(t)
	script := writeScript(t, "exit 10\n")
	item := workitem.New(workitem.ChangeRecord{ID: 1}, []string{"el8"})
	job := Job{Distro: "el8", Item: item, BuildCmd: script, OutDir: t.TempDir()}

	retry, err := p.runOne(context.Background(), job)
	assert.True(t, retry)
	assert.Error(t, err)

	item.Lock()
	_, recorded := item.BuildRecords["el8"]
	item.Unlock()
	assert.False(t, recorded, "a retryable outcome must not finalize the build record")
}

func TestRunOneConfigureErrorIsTerminal(t *testing.T) {
	p := newTestPool(t)
	script := writeScript(t, "exit 12\n")
	item := workitem.New(workitem.ChangeRecord{ID: 1}, []string{"el8"})
	job := Job{Distro: "el8", Item: item, BuildCmd: script, OutDir: t.TempDir()}

	retry, err := p.runOne(context.Background(), job)
	assert.False(t, retry)
	assert.NoError(t, err)

	item.Lock()
	rec := item.BuildRecords["el8"]
	item.Unlock()
	require.NotNil(t, rec)
	assert.True(t, rec.Failed)
	assert.Equal(t, "configure error", rec.Message)
}

func TestRunOneCompileErrorAttachesAnnotations(t *testing.T) {
	p := newTestPool(t)
	script := writeScript(t, "echo 'lustre/osd_handler.c:42:error: too many arguments'; exit 14\n")
	item := workitem.New(workitem.ChangeRecord{ID: 1, ChangedFiles: []string{"lustre/osd_handler.c"}}, []string{"el8"})
	job := Job{Distro: "el8", Item: item, BuildCmd: script, OutDir: t.TempDir()}

	retry, err := p.runOne(context.Background(), job)
	assert.False(t, retry)
	assert.NoError(t, err)

	item.Lock()
	rec := item.BuildRecords["el8"]
	item.Unlock()
	require.NotNil(t, rec)
	require.Len(t, rec.Annotations, 1)
	assert.Equal(t, "lustre/osd_handler.c", rec.Annotations[0].Path)
	assert.Equal(t, 42, rec.Annotations[0].Line)
}

func TestRunOneTimeoutIsTerminalAndTimedOut(t *testing.T) {
	p := newTestPool(t)
	p.Timeout = 20 * time.Millisecond
	script := writeScript(t, "sleep 5\n")
	item := workitem.New(workitem.ChangeRecord{ID: 1}, []string{"el8"})
	job := Job{Distro: "el8", Item: item, BuildCmd: script, OutDir: t.TempDir()}

	_, err := p.runOne(context.Background(), job)
	assert.Error(t, err)

	item.Lock()
	rec := item.BuildRecords["el8"]
	item.Unlock()
	require.NotNil(t, rec)
	assert.True(t, rec.TimedOut)
}

func TestParseCompileErrorsResolvesBasenameAgainstChangedFiles(t *testing.T) {
	stdout := "osd_handler.c:10:error: missing semicolon\nunrelated.c:1:error: nope\n"
	changed := []string{"lustre/osd/osd_handler.c"}

	annotations := parseCompileErrors(stdout, changed)
	require.Len(t, annotations, 1)
	assert.Equal(t, "lustre/osd/osd_handler.c", annotations[0].Path)
	assert.Equal(t, 10, annotations[0].Line)
}

func TestParseCompileErrorsIgnoresUnresolvablePaths(t *testing.T) {
	stdout := "nonexistent.c:5:warning: unused variable\n"
	annotations := parseCompileErrors(stdout, nil)
	assert.Empty(t, annotations)
}

func TestWorkerSkipsAbortedItemsWithoutRunningBuild(t *testing.T) {
	p := newTestPool(t)
	item := workitem.New(workitem.ChangeRecord{ID: 1}, []string{"el8"})
	item.MarkAborted()
	script := writeScript(t, "exit 1\n")
	p.Queue.Put(Job{Distro: "el8", Item: item, BuildCmd: script, OutDir: t.TempDir()})
	p.Queue.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.worker(ctx)

	item.Lock()
	_, recorded := item.BuildRecords["el8"]
	item.Unlock()
	assert.False(t, recorded)
}
