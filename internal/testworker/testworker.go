// Package testworker implements the Test Worker Pool of SPEC_FULL.md
// §4.4: the ten-step contract of booting a VM, invoking the test
// harness over SSH, tailing its serial console for fatal patterns
// while polling for progress, and classifying the result against
// the known-failure history. The teacher has no VM/console/SSH
// concept at all (go/workerpkg/worker.go only shells out to Gradle
// and reads its exit code), so this package is grounded directly on
// the distilled specification's step-by-step contract, reusing the
// teacher's os/exec-and-duration bookkeeping shape from
// go/worker.go's executeBuild wherever it still fits.
package testworker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/verygreen/lustretester/internal/backoff"
	"github.com/verygreen/lustretester/internal/consolewatch"
	"github.com/verygreen/lustretester/internal/crashanalyzer"
	"github.com/verygreen/lustretester/internal/historydb"
	"github.com/verygreen/lustretester/internal/metrics"
	"github.com/verygreen/lustretester/internal/queue"
	"github.com/verygreen/lustretester/internal/resultsyaml"
	"github.com/verygreen/lustretester/internal/workitem"
)

// Job is one (Work Item, Test Record) pair on the Test queue.
type Job struct {
	Item *workitem.Item
	Rec  *workitem.TestRecord
}

// Pool is the Test Worker Pool: K goroutines, each owning one VM slot
// at a time, consuming the priority Test queue.
type Pool struct {
	Queue  *queue.Priority[Job]
	Return *queue.FIFO[*workitem.Item]

	CrashQueue *queue.FIFO[crashanalyzer.Job]
	History    *historydb.Store
	Metrics    *metrics.Registry
	Logger     *zap.Logger

	ArtifactRoot string

	// VMBootCmd boots a VM for a given (fstype, artifacts dir, results
	// dir) and blocks until the console shows a login prompt or an
	// emergency shell, exiting non-zero on the latter.
	VMBootCmd string
	// HarnessCmd runs the test script over SSH inside the VM and
	// blocks until the harness exits.
	HarnessCmd string
	// VMHaltCmd tears the VM down after the harness finishes or times
	// out.
	VMHaltCmd string

	ConsolePatterns []consolewatch.Pattern
	ProgressMarker  string
	PollInterval    time.Duration

	// SubtestTimeout bounds how long a single subtest may run without a
	// progress marker before the whole test is declared hung.
	SubtestTimeout time.Duration
	// KdumpGrace is the extra time given once a kdump-in-progress
	// pattern is seen, before the run is declared crashed outright.
	KdumpGrace time.Duration
}

// NewPool constructs a Pool with the spec's default 5s poll interval.
func NewPool(q *queue.Priority[Job], ret *queue.FIFO[*workitem.Item], crashQ *queue.FIFO[crashanalyzer.Job], history *historydb.Store, m *metrics.Registry, logger *zap.Logger) *Pool {
	return &Pool{
		Queue:          q,
		Return:         ret,
		CrashQueue:     crashQ,
		History:        history,
		Metrics:        m,
		Logger:         logger,
		PollInterval:   5 * time.Second,
		SubtestTimeout: 10 * time.Minute,
		KdumpGrace:     2 * time.Minute,
	}
}

// Run starts n worker goroutines.
func (p *Pool) Run(ctx context.Context, n int) {
	for i := 0; i < n; i++ {
		go p.worker(ctx)
	}
}

func (p *Pool) worker(ctx context.Context) {
	for {
		job, ok := p.Queue.Get()
		if !ok {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		job.Item.Lock()
		aborted := job.Item.Aborted
		job.Item.Unlock()
		if aborted {
			continue
		}

		if err := p.run(ctx, job); err != nil {
			p.Logger.Warn("test job failed", zap.String("script", job.Rec.Script), zap.Error(err))
		}
	}
}

// run executes the full ten-step contract for one subtest.
func (p *Pool) run(ctx context.Context, job Job) error {
	rec := job.Rec
	start := time.Now()

	// Step 1: artifact validation.
	job.Item.Lock()
	artifactsDir := job.Item.ArtifactsDir
	buildNr := job.Item.BuildNr
	job.Item.Unlock()
	if artifactsDir == "" {
		p.finish(job, false, false, false, false, "no build artifacts available", nil, nil, nil, start)
		return fmt.Errorf("build %d: no artifacts directory", buildNr)
	}
	if _, err := os.Stat(artifactsDir); err != nil {
		p.finish(job, false, false, false, false, "build artifacts missing: "+err.Error(), nil, nil, nil, start)
		return err
	}

	// Step 2: ResultsDir acquisition.
	resultsDir := filepath.Join(p.ArtifactRoot, fmt.Sprintf("%d", buildNr), sanitizeName(rec.DisplayName))
	if err := os.MkdirAll(resultsDir, 0o755); err != nil {
		p.finish(job, false, false, false, false, "could not create results dir: "+err.Error(), nil, nil, nil, start)
		return err
	}
	rec.ResultsDir = resultsDir

	// Step 3: boot the VM, detecting login prompt vs emergency shell via
	// exit code (0 = login prompt reached, nonzero = emergency shell or
	// boot failure).
	bootCtx, bootCancel := context.WithTimeout(ctx, 5*time.Minute)
	bootCmd := exec.CommandContext(bootCtx, p.VMBootCmd, rec.FSType, artifactsDir, resultsDir)
	bootOut, bootErr := bootCmd.CombinedOutput()
	bootCancel()
	if bootErr != nil {
		p.finish(job, true, false, false, false, "VM failed to boot: "+string(bootOut), nil, nil, nil, start)
		return fmt.Errorf("vm boot: %w", bootErr)
	}
	defer p.haltVM(rec, resultsDir)

	consolePath := filepath.Join(resultsDir, "console.log")
	watcher := consolewatch.NewWatcher(consolePath, p.ConsolePatterns, p.ProgressMarker)

	// Step 4: SSH+kdump+NFS+harness invocation, run asynchronously so the
	// console can be polled concurrently.
	harnessCtx, harnessCancel := context.WithTimeout(ctx, rec.Timeout)
	defer harnessCancel()
	harnessDone := make(chan error, 1)
	var harnessOut []byte
	go func() {
		cmd := exec.CommandContext(harnessCtx, p.HarnessCmd, rec.Script, resultsDir)
		cmd.Env = append(os.Environ(), envFor(rec)...)
		out, err := cmd.CombinedOutput()
		harnessOut = out
		harnessDone <- err
	}()

	// Steps 5-8: poll loop with dual timeout enforcement.
	crashed, timedOut, sshDied, fatalMsg := p.pollLoop(harnessCtx, watcher, harnessDone)
	harnessCancel()

	duration := time.Since(start)
	p.observe(rec.FSType, outcomeLabel(crashed, timedOut, sshDied), duration)

	if crashed {
		return p.dispatchCrash(job, resultsDir, fatalMsg)
	}
	if timedOut {
		p.finish(job, false, false, false, true, "test timed out: "+fatalMsg, nil, nil, nil, start)
		return nil
	}
	if sshDied {
		// Step 8: SSH-death is retried with backoff rather than treated
		// as a terminal failure, up to the policy's retry bound.
		if rec.RetryCount < backoff.DefaultMaxRetries {
			rec.RetryCount++
			policy := backoff.New()
			var delay time.Duration
			for i := 0; i < rec.RetryCount; i++ {
				delay = policy.Next()
			}
			time.AfterFunc(delay, func() { p.Queue.Put(rec.Priority, job) })
			return nil
		}
		p.finish(job, true, false, false, false, "SSH connection lost repeatedly", nil, nil, nil, start)
		return nil
	}

	// Step 9: parse results.yaml.
	yamlPath := filepath.Join(resultsDir, "results.yaml")
	raw, err := os.ReadFile(yamlPath)
	if err != nil {
		p.finish(job, true, false, false, false, "no results.yaml produced: "+string(harnessOut), nil, nil, nil, start)
		return err
	}
	results, sanitized, err := resultsyaml.Parse(raw)
	if err != nil {
		p.finish(job, true, false, false, false, "results.yaml parse error: "+err.Error(), nil, nil, nil, start)
		return err
	}
	if sanitized {
		p.Logger.Info("results.yaml required sanitization", zap.String("script", rec.Script))
	}
	failed, skipped, passed := results.Classify()

	// Step 10: new-vs-known classification, warning scan, finish.
	newFailures, knownFailures := p.classifyFailures(ctx, job.Item.Change.Branch, rec.Script, failed)
	p.scanWarnings(ctx, job.Item.Change.Branch, rec.Script, results.Warnings)

	anyFailed := len(failed) > 0
	job.Item.UpdateTestStatus(rec, true, anyFailed, false, false, len(failed) == 0 && len(passed) == 0 && len(skipped) > 0,
		string(harnessOut), "", failed, skipped, results.Warnings)
	rec.NewFailures = newFailures
	rec.KnownFailures = knownFailures
	p.Return.Put(job.Item)
	return nil
}

// pollLoop implements SPEC_FULL.md §4.4 steps 5-8: poll the console
// every PollInterval, reset the single-subtest deadline on progress,
// and enforce the overall harness timeout concurrently.
func (p *Pool) pollLoop(ctx context.Context, watcher *consolewatch.Watcher, harnessDone <-chan error) (crashed, timedOut bool, sshDied bool, message string) {
	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()

	subtestDeadline := time.NewTimer(p.SubtestTimeout)
	defer subtestDeadline.Stop()

	var kdumpSince time.Time

	for {
		select {
		case err := <-harnessDone:
			if err != nil && ctx.Err() != nil {
				return false, true, false, "harness deadline exceeded"
			}
			if isSSHFailure(err) {
				return false, false, true, ""
			}
			return false, false, false, ""
		case <-ctx.Done():
			return false, true, false, "overall test timeout exceeded"
		case <-subtestDeadline.C:
			return false, true, false, "no progress within subtest timeout"
		case <-ticker.C:
			matches, sawProgress, err := watcher.Poll()
			if err != nil {
				continue
			}
			if sawProgress {
				if !subtestDeadline.Stop() {
					<-subtestDeadline.C
				}
				subtestDeadline.Reset(p.SubtestTimeout)
			}
			for _, m := range matches {
				if strings.Contains(strings.ToLower(m.Line), "kdump") {
					if kdumpSince.IsZero() {
						kdumpSince = time.Now()
					}
					continue
				}
				if m.Pattern.Fatal {
					return true, false, false, m.Line
				}
			}
			if !kdumpSince.IsZero() && time.Since(kdumpSince) > p.KdumpGrace {
				return true, false, false, "kdump did not complete within grace period"
			}
		}
	}
}

func isSSHFailure(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "connection") ||
		strings.Contains(strings.ToLower(err.Error()), "broken pipe")
}

func (p *Pool) classifyFailures(ctx context.Context, branch, script string, failed []string) (newFailures, knownFailures []string) {
	if p.History == nil {
		return failed, nil
	}
	for _, f := range failed {
		blacklisted, err := p.History.IsBlacklisted(ctx, script, f)
		if err == nil && blacklisted {
			continue
		}
		isNew, err := p.History.IsNewFailure(ctx, branch, script, f)
		if err != nil {
			continue
		}
		if isNew {
			newFailures = append(newFailures, f)
		} else {
			knownFailures = append(knownFailures, f)
		}
		_ = p.History.RecordFailure(ctx, branch, script, f)
	}
	return newFailures, knownFailures
}

func (p *Pool) scanWarnings(ctx context.Context, branch, script string, warnings []string) {
	if p.History == nil {
		return
	}
	for _, w := range warnings {
		if _, err := p.History.RecordWarning(ctx, branch, script, w); err != nil {
			p.Logger.Warn("recording warning failed", zap.Error(err))
		}
	}
}

func (p *Pool) dispatchCrash(job Job, resultsDir, message string) error {
	if p.CrashQueue == nil {
		p.finish(job, false, true, false, false, "crashed: "+message, nil, nil, nil, time.Now())
		return nil
	}
	p.CrashQueue.Put(crashanalyzer.Job{
		ID:       crashanalyzer.NewJobID(),
		CoreFile: filepath.Join(resultsDir, "vmcore"),
		Test:     job.Rec,
		Distro:   job.Rec.FSType,
		Item:     job.Item,
		Message:  message,
		Return:   p.Return,
	})
	return nil
}

func (p *Pool) finish(job Job, failed, crashed, skipped, timedOut bool, message string, stdout, subtestFailures, subtestSkips []string, start time.Time) {
	job.Item.UpdateTestStatus(job.Rec, true, failed, crashed, timedOut, skipped, message, "", subtestFailures, subtestSkips, nil)
	p.observe(job.Rec.FSType, outcomeLabel(crashed, timedOut, false), time.Since(start))
	p.Return.Put(job.Item)
}

func (p *Pool) haltVM(rec *workitem.TestRecord, resultsDir string) {
	if p.VMHaltCmd == "" {
		return
	}
	cctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	_ = exec.CommandContext(cctx, p.VMHaltCmd, rec.FSType, resultsDir).Run()
}

func (p *Pool) observe(fstype, outcome string, d time.Duration) {
	if p.Metrics == nil {
		return
	}
	p.Metrics.TestDuration.WithLabelValues(fstype, outcome).Observe(d.Seconds())
	p.Metrics.TestsTotal.WithLabelValues(outcome).Inc()
}

func outcomeLabel(crashed, timedOut, sshDied bool) string {
	switch {
	case crashed:
		return "crashed"
	case timedOut:
		return "timed_out"
	case sshDied:
		return "ssh_died"
	default:
		return "finished"
	}
}

func envFor(rec *workitem.TestRecord) []string {
	out := make([]string, 0, len(rec.Env)+2)
	for k, v := range rec.Env {
		out = append(out, k+"="+v)
	}
	if rec.DNE {
		out = append(out, "MDSCOUNT=2")
	}
	if rec.SSK {
		out = append(out, "SHARED_KEY=yes")
	}
	if rec.SELinux {
		out = append(out, "SELINUX=enforcing")
	}
	return out
}

func sanitizeName(name string) string {
	return strings.NewReplacer("/", "_", " ", "_").Replace(name)
}
