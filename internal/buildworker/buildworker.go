// Package buildworker implements the Build Worker Pool of
// SPEC_FULL.md §4.3: a pool of goroutines, each bound to one external
// build command, consuming the Build queue. Grounded on the teacher's
// go/worker.go WorkerService.processBuilds dispatch loop and
// executeBuild (env setup, exec.Command, CombinedOutput, duration
// bookkeeping), generalised from invoking Gradle to invoking the
// configured external build script and its exit-code taxonomy.
package buildworker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/verygreen/lustretester/internal/backoff"
	"github.com/verygreen/lustretester/internal/metrics"
	"github.com/verygreen/lustretester/internal/queue"
	"github.com/verygreen/lustretester/internal/workitem"
)

// Exit-code taxonomy from SPEC_FULL.md §4.3.
const (
	exitSuccess       = 0
	exitGitCheckout   = 10
	exitConfigure     = 12
	exitCompileError  = 14
)

// Job is one (BuildRecord, WorkItem) pair on the Build queue.
type Job struct {
	Distro     string
	Item       *workitem.Item
	BuildCmd   string
	OutDir     string
	Ref        string
	Owner      string
	WorkerName string
}

// Pool is the Build Worker Pool.
type Pool struct {
	Queue      *queue.FIFO[Job]
	Return     *queue.FIFO[*workitem.Item]
	Timeout    time.Duration
	Metrics    *metrics.Registry
	Logger     *zap.Logger
}

// NewPool constructs a Pool with the spec's default 30-minute build
// timeout.
func NewPool(q *queue.FIFO[Job], ret *queue.FIFO[*workitem.Item], m *metrics.Registry, logger *zap.Logger) *Pool {
	return &Pool{Queue: q, Return: ret, Timeout: 30 * time.Minute, Metrics: m, Logger: logger}
}

// Run starts n worker goroutines under an errgroup, generalising the
// teacher's ad hoc shutdown-channel pattern to
// golang.org/x/sync/errgroup so pool shutdown is a single Wait call.
func (p *Pool) Run(ctx context.Context, n int) *errgroup.Group {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			p.worker(gctx)
			return nil
		})
	}
	return g
}

func (p *Pool) worker(ctx context.Context) {
	bo := backoff.New()
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

		if job.Item != nil {
			job.Item.Lock()
			aborted := job.Item.Aborted
			job.Item.Unlock()
			if aborted {
				continue
			}
		}

		retry, err := p.runOne(ctx, job)
		if err != nil {
			p.Logger.Warn("build job failed", zap.String("distro", job.Distro), zap.Error(err))
		}
		if retry {
			delay := bo.Next()
			if bo.Exhausted() {
				p.finishTerminal(job, true, false, "build retry count exceeded", "", "", nil)
				bo.Reset()
				continue
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			p.Queue.Put(job)
			continue
		}
		bo.Reset()
	}
}

// runOne executes one build attempt, returning (retry, err). A true
// retry means the job was *not* finished and should be re-enqueued;
// terminal outcomes are recorded on the Work Item directly.
func (p *Pool) runOne(ctx context.Context, job Job) (retry bool, err error) {
	cctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	args := []string{job.OutDir, job.Ref, strconvItoa(job.Item.BuildNr), job.Owner, job.WorkerName}
	cmd := exec.CommandContext(cctx, job.BuildCmd, args...)
	cmd.Env = append(os.Environ(), "DISTRO="+job.Distro)

	start := time.Now()
	output, runErr := cmd.CombinedOutput()
	duration := time.Since(start)

	if cctx.Err() != nil {
		p.finishTerminal(job, true, true, "build timed out", "", "", nil)
		p.observe(job.Distro, "timeout", duration)
		return false, cctx.Err()
	}

	exitCode := exitSuccess
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if runErr != nil {
		exitCode = -1
	}

	stdout := string(output)
	switch exitCode {
	case exitSuccess:
		p.finishTerminal(job, false, false, "build succeeded", stdout, "", nil)
		p.observe(job.Distro, "success", duration)
		return false, nil
	case exitGitCheckout:
		p.observe(job.Distro, "retry", duration)
		return true, fmt.Errorf("git checkout error (exit %d)", exitCode)
	case exitConfigure:
		p.finishTerminal(job, true, false, "configure error", stdout, "", nil)
		p.observe(job.Distro, "configure_error", duration)
		return false, nil
	case exitCompileError:
		annotations := parseCompileErrors(stdout, job.Item.Change.ChangedFiles)
		p.finishTerminal(job, true, false, "compile error", stdout, "", annotations)
		p.observe(job.Distro, "compile_error", duration)
		return false, nil
	default:
		p.observe(job.Distro, "retry", duration)
		return true, fmt.Errorf("builder exited %d, treated as retryable", exitCode)
	}
}

func (p *Pool) observe(distro, outcome string, d time.Duration) {
	if p.Metrics == nil {
		return
	}
	p.Metrics.BuildDuration.WithLabelValues(distro, outcome).Observe(d.Seconds())
	p.Metrics.BuildsTotal.WithLabelValues(outcome).Inc()
}

func (p *Pool) finishTerminal(job Job, failed, timedOut bool, message, stdout, stderr string, annotations []workitem.ReviewAnnotation) {
	job.Item.UpdateBuildStatus(job.Distro, failed, timedOut, message, stdout, stderr, annotations)
	if p.Return != nil {
		p.Return.Put(job.Item)
	}
}

// compileErrorLineRe matches `<path>:<lineno>:<severity>: <message>`
// lines, per SPEC_FULL.md §4.3.
var compileErrorLineRe = regexp.MustCompile(`^([^:\s]+):(\d+):(error|warning|note):\s*(.*)$`)

// parseCompileErrors attaches each matching compiler diagnostic line
// after resolving basename-only paths against changedFiles; unresolved
// paths are dropped.
func parseCompileErrors(stdout string, changedFiles []string) []workitem.ReviewAnnotation {
	byBase := make(map[string]string, len(changedFiles))
	for _, f := range changedFiles {
		byBase[baseName(f)] = f
	}

	var out []workitem.ReviewAnnotation
	for _, line := range strings.Split(stdout, "\n") {
		m := compileErrorLineRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		path := m[1]
		lineNo, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		resolved := path
		if !strings.Contains(path, "/") {
			full, ok := byBase[path]
			if !ok {
				continue
			}
			resolved = full
		} else if !contains(changedFiles, path) {
			// Not a basename and not in the changed-file list either.
			if full, ok := byBase[baseName(path)]; ok {
				resolved = full
			} else {
				continue
			}
		}
		out = append(out, workitem.ReviewAnnotation{
			Path:     resolved,
			Line:     lineNo,
			Severity: m[3],
			Message:  m[4],
		})
	}
	return out
}

func baseName(path string) string {
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func strconvItoa(n int) string { return strconv.Itoa(n) }
