// Package crashanalyzer implements the Crash Analyzer Pool of
// SPEC_FULL.md §4.5: decode a core dump, extract the crash from its
// dmesg, triage against the known-crash and untriaged tables, attempt
// patch correlation, and return the Work Item to the Manager queue.
package crashanalyzer

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/verygreen/lustretester/internal/dmesgparse"
	"github.com/verygreen/lustretester/internal/historydb"
	"github.com/verygreen/lustretester/internal/queue"
	"github.com/verygreen/lustretester/internal/workitem"
)

// lustreModules lists the kernel modules whose backtrace frames are
// eligible for patch correlation (original_source/mycrashanalyzer.py's
// lustremodules list).
var lustreModules = map[string]bool{
	"[ldiskfs]": true, "[lnet]": true, "[lnet_selftest]": true, "[ko2iblnd]": true,
	"[ksocklnd]": true, "[ost]": true, "[lvfs]": true, "[fsfilt_ldiskfs]": true,
	"[mgs]": true, "[fid]": true, "[lod]": true, "[llog_test]": true, "[obdclass]": true,
	"[ptlrpc_gss]": true, "[ptlrpc]": true, "[obdfilter]": true, "[mdc]": true, "[mdt]": true,
	"[nodemap]": true, "[mdd]": true, "[mgc]": true, "[fld]": true, "[cmm]": true,
	"[osd_ldiskfs]": true, "[lustre]": true, "[obdecho]": true, "[osp]": true, "[lov]": true,
	"[mds]": true, "[lfsck]": true, "[lquota]": true, "[ofd]": true, "[kinode]": true,
	"[osc]": true, "[lmv]": true, "[osd_zfs]": true, "[libcfs]": true,
}

// ReviewPoster posts an immediate inline review comment; satisfied by
// internal/reviewclient.Client in production and by a test double in
// package tests.
type ReviewPoster interface {
	PostInlineComment(ctx context.Context, changeID, revision int, path string, line int, message string) error
}

// Job is one crash-dump analysis job (SPEC_FULL.md §4.5).
type Job struct {
	ID          string
	CoreFile    string
	Test        *workitem.TestRecord
	Distro      string
	Arch        string
	Item        *workitem.Item
	Message     string
	Timeout     bool
	Return      *queue.FIFO[*workitem.Item]
}

// Pool is the Crash Analyzer Pool: K goroutines pulling jobs off a
// FIFO, each invoking an external decoder then running the triage
// pipeline.
type Pool struct {
	Jobs         *queue.FIFO[Job]
	Compressor   *queue.FIFO[string]
	History      *historydb.Store
	Reviewer     ReviewPoster
	DecoderCmd   string
	Logger       *zap.Logger
	FrequencyCap int
}

// NewPool constructs a Pool with the spec's default frequency cap (20).
func NewPool(jobs *queue.FIFO[Job], compressor *queue.FIFO[string], history *historydb.Store, reviewer ReviewPoster, decoderCmd string, logger *zap.Logger) *Pool {
	return &Pool{
		Jobs:         jobs,
		Compressor:   compressor,
		History:      history,
		Reviewer:     reviewer,
		DecoderCmd:   decoderCmd,
		Logger:       logger,
		FrequencyCap: 20,
	}
}

// Run starts n goroutines consuming Jobs until ctx is cancelled or the
// queue is closed.
func (p *Pool) Run(ctx context.Context, n int) {
	for i := 0; i < n; i++ {
		go p.worker(ctx, i)
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	for {
		job, ok := p.Jobs.Get()
		if !ok {
			return
		}
		p.process(ctx, job)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (p *Pool) process(ctx context.Context, job Job) {
	defer func() {
		if job.CoreFile != "" {
			p.Compressor.Put(job.CoreFile)
		}
		if job.Return != nil {
			job.Return.Put(job.Item)
		}
	}()

	if job.Item != nil {
		job.Item.Lock()
		aborted := job.Item.Aborted
		job.Item.Unlock()
		if aborted {
			return
		}
	}

	dmesgPath := job.CoreFile + "-dmesg.txt"
	btPath := job.CoreFile + "-decoded-bt.txt"

	if p.DecoderCmd != "" {
		if err := p.decode(ctx, job); err != nil {
			p.Logger.Warn("crash decoder failed", zap.String("job", job.ID), zap.Error(err))
		}
	}

	crash, err := readCrash(dmesgPath)
	if err != nil || crash.EntireCrash == "" {
		p.Logger.Info("no crash data extracted", zap.String("job", job.ID), zap.Error(err))
		p.finishTestRecord(job, "no crash data extracted")
		return
	}

	if p.History != nil {
		if match, found, err := p.History.MatchKnownCrash(ctx, crash.LastTestLine, crash.CrashTrigger, crash.CrashFunction, crash.AbbreviatedBacktrace, crash.EntireCrash, crash.LastTestLogs); err == nil && found {
			msg := match.Bug
			if match.ExtraInfo != "" {
				msg = fmt.Sprintf("%s (%s)", msg, match.ExtraInfo)
			}
			p.finishTestRecord(job, msg)
			return
		}

		link := job.Test.ResultsDir
		newID, numReportsBefore, err := p.History.AddNewCrash(ctx, crash.LastTestLine, crash.CrashTrigger, crash.CrashFunction, crash.AbbreviatedBacktrace, crash.EntireCrash, crash.LastTestLogs, link)
		if err != nil {
			p.Logger.Warn("crash DB insert failed", zap.Error(err))
			p.finishTestRecord(job, "crash DB error")
			return
		}

		msg := fmt.Sprintf("Untriaged #%d, seen %d times before", newID, numReportsBefore)
		p.finishTestRecord(job, msg)

		if numReportsBefore > p.FrequencyCap {
			return
		}

		p.correlate(ctx, job, btPath, crash, newID, numReportsBefore)
		return
	}

	p.finishTestRecord(job, "crash extracted, no history store configured")
}

func (p *Pool) decode(ctx context.Context, job Job) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	cmd := exec.CommandContext(cctx, p.DecoderCmd, job.Item.ArtifactsDir, job.CoreFile, job.Distro, job.Arch)
	return cmd.Run()
}

func readCrash(dmesgPath string) (dmesgparse.Crash, error) {
	data, err := os.ReadFile(dmesgPath)
	if err != nil {
		return dmesgparse.Crash{}, err
	}
	return dmesgparse.Extract(string(data)), nil
}

func (p *Pool) finishTestRecord(job Job, message string) {
	if job.Test == nil || job.Item == nil {
		return
	}
	job.Item.UpdateTestStatus(job.Test, true, true, !job.Timeout, job.Timeout, false, job.Message, message, nil, nil, nil)
}

// correlate implements step 5 of §4.5: walk the decoded backtrace
// top-to-bottom for the first frame in a known filesystem module, map
// (file, line) to the change's changed-file list, and post one
// rate-limited inline comment if it matches.
func (p *Pool) correlate(ctx context.Context, job Job, btPath string, crash dmesgparse.Crash, newID int64, numReportsBefore int) {
	data, err := os.ReadFile(btPath)
	if err != nil {
		return
	}
	changedFiles := make(map[string]bool, len(job.Item.Change.ChangedFiles))
	for _, f := range job.Item.Change.ChangedFiles {
		changedFiles[f] = true
	}

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	for i := 1; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" || line[0] != '#' {
			continue
		}
		tokens := strings.SplitN(line, " ", 6)
		if len(tokens) < 6 {
			i++
			continue
		}
		module := tokens[5]
		function := tokens[2]
		if !lustreModules[module] {
			continue
		}
		if function == "lbug_with_loc" && module == "[libcfs]" {
			i++
			continue
		}
		if i+1 >= len(lines) {
			break
		}
		fileLineTokens := strings.SplitN(strings.TrimSpace(lines[i+1]), " ", 2)
		i++
		if len(fileLineTokens) < 2 || !strings.HasPrefix(fileLineTokens[0], "/") {
			continue
		}
		lineNoStr := strings.TrimSuffix(fileLineTokens[1], ":")
		lineNo, err := strconv.Atoi(lineNoStr)
		if err != nil {
			continue
		}
		filename := normalizeCrashPath(fileLineTokens[0])
		lineNo--

		if !changedFiles[filename] {
			continue
		}

		if !job.Item.MarkCrashPosted(fmt.Sprintf("%d", newID)) {
			return
		}

		message := fmt.Sprintf("Crash (id %d seen %d) in %s@%s", newID, numReportsBefore, job.Test.Script, job.Test.FSType)
		if job.Test.DNE {
			message += "+DNE"
		}
		message += "\n\n" + crash.EntireCrash

		if p.Reviewer != nil {
			_ = p.Reviewer.PostInlineComment(ctx, job.Item.Change.ID, job.Item.Change.Revision, filename, lineNo, message)
		}
		return
	}
}

func normalizeCrashPath(path string) string {
	path = strings.TrimSuffix(path, ":")
	path = strings.Replace(path, "lustre/ptlrpc/../../", "", 1)
	return path
}

// NewJobID generates a job correlation ID, replacing the teacher's
// timestamp-based ID scheme with a collision-resistant UUID since
// crash job IDs are cross-referenced in the history store.
func NewJobID() string { return uuid.NewString() }
