// Package orchestrator reifies the whole process into a single struct,
// per SPEC_FULL.md §9's redesign note to reify the process-wide state
// as a single Orchestrator struct instead of package-level variables.
// Grounded on the teacher's go/main.go wiring shape (construct every
// subsystem, start every pool, block until shutdown), generalised to
// golang.org/x/sync/errgroup for coordinated shutdown across every
// goroutine group instead of the teacher's ad hoc channel-closing.
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/verygreen/lustretester/internal/apiserver"
	"github.com/verygreen/lustretester/internal/buildworker"
	"github.com/verygreen/lustretester/internal/config"
	"github.com/verygreen/lustretester/internal/crashanalyzer"
	"github.com/verygreen/lustretester/internal/historydb"
	"github.com/verygreen/lustretester/internal/metrics"
	"github.com/verygreen/lustretester/internal/persistence"
	"github.com/verygreen/lustretester/internal/queue"
	"github.com/verygreen/lustretester/internal/reviewclient"
	"github.com/verygreen/lustretester/internal/reviewpoller"
	"github.com/verygreen/lustretester/internal/scheduler"
	"github.com/verygreen/lustretester/internal/testcatalog"
	"github.com/verygreen/lustretester/internal/testworker"
	"github.com/verygreen/lustretester/internal/workitem"
)

// Orchestrator owns every process-wide queue, pool and store, and
// drives their combined lifecycle.
type Orchestrator struct {
	Config config.FSConfig
	Logger *zap.Logger

	Metrics     *metrics.Registry
	Persistence *persistence.Store
	History    *historydb.Store
	Resolver   *testcatalog.Resolver
	Review     *reviewclient.Client

	Manager    *queue.FIFO[*workitem.Item]
	BuildQueue *queue.FIFO[buildworker.Job]
	TestQueue  *queue.Priority[testworker.Job]
	CrashQueue *queue.FIFO[crashanalyzer.Job]
	Compressor *queue.FIFO[string]

	Scheduler *scheduler.Scheduler
	BuildPool *buildworker.Pool
	TestPool  *testworker.Pool
	CrashPool *crashanalyzer.Pool
	Poller    *reviewpoller.Poller

	Auth      *apiserver.AuthService
	API       *apiserver.Server
	httpServer *http.Server
}

// New constructs every subsystem of the orchestrator from cfg, wiring
// each pool's queues, the scheduler's finalize callback (posting the
// final review) and the Operator API's authentication.
func New(cfg config.FSConfig, logger *zap.Logger) (*Orchestrator, error) {
	o := &Orchestrator{Config: cfg, Logger: logger}

	// promhttp.Handler() in internal/apiserver scrapes the default
	// registry, so collectors are registered against it too rather than
	// a private prometheus.Registry that the HTTP handler could never
	// see.
	o.Metrics = metrics.NewRegistry(prometheus.DefaultRegisterer)

	o.Persistence = persistence.NewStore(cfg.SavedStateDir, cfg.DoneDir, cfg.LastBuildIDFile)
	o.Resolver = testcatalog.NewResolver(cfg.TestCatalogDir, cfg.FilelistDir)

	if cfg.ReviewAuthToken != "" {
		o.Review = reviewclient.NewAuthenticated(cfg.ReviewServerURL, cfg.ReviewAuthToken)
	} else {
		o.Review = reviewclient.New(cfg.ReviewServerURL)
	}

	if cfg.HistoryDSN != "" {
		history, err := historydb.Open(cfg.HistoryDSN)
		if err != nil {
			return nil, fmt.Errorf("opening history database: %w", err)
		}
		o.History = history
	}

	o.Manager = queue.NewFIFO[*workitem.Item]()
	o.BuildQueue = queue.NewFIFO[buildworker.Job]()
	o.TestQueue = queue.NewPriority[testworker.Job]()
	o.CrashQueue = queue.NewFIFO[crashanalyzer.Job]()
	o.Compressor = queue.NewFIFO[string]()

	builders, err := config.LoadBuildersConfig(cfg.BuildersConfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading builders config: %w", err)
	}
	buildCmds := make(map[string]string, len(builders))
	distros := make([]string, 0, len(builders))
	for _, b := range builders {
		if b.Disabled {
			continue
		}
		buildCmds[b.Distro] = b.BuildCmd
		distros = append(distros, b.Distro)
	}
	if len(distros) == 0 {
		distros = []string{cfg.DefaultDistro}
	}

	o.Scheduler = scheduler.New(o.Manager, o.BuildQueue, o.TestQueue, o.Persistence, o.Resolver, logger)
	o.Scheduler.BuildCmds = buildCmds
	o.Scheduler.ArtifactRoot = cfg.ArtifactsDir
	o.Scheduler.Owner = fmt.Sprintf("%d", cfg.OwnerUID)
	o.Scheduler.OnFinalize = o.postFinalReview
	o.Scheduler.OnPowerChange = o.logPowerChange

	o.BuildPool = buildworker.NewPool(o.BuildQueue, o.Manager, o.Metrics, logger)
	o.BuildPool.Timeout = 30 * time.Minute

	o.TestPool = testworker.NewPool(o.TestQueue, o.Manager, o.CrashQueue, o.History, o.Metrics, logger)
	o.TestPool.ArtifactRoot = cfg.ArtifactsDir
	o.TestPool.VMBootCmd = cfg.VMBootCmd
	o.TestPool.HarnessCmd = cfg.HarnessCmd
	o.TestPool.VMHaltCmd = cfg.VMHaltCmd

	o.CrashPool = crashanalyzer.NewPool(o.CrashQueue, o.Compressor, o.History, o.Review, cfg.DecoderCmd, logger)

	o.Poller = reviewpoller.New(o.Review, o.Manager, o.Persistence, o.Resolver, o.Scheduler, logger)
	o.Poller.Distros = distros
	o.Poller.Topic = cfg.ReviewTopic
	if cfg.ReviewPollInterval > 0 {
		o.Poller.PollInterval = cfg.ReviewPollInterval
	}
	o.Poller.CommandsDir = cfg.CommandsDir
	o.Poller.BranchesDir = cfg.BranchesDir

	o.Auth = apiserver.NewAuthService(cfg.APISecretKey, cfg.APITokenTTL)
	if cfg.OperatorName != "" && cfg.OperatorKey != "" {
		if err := o.Auth.AddOperatorKey(cfg.OperatorName, cfg.OperatorKey); err != nil {
			return nil, fmt.Errorf("registering operator key: %w", err)
		}
	}
	o.API = apiserver.New(o.Persistence, o.Auth, cfg.CommandsDir, logger)

	return o, nil
}

// Run starts every pool and blocks until ctx is cancelled, then closes
// each queue, which releases consumers blocked in Get, and waits for
// every goroutine group to exit.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.recoverInFlight()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		o.Scheduler.Run(gctx)
		return nil
	})

	buildGroup := o.BuildPool.Run(gctx, max(1, o.Config.BuildWorkerPoolSize))
	g.Go(buildGroup.Wait)

	g.Go(func() error {
		o.TestPool.Run(gctx, max(1, o.Config.TestWorkerPoolSize))
		<-gctx.Done()
		return nil
	})

	crashWorkers := o.Config.CrashAnalyzerPoolSize
	if crashWorkers < 1 {
		crashWorkers = 2
	}
	g.Go(func() error {
		o.CrashPool.Run(gctx, crashWorkers)
		<-gctx.Done()
		return nil
	})

	g.Go(func() error {
		return o.Poller.Run(gctx)
	})

	o.httpServer = &http.Server{
		Addr:         o.Config.APIListenAddr,
		Handler:      o.API,
		ReadTimeout:  apiserver.ReadTimeout,
		WriteTimeout: apiserver.WriteTimeout,
		IdleTimeout:  apiserver.IdleTimeout,
	}
	g.Go(func() error {
		if err := o.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return o.httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		<-gctx.Done()
		o.Manager.Close()
		o.BuildQueue.Close()
		o.TestQueue.Close()
		o.CrashQueue.Close()
		o.Compressor.Close()
		return nil
	})

	err := g.Wait()
	if o.History != nil {
		_ = o.History.Close()
	}
	return err
}

// recoverInFlight reloads every Work Item still in the savedstate
// directory (i.e. not yet retired when the process last stopped) and
// re-enters it into the pipeline, per SPEC_FULL.md §8 scenario 6. The
// same loaded items seed the review poller's seen-revision map so both
// sides of recovery share one *workitem.Item per build instead of two
// independently-loaded copies drifting apart.
func (o *Orchestrator) recoverInFlight() {
	items, err := o.Persistence.LoadAll()
	if err != nil {
		o.Logger.Warn("loading in-flight work items for recovery failed", zap.Error(err))
		return
	}
	if len(items) == 0 {
		return
	}
	o.Poller.SeedInFlight(items)
	for _, item := range items {
		o.Scheduler.Resume(item)
	}
	o.Logger.Info("resumed in-flight work items after restart", zap.Int("count", len(items)))
}

func (o *Orchestrator) postFinalReview(item *workitem.Item, reason string) {
	if o.Review == nil {
		return
	}
	message := fmt.Sprintf("Build %d: %s", item.BuildNr, reason)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := o.Review.PostReview(ctx, item.Change.ID, item.Change.Revision, reviewclient.ReviewComment{Message: message}); err != nil {
		o.Logger.Warn("posting final review failed", zap.Int("build_nr", item.BuildNr), zap.Error(err))
	}
}

func (o *Orchestrator) logPowerChange(up bool) {
	if up {
		o.Logger.Info("worker capacity needed")
	} else {
		o.Logger.Warn("worker capacity no longer needed")
	}
}
