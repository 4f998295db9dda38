// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/flyingrobots/engram/internal/adminhttp"
	"github.com/flyingrobots/engram/internal/breaker"
	"github.com/flyingrobots/engram/internal/config"
	"github.com/flyingrobots/engram/internal/degrade"
	"github.com/flyingrobots/engram/internal/governance"
	"github.com/flyingrobots/engram/internal/migrate"
	"github.com/flyingrobots/engram/internal/obs"
	"github.com/flyingrobots/engram/internal/outbox"
	"github.com/flyingrobots/engram/internal/scheduler"
	"github.com/flyingrobots/engram/internal/schedloop"
	"github.com/flyingrobots/engram/internal/scmqueue"
	"github.com/flyingrobots/engram/internal/store"
	"github.com/flyingrobots/engram/internal/syncrunner"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: worker|scheduler|sync-worker|migrate|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if role == "migrate" {
		if err := migrate.Run(cfg.Database.AdminDSN, cfg.Database.MigrationsDir, cfg.Database.SchemaPrefix); err != nil {
			logger.Fatal("migration failed", obs.Err(err))
		}
		logger.Info("migrations applied")
		return
	}

	db, err := store.Open(store.Config{
		DSN:              cfg.Database.DSN,
		MaxOpenConns:     cfg.Database.MaxOpenConns,
		MaxIdleConns:     cfg.Database.MaxIdleConns,
		ConnMaxLifetime:  cfg.Database.ConnMaxLife,
		StatementTimeout: cfg.Database.StatementTimeout,
	})
	if err != nil {
		logger.Fatal("failed to open store", obs.Err(err))
	}
	defer db.Close()

	readyCheck := func(c context.Context) error { return db.Ping(c) }
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(10 * time.Second):
		}
	}()

	memClient := governance.NewHTTPMemoryClient(cfg.Governance.MemoryServiceURL, "", cfg.Outbox.DeliverTimeout, logger)

	actorPolicy := governance.UnknownActorPolicy(cfg.Governance.UnknownActorPolicy)
	engine := governance.NewEngine(db, storeActorResolver{db: db}, memClient, actorPolicy)
	adminSrv := adminhttp.StartServer(
		fmt.Sprintf(":%d", cfg.Governance.AdminPort),
		adminhttp.NewHandler(engine, cfg.Governance.AdminKey, logger),
		logger,
	)
	defer func() { _ = adminSrv.Shutdown(context.Background()) }()

	switch role {
	case "worker":
		runOutboxWorker(ctx, cfg, db, memClient, logger)
	case "scheduler":
		runScheduler(ctx, cfg, db, logger)
	case "sync-worker":
		runSyncWorkers(ctx, cfg, db, logger)
	case "all":
		go runOutboxWorker(ctx, cfg, db, memClient, logger)
		go runSyncWorkers(ctx, cfg, db, logger)
		runScheduler(ctx, cfg, db, logger)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

// storeActorResolver adapts internal/store.DB's identity methods to
// governance.ActorResolver.
type storeActorResolver struct {
	db *store.DB
}

func (r storeActorResolver) Exists(ctx context.Context, actorUserID string) (bool, error) {
	return r.db.ActorExists(ctx, actorUserID)
}

func (r storeActorResolver) Create(ctx context.Context, actorUserID string) error {
	return r.db.CreateActor(ctx, actorUserID)
}

func runOutboxWorker(ctx context.Context, cfg *config.Config, db *store.DB, memClient *governance.HTTPMemoryClient, logger *zap.Logger) {
	w := outbox.New(outbox.Config{
		WorkerCount:      cfg.Outbox.WorkerCount,
		BatchSize:        cfg.Outbox.BatchSize,
		LeaseSeconds:     cfg.Outbox.LeaseSeconds,
		MaxRetries:       cfg.Outbox.MaxRetries,
		MaxClientRetries: cfg.Outbox.MaxClientRetries,
		BackoffBase:      cfg.Outbox.Backoff.Base,
		BackoffMax:       cfg.Outbox.Backoff.Max,
		BackoffJitter:    cfg.Outbox.Backoff.Jitter,
		PollInterval:     cfg.Outbox.PollInterval,
		DeliverTimeout:   cfg.Outbox.DeliverTimeout,
	}, db, memClient, logger)
	w.Run(ctx)
}

func runScheduler(ctx context.Context, cfg *config.Config, db *store.DB, logger *zap.Logger) {
	qm := scmqueue.New(db, scmqueue.Backoff{
		Base:   cfg.Outbox.Backoff.Base,
		Max:    cfg.Outbox.Backoff.Max,
		Jitter: cfg.Outbox.Backoff.Jitter,
	}, cfg.Scheduler.EnableTenantFairness)

	schedCfg := scheduler.Config{
		MaxRunning:                cfg.Scheduler.MaxRunning,
		MaxQueueDepth:             cfg.Scheduler.MaxQueueDepth,
		PerInstanceConcurrency:    cfg.Scheduler.PerInstanceConcurrency,
		PerTenantConcurrency:      cfg.Scheduler.PerTenantConcurrency,
		CursorAgeThresholdSeconds: cfg.Scheduler.CursorAgeThresholdSeconds,
		ErrorBudgetThreshold:      cfg.Scheduler.ErrorBudgetThreshold,
		RateLimitHitThreshold:     cfg.Scheduler.RateLimitHitThreshold,
		MaxEnqueuePerScan:         cfg.Scheduler.MaxEnqueuePerScan,
		EnableTenantFairness:      cfg.Scheduler.EnableTenantFairness,
		TenantFairnessMaxPerRound: cfg.Scheduler.TenantFairnessMaxPerRound,
		JobTypePriority:           cfg.Scheduler.JobTypePriority,
		MvpAllowlist:              cfg.Scheduler.MvpAllowlist,
		SkipOnPause:               cfg.Scheduler.SkipOnPause,
	}

	loop := schedloop.New(db, qm, schedCfg, cfg.Scheduler.ScanInterval, logger)
	loop.Run(ctx)
}

// runSyncWorkers starts cfg.SyncWorker.WorkerCount goroutines that claim
// scm_sync_jobs rows and execute them through internal/syncrunner, sharing
// one circuit breaker so every worker agrees on a scope's state (§4.2).
func runSyncWorkers(ctx context.Context, cfg *config.Config, db *store.DB, logger *zap.Logger) {
	qm := scmqueue.New(db, scmqueue.Backoff{
		Base:   cfg.Outbox.Backoff.Base,
		Max:    cfg.Outbox.Backoff.Max,
		Jitter: cfg.Outbox.Backoff.Jitter,
	}, cfg.Scheduler.EnableTenantFairness)

	br := breaker.NewScoped(breaker.Config{
		MinSamples:             cfg.CircuitBreaker.MinSamples,
		FailureRateThreshold:   cfg.CircuitBreaker.FailureRateThreshold,
		RateLimitRateThreshold: cfg.CircuitBreaker.RateLimitRateThreshold,
		TimeoutRateThreshold:   cfg.CircuitBreaker.TimeoutRateThreshold,
		EnableSmoothing:        cfg.CircuitBreaker.EnableSmoothing,
		SmoothingAlpha:         cfg.CircuitBreaker.SmoothingAlpha,
		OpenDuration:           time.Duration(cfg.CircuitBreaker.OpenDurationSeconds) * time.Second,
		RecoverySuccessCount:   cfg.CircuitBreaker.RecoverySuccessCount,
		ProbeBudgetPerInterval: cfg.CircuitBreaker.ProbeBudgetPerInterval,
		ProbeJobTypesAllowlist: cfg.CircuitBreaker.ProbeJobTypesAllowlist,
		DefaultBatchSize:       cfg.Degradation.DefaultBatchSize,
		DegradedBatchSize:      cfg.Degradation.MinBatchSize,
		DefaultWindowSecs:      cfg.Degradation.DefaultWindowSeconds,
		DegradedWindowSecs:     cfg.Degradation.MinWindowSeconds,
		DefaultDiffMode:        "best_effort",
		DegradedDiffMode:       "none",
	}, db)

	var wg sync.WaitGroup
	for i := 0; i < cfg.SyncWorker.WorkerCount; i++ {
		workerID := fmt.Sprintf("sync-worker-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			syncWorkerLoop(ctx, cfg, db, qm, br, workerID, logger)
		}()
	}
	wg.Wait()
}

// syncWorkerLoop repeatedly claims one scm_sync_jobs row and runs it to
// completion, polling at cfg.SyncWorker.PollInterval when the queue is empty.
func syncWorkerLoop(ctx context.Context, cfg *config.Config, db *store.DB, qm *scmqueue.Manager, br *breaker.Scoped, workerID string, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.SyncWorker.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := qm.Claim(ctx, workerID, cfg.SyncWorker.JobTypes)
			if err != nil {
				logger.Warn("sync worker: claim failed", obs.Err(err))
				continue
			}
			if job == nil {
				continue
			}
			runClaimedSyncJob(ctx, cfg, db, qm, br, workerID, *job, logger)
		}
	}
}

// runClaimedSyncJob dispatches one claimed job to the sync runner and
// reports its outcome back to the queue.
func runClaimedSyncJob(ctx context.Context, cfg *config.Config, db *store.DB, qm *scmqueue.Manager, br *breaker.Scoped, workerID string, job store.ScmJob, logger *zap.Logger) {
	repo, err := db.GetScmRepo(ctx, job.RepoID)
	if err != nil {
		logger.Error("sync worker: repo lookup failed", obs.String("repo_id", job.RepoID), obs.Err(err))
		_ = qm.Fail(ctx, job.JobType, job.JobID, workerID, err.Error(), job.Attempts)
		return
	}

	rctx := syncrunner.RunnerContext{
		Repo:             job.RepoID,
		JobType:          job.JobType,
		UpdateWatermark:  true,
		WindowChunkHours: cfg.SyncWorker.WindowChunkHours,
		MaxIterations:    1,
		BreakerScope:     breaker.ScopeKey(cfg.CircuitBreaker.Project, "instance", repo.InstanceKey),
	}

	controller := degrade.New(degrade.Config{
		DefaultBatchSize:     cfg.Degradation.DefaultBatchSize,
		MinBatchSize:         cfg.Degradation.MinBatchSize,
		ShrinkFactor:         cfg.Degradation.ShrinkFactor,
		GrowFactor:           cfg.Degradation.GrowFactor,
		DefaultWindowSeconds: cfg.Degradation.DefaultWindowSeconds,
		MinWindowSeconds:     cfg.Degradation.MinWindowSeconds,
		ConsecutiveThreshold: cfg.Degradation.ConsecutiveThreshold,
		RecoveryThreshold:    cfg.Degradation.RecoveryThreshold,
		SleepBase:            cfg.Degradation.SleepBase,
		SleepMax:             cfg.Degradation.SleepMax,
	})

	runner := syncrunner.New(rctx, adapterFor(repo.VCSType), db, controller, br, logger)

	var result syncrunner.SyncResult
	switch job.Mode {
	case store.ModeBackfill:
		since, until, startRev, endRev := backfillWindowFromPayload(job.PayloadJSON)
		agg, err := runner.RunBackfill(ctx, since, until, startRev, endRev)
		if err != nil {
			_ = qm.Fail(ctx, job.JobType, job.JobID, workerID, err.Error(), job.Attempts)
			return
		}
		result = syncrunner.SyncResult{Status: agg.Status, Error: joinChunkErrors(agg.Errors)}
	default:
		result = runner.RunIncremental(ctx)
	}

	switch result.Status {
	case syncrunner.StatusSuccess, syncrunner.StatusPartial:
		_ = qm.Ack(ctx, job.JobType, job.JobID, workerID, nil)
	case syncrunner.StatusSkipped:
		_ = qm.Requeue(ctx, job.JobID, workerID)
	default:
		_ = qm.Fail(ctx, job.JobType, job.JobID, workerID, result.Error, job.Attempts)
	}
}

// backfillPayload is the JSON shape read back from ScmJob.PayloadJSON to
// recover a backfill job's requested window when the job is claimed and run.
type backfillPayload struct {
	Since    *time.Time `json:"since,omitempty"`
	Until    *time.Time `json:"until,omitempty"`
	StartRev *int64     `json:"start_rev,omitempty"`
	EndRev   *int64     `json:"end_rev,omitempty"`
}

func backfillWindowFromPayload(raw []byte) (since, until *time.Time, startRev, endRev *int64) {
	if len(raw) == 0 {
		return nil, nil, nil, nil
	}
	var p backfillPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, nil, nil, nil
	}
	return p.Since, p.Until, p.StartRev, p.EndRev
}

func joinChunkErrors(errs []string) string {
	if len(errs) == 0 {
		return ""
	}
	joined := errs[0]
	for _, e := range errs[1:] {
		joined += "; " + e
	}
	return joined
}

// unimplementedAdapter stands in for the concrete GitLab/SVN client, which
// is an external collaborator this module never constructs on its own
// (§ Non-goals). It exercises the claim/run/ack-fail wiring end to end —
// fetches fail until a real adapter replaces it.
type unimplementedAdapter struct {
	vcsType store.VCSType
}

func adapterFor(vcsType store.VCSType) syncrunner.Adapter {
	return unimplementedAdapter{vcsType: vcsType}
}

func (a unimplementedAdapter) FetchCommits(ctx context.Context, cursor string, window syncrunner.FetchWindow, batchSize int) (syncrunner.Page, error) {
	return syncrunner.Page{}, fmt.Errorf("syncrunner: no %s adapter registered", a.vcsType)
}

func (a unimplementedAdapter) FetchMergeRequests(ctx context.Context, cursor string, window syncrunner.FetchWindow, batchSize int) (syncrunner.Page, error) {
	return syncrunner.Page{}, fmt.Errorf("syncrunner: no %s adapter registered", a.vcsType)
}

func (a unimplementedAdapter) FetchReviews(ctx context.Context, mrID string) ([]map[string]interface{}, error) {
	return nil, fmt.Errorf("syncrunner: no %s adapter registered", a.vcsType)
}

func (a unimplementedAdapter) Stats() syncrunner.AdapterStats { return syncrunner.AdapterStats{} }

func (a unimplementedAdapter) NotifyRateLimit(retryAfterSeconds *float64, resetUnix *int64) {}
