package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	alertapi "github.com/qiniu/opsguard/internal/alerting/api"
	adb "github.com/qiniu/opsguard/internal/alerting/database"
	"github.com/qiniu/opsguard/internal/alerting/metrics"
	"github.com/qiniu/opsguard/internal/alerting/service/dedup"
	"github.com/qiniu/opsguard/internal/alerting/service/escalation"
	"github.com/qiniu/opsguard/internal/alerting/service/healthcheck"
	"github.com/qiniu/opsguard/internal/alerting/service/notify"
	"github.com/qiniu/opsguard/internal/alerting/service/receiver"
	"github.com/qiniu/opsguard/internal/alerting/service/remediation"
	"github.com/qiniu/opsguard/internal/alerting/service/ruleset"
	"github.com/qiniu/opsguard/internal/config"
	"github.com/qiniu/opsguard/internal/inventory"
	"github.com/qiniu/opsguard/internal/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func serve(ctx context.Context, cfg *config.Config) error {
	log.Info().Msg("Starting opsguard")

	db, err := adb.New(cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("alerting database: %w", err)
	}
	defer db.Close()
	if cfg.Database.Migrate {
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	rdb := healthcheck.NewRedisClientFromConfig(&cfg.Redis)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
	}

	metrics.Init(prometheus.DefaultRegisterer)
	notifier := newNotifier(cfg.Notify)

	// rules
	gauges, err := ruleset.NewGaugeSync(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("threshold gauges: %w", err)
	}
	ruleStore := ruleset.NewPgStore(db)
	rules := ruleset.NewManager(ruleStore, gauges)
	if n, err := healthcheck.BootstrapRulesFromConfig(ctx, cfg.Alerting.Evaluator.RulesFile, ruleStore, rules); err != nil {
		log.Error().Err(err).Msg("bootstrap rules from config failed")
	} else if n > 0 {
		log.Info().Int("added", n).Msg("rules bootstrapped from config")
	}
	if err := rules.LoadRules(ctx); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	// dedup and escalation
	dd := dedup.NewDeduplicator(dedup.NewPgStore(db), dedup.Config{
		DedupWindow:       config.ParseDuration(cfg.Alerting.Dedup.Window, 300*time.Second),
		AggregationWindow: config.ParseDuration(cfg.Alerting.Dedup.AggregationWindow, 600*time.Second),
		MaxAlertsPerGroup: cfg.Alerting.Dedup.MaxAlertsPerGroup,
	})
	esc := escalation.NewScheduler(escalation.NewPgStore(db), notifier)

	// evaluator
	snapshots, err := newSnapshotSource(cfg, rdb)
	if err != nil {
		return err
	}
	evaluator := &healthcheck.Evaluator{
		Alerts:       healthcheck.NewPgAlertStore(db),
		Hosts:        inventory.NewHostRepo(db),
		Snapshots:    snapshots,
		Pending:      &healthcheck.RedisPendingTracker{Redis: rdb},
		Dedup:        dd,
		Escalation:   esc,
		Notifier:     notifier,
		Publisher:    &healthcheck.RedisPublisher{Redis: rdb, Channel: cfg.Alerting.Receiver.Channel},
		MaxStaleness: config.ParseDuration(cfg.Alerting.Evaluator.MaxStaleness, healthcheck.DefaultMaxStaleness),
	}

	// remediation intake: pub/sub and webhook share one idempotency set
	alertCh := make(chan healthcheck.AlertMessage, cfg.Alerting.Evaluator.AlertChanSize)
	intake := &receiver.Intake{
		Idem: receiver.NewIdempotency(rdb, "remediation", receiver.DefaultIdempotencyTTL),
		Out:  alertCh,
	}
	subscriber := &receiver.Subscriber{Redis: rdb, Channel: cfg.Alerting.Receiver.Channel, Intake: intake}

	orch, logs, err := newOrchestrator(cfg, db, rdb, notifier)
	if err != nil {
		return err
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.Authentication(cfg.Auth.Bearer))
	alertapi.NewApi(router, alertapi.Deps{
		Escalation:  esc,
		Remediation: orch,
		Logs:        logs,
		Dedup:       dd,
		Rules:       rules,
		ChangeLogs:  ruleStore,
		Runbooks:    orch.Registry,
		Receiver:    receiver.NewHandler(intake),
		Metrics:     true,
	})
	srv := &http.Server{Addr: cfg.Server.BindAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		healthcheck.StartScheduler(gctx, healthcheck.Deps{
			Evaluator: evaluator,
			Interval:  config.ParseDuration(cfg.Alerting.Evaluator.Interval, 60*time.Second),
		})
		return nil
	})
	g.Go(func() error {
		escalation.StartScheduler(gctx, escalation.Deps{
			Scheduler: esc,
			Interval:  config.ParseDuration(cfg.Alerting.Escalation.Interval, 60*time.Second),
			Batch:     cfg.Alerting.Escalation.Batch,
		})
		return nil
	})
	g.Go(func() error { return dedup.StartCleanup(gctx, dd, cfg.Alerting.Dedup.CleanupSchedule) })
	g.Go(func() error { return subscriber.Run(gctx) })
	g.Go(func() error {
		orch.Start(gctx, alertCh)
		return nil
	})
	g.Go(func() error {
		log.Info().Msgf("Starting server on %s", cfg.Server.BindAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info().Msg("opsguard exit...")
	return err
}

func newSnapshotSource(cfg *config.Config, rdb *redis.Client) (healthcheck.SnapshotSource, error) {
	switch cfg.Alerting.Evaluator.SnapshotSource {
	case "", "redis":
		return &healthcheck.RedisSnapshotSource{Redis: rdb}, nil
	case "prometheus":
		src, err := healthcheck.NewPrometheusSnapshotSource(cfg.Prometheus.URL, cfg.Prometheus.Queries,
			config.ParseDuration(cfg.Prometheus.QueryTimeout, 10*time.Second))
		if err != nil {
			return nil, fmt.Errorf("prometheus snapshot source: %w", err)
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown snapshot source %q", cfg.Alerting.Evaluator.SnapshotSource)
	}
}

func newNotifier(c config.NotifyConfig) notify.Dispatcher {
	if c.WebhookURL == "" {
		return notify.LogDispatcher{}
	}
	webhook := notify.NewWebhookDispatcher(c.WebhookURL, config.ParseDuration(c.Timeout, 5*time.Second), c.RatePerSec, c.Burst)
	return notify.NewMultiDispatcher(notify.LogDispatcher{}, webhook)
}

func newOrchestrator(cfg *config.Config, db *adb.Database, rdb *redis.Client, notifier notify.Dispatcher) (*remediation.Orchestrator, remediation.LogStore, error) {
	rc := cfg.Alerting.Remediation
	reg, err := remediation.DefaultRegistry()
	if err != nil {
		return nil, nil, fmt.Errorf("runbook catalog: %w", err)
	}

	resetAfter := config.ParseDuration(rc.BreakerResetAfter, remediation.DefaultBreakerResetAfter)
	var (
		breaker remediation.CircuitBreaker
		limiter remediation.RateLimiter
	)
	if rc.SharedState {
		breaker = remediation.NewRedisCircuitBreaker(rdb, rc.BreakerThreshold, resetAfter)
		limiter = remediation.NewRedisRateLimiter(rdb)
	} else {
		breaker = remediation.NewMemoryCircuitBreaker(rc.BreakerThreshold, resetAfter)
		limiter = remediation.NewMemoryRateLimiter()
	}

	var executor remediation.Executor = remediation.DryRunExecutor{}
	if !rc.DryRun {
		executor = &remediation.ShellExecutor{
			Shell:   rc.Shell,
			SSHUser: rc.SSHUser,
			Timeout: config.ParseDuration(rc.StepTimeout, remediation.DefaultStepTimeout),
		}
	}

	ai := &remediation.AIClient{Runbooks: reg.List()}
	if cfg.OpenAI.APIKey != "" {
		ai.Oracle = remediation.NewOpenAIOracle(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model,
			config.ParseDuration(cfg.OpenAI.Timeout, 30*time.Second))
	} else {
		log.Warn().Msg("no OpenAI API key configured; diagnoses fall back to zero confidence")
	}

	logs := remediation.NewPgLogStore(db)
	orch := &remediation.Orchestrator{
		Logs:              logs,
		Registry:          reg,
		AI:                ai,
		Breaker:           breaker,
		Limiter:           limiter,
		Executor:          executor,
		Notifier:          notifier,
		Insights:          remediation.NewRedisInsightStore(rdb),
		Observation:       remediation.NewRedisObservationWindowManager(rdb),
		ObservationWindow: config.ParseDuration(rc.ObservationWindow, remediation.DefaultObservationWindow),
		MaxConcurrent:     rc.MaxConcurrent,
	}
	log.Info().Bool("dry_run", rc.DryRun).Bool("shared_state", rc.SharedState).Int("runbooks", len(reg.List())).
		Msg("remediation orchestrator configured")
	return orch, logs, nil
}
