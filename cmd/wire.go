package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bnema/interpreter-scheduler/internal/adapters/lock/memory"
	redislock "github.com/bnema/interpreter-scheduler/internal/adapters/lock/redis"
	"github.com/bnema/interpreter-scheduler/internal/adapters/notify"
	amqpnotify "github.com/bnema/interpreter-scheduler/internal/adapters/notify/amqp"
	"github.com/bnema/interpreter-scheduler/internal/adapters/render/dashboard"
	sqlrepo "github.com/bnema/interpreter-scheduler/internal/adapters/repo/sql"
	tomlrepo "github.com/bnema/interpreter-scheduler/internal/adapters/repo/toml"
	"github.com/bnema/interpreter-scheduler/internal/application"
	"github.com/bnema/interpreter-scheduler/internal/config"
	"github.com/bnema/interpreter-scheduler/internal/logger"
	"github.com/bnema/interpreter-scheduler/internal/ports"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type app struct {
	cfg        *viper.Viper
	log        *logrus.Logger
	bookings   *tomlrepo.BookingRepository
	policyFile string
	policies   *application.PolicyService
	pool       *application.PoolService
	executor   *application.Executor
	scheduler  *application.Scheduler
	monitor    *application.Monitor

	renderPool   func(application.PoolDashboard, dashboard.RenderOptions) (string, error)
	renderHealth func(application.HealthReport, dashboard.RenderOptions) (string, error)
	renderStatus func(application.RealTimeStatus, dashboard.RenderOptions) (string, error)
	now          func() time.Time

	closers []func() error
}

func (a *app) wire(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.ConfigFromViper(cfg))
	if err != nil {
		return fmt.Errorf("wire logger: %w", err)
	}

	bookings, err := tomlrepo.NewBookingRepository(cfg)
	if err != nil {
		return fmt.Errorf("wire booking repository: %w", err)
	}
	interpreters, err := tomlrepo.NewInterpreterRepository(cfg)
	if err != nil {
		return fmt.Errorf("wire interpreter repository: %w", err)
	}
	policyRepo, err := tomlrepo.NewPolicyRepository(cfg)
	if err != nil {
		return fmt.Errorf("wire policy repository: %w", err)
	}
	poolRepo, err := tomlrepo.NewPoolRepository(cfg)
	if err != nil {
		return fmt.Errorf("wire pool repository: %w", err)
	}

	db, err := sqlrepo.Open(cfg)
	if err != nil {
		return fmt.Errorf("wire audit store: %w", err)
	}
	a.closers = append(a.closers, func() error { return sqlrepo.Close(db) })

	locker, err := a.wireLocker(ctx, cfg)
	if err != nil {
		return errors.Join(err, a.Close())
	}
	notifier, err := a.wireNotifier(cfg, log)
	if err != nil {
		return errors.Join(err, a.Close())
	}

	clock := ports.SystemClock{}
	policies := application.NewPolicyService(policyRepo, clock, log)
	pool := application.NewPoolService(poolRepo, policies, clock, log)
	monitor := application.NewMonitor(sqlrepo.NewAuditRepository(db), bookings, poolRepo, policies, clock)
	conflicts := application.NewConflictDetector(bookings)
	executor := application.NewExecutor(application.ExecutorDeps{
		Bookings:     bookings,
		Interpreters: interpreters,
		Policies:     policies,
		Conflicts:    conflicts,
		Scoring:      application.NewScoringEngine(bookings, conflicts, clock, application.DefaultDROverride),
		Pool:         pool,
		Locker:       locker,
		Notifier:     notifier,
		Monitor:      monitor,
		Clock:        clock,
		Log:          log,
	}, application.ExecutorConfig{LockTimeout: config.LockTimeout(cfg)})
	scheduler := application.NewScheduler(bookings, policies, pool, executor, monitor, clock, log, application.SchedulerConfig{
		CustomInterval: cfg.GetDuration("scheduler.custom_interval"),
		Horizon:        config.Horizon(cfg),
		Concurrency:    cfg.GetInt("scheduler.concurrency"),
	})
	scheduler.SubscribePolicy()

	a.cfg = cfg
	a.log = log
	a.bookings = bookings
	a.policyFile = policyRepo.Path()
	a.policies = policies
	a.pool = pool
	a.executor = executor
	a.scheduler = scheduler
	a.monitor = monitor
	a.renderPool = dashboard.RenderPool
	a.renderHealth = dashboard.RenderHealth
	a.renderStatus = dashboard.RenderStatus
	a.now = time.Now

	return nil
}

func (a *app) wireLocker(ctx context.Context, cfg *viper.Viper) (ports.Locker, error) {
	if cfg.GetString("lock.backend") != "redis" {
		return memory.NewLocker(), nil
	}

	client, err := redislock.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("wire redis locker: %w", err)
	}
	a.closers = append(a.closers, client.Close)

	return redislock.NewLocker(client), nil
}

func (a *app) wireNotifier(cfg *viper.Viper, log logrus.FieldLogger) (ports.Notifier, error) {
	logged := notify.NewLogNotifier(log)
	if cfg.GetString("notify.backend") != "amqp" {
		return logged, nil
	}

	publisher, err := amqpnotify.NewPublisher(cfg)
	if err != nil {
		return nil, fmt.Errorf("wire amqp notifier: %w", err)
	}
	a.closers = append(a.closers, publisher.Close)

	return notify.Fanout{logged, publisher}, nil
}

// Close releases connections in reverse wiring order. Safe to call twice.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil

	return errors.Join(errs...)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
