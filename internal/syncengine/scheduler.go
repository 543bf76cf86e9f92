package syncengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var ErrLockNotObtained = errors.New("lock held by another instance")

// Locker guards jobs that must run on a single instance at a time.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

type RedisLocker struct {
	client *redislock.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: redislock.New(client)}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLockNotObtained
	}
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		err := lock.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			return nil
		}
		return err
	}, nil
}

// Job is one periodic task. Singleton jobs take the scheduler's lock first
// and are skipped on instances that lose the race.
type Job struct {
	Name      string
	Spec      string
	Singleton bool
	Timeout   time.Duration
	Run       func(ctx context.Context) error
}

type SchedulerOptions struct {
	Logger   logrus.FieldLogger
	Locker   Locker
	LockTTL  time.Duration
	Location *time.Location
}

type Scheduler struct {
	cron    *cron.Cron
	logger  logrus.FieldLogger
	locker  Locker
	lockTTL time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewScheduler(opts SchedulerOptions) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "scheduler")
	location := opts.Location
	if location == nil {
		location = time.UTC
	}
	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = 10 * time.Minute
	}
	cronLog := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(location),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.SkipIfStillRunning(cronLog), cron.Recover(cronLog)),
		),
		logger:  logger,
		locker:  opts.Locker,
		lockTTL: lockTTL,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Scheduler) Add(job Job) error {
	if strings.TrimSpace(job.Name) == "" || job.Run == nil {
		return invalidInputf("job needs a name and a run func")
	}
	if strings.TrimSpace(job.Spec) == "" || job.Spec == "-" {
		s.logger.WithField("job", job.Name).Info("job disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(job.Spec, func() { s.run(job) }); err != nil {
		return fmt.Errorf("schedule %s (%q): %w", job.Name, job.Spec, err)
	}
	return nil
}

func (s *Scheduler) run(job Job) {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	logger := s.logger.WithField("job", job.Name)
	if job.Singleton && s.locker != nil {
		release, err := s.locker.Obtain(ctx, "clubsync:job:"+job.Name, s.lockTTL)
		if errors.Is(err, ErrLockNotObtained) {
			logger.Debug("job running on another instance")
			return
		}
		if err != nil {
			logger.WithError(err).Warn("could not obtain job lock")
			return
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				logger.WithError(err).Warn("failed to release job lock")
			}
		}()
	}
	started := time.Now()
	if err := job.Run(ctx); err != nil {
		logger.WithError(err).Error("job failed")
		return
	}
	logger.WithField("elapsed", time.Since(started).String()).Debug("job finished")
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs, cancels running ones and waits for them.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	s.cancel()
	<-done.Done()
}

type cronLogger struct {
	logger logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(cronFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(cronFields(keysAndValues)).WithError(err).Error(msg)
}

func cronFields(keysAndValues []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}

type JobSpecs struct {
	NotificationDrain string
	StaleRelease      string
	RecoverDue        string
	Digest            string
	HealthCheck       string
}

func DefaultJobSpecs() JobSpecs {
	return JobSpecs{
		NotificationDrain: "@every 15s",
		StaleRelease:      "@every 1m",
		RecoverDue:        "@every 30s",
		Digest:            "0 0 9 * * MON",
		HealthCheck:       "@every 5m",
	}
}

// EngineJobs wires the periodic work of the engine. Nil components are
// skipped.
func EngineJobs(specs JobSpecs, orchestrator *Orchestrator, processor *NotificationProcessor, planner *NotificationPlanner) []Job {
	jobs := make([]Job, 0, 5)
	if processor != nil {
		jobs = append(jobs,
			Job{Name: "notification-drain", Spec: specs.NotificationDrain, Run: func(ctx context.Context) error {
				_, err := processor.Drain(ctx)
				return err
			}},
			Job{Name: "notification-release-stale", Spec: specs.StaleRelease, Run: func(ctx context.Context) error {
				_, err := processor.ReleaseStale(ctx)
				return err
			}},
		)
	}
	if orchestrator != nil {
		jobs = append(jobs,
			Job{Name: "sync-recover-due", Spec: specs.RecoverDue, Run: func(ctx context.Context) error {
				_, err := orchestrator.RecoverDue(ctx)
				return err
			}},
			Job{Name: "target-health", Spec: specs.HealthCheck, Timeout: time.Minute, Run: func(ctx context.Context) error {
				for _, health := range orchestrator.HealthCheck(ctx) {
					if !health.Healthy {
						orchestrator.logger.WithFields(logrus.Fields{
							"target": health.Target,
							"error":  health.Error,
						}).Warn("target health check failed")
					}
				}
				return nil
			}},
		)
	}
	if planner != nil {
		jobs = append(jobs, Job{Name: "weekly-digest", Spec: specs.Digest, Singleton: true, Run: func(ctx context.Context) error {
			_, err := planner.PlanDigest(ctx)
			return err
		}})
	}
	return jobs
}
