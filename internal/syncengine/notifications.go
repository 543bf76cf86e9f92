package syncengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const defaultNotificationBatch = 50

type NotificationProcessorOptions struct {
	Store       Store
	Mailer      Mailer
	Logger      logrus.FieldLogger
	Metrics     *Metrics
	Retry       RetryPolicy
	BatchSize   int
	Concurrency int
	ClaimLease  time.Duration
	SendTimeout time.Duration
	WorkerID    string
	Now         func() time.Time
}

// NotificationProcessor drains the notification queue. Rows are flipped to
// sending under a claim before the mailer is called, so concurrent passes
// never deliver the same row twice within one lease.
type NotificationProcessor struct {
	store       Store
	mailer      Mailer
	logger      logrus.FieldLogger
	metrics     *Metrics
	retry       RetryPolicy
	batchSize   int
	concurrency int
	claimLease  time.Duration
	sendTimeout time.Duration
	workerID    string
	now         func() time.Time
}

func NewNotificationProcessor(opts NotificationProcessorOptions) (*NotificationProcessor, error) {
	if opts.Store == nil || opts.Mailer == nil {
		return nil, fmt.Errorf("%w: notification processor needs a store and a mailer", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	retry := opts.Retry
	if retry.MaxAttempts <= 0 && retry.Base <= 0 && retry.Cap <= 0 {
		retry = DefaultNotificationRetryPolicy()
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultNotificationBatch
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	claimLease := opts.ClaimLease
	if claimLease <= 0 {
		claimLease = 5 * time.Minute
	}
	sendTimeout := opts.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = defaultAdapterTimeout
	}
	workerID := strings.TrimSpace(opts.WorkerID)
	if workerID == "" {
		workerID = "notifier-" + uuid.NewString()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &NotificationProcessor{
		store:       opts.Store,
		mailer:      opts.Mailer,
		logger:      logger.WithField("component", "notifications"),
		metrics:     opts.Metrics,
		retry:       retry,
		batchSize:   batchSize,
		concurrency: concurrency,
		claimLease:  claimLease,
		sendTimeout: sendTimeout,
		workerID:    workerID,
		now:         now,
	}, nil
}

type NotificationRunResult struct {
	Claimed int `json:"claimed"`
	Sent    int `json:"sent"`
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
}

// RunOnce claims one batch of due notifications and delivers it.
func (p *NotificationProcessor) RunOnce(ctx context.Context) (NotificationRunResult, error) {
	claimed, err := p.store.ClaimNotifications(ctx, p.workerID, p.now(), p.claimLease, p.batchSize)
	if err != nil {
		return NotificationRunResult{}, err
	}
	result := NotificationRunResult{Claimed: len(claimed)}
	if len(claimed) == 0 {
		return result, nil
	}

	// a store error on one row must not cancel sends already in flight for
	// the others, so the group shares the caller's context
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(p.concurrency)
	for _, n := range claimed {
		n := n
		g.Go(func() error {
			status, err := p.deliver(ctx, n)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			switch status {
			case NotificationSent:
				result.Sent++
			case NotificationPending:
				result.Retried++
			case NotificationFailed:
				result.Failed++
			}
			return nil
		})
	}
	err = g.Wait()
	return result, err
}

// Drain runs batches until the queue has nothing due.
func (p *NotificationProcessor) Drain(ctx context.Context) (NotificationRunResult, error) {
	var total NotificationRunResult
	for {
		result, err := p.RunOnce(ctx)
		total.Claimed += result.Claimed
		total.Sent += result.Sent
		total.Retried += result.Retried
		total.Failed += result.Failed
		if err != nil || result.Claimed < p.batchSize {
			return total, err
		}
	}
}

// deliver sends one claimed row and records the outcome. Only store errors
// are returned; mailer errors become retries or a failed row.
func (p *NotificationProcessor) deliver(ctx context.Context, n Notification) (NotificationStatus, error) {
	fields := logrus.Fields{
		"notification_id": n.ID,
		"kind":            n.Kind,
		"attempt":         n.AttemptCount + 1,
	}
	sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	sendErr := p.mailer.Send(sendCtx, n.Payload.To, n.Payload.Subject, n.Payload.HTML, n.Payload.Text)
	cancel()

	now := p.now()
	var (
		updated Notification
		err     error
	)
	if sendErr == nil {
		updated, err = p.store.MarkNotificationSent(ctx, n.ID, p.workerID, now)
		p.metrics.observeNotification(n.Kind, "sent")
	} else {
		attempt := n.AttemptCount + 1
		var retryAt *time.Time
		if !p.retry.Exhausted(attempt) {
			retryAt = timePtr(now.Add(p.retry.Delay(attempt, 0)))
		}
		updated, err = p.store.MarkNotificationFailed(ctx, n.ID, p.workerID, errorMessage(sendErr), retryAt, now)
		if retryAt == nil {
			p.logger.WithFields(fields).WithError(sendErr).Error("notification failed permanently")
			p.metrics.observeNotification(n.Kind, "failed")
		} else {
			p.logger.WithFields(fields).WithError(sendErr).WithField("retry_at", retryAt).Warn("notification delivery failed, will retry")
			p.metrics.observeNotification(n.Kind, "retry")
		}
	}
	if errors.Is(err, ErrClaimed) || errors.Is(err, ErrInvalidState) {
		p.logger.WithFields(fields).WithError(err).Warn("notification claim lost before delivery was recorded")
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return updated.Status, nil
}

// ReleaseStale returns rows whose sending claim expired to pending.
func (p *NotificationProcessor) ReleaseStale(ctx context.Context) (int, error) {
	released, err := p.store.ReleaseStaleNotifications(ctx, p.now())
	if err != nil {
		return 0, err
	}
	if released > 0 {
		p.logger.WithField("count", released).Warn("released stale notification claims")
	}
	return released, nil
}

func (p *NotificationProcessor) Get(ctx context.Context, id string) (Notification, error) {
	return p.store.GetNotification(ctx, id)
}

func (p *NotificationProcessor) List(ctx context.Context, filter NotificationFilter) ([]Notification, error) {
	return p.store.ListNotifications(ctx, filter)
}

// Cancel stops a pending notification. Other states report ErrInvalidState.
func (p *NotificationProcessor) Cancel(ctx context.Context, id string) (Notification, error) {
	n, err := p.store.CancelNotification(ctx, id, p.now())
	if err == nil {
		p.logger.WithField("notification_id", id).Info("notification cancelled")
	}
	return n, err
}

// Retry re-queues a failed notification with a fresh attempt budget.
func (p *NotificationProcessor) Retry(ctx context.Context, id string) (Notification, error) {
	n, err := p.store.RetryNotification(ctx, id, p.now())
	if err == nil {
		p.logger.WithField("notification_id", id).Info("notification re-queued")
	}
	return n, err
}
