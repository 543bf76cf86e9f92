package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type OrchestratorOptions struct {
	Store    Store
	Entities EntityStore
	Adapters []TargetAdapter
	Queue    IntentQueue
	Log      *IntegrationLog
	Logger   logrus.FieldLogger
	Metrics  *Metrics
	Retry    RetryPolicy

	Workers           int
	TargetConcurrency int
	ClaimLease        time.Duration
	CallTimeout       time.Duration
	ClaimedRetryDelay time.Duration
	WorkerID          string
	DisableWorkers    bool
	Now               func() time.Time
}

// Orchestrator drives every (entity, target) pair towards the entity's
// current state. The store row is the source of truth; queued intents only
// say which pair to look at next.
type Orchestrator struct {
	store    Store
	entities EntityStore
	adapters map[SyncTarget]TargetAdapter
	queue    IntentQueue
	log      *IntegrationLog
	logger   logrus.FieldLogger
	metrics  *Metrics
	retry    RetryPolicy
	now      func() time.Time

	workers           int
	claimLease        time.Duration
	callTimeout       time.Duration
	claimedRetryDelay time.Duration
	workerID          string
	disableWorkers    bool

	queueMu sync.Mutex
	queued  map[string]struct{}

	semMu             sync.Mutex
	targetConcurrency int
	targetSemaphores  map[SyncTarget]chan struct{}

	unsubscribe func()
	startOnce   sync.Once
	closeOnce   sync.Once
	closed      chan struct{}
	queueCtx    context.Context
	queueCancel context.CancelFunc
	wg          sync.WaitGroup
}

func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Store == nil || opts.Entities == nil {
		return nil, fmt.Errorf("%w: orchestrator needs a store and an entity store", ErrInvalidInput)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	queue := opts.Queue
	if queue == nil {
		queue = NewInMemoryIntentQueue(1024)
	}
	integrationLog := opts.Log
	if integrationLog == nil {
		integrationLog = NewIntegrationLog(opts.Store, logger)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	targetConcurrency := opts.TargetConcurrency
	if targetConcurrency <= 0 {
		targetConcurrency = 2
	}
	claimLease := opts.ClaimLease
	if claimLease <= 0 {
		claimLease = 5 * time.Minute
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultAdapterTimeout
	}
	claimedRetryDelay := opts.ClaimedRetryDelay
	if claimedRetryDelay <= 0 {
		claimedRetryDelay = 5 * time.Second
	}
	workerID := strings.TrimSpace(opts.WorkerID)
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	adapters := map[SyncTarget]TargetAdapter{}
	for _, adapter := range opts.Adapters {
		if adapter == nil || adapter.Target() == "" {
			continue
		}
		adapters[adapter.Target()] = adapter
	}
	queueCtx, queueCancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		store:             opts.Store,
		entities:          opts.Entities,
		adapters:          adapters,
		queue:             queue,
		log:               integrationLog,
		logger:            logger.WithField("component", "orchestrator"),
		metrics:           opts.Metrics,
		retry:             opts.Retry.normalized(),
		now:               now,
		workers:           workers,
		claimLease:        claimLease,
		callTimeout:       callTimeout,
		claimedRetryDelay: claimedRetryDelay,
		workerID:          workerID,
		disableWorkers:    opts.DisableWorkers,
		queued:            map[string]struct{}{},
		targetConcurrency: targetConcurrency,
		targetSemaphores:  map[SyncTarget]chan struct{}{},
		closed:            make(chan struct{}),
		queueCtx:          queueCtx,
		queueCancel:       queueCancel,
	}
	if snapshotter, ok := queue.(intentQueueSnapshotter); ok {
		for _, intent := range snapshotter.SnapshotIntents() {
			o.queued[intent.Key()] = struct{}{}
		}
	}
	return o, nil
}

// Start subscribes to entity changes, launches the workers and re-enqueues
// pending pairs left over from a previous run.
func (o *Orchestrator) Start(ctx context.Context) error {
	var err error
	o.startOnce.Do(func() {
		o.unsubscribe = o.entities.Subscribe(func(ctx context.Context, ref EntityRef) {
			if _, changeErr := o.OnEntityChanged(ctx, ref); changeErr != nil {
				o.logger.WithError(changeErr).WithField("entity", ref.String()).Error("failed to fan out entity change")
			}
		})
		if o.disableWorkers {
			return
		}
		o.wg.Add(o.workers)
		for i := 0; i < o.workers; i++ {
			go func() {
				defer o.wg.Done()
				o.worker()
			}()
		}
		_, err = o.RecoverDue(ctx)
	})
	return err
}

func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		close(o.closed)
		if o.unsubscribe != nil {
			o.unsubscribe()
		}
		o.queueCancel()
		o.wg.Wait()
		_ = o.queue.Close()
	})
}

func (o *Orchestrator) Targets() []SyncTarget {
	targets := make([]SyncTarget, 0, len(o.adapters))
	for target := range o.adapters {
		targets = append(targets, target)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	return targets
}

// OnEntityChanged marks every applicable target pending for an upsert and
// every target that no longer applies, but still holds a remote copy, for
// a delete. Failed pairs are left for an operator.
func (o *Orchestrator) OnEntityChanged(ctx context.Context, ref EntityRef) ([]SyncState, error) {
	return o.markEntity(ctx, ref, "", false)
}

// TriggerManualSync re-syncs one target, or all of them when target is
// empty, re-opening failed pairs with a fresh attempt budget.
func (o *Orchestrator) TriggerManualSync(ctx context.Context, ref EntityRef, target SyncTarget) ([]SyncState, error) {
	if target != "" {
		if _, ok := o.adapters[target]; !ok {
			return nil, invalidInputf("target %s is not configured", target)
		}
	}
	return o.markEntity(ctx, ref, target, true)
}

func (o *Orchestrator) markEntity(ctx context.Context, ref EntityRef, only SyncTarget, force bool) ([]SyncState, error) {
	if !ref.Valid() {
		return nil, invalidInputf("entity reference %q is not valid", ref.String())
	}
	entity, err := o.entities.Get(ctx, ref)
	switch {
	case errors.Is(err, ErrNotFound):
		entity = Entity{Ref: ref, Deleted: true}
	case err != nil:
		return nil, fmt.Errorf("failed to load %s: %w", ref, err)
	}
	existing, err := o.store.ListSyncStates(ctx, ref)
	if err != nil {
		return nil, err
	}
	byTarget := make(map[SyncTarget]SyncState, len(existing))
	for _, state := range existing {
		byTarget[state.Target] = state
	}

	actions := map[SyncTarget]SyncAction{}
	for _, target := range entity.Targets() {
		if _, ok := o.adapters[target]; ok {
			actions[target] = ActionUpsert
		}
	}
	for target, state := range byTarget {
		if _, wanted := actions[target]; wanted || state.Status == StatusDeleted {
			continue
		}
		if state.ExternalID != "" || entity.Deleted {
			actions[target] = ActionDelete
		}
	}
	if only != "" {
		action, ok := actions[only]
		actions = map[SyncTarget]SyncAction{}
		if ok {
			actions[only] = action
		}
	}

	targets := make([]SyncTarget, 0, len(actions))
	for target := range actions {
		targets = append(targets, target)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })

	now := o.now()
	marked := make([]SyncState, 0, len(targets))
	for _, target := range targets {
		state, err := o.store.MarkSyncPending(ctx, MarkPendingRequest{
			Entity: ref,
			Target: target,
			Action: actions[target],
			Force:  force,
			Now:    now,
		})
		if errors.Is(err, ErrInvalidState) {
			o.logger.WithFields(logrus.Fields{
				"entity": ref.String(),
				"target": target,
				"status": state.Status,
			}).Debug("skipping pair that needs an operator")
			continue
		}
		if err != nil {
			return marked, err
		}
		marked = append(marked, state)
		o.enqueue(SyncIntent{Entity: ref, Target: target, EnqueuedAt: now})
	}
	return marked, nil
}

func (o *Orchestrator) GetSyncStatus(ctx context.Context, ref EntityRef) ([]SyncState, error) {
	if !ref.Valid() {
		return nil, invalidInputf("entity reference %q is not valid", ref.String())
	}
	return o.store.ListSyncStates(ctx, ref)
}

func (o *Orchestrator) ListFailed(ctx context.Context, limit int) ([]SyncState, error) {
	return o.store.ListSyncStatesByStatus(ctx, StatusFailed, limit)
}

// RecoverDue re-enqueues pending pairs whose backoff elapsed and whose claim
// is free or expired. It covers intents lost with a crashed process.
func (o *Orchestrator) RecoverDue(ctx context.Context) (int, error) {
	due, err := o.store.ListDueSyncStates(ctx, o.now(), 500)
	if err != nil {
		return 0, err
	}
	for _, state := range due {
		o.enqueue(SyncIntent{Entity: state.Entity, Target: state.Target, EnqueuedAt: o.now()})
	}
	if len(due) > 0 {
		o.logger.WithField("count", len(due)).Info("re-enqueued due sync pairs")
	}
	return len(due), nil
}

type TargetHealth struct {
	Target  SyncTarget `json:"target"`
	Healthy bool       `json:"healthy"`
	Error   string     `json:"error,omitempty"`
}

// HealthCheck checks every configured adapter in parallel.
func (o *Orchestrator) HealthCheck(ctx context.Context) []TargetHealth {
	targets := o.Targets()
	results := make([]TargetHealth, len(targets))
	var g errgroup.Group
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
			defer cancel()
			err := o.adapters[target].HealthCheck(callCtx)
			results[i] = TargetHealth{Target: target, Healthy: err == nil}
			if err != nil {
				results[i].Error = errorMessage(err)
			}
			o.metrics.setTargetHealth(target, err == nil)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (o *Orchestrator) enqueue(intent SyncIntent) {
	if !intent.valid() {
		return
	}
	select {
	case <-o.closed:
		return
	default:
	}
	key := intent.Key()
	o.queueMu.Lock()
	if _, exists := o.queued[key]; exists {
		o.queueMu.Unlock()
		return
	}
	o.queued[key] = struct{}{}
	o.queueMu.Unlock()
	defer o.metrics.setQueueDepth(o.queue.Depth())
	if o.queue.TryEnqueue(intent) {
		return
	}
	go func() {
		if !o.queue.Enqueue(o.queueCtx, intent) {
			o.queueMu.Lock()
			delete(o.queued, key)
			o.queueMu.Unlock()
		}
	}()
}

func (o *Orchestrator) scheduleIntent(intent SyncIntent, delay time.Duration) {
	if delay <= 0 {
		o.enqueue(intent)
		return
	}
	time.AfterFunc(delay, func() {
		select {
		case <-o.closed:
			return
		default:
			o.enqueue(intent)
		}
	})
}

func (o *Orchestrator) worker() {
	for {
		intent, ok := o.queue.Dequeue(o.queueCtx)
		if !ok {
			return
		}
		o.queueMu.Lock()
		delete(o.queued, intent.Key())
		o.queueMu.Unlock()
		o.metrics.setQueueDepth(o.queue.Depth())
		o.runIntent(intent)
	}
}

// runIntent isolates a panicking attempt. The claim stays until its lease
// runs out and the recovery sweep picks the pair up again.
func (o *Orchestrator) runIntent(intent SyncIntent) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.WithFields(logrus.Fields{
				"entity": intent.Entity.String(),
				"target": intent.Target,
				"panic":  fmt.Sprint(r),
			}).Error("sync worker panicked")
		}
	}()
	release := o.acquireTargetSlot(intent.Target)
	defer release()
	if err := o.ProcessIntent(o.queueCtx, intent); err != nil && !errors.Is(err, context.Canceled) {
		o.logger.WithError(err).WithFields(logrus.Fields{
			"entity": intent.Entity.String(),
			"target": intent.Target,
		}).Warn("sync intent failed")
	}
}

func (o *Orchestrator) acquireTargetSlot(target SyncTarget) func() {
	o.semMu.Lock()
	sem, ok := o.targetSemaphores[target]
	if !ok {
		sem = make(chan struct{}, o.targetConcurrency)
		o.targetSemaphores[target] = sem
	}
	o.semMu.Unlock()
	select {
	case sem <- struct{}{}:
		return func() { <-sem }
	case <-o.closed:
		return func() {}
	}
}

// ProcessIntent performs one attempt for the pair if it is pending and due.
// Adapter failures are recorded on the row, not returned; the error result
// is reserved for store and entity-store failures.
func (o *Orchestrator) ProcessIntent(ctx context.Context, intent SyncIntent) error {
	now := o.now()
	state, err := o.store.GetSyncState(ctx, intent.Entity, intent.Target)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if state.Status != StatusPending {
		return nil
	}
	if state.NextAttemptAt != nil && state.NextAttemptAt.After(now) {
		o.scheduleIntent(intent, state.NextAttemptAt.Sub(now))
		return nil
	}
	adapter, ok := o.adapters[intent.Target]
	if !ok {
		return nil
	}

	claimed, err := o.store.ClaimSyncState(ctx, intent.Entity, intent.Target, o.workerID, now, o.claimLease)
	switch {
	case errors.Is(err, ErrClaimed):
		o.scheduleIntent(intent, o.claimedRetryDelay)
		return nil
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrNotFound):
		return nil
	case err != nil:
		return err
	}

	entity, err := o.entities.Get(ctx, intent.Entity)
	switch {
	case errors.Is(err, ErrNotFound):
		entity = Entity{Ref: intent.Entity, Deleted: true}
	case err != nil:
		_ = o.store.ReleaseSyncClaim(ctx, intent.Entity, intent.Target, o.workerID)
		o.scheduleIntent(intent, o.claimedRetryDelay)
		return fmt.Errorf("failed to load %s: %w", intent.Entity, err)
	}

	result := o.attempt(ctx, adapter, claimed, entity)
	merged, err := o.store.FinishSyncAttempt(ctx, o.workerID, result)
	if errors.Is(err, ErrClaimed) {
		o.logger.WithFields(logrus.Fields{
			"entity": intent.Entity.String(),
			"target": intent.Target,
		}).Warn("claim lost before the attempt finished")
		return nil
	}
	if err != nil {
		return err
	}
	if merged.Status == StatusPending {
		delay := time.Duration(0)
		if merged.NextAttemptAt != nil {
			delay = merged.NextAttemptAt.Sub(o.now())
		}
		o.scheduleIntent(intent, delay)
	}
	return nil
}

// attempt runs the remote operation for a claimed row and returns the row
// as it should be after the attempt.
func (o *Orchestrator) attempt(ctx context.Context, adapter TargetAdapter, state SyncState, entity Entity) SyncState {
	fields := logrus.Fields{
		"entity":  state.Entity.String(),
		"target":  state.Target,
		"attempt": state.AttemptCount + 1,
	}
	result := state
	now := o.now()
	result.LastAttemptAt = timePtr(now)

	var err error
	removing := entity.Deleted || !entity.appliesTo(state.Target)
	switch {
	case removing && state.ExternalID == "":
		// nothing was ever created remotely
	case removing:
		_, err = o.call(ctx, adapter, state, nil, LogDelete, func(ctx context.Context) (string, error) {
			return "", adapter.Delete(ctx, state.ExternalID)
		})
		if err == nil {
			result.ExternalID = ""
		}
	case state.ExternalID == "":
		var externalID string
		externalID, err = o.call(ctx, adapter, state, &entity, LogCreate, func(ctx context.Context) (string, error) {
			return adapter.Create(ctx, entity)
		})
		if err == nil {
			result.ExternalID = externalID
		}
	default:
		_, err = o.call(ctx, adapter, state, &entity, LogUpdate, func(ctx context.Context) (string, error) {
			return "", adapter.Update(ctx, state.ExternalID, entity)
		})
		if errors.Is(err, ErrNotFoundRemote) {
			var externalID string
			externalID, err = o.call(ctx, adapter, state, &entity, LogCreate, func(ctx context.Context) (string, error) {
				return adapter.Create(ctx, entity)
			})
			if err == nil {
				result.ExternalID = externalID
			}
		}
	}

	if err == nil {
		switch {
		case entity.Deleted:
			result.Status = StatusDeleted
		case removing:
			result.Status = StatusWithdrawn
		default:
			result.Status = StatusSynced
		}
		result.AttemptCount = 0
		result.LastError = ""
		result.LastErrorCode = ""
		result.LastSuccessAt = timePtr(now)
		result.NextAttemptAt = nil
		o.logger.WithFields(fields).WithField("status", result.Status).Debug("sync attempt succeeded")
		return result
	}

	attempt := state.AttemptCount + 1
	result.AttemptCount = attempt
	result.LastErrorCode = errorCode(err)
	result.LastError = errorMessage(err)
	kind := classifyError(err)
	retryable := kind == KindTransient || kind == KindRateLimited
	if retryable && !o.retry.Exhausted(attempt) {
		result.Status = StatusPending
		result.NextAttemptAt = timePtr(now.Add(o.retry.Delay(attempt, retryAfterOf(err))))
		o.logger.WithFields(fields).WithError(err).WithField("next_attempt_at", result.NextAttemptAt).Info("sync attempt failed, will retry")
		return result
	}

	result.Status = StatusFailed
	result.NextAttemptAt = nil
	reason := "rejected by target"
	if retryable {
		reason = fmt.Sprintf("gave up after %d attempts", attempt)
	}
	o.logger.WithFields(fields).WithError(err).Error("sync pair failed: " + reason)
	_, _ = o.log.Record(ctx, IntegrationLogEntry{
		Entity:       state.Entity,
		Target:       state.Target,
		Action:       pendingLogAction(state),
		Status:       LogWarning,
		ErrorMessage: truncateMessage(reason+": "+result.LastError, 1024),
	})
	return result
}

func pendingLogAction(state SyncState) LogAction {
	switch {
	case state.PendingAction == ActionDelete:
		return LogDelete
	case state.ExternalID == "":
		return LogCreate
	default:
		return LogUpdate
	}
}

// call invokes the adapter and, when the target reports expired credentials,
// refreshes them once and retries once. A second expiry is final.
func (o *Orchestrator) call(ctx context.Context, adapter TargetAdapter, state SyncState, entity *Entity, action LogAction, fn func(context.Context) (string, error)) (string, error) {
	externalID, err := o.invoke(ctx, state, entity, action, fn)
	if classifyError(err) != KindAuthExpired {
		return externalID, err
	}
	if refresher, ok := adapter.(CredentialRefresher); ok {
		if refreshErr := refresher.RefreshCredentials(ctx); refreshErr != nil {
			return "", &TargetError{Kind: KindRejected, Code: "credential_refresh_failed", Message: refreshErr.Error(), Err: refreshErr}
		}
	}
	externalID, err = o.invoke(ctx, state, entity, action, fn)
	if classifyError(err) == KindAuthExpired {
		return "", &TargetError{Kind: KindRejected, Code: errorCode(err), Message: "credentials rejected after refresh: " + errorMessage(err), Err: err}
	}
	return externalID, err
}

// invoke makes exactly one bounded adapter call and logs it.
func (o *Orchestrator) invoke(ctx context.Context, state SyncState, entity *Entity, action LogAction, fn func(context.Context) (string, error)) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	started := time.Now()
	externalID, err := fn(callCtx)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		var targetErr *TargetError
		if !errors.As(err, &targetErr) {
			err = &TargetError{Kind: KindTransient, Code: "timeout", Message: err.Error(), Err: err}
		}
	}

	entry := IntegrationLogEntry{
		Entity:          state.Entity,
		Target:          state.Target,
		Action:          action,
		Status:          LogSuccess,
		RequestSnapshot: requestSnapshot(state, entity),
	}
	outcome := "success"
	if err != nil {
		entry.Status = LogError
		entry.ErrorMessage = errorMessage(err)
		entry.ResponseSnapshot = snapshotJSON(map[string]string{"kind": string(classifyError(err)), "code": errorCode(err)})
		outcome = string(classifyError(err))
		if action == LogUpdate && errors.Is(err, ErrNotFoundRemote) {
			entry.Status = LogWarning
		}
	} else {
		id := externalID
		if id == "" {
			id = state.ExternalID
		}
		entry.ResponseSnapshot = snapshotJSON(map[string]string{"externalId": id})
	}
	_, _ = o.log.Record(context.WithoutCancel(ctx), entry)
	o.metrics.observeSync(state.Target, action, outcome, time.Since(started))
	return externalID, err
}

func requestSnapshot(state SyncState, entity *Entity) string {
	if entity == nil {
		return snapshotJSON(map[string]string{"externalId": state.ExternalID})
	}
	return snapshotJSON(entity)
}

func snapshotJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return truncateMessage(string(data), 8192)
}
