package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/referral-notifier/internal/domain"
	"github.com/bissquit/referral-notifier/internal/pkg/ctxlog"
	"golang.org/x/sync/errgroup"
)

// WorkerConfig contains worker configuration.
type WorkerConfig struct {
	BatchSize         int
	PollInterval      time.Duration
	NumWorkers        int
	Concurrency       int
	SendTimeout       time.Duration
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	MaxReportedErrors int
}

// DefaultWorkerConfig returns default worker configuration.
// The backoff defaults give 2^retryCount minutes between attempts.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:         100,
		PollInterval:      1 * time.Minute,
		NumWorkers:        1,
		Concurrency:       10,
		SendTimeout:       30 * time.Second,
		InitialBackoff:    2 * time.Minute,
		MaxBackoff:        24 * time.Hour,
		BackoffMultiplier: 2.0,
		MaxReportedErrors: 50,
	}
}

// ItemDispatcher delivers one claimed queue item.
type ItemDispatcher interface {
	Dispatch(ctx context.Context, item *QueueItem) (SendResult, error)
}

// ItemError describes a failed delivery attempt within a run.
type ItemError struct {
	ItemID    string         `json:"item_id"`
	Channel   domain.Channel `json:"channel"`
	EventType EventType      `json:"event_type"`
	Message   string         `json:"message"`
	Permanent bool           `json:"permanent"`
}

// RunResult summarizes one processing run. Released counts claimed items put
// back to pending because the run was cancelled before their delivery started.
type RunResult struct {
	Processed int         `json:"processed"`
	Sent      int         `json:"sent"`
	Retried   int         `json:"retried"`
	Failed    int         `json:"failed"`
	Released  int         `json:"released"`
	Errors    []ItemError `json:"errors"`
	// ErrorsDropped counts errors not listed in Errors because of the report limit.
	ErrorsDropped int `json:"errors_dropped"`
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeRetried
	outcomeFailed
	outcomeReleased
)

// Worker processes notifications from the queue.
type Worker struct {
	config     WorkerConfig
	repo       QueueRepository
	dispatcher ItemDispatcher
	now        func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker creates a new notification worker.
func NewWorker(config WorkerConfig, repo QueueRepository, dispatcher ItemDispatcher) *Worker {
	defaults := DefaultWorkerConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = defaults.NumWorkers
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = defaults.SendTimeout
	}
	if config.BackoffMultiplier < 1 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}

	return &Worker{
		config:     config,
		repo:       repo,
		dispatcher: dispatcher,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
}

// Start launches worker goroutines.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("starting notification worker",
		"workers", w.config.NumWorkers,
		"batch_size", w.config.BatchSize,
		"concurrency", w.config.Concurrency,
		"poll_interval", w.config.PollInterval,
	)

	for i := 0; i < w.config.NumWorkers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	slog.Info("notification worker stopped")
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			result, err := w.ProcessOnce(ctx)
			if err != nil {
				slog.Error("failed to process notification queue", "worker", workerID, "error", err)
				continue
			}
			if result.Processed > 0 {
				slog.Info("notification batch processed",
					"worker", workerID,
					"processed", result.Processed,
					"sent", result.Sent,
					"retried", result.Retried,
					"failed", result.Failed,
				)
			}
		}
	}
}

// ProcessOnce claims one batch of due items and delivers them.
// Per-item failures are reported in the result, never returned.
//
// Cancelling ctx stops the batch without costing any item an attempt: sends
// already started run to completion bounded by SendTimeout, and claimed items
// not yet started are released back to pending.
func (w *Worker) ProcessOnce(ctx context.Context) (*RunResult, error) {
	items, err := w.repo.ClaimDue(ctx, w.config.BatchSize, w.now())
	if err != nil {
		return nil, fmt.Errorf("claim due notifications: %w", err)
	}

	result := &RunResult{Errors: []ItemError{}}
	if len(items) == 0 {
		return result, nil
	}

	slog.Debug("processing notifications", "count", len(items))
	recordQueueProcessed(len(items))

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(w.config.Concurrency)

	for _, item := range items {
		g.Go(func() error {
			out, itemErr := w.processItem(ctx, item)

			mu.Lock()
			defer mu.Unlock()
			w.collect(result, item, out, itemErr)
			return nil
		})
	}
	_ = g.Wait()

	return result, nil
}

func (w *Worker) collect(result *RunResult, item *QueueItem, out outcome, err error) {
	result.Processed++
	switch out {
	case outcomeSent:
		result.Sent++
	case outcomeRetried:
		result.Retried++
	case outcomeFailed:
		result.Failed++
	case outcomeReleased:
		result.Released++
	}

	if err == nil {
		return
	}
	if w.config.MaxReportedErrors > 0 && len(result.Errors) >= w.config.MaxReportedErrors {
		result.ErrorsDropped++
		return
	}
	result.Errors = append(result.Errors, ItemError{
		ItemID:    item.ID,
		Channel:   item.Channel,
		EventType: item.EventType,
		Message:   err.Error(),
		Permanent: !isRetryable(err),
	})
}

func (w *Worker) processItem(ctx context.Context, item *QueueItem) (outcome, error) {
	start := time.Now()
	ctx = ctxlog.With(ctx, "item_id", item.ID, "channel", item.Channel)

	// Delivery and state updates outlive the run context.
	stateCtx := context.WithoutCancel(ctx)

	if ctx.Err() != nil {
		w.release(stateCtx, item)
		return outcomeReleased, nil
	}

	sendCtx, cancel := context.WithTimeout(stateCtx, w.config.SendTimeout)
	result, err := w.dispatch(sendCtx, item)
	cancel()

	if err != nil {
		return w.handleSendError(stateCtx, item, err), err
	}

	duration := time.Since(start)
	recordNotificationSent(item.Channel, "success")
	recordNotificationDuration(item.Channel, duration)

	if markErr := w.repo.MarkAsSent(stateCtx, item.ID, result.ProviderMessageID, w.now()); markErr != nil {
		ctxlog.FromContext(ctx).Error("delivered but failed to mark as sent", "error", markErr)
		return outcomeSent, fmt.Errorf("record sent state: %w", markErr)
	}

	ctxlog.FromContext(ctx).Debug("notification sent",
		"event_type", item.EventType,
		"duration", duration,
	)
	return outcomeSent, nil
}

func (w *Worker) release(ctx context.Context, item *QueueItem) {
	if err := w.repo.ReleaseClaim(ctx, item.ID); err != nil {
		ctxlog.FromContext(ctx).Error("failed to release claim", "error", err)
		return
	}
	ctxlog.FromContext(ctx).Debug("claim released, run cancelled before delivery")
}

func (w *Worker) dispatch(ctx context.Context, item *QueueItem) (result SendResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			ctxlog.FromContext(ctx).Error("panic while dispatching notification", "panic", r)
			err = fmt.Errorf("dispatch panicked: %v", r)
		}
	}()
	return w.dispatcher.Dispatch(ctx, item)
}

func (w *Worker) handleSendError(ctx context.Context, item *QueueItem, err error) outcome {
	retryCount := item.RetryCount + 1

	logger := ctxlog.FromContext(ctx)
	logger.Warn("send failed",
		"attempt", retryCount,
		"max_retries", item.MaxRetries,
		"error", err,
	)

	if !isRetryable(err) {
		w.markFailed(ctx, item, retryCount, err)
		return outcomeFailed
	}

	if retryCount >= item.MaxRetries {
		w.markFailed(ctx, item, retryCount, fmt.Errorf("max retries exceeded: %w", err))
		return outcomeFailed
	}

	nextAttempt := w.calculateNextAttempt(retryCount)
	if markErr := w.repo.MarkForRetry(ctx, item.ID, retryCount, err, nextAttempt); markErr != nil {
		logger.Error("failed to mark for retry", "error", markErr)
	}
	recordNotificationSent(item.Channel, "retry")

	logger.Info("notification scheduled for retry",
		"retry_count", retryCount,
		"next_attempt", nextAttempt,
	)
	return outcomeRetried
}

func (w *Worker) markFailed(ctx context.Context, item *QueueItem, retryCount int, err error) {
	if markErr := w.repo.MarkAsFailed(ctx, item.ID, retryCount, err, w.now()); markErr != nil {
		ctxlog.FromContext(ctx).Error("failed to mark as failed", "error", markErr)
	}
	recordNotificationSent(item.Channel, "failed")
}

// calculateNextAttempt returns when an item that failed retryCount times
// becomes due again.
func (w *Worker) calculateNextAttempt(retryCount int) time.Time {
	return w.now().Add(w.backoff(retryCount))
}

func (w *Worker) backoff(retryCount int) time.Duration {
	backoff := float64(w.config.InitialBackoff)
	for i := 1; i < retryCount; i++ {
		backoff *= w.config.BackoffMultiplier
		if backoff > float64(w.config.MaxBackoff) {
			break
		}
	}

	if backoff > float64(w.config.MaxBackoff) {
		backoff = float64(w.config.MaxBackoff)
	}

	return time.Duration(backoff)
}
