package queue

import (
	"context"
	"log/slog"
	"strings"
)

// Broker hands out jobs and takes back their acknowledgements. GetJob
// blocks until a job is available or the context is done.
type Broker interface {
	GetJob(ctx context.Context) (*Job, error)
	Notify(ctx context.Context, job *Job) error
}

// IsDeadlock reports whether a broker transport error is the retryable
// deadlock condition. The broker signals it only through the error
// wording.
func IsDeadlock(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "deadlock")
}

// NotifyRetry acknowledges a job, retrying for as long as the broker
// reports deadlocks. Any other error propagates.
func NotifyRetry(ctx context.Context, b Broker, job *Job, logger *slog.Logger) error {
	for {
		err := b.Notify(ctx, job)
		if err == nil {
			return nil
		}
		if !IsDeadlock(err) {
			return err
		}
		logger.Error("deadlock error on notify, retrying", "job", job.String(), "error", err)
	}
}

// GetJobRetry fetches a job, retrying for as long as the broker reports
// deadlocks. Any other error propagates.
func GetJobRetry(ctx context.Context, b Broker, logger *slog.Logger) (*Job, error) {
	for {
		job, err := b.GetJob(ctx)
		if err == nil {
			return job, nil
		}
		if !IsDeadlock(err) {
			return nil, err
		}
		logger.Error("deadlock error on get_job, retrying", "error", err)
	}
}
