package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-auth/internal/jobs"
)

// TaskSessionReap purges expired, never-revoked session records.
const TaskSessionReap = "session:reap"

// SessionReapPayload carries scheduling metadata.
type SessionReapPayload struct {
	RequestedAt time.Time `json:"requested_at"`
}

// NewSessionReapTask constructs the reaper task.
func NewSessionReapTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(SessionReapPayload{RequestedAt: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSessionReap, body, asynq.Queue(QueueMaintenance), asynq.MaxRetry(3), asynq.Unique(time.Hour)), nil
}

// SessionPurger deletes expired durable session records.
type SessionPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// SessionReapJob runs the purge on schedule.
type SessionReapJob struct {
	Sessions SessionPurger
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewSessionReapJob initialises the reaper handler.
func NewSessionReapJob(sessions SessionPurger, logger *slog.Logger, metrics *jobmetrics.Metrics) *SessionReapJob {
	return &SessionReapJob{Sessions: sessions, Logger: logger, Metrics: metrics}
}

// Handle executes the purge.
func (j *SessionReapJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Sessions == nil {
		return errors.New("session reap: handler not configured")
	}
	var payload SessionReapPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return errors.Join(asynq.SkipRetry, err)
		}
	}
	tracker := j.Metrics.Track(TaskSessionReap)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n, err := j.Sessions.PurgeExpired(ctx)
	if err != nil {
		logger.Error("session reap failed", slog.Any("error", err))
		return err
	}
	j.Metrics.AddReaped(n)
	logger.Info("session reap finished",
		slog.Int64("purged", n),
		slog.Time("requested_at", payload.RequestedAt))
	return nil
}
