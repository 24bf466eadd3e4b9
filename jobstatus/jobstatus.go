// Package jobstatus pushes import job progress to observers outside the
// engine: the process log and, when configured, Redis.
//
// Each update is written to stock:import:<job id> as JSON with a TTL and
// published on the channel of the same name, so a UI can either poll the
// key or subscribe.
package jobstatus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/stock-ledger/inventory"
	"github.com/warp/stock-ledger/logging"
)

const keyPrefix = "stock:import:"

// Key returns the Redis key and channel for a job.
func Key(jobID string) string {
	return keyPrefix + jobID
}

// Status is the payload stored and published for a job.
type Status struct {
	JobID        string                    `json:"job_id"`
	Status       inventory.ImportJobStatus `json:"status"`
	Total        int                       `json:"total"`
	Processed    int                       `json:"processed"`
	SuccessCount int                       `json:"success_count"`
	ErrorCount   int                       `json:"error_count"`
	Failure      string                    `json:"failure,omitempty"`
	UpdatedAt    time.Time                 `json:"updated_at"`
}

func statusOf(job inventory.ImportJob, now time.Time) Status {
	return Status{
		JobID:        job.ID,
		Status:       job.Status,
		Total:        job.Total,
		Processed:    job.Processed,
		SuccessCount: job.SuccessCount,
		ErrorCount:   job.ErrorCount,
		Failure:      job.Failure,
		UpdatedAt:    now.UTC(),
	}
}

// =============================================================================
// LOG OBSERVER
// =============================================================================

// LogObserver writes one log line per progress update.
type LogObserver struct {
	log *logging.Logger
}

var _ inventory.JobObserver = (*LogObserver)(nil)

func NewLogObserver(logg *logging.Logger) *LogObserver {
	if logg == nil {
		logg = logging.Nop()
	}
	return &LogObserver{log: logg}
}

func (o *LogObserver) OnImportProgress(ctx context.Context, job inventory.ImportJob) {
	o.log.Info(o.log.WithFields(ctx, map[string]any{
		"job_id":        job.ID,
		"status":        job.Status,
		"processed":     job.Processed,
		"total":         job.Total,
		"success_count": job.SuccessCount,
		"error_count":   job.ErrorCount,
	}), "import.progress")
}

// =============================================================================
// REDIS PUBLISHER
// =============================================================================

type cmdable interface {
	Set(context.Context, string, any, time.Duration) *redis.StatusCmd
	Publish(context.Context, string, any) *redis.IntCmd
}

// RedisPublisher mirrors job progress into Redis. Failures are logged and
// never reach the import itself.
type RedisPublisher struct {
	client cmdable
	raw    *redis.Client
	ttl    time.Duration
	log    *logging.Logger
	now    func() time.Time
}

var _ inventory.JobObserver = (*RedisPublisher)(nil)

// NewRedisPublisher connects to url and verifies the connection.
func NewRedisPublisher(ctx context.Context, url string, ttl time.Duration, logg *logging.Logger) (*RedisPublisher, error) {
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	raw := redis.NewClient(opts)
	if err := raw.Ping(ctx).Err(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	p := newPublisher(raw, ttl, logg)
	p.raw = raw
	return p, nil
}

func newPublisher(client cmdable, ttl time.Duration, logg *logging.Logger) *RedisPublisher {
	if logg == nil {
		logg = logging.Nop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisPublisher{client: client, ttl: ttl, log: logg, now: time.Now}
}

func (p *RedisPublisher) OnImportProgress(ctx context.Context, job inventory.ImportJob) {
	if err := p.Publish(ctx, job); err != nil {
		p.log.Warn(p.log.WithField(ctx, "job_id", job.ID), "job status not published", err)
	}
}

// Publish stores the job status and announces it on the job's channel.
func (p *RedisPublisher) Publish(ctx context.Context, job inventory.ImportJob) error {
	if p == nil || p.client == nil {
		return nil
	}
	payload, err := json.Marshal(statusOf(job, p.now()))
	if err != nil {
		return fmt.Errorf("encoding job status: %w", err)
	}
	key := Key(job.ID)
	if err := p.client.Set(ctx, key, payload, p.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	if err := p.client.Publish(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	if p == nil || p.raw == nil {
		return nil
	}
	return p.raw.Close()
}
