package jobstatus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/inventory"
	"github.com/warp/stock-ledger/logging"
)

type fakeRedis struct {
	sets      map[string]string
	ttls      map[string]time.Duration
	published []string
	setErr    error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{sets: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.sets[key] = string(value.([]byte))
	f.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Publish(_ context.Context, channel string, _ any) *redis.IntCmd {
	f.published = append(f.published, channel)
	return redis.NewIntResult(0, nil)
}

func sampleJob() inventory.ImportJob {
	return inventory.ImportJob{
		ID:           "job-1",
		Status:       inventory.ImportJobRunning,
		Total:        10,
		Processed:    4,
		SuccessCount: 3,
		ErrorCount:   1,
	}
}

func TestRedisPublisher_SetsAndPublishes(t *testing.T) {
	fake := newFakeRedis()
	p := newPublisher(fake, time.Hour, nil)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	require.NoError(t, p.Publish(context.Background(), sampleJob()))

	raw, ok := fake.sets["stock:import:job-1"]
	require.True(t, ok)
	assert.Equal(t, time.Hour, fake.ttls["stock:import:job-1"])
	assert.Equal(t, []string{"stock:import:job-1"}, fake.published)

	var got Status
	require.NoError(t, json.Unmarshal([]byte(raw), &got))
	assert.Equal(t, inventory.ImportJobRunning, got.Status)
	assert.Equal(t, 4, got.Processed)
	assert.Equal(t, 1, got.ErrorCount)
	assert.True(t, fixed.Equal(got.UpdatedAt))
}

func TestRedisPublisher_SetFailure_NotPublished(t *testing.T) {
	fake := newFakeRedis()
	fake.setErr = errors.New("connection refused")
	p := newPublisher(fake, 0, nil)

	err := p.Publish(context.Background(), sampleJob())
	require.Error(t, err)
	assert.Empty(t, fake.published)

	// observer swallows the error
	p.OnImportProgress(context.Background(), sampleJob())
}

func TestRedisPublisher_NilIsNoop(t *testing.T) {
	var p *RedisPublisher
	assert.NoError(t, p.Publish(context.Background(), sampleJob()))
	assert.NoError(t, p.Close())
}

func TestNewRedisPublisher_RejectsBadURL(t *testing.T) {
	_, err := NewRedisPublisher(context.Background(), "", time.Hour, nil)
	require.Error(t, err)

	_, err = NewRedisPublisher(context.Background(), "not-a-url://", time.Hour, nil)
	require.Error(t, err)
}

func TestLogObserver_WritesProgress(t *testing.T) {
	var buf bytes.Buffer
	o := NewLogObserver(logging.New(logging.Options{ServiceName: "test", Output: &buf}))

	o.OnImportProgress(context.Background(), sampleJob())

	out := buf.String()
	assert.Contains(t, out, `"job_id":"job-1"`)
	assert.Contains(t, out, `"processed":4`)
	assert.Contains(t, out, "import.progress")
}
