package payout_retry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rail-service/payout_service/internal/domain/entities"
	"github.com/rail-service/payout_service/pkg/logger"
)

type stubSource struct {
	records []*entities.RetryRecord
	err     error
	limit   int
}

func (s *stubSource) DueRetries(_ context.Context, _ time.Time, limit int) ([]*entities.RetryRecord, error) {
	s.limit = limit
	return s.records, s.err
}

type stubRunner struct {
	mu       sync.Mutex
	seen     []string
	inFlight atomic.Int32
	peak     atomic.Int32
	fail     map[string]bool
}

func (r *stubRunner) ProcessRetry(_ context.Context, rec *entities.RetryRecord) error {
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		peak := r.peak.Load()
		if n <= peak || r.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	r.mu.Lock()
	r.seen = append(r.seen, rec.InternalTransactionID)
	r.mu.Unlock()
	if r.fail[rec.InternalTransactionID] {
		return errors.New("provider unavailable")
	}
	return nil
}

func records(ids ...string) []*entities.RetryRecord {
	out := make([]*entities.RetryRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, &entities.RetryRecord{
			AttemptID:             uuid.New(),
			InternalTransactionID: id,
			Kind:                  entities.RetryKindDispatch,
		})
	}
	return out
}

func TestRunOnce_ProcessesEveryDueRecord(t *testing.T) {
	source := &stubSource{records: records("a", "b", "c", "d", "e")}
	runner := &stubRunner{fail: map[string]bool{"c": true}}
	p := NewProcessor(ProcessorConfig{BatchSize: 20, Concurrency: 2}, source, runner, logger.NewNop())

	n := p.RunOnce(context.Background())

	assert.Equal(t, 5, n)
	assert.Equal(t, 20, source.limit)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, runner.seen)
	assert.LessOrEqual(t, runner.peak.Load(), int32(2))
}

func TestRunOnce_SourceError(t *testing.T) {
	source := &stubSource{err: errors.New("db down")}
	runner := &stubRunner{}
	p := NewProcessor(DefaultProcessorConfig(), source, runner, logger.NewNop())

	assert.Zero(t, p.RunOnce(context.Background()))
	assert.Empty(t, runner.seen)
}

func TestRunOnce_CancelledContextSkipsBatch(t *testing.T) {
	source := &stubSource{records: records("a", "b")}
	runner := &stubRunner{}
	p := NewProcessor(DefaultProcessorConfig(), source, runner, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.RunOnce(ctx)
	assert.Empty(t, runner.seen)
}

func TestStartShutdown(t *testing.T) {
	p := NewProcessor(DefaultProcessorConfig(), &stubSource{}, &stubRunner{}, logger.NewNop())
	require.NoError(t, p.Start(context.Background()))
	assert.NoError(t, p.Shutdown(time.Second))
}

func TestStart_InvalidSchedule(t *testing.T) {
	p := NewProcessor(ProcessorConfig{Schedule: "not a schedule"}, &stubSource{}, &stubRunner{}, logger.NewNop())
	assert.Error(t, p.Start(context.Background()))
}
