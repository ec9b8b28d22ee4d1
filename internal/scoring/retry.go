package scoring

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/GooGuTeam/g0v0-server/internal/domain"
)

const maxParkedRecords = 1024

// RetryQueue parks match records the store rejected so a scheduled flush can
// land them once the database is back. The queue is bounded; under sustained
// storage failure the oldest records are dropped first.
type RetryQueue struct {
	mu     sync.Mutex
	parked []domain.MatchRecord
	store  ResultStore
	log    zerolog.Logger
}

func NewRetryQueue(store ResultStore, log zerolog.Logger) *RetryQueue {
	return &RetryQueue{
		store: store,
		log:   log.With().Str("component", "result-retry").Logger(),
	}
}

func (q *RetryQueue) Enqueue(rec domain.MatchRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.parked) >= maxParkedRecords {
		q.log.Error().Str("instance", q.parked[0].InstanceID).Msg("retry queue full, dropping oldest record")
		q.parked = q.parked[1:]
	}
	q.parked = append(q.parked, rec)
}

func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.parked)
}

// Flush retries every parked record once. Records that fail again go back to
// the queue in their original order.
func (q *RetryQueue) Flush(ctx context.Context) {
	q.mu.Lock()
	pending := q.parked
	q.parked = nil
	q.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	var failed []domain.MatchRecord
	for _, rec := range pending {
		if err := q.store.PersistResults(ctx, rec); err != nil {
			failed = append(failed, rec)
			continue
		}
		q.log.Info().Str("instance", rec.InstanceID).Msg("parked record persisted")
	}

	if len(failed) > 0 {
		q.mu.Lock()
		q.parked = append(failed, q.parked...)
		q.mu.Unlock()
	}
}
