package scoring

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/GooGuTeam/g0v0-server/internal/domain"
	"github.com/GooGuTeam/g0v0-server/internal/multi"
)

// BeatmapResolver turns a beatmap reference into the metadata scoring needs.
type BeatmapResolver interface {
	Resolve(ctx context.Context, ref domain.BeatmapRef) (domain.BeatmapMetadata, error)
}

// ScoreComputer calculates a performance value for one play-through.
type ScoreComputer interface {
	Compute(ctx context.Context, meta domain.BeatmapMetadata, ruleset domain.RulesetID, result domain.PlayResult) (float64, error)
}

// ResultStore persists finished match records.
type ResultStore interface {
	PersistResults(ctx context.Context, rec domain.MatchRecord) error
}

// Service finalizes finished match instances: it enriches each result with a
// performance value and persists the whole record. It runs off the room
// actors, so a slow scoring backend only delays its own match.
type Service struct {
	resolver BeatmapResolver
	computer ScoreComputer
	store    ResultStore
	retry    *RetryQueue
	log      zerolog.Logger
}

func NewService(resolver BeatmapResolver, computer ScoreComputer, store ResultStore, retry *RetryQueue, log zerolog.Logger) *Service {
	return &Service{
		resolver: resolver,
		computer: computer,
		store:    store,
		retry:    retry,
		log:      log.With().Str("component", "scoring").Logger(),
	}
}

// Finalize never fails the match: a scoring error marks the affected result
// instead of discarding it, and a storage error parks the record for the
// retry flusher. The room gets its results back either way.
func (s *Service) Finalize(ctx context.Context, req multi.FinalizeRequest) []domain.PlayResult {
	results := append([]domain.PlayResult(nil), req.Results...)

	meta, err := s.resolver.Resolve(ctx, req.Beatmap)
	if err != nil {
		s.log.Warn().Err(err).Int64("beatmap", req.Beatmap.ID).Msg("beatmap resolution failed, scoring degraded")
		for i := range results {
			if results[i].Status != domain.StatusAborted {
				results[i].ScoringFailed = true
			}
		}
	} else {
		for i := range results {
			if results[i].Status == domain.StatusAborted {
				continue
			}
			perf, err := s.computer.Compute(ctx, meta, req.Ruleset, results[i])
			if err != nil {
				s.log.Warn().Err(err).Int64("user", results[i].UserID).Msg("score computation failed")
				results[i].ScoringFailed = true
				continue
			}
			results[i].Performance = perf
		}
	}

	rec := domain.MatchRecord{
		InstanceID: req.InstanceID.String(),
		RoomID:     req.RoomID,
		Beatmap:    req.Beatmap,
		Ruleset:    req.Ruleset,
		Results:    results,
	}
	if err := s.store.PersistResults(ctx, rec); err != nil {
		s.log.Error().Err(err).Str("instance", rec.InstanceID).Msg("persist failed, queued for retry")
		s.retry.Enqueue(rec)
	}

	return results
}
