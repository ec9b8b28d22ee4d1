package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GooGuTeam/g0v0-server/internal/domain"
)

var ErrUnexpectedDatabase = errors.New("unexpected database error")

type PostgresRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresRepo(ctx context.Context, connString string) (*PostgresRepo, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	return &PostgresRepo{pool: pool}, nil
}

func (repo *PostgresRepo) Close() {
	repo.pool.Close()
}

// PersistResults writes one finished match and all of its results in a
// single transaction. Re-persisting the same instance replaces the previous
// rows, which is what makes the retry flusher safe.
func (repo *PostgresRepo) PersistResults(ctx context.Context, rec domain.MatchRecord) error {
	tx, err := repo.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnexpectedDatabase, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO matches(instance_id, room_id, beatmap_id, beatmap_checksum, ruleset)
		VALUES($1, $2, $3, $4, $5)
		ON CONFLICT (instance_id) DO UPDATE SET finalized_at = now()`,
		rec.InstanceID, rec.RoomID, rec.Beatmap.ID, rec.Beatmap.Checksum, rec.Ruleset)
	if err != nil {
		return persistError(err)
	}

	_, err = tx.Exec(ctx, `DELETE FROM match_results WHERE instance_id = $1`, rec.InstanceID)
	if err != nil {
		return persistError(err)
	}

	rows := make([][]any, 0, len(rec.Results))
	for _, res := range rec.Results {
		hits, err := json.Marshal(res.Stats.Hits)
		if err != nil {
			return fmt.Errorf("encode hits: %w", err)
		}
		mods, err := json.Marshal(res.Mods)
		if err != nil {
			return fmt.Errorf("encode mods: %w", err)
		}
		rows = append(rows, []any{
			rec.InstanceID, res.UserID, res.Username, res.Status.String(),
			res.Stats.TotalScore, res.Stats.Accuracy, res.Stats.MaxCombo,
			hits, mods, res.Performance, res.ScoringFailed,
		})
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"match_results"},
		[]string{"instance_id", "user_id", "username", "status", "total_score", "accuracy", "max_combo", "hits", "mods", "performance", "scoring_failed"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return persistError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return persistError(err)
	}
	return nil
}

// RecordRoomEvent appends one room lifecycle event. The detail payload is
// free-form; whatever the room hands over lands as jsonb.
func (repo *PostgresRepo) RecordRoomEvent(ctx context.Context, roomID string, kind string, detail any) error {
	payload, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("encode event detail: %w", err)
	}

	_, err = repo.pool.Exec(ctx,
		`INSERT INTO room_events(room_id, kind, detail) VALUES($1, $2, $3)`,
		roomID, kind, payload)
	if err != nil {
		return persistError(err)
	}
	return nil
}

// PruneBefore deletes matches finalized before the cutoff, along with their
// results, and room events older than the cutoff.
func (repo *PostgresRepo) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := repo.pool.Exec(ctx, `DELETE FROM matches WHERE finalized_at < $1`, cutoff)
	if err != nil {
		return 0, persistError(err)
	}
	pruned := tag.RowsAffected()

	if _, err := repo.pool.Exec(ctx, `DELETE FROM room_events WHERE created_at < $1`, cutoff); err != nil {
		return pruned, persistError(err)
	}
	return pruned, nil
}

// MatchResultsFor returns the stored results of one instance, in slot order
// of insertion.
func (repo *PostgresRepo) MatchResultsFor(ctx context.Context, instanceID string) ([]domain.PlayResult, error) {
	rows, err := repo.pool.Query(ctx, `
		SELECT user_id, username, status, total_score, accuracy, max_combo, hits, mods, performance, scoring_failed
		FROM match_results WHERE instance_id = $1 ORDER BY id`, instanceID)
	if err != nil {
		return nil, persistError(err)
	}
	defer rows.Close()

	var results []domain.PlayResult
	for rows.Next() {
		var (
			res        domain.PlayResult
			status     string
			hits, mods []byte
		)
		if err := rows.Scan(&res.UserID, &res.Username, &status, &res.Stats.TotalScore, &res.Stats.Accuracy, &res.Stats.MaxCombo, &hits, &mods, &res.Performance, &res.ScoringFailed); err != nil {
			return nil, persistError(err)
		}
		res.Status = statusFromString(status)
		if len(hits) > 0 {
			if err := json.Unmarshal(hits, &res.Stats.Hits); err != nil {
				return nil, fmt.Errorf("decode hits: %w", err)
			}
		}
		if len(mods) > 0 {
			if err := json.Unmarshal(mods, &res.Mods); err != nil {
				return nil, fmt.Errorf("decode mods: %w", err)
			}
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

func statusFromString(s string) domain.CompletionStatus {
	switch s {
	case "completed":
		return domain.StatusCompleted
	case "failed":
		return domain.StatusFailed
	default:
		return domain.StatusAborted
	}
}

func persistError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnexpectedDatabase, err)
}
