package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/GooGuTeam/g0v0-server/internal/domain"
	"github.com/GooGuTeam/g0v0-server/internal/multi"
)

type MockBeatmapResolver struct {
	mock.Mock
}

func (m *MockBeatmapResolver) Resolve(ctx context.Context, ref domain.BeatmapRef) (domain.BeatmapMetadata, error) {
	args := m.Called(ctx, ref)
	return args.Get(0).(domain.BeatmapMetadata), args.Error(1)
}

type MockScoreComputer struct {
	mock.Mock
}

func (m *MockScoreComputer) Compute(ctx context.Context, meta domain.BeatmapMetadata, ruleset domain.RulesetID, result domain.PlayResult) (float64, error) {
	args := m.Called(ctx, meta, ruleset, result)
	return args.Get(0).(float64), args.Error(1)
}

type MockResultStore struct {
	mock.Mock
}

func (m *MockResultStore) PersistResults(ctx context.Context, rec domain.MatchRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func finalizeRequest() multi.FinalizeRequest {
	return multi.FinalizeRequest{
		RoomID:     "room1",
		InstanceID: uuid.New(),
		Beatmap:    domain.BeatmapRef{ID: 42, Checksum: "abcd"},
		Ruleset:    0,
		Results: []domain.PlayResult{
			{UserID: 1, Username: "alice", Status: domain.StatusCompleted, Stats: domain.PlayStats{TotalScore: 800000, Accuracy: 0.97}},
			{UserID: 2, Username: "bob", Status: domain.StatusFailed, Stats: domain.PlayStats{TotalScore: 90000, Accuracy: 0.64}},
			{UserID: 3, Username: "carol", Status: domain.StatusAborted},
		},
	}
}

func TestFinalizeEnrichesAndPersists(t *testing.T) {
	resolver := &MockBeatmapResolver{}
	computer := &MockScoreComputer{}
	store := &MockResultStore{}
	retry := NewRetryQueue(store, zerolog.Nop())
	svc := NewService(resolver, computer, store, retry, zerolog.Nop())

	req := finalizeRequest()
	meta := domain.BeatmapMetadata{ID: 42, Title: "test map", StarRating: 5.4, MaxCombo: 1200}
	resolver.On("Resolve", mock.Anything, req.Beatmap).Return(meta, nil)
	computer.On("Compute", mock.Anything, meta, req.Ruleset, req.Results[0]).Return(312.5, nil)
	computer.On("Compute", mock.Anything, meta, req.Ruleset, req.Results[1]).Return(14.1, nil)
	store.On("PersistResults", mock.Anything, mock.Anything).Return(nil)

	out := svc.Finalize(context.Background(), req)

	require.Len(t, out, 3)
	assert.Equal(t, 312.5, out[0].Performance)
	assert.Equal(t, 14.1, out[1].Performance)
	assert.Zero(t, out[2].Performance)
	for _, res := range out {
		assert.False(t, res.ScoringFailed)
	}

	// Aborted results never hit the scoring service.
	computer.AssertNumberOfCalls(t, "Compute", 2)
	store.AssertCalled(t, "PersistResults", mock.Anything, mock.MatchedBy(func(rec domain.MatchRecord) bool {
		return rec.InstanceID == req.InstanceID.String() && len(rec.Results) == 3
	}))
	assert.Zero(t, retry.Len())
}

func TestFinalizeSurvivesResolverFailure(t *testing.T) {
	resolver := &MockBeatmapResolver{}
	computer := &MockScoreComputer{}
	store := &MockResultStore{}
	svc := NewService(resolver, computer, store, NewRetryQueue(store, zerolog.Nop()), zerolog.Nop())

	req := finalizeRequest()
	resolver.On("Resolve", mock.Anything, mock.Anything).Return(domain.BeatmapMetadata{}, domain.ErrBeatmapUnknown)
	store.On("PersistResults", mock.Anything, mock.Anything).Return(nil)

	out := svc.Finalize(context.Background(), req)

	require.Len(t, out, 3)
	assert.True(t, out[0].ScoringFailed)
	assert.True(t, out[1].ScoringFailed)
	assert.False(t, out[2].ScoringFailed, "aborted results carry no scoring state")
	computer.AssertNotCalled(t, "Compute")
	store.AssertCalled(t, "PersistResults", mock.Anything, mock.Anything)
}

func TestFinalizeMarksSingleComputeFailure(t *testing.T) {
	resolver := &MockBeatmapResolver{}
	computer := &MockScoreComputer{}
	store := &MockResultStore{}
	svc := NewService(resolver, computer, store, NewRetryQueue(store, zerolog.Nop()), zerolog.Nop())

	req := finalizeRequest()
	meta := domain.BeatmapMetadata{ID: 42}
	resolver.On("Resolve", mock.Anything, mock.Anything).Return(meta, nil)
	computer.On("Compute", mock.Anything, meta, req.Ruleset, req.Results[0]).Return(0.0, errors.New("scoring service returned 503"))
	computer.On("Compute", mock.Anything, meta, req.Ruleset, req.Results[1]).Return(14.1, nil)
	store.On("PersistResults", mock.Anything, mock.Anything).Return(nil)

	out := svc.Finalize(context.Background(), req)

	assert.True(t, out[0].ScoringFailed)
	assert.False(t, out[1].ScoringFailed)
	assert.Equal(t, 14.1, out[1].Performance)
}

func TestFinalizeParksRecordWhenStoreFails(t *testing.T) {
	resolver := &MockBeatmapResolver{}
	computer := &MockScoreComputer{}
	store := &MockResultStore{}
	retry := NewRetryQueue(store, zerolog.Nop())
	svc := NewService(resolver, computer, store, retry, zerolog.Nop())

	req := finalizeRequest()
	resolver.On("Resolve", mock.Anything, mock.Anything).Return(domain.BeatmapMetadata{ID: 42}, nil)
	computer.On("Compute", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(100.0, nil)
	store.On("PersistResults", mock.Anything, mock.Anything).Return(errors.New("connection refused")).Once()

	out := svc.Finalize(context.Background(), req)

	// The match still finalizes for the players.
	require.Len(t, out, 3)
	require.Equal(t, 1, retry.Len())

	// Once the store recovers, the flush lands the parked record.
	store.On("PersistResults", mock.Anything, mock.Anything).Return(nil)
	retry.Flush(context.Background())
	assert.Zero(t, retry.Len())
}

func TestRetryQueueKeepsFailuresInOrder(t *testing.T) {
	store := &MockResultStore{}
	retry := NewRetryQueue(store, zerolog.Nop())

	retry.Enqueue(domain.MatchRecord{InstanceID: "a"})
	retry.Enqueue(domain.MatchRecord{InstanceID: "b"})

	store.On("PersistResults", mock.Anything, mock.MatchedBy(func(rec domain.MatchRecord) bool { return rec.InstanceID == "a" })).Return(errors.New("still down"))
	store.On("PersistResults", mock.Anything, mock.MatchedBy(func(rec domain.MatchRecord) bool { return rec.InstanceID == "b" })).Return(nil)

	retry.Flush(context.Background())
	require.Equal(t, 1, retry.Len())

	retry.mu.Lock()
	assert.Equal(t, "a", retry.parked[0].InstanceID)
	retry.mu.Unlock()
}

func TestHTTPBeatmapResolver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/beatmaps/42":
			assert.Equal(t, "abcd", r.URL.Query().Get("checksum"))
			json.NewEncoder(w).Encode(map[string]any{
				"id": 42, "title": "test map", "star_rating": 5.4, "max_combo": 1200,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	resolver := NewHTTPBeatmapResolver(srv.URL)

	meta, err := resolver.Resolve(context.Background(), domain.BeatmapRef{ID: 42, Checksum: "abcd"})
	require.NoError(t, err)
	assert.Equal(t, "test map", meta.Title)
	assert.Equal(t, 5.4, meta.StarRating)

	_, err = resolver.Resolve(context.Background(), domain.BeatmapRef{ID: 7})
	assert.ErrorIs(t, err, domain.ErrBeatmapUnknown)
}

func TestHTTPScoreComputer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/performance", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(42), body["beatmap_id"])
		json.NewEncoder(w).Encode(map[string]any{"performance": 312.5})
	}))
	defer srv.Close()

	computer := NewHTTPScoreComputer(srv.URL)

	perf, err := computer.Compute(context.Background(), domain.BeatmapMetadata{ID: 42, StarRating: 5.4}, 0, domain.PlayResult{Status: domain.StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, 312.5, perf)
}
