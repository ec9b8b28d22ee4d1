package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/GooGuTeam/g0v0-server/internal/domain"
)

// HTTPBeatmapResolver asks the beatmap service for metadata. Responses are
// trusted as-is; the session core keeps no beatmap state of its own.
type HTTPBeatmapResolver struct {
	baseURL string
	client  *http.Client
}

func NewHTTPBeatmapResolver(baseURL string) *HTTPBeatmapResolver {
	return &HTTPBeatmapResolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *HTTPBeatmapResolver) Resolve(ctx context.Context, ref domain.BeatmapRef) (domain.BeatmapMetadata, error) {
	url := fmt.Sprintf("%s/api/beatmaps/%d?checksum=%s", r.baseURL, ref.ID, ref.Checksum)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.BeatmapMetadata{}, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return domain.BeatmapMetadata{}, fmt.Errorf("beatmap request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return domain.BeatmapMetadata{}, domain.ErrBeatmapUnknown
	default:
		return domain.BeatmapMetadata{}, fmt.Errorf("beatmap service returned %d", resp.StatusCode)
	}

	var body struct {
		ID         int64   `json:"id"`
		Title      string  `json:"title"`
		StarRating float64 `json:"star_rating"`
		MaxCombo   int     `json:"max_combo"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.BeatmapMetadata{}, fmt.Errorf("beatmap response: %w", err)
	}

	return domain.BeatmapMetadata{
		ID:         body.ID,
		Title:      body.Title,
		StarRating: body.StarRating,
		MaxCombo:   body.MaxCombo,
	}, nil
}

// HTTPScoreComputer delegates performance calculation to the scoring
// service.
type HTTPScoreComputer struct {
	baseURL string
	client  *http.Client
}

func NewHTTPScoreComputer(baseURL string) *HTTPScoreComputer {
	return &HTTPScoreComputer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPScoreComputer) Compute(ctx context.Context, meta domain.BeatmapMetadata, ruleset domain.RulesetID, result domain.PlayResult) (float64, error) {
	payload, err := json.Marshal(map[string]any{
		"beatmap_id":  meta.ID,
		"star_rating": meta.StarRating,
		"ruleset":     ruleset,
		"stats":       result.Stats,
		"mods":        result.Mods,
		"failed":      result.Status == domain.StatusFailed,
	})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/performance", bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("scoring request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("scoring service returned %d", resp.StatusCode)
	}

	var body struct {
		Performance float64 `json:"performance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("scoring response: %w", err)
	}
	return body.Performance, nil
}
