package domain

// CompletionStatus records how a participant's play-through ended.
type CompletionStatus uint8

const (
	StatusCompleted CompletionStatus = iota
	StatusFailed
	StatusAborted
)

func (s CompletionStatus) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusAborted:
		return "aborted"
	}
	return "unknown"
}

// PlayStats are the raw performance numbers a client reports at the end of
// a play-through. Hit counts are keyed by judgement name (great, ok, miss...)
// so new rulesets don't need schema changes.
type PlayStats struct {
	TotalScore int64          `json:"total_score" msgpack:"total_score"`
	Accuracy   float64        `json:"accuracy" msgpack:"accuracy"`
	MaxCombo   int            `json:"max_combo" msgpack:"max_combo"`
	Hits       map[string]int `json:"hits" msgpack:"hits"`
}

// PlayResult is the final outcome record for one participant in one match
// instance. It is written exactly once per participant; the performance
// fields are filled in by the aggregator after the scoring call.
type PlayResult struct {
	UserID   int64            `json:"user_id" msgpack:"user_id"`
	Username string           `json:"username" msgpack:"username"`
	Status   CompletionStatus `json:"status" msgpack:"status"`
	Stats    PlayStats        `json:"stats" msgpack:"stats"`
	Mods     []Mod            `json:"mods" msgpack:"mods"`

	// Set by the aggregator.
	Performance   float64 `json:"performance" msgpack:"performance"`
	ScoringFailed bool    `json:"scoring_failed,omitempty" msgpack:"scoring_failed,omitempty"`
}

// MatchRecord is the persistent form of one finished match instance: the
// frozen settings plus every participant's final result.
type MatchRecord struct {
	InstanceID string
	RoomID     string
	Beatmap    BeatmapRef
	Ruleset    RulesetID
	Results    []PlayResult
}
