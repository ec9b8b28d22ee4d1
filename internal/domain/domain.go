package domain

import "errors"

// User is the authenticated identity attached to a live connection.
// Account storage and credential checks live in the account service;
// only the verified identity crosses into this process.
type User struct {
	ID       int64
	Username string
}

// Mod mirrors the client's APIMod shape: an acronym plus optional settings.
type Mod struct {
	Acronym  string         `json:"acronym" msgpack:"acronym"`
	Settings map[string]any `json:"settings,omitempty" msgpack:"settings,omitempty"`
}

// RulesetID selects one of the four rulesets (0=osu, 1=taiko, 2=catch, 3=mania).
type RulesetID uint8

// BeatmapRef is an opaque reference to a beatmap. The session core never
// resolves or inspects it; resolution belongs to the beatmap fetcher.
type BeatmapRef struct {
	ID       int64  `json:"id" msgpack:"id"`
	Checksum string `json:"checksum" msgpack:"checksum"`
}

// BeatmapMetadata is what the external resolver hands back for scoring.
type BeatmapMetadata struct {
	ID         int64
	Title      string
	StarRating float64
	MaxCombo   int
}

var (
	ErrInvalidToken   = errors.New("invalid-token")
	ErrBeatmapUnknown = errors.New("beatmap-not-found")
)
