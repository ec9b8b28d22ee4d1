package multi

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/GooGuTeam/g0v0-server/internal/domain"
	"github.com/GooGuTeam/g0v0-server/internal/session"
	"github.com/GooGuTeam/g0v0-server/internal/wire"
)

// NumSlots is the fixed size of every room's slot table.
const NumSlots = 16

// RoomConfig is the static-ish configuration chosen at creation time.
type RoomConfig struct {
	Name         string
	Private      bool
	PasswordHash string
	TeamMode     bool

	// AllowSolo lets a single occupied slot reach AllReady.
	AllowSolo bool
	// ContinueSolo keeps a running match alive for the last remaining player
	// after everyone else aborted; when false the instance aborts instead.
	ContinueSolo bool

	LoadTimeout    time.Duration
	PlayCeiling    time.Duration
	EmptyRoomGrace time.Duration
}

// Slot is one occupancy position. A nil conn means the slot is free.
type Slot struct {
	conn  *session.Conn
	ready bool
	mods  []domain.Mod
	team  int
}

// participant is one frozen member of a match instance. conn goes nil when
// the player disconnects mid-match; the identity and result stay.
type participant struct {
	user   domain.User
	conn   *session.Conn
	slot   int
	mods   []domain.Mod
	team   int
	loaded bool
	result *domain.PlayResult
}

// MatchInstance is one concrete play-through of the room's current
// configuration. The participant set is frozen when the room enters Loading
// and never changes afterwards.
type MatchInstance struct {
	id           uuid.UUID
	beatmap      domain.BeatmapRef
	ruleset      domain.RulesetID
	startedAt    time.Time
	loadDeadline time.Time
	playDeadline time.Time
	order        []int64
	participants map[int64]*participant
}

// RoomSummary is the directory's search listing entry for a room.
type RoomSummary struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Private     bool              `json:"-"`
	HasPassword bool              `json:"has_password"`
	Players     int               `json:"players"`
	MaxPlayers  int               `json:"max_players"`
	Phase       wire.Phase        `json:"phase"`
	Ruleset     domain.RulesetID  `json:"ruleset"`
	Beatmap     domain.BeatmapRef `json:"beatmap"`
}

// envelope is one decoded client operation queued on the room's inbox.
type envelope struct {
	msg  wire.ClientMessage
	from *session.Conn
}

type joinResult struct {
	Slot int
	Err  error
}

type joinRequest struct {
	conn     *session.Conn
	password string
	respChan chan joinResult
}

type watchRequest struct {
	conn     *session.Conn
	respChan chan error
}

// transferRequest hands a superseded connection's room state to its
// replacement; the registry blocks on respChan so the handover completes
// before the old connection closes.
type transferRequest struct {
	old       *session.Conn
	successor *session.Conn
	respChan  chan bool
}

// FinalizeRequest is handed to the score aggregator when a match finishes.
type FinalizeRequest struct {
	RoomID     string
	InstanceID uuid.UUID
	Beatmap    domain.BeatmapRef
	Ruleset    domain.RulesetID
	Results    []domain.PlayResult
}

// Aggregator finalizes a finished instance off the room actor's critical
// path. It never fails the match: scoring or storage trouble is folded into
// the returned result set.
type Aggregator interface {
	Finalize(ctx context.Context, req FinalizeRequest) []domain.PlayResult
}

// EventRecorder persists room lifecycle events. Calls are dispatched off the
// room actor; failures are logged, not surfaced.
type EventRecorder interface {
	RecordRoomEvent(ctx context.Context, roomID string, kind string, detail any) error
}

// PasswordComparer checks a join password against the room's stored hash.
type PasswordComparer interface {
	Compare(hash, password string) (bool, error)
}

// Lobby is what a room needs from its parent directory.
type Lobby interface {
	RequestUpdateDescription(desc RoomSummary)
	RemoveRoom(roomID string)
}

// RoomHandle is the directory's view of a room actor.
type RoomHandle interface {
	ID() string
	SetID(id string)
	SetParentLobby(l Lobby)
	Run()
	Tick(now time.Time)
	PingPlayers()
	RequestJoin(ctx context.Context, req joinRequest)
	RequestWatch(ctx context.Context, req watchRequest)
	Summary() RoomSummary
	CloseAndRelease()
}

// UniqueIdGenerator hands out room identifiers.
type UniqueIdGenerator interface {
	Generate() string
	Dispose(id string)
}

// PeriodicTickerChannelCreator abstracts time.Ticker so lobby tests can
// drive ticks by hand.
type PeriodicTickerChannelCreator interface {
	Create(duration time.Duration) <-chan time.Time
}
