package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/GooGuTeam/g0v0-server/internal/domain"
)

// ServerOp tags every server-to-client notification.
type ServerOp uint8

const (
	OpRoomState ServerOp = iota + 1
	OpUserJoined
	OpUserLeft
	OpHostChanged
	OpSlotUpdated
	OpSettingsChanged
	OpPhaseChanged
	OpMatchStarted
	OpMatchAborted
	OpResultsFinalized
	OpFrameRelayed
	OpRejected
)

// Phase is the wire form of a room's match phase.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseAllReady
	PhaseLoading
	PhasePlaying
	PhaseFinishing
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAllReady:
		return "all_ready"
	case PhaseLoading:
		return "loading"
	case PhasePlaying:
		return "playing"
	case PhaseFinishing:
		return "finishing"
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// AbortReason explains why a match instance was torn down early.
type AbortReason uint8

const (
	AbortLoadTookTooLong AbortReason = iota
	AbortHostClosed
	AbortNoParticipants
)

// SlotState is one slot in a room snapshot.
type SlotState struct {
	Index    int          `msgpack:"index"`
	UserID   int64        `msgpack:"user_id,omitempty"`
	Username string       `msgpack:"username,omitempty"`
	Ready    bool         `msgpack:"ready"`
	Team     int          `msgpack:"team"`
	Mods     []domain.Mod `msgpack:"mods,omitempty"`
}

// RoomState is the full snapshot sent to joiners and spectators. It carries
// everything needed to render the room from scratch; no history is replayed.
type RoomState struct {
	RoomID   string            `msgpack:"room_id"`
	Name     string            `msgpack:"name"`
	HostID   int64             `msgpack:"host_id"`
	Phase    Phase             `msgpack:"phase"`
	Beatmap  domain.BeatmapRef `msgpack:"beatmap"`
	Ruleset  domain.RulesetID  `msgpack:"ruleset"`
	TeamMode bool              `msgpack:"team_mode"`
	Slots    []SlotState       `msgpack:"slots"`
}

type UserJoined struct {
	Slot SlotState `msgpack:"slot"`
}

type UserLeft struct {
	UserID int64 `msgpack:"user_id"`
}

type HostChanged struct {
	HostID int64 `msgpack:"host_id"`
}

// SlotUpdated carries one slot's new state after a ready, mod or team change.
type SlotUpdated struct {
	Slot SlotState `msgpack:"slot"`
}

type SettingsChanged struct {
	Beatmap domain.BeatmapRef `msgpack:"beatmap"`
	Ruleset domain.RulesetID  `msgpack:"ruleset"`
}

type PhaseChanged struct {
	Phase Phase `msgpack:"phase"`
}

type MatchStarted struct {
	InstanceID   string  `msgpack:"instance_id"`
	Participants []int64 `msgpack:"participants"`
}

type MatchAborted struct {
	InstanceID string      `msgpack:"instance_id"`
	Reason     AbortReason `msgpack:"reason"`
}

type ResultsFinalized struct {
	InstanceID string              `msgpack:"instance_id"`
	Results    []domain.PlayResult `msgpack:"results"`
}

type FrameRelayed struct {
	UserID int64  `msgpack:"user_id"`
	Data   []byte `msgpack:"data"`
}

// Rejected tells the initiating connection that one of its operations was
// refused. Rejections never mutate shared state.
type Rejected struct {
	Op     ClientOp `msgpack:"op"`
	Reason string   `msgpack:"reason"`
}

// ServerMessage is the closed set of server notifications.
type ServerMessage interface {
	ServerOp() ServerOp
}

func (RoomState) ServerOp() ServerOp        { return OpRoomState }
func (UserJoined) ServerOp() ServerOp       { return OpUserJoined }
func (UserLeft) ServerOp() ServerOp         { return OpUserLeft }
func (HostChanged) ServerOp() ServerOp      { return OpHostChanged }
func (SlotUpdated) ServerOp() ServerOp      { return OpSlotUpdated }
func (SettingsChanged) ServerOp() ServerOp  { return OpSettingsChanged }
func (PhaseChanged) ServerOp() ServerOp     { return OpPhaseChanged }
func (MatchStarted) ServerOp() ServerOp     { return OpMatchStarted }
func (MatchAborted) ServerOp() ServerOp     { return OpMatchAborted }
func (ResultsFinalized) ServerOp() ServerOp { return OpResultsFinalized }
func (FrameRelayed) ServerOp() ServerOp     { return OpFrameRelayed }
func (Rejected) ServerOp() ServerOp         { return OpRejected }

type serverEnvelope struct {
	Op   ServerOp           `msgpack:"op"`
	Body msgpack.RawMessage `msgpack:"body"`
}

// EncodeServer marshals a notification for the websocket.
func EncodeServer(msg ServerMessage) ([]byte, error) {
	body, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(serverEnvelope{Op: msg.ServerOp(), Body: body})
}

// DecodeServer parses a server notification; used by tests and client tooling.
func DecodeServer(data []byte) (ServerMessage, error) {
	var env serverEnvelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}

	var msg ServerMessage
	switch env.Op {
	case OpRoomState:
		msg = &RoomState{}
	case OpUserJoined:
		msg = &UserJoined{}
	case OpUserLeft:
		msg = &UserLeft{}
	case OpHostChanged:
		msg = &HostChanged{}
	case OpSlotUpdated:
		msg = &SlotUpdated{}
	case OpSettingsChanged:
		msg = &SettingsChanged{}
	case OpPhaseChanged:
		msg = &PhaseChanged{}
	case OpMatchStarted:
		msg = &MatchStarted{}
	case OpMatchAborted:
		msg = &MatchAborted{}
	case OpResultsFinalized:
		msg = &ResultsFinalized{}
	case OpFrameRelayed:
		msg = &FrameRelayed{}
	case OpRejected:
		msg = &Rejected{}
	default:
		return nil, fmt.Errorf("unknown server op %d", env.Op)
	}

	if len(env.Body) > 0 {
		if err := msgpack.Unmarshal(env.Body, msg); err != nil {
			return nil, fmt.Errorf("malformed body for op %d: %w", env.Op, err)
		}
	}
	return msg, nil
}
