package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/GooGuTeam/g0v0-server/internal/domain"
)

// ClientOp tags every client-to-server message. The set is closed: the room
// actor switches over the decoded message types and a decoder error covers
// anything unknown.
type ClientOp uint8

const (
	OpChangeReady ClientOp = iota + 1
	OpChangeMods
	OpChangeBeatmap
	OpChangeTeam
	OpStartMatch
	OpLoadComplete
	OpSubmitResult
	OpFrame
	OpLeaveRoom
	OpCloseRoom
)

func (op ClientOp) String() string {
	switch op {
	case OpChangeReady:
		return "change_ready"
	case OpChangeMods:
		return "change_mods"
	case OpChangeBeatmap:
		return "change_beatmap"
	case OpChangeTeam:
		return "change_team"
	case OpStartMatch:
		return "start_match"
	case OpLoadComplete:
		return "load_complete"
	case OpSubmitResult:
		return "submit_result"
	case OpFrame:
		return "frame"
	case OpLeaveRoom:
		return "leave_room"
	case OpCloseRoom:
		return "close_room"
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// ClientMessage is the decoded form of one client operation.
type ClientMessage interface {
	Op() ClientOp
}

type ChangeReady struct {
	Ready bool `msgpack:"ready"`
}

type ChangeMods struct {
	Mods []domain.Mod `msgpack:"mods"`
}

type ChangeBeatmap struct {
	Beatmap domain.BeatmapRef `msgpack:"beatmap"`
	Ruleset domain.RulesetID  `msgpack:"ruleset"`
}

type ChangeTeam struct {
	Team int `msgpack:"team"`
}

type StartMatch struct{}

type LoadComplete struct{}

type SubmitResult struct {
	Status domain.CompletionStatus `msgpack:"status"`
	Stats  domain.PlayStats        `msgpack:"stats"`
	Mods   []domain.Mod            `msgpack:"mods"`
}

// Frame carries an already-encoded gameplay frame bundle. The server never
// looks inside; it is relayed to spectators as-is.
type Frame struct {
	Data []byte `msgpack:"data"`
}

type LeaveRoom struct{}

type CloseRoom struct{}

func (ChangeReady) Op() ClientOp   { return OpChangeReady }
func (ChangeMods) Op() ClientOp    { return OpChangeMods }
func (ChangeBeatmap) Op() ClientOp { return OpChangeBeatmap }
func (ChangeTeam) Op() ClientOp    { return OpChangeTeam }
func (StartMatch) Op() ClientOp    { return OpStartMatch }
func (LoadComplete) Op() ClientOp  { return OpLoadComplete }
func (SubmitResult) Op() ClientOp  { return OpSubmitResult }
func (Frame) Op() ClientOp         { return OpFrame }
func (LeaveRoom) Op() ClientOp     { return OpLeaveRoom }
func (CloseRoom) Op() ClientOp     { return OpCloseRoom }

type clientEnvelope struct {
	Op   ClientOp           `msgpack:"op"`
	Body msgpack.RawMessage `msgpack:"body"`
}

// DecodeClient parses one websocket payload into its typed message.
func DecodeClient(data []byte) (ClientMessage, error) {
	var env clientEnvelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}

	var msg ClientMessage
	switch env.Op {
	case OpChangeReady:
		msg = &ChangeReady{}
	case OpChangeMods:
		msg = &ChangeMods{}
	case OpChangeBeatmap:
		msg = &ChangeBeatmap{}
	case OpChangeTeam:
		msg = &ChangeTeam{}
	case OpStartMatch:
		msg = &StartMatch{}
	case OpLoadComplete:
		msg = &LoadComplete{}
	case OpSubmitResult:
		msg = &SubmitResult{}
	case OpFrame:
		msg = &Frame{}
	case OpLeaveRoom:
		msg = &LeaveRoom{}
	case OpCloseRoom:
		msg = &CloseRoom{}
	default:
		return nil, fmt.Errorf("unknown client op %d", env.Op)
	}

	if len(env.Body) > 0 {
		if err := msgpack.Unmarshal(env.Body, msg); err != nil {
			return nil, fmt.Errorf("malformed %s body: %w", env.Op, err)
		}
	}
	return msg, nil
}

// EncodeClient is the inverse of DecodeClient. The server itself only needs
// it in tests and tooling, but clients of this package share the envelope.
func EncodeClient(msg ClientMessage) ([]byte, error) {
	body, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(clientEnvelope{Op: msg.Op(), Body: body})
}
