package multi

import "errors"

// Directory-level errors.
var (
	ErrRoomNotFound  = errors.New("room-not-found")
	ErrRoomFull      = errors.New("room-full")
	ErrWrongPassword = errors.New("wrong-password")
	ErrAlreadyInRoom = errors.New("already-in-room")
	ErrRoomClosed    = errors.New("room-closed")
)

// State-machine errors, returned to the initiating connection only.
var (
	ErrWrongPhase      = errors.New("wrong-phase")
	ErrNotHost         = errors.New("not-host")
	ErrNotParticipant  = errors.New("not-participant")
	ErrDuplicateResult = errors.New("duplicate-result")
)
