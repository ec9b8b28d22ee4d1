package multi

import (
	"github.com/GooGuTeam/g0v0-server/internal/session"
	"github.com/GooGuTeam/g0v0-server/internal/wire"
)

// Spectators observe a room without occupying a slot. They never influence
// phase transitions; a room full of spectators is still an empty room.

func (r *Room) handleWatch(req watchRequest) {
	conn := req.conn

	if conn.Attachment() != nil {
		req.respChan <- ErrAlreadyInRoom
		return
	}

	r.watchers[conn] = struct{}{}
	conn.SetAttachment(r)
	conn.OnClose(func() { r.requestRemove(conn) })

	// Joiners mid-match get the current state only; frames start flowing
	// from this point, never from history.
	r.sendTo(conn, r.snapshot())

	req.respChan <- nil
	go r.readLoop(conn)
}

// relayFrame fans a gameplay frame out to every spectator. Delivery is
// best-effort, at most once: a slow spectator loses oldest frames and the
// sender is never blocked.
func (r *Room) relayFrame(from *session.Conn, frame []byte) {
	if r.phase != wire.PhasePlaying {
		return
	}
	p := r.participantOf(from)
	if p == nil || p.result != nil {
		return
	}
	if len(r.watchers) == 0 {
		return
	}

	data, err := wire.EncodeServer(&wire.FrameRelayed{UserID: from.User().ID, Data: frame})
	if err != nil {
		r.log.Error().Err(err).Msg("frame encode failed")
		return
	}
	for w := range r.watchers {
		w.SendFrame(data)
	}
}
