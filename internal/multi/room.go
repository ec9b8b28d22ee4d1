package multi

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/GooGuTeam/g0v0-server/internal/domain"
	"github.com/GooGuTeam/g0v0-server/internal/session"
	"github.com/GooGuTeam/g0v0-server/internal/wire"
)

type finalizeOutcome struct {
	instanceID uuid.UUID
	results    []domain.PlayResult
}

// Room is the authoritative state for one multiplayer session. All fields
// below the channel block are owned by the room's actor goroutine (Run);
// nothing else reads or writes them once the actor is running.
type Room struct {
	id  string
	cfg RoomConfig

	hostID   int64
	phase    wire.Phase
	beatmap  domain.BeatmapRef
	ruleset  domain.RulesetID
	slots    [NumSlots]Slot
	match    *MatchInstance
	watchers map[*session.Conn]struct{}

	now        time.Time
	emptySince time.Time

	lobby  Lobby
	agg    Aggregator
	events EventRecorder
	hasher PasswordComparer

	inbox         chan envelope
	joinRequests  chan joinRequest
	watchRequests chan watchRequest
	transfers     chan transferRequest
	removals      chan *session.Conn
	ticks         chan time.Time
	pings         chan struct{}
	finalized     chan finalizeOutcome
	done          chan struct{}
	closeOnce     sync.Once
	closeReason   wire.AbortReason

	log zerolog.Logger
}

func NewRoom(cfg RoomConfig, host *session.Conn, agg Aggregator, events EventRecorder, hasher PasswordComparer, log zerolog.Logger) *Room {
	r := &Room{
		cfg:           cfg,
		hostID:        host.User().ID,
		phase:         wire.PhaseIdle,
		watchers:      make(map[*session.Conn]struct{}),
		now:           time.Now(),
		agg:           agg,
		events:        events,
		hasher:        hasher,
		inbox:         make(chan envelope, 1024),
		joinRequests:  make(chan joinRequest, 32),
		watchRequests: make(chan watchRequest, 32),
		transfers:     make(chan transferRequest, 8),
		removals:      make(chan *session.Conn, 64),
		ticks:         make(chan time.Time, 24),
		pings:         make(chan struct{}, 1),
		finalized:     make(chan finalizeOutcome, 1),
		done:          make(chan struct{}),
		closeReason:   wire.AbortHostClosed,
		log:           log,
	}
	r.occupy(0, host)
	return r
}

func (r *Room) ID() string             { return r.id }
func (r *Room) SetID(id string)        { r.id = id; r.log = r.log.With().Str("room", id).Logger() }
func (r *Room) SetParentLobby(l Lobby) { r.lobby = l }

// Run is the room actor: every mutation of room state is serialized here,
// so all members observe transitions in one order.
func (r *Room) Run() {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Any("panic", p).Msg("room actor crashed, freeing room")
			r.closeReason = wire.AbortHostClosed
		}
		r.cleanup()
	}()

	// The creator was seated before the actor existed; their snapshot and
	// read loop start here, once the lobby has assigned the room id.
	if _, slot := r.slotOfUser(r.hostID); slot != nil {
		r.sendTo(slot.conn, r.snapshot())
		go r.readLoop(slot.conn)
	}

	for {
		select {
		case env := <-r.inbox:
			r.handleMessage(env)
		case req := <-r.joinRequests:
			r.handleJoin(req)
		case req := <-r.watchRequests:
			r.handleWatch(req)
		case req := <-r.transfers:
			r.handleTransfer(req)
		case conn := <-r.removals:
			r.handleRemove(conn)
		case now := <-r.ticks:
			r.handleTick(now)
		case <-r.pings:
			r.handlePing()
		case out := <-r.finalized:
			r.handleFinalized(out)
		case <-r.done:
			return
		}
	}
}

// Tick is called by the lobby actor once a second; it never blocks the
// lobby on a busy room.
func (r *Room) Tick(now time.Time) {
	select {
	case r.ticks <- now:
	default:
	}
}

func (r *Room) PingPlayers() {
	select {
	case r.pings <- struct{}{}:
	default:
	}
}

func (r *Room) RequestJoin(ctx context.Context, req joinRequest) {
	select {
	case r.joinRequests <- req:
	case <-r.done:
		req.respChan <- joinResult{Err: ErrRoomClosed}
	case <-ctx.Done():
		req.respChan <- joinResult{Err: ctx.Err()}
	}
}

func (r *Room) RequestWatch(ctx context.Context, req watchRequest) {
	select {
	case r.watchRequests <- req:
	case <-r.done:
		req.respChan <- ErrRoomClosed
	case <-ctx.Done():
		req.respChan <- ctx.Err()
	}
}

// ResumeSession repoints the slot or watch held by old onto successor. The
// registry calls this while evicting a superseded connection, before the old
// one closes, so a mid-match reconnect never registers as a disconnect.
func (r *Room) ResumeSession(old, successor *session.Conn) bool {
	req := transferRequest{old: old, successor: successor, respChan: make(chan bool, 1)}
	select {
	case r.transfers <- req:
	case <-r.done:
		return false
	}
	select {
	case ok := <-req.respChan:
		return ok
	case <-r.done:
		return false
	}
}

// CloseAndRelease asks the actor to stop; cleanup happens on the actor's
// own goroutine.
func (r *Room) CloseAndRelease() {
	r.closeOnce.Do(func() { close(r.done) })
}

// Summary is safe to call only before Run starts; afterwards the room
// pushes updates through Lobby.RequestUpdateDescription.
func (r *Room) Summary() RoomSummary {
	return r.summary()
}

func (r *Room) summary() RoomSummary {
	return RoomSummary{
		ID:          r.id,
		Name:        r.cfg.Name,
		Private:     r.cfg.Private,
		HasPassword: r.cfg.PasswordHash != "",
		Players:     r.occupantCount(),
		MaxPlayers:  NumSlots,
		Phase:       r.phase,
		Ruleset:     r.ruleset,
		Beatmap:     r.beatmap,
	}
}

// --- membership ---

func (r *Room) occupantCount() int {
	n := 0
	for i := range r.slots {
		if r.slots[i].conn != nil {
			n++
		}
	}
	return n
}

func (r *Room) slotOf(conn *session.Conn) (int, *Slot) {
	for i := range r.slots {
		if r.slots[i].conn == conn {
			return i, &r.slots[i]
		}
	}
	return -1, nil
}

func (r *Room) slotOfUser(userID int64) (int, *Slot) {
	for i := range r.slots {
		if r.slots[i].conn != nil && r.slots[i].conn.User().ID == userID {
			return i, &r.slots[i]
		}
	}
	return -1, nil
}

func (r *Room) occupy(idx int, conn *session.Conn) {
	slot := &r.slots[idx]
	slot.conn = conn
	slot.ready = false
	slot.mods = nil
	slot.team = 0
	if r.cfg.TeamMode {
		slot.team = r.emptierTeam()
	}
	r.emptySince = time.Time{}
	conn.SetAttachment(r)
	conn.OnClose(func() { r.requestRemove(conn) })
}

// emptierTeam mirrors the original lobby behavior: joiners land on the team
// with fewer members.
func (r *Room) emptierTeam() int {
	counts := [2]int{}
	for i := range r.slots {
		if r.slots[i].conn != nil {
			counts[r.slots[i].team%2]++
		}
	}
	if counts[1] < counts[0] {
		return 1
	}
	return 0
}

func (r *Room) handleJoin(req joinRequest) {
	conn := req.conn

	// Takeover: the same user joining over a second live connection (another
	// device class) keeps their slot; the older connection is dropped. A
	// same-device reconnect never gets here, the registry resumes it during
	// authentication.
	if idx, slot := r.slotOfUser(conn.User().ID); slot != nil {
		if slot.conn == conn {
			req.respChan <- joinResult{Err: ErrAlreadyInRoom}
			return
		}
		old := slot.conn
		slot.conn = conn
		old.SetAttachment(nil)
		old.Close("superseded")
		if p := r.participantOfUser(conn.User().ID); p != nil && p.result == nil {
			p.conn = conn
		}
		r.adopt(conn)
		req.respChan <- joinResult{Slot: idx}
		return
	}

	if conn.Attachment() != nil {
		req.respChan <- joinResult{Err: ErrAlreadyInRoom}
		return
	}

	if r.cfg.PasswordHash != "" {
		ok, err := r.hasher.Compare(r.cfg.PasswordHash, req.password)
		if err != nil || !ok {
			req.respChan <- joinResult{Err: ErrWrongPassword}
			return
		}
	}

	idx := -1
	for i := range r.slots {
		if r.slots[i].conn == nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		req.respChan <- joinResult{Err: ErrRoomFull}
		return
	}

	r.occupy(idx, conn)
	r.broadcastExcept(conn, &wire.UserJoined{Slot: r.slotState(idx)})
	r.sendTo(conn, r.snapshot())
	r.reevaluateReady()
	r.updateDescription()

	req.respChan <- joinResult{Slot: idx}
	go r.readLoop(conn)
}

// adopt binds a replacement connection into the room: attachment, close
// hook, a fresh snapshot and its read loop.
func (r *Room) adopt(conn *session.Conn) {
	conn.SetAttachment(r)
	conn.OnClose(func() { r.requestRemove(conn) })
	r.sendTo(conn, r.snapshot())
	go r.readLoop(conn)
}

// handleTransfer moves the seat or watch held by a superseded connection
// onto its replacement. The old connection is detached here; its close hook
// then finds nothing to remove.
func (r *Room) handleTransfer(req transferRequest) {
	old, successor := req.old, req.successor

	if _, ok := r.watchers[old]; ok {
		delete(r.watchers, old)
		old.SetAttachment(nil)
		r.watchers[successor] = struct{}{}
		r.adopt(successor)
		req.respChan <- true
		return
	}

	idx, slot := r.slotOf(old)
	if slot == nil {
		req.respChan <- false
		return
	}
	slot.conn = successor
	old.SetAttachment(nil)
	if p := r.participantOfUser(successor.User().ID); p != nil && p.result == nil {
		p.conn = successor
	}
	r.adopt(successor)
	r.log.Debug().Int64("user", successor.User().ID).Int("slot", idx).Msg("session resumed in slot")
	req.respChan <- true
}

func (r *Room) requestRemove(conn *session.Conn) {
	select {
	case r.removals <- conn:
	case <-r.done:
	default:
		// Full removal queue: hand off so a close hook can never wedge the
		// caller.
		go func() {
			select {
			case r.removals <- conn:
			case <-r.done:
			}
		}()
	}
}

func (r *Room) handleRemove(conn *session.Conn) {
	if _, ok := r.watchers[conn]; ok {
		delete(r.watchers, conn)
		conn.SetAttachment(nil)
		return
	}

	idx, slot := r.slotOf(conn)
	if slot == nil {
		return
	}

	user := conn.User()
	slot.conn = nil
	slot.ready = false
	slot.mods = nil
	conn.SetAttachment(nil)

	r.broadcast(&wire.UserLeft{UserID: user.ID})
	r.log.Debug().Int64("user", user.ID).Int("slot", idx).Msg("slot vacated")

	if r.occupantCount() == 0 {
		r.emptySince = r.now
	} else if r.hostID == user.ID {
		// Host transfer: lowest-indexed remaining occupant takes over.
		for i := range r.slots {
			if r.slots[i].conn != nil {
				r.hostID = r.slots[i].conn.User().ID
				r.broadcast(&wire.HostChanged{HostID: r.hostID})
				break
			}
		}
	}

	if r.match != nil {
		r.resolveDisconnect(user.ID)
	}
	r.reevaluateReady()
	r.updateDescription()
}

// --- fan-out ---

func (r *Room) sendTo(conn *session.Conn, msg wire.ServerMessage) {
	data, err := wire.EncodeServer(msg)
	if err != nil {
		r.log.Error().Err(err).Msg("encode failed")
		return
	}
	conn.Send(data)
}

func (r *Room) broadcast(msg wire.ServerMessage) {
	r.broadcastExcept(nil, msg)
}

func (r *Room) broadcastExcept(skip *session.Conn, msg wire.ServerMessage) {
	data, err := wire.EncodeServer(msg)
	if err != nil {
		r.log.Error().Err(err).Msg("encode failed")
		return
	}
	for i := range r.slots {
		if c := r.slots[i].conn; c != nil && c != skip {
			c.Send(data)
		}
	}
	for w := range r.watchers {
		if w != skip {
			w.Send(data)
		}
	}
}

func (r *Room) reject(conn *session.Conn, op wire.ClientOp, err error) {
	r.sendTo(conn, &wire.Rejected{Op: op, Reason: err.Error()})
}

func (r *Room) slotState(idx int) wire.SlotState {
	slot := &r.slots[idx]
	state := wire.SlotState{
		Index: idx,
		Ready: slot.ready,
		Team:  slot.team,
		Mods:  slot.mods,
	}
	if slot.conn != nil {
		state.UserID = slot.conn.User().ID
		state.Username = slot.conn.User().Username
	}
	return state
}

// snapshot builds the full room state a joiner or spectator needs to render
// the room from scratch. No history travels with it.
func (r *Room) snapshot() *wire.RoomState {
	state := &wire.RoomState{
		RoomID:   r.id,
		Name:     r.cfg.Name,
		HostID:   r.hostID,
		Phase:    r.phase,
		Beatmap:  r.beatmap,
		Ruleset:  r.ruleset,
		TeamMode: r.cfg.TeamMode,
	}
	for i := range r.slots {
		if r.slots[i].conn != nil {
			state.Slots = append(state.Slots, r.slotState(i))
		}
	}
	return state
}

func (r *Room) updateDescription() {
	if r.lobby != nil {
		r.lobby.RequestUpdateDescription(r.summary())
	}
}

func (r *Room) recordEvent(kind string, detail any) {
	if r.events == nil {
		return
	}
	roomID := r.id
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.events.RecordRoomEvent(ctx, roomID, kind, detail); err != nil {
			r.log.Warn().Err(err).Str("kind", kind).Msg("room event not recorded")
		}
	}()
}

// --- I/O ---

// readLoop drives one connection's inbound side, forwarding decoded
// operations to the actor. Slow network I/O never touches room state.
func (r *Room) readLoop(conn *session.Conn) {
	for {
		data, err := conn.Read()
		if err != nil {
			conn.Close("read-failed")
			return
		}
		if !conn.Allow() {
			continue
		}
		msg, err := wire.DecodeClient(data)
		if err != nil {
			r.log.Debug().Err(err).Int64("user", conn.User().ID).Msg("malformed packet")
			continue
		}
		select {
		case r.inbox <- envelope{msg: msg, from: conn}:
		case <-r.done:
			return
		}
	}
}

func (r *Room) handlePing() {
	for i := range r.slots {
		if c := r.slots[i].conn; c != nil {
			c.Ping()
		}
	}
	for w := range r.watchers {
		w.Ping()
	}
}

func (r *Room) handleTick(now time.Time) {
	r.now = now

	if r.occupantCount() == 0 && !r.emptySince.IsZero() && now.Sub(r.emptySince) >= r.cfg.EmptyRoomGrace {
		if r.lobby != nil {
			r.lobby.RemoveRoom(r.id)
		}
		return
	}

	r.checkDeadlines(now)
}

// cleanup runs on the actor goroutine once the room stops, whether by host
// close, grace-period reaping, or an actor crash. Other rooms are never
// affected.
func (r *Room) cleanup() {
	if r.match != nil {
		r.abortInstance(r.closeReason)
	}
	for i := range r.slots {
		if c := r.slots[i].conn; c != nil {
			r.slots[i].conn = nil
			c.SetAttachment(nil)
			c.Close("room-closed")
		}
	}
	for w := range r.watchers {
		delete(r.watchers, w)
		w.SetAttachment(nil)
		w.Close("room-closed")
	}
	if r.lobby != nil {
		r.lobby.RemoveRoom(r.id)
	}
}
