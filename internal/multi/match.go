package multi

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/GooGuTeam/g0v0-server/internal/domain"
	"github.com/GooGuTeam/g0v0-server/internal/session"
	"github.com/GooGuTeam/g0v0-server/internal/wire"
)

// handleMessage is the central dispatch for client operations. The message
// set is closed; adding an operation without handling it here is a compile
// error at the wire package, not a silent drop.
func (r *Room) handleMessage(env envelope) {
	switch msg := env.msg.(type) {
	case *wire.ChangeReady:
		r.handleChangeReady(env.from, msg.Ready)
	case *wire.ChangeMods:
		r.handleChangeMods(env.from, msg.Mods)
	case *wire.ChangeBeatmap:
		r.handleChangeBeatmap(env.from, msg.Beatmap, msg.Ruleset)
	case *wire.ChangeTeam:
		r.handleChangeTeam(env.from, msg.Team)
	case *wire.StartMatch:
		r.handleStartMatch(env.from)
	case *wire.LoadComplete:
		r.handleLoadComplete(env.from)
	case *wire.SubmitResult:
		r.handleSubmitResult(env.from, msg)
	case *wire.Frame:
		r.relayFrame(env.from, msg.Data)
	case *wire.LeaveRoom:
		r.handleRemove(env.from)
		env.from.Close("left")
	case *wire.CloseRoom:
		r.handleCloseRoom(env.from)
	}
}

func (r *Room) handleChangeReady(conn *session.Conn, ready bool) {
	idx, slot := r.slotOf(conn)
	if slot == nil {
		r.reject(conn, wire.OpChangeReady, ErrNotParticipant)
		return
	}
	if r.phase != wire.PhaseIdle && r.phase != wire.PhaseAllReady {
		r.reject(conn, wire.OpChangeReady, ErrWrongPhase)
		return
	}
	if slot.ready == ready {
		return
	}
	slot.ready = ready
	r.broadcast(&wire.SlotUpdated{Slot: r.slotState(idx)})
	r.reevaluateReady()
}

// handleChangeMods is allowed in every phase: slot mods only feed the next
// instance, so changing them mid-play cannot touch the frozen one.
func (r *Room) handleChangeMods(conn *session.Conn, mods []domain.Mod) {
	idx, slot := r.slotOf(conn)
	if slot == nil {
		r.reject(conn, wire.OpChangeMods, ErrNotParticipant)
		return
	}
	slot.mods = mods
	r.broadcast(&wire.SlotUpdated{Slot: r.slotState(idx)})
}

func (r *Room) handleChangeBeatmap(conn *session.Conn, beatmap domain.BeatmapRef, ruleset domain.RulesetID) {
	if conn.User().ID != r.hostID {
		r.reject(conn, wire.OpChangeBeatmap, ErrNotHost)
		return
	}
	if r.phase != wire.PhaseIdle && r.phase != wire.PhaseAllReady {
		r.reject(conn, wire.OpChangeBeatmap, ErrWrongPhase)
		return
	}
	r.beatmap = beatmap
	r.ruleset = ruleset

	// A settings change invalidates everyone's readiness for the old map.
	for i := range r.slots {
		r.slots[i].ready = false
	}
	r.broadcast(&wire.SettingsChanged{Beatmap: beatmap, Ruleset: ruleset})
	r.reevaluateReady()
	r.updateDescription()
}

func (r *Room) handleChangeTeam(conn *session.Conn, team int) {
	idx, slot := r.slotOf(conn)
	if slot == nil {
		r.reject(conn, wire.OpChangeTeam, ErrNotParticipant)
		return
	}
	if !r.cfg.TeamMode {
		r.reject(conn, wire.OpChangeTeam, ErrWrongPhase)
		return
	}
	if team != 0 && team != 1 {
		r.reject(conn, wire.OpChangeTeam, ErrWrongPhase)
		return
	}
	slot.team = team
	r.broadcast(&wire.SlotUpdated{Slot: r.slotState(idx)})
}

// reevaluateReady re-derives the Idle/AllReady phase from slot state. It is
// called after every ready change, join and leave, which is what keeps the
// phase and the ready flags consistent.
func (r *Room) reevaluateReady() {
	if r.phase != wire.PhaseIdle && r.phase != wire.PhaseAllReady {
		return
	}

	occupied, ready := 0, 0
	for i := range r.slots {
		if r.slots[i].conn != nil {
			occupied++
			if r.slots[i].ready {
				ready++
			}
		}
	}

	min := 2
	if r.cfg.AllowSolo {
		min = 1
	}
	allReady := occupied >= min && ready == occupied

	switch {
	case r.phase == wire.PhaseIdle && allReady:
		r.setPhase(wire.PhaseAllReady)
	case r.phase == wire.PhaseAllReady && !allReady:
		r.setPhase(wire.PhaseIdle)
	}
}

func (r *Room) setPhase(phase wire.Phase) {
	if r.phase == phase {
		return
	}
	r.phase = phase
	r.broadcast(&wire.PhaseChanged{Phase: phase})
}

// --- match instance lifecycle ---

func (r *Room) handleStartMatch(conn *session.Conn) {
	if conn.User().ID != r.hostID {
		r.reject(conn, wire.OpStartMatch, ErrNotHost)
		return
	}
	if r.phase != wire.PhaseAllReady {
		r.reject(conn, wire.OpStartMatch, ErrWrongPhase)
		return
	}

	instance := &MatchInstance{
		id:           uuid.New(),
		beatmap:      r.beatmap,
		ruleset:      r.ruleset,
		startedAt:    r.now,
		loadDeadline: r.now.Add(r.cfg.LoadTimeout),
		participants: make(map[int64]*participant),
	}

	// Freeze the participant set: slot occupancy at this instant, nothing
	// that joins or leaves afterwards.
	for i := range r.slots {
		slot := &r.slots[i]
		if slot.conn == nil {
			continue
		}
		user := slot.conn.User()
		instance.order = append(instance.order, user.ID)
		instance.participants[user.ID] = &participant{
			user: user,
			conn: slot.conn,
			slot: i,
			mods: append([]domain.Mod(nil), slot.mods...),
			team: slot.team,
		}
		slot.ready = false
	}

	r.match = instance
	r.broadcast(&wire.MatchStarted{
		InstanceID:   instance.id.String(),
		Participants: append([]int64(nil), instance.order...),
	})
	r.setPhase(wire.PhaseLoading)
	r.updateDescription()
	r.recordEvent("match_started", map[string]any{
		"instance_id":  instance.id.String(),
		"beatmap_id":   instance.beatmap.ID,
		"ruleset":      instance.ruleset,
		"participants": instance.order,
	})
	r.log.Info().Str("instance", instance.id.String()).Int("participants", len(instance.order)).Msg("match started")
}

func (r *Room) participantOf(conn *session.Conn) *participant {
	if r.match == nil {
		return nil
	}
	p := r.match.participants[conn.User().ID]
	if p == nil || p.conn != conn {
		return nil
	}
	return p
}

func (r *Room) participantOfUser(userID int64) *participant {
	if r.match == nil {
		return nil
	}
	return r.match.participants[userID]
}

func (r *Room) handleLoadComplete(conn *session.Conn) {
	if r.phase != wire.PhaseLoading {
		r.reject(conn, wire.OpLoadComplete, ErrWrongPhase)
		return
	}
	p := r.participantOf(conn)
	if p == nil {
		r.reject(conn, wire.OpLoadComplete, ErrNotParticipant)
		return
	}
	p.loaded = true
	r.maybeBeginPlay(wire.AbortNoParticipants)
}

// maybeBeginPlay moves Loading to Playing once every pending participant has
// loaded. Participants already resolved (disconnected or timed out) are not
// waited for.
func (r *Room) maybeBeginPlay(soloAbort wire.AbortReason) {
	if r.phase != wire.PhaseLoading {
		return
	}
	for _, id := range r.match.order {
		p := r.match.participants[id]
		if p.result == nil && !p.loaded {
			return
		}
	}
	r.beginPlay(soloAbort)
}

func (r *Room) beginPlay(soloAbort wire.AbortReason) {
	live := r.liveParticipants()
	if live == 0 {
		r.abortInstance(wire.AbortNoParticipants)
		return
	}
	if live == 1 && len(r.match.order) > 1 && !r.cfg.ContinueSolo && r.resolvedAllAborted() {
		r.abortInstance(soloAbort)
		return
	}

	r.match.playDeadline = r.now.Add(r.cfg.PlayCeiling)
	r.setPhase(wire.PhasePlaying)
}

// liveParticipants counts those who can still produce a result.
func (r *Room) liveParticipants() int {
	n := 0
	for _, p := range r.match.participants {
		if p.result == nil {
			n++
		}
	}
	return n
}

// resolvedAllAborted reports whether every already-resolved participant
// aborted. A normally-completed result means the match keeps meaning even
// for one remaining player.
func (r *Room) resolvedAllAborted() bool {
	for _, p := range r.match.participants {
		if p.result != nil && p.result.Status != domain.StatusAborted {
			return false
		}
	}
	return true
}

func (r *Room) handleSubmitResult(conn *session.Conn, msg *wire.SubmitResult) {
	if r.phase != wire.PhasePlaying {
		r.reject(conn, wire.OpSubmitResult, ErrWrongPhase)
		return
	}
	p := r.participantOf(conn)
	if p == nil {
		r.reject(conn, wire.OpSubmitResult, ErrNotParticipant)
		return
	}
	if p.result != nil {
		r.reject(conn, wire.OpSubmitResult, ErrDuplicateResult)
		return
	}

	status := msg.Status
	if status != domain.StatusCompleted && status != domain.StatusFailed {
		status = domain.StatusFailed
	}
	p.result = &domain.PlayResult{
		UserID:   p.user.ID,
		Username: p.user.Username,
		Status:   status,
		Stats:    msg.Stats,
		Mods:     msg.Mods,
	}
	r.maybeFinish()
}

// resolveDisconnect folds a mid-match connection loss into the normal abort
// path: the participant is recorded Aborted and the match carries on, unless
// they were the sole remaining player.
func (r *Room) resolveDisconnect(userID int64) {
	p := r.participantOfUser(userID)
	if p == nil || p.result != nil {
		return
	}
	p.conn = nil
	p.result = &domain.PlayResult{
		UserID:   p.user.ID,
		Username: p.user.Username,
		Status:   domain.StatusAborted,
		Mods:     p.mods,
	}

	switch r.phase {
	case wire.PhaseLoading:
		// If they were the last one holding up loading, play begins (or the
		// instance aborts, if nobody is left).
		r.maybeBeginPlay(wire.AbortNoParticipants)
	case wire.PhasePlaying:
		if r.liveParticipants() == 1 && len(r.match.order) > 1 && !r.cfg.ContinueSolo && r.resolvedAllAborted() {
			r.abortInstance(wire.AbortNoParticipants)
			return
		}
		r.maybeFinish()
	}
}

func (r *Room) checkDeadlines(now time.Time) {
	if r.match == nil {
		return
	}

	switch r.phase {
	case wire.PhaseLoading:
		if now.Before(r.match.loadDeadline) {
			return
		}
		// Loading timed out: whoever never signalled is aborted for this
		// instance but stays in the room.
		for _, p := range r.match.participants {
			if p.result == nil && !p.loaded {
				p.result = &domain.PlayResult{
					UserID:   p.user.ID,
					Username: p.user.Username,
					Status:   domain.StatusAborted,
					Mods:     p.mods,
				}
			}
		}
		r.beginPlay(wire.AbortLoadTookTooLong)

	case wire.PhasePlaying:
		if now.Before(r.match.playDeadline) {
			return
		}
		// Play safety ceiling: clients that crashed mid-play resolve here.
		for _, p := range r.match.participants {
			if p.result == nil {
				p.result = &domain.PlayResult{
					UserID:   p.user.ID,
					Username: p.user.Username,
					Status:   domain.StatusAborted,
					Mods:     p.mods,
				}
			}
		}
		r.maybeFinish()
	}
}

func (r *Room) maybeFinish() {
	if r.phase != wire.PhasePlaying {
		return
	}
	for _, p := range r.match.participants {
		if p.result == nil {
			return
		}
	}
	if r.resolvedAllAborted() {
		r.abortInstance(wire.AbortNoParticipants)
		return
	}
	r.finishMatch()
}

// finishMatch enters Finishing and hands the frozen result set to the
// aggregator. Scoring and persistence run off the actor; completion comes
// back through the finalized channel so a slow store can never stall this
// room or any other.
func (r *Room) finishMatch() {
	instance := r.match
	r.setPhase(wire.PhaseFinishing)

	results := make([]domain.PlayResult, 0, len(instance.order))
	for _, id := range instance.order {
		results = append(results, *instance.participants[id].result)
	}

	req := FinalizeRequest{
		RoomID:     r.id,
		InstanceID: instance.id,
		Beatmap:    instance.beatmap,
		Ruleset:    instance.ruleset,
		Results:    results,
	}

	go func() {
		out := r.agg.Finalize(context.Background(), req)
		select {
		case r.finalized <- finalizeOutcome{instanceID: instance.id, results: out}:
		case <-r.done:
		}
	}()
}

func (r *Room) handleFinalized(out finalizeOutcome) {
	if r.match == nil || r.match.id != out.instanceID {
		return
	}

	r.broadcast(&wire.ResultsFinalized{
		InstanceID: out.instanceID.String(),
		Results:    out.results,
	})
	r.match = nil
	r.setPhase(wire.PhaseIdle)
	r.reevaluateReady()
	r.updateDescription()
	r.log.Info().Str("instance", out.instanceID.String()).Msg("match finalized")
}

// abortInstance tears the running instance down without aggregation: every
// pending participant is recorded Aborted, members are told why, and the
// room returns to Idle.
func (r *Room) abortInstance(reason wire.AbortReason) {
	instance := r.match
	if instance == nil {
		return
	}
	for _, p := range instance.participants {
		if p.result == nil {
			p.result = &domain.PlayResult{
				UserID:   p.user.ID,
				Username: p.user.Username,
				Status:   domain.StatusAborted,
				Mods:     p.mods,
			}
		}
	}
	r.broadcast(&wire.MatchAborted{InstanceID: instance.id.String(), Reason: reason})
	r.match = nil
	r.setPhase(wire.PhaseIdle)
	r.reevaluateReady()
	r.updateDescription()
	r.recordEvent("match_aborted", map[string]any{
		"instance_id": instance.id.String(),
		"reason":      reason,
	})
	r.log.Info().Str("instance", instance.id.String()).Uint8("reason", uint8(reason)).Msg("match aborted")
}

func (r *Room) handleCloseRoom(conn *session.Conn) {
	if conn.User().ID != r.hostID {
		r.reject(conn, wire.OpCloseRoom, ErrNotHost)
		return
	}
	r.closeReason = wire.AbortHostClosed
	r.recordEvent("room_closed", map[string]any{"by": conn.User().ID})
	r.CloseAndRelease()
}
