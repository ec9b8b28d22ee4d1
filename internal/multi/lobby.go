package multi

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type lobbyJoinRequest struct {
	roomID string
	req    joinRequest
}

type lobbyWatchRequest struct {
	roomID string
	req    watchRequest
}

// lobby is the room directory: a single actor owning the room table and the
// public listing. Rooms are independent; the lobby only routes requests and
// fans out the shared tickers.
type lobby struct {
	rooms          map[string]RoomHandle
	pubSummaries   map[string]RoomSummary
	addRoomChan    chan RoomHandle
	removeRoomChan chan string
	descUpdate     chan RoomSummary
	listReq        chan chan []RoomSummary
	joinReqs       chan lobbyJoinRequest
	watchReqs      chan lobbyWatchRequest

	idGenerator   UniqueIdGenerator
	tickerCreator PeriodicTickerChannelCreator
	log           zerolog.Logger
}

func NewLobby(idgen UniqueIdGenerator, tickerCreator PeriodicTickerChannelCreator, log zerolog.Logger) *lobby {
	return &lobby{
		rooms:          map[string]RoomHandle{},
		pubSummaries:   map[string]RoomSummary{},
		addRoomChan:    make(chan RoomHandle, 32),
		removeRoomChan: make(chan string, 32),
		descUpdate:     make(chan RoomSummary, 256),
		listReq:        make(chan chan []RoomSummary, 256),
		joinReqs:       make(chan lobbyJoinRequest, 256),
		watchReqs:      make(chan lobbyWatchRequest, 256),
		idGenerator:    idgen,
		tickerCreator:  tickerCreator,
		log:            log.With().Str("component", "lobby").Logger(),
	}
}

func (l *lobby) RequestUpdateDescription(desc RoomSummary) {
	select {
	case l.descUpdate <- desc:
	default:
	}
}

func (l *lobby) RequestAddAndRunRoom(ctx context.Context, r RoomHandle) {
	select {
	case l.addRoomChan <- r:
	case <-ctx.Done():
	}
}

func (l *lobby) ForwardJoinRequestToRoom(ctx context.Context, roomID string, req joinRequest) {
	select {
	case l.joinReqs <- lobbyJoinRequest{roomID: roomID, req: req}:
	case <-ctx.Done():
		req.respChan <- joinResult{Err: ctx.Err()}
	}
}

func (l *lobby) ForwardWatchRequestToRoom(ctx context.Context, roomID string, req watchRequest) {
	select {
	case l.watchReqs <- lobbyWatchRequest{roomID: roomID, req: req}:
	case <-ctx.Done():
		req.respChan <- ctx.Err()
	}
}

func (l *lobby) RemoveRoom(roomID string) {
	select {
	case l.removeRoomChan <- roomID:
	default:
		go func() { l.removeRoomChan <- roomID }()
	}
}

// GetPublicRooms returns a point-in-time snapshot of the public listing.
// There is no live cursor; callers re-request for fresh data.
func (l *lobby) GetPublicRooms(ctx context.Context) []RoomSummary {
	respChan := make(chan []RoomSummary, 1)
	select {
	case l.listReq <- respChan:
		select {
		case resp := <-respChan:
			return resp
		case <-ctx.Done():
			return nil
		}
	case <-ctx.Done():
		return nil
	}
}

func (l *lobby) LobbyActor(started chan struct{}) {
	ticker := l.tickerCreator.Create(time.Second)
	pingTicker := l.tickerCreator.Create(time.Second * 30)

	close(started)

	for {
		select {
		case now := <-ticker:
			for _, r := range l.rooms {
				r.Tick(now)
			}
		case <-pingTicker:
			for _, r := range l.rooms {
				r.PingPlayers()
			}

		case room := <-l.addRoomChan:
			l.handleAddAndRunRoom(room)

		case roomID := <-l.removeRoomChan:
			l.handleRemoveRoom(roomID)

		case desc := <-l.descUpdate:
			l.handleDescUpdate(desc)

		case respChan := <-l.listReq:
			l.handleListRooms(respChan)

		case jreq := <-l.joinReqs:
			l.handleJoinReq(jreq)

		case wreq := <-l.watchReqs:
			l.handleWatchReq(wreq)
		}
	}
}

func (l *lobby) handleAddAndRunRoom(r RoomHandle) {
	id := l.idGenerator.Generate()
	r.SetID(id)
	r.SetParentLobby(l)

	l.rooms[id] = r
	summary := r.Summary()
	go r.Run()

	if !summary.Private {
		l.pubSummaries[id] = summary
	}
	l.log.Info().Str("room", id).Str("name", summary.Name).Msg("room opened")
}

func (l *lobby) handleRemoveRoom(roomID string) {
	room, ok := l.rooms[roomID]
	if !ok {
		return
	}
	delete(l.rooms, roomID)
	delete(l.pubSummaries, roomID)
	room.CloseAndRelease()
	l.idGenerator.Dispose(roomID)
	l.log.Info().Str("room", roomID).Msg("room removed")
}

func (l *lobby) handleDescUpdate(desc RoomSummary) {
	if _, ok := l.rooms[desc.ID]; !ok {
		return
	}
	if desc.Private {
		return
	}
	l.pubSummaries[desc.ID] = desc
}

func (l *lobby) handleListRooms(respChan chan []RoomSummary) {
	snapshot := make([]RoomSummary, 0, len(l.pubSummaries))
	for _, summary := range l.pubSummaries {
		snapshot = append(snapshot, summary)
	}
	respChan <- snapshot
}

func (l *lobby) handleJoinReq(jreq lobbyJoinRequest) {
	room, ok := l.rooms[jreq.roomID]
	if !ok {
		jreq.req.respChan <- joinResult{Err: ErrRoomNotFound}
		return
	}
	go room.RequestJoin(context.Background(), jreq.req)
}

func (l *lobby) handleWatchReq(wreq lobbyWatchRequest) {
	room, ok := l.rooms[wreq.roomID]
	if !ok {
		wreq.req.respChan <- ErrRoomNotFound
		return
	}
	go room.RequestWatch(context.Background(), wreq.req)
}
