package multi

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRoomChans struct {
	ticked chan time.Time
	added  chan struct{}
}

func newMockRoom(id string, summary RoomSummary) (*MockRoomHandle, mockRoomChans) {
	chans := mockRoomChans{
		ticked: make(chan time.Time, 16),
		added:  make(chan struct{}, 1),
	}
	room := &MockRoomHandle{}
	room.On("SetID", id).Return()
	room.On("SetParentLobby", mock.Anything).Run(func(mock.Arguments) {
		chans.added <- struct{}{}
	}).Return()
	room.On("Summary").Return(summary)
	room.On("Run").Return()
	room.On("PingPlayers").Return()
	room.On("Tick", mock.Anything).Run(func(args mock.Arguments) {
		chans.ticked <- args.Get(0).(time.Time)
	}).Return()
	return room, chans
}

func startTestLobby(t *testing.T) (*lobby, *MockUniqueIdGenerator, chan time.Time, chan time.Time) {
	t.Helper()
	mockTickerCreator := &MockPeriodicTickerChannelCreator{}
	mockIdgen := &MockUniqueIdGenerator{}

	ticker := make(chan time.Time)
	pingTicker := make(chan time.Time)
	mockTickerCreator.On("Create", time.Second).Return(ticker)
	mockTickerCreator.On("Create", time.Second*30).Return(pingTicker)

	l := NewLobby(mockIdgen, mockTickerCreator, zerolog.Nop())
	started := make(chan struct{})
	go l.LobbyActor(started)
	<-started
	return l, mockIdgen, ticker, pingTicker
}

func TestLobbyRoomLifecycle(t *testing.T) {
	l, mockIdgen, ticker, pingTicker := startTestLobby(t)

	// Ticks with no rooms are a no-op.
	ticker <- time.Now()
	pingTicker <- time.Now()

	mockIdgen.On("Generate").Return("id1").Once()
	mockIdgen.On("Generate").Return("id2").Once()
	mockIdgen.On("Dispose", "id1").Return()
	mockIdgen.On("Dispose", "id2").Return()

	room1, chans1 := newMockRoom("id1", RoomSummary{ID: "id1", Name: "open room"})
	room2, chans2 := newMockRoom("id2", RoomSummary{ID: "id2", Name: "hidden room", Private: true})

	l.RequestAddAndRunRoom(context.Background(), room1)
	<-chans1.added
	l.RequestAddAndRunRoom(context.Background(), room2)
	<-chans2.added

	tick := time.Now()
	ticker <- tick
	assert.Equal(t, tick, <-chans1.ticked)
	assert.Equal(t, tick, <-chans2.ticked)

	// Only the public room shows up in the listing.
	rooms := l.GetPublicRooms(context.Background())
	require.Len(t, rooms, 1)
	assert.Equal(t, "id1", rooms[0].ID)
	assert.Equal(t, "open room", rooms[0].Name)

	room1.On("CloseAndRelease").Return()
	l.RemoveRoom("id1")
	require.Eventually(t, func() bool {
		return len(l.GetPublicRooms(context.Background())) == 0
	}, time.Second, 10*time.Millisecond)

	// A tick after removal only reaches the surviving room.
	ticker <- time.Now()
	<-chans2.ticked
	select {
	case <-chans1.ticked:
		t.Fatal("removed room still ticked")
	default:
	}

	room1.AssertCalled(t, "CloseAndRelease")
	mockIdgen.AssertCalled(t, "Dispose", "id1")
}

func TestLobbyDescriptionUpdates(t *testing.T) {
	l, mockIdgen, _, _ := startTestLobby(t)

	mockIdgen.On("Generate").Return("id1").Once()
	room, chans := newMockRoom("id1", RoomSummary{ID: "id1", Name: "open room", Players: 1})
	l.RequestAddAndRunRoom(context.Background(), room)
	<-chans.added

	l.RequestUpdateDescription(RoomSummary{ID: "id1", Name: "open room", Players: 3})

	require.Eventually(t, func() bool {
		rooms := l.GetPublicRooms(context.Background())
		return len(rooms) == 1 && rooms[0].Players == 3
	}, time.Second, 10*time.Millisecond)

	// Updates for unknown rooms are ignored rather than resurrecting them.
	l.RequestUpdateDescription(RoomSummary{ID: "ghost", Name: "ghost"})
	require.Eventually(t, func() bool {
		return len(l.GetPublicRooms(context.Background())) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestLobbyForwardsJoinRequests(t *testing.T) {
	l, mockIdgen, _, _ := startTestLobby(t)

	mockIdgen.On("Generate").Return("id1").Once()
	room, chans := newMockRoom("id1", RoomSummary{ID: "id1", Name: "open room"})

	forwarded := make(chan joinRequest, 1)
	room.On("RequestJoin", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		forwarded <- args.Get(1).(joinRequest)
	}).Return()

	l.RequestAddAndRunRoom(context.Background(), room)
	<-chans.added

	req := joinRequest{password: "pw", respChan: make(chan joinResult, 1)}
	l.ForwardJoinRequestToRoom(context.Background(), "id1", req)

	select {
	case got := <-forwarded:
		assert.Equal(t, "pw", got.password)
	case <-time.After(time.Second):
		t.Fatal("join request never reached the room")
	}

	// Unknown rooms answer immediately.
	miss := joinRequest{respChan: make(chan joinResult, 1)}
	l.ForwardJoinRequestToRoom(context.Background(), "nope", miss)
	select {
	case res := <-miss.respChan:
		assert.ErrorIs(t, res.Err, ErrRoomNotFound)
	case <-time.After(time.Second):
		t.Fatal("no answer for unknown room")
	}
}

func TestLobbyForwardsWatchRequests(t *testing.T) {
	l, mockIdgen, _, _ := startTestLobby(t)

	mockIdgen.On("Generate").Return("id1").Once()
	room, chans := newMockRoom("id1", RoomSummary{ID: "id1", Name: "open room"})

	forwarded := make(chan watchRequest, 1)
	room.On("RequestWatch", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		forwarded <- args.Get(1).(watchRequest)
	}).Return()

	l.RequestAddAndRunRoom(context.Background(), room)
	<-chans.added

	req := watchRequest{respChan: make(chan error, 1)}
	l.ForwardWatchRequestToRoom(context.Background(), "id1", req)
	select {
	case <-forwarded:
	case <-time.After(time.Second):
		t.Fatal("watch request never reached the room")
	}

	miss := watchRequest{respChan: make(chan error, 1)}
	l.ForwardWatchRequestToRoom(context.Background(), "gone", miss)
	select {
	case err := <-miss.respChan:
		assert.ErrorIs(t, err, ErrRoomNotFound)
	case <-time.After(time.Second):
		t.Fatal("no answer for unknown room")
	}
}

func TestRoomIdGenerator(t *testing.T) {
	g := NewRoomIdGenerator()

	seen := map[string]struct{}{}
	for i := 0; i < 200; i++ {
		id := g.Generate()
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %q", id)
		seen[id] = struct{}{}
	}

	for id := range seen {
		g.Dispose(id)
	}
	assert.Empty(t, g.inUse)
}
