package multi

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/GooGuTeam/g0v0-server/internal/domain"
	"github.com/GooGuTeam/g0v0-server/internal/session"
	"github.com/GooGuTeam/g0v0-server/internal/wire"
)

// --- fake transport ---

type fakeSocket struct {
	writes    chan []byte
	reads     chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	closeReason string
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		writes: make(chan []byte, 512),
		reads:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) Write(data []byte) error {
	select {
	case s.writes <- data:
		return nil
	default:
		return errors.New("write buffer full")
	}
}

func (s *fakeSocket) Read() ([]byte, error) {
	select {
	case data := <-s.reads:
		return data, nil
	case <-s.closed:
		return nil, errors.New("socket closed")
	}
}

func (s *fakeSocket) Ping() error { return nil }

func (s *fakeSocket) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeReason = reason
		s.mu.Unlock()
		close(s.closed)
	})
}

func (s *fakeSocket) reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

type staticIdentity struct {
	user domain.User
}

func (s staticIdentity) Verify(string) (domain.User, error) { return s.user, nil }

// tokenIdentity resolves fixed tokens, for tests that share one registry
// across several users.
type tokenIdentity map[string]domain.User

func (m tokenIdentity) Verify(token string) (domain.User, error) {
	user, ok := m[token]
	if !ok {
		return domain.User{}, domain.ErrInvalidToken
	}
	return user, nil
}

// newMember authenticates a fresh connection for the given user against its
// own registry, so tests can mint members freely.
func newMember(t *testing.T, id int64, name string) (*session.Conn, *fakeSocket) {
	t.Helper()
	sock := newFakeSocket()
	reg := session.NewRegistry(staticIdentity{user: domain.User{ID: id, Username: name}}, zerolog.Nop())
	conn, err := reg.Authenticate(sock, "token", session.DeviceGame)
	require.NoError(t, err)
	return conn, sock
}

// sendMsg feeds an encoded client operation into the socket's read side.
func sendMsg(t *testing.T, sock *fakeSocket, msg wire.ClientMessage) {
	t.Helper()
	data, err := wire.EncodeClient(msg)
	require.NoError(t, err)
	select {
	case sock.reads <- data:
	case <-time.After(time.Second):
		t.Fatal("socket read buffer full")
	}
}

// recvMsg waits for the next server message written to the socket.
func recvMsg(t *testing.T, sock *fakeSocket) wire.ServerMessage {
	t.Helper()
	select {
	case data := <-sock.writes:
		msg, err := wire.DecodeServer(data)
		require.NoError(t, err)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a server message")
		return nil
	}
}

// recvOfType discards messages until one of the wanted type arrives.
func recvOfType[T wire.ServerMessage](t *testing.T, sock *fakeSocket) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-sock.writes:
			msg, err := wire.DecodeServer(data)
			require.NoError(t, err)
			if typed, ok := msg.(T); ok {
				return typed
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func drainSocket(sock *fakeSocket) {
	for {
		select {
		case <-sock.writes:
		default:
			return
		}
	}
}

// --- collaborator fakes ---

type plainComparer struct{}

func (plainComparer) Compare(hash, password string) (bool, error) {
	return hash == password, nil
}

func (plainComparer) Hash(password string) (string, error) { return password, nil }

type captureAggregator struct {
	requests chan FinalizeRequest
}

func newCaptureAggregator() *captureAggregator {
	return &captureAggregator{requests: make(chan FinalizeRequest, 4)}
}

func (a *captureAggregator) Finalize(_ context.Context, req FinalizeRequest) []domain.PlayResult {
	a.requests <- req
	return req.Results
}

type captureRecorder struct {
	mu    sync.Mutex
	kinds []string
}

func (r *captureRecorder) RecordRoomEvent(_ context.Context, _ string, kind string, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	return nil
}

type fakeLobby struct {
	mu        sync.Mutex
	summaries []RoomSummary
	removed   chan string
}

func newFakeLobby() *fakeLobby {
	return &fakeLobby{removed: make(chan string, 4)}
}

func (l *fakeLobby) RequestUpdateDescription(desc RoomSummary) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.summaries = append(l.summaries, desc)
}

func (l *fakeLobby) RemoveRoom(roomID string) {
	select {
	case l.removed <- roomID:
	default:
	}
}

func (l *fakeLobby) lastSummary() (RoomSummary, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.summaries) == 0 {
		return RoomSummary{}, false
	}
	return l.summaries[len(l.summaries)-1], true
}

// --- testify mocks (lobby collaborators) ---

type MockUniqueIdGenerator struct {
	mock.Mock
}

func (m *MockUniqueIdGenerator) Generate() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockUniqueIdGenerator) Dispose(id string) {
	m.Called(id)
}

type MockPeriodicTickerChannelCreator struct {
	mock.Mock
}

func (m *MockPeriodicTickerChannelCreator) Create(duration time.Duration) <-chan time.Time {
	args := m.Called(duration)
	return args.Get(0).(chan time.Time)
}

type MockRoomHandle struct {
	mock.Mock
}

func (m *MockRoomHandle) ID() string {
	return m.Called().String(0)
}

func (m *MockRoomHandle) SetID(id string) {
	m.Called(id)
}

func (m *MockRoomHandle) SetParentLobby(l Lobby) {
	m.Called(l)
}

func (m *MockRoomHandle) Run() {
	m.Called()
}

func (m *MockRoomHandle) Tick(now time.Time) {
	m.Called(now)
}

func (m *MockRoomHandle) PingPlayers() {
	m.Called()
}

func (m *MockRoomHandle) RequestJoin(ctx context.Context, req joinRequest) {
	m.Called(ctx, req)
}

func (m *MockRoomHandle) RequestWatch(ctx context.Context, req watchRequest) {
	m.Called(ctx, req)
}

func (m *MockRoomHandle) Summary() RoomSummary {
	args := m.Called()
	return args.Get(0).(RoomSummary)
}

func (m *MockRoomHandle) CloseAndRelease() {
	m.Called()
}

// --- room scaffolding ---

func testRoomConfig() RoomConfig {
	return RoomConfig{
		Name:           "late night lobby",
		LoadTimeout:    30 * time.Second,
		PlayCeiling:    30 * time.Minute,
		EmptyRoomGrace: 30 * time.Second,
		ContinueSolo:   true,
	}
}

type roomFixture struct {
	room  *Room
	lobby *fakeLobby
	agg   *captureAggregator
	host  *session.Conn
	hsock *fakeSocket
}

func newRoomFixture(t *testing.T, cfg RoomConfig) *roomFixture {
	t.Helper()
	host, hsock := newMember(t, 1, "alice")
	agg := newCaptureAggregator()
	room := NewRoom(cfg, host, agg, nil, plainComparer{}, zerolog.Nop())
	room.SetID("room1")
	lobby := newFakeLobby()
	room.SetParentLobby(lobby)
	return &roomFixture{room: room, lobby: lobby, agg: agg, host: host, hsock: hsock}
}

// join runs the join path synchronously (the tests drive the actor's
// handlers directly instead of its goroutine).
func (f *roomFixture) join(t *testing.T, conn *session.Conn, password string) joinResult {
	t.Helper()
	req := joinRequest{conn: conn, password: password, respChan: make(chan joinResult, 1)}
	f.room.handleJoin(req)
	select {
	case res := <-req.respChan:
		return res
	case <-time.After(time.Second):
		t.Fatal("join did not resolve")
		return joinResult{}
	}
}

func (f *roomFixture) watch(t *testing.T, conn *session.Conn) error {
	t.Helper()
	req := watchRequest{conn: conn, respChan: make(chan error, 1)}
	f.room.handleWatch(req)
	select {
	case err := <-req.respChan:
		return err
	case <-time.After(time.Second):
		t.Fatal("watch did not resolve")
		return nil
	}
}
