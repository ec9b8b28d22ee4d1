package session

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/GooGuTeam/g0v0-server/internal/domain"
	"github.com/GooGuTeam/g0v0-server/internal/wire"
)

// Identity is the external auth collaborator: it turns a bearer token into
// a verified user or fails.
type Identity interface {
	Verify(token string) (domain.User, error)
}

var ErrInvalidCredentials = errors.New("invalid-credentials")

// Resumable is implemented by attachments that can move their server-side
// state onto a replacement connection when the same identity signs in again.
// The handover runs before the superseded connection is closed, so its close
// hooks find nothing left to release.
type Resumable interface {
	ResumeSession(old, successor *Conn) bool
}

type connKey struct {
	userID int64
	device DeviceClass
}

// Registry owns every live connection, keyed by user and device class. A
// second authentication for the same key evicts the older connection
// (last-writer-wins) after telling it why.
type Registry struct {
	identity Identity
	log      zerolog.Logger

	mu    sync.Mutex
	conns map[connKey]*Conn
}

func NewRegistry(identity Identity, log zerolog.Logger) *Registry {
	return &Registry{
		identity: identity,
		log:      log.With().Str("component", "session").Logger(),
		conns:    make(map[connKey]*Conn),
	}
}

// Authenticate verifies the token, registers a connection for the identity
// and starts its write pump. The caller drives reads.
func (r *Registry) Authenticate(sock NetworkSocket, token string, device DeviceClass) (*Conn, error) {
	user, err := r.identity.Verify(token)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	conn := newConn(user, device, sock)
	key := connKey{userID: user.ID, device: device}

	r.mu.Lock()
	prev := r.conns[key]
	r.conns[key] = conn
	r.mu.Unlock()

	if prev != nil {
		r.log.Info().Int64("user", user.ID).Str("device", string(device)).Msg("evicting superseded session")
		if res, ok := prev.Attachment().(Resumable); ok && res.ResumeSession(prev, conn) {
			r.log.Info().Int64("user", user.ID).Msg("session state resumed on new connection")
		}
		if data, err := wire.EncodeServer(&wire.Rejected{Reason: "session-superseded"}); err == nil {
			prev.Send(data)
		}
		r.Terminate(prev)
	}

	go conn.WritePump()
	return conn, nil
}

// Lookup returns any live connection for the user, or nil.
func (r *Registry) Lookup(userID int64) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, c := range r.conns {
		if key.userID == userID {
			return c
		}
	}
	return nil
}

// Terminate closes the connection and releases its registrations. Safe to
// call multiple times and from disconnect callbacks; the close hooks release
// slot and spectator associations before Terminate returns.
func (r *Registry) Terminate(c *Conn) {
	if c == nil {
		return
	}

	key := connKey{userID: c.user.ID, device: c.device}
	r.mu.Lock()
	if r.conns[key] == c {
		delete(r.conns, key)
	}
	r.mu.Unlock()

	c.Close("terminated")
}

// Count reports the number of live connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
