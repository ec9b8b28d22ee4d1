package session

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/GooGuTeam/g0v0-server/internal/domain"
)

// DeviceClass partitions a user's sessions; one live connection is allowed
// per user per class (a desktop client and a web spectator may coexist).
type DeviceClass string

const (
	DeviceGame DeviceClass = "game"
	DeviceWeb  DeviceClass = "web"
)

const (
	outboxSize = 256
	frameSize  = 128
)

// Conn binds a transport socket to a verified identity. Control messages are
// delivered reliably (a consumer that can't keep up is disconnected);
// gameplay frames are best-effort with the oldest dropped first.
type Conn struct {
	user   domain.User
	device DeviceClass
	sock   NetworkSocket

	limiter *rate.Limiter

	outbox chan []byte
	frames chan []byte
	pings  chan struct{}
	closed chan struct{}

	closeOnce sync.Once

	mu         sync.Mutex
	onClose    []func()
	attachment any
}

func newConn(user domain.User, device DeviceClass, sock NetworkSocket) *Conn {
	return &Conn{
		user:    user,
		device:  device,
		sock:    sock,
		limiter: rate.NewLimiter(60, 120),
		outbox:  make(chan []byte, outboxSize),
		frames:  make(chan []byte, frameSize),
		pings:   make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
}

func (c *Conn) User() domain.User   { return c.user }
func (c *Conn) Device() DeviceClass { return c.device }

// Allow reports whether another inbound operation fits the rate budget.
func (c *Conn) Allow() bool { return c.limiter.Allow() }

// Read blocks on the socket; the caller owns decode and dispatch.
func (c *Conn) Read() ([]byte, error) { return c.sock.Read() }

// Send queues a control message. A full outbox means the client stopped
// consuming; the connection is closed rather than blocking the sender.
func (c *Conn) Send(data []byte) {
	select {
	case <-c.closed:
	case c.outbox <- data:
	default:
		c.Close("slow-consumer")
	}
}

// SendFrame queues a gameplay frame, dropping the oldest queued frame when
// the buffer is full. Only the owning room actor calls this, so the
// pop-then-push pair cannot race with another producer.
func (c *Conn) SendFrame(data []byte) {
	select {
	case <-c.closed:
		return
	case c.frames <- data:
		return
	default:
	}
	select {
	case <-c.frames:
	default:
	}
	select {
	case c.frames <- data:
	default:
	}
}

func (c *Conn) Ping() {
	select {
	case c.pings <- struct{}{}:
	default:
	}
}

// OnClose registers a hook run exactly once when the connection terminates.
// Hooks release slot and spectator associations. Registering on an already
// closed connection runs the hook immediately, so a teardown racing the
// registration cannot strand the association.
func (c *Conn) OnClose(fn func()) {
	c.mu.Lock()
	if c.Closed() {
		c.mu.Unlock()
		fn()
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// SetAttachment stores the room association for this connection. A
// connection holds at most one slot across all rooms; the attachment is how
// that invariant is checked.
func (c *Conn) SetAttachment(v any) {
	c.mu.Lock()
	c.attachment = v
	c.mu.Unlock()
}

func (c *Conn) Attachment() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attachment
}

// Close tears the connection down. Idempotent and safe from any goroutine,
// including the disconnect path itself.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		hooks := c.onClose
		c.onClose = nil
		c.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
		c.sock.Close(reason)
	})
}

// Closed reports whether Close has run.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// WritePump drains the outbound queues onto the socket. Control messages
// win over frames when both are pending. On close, control messages already
// queued still get a best-effort flush so the peer sees the final
// notifications.
func (c *Conn) WritePump() {
	for {
		select {
		case <-c.closed:
			c.flushOutbox()
			return
		case data := <-c.outbox:
			if err := c.sock.Write(data); err != nil {
				c.Close("write-failed")
				return
			}
		default:
		}

		select {
		case <-c.closed:
			c.flushOutbox()
			return
		case data := <-c.outbox:
			if err := c.sock.Write(data); err != nil {
				c.Close("write-failed")
				return
			}
		case data := <-c.frames:
			if err := c.sock.Write(data); err != nil {
				c.Close("write-failed")
				return
			}
		case <-c.pings:
			if err := c.sock.Ping(); err != nil {
				c.Close("ping-failed")
				return
			}
		}
	}
}

func (c *Conn) flushOutbox() {
	for {
		select {
		case data := <-c.outbox:
			if c.sock.Write(data) != nil {
				return
			}
		default:
			return
		}
	}
}
