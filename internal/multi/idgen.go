package multi

import (
	"crypto/rand"
	"math/big"
	"sync"
)

const roomIDAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// RoomIdGenerator hands out short human-readable room ids. Ids grow one
// character once a size class gets crowded, and disposed ids become
// available again.
type RoomIdGenerator struct {
	inUse  map[string]struct{}
	size   int
	locker sync.Mutex
}

func NewRoomIdGenerator() *RoomIdGenerator {
	return &RoomIdGenerator{
		inUse: map[string]struct{}{},
		size:  4,
	}
}

func (g *RoomIdGenerator) Generate() string {
	g.locker.Lock()
	defer g.locker.Unlock()

	for attempts := 0; ; attempts++ {
		if attempts > 0 && attempts%16 == 0 {
			g.size++
		}
		id := randomID(g.size)
		if _, taken := g.inUse[id]; !taken {
			g.inUse[id] = struct{}{}
			return id
		}
	}
}

func (g *RoomIdGenerator) Dispose(id string) {
	g.locker.Lock()
	defer g.locker.Unlock()
	delete(g.inUse, id)
}

func randomID(size int) string {
	buf := make([]byte, size)
	max := big.NewInt(int64(len(roomIDAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the platform source is broken
			panic(err)
		}
		buf[i] = roomIDAlphabet[n.Int64()]
	}
	return string(buf)
}
