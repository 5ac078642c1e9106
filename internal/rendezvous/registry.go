package rendezvous

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/november222/onlyyou-sub000/internal/protocol"
)

// Registry owns every live room and the connection→room index. Room
// creation and deletion serialize on the registry mutex; pairing decisions
// serialize on each room's own mutex.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*Room
	byConn map[string]*Room
	clock  func() time.Time
}

func NewRegistry(clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		rooms:  make(map[string]*Room),
		byConn: make(map[string]*Room),
		clock:  clock,
	}
}

// CreateOrJoin registers the peer under the room code, creating the room
// for the first caller. Malformed codes must be rejected by the caller
// before lookup. A join that loses the race against the deletion of a
// dying room retries against a fresh instance.
func (reg *Registry) CreateOrJoin(code string, publicKey []byte, connectionID string, send chan protocol.Envelope) (JoinResult, error) {
	p := &peer{connectionID: connectionID, publicKey: publicKey, send: send}

	for {
		reg.mu.Lock()
		room, ok := reg.rooms[code]
		if !ok {
			room = &Room{code: code, createdAt: reg.clock()}
			reg.rooms[code] = room
		}
		reg.mu.Unlock()

		result, err := room.join(p)
		if errors.Is(err, errRoomGone) {
			continue
		}
		if err != nil {
			return JoinResult{}, err
		}

		reg.mu.Lock()
		reg.byConn[connectionID] = room
		reg.mu.Unlock()

		if result.IsFirst {
			log.Printf("🚪 Room %s created, waiting for partner (%s)", code, connectionID)
		} else {
			log.Printf("💑 Room %s paired (%s)", code, connectionID)
		}
		return result, nil
	}
}

// Relay fans an opaque negotiation envelope out to the sender's partner.
func (reg *Registry) Relay(code string, fromConnectionID string, env protocol.Envelope) error {
	reg.mu.Lock()
	room, ok := reg.rooms[code]
	reg.mu.Unlock()
	if !ok {
		return protocol.ErrRoomNotFound
	}
	room.relay(fromConnectionID, env)
	return nil
}

// Leave removes the connection from its room, notifies the remaining peer
// and deletes the room once both members are gone.
func (reg *Registry) Leave(connectionID string) {
	reg.mu.Lock()
	room, ok := reg.byConn[connectionID]
	delete(reg.byConn, connectionID)
	reg.mu.Unlock()
	if !ok {
		return
	}

	if room.leave(connectionID) {
		// Re-check under both locks before deleting: a joiner may have
		// taken the freed slot since leave reported the room empty.
		reg.mu.Lock()
		room.mu.Lock()
		if reg.rooms[room.code] == room && room.peerA == nil && room.peerB == nil {
			room.deleted = true
			delete(reg.rooms, room.code)
			log.Printf("🗑 Room %s deleted (empty)", room.code)
		}
		room.mu.Unlock()
		reg.mu.Unlock()
	}
}

// Counts reports live rooms and registered connections for /health.
func (reg *Registry) Counts() (rooms int, connections int) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms), len(reg.byConn)
}

// HasRoom reports whether a live room exists under the code. Used to
// avoid handing out a code that is already in flight.
func (reg *Registry) HasRoom(code string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	_, ok := reg.rooms[code]
	return ok
}
