package rendezvous

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/november222/onlyyou-sub000/internal/protocol"
)

// peer is one registered member of a room. The send queue is drained by
// the connection's writer goroutine; relaying never blocks on the
// receiving peer's processing.
type peer struct {
	connectionID string
	publicKey    []byte
	send         chan protocol.Envelope
}

func (p *peer) enqueue(env protocol.Envelope) {
	select {
	case p.send <- env:
	default:
		log.Printf("⚠️  Relay queue full, dropping %s for %s", env.Type, p.connectionID)
	}
}

// errRoomGone means the room lost a race with its own deletion; the
// registry retries against a fresh instance.
var errRoomGone = errors.New("room deleted")

// Room pairs at most two peers under a code. All transitions happen under
// the room mutex so two simultaneous joiners can never both be told they
// are the second peer.
type Room struct {
	mu        sync.Mutex
	code      string
	peerA     *peer
	peerB     *peer
	deleted   bool
	createdAt time.Time
}

// JoinResult tells a joiner its role and, for the second peer, the
// partner's public key.
type JoinResult struct {
	IsFirst          bool
	PartnerPublicKey []byte
}

// join registers a peer. An empty room makes the joiner first; a room
// with one member in either slot pairs them and notifies the waiting
// member through its send queue. The loser of a race for the last free
// slot gets ErrRoomFull.
func (r *Room) join(p *peer) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deleted {
		return JoinResult{}, errRoomGone
	}

	switch {
	case r.peerA == nil && r.peerB == nil:
		r.peerA = p
		return JoinResult{IsFirst: true}, nil
	case (r.peerA != nil && r.peerB != nil) || r.has(p.connectionID):
		return JoinResult{}, protocol.ErrRoomFull
	default:
		partner := r.either()
		if r.peerA == nil {
			r.peerA = p
		} else {
			r.peerB = p
		}
		partner.enqueue(protocol.Envelope{
			Type:             protocol.TypePartnerJoined,
			PartnerPublicKey: p.publicKey,
		})
		return JoinResult{PartnerPublicKey: partner.publicKey}, nil
	}
}

// relay fans the envelope out to the other member only, preserving the
// sender's ordering.
func (r *Room) relay(fromConnectionID string, env protocol.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if other := r.other(fromConnectionID); other != nil {
		other.enqueue(env)
	}
}

// leave removes the peer and notifies the remaining one. Returns true
// when the room is empty and should be deleted.
func (r *Room) leave(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.peerA != nil && r.peerA.connectionID == connectionID:
		r.peerA = nil
	case r.peerB != nil && r.peerB.connectionID == connectionID:
		r.peerB = nil
	default:
		return r.peerA == nil && r.peerB == nil
	}

	if remaining := r.either(); remaining != nil {
		remaining.enqueue(protocol.Envelope{Type: protocol.TypePartnerDisconnected})
		return false
	}
	return true
}

func (r *Room) has(connectionID string) bool {
	return (r.peerA != nil && r.peerA.connectionID == connectionID) ||
		(r.peerB != nil && r.peerB.connectionID == connectionID)
}

func (r *Room) other(connectionID string) *peer {
	if r.peerA != nil && r.peerA.connectionID != connectionID {
		return r.peerA
	}
	if r.peerB != nil && r.peerB.connectionID != connectionID {
		return r.peerB
	}
	return nil
}

func (r *Room) either() *peer {
	if r.peerA != nil {
		return r.peerA
	}
	return r.peerB
}
