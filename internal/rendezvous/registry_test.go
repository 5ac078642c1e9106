package rendezvous

import (
	"errors"
	"sync"
	"testing"

	"github.com/november222/onlyyou-sub000/internal/constants"
	"github.com/november222/onlyyou-sub000/internal/protocol"
)

func newSendQueue() chan protocol.Envelope {
	return make(chan protocol.Envelope, constants.RelayQueueSize)
}

func TestPairingRoles(t *testing.T) {
	reg := NewRegistry(nil)
	sendA, sendB := newSendQueue(), newSendQueue()

	resultA, err := reg.CreateOrJoin("ABC123", []byte("key-a"), "conn-a", sendA)
	if err != nil {
		t.Fatal(err)
	}
	if !resultA.IsFirst {
		t.Fatal("first joiner must be told it is first")
	}
	if resultA.PartnerPublicKey != nil {
		t.Fatal("first joiner has no partner key yet")
	}

	resultB, err := reg.CreateOrJoin("ABC123", []byte("key-b"), "conn-b", sendB)
	if err != nil {
		t.Fatal(err)
	}
	if resultB.IsFirst {
		t.Fatal("second joiner must not be told it is first")
	}
	if string(resultB.PartnerPublicKey) != "key-a" {
		t.Fatalf("second joiner should receive the first peer's key, got %q", resultB.PartnerPublicKey)
	}

	// The first peer learns of the arrival through its queue.
	select {
	case env := <-sendA:
		if env.Type != protocol.TypePartnerJoined {
			t.Fatalf("want %s, got %s", protocol.TypePartnerJoined, env.Type)
		}
		if string(env.PartnerPublicKey) != "key-b" {
			t.Fatalf("partner-joined should carry the second peer's key, got %q", env.PartnerPublicKey)
		}
	default:
		t.Fatal("first peer never notified of the pairing")
	}
}

func TestThirdJoinerRejected(t *testing.T) {
	reg := NewRegistry(nil)
	reg.CreateOrJoin("ABC123", []byte("a"), "conn-a", newSendQueue())
	reg.CreateOrJoin("ABC123", []byte("b"), "conn-b", newSendQueue())

	_, err := reg.CreateOrJoin("ABC123", []byte("c"), "conn-c", newSendQueue())
	if !errors.Is(err, protocol.ErrRoomFull) {
		t.Fatalf("third joiner: want ErrRoomFull, got %v", err)
	}

	rooms, connections := reg.Counts()
	if rooms != 1 || connections != 2 {
		t.Fatalf("rejected joiner must not be registered: rooms=%d connections=%d", rooms, connections)
	}
}

func TestConcurrentJoinersExactlyTwoWin(t *testing.T) {
	reg := NewRegistry(nil)

	const joiners = 10
	var wg sync.WaitGroup
	results := make([]JoinResult, joiners)
	errs := make([]error, joiners)

	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			results[i], errs[i] = reg.CreateOrJoin("ABC123", []byte(id), "conn-"+id, newSendQueue())
		}(i)
	}
	wg.Wait()

	var wins, firsts int
	for i := 0; i < joiners; i++ {
		if errs[i] == nil {
			wins++
			if results[i].IsFirst {
				firsts++
			}
		} else if !errors.Is(errs[i], protocol.ErrRoomFull) {
			t.Fatalf("loser %d got unexpected error %v", i, errs[i])
		}
	}
	if wins != 2 {
		t.Fatalf("exactly two joiners must win the race, got %d", wins)
	}
	if firsts != 1 {
		t.Fatalf("exactly one winner must be first, got %d", firsts)
	}
}

func TestRelayReachesOnlyThePartner(t *testing.T) {
	reg := NewRegistry(nil)
	sendA, sendB := newSendQueue(), newSendQueue()
	reg.CreateOrJoin("ABC123", []byte("a"), "conn-a", sendA)
	reg.CreateOrJoin("ABC123", []byte("b"), "conn-b", sendB)
	<-sendA // drain partner-joined

	env := protocol.Envelope{Type: protocol.TypeOffer, RoomCode: "ABC123", Payload: []byte(`{"sdp":"x"}`)}
	if err := reg.Relay("ABC123", "conn-a", env); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-sendB:
		if got.Type != protocol.TypeOffer || string(got.Payload) != `{"sdp":"x"}` {
			t.Fatalf("partner received wrong envelope: %+v", got)
		}
	default:
		t.Fatal("partner never received the relayed envelope")
	}
	select {
	case got := <-sendA:
		t.Fatalf("sender must not receive its own envelope, got %+v", got)
	default:
	}
}

func TestRelayUnknownRoom(t *testing.T) {
	reg := NewRegistry(nil)
	err := reg.Relay("ZZZZZZ", "conn-a", protocol.Envelope{Type: protocol.TypeOffer})
	if !errors.Is(err, protocol.ErrRoomNotFound) {
		t.Fatalf("want ErrRoomNotFound, got %v", err)
	}
}

func TestLeaveNotifiesRemainingPeer(t *testing.T) {
	reg := NewRegistry(nil)
	sendA, sendB := newSendQueue(), newSendQueue()
	reg.CreateOrJoin("ABC123", []byte("a"), "conn-a", sendA)
	reg.CreateOrJoin("ABC123", []byte("b"), "conn-b", sendB)
	<-sendA // drain partner-joined

	reg.Leave("conn-b")

	select {
	case env := <-sendA:
		if env.Type != protocol.TypePartnerDisconnected {
			t.Fatalf("want %s, got %s", protocol.TypePartnerDisconnected, env.Type)
		}
	default:
		t.Fatal("remaining peer never told the partner left")
	}

	// Room survives with one member; a fresh peer can take the free slot.
	if !reg.HasRoom("ABC123") {
		t.Fatal("room must survive while one peer remains")
	}
	result, err := reg.CreateOrJoin("ABC123", []byte("c"), "conn-c", newSendQueue())
	if err != nil {
		t.Fatal(err)
	}
	if result.IsFirst {
		t.Fatal("rejoining a half-full room should pair, not restart it")
	}
}

func TestRejoinAfterFirstPeerLeaves(t *testing.T) {
	reg := NewRegistry(nil)
	sendA, sendB := newSendQueue(), newSendQueue()
	reg.CreateOrJoin("ABC123", []byte("a"), "conn-a", sendA)
	reg.CreateOrJoin("ABC123", []byte("b"), "conn-b", sendB)
	<-sendA // partner-joined

	// The first joiner leaves; the survivor sits in the second slot.
	reg.Leave("conn-a")
	if env := <-sendB; env.Type != protocol.TypePartnerDisconnected {
		t.Fatalf("want partner-disconnected, got %+v", env)
	}

	result, err := reg.CreateOrJoin("ABC123", []byte("c"), "conn-c", newSendQueue())
	if err != nil {
		t.Fatal(err)
	}
	if result.IsFirst {
		t.Fatal("rejoining a half-full room should pair, not restart it")
	}
	if string(result.PartnerPublicKey) != "b" {
		t.Fatalf("joiner should receive the survivor's key, got %q", result.PartnerPublicKey)
	}

	select {
	case env := <-sendB:
		if env.Type != protocol.TypePartnerJoined || string(env.PartnerPublicKey) != "c" {
			t.Fatalf("survivor: want partner-joined with key c, got %+v", env)
		}
	default:
		t.Fatal("survivor never notified of the new pairing")
	}
}

func TestLeaveJoinRaceKeepsJoinerRoomMapped(t *testing.T) {
	for i := 0; i < 200; i++ {
		reg := NewRegistry(nil)
		reg.CreateOrJoin("ABC123", []byte("a"), "conn-a", newSendQueue())

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			reg.Leave("conn-a")
		}()
		go func() {
			defer wg.Done()
			if _, err := reg.CreateOrJoin("ABC123", []byte("b"), "conn-b", newSendQueue()); err != nil {
				t.Errorf("join during leave failed: %v", err)
			}
		}()
		wg.Wait()

		// Whichever interleaving won, the joiner must end up in the room
		// the registry maps under the code.
		if !reg.HasRoom("ABC123") {
			t.Fatal("joiner left waiting in an unmapped room")
		}
		if err := reg.Relay("ABC123", "conn-b", protocol.Envelope{Type: protocol.TypeOffer}); err != nil {
			t.Fatalf("relay from the joiner failed: %v", err)
		}
	}
}

func TestRoomDeletedWhenEmpty(t *testing.T) {
	reg := NewRegistry(nil)
	reg.CreateOrJoin("ABC123", []byte("a"), "conn-a", newSendQueue())
	reg.Leave("conn-a")

	if reg.HasRoom("ABC123") {
		t.Fatal("empty room must be deleted")
	}
	rooms, connections := reg.Counts()
	if rooms != 0 || connections != 0 {
		t.Fatalf("registry should be empty: rooms=%d connections=%d", rooms, connections)
	}
}

func TestLeaveUnknownConnectionIsNoop(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Leave("conn-ghost")
	if rooms, connections := reg.Counts(); rooms != 0 || connections != 0 {
		t.Fatalf("noop leave changed state: rooms=%d connections=%d", rooms, connections)
	}
}
