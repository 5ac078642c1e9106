package signaling

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/november222/onlyyou-sub000/internal/protocol"
	"github.com/november222/onlyyou-sub000/internal/rendezvous"
)

func newRendezvous(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(rendezvous.NewServer().Handler())
	t.Cleanup(srv.Close)
	return srv
}

func dialClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	client, err := Dial(srv.URL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func nextEvent(t *testing.T, client *Client) Event {
	t.Helper()
	select {
	case event := <-client.Events():
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestWebSocketURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:3031":   "ws://localhost:3031/ws",
		"http://localhost:3031/":  "ws://localhost:3031/ws",
		"https://pair.example.io": "wss://pair.example.io/ws",
	}
	for in, want := range cases {
		if got := WebSocketURL(in); got != want {
			t.Errorf("WebSocketURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestJoinRoomValidatesLocally(t *testing.T) {
	srv := newRendezvous(t)
	client := dialClient(t, srv)

	for _, code := range []string{"", "abc123", "ABC12", "ABC1234"} {
		if err := client.JoinRoom(code, []byte("key")); !errors.Is(err, protocol.ErrInvalidCode) {
			t.Errorf("JoinRoom(%q) = %v, want ErrInvalidCode", code, err)
		}
	}
}

func TestJoinAndPairEvents(t *testing.T) {
	srv := newRendezvous(t)
	first := dialClient(t, srv)
	second := dialClient(t, srv)

	if err := first.JoinRoom("ABC123", []byte("key-1")); err != nil {
		t.Fatal(err)
	}
	event := nextEvent(t, first)
	if event.Kind != EventRoomJoined || !event.IsFirst || event.RoomCode != "ABC123" {
		t.Fatalf("first joiner: want EventRoomJoined isFirst, got %+v", event)
	}

	if err := second.JoinRoom("ABC123", []byte("key-2")); err != nil {
		t.Fatal(err)
	}
	event = nextEvent(t, second)
	if event.Kind != EventRoomJoined || event.IsFirst {
		t.Fatalf("second joiner: want EventRoomJoined !isFirst, got %+v", event)
	}
	if string(event.PartnerPublicKey) != "key-1" {
		t.Fatalf("second joiner should carry first key, got %q", event.PartnerPublicKey)
	}

	event = nextEvent(t, first)
	if event.Kind != EventPeerJoined || string(event.PartnerPublicKey) != "key-2" {
		t.Fatalf("first joiner: want EventPeerJoined with key-2, got %+v", event)
	}
}

func TestNegotiationPayloadsRelayOpaquely(t *testing.T) {
	srv := newRendezvous(t)
	first := dialClient(t, srv)
	second := dialClient(t, srv)

	first.JoinRoom("ABC123", []byte("key-1"))
	nextEvent(t, first) // room-joined
	second.JoinRoom("ABC123", []byte("key-2"))
	nextEvent(t, second) // room-joined
	nextEvent(t, first)  // peer-joined

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	if err := second.SendOffer("ABC123", offer); err != nil {
		t.Fatal(err)
	}
	event := nextEvent(t, first)
	if event.Kind != EventOfferReceived || string(event.Payload) != string(offer) {
		t.Fatalf("want offer payload verbatim, got %+v", event)
	}

	answer := json.RawMessage(`{"type":"answer","sdp":"v=0"}`)
	if err := first.SendAnswer("ABC123", answer); err != nil {
		t.Fatal(err)
	}
	event = nextEvent(t, second)
	if event.Kind != EventAnswerReceived || string(event.Payload) != string(answer) {
		t.Fatalf("want answer payload verbatim, got %+v", event)
	}

	candidate := json.RawMessage(`{"candidate":"c","sdpMid":"0"}`)
	if err := second.SendIceCandidate("ABC123", candidate); err != nil {
		t.Fatal(err)
	}
	event = nextEvent(t, first)
	if event.Kind != EventIceCandidateReceived || string(event.Payload) != string(candidate) {
		t.Fatalf("want candidate payload verbatim, got %+v", event)
	}
}

func TestRoomFullMapsToSentinel(t *testing.T) {
	srv := newRendezvous(t)
	first := dialClient(t, srv)
	second := dialClient(t, srv)
	third := dialClient(t, srv)

	first.JoinRoom("ABC123", []byte("key-1"))
	nextEvent(t, first)
	second.JoinRoom("ABC123", []byte("key-2"))
	nextEvent(t, second)

	third.JoinRoom("ABC123", []byte("key-3"))
	event := nextEvent(t, third)
	if event.Kind != EventRoomError {
		t.Fatalf("want EventRoomError, got %+v", event)
	}
	if !errors.Is(event.Err, protocol.ErrRoomFull) {
		t.Fatalf("service message must map back to ErrRoomFull, got %v", event.Err)
	}
}

func TestPartnerDisconnectedEvent(t *testing.T) {
	srv := newRendezvous(t)
	first := dialClient(t, srv)
	second := dialClient(t, srv)

	first.JoinRoom("ABC123", []byte("key-1"))
	nextEvent(t, first)
	second.JoinRoom("ABC123", []byte("key-2"))
	nextEvent(t, second)
	nextEvent(t, first) // peer-joined

	second.Close()

	event := nextEvent(t, first)
	if event.Kind != EventPartnerDisconnected {
		t.Fatalf("want EventPartnerDisconnected, got %+v", event)
	}
}

func TestSendAfterCloseReturnsNotConnected(t *testing.T) {
	srv := newRendezvous(t)
	client := dialClient(t, srv)
	client.Close()

	if err := client.JoinRoom("ABC123", []byte("key")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("want ErrNotConnected after close, got %v", err)
	}
	// Closing twice is fine.
	if err := client.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestGenerateRoomCodeFromService(t *testing.T) {
	srv := newRendezvous(t)

	code, err := GenerateRoomCode(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if err := protocol.ValidateRoomCode(code); err != nil {
		t.Fatalf("service handed out malformed code %q", code)
	}
}

func TestGenerateRoomCodeServerDown(t *testing.T) {
	srv := newRendezvous(t)
	url := srv.URL
	srv.Close()

	if _, err := GenerateRoomCode(url); err == nil {
		t.Fatal("want an error when the service is unreachable")
	}
}
