package peerlink

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/november222/onlyyou-sub000/internal/crypto"
)

// recordingSender captures what the link hands to the relay.
type recordingSender struct {
	mu         sync.Mutex
	offers     []json.RawMessage
	answers    []json.RawMessage
	candidates []json.RawMessage
}

func (s *recordingSender) SendOffer(roomCode string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers = append(s.offers, payload)
	return nil
}

func (s *recordingSender) SendAnswer(roomCode string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, payload)
	return nil
}

func (s *recordingSender) SendIceCandidate(roomCode string, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, payload)
	return nil
}

func (s *recordingSender) offerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offers)
}

func testSecret(t *testing.T) crypto.SharedSecret {
	t.Helper()
	a, err := crypto.NewEphemeralContext()
	if err != nil {
		t.Fatal(err)
	}
	b, err := crypto.NewEphemeralContext()
	if err != nil {
		t.Fatal(err)
	}
	secret, err := a.DeriveSharedSecret(b.PublicKey())
	if err != nil {
		t.Fatal(err)
	}
	return secret
}

func TestInitiatorSendsOfferOnCreation(t *testing.T) {
	sender := &recordingSender{}
	link, err := New("ABC123", true, testSecret(t), sender, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	defer link.Close()

	if sender.offerCount() != 1 {
		t.Fatalf("initiator must send exactly one offer, got %d", sender.offerCount())
	}

	var offer struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	if err := json.Unmarshal(sender.offers[0], &offer); err != nil {
		t.Fatal(err)
	}
	if offer.Type != "offer" || offer.SDP == "" {
		t.Fatalf("malformed offer payload: %+v", offer)
	}
}

func TestNonInitiatorSendsNothingOnCreation(t *testing.T) {
	sender := &recordingSender{}
	link, err := New("ABC123", false, testSecret(t), sender, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	defer link.Close()

	if sender.offerCount() != 0 {
		t.Fatal("the answering side must wait for the offer")
	}
}

func TestAnswererRespondsToOffer(t *testing.T) {
	offerSender := &recordingSender{}
	initiator, err := New("ABC123", true, testSecret(t), offerSender, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	defer initiator.Close()

	answerSender := &recordingSender{}
	answerer, err := New("ABC123", false, testSecret(t), answerSender, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	defer answerer.Close()

	if err := answerer.HandleOffer(offerSender.offers[0]); err != nil {
		t.Fatal(err)
	}

	answerSender.mu.Lock()
	answers := len(answerSender.answers)
	answerSender.mu.Unlock()
	if answers != 1 {
		t.Fatalf("answering the offer must produce exactly one answer, got %d", answers)
	}
}

func TestCandidatesBufferUntilRemoteDescription(t *testing.T) {
	sender := &recordingSender{}
	link, err := New("ABC123", false, testSecret(t), sender, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	defer link.Close()

	// No remote description yet: the candidate must be buffered, not fail.
	candidate := json.RawMessage(`{"candidate":"candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host","sdpMid":"0","sdpMLineIndex":0}`)
	if err := link.HandleIceCandidate(candidate); err != nil {
		t.Fatalf("early candidate must be buffered: %v", err)
	}

	link.mu.Lock()
	buffered := len(link.pending)
	link.mu.Unlock()
	if buffered != 1 {
		t.Fatalf("want 1 buffered candidate, got %d", buffered)
	}
}

func TestHandleOfferRejectsGarbage(t *testing.T) {
	link, err := New("ABC123", false, testSecret(t), &recordingSender{}, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	defer link.Close()

	if err := link.HandleOffer(json.RawMessage(`not json`)); err == nil {
		t.Fatal("garbage offer must be rejected")
	}
	if err := link.HandleIceCandidate(json.RawMessage(`{`)); err == nil {
		t.Fatal("garbage candidate must be rejected")
	}
}

func TestSendBeforeChannelOpens(t *testing.T) {
	link, err := New("ABC123", true, testSecret(t), &recordingSender{}, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	defer link.Close()

	if err := link.Send([]byte("hi")); !errors.Is(err, ErrChannelNotOpen) {
		t.Fatalf("want ErrChannelNotOpen before negotiation completes, got %v", err)
	}
	if link.Ready() {
		t.Fatal("link must not report ready before the channel opens")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	link, err := New("ABC123", true, testSecret(t), &recordingSender{}, Callbacks{})
	if err != nil {
		t.Fatal(err)
	}
	if err := link.Close(); err != nil {
		t.Fatal(err)
	}
	if err := link.Close(); err != nil {
		t.Fatal(err)
	}
}
