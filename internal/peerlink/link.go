package peerlink

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/november222/onlyyou-sub000/internal/constants"
	"github.com/november222/onlyyou-sub000/internal/crypto"
)

// ErrChannelNotOpen is returned by Send before the data channel is up.
var ErrChannelNotOpen = errors.New("peer channel not open")

const dataChannelLabel = "messages"

// Sender relays negotiation payloads to the partner through the
// rendezvous service.
type Sender interface {
	SendOffer(roomCode string, payload json.RawMessage) error
	SendAnswer(roomCode string, payload json.RawMessage) error
	SendIceCandidate(roomCode string, payload json.RawMessage) error
}

// Callbacks deliver link activity. All of them may be nil. OnDecrypt*
// feed the connection machine's forced re-pairing policy.
type Callbacks struct {
	OnMessage        func(plaintext []byte)
	OnOpen           func()
	OnDecryptFailure func()
	OnDecryptSuccess func()
}

// Link is the direct peer channel: one PeerConnection per pairing, one
// ordered data channel, every payload sealed with the pairing's shared
// secret. Negotiation payloads travel through the Sender; the link never
// talks to the rendezvous service itself.
type Link struct {
	roomCode  string
	initiator bool
	secret    crypto.SharedSecret
	sender    Sender
	callbacks Callbacks

	mu        sync.Mutex
	pc        *webrtc.PeerConnection
	channel   *webrtc.DataChannel
	open      bool
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	closed    bool
}

// New builds the link and, for the initiating side, sends the offer
// immediately. ICE candidates trickle through the relay as they are
// gathered.
func New(roomCode string, initiator bool, secret crypto.SharedSecret, sender Sender, callbacks Callbacks) (*Link, error) {
	stunServer := constants.GetEnv("ONLYYOU_STUN_SERVER", "stun:stun.l.google.com:19302")

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{stunServer}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	l := &Link{
		roomCode:  roomCode,
		initiator: initiator,
		secret:    secret,
		sender:    sender,
		callbacks: callbacks,
		pc:        pc,
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		payload, err := json.Marshal(candidate.ToJSON())
		if err != nil {
			return
		}
		l.sender.SendIceCandidate(l.roomCode, payload)
	})

	if initiator {
		ordered := true
		channel, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to create data channel: %w", err)
		}
		l.bindChannel(channel)

		offer, err := pc.CreateOffer(nil)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to create offer: %w", err)
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to set local description: %w", err)
		}
		payload, err := json.Marshal(offer)
		if err != nil {
			pc.Close()
			return nil, err
		}
		if err := l.sender.SendOffer(roomCode, payload); err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to send offer: %w", err)
		}
	} else {
		pc.OnDataChannel(func(channel *webrtc.DataChannel) {
			if channel.Label() == dataChannelLabel {
				l.bindChannel(channel)
			}
		})
	}

	return l, nil
}

// HandleOffer answers the partner's offer. Only the non-initiating side
// ever receives one.
func (l *Link) HandleOffer(payload json.RawMessage) error {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &offer); err != nil {
		return fmt.Errorf("malformed offer: %w", err)
	}
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("failed to set remote offer: %w", err)
	}
	l.flushPending()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	raw, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	return l.sender.SendAnswer(l.roomCode, raw)
}

// HandleAnswer completes the initiating side's negotiation.
func (l *Link) HandleAnswer(payload json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &answer); err != nil {
		return fmt.Errorf("malformed answer: %w", err)
	}
	if err := l.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	l.flushPending()
	return nil
}

// HandleIceCandidate adds a trickled candidate, buffering any that arrive
// before the remote description is set.
func (l *Link) HandleIceCandidate(payload json.RawMessage) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &candidate); err != nil {
		return fmt.Errorf("malformed ice candidate: %w", err)
	}

	l.mu.Lock()
	if !l.remoteSet {
		l.pending = append(l.pending, candidate)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	return l.pc.AddICECandidate(candidate)
}

func (l *Link) flushPending() {
	l.mu.Lock()
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, candidate := range pending {
		l.pc.AddICECandidate(candidate)
	}
}

// Send seals the plaintext with the shared secret and ships it over the
// data channel.
func (l *Link) Send(plaintext []byte) error {
	l.mu.Lock()
	channel, open := l.channel, l.open
	l.mu.Unlock()

	if channel == nil || !open {
		return ErrChannelNotOpen
	}

	sealed, err := crypto.Seal(plaintext, l.secret)
	if err != nil {
		return err
	}
	return channel.Send(sealed)
}

// Ready reports whether the data channel is open.
func (l *Link) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

// Close tears down the peer connection.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.open = false
	l.mu.Unlock()

	return l.pc.Close()
}

func (l *Link) bindChannel(channel *webrtc.DataChannel) {
	l.mu.Lock()
	l.channel = channel
	l.mu.Unlock()

	channel.OnOpen(func() {
		l.mu.Lock()
		l.open = true
		l.mu.Unlock()
		if l.callbacks.OnOpen != nil {
			l.callbacks.OnOpen()
		}
	})

	channel.OnClose(func() {
		l.mu.Lock()
		l.open = false
		l.mu.Unlock()
	})

	channel.OnMessage(func(msg webrtc.DataChannelMessage) {
		plaintext, err := crypto.Open(msg.Data, l.secret)
		if err != nil {
			// Tampered or mismatched payload: drop the message. The
			// machine decides when repeated failures force a re-pairing.
			if l.callbacks.OnDecryptFailure != nil {
				l.callbacks.OnDecryptFailure()
			}
			return
		}
		if l.callbacks.OnDecryptSuccess != nil {
			l.callbacks.OnDecryptSuccess()
		}
		if l.callbacks.OnMessage != nil {
			l.callbacks.OnMessage(plaintext)
		}
	})
}
