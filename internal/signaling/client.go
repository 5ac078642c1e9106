package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/november222/onlyyou-sub000/internal/constants"
	"github.com/november222/onlyyou-sub000/internal/protocol"
)

// ErrNotConnected is returned by sends while the control channel is down;
// the redial loop is already working on it.
var ErrNotConnected = errors.New("control channel not connected")

type EventKind int

const (
	EventRoomJoined EventKind = iota
	EventPeerJoined
	EventOfferReceived
	EventAnswerReceived
	EventIceCandidateReceived
	EventPartnerDisconnected
	EventRoomError
	EventTransportError
)

// Event is one typed occurrence on the control channel. Payload carries
// the opaque negotiation envelope for the webrtc-* kinds.
type Event struct {
	Kind             EventKind
	RoomCode         string
	IsFirst          bool
	PartnerPublicKey []byte
	Payload          json.RawMessage
	Err              error
}

// Client is a thin typed wrapper over the persistent control connection to
// the rendezvous service. It never interprets negotiation payloads.
// Loss of the control channel itself is retried with exponential backoff
// and surfaces to the caller only as EventTransportError.
type Client struct {
	wsURL  string
	events chan Event

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	done   chan struct{}
}

// Dial connects the control channel. serverURL is the http(s) base URL of
// the rendezvous service.
func Dial(serverURL string) (*Client, error) {
	c := &Client{
		wsURL:  WebSocketURL(serverURL),
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}

	conn, err := c.dial()
	if err != nil {
		return nil, err
	}

	c.conn = conn
	go c.readLoop(conn)
	return c, nil
}

func (c *Client) dial() (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		ReadBufferSize:   constants.WSBufferSize,
		WriteBufferSize:  constants.WSBufferSize,
		HandshakeTimeout: constants.WSHandshakeTimeout,
	}

	conn, resp, err := dialer.Dial(c.wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to server (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	conn.SetReadLimit(constants.MaxWSMessageSize)
	return conn, nil
}

// Events returns the stream of control-channel events.
func (c *Client) Events() <-chan Event {
	return c.events
}

// JoinRoom announces this peer under the room code. The code is validated
// locally; malformed codes never reach the network.
func (c *Client) JoinRoom(code string, localPublicKey []byte) error {
	if err := protocol.ValidateRoomCode(code); err != nil {
		return err
	}
	return c.write(protocol.Envelope{
		Type:      protocol.TypeJoinRoom,
		RoomCode:  code,
		PublicKey: localPublicKey,
	})
}

// LeaveRoom withdraws from the current room without dropping the control
// channel.
func (c *Client) LeaveRoom() error {
	return c.write(protocol.Envelope{Type: protocol.TypeLeaveRoom})
}

func (c *Client) SendOffer(roomCode string, payload json.RawMessage) error {
	return c.write(protocol.Envelope{Type: protocol.TypeOffer, RoomCode: roomCode, Payload: payload})
}

func (c *Client) SendAnswer(roomCode string, payload json.RawMessage) error {
	return c.write(protocol.Envelope{Type: protocol.TypeAnswer, RoomCode: roomCode, Payload: payload})
}

func (c *Client) SendIceCandidate(roomCode string, payload json.RawMessage) error {
	return c.write(protocol.Envelope{Type: protocol.TypeIceCandidate, RoomCode: roomCode, Payload: payload})
}

// Close tears down the control channel for good.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return nil
}

func (c *Client) write(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrNotConnected
	}
	if c.conn == nil {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(constants.WriteTimeout))
	return c.conn.WriteJSON(env)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env protocol.Envelope) {
	var event Event
	switch env.Type {
	case protocol.TypeRoomJoined:
		event = Event{
			Kind:             EventRoomJoined,
			RoomCode:         env.RoomCode,
			IsFirst:          env.IsFirst,
			PartnerPublicKey: env.PartnerPublicKey,
		}
	case protocol.TypePartnerJoined:
		event = Event{Kind: EventPeerJoined, PartnerPublicKey: env.PartnerPublicKey}
	case protocol.TypeOffer:
		event = Event{Kind: EventOfferReceived, Payload: env.Payload}
	case protocol.TypeAnswer:
		event = Event{Kind: EventAnswerReceived, Payload: env.Payload}
	case protocol.TypeIceCandidate:
		event = Event{Kind: EventIceCandidateReceived, Payload: env.Payload}
	case protocol.TypePartnerDisconnected:
		event = Event{Kind: EventPartnerDisconnected}
	case protocol.TypeRoomError:
		event = Event{Kind: EventRoomError, Err: roomError(env.Message)}
	default:
		return
	}
	c.emit(event)
}

func (c *Client) emit(event Event) {
	select {
	case c.events <- event:
	case <-c.done:
	}
}

// handleDisconnect drops the dead connection and redials with exponential
// backoff until it succeeds or the client is closed.
func (c *Client) handleDisconnect(dead *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.conn != dead {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	dead.Close()
	c.emit(Event{Kind: EventTransportError, Err: fmt.Errorf("control channel lost: %w", cause)})

	delay := constants.RedialBaseDelay
	for {
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		conn, err := c.dial()
		if err != nil {
			if delay *= 2; delay > constants.RedialMaxDelay {
				delay = constants.RedialMaxDelay
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		go c.readLoop(conn)
		return
	}
}

// roomError maps the service's message strings back onto the shared
// sentinel errors so callers can branch on them.
func roomError(message string) error {
	switch message {
	case protocol.ErrRoomFull.Error():
		return protocol.ErrRoomFull
	case protocol.ErrRoomNotFound.Error():
		return protocol.ErrRoomNotFound
	case protocol.ErrInvalidCode.Error():
		return protocol.ErrInvalidCode
	default:
		return errors.New(message)
	}
}

// WebSocketURL converts the service base URL into the control-channel ws URL.
func WebSocketURL(serverURL string) string {
	wsURL := strings.TrimSuffix(serverURL, "/")
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	return wsURL + constants.EndpointWebSocket
}
