package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/november222/onlyyou-sub000/internal/constants"
	"github.com/november222/onlyyou-sub000/internal/crypto"
	"github.com/november222/onlyyou-sub000/internal/logger"
	"github.com/november222/onlyyou-sub000/internal/protocol"
	"github.com/november222/onlyyou-sub000/internal/session"
	"github.com/november222/onlyyou-sub000/internal/signaling"
)

// ErrJoinTimeout reports that the partner never showed up within the join
// window.
var ErrJoinTimeout = errors.New("timed out waiting for pairing")

// Sender relays opaque negotiation payloads to the partner.
type Sender interface {
	SendOffer(roomCode string, payload json.RawMessage) error
	SendAnswer(roomCode string, payload json.RawMessage) error
	SendIceCandidate(roomCode string, payload json.RawMessage) error
}

// Signaler is the control-channel contract the machine drives. Implemented
// by *signaling.Client; tests substitute an in-memory fake.
type Signaler interface {
	Sender
	Events() <-chan signaling.Event
	JoinRoom(code string, localPublicKey []byte) error
	LeaveRoom() error
	Close() error
}

// PeerLink is the direct encrypted channel negotiated over the relay. The
// machine feeds it the partner's negotiation payloads; everything else is
// the link's business.
type PeerLink interface {
	HandleOffer(payload json.RawMessage) error
	HandleAnswer(payload json.RawMessage) error
	HandleIceCandidate(payload json.RawMessage) error
	Send(plaintext []byte) error
	Close() error
}

// PeerLinkFactory builds a link for one pairing. initiator peers create
// and send the offer; the other side answers.
type PeerLinkFactory func(roomCode string, initiator bool, secret crypto.SharedSecret, sender Sender) (PeerLink, error)

type command struct {
	run func()
}

// Machine owns the one authoritative ConnectionState per process. All
// transitions funnel through its single event-loop goroutine; callers get
// immutable snapshots and a multi-subscriber state stream.
type Machine struct {
	signaler    Signaler
	store       session.Store
	cryptoCtx   *crypto.Context
	clock       func() time.Time
	log         *logger.Logger
	newPeerLink PeerLinkFactory

	// Reconnect policy, overridable before Start (tests shrink them).
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	JoinTimeout          time.Duration

	commands chan command
	done     chan struct{}
	stopOnce sync.Once

	mu          sync.Mutex
	state       State
	activeStart *time.Time
	subscribers []chan State

	// Loop-owned fields; touched only by run().
	roomCode          string
	isFirst           bool
	link              PeerLink
	decryptFailures   int
	reconnectAttempts int
	joinTimer         *time.Timer
	reconnectTimer    *time.Timer
}

// New wires the machine with injected dependencies. The logger may be nil.
func New(signaler Signaler, store session.Store, cryptoCtx *crypto.Context, clock func() time.Time, log *logger.Logger, factory PeerLinkFactory) *Machine {
	if clock == nil {
		clock = time.Now
	}
	return &Machine{
		signaler:             signaler,
		store:                store,
		cryptoCtx:            cryptoCtx,
		clock:                clock,
		log:                  log,
		newPeerLink:          factory,
		ReconnectInterval:    constants.ReconnectInterval,
		MaxReconnectAttempts: constants.MaxReconnectAttempts,
		JoinTimeout:          constants.JoinTimeout,
		commands:             make(chan command, 16),
		done:                 make(chan struct{}),
		state:                State{Phase: PhaseIdle},
	}
}

// Start reconciles persisted session state and launches the event loop.
// If a saved session exists the machine immediately begins reconnecting
// to its room.
func (m *Machine) Start() error {
	credited, err := session.ReconcileStartup(m.store, m.clock())
	if err != nil {
		return fmt.Errorf("failed to reconcile saved session: %w", err)
	}
	if credited > 0 {
		m.logEvent(fmt.Sprintf("credited %ds of connected time from previous run", credited))
	}

	saved, ok, err := m.store.LoadSession()
	if err != nil {
		return fmt.Errorf("failed to load saved session: %w", err)
	}

	go m.run()

	if ok {
		m.enqueue(func() { m.beginReconnect(saved.RoomCode) })
	}
	return nil
}

// Stop shuts down the event loop and the control channel.
func (m *Machine) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
	})
	m.signaler.Close()
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers a state stream. Every transition is published to all
// subscribers; a slow subscriber misses intermediate snapshots rather than
// blocking the machine.
func (m *Machine) Subscribe() <-chan State {
	ch := make(chan State, 32)
	m.mu.Lock()
	ch <- m.state
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

// JoinRoom starts pairing under the code. Malformed codes fail
// synchronously and never reach the network; everything else reports
// through the state stream.
func (m *Machine) JoinRoom(code string) error {
	if err := protocol.ValidateRoomCode(code); err != nil {
		return err
	}
	m.enqueue(func() { m.beginJoin(code) })
	return nil
}

// Disconnect cleanly ends the session: pending reconnects are cancelled,
// elapsed time is credited, and the machine rests in Disconnected.
func (m *Machine) Disconnect() {
	m.enqueue(func() { m.disconnect(nil) })
}

// ForgetSavedSession deletes the persisted record. No auto-reconnect will
// happen on the next process start.
func (m *Machine) ForgetSavedSession() error {
	errCh := make(chan error, 1)
	m.enqueue(func() {
		m.disconnect(nil)
		errCh <- m.store.ForgetSession()
	})
	select {
	case err := <-errCh:
		return err
	case <-m.done:
		return m.store.ForgetSession()
	}
}

// Resume retries a paused reconnect, e.g. when the app returns from
// background after the retry budget ran out.
func (m *Machine) Resume() {
	m.enqueue(func() {
		if m.currentPhase() != PhaseDisconnected {
			return
		}
		saved, ok, err := m.store.LoadSession()
		if err != nil || !ok {
			return
		}
		m.beginReconnect(saved.RoomCode)
	})
}

// ForceDisconnect simulates transport loss of the peer session. Exposed so
// the reconnect path can be exercised deterministically.
func (m *Machine) ForceDisconnect() {
	m.enqueue(func() { m.handleTransportLoss(errors.New("forced disconnect")) })
}

// ReportDecryptFailure records a failed decrypt on the peer link. A single
// occurrence only drops the message; repeated occurrences force a fresh
// re-pairing with a new key exchange.
func (m *Machine) ReportDecryptFailure() {
	m.enqueue(func() {
		m.decryptFailures++
		m.logEvent(fmt.Sprintf("decrypt failure %d/%d", m.decryptFailures, constants.MaxDecryptFailures))
		if m.decryptFailures >= constants.MaxDecryptFailures && m.currentPhase() == PhaseConnected {
			m.handleTransportLoss(crypto.ErrDecryption)
		}
	})
}

// SendMessage ships an encrypted payload to the partner over the peer
// link. Fails when no session is connected.
func (m *Machine) SendMessage(plaintext []byte) error {
	errCh := make(chan error, 1)
	m.enqueue(func() {
		if m.link == nil || m.currentPhase() != PhaseConnected {
			errCh <- errors.New("no connected session")
			return
		}
		errCh <- m.link.Send(plaintext)
	})
	select {
	case err := <-errCh:
		return err
	case <-m.done:
		return errors.New("connection machine stopped")
	}
}

// ReportDecryptSuccess resets the consecutive-failure counter.
func (m *Machine) ReportDecryptSuccess() {
	m.enqueue(func() { m.decryptFailures = 0 })
}

// ElapsedSessionSeconds computes the running session length on demand; no
// timer state is authoritative, so there is nothing to drift.
func (m *Machine) ElapsedSessionSeconds() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeStart == nil {
		return 0
	}
	return int64(m.clock().Sub(*m.activeStart).Seconds())
}

// CumulativeConnectedSeconds returns the persisted total of cleanly ended
// sessions.
func (m *Machine) CumulativeConnectedSeconds() (int64, error) {
	return m.store.CumulativeSeconds()
}

func (m *Machine) enqueue(fn func()) {
	select {
	case m.commands <- command{run: fn}:
	case <-m.done:
	}
}

// run is the single writer of machine state.
func (m *Machine) run() {
	events := m.signaler.Events()
	for {
		select {
		case <-m.done:
			m.stopTimers()
			m.closeLink()
			return
		case cmd := <-m.commands:
			cmd.run()
		case event, ok := <-events:
			if !ok {
				return
			}
			m.handleEvent(event)
		case <-timerC(m.joinTimer):
			m.joinTimer = nil
			m.handleJoinTimeout()
		case <-timerC(m.reconnectTimer):
			m.reconnectTimer = nil
			m.attemptReconnect()
		}
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (m *Machine) handleEvent(event signaling.Event) {
	switch event.Kind {
	case signaling.EventRoomJoined:
		m.handleRoomJoined(event)
	case signaling.EventPeerJoined:
		m.handlePartnerKey(event.PartnerPublicKey)
	case signaling.EventOfferReceived:
		if m.link != nil {
			if err := m.link.HandleOffer(event.Payload); err != nil {
				m.logError(err)
			}
		}
	case signaling.EventAnswerReceived:
		if m.link != nil {
			if err := m.link.HandleAnswer(event.Payload); err != nil {
				m.logError(err)
			}
		}
	case signaling.EventIceCandidateReceived:
		if m.link != nil {
			if err := m.link.HandleIceCandidate(event.Payload); err != nil {
				m.logError(err)
			}
		}
	case signaling.EventPartnerDisconnected:
		if m.currentPhase() == PhaseConnected {
			m.handleTransportLoss(errors.New("partner disconnected"))
		}
	case signaling.EventRoomError:
		m.handleRoomError(event.Err)
	case signaling.EventTransportError:
		if m.currentPhase() == PhaseConnected || m.currentPhase() == PhaseConnecting {
			m.handleTransportLoss(event.Err)
		}
	}
}

// beginJoin drives Idle/Disconnected → Connecting. A join issued while
// reconnecting cancels the pending reconnect schedule first; two join
// attempts never run concurrently.
func (m *Machine) beginJoin(code string) {
	m.stopTimers()
	m.closeLink()
	m.reconnectAttempts = 0

	// A new join cleanly ends whatever session was running.
	m.creditSession()

	m.roomCode = code
	m.publish(State{Phase: PhaseConnecting, RoomCode: code})

	if err := m.signaler.JoinRoom(code, m.cryptoCtx.PublicKey()); err != nil {
		// A send failure here is transport-level (the control channel is
		// down or mid-redial), so it takes the reconnect path rather than
		// settling in Disconnected.
		m.handleTransportLoss(err)
		return
	}
	m.joinTimer = time.NewTimer(m.JoinTimeout)
}

func (m *Machine) handleRoomJoined(event signaling.Event) {
	if m.currentPhase() != PhaseConnecting && m.currentPhase() != PhaseReconnecting {
		return
	}

	m.isFirst = event.IsFirst
	if event.IsFirst {
		// Registered and waiting; the partner-joined event completes
		// pairing.
		return
	}
	m.handlePartnerKey(event.PartnerPublicKey)
}

// handlePartnerKey finishes pairing: derive the shared secret and flip to
// Connected. Runs for the first peer on partner-joined and for the second
// peer on room-joined.
func (m *Machine) handlePartnerKey(partnerPublicKey []byte) {
	phase := m.currentPhase()
	if phase != PhaseConnecting && phase != PhaseReconnecting {
		return
	}

	secret, err := m.cryptoCtx.DeriveSharedSecret(partnerPublicKey)
	if err != nil {
		m.disconnect(err)
		return
	}

	m.stopTimers()
	m.reconnectAttempts = 0
	m.decryptFailures = 0

	if m.newPeerLink != nil {
		link, err := m.newPeerLink(m.roomCode, m.isFirst, secret, m.signaler)
		if err != nil {
			m.disconnect(fmt.Errorf("failed to establish peer link: %w", err))
			return
		}
		m.link = link
	}

	now := m.clock()
	m.mu.Lock()
	if m.activeStart == nil {
		m.activeStart = &now
	}
	m.mu.Unlock()

	if err := m.persistConnected(now); err != nil {
		m.logError(err)
	}

	m.publish(State{Phase: PhaseConnected, RoomCode: m.roomCode, PartnerPresent: true})
}

// persistConnected creates or refreshes the saved session record.
func (m *Machine) persistConnected(now time.Time) error {
	saved, ok, err := m.store.LoadSession()
	if err != nil {
		return err
	}
	if !ok {
		saved = &session.SavedSession{
			RoomCode:         m.roomCode,
			FirstConnectedAt: now,
		}
	}
	saved.RoomCode = m.roomCode
	saved.LastConnectedAt = now

	m.mu.Lock()
	saved.ActiveSessionStartedAt = m.activeStart
	m.mu.Unlock()

	return m.store.SaveSession(saved)
}

func (m *Machine) handleJoinTimeout() {
	switch m.currentPhase() {
	case PhaseConnecting:
		m.disconnect(ErrJoinTimeout)
	case PhaseReconnecting:
		m.scheduleNextReconnect(ErrJoinTimeout)
	}
}

// handleRoomError surfaces service-reported errors. Room-full and
// not-found are user-facing and never auto-retried.
func (m *Machine) handleRoomError(err error) {
	switch m.currentPhase() {
	case PhaseConnecting:
		m.disconnect(err)
	case PhaseReconnecting:
		if errors.Is(err, protocol.ErrRoomFull) || errors.Is(err, protocol.ErrRoomNotFound) {
			m.disconnect(err)
			return
		}
		m.scheduleNextReconnect(err)
	default:
		m.logError(err)
	}
}

// handleTransportLoss moves an active session into the reconnect path.
// The session stamp survives so continuity is preserved if the rejoin
// succeeds within the budget.
func (m *Machine) handleTransportLoss(cause error) {
	if m.currentPhase() != PhaseConnected && m.currentPhase() != PhaseConnecting {
		return
	}

	m.closeLink()
	m.logError(cause)

	m.publish(State{Phase: PhaseDisconnected, RoomCode: m.roomCode, LastError: cause.Error()})
	m.beginReconnect(m.roomCode)
}

// beginReconnect enters the Reconnecting phase and fires the first attempt
// immediately.
func (m *Machine) beginReconnect(code string) {
	m.stopTimers()
	m.roomCode = code
	m.reconnectAttempts = 0
	m.publish(State{Phase: PhaseReconnecting, RoomCode: code})
	m.attemptReconnect()
}

func (m *Machine) attemptReconnect() {
	if m.currentPhase() != PhaseReconnecting {
		return
	}

	m.reconnectAttempts++
	m.logEvent(fmt.Sprintf("reconnect attempt %d/%d", m.reconnectAttempts, m.MaxReconnectAttempts))

	if err := m.signaler.JoinRoom(m.roomCode, m.cryptoCtx.PublicKey()); err != nil {
		m.scheduleNextReconnect(err)
		return
	}
	m.joinTimer = time.NewTimer(m.JoinTimeout)
}

// scheduleNextReconnect arms the fixed-interval retry, or gives up once
// the budget is exhausted. The schedule then pauses until a manual retry
// or Resume.
func (m *Machine) scheduleNextReconnect(cause error) {
	if m.currentPhase() != PhaseReconnecting {
		return
	}
	if m.reconnectAttempts >= m.MaxReconnectAttempts {
		m.disconnect(fmt.Errorf("reconnect budget exhausted: %w", cause))
		return
	}
	m.stopTimers()
	m.reconnectTimer = time.NewTimer(m.ReconnectInterval)
}

// disconnect settles into the Disconnected rest state, crediting elapsed
// session time exactly once. Every failure path leaves its cause in the
// final snapshot; nothing is silently swallowed.
func (m *Machine) disconnect(cause error) {
	m.stopTimers()
	m.closeLink()
	m.reconnectAttempts = 0

	m.creditSession()
	m.signaler.LeaveRoom()

	state := State{Phase: PhaseDisconnected, RoomCode: m.roomCode}
	if cause != nil {
		m.logError(cause)
		state.LastError = cause.Error()
	}
	m.publish(state)
}

// creditSession adds the elapsed seconds to the persisted counter and
// clears the active stamp. No-op when no session is running.
func (m *Machine) creditSession() {
	m.mu.Lock()
	start := m.activeStart
	m.activeStart = nil
	m.mu.Unlock()

	if start == nil {
		return
	}

	now := m.clock()
	elapsed := int64(now.Sub(*start).Seconds())
	if elapsed > 0 {
		if err := m.store.AddCumulativeSeconds(elapsed); err != nil {
			m.logError(err)
		}
	}

	saved, ok, err := m.store.LoadSession()
	if err != nil || !ok {
		return
	}
	saved.ActiveSessionStartedAt = nil
	saved.LastConnectedAt = now
	if err := m.store.SaveSession(saved); err != nil {
		m.logError(err)
	}
}

func (m *Machine) currentPhase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Phase
}

func (m *Machine) publish(state State) {
	m.mu.Lock()
	m.state = state
	subscribers := make([]chan State, len(m.subscribers))
	copy(subscribers, m.subscribers)
	m.mu.Unlock()

	if m.log != nil {
		m.log.LogTransition(state.Phase.String(), state.RoomCode)
	}

	for _, ch := range subscribers {
		select {
		case ch <- state:
		default:
		}
	}
}

func (m *Machine) stopTimers() {
	if m.joinTimer != nil {
		m.joinTimer.Stop()
		m.joinTimer = nil
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Machine) closeLink() {
	if m.link != nil {
		m.link.Close()
		m.link = nil
	}
}

func (m *Machine) logError(err error) {
	if m.log != nil && err != nil {
		m.log.LogError(err, m.roomCode)
	}
}

func (m *Machine) logEvent(message string) {
	if m.log != nil {
		m.log.LogEvent(message)
	}
}
