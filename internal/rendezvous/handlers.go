package rendezvous

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/november222/onlyyou-sub000/internal/constants"
	"github.com/november222/onlyyou-sub000/internal/protocol"
	"github.com/november222/onlyyou-sub000/internal/ratelimit"
	"github.com/november222/onlyyou-sub000/internal/security"
)

var joinRateConfig = ratelimit.Config{
	MaxActions: constants.MaxJoinsPerWindow,
	Window:     constants.JoinRateWindow,
	Cooldown:   constants.JoinRateCooldown,
}

func (s *Server) HandleGenerateRoom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, constants.MsgMethodNotAllowed, http.StatusMethodNotAllowed)
		return
	}

	clientIP := security.GetClientIP(r)
	key := "generate-room:" + clientIP
	if decision := s.Limiter.CanPerform(key, joinRateConfig); !decision.Allowed {
		log.Printf("⛔ Rate limit exceeded (generate-room): %s", clientIP)
		w.Header().Set("Retry-After", decision.Wait.Round(time.Second).String())
		http.Error(w, decision.Reason, http.StatusTooManyRequests)
		return
	}

	var code string
	for attempt := 0; attempt < 5; attempt++ {
		generated, err := protocol.GenerateRoomCode()
		if err != nil {
			http.Error(w, "failed to generate room code", http.StatusInternalServerError)
			return
		}
		if !s.Registry.HasRoom(generated) {
			code = generated
			break
		}
	}
	if code == "" {
		http.Error(w, "failed to generate room code", http.StatusInternalServerError)
		return
	}

	s.Limiter.Record(key)
	log.Printf("🎫 Room code generated: %s", code)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(protocol.GenerateRoomResponse{RoomCode: code})
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	rooms, connections := s.Registry.Counts()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(protocol.HealthResponse{
		Status:            "ok",
		ActiveRooms:       rooms,
		ActiveConnections: connections,
		Timestamp:         time.Now().Unix(),
	})
}

func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := security.GetClientIP(r)

	if !s.ConnLimiter.TryConnect(clientIP) {
		http.Error(w, "Connection limit exceeded", http.StatusTooManyRequests)
		return
	}
	defer s.ConnLimiter.Disconnect(clientIP)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  constants.WSBufferSize,
		WriteBufferSize: constants.WSBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("❌ WebSocket upgrade error: %v", err)
		return
	}
	conn.SetReadLimit(constants.MaxWSMessageSize)

	connectionID := uuid.New().String()
	log.Printf("🔌 Peer connected: %s (%s)", connectionID, clientIP)

	c := &peerConn{
		server:       s,
		conn:         conn,
		connectionID: connectionID,
		clientIP:     clientIP,
		send:         make(chan protocol.Envelope, constants.RelayQueueSize),
		done:         make(chan struct{}),
	}

	go c.writeLoop()
	c.readLoop()

	close(c.done)
	s.Registry.Leave(connectionID)
	conn.Close()
	log.Printf("🔌 Peer disconnected: %s", connectionID)
}

// peerConn is the server side of one control connection. readLoop is the
// only reader; writeLoop is the only writer.
type peerConn struct {
	server       *Server
	conn         *websocket.Conn
	connectionID string
	clientIP     string
	roomCode     string
	send         chan protocol.Envelope
	done         chan struct{}
}

func (c *peerConn) writeLoop() {
	ticker := time.NewTicker(constants.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WriteTimeout))
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *peerConn) readLoop() {
	c.conn.SetReadDeadline(time.Now().Add(constants.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.PongTimeout))
		return nil
	})

	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}

		switch env.Type {
		case protocol.TypeJoinRoom:
			c.handleJoin(env)
		case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeIceCandidate:
			if c.roomCode == "" {
				c.sendError(constants.MsgRoomNotFound)
				continue
			}
			if err := c.server.Registry.Relay(c.roomCode, c.connectionID, env); err != nil {
				c.sendError(err.Error())
			}
		case protocol.TypeLeaveRoom:
			c.server.Registry.Leave(c.connectionID)
			c.roomCode = ""
		default:
			log.Printf("⚠️  Unknown envelope type %q from %s", env.Type, c.connectionID)
		}
	}
}

func (c *peerConn) handleJoin(env protocol.Envelope) {
	// Malformed codes never reach room lookup.
	if err := protocol.ValidateRoomCode(env.RoomCode); err != nil {
		c.sendError(err.Error())
		return
	}

	key := "join-room:" + c.clientIP
	if decision := c.server.Limiter.CanPerform(key, joinRateConfig); !decision.Allowed {
		log.Printf("⛔ Rate limit exceeded (join-room): %s", c.clientIP)
		c.sendError(decision.Reason)
		return
	}
	c.server.Limiter.Record(key)

	// Joining a new room implicitly leaves the current one.
	if c.roomCode != "" {
		c.server.Registry.Leave(c.connectionID)
		c.roomCode = ""
	}

	result, err := c.server.Registry.CreateOrJoin(env.RoomCode, env.PublicKey, c.connectionID, c.send)
	if err != nil {
		c.sendError(err.Error())
		return
	}

	c.roomCode = env.RoomCode
	c.enqueue(protocol.Envelope{
		Type:             protocol.TypeRoomJoined,
		RoomCode:         env.RoomCode,
		IsFirst:          result.IsFirst,
		PartnerPublicKey: result.PartnerPublicKey,
	})
}

func (c *peerConn) sendError(message string) {
	c.enqueue(protocol.Envelope{Type: protocol.TypeRoomError, Message: message})
}

func (c *peerConn) enqueue(env protocol.Envelope) {
	select {
	case c.send <- env:
	case <-c.done:
	}
}
