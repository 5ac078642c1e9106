package protocol

import "encoding/json"

// Envelope types carried on the control channel. The webrtc-* payloads are
// opaque to the rendezvous service and relayed verbatim to the other peer.
const (
	TypeJoinRoom            = "join-room"
	TypeRoomJoined          = "room-joined"
	TypePartnerJoined       = "partner-joined"
	TypeOffer               = "webrtc-offer"
	TypeAnswer              = "webrtc-answer"
	TypeIceCandidate        = "webrtc-ice-candidate"
	TypePartnerDisconnected = "partner-disconnected"
	TypeRoomError           = "room-error"
	TypeLeaveRoom           = "leave-room"
)

// Envelope is the single frame format on the control channel. Fields are
// populated according to Type; unused fields are omitted on the wire.
type Envelope struct {
	Type             string          `json:"type"`
	RoomCode         string          `json:"roomCode,omitempty"`
	PublicKey        []byte          `json:"publicKey,omitempty"`
	IsFirst          bool            `json:"isFirst,omitempty"`
	PartnerPublicKey []byte          `json:"partnerPublicKey,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Message          string          `json:"message,omitempty"`
}

// GenerateRoomResponse is the body of POST /generate-room.
type GenerateRoomResponse struct {
	RoomCode string `json:"roomCode"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status            string `json:"status"`
	ActiveConnections int    `json:"activeConnections"`
	ActiveRooms       int    `json:"activeRooms"`
	Timestamp         int64  `json:"timestamp"`
}
