package constants

import (
	"os"
	"time"
)

// Network defaults
const (
	DefaultPort        = "8080"
	DefaultServerURL   = "http://localhost:8080"
	WSBufferSize       = 4096
	MaxWSMessageSize   = 64 * 1024
	WSHandshakeTimeout = 10 * time.Second
	WriteTimeout       = 10 * time.Second
	PongTimeout        = 60 * time.Second
	PingInterval       = 25 * time.Second
)

// Room codes
const (
	RoomCodeLength   = 6
	RoomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Rendezvous service limits
const (
	MaxConnectionsPerIP = 10
	RelayQueueSize      = 64
	MaxJoinsPerWindow   = 5
	JoinRateWindow      = time.Minute
	JoinRateCooldown    = time.Minute
)

// Control-channel redial backoff
const (
	RedialBaseDelay = time.Second
	RedialMaxDelay  = 30 * time.Second
)

// Reconnect policy for the peer session
const (
	ReconnectInterval    = 3 * time.Second
	MaxReconnectAttempts = 20
	JoinTimeout          = 30 * time.Second
)

// Session record keys in the local store
const (
	SessionKey           = "saved_session"
	CumulativeSecondsKey = "cumulative_connected_seconds"
)

// Consecutive decrypt failures tolerated before a forced re-pairing
const MaxDecryptFailures = 3

// API endpoints
const (
	EndpointGenerateRoom = "/generate-room"
	EndpointHealth       = "/health"
	EndpointWebSocket    = "/ws"
)

// ANSI color codes
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorDim    = "\033[2m"
	ColorCyan   = "\033[36m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorRed    = "\033[31m"
	ColorPurple = "\033[35m"
)

// Messages
const (
	MsgMethodNotAllowed = "Method not allowed"
	MsgInvalidCode      = "invalid room code"
	MsgRoomFull         = "room is full"
	MsgRoomNotFound     = "room not found"
)

const Version = "1.2.0"

// GetEnv returns environment variable value or default if empty
func GetEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
