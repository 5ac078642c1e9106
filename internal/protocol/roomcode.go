package protocol

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/november222/onlyyou-sub000/internal/constants"
)

// Errors shared by both sides of the wire. Invalid codes are rejected
// locally before any lookup; full/not-found are service-reported and not
// auto-retried.
var (
	ErrInvalidCode  = errors.New(constants.MsgInvalidCode)
	ErrRoomFull     = errors.New(constants.MsgRoomFull)
	ErrRoomNotFound = errors.New(constants.MsgRoomNotFound)
)

// ValidateRoomCode rejects anything that is not exactly six uppercase
// alphanumeric characters.
func ValidateRoomCode(code string) error {
	if len(code) != constants.RoomCodeLength {
		return ErrInvalidCode
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return ErrInvalidCode
		}
	}
	return nil
}

// GenerateRoomCode draws a code uniformly at random over the fixed
// alphabet so guess probability stays low.
func GenerateRoomCode() (string, error) {
	alphabetLen := big.NewInt(int64(len(constants.RoomCodeAlphabet)))
	code := make([]byte, constants.RoomCodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", fmt.Errorf("failed to generate room code: %w", err)
		}
		code[i] = constants.RoomCodeAlphabet[n.Int64()]
	}
	return string(code), nil
}
