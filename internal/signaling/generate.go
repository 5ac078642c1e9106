package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/november222/onlyyou-sub000/internal/constants"
	"github.com/november222/onlyyou-sub000/internal/protocol"
)

// GenerateRoomCode asks the rendezvous service for a fresh room code.
func GenerateRoomCode(serverURL string) (string, error) {
	url := strings.TrimSuffix(serverURL, "/") + constants.EndpointGenerateRoom

	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		return "", fmt.Errorf("failed to request room code: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(bytes.TrimSpace(body)))
	}

	var result protocol.GenerateRoomResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode room code response: %w", err)
	}
	if err := protocol.ValidateRoomCode(result.RoomCode); err != nil {
		return "", fmt.Errorf("server returned malformed room code %q", result.RoomCode)
	}
	return result.RoomCode, nil
}
