package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/november222/onlyyou-sub000/internal/session"
)

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Phase     string    `json:"phase,omitempty"`
	RoomCode  string    `json:"room_code,omitempty"`
	Error     string    `json:"error,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Logger appends JSON-lines events to a per-run file in the app data
// directory. Connection state transitions and errors land here so support
// can reconstruct a pairing timeline.
type Logger struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

func NewLogger(runID string) (*Logger, error) {
	dataDir, err := session.DataDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get data directory: %w", err)
	}

	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile := filepath.Join(logDir, fmt.Sprintf("%s.log", runID))
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &Logger{file: file, enc: json.NewEncoder(file)}, nil
}

func (l *Logger) Log(entry LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.Timestamp = time.Now()
	l.enc.Encode(entry)
}

func (l *Logger) LogTransition(phase, roomCode string) {
	l.Log(LogEntry{Type: "transition", Phase: phase, RoomCode: roomCode})
}

func (l *Logger) LogError(err error, roomCode string) {
	l.Log(LogEntry{Type: "error", Error: err.Error(), RoomCode: roomCode})
}

func (l *Logger) LogEvent(message string) {
	l.Log(LogEntry{Type: "event", Message: message})
}

func (l *Logger) GetLogPath() string {
	if l.file != nil {
		return l.file.Name()
	}
	return ""
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
