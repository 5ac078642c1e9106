package session

import (
	"log"
	"os"
	"path/filepath"
	"runtime"

	"github.com/november222/onlyyou-sub000/internal/constants"
)

const (
	EnvRedisHost     = "REDIS_HOST"
	EnvRedisPort     = "REDIS_PORT"
	EnvRedisUser     = "REDIS_USERNAME"
	EnvRedisPassword = "REDIS_PASSWORD"
)

// NewStore picks a backend: Redis when REDIS_HOST is set and reachable,
// otherwise the local file store in the app data directory.
func NewStore() (Store, error) {
	redisHost := constants.GetEnv(EnvRedisHost, "")

	if redisHost != "" {
		redisPort := constants.GetEnv(EnvRedisPort, "6379")
		redisUser := constants.GetEnv(EnvRedisUser, "")
		redisPassword := constants.GetEnv(EnvRedisPassword, "")

		store, err := NewRedisStore(redisHost, redisPort, redisUser, redisPassword)
		if err == nil {
			log.Printf("💾 Using Redis session store: %s:%s", redisHost, redisPort)
			return store, nil
		}
		log.Printf("⚠️  Redis connection failed: %v", err)
		log.Println("💾 Falling back to file session store")
	}

	dir, err := DataDir()
	if err != nil {
		return nil, err
	}
	return NewFileStore(dir)
}

// DataDir returns the per-OS application data directory.
func DataDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(homeDir, "AppData", "Local", "onlyyou"), nil
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", "onlyyou"), nil
	default:
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, "onlyyou"), nil
		}
		return filepath.Join(homeDir, ".local", "share", "onlyyou"), nil
	}
}
