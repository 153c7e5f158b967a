package bridge

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	APIURL       string
	SocketURL    string
	QueueID      string
	Token        string
	SessionID    string
	SerialPort   string
	BaudRate     int
	Mode         string
	Advance      string
	PollInterval time.Duration
}

// LoadConfig reads the bridge configuration from the environment.
// BRIDGE_QUEUE_ID and BRIDGE_SERIAL_PORT are required; staff mode also
// requires BRIDGE_SESSION_ID.
func LoadConfig() (Config, error) {
	cfg := Config{
		APIURL:       envOr("BRIDGE_API_URL", "http://localhost:4000"),
		SocketURL:    envOr("BRIDGE_SOCKET_URL", "ws://localhost:4000/socket/public"),
		QueueID:      os.Getenv("BRIDGE_QUEUE_ID"),
		Token:        os.Getenv("BRIDGE_QUEUE_TOKEN"),
		SessionID:    os.Getenv("BRIDGE_SESSION_ID"),
		SerialPort:   os.Getenv("BRIDGE_SERIAL_PORT"),
		BaudRate:     envInt("BRIDGE_BAUD_RATE", 9600),
		Mode:         envOr("BRIDGE_MODE", ModeKiosk),
		Advance:      envOr("BRIDGE_ADVANCE", AdvanceDone),
		PollInterval: time.Duration(envInt("BRIDGE_POLL_SECONDS", 30)) * time.Second,
	}
	if cfg.QueueID == "" {
		return cfg, fmt.Errorf("BRIDGE_QUEUE_ID is required")
	}
	if cfg.SerialPort == "" {
		return cfg, fmt.Errorf("BRIDGE_SERIAL_PORT is required")
	}
	if cfg.Mode == ModeStaff && cfg.SessionID == "" {
		return cfg, fmt.Errorf("BRIDGE_SESSION_ID is required in staff mode")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
