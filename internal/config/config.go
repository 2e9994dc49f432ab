// Package config loads the optional JSON config file shared by the server
// and client binaries. CLI flags override anything set here.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Duration accepts JSON strings like "30s" as well as raw nanosecond numbers.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case string:
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return fmt.Errorf("bad duration %q: %w", t, err)
		}
		*d = Duration(parsed)
		return nil
	case float64:
		*d = Duration(time.Duration(t))
		return nil
	default:
		return fmt.Errorf("bad duration value %v", v)
	}
}

// ServerSection mirrors the server CLI flags.
type ServerSection struct {
	Host             string   `json:"host"`
	ControlPort      int      `json:"control_port"`
	HTTPPort         int      `json:"http_port"`
	NoSSL            *bool    `json:"no_ssl"`
	Cert             string   `json:"cert"`
	Key              string   `json:"key"`
	Zone             string   `json:"zone"`
	MetricsAddr      string   `json:"metrics_addr"`
	HeartbeatTimeout Duration `json:"heartbeat_timeout"`
	RequestTimeout   Duration `json:"request_timeout"`
	MaxBodyBytes     int64    `json:"max_body_bytes"`
}

// ClientSection mirrors the client CLI flags.
type ClientSection struct {
	ServerHost        string   `json:"server_host"`
	ServerPort        int      `json:"server_port"`
	LocalHost         string   `json:"local_host"`
	LocalPort         int      `json:"local_port"`
	Subdomain         string   `json:"subdomain"`
	NoSSL             *bool    `json:"no_ssl"`
	HeartbeatInterval Duration `json:"heartbeat_interval"`
	HeartbeatTimeout  Duration `json:"heartbeat_timeout"`
	RequestTimeout    Duration `json:"request_timeout"`
	InFlightLimit     int      `json:"in_flight_limit"`
}

// File is the full config file shape.
type File struct {
	Server ServerSection `json:"server"`
	Client ClientSection `json:"client"`
}

// Load reads and decodes path. A missing path is an error; callers pass ""
// to skip file config entirely.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var f File
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &f, nil
}
