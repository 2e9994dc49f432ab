package main

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/windyrun/tunnel/internal/config"
	"github.com/windyrun/tunnel/internal/proto"
)

// Config holds client runtime configuration. Flags win over the config file.
type Config struct {
	ServerHost string
	ServerPort int
	LocalHost  string
	LocalPort  int
	Subdomain  string

	NoSSL    bool
	Insecure bool

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	RequestTimeout    time.Duration
	InFlightLimit     int

	Debug      bool
	ConfigFile string
}

var cfg Config

func registerFlags() {
	flag.StringVar(&cfg.ServerHost, "server", "", "tunnel server host")
	flag.IntVar(&cfg.ServerPort, "server-port", 8000, "tunnel server control port")
	flag.StringVar(&cfg.LocalHost, "local", "127.0.0.1", "origin host to forward requests to")
	flag.IntVar(&cfg.LocalPort, "local-port", 0, "origin port")
	flag.StringVar(&cfg.Subdomain, "subdomain", "", "public subdomain label to claim")
	flag.BoolVar(&cfg.NoSSL, "no-ssl", false, "connect to the server without TLS")
	flag.BoolVar(&cfg.Insecure, "insecure", false, "skip TLS certificate verification")
	flag.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", 20*time.Second, "heartbeat send interval")
	flag.DurationVar(&cfg.HeartbeatTimeout, "heartbeat-timeout", 60*time.Second, "disconnect after this long without a heartbeat ack")
	flag.DurationVar(&cfg.RequestTimeout, "request-timeout", 30*time.Second, "origin round-trip time limit")
	flag.IntVar(&cfg.InFlightLimit, "in-flight-limit", 128, "maximum concurrent requests forwarded to the origin")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.StringVar(&cfg.ConfigFile, "config", "", "optional JSON config file (flags override it)")
}

func applyConfigFile() error {
	if cfg.ConfigFile == "" {
		return nil
	}
	f, err := config.Load(cfg.ConfigFile)
	if err != nil {
		return err
	}
	set := map[string]bool{}
	flag.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	c := f.Client
	if !set["server"] && c.ServerHost != "" {
		cfg.ServerHost = c.ServerHost
	}
	if !set["server-port"] && c.ServerPort != 0 {
		cfg.ServerPort = c.ServerPort
	}
	if !set["local"] && c.LocalHost != "" {
		cfg.LocalHost = c.LocalHost
	}
	if !set["local-port"] && c.LocalPort != 0 {
		cfg.LocalPort = c.LocalPort
	}
	if !set["subdomain"] && c.Subdomain != "" {
		cfg.Subdomain = c.Subdomain
	}
	if !set["no-ssl"] && c.NoSSL != nil {
		cfg.NoSSL = *c.NoSSL
	}
	if !set["heartbeat-interval"] && c.HeartbeatInterval != 0 {
		cfg.HeartbeatInterval = time.Duration(c.HeartbeatInterval)
	}
	if !set["heartbeat-timeout"] && c.HeartbeatTimeout != 0 {
		cfg.HeartbeatTimeout = time.Duration(c.HeartbeatTimeout)
	}
	if !set["request-timeout"] && c.RequestTimeout != 0 {
		cfg.RequestTimeout = time.Duration(c.RequestTimeout)
	}
	if !set["in-flight-limit"] && c.InFlightLimit != 0 {
		cfg.InFlightLimit = c.InFlightLimit
	}
	return nil
}

func validate() error {
	if cfg.ServerHost == "" {
		return errors.New("--server is required")
	}
	if cfg.LocalPort <= 0 || cfg.LocalPort > 65535 {
		return fmt.Errorf("invalid --local-port %d", cfg.LocalPort)
	}
	sub := proto.NormalizeSubdomain(cfg.Subdomain)
	if !proto.ValidSubdomain(sub) {
		return fmt.Errorf("invalid --subdomain %q", cfg.Subdomain)
	}
	cfg.Subdomain = sub
	return nil
}
