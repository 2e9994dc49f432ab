package main

import (
	"flag"
	"time"

	"github.com/windyrun/tunnel/internal/config"
)

// Config holds all server runtime configuration. Flags win over the config
// file; the file wins over defaults.
type Config struct {
	Host        string
	ControlPort int
	HTTPPort    int

	NoSSL    bool
	CertFile string
	KeyFile  string

	Zone        string
	MetricsAddr string

	HeartbeatTimeout time.Duration
	RequestTimeout   time.Duration
	MaxHeaderSize    int
	MaxBodyBytes     int64

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	GlobalRateLimit int
	TunnelRateLimit int
	RateBurst       int

	RedactAddrs bool
	Debug       bool
	ConfigFile  string
}

var cfg Config

func registerFlags() {
	flag.StringVar(&cfg.Host, "host", "0.0.0.0", "bind address for both listeners")
	flag.IntVar(&cfg.ControlPort, "control-port", 8000, "control channel port for tunnel clients")
	flag.IntVar(&cfg.HTTPPort, "http-port", 80, "public HTTP(S) port")
	flag.BoolVar(&cfg.NoSSL, "no-ssl", false, "serve plaintext on both listeners")
	flag.StringVar(&cfg.CertFile, "cert", "", "TLS certificate file")
	flag.StringVar(&cfg.KeyFile, "key", "", "TLS private key file")
	flag.StringVar(&cfg.Zone, "zone", "localhost", "apex zone stripped from Host headers to find the tunnel label")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics and health listen address")
	flag.DurationVar(&cfg.HeartbeatTimeout, "heartbeat-timeout", 60*time.Second, "close a session after this long without any frame")
	flag.DurationVar(&cfg.RequestTimeout, "request-timeout", 30*time.Second, "time limit for a tunneled response")
	flag.IntVar(&cfg.MaxHeaderSize, "max-header-size", 32*1024, "maximum public request header bytes")
	flag.Int64Var(&cfg.MaxBodyBytes, "max-body-bytes", 10<<20, "maximum public request body bytes")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "optional Redis address for the tunnel presence mirror")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "Redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "Redis database index")
	flag.IntVar(&cfg.GlobalRateLimit, "rate-limit", 0, "global public requests per second (0 disables)")
	flag.IntVar(&cfg.TunnelRateLimit, "tunnel-rate-limit", 0, "per-subdomain public requests per second (0 disables)")
	flag.IntVar(&cfg.RateBurst, "rate-burst", 50, "rate limit burst size")
	flag.BoolVar(&cfg.RedactAddrs, "redact-addrs", false, "redact client addresses to /24 on the status page")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.StringVar(&cfg.ConfigFile, "config", "", "optional JSON config file (flags override it)")
}

// applyConfigFile folds file values into cfg for every flag the user did not
// set explicitly on the command line.
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
	s := f.Server
	if !set["host"] && s.Host != "" {
		cfg.Host = s.Host
	}
	if !set["control-port"] && s.ControlPort != 0 {
		cfg.ControlPort = s.ControlPort
	}
	if !set["http-port"] && s.HTTPPort != 0 {
		cfg.HTTPPort = s.HTTPPort
	}
	if !set["no-ssl"] && s.NoSSL != nil {
		cfg.NoSSL = *s.NoSSL
	}
	if !set["cert"] && s.Cert != "" {
		cfg.CertFile = s.Cert
	}
	if !set["key"] && s.Key != "" {
		cfg.KeyFile = s.Key
	}
	if !set["zone"] && s.Zone != "" {
		cfg.Zone = s.Zone
	}
	if !set["metrics"] && s.MetricsAddr != "" {
		cfg.MetricsAddr = s.MetricsAddr
	}
	if !set["heartbeat-timeout"] && s.HeartbeatTimeout != 0 {
		cfg.HeartbeatTimeout = time.Duration(s.HeartbeatTimeout)
	}
	if !set["request-timeout"] && s.RequestTimeout != 0 {
		cfg.RequestTimeout = time.Duration(s.RequestTimeout)
	}
	if !set["max-body-bytes"] && s.MaxBodyBytes != 0 {
		cfg.MaxBodyBytes = s.MaxBodyBytes
	}
	return nil
}

// validate rejects configurations the process cannot start with.
func validate() error {
	if cfg.ControlPort <= 0 || cfg.ControlPort > 65535 {
		return errBadPort("control-port", cfg.ControlPort)
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		return errBadPort("http-port", cfg.HTTPPort)
	}
	if !cfg.NoSSL && (cfg.CertFile == "" || cfg.KeyFile == "") {
		return errTLSMaterial
	}
	return nil
}
