package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/windyrun/tunnel/internal/obs"
	"github.com/windyrun/tunnel/internal/ratelimit"
	"github.com/windyrun/tunnel/internal/server"
)

var errTLSMaterial = errors.New("TLS enabled but --cert/--key missing (use --no-ssl for plaintext)")

func errBadPort(name string, v int) error {
	return fmt.Errorf("invalid --%s %d", name, v)
}

func main() {
	registerFlags()
	flag.Parse()
	if err := applyConfigFile(); err != nil {
		obs.Error("config.load", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	if err := validate(); err != nil {
		obs.Error("config.invalid", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	if cfg.Debug {
		obs.EnableDebug(true)
	}

	var tlsConfig *tls.Config
	if !cfg.NoSSL {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			obs.Error("tls.load", obs.Fields{"err": err.Error(), "cert": cfg.CertFile})
			os.Exit(1)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	var mirror server.Mirror
	if cfg.RedisAddr != "" {
		rm, err := server.NewRedisMirror(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			obs.Error("redis.connect", obs.Fields{"err": err.Error(), "addr": cfg.RedisAddr})
			os.Exit(1)
		}
		defer rm.Close()
		mirror = rm
		obs.Info("redis.mirror", obs.Fields{"addr": cfg.RedisAddr})
	}

	registry := server.NewRegistry(mirror)

	var limiter *ratelimit.Limiter
	if cfg.GlobalRateLimit > 0 || cfg.TunnelRateLimit > 0 {
		limiter = ratelimit.NewLimiter(cfg.GlobalRateLimit, cfg.TunnelRateLimit, cfg.RateBurst)
	}

	controlAddr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.ControlPort))
	publicAddr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.HTTPPort))

	ctrlLn, err := listen(controlAddr, tlsConfig)
	if err != nil {
		obs.Error("listen.control", obs.Fields{"err": err.Error(), "addr": controlAddr})
		os.Exit(1)
	}
	defer ctrlLn.Close()
	pubLn, err := listen(publicAddr, tlsConfig)
	if err != nil {
		obs.Error("listen.public", obs.Fields{"err": err.Error(), "addr": publicAddr})
		os.Exit(1)
	}
	defer pubLn.Close()

	obs.Info("server.start", obs.Fields{
		"control": controlAddr, "public": publicAddr, "zone": cfg.Zone,
		"tls": tlsConfig != nil, "metrics": cfg.MetricsAddr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	control := &server.ControlListener{
		Registry: registry,
		Config:   server.SessionConfig{HeartbeatTimeout: cfg.HeartbeatTimeout},
	}
	frontend := &server.Frontend{
		Registry:       registry,
		Zone:           cfg.Zone,
		RequestTimeout: cfg.RequestTimeout,
		MaxHeaderSize:  cfg.MaxHeaderSize,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		Limiter:        limiter,
		RedactAddrs:    cfg.RedactAddrs,
		StartedAt:      time.Now(),
	}

	var ready, closing atomic.Bool
	go startMetricsServer(cfg.MetricsAddr, registry, &ready, &closing)
	if limiter != nil {
		go limiterCleanupLoop(ctx, registry, limiter)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); control.Serve(ctx, ctrlLn) }()
	wg.Add(1)
	go func() { defer wg.Done(); frontend.Serve(ctx, pubLn) }()

	ready.Store(true)
	obs.Info("server.ready", obs.Fields{})

	<-ctx.Done()
	obs.Info("server.shutdown.signal", obs.Fields{})
	closing.Store(true)
	_ = ctrlLn.Close()
	_ = pubLn.Close()
	wg.Wait()
	obs.Info("server.shutdown.complete", obs.Fields{})
}

func listen(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	if tlsConfig == nil {
		return net.Listen("tcp", addr)
	}
	return tls.Listen("tcp", addr, tlsConfig)
}

func limiterCleanupLoop(ctx context.Context, registry *server.Registry, limiter *ratelimit.Limiter) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			active := map[string]bool{}
			for _, info := range registry.Snapshot() {
				active[info.Subdomain] = true
			}
			limiter.Cleanup(active)
		}
	}
}
