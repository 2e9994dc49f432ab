package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/windyrun/tunnel/internal/client"
	"github.com/windyrun/tunnel/internal/obs"
)

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

	obs.Info("client.start", obs.Fields{
		"server":    cfg.ServerHost,
		"subdomain": cfg.Subdomain,
		"local":     cfg.LocalHost,
		"port":      cfg.LocalPort,
		"tls":       !cfg.NoSSL,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := client.NewManager(client.Config{
		ServerHost:        cfg.ServerHost,
		ServerPort:        cfg.ServerPort,
		LocalHost:         cfg.LocalHost,
		LocalPort:         cfg.LocalPort,
		Subdomain:         cfg.Subdomain,
		UseTLS:            !cfg.NoSSL,
		InsecureTLS:       cfg.Insecure,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		RequestTimeout:    cfg.RequestTimeout,
		InFlightLimit:     cfg.InFlightLimit,
	})
	if err := m.Run(ctx); err != nil {
		obs.Error("client.fatal", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	obs.Info("client.shutdown", obs.Fields{})
}
