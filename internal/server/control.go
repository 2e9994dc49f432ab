package server

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/windyrun/tunnel/internal/obs"
)

// ControlListener accepts tunnel client connections and runs one Session per
// connection.
type ControlListener struct {
	Registry *Registry
	Config   SessionConfig
}

// Serve accepts until ctx is cancelled or the listener is closed.
func (cl *ControlListener) Serve(ctx context.Context, ln net.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.control.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			return
		}
		_, wireTLS := c.(*tls.Conn)
		obs.Debug("control.accepted", obs.Fields{"remote": c.RemoteAddr().String()})
		sess := NewSession(c, cl.Registry, cl.Config, wireTLS)
		go sess.Run()
	}
}
