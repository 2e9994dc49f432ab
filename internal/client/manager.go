package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/windyrun/tunnel/internal/backoff"
	"github.com/windyrun/tunnel/internal/obs"
	"github.com/windyrun/tunnel/internal/proto"
)

const (
	registerAckWait = 10 * time.Second
	dialTimeout     = 10 * time.Second
	shutdownFlush   = 2 * time.Second
	stableAfter     = 60 * time.Second
)

// Config is the connection manager's runtime configuration.
type Config struct {
	ServerHost string
	ServerPort int
	LocalHost  string
	LocalPort  int
	Subdomain  string

	UseTLS      bool
	InsecureTLS bool

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	RequestTimeout    time.Duration
	InFlightLimit     int
}

func (c *Config) fillDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 20 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.InFlightLimit <= 0 {
		c.InFlightLimit = 128
	}
}

// Manager is the client's durable connection loop: connect, register, serve,
// reconnect with the backoff policy until ctx is cancelled.
type Manager struct {
	cfg     Config
	fwd     *Forwarder
	tracker backoff.Tracker
	nonce   uint64
}

func NewManager(cfg Config) *Manager {
	cfg.fillDefaults()
	local := net.JoinHostPort(cfg.LocalHost, strconv.Itoa(cfg.LocalPort))
	return &Manager{cfg: cfg, fwd: NewForwarder(local, cfg.RequestTimeout)}
}

// Run blocks until ctx is cancelled. It returns nil on graceful shutdown.
func (m *Manager) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		served, err := m.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if served >= stableAfter {
			m.tracker.Reset()
		}
		if err != nil {
			obs.Warn("client.disconnected", obs.Fields{"err": err.Error()})
		}
		m.tracker.Failure()
		delay := m.tracker.NextDelay()
		obs.Info("client.reconnect_wait", obs.Fields{"delay": delay.String(), "failures": m.tracker.Failures()})
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// runOnce performs one full connect/register/serve cycle and reports how
// long the session stayed in the serving state.
func (m *Manager) runOnce(ctx context.Context) (time.Duration, error) {
	addr := net.JoinHostPort(m.cfg.ServerHost, strconv.Itoa(m.cfg.ServerPort))
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", addr, err)
	}
	if m.cfg.UseTLS {
		tc := tls.Client(conn, &tls.Config{
			ServerName:         m.cfg.ServerHost,
			InsecureSkipVerify: m.cfg.InsecureTLS,
		})
		hctx, cancel := context.WithTimeout(ctx, dialTimeout)
		err := tc.HandshakeContext(hctx)
		cancel()
		if err != nil {
			_ = conn.Close()
			return 0, fmt.Errorf("tls handshake: %w", err)
		}
		conn = tc
	}
	defer conn.Close()
	br := bufio.NewReader(conn)

	if err := m.register(conn, br); err != nil {
		return 0, err
	}
	obs.Info("client.serving", obs.Fields{"subdomain": m.cfg.Subdomain, "server": addr})
	m.tracker.Success()
	start := time.Now()
	err = m.serve(ctx, conn, br)
	return time.Since(start), err
}

func (m *Manager) register(conn net.Conn, br *bufio.Reader) error {
	if err := proto.WriteFrame(conn, proto.FrameRegister, proto.Register{Subdomain: m.cfg.Subdomain, Version: proto.Version}); err != nil {
		return err
	}
	_ = conn.SetReadDeadline(time.Now().Add(registerAckWait))
	t, payload, err := proto.ReadFrame(br)
	if err != nil {
		return fmt.Errorf("await REGISTER_ACK: %w", err)
	}
	switch t {
	case proto.FrameRegisterAck:
		var ack proto.RegisterAck
		if err := json.Unmarshal(payload, &ack); err != nil {
			return fmt.Errorf("bad REGISTER_ACK: %w", err)
		}
		obs.Info("client.registered", obs.Fields{"subdomain": m.cfg.Subdomain, "client_id": ack.ClientID, "server_time": ack.ServerTime})
		return nil
	case proto.FrameRegisterNack:
		var nack proto.RegisterNack
		_ = json.Unmarshal(payload, &nack)
		if nack.Reason == "conflict" {
			obs.Error("client.subdomain_conflict", obs.Fields{"subdomain": m.cfg.Subdomain})
		}
		return fmt.Errorf("registration rejected: %s", nack.Reason)
	default:
		return fmt.Errorf("unexpected frame %s during registration", t)
	}
}

// session is the per-connection serving state shared by the read loop, the
// heartbeat emitter, and the request workers.
type session struct {
	conn    net.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	lastAck time.Time
	sentAt  map[uint64]time.Time
}

func (s *session) writeFrame(t proto.FrameType, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return proto.WriteFrame(s.conn, t, v)
}

func (m *Manager) serve(ctx context.Context, conn net.Conn, br *bufio.Reader) error {
	s := &session{conn: conn, lastAck: time.Now(), sentAt: make(map[uint64]time.Time)}
	var wg sync.WaitGroup
	sem := make(chan struct{}, m.cfg.InFlightLimit)
	done := make(chan struct{})

	// Heartbeat emitter: periodic HEARTBEAT, forced disconnect on ack silence.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(m.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			s.mu.Lock()
			silent := time.Since(s.lastAck)
			s.mu.Unlock()
			if silent > m.cfg.HeartbeatTimeout {
				obs.Error("client.heartbeat_silence", obs.Fields{"silent": silent.String()})
				_ = conn.Close()
				return
			}
			m.nonce++
			nonce := m.nonce
			s.mu.Lock()
			s.sentAt[nonce] = time.Now()
			s.mu.Unlock()
			if err := s.writeFrame(proto.FrameHeartbeat, proto.Heartbeat{Nonce: nonce, Timestamp: time.Now()}); err != nil {
				obs.Error("client.heartbeat_write", obs.Fields{"err": err.Error()})
				_ = conn.Close()
				return
			}
		}
	}()

	// Graceful shutdown: announce CLOSE, give in-flight responses a moment.
	shutdown := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-done:
			return
		case <-ctx.Done():
		}
		_ = s.writeFrame(proto.FrameClose, proto.Close{Reason: "shutdown"})
		select {
		case <-shutdown:
		case <-time.After(shutdownFlush):
		}
		_ = conn.Close()
	}()

	err := m.readLoop(ctx, s, br, sem, &wg)
	close(shutdown)
	close(done)
	// Unblock and collect workers before tearing the connection down.
	_ = conn.Close()
	wg.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (m *Manager) readLoop(ctx context.Context, s *session, br *bufio.Reader, sem chan struct{}, wg *sync.WaitGroup) error {
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(m.cfg.HeartbeatTimeout + m.cfg.HeartbeatInterval))
		t, payload, err := proto.ReadFrame(br)
		if err != nil {
			return fmt.Errorf("control read: %w", err)
		}
		switch t {
		case proto.FrameHeartbeatAck:
			var ack proto.HeartbeatAck
			if err := json.Unmarshal(payload, &ack); err != nil {
				return fmt.Errorf("bad HEARTBEAT_ACK: %w", err)
			}
			s.mu.Lock()
			s.lastAck = time.Now()
			if sent, ok := s.sentAt[ack.Nonce]; ok {
				delete(s.sentAt, ack.Nonce)
				obs.Debug("client.heartbeat_rtt", obs.Fields{"nonce": ack.Nonce, "rtt": time.Since(sent).String()})
			}
			s.mu.Unlock()
		case proto.FrameRequest:
			var req proto.Request
			if err := json.Unmarshal(payload, &req); err != nil {
				return fmt.Errorf("bad REQUEST: %w", err)
			}
			select {
			case sem <- struct{}{}:
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer func() { <-sem }()
					resp := m.fwd.Forward(&req)
					if err := s.writeFrame(proto.FrameResponse, resp); err != nil {
						obs.Error("client.response_write", obs.Fields{"id": req.ID, "err": err.Error()})
					}
				}()
			default:
				obs.Warn("client.overloaded", obs.Fields{"id": req.ID, "limit": m.cfg.InFlightLimit})
				if err := s.writeFrame(proto.FrameResponse, overloadResponse(req.ID)); err != nil {
					return err
				}
			}
		case proto.FrameClose:
			var cl proto.Close
			_ = json.Unmarshal(payload, &cl)
			return errors.New("server closed session: " + cl.Reason)
		case proto.FrameError:
			var ei proto.ErrorInfo
			_ = json.Unmarshal(payload, &ei)
			obs.Warn("client.server_error", obs.Fields{"message": ei.Message})
		default:
			return fmt.Errorf("unexpected frame %s", t)
		}
	}
}
