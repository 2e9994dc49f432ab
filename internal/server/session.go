package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/windyrun/tunnel/internal/obs"
	"github.com/windyrun/tunnel/internal/proto"
)

// SessionState tracks the control session lifecycle.
type SessionState int32

const (
	StateAwaitingRegistration SessionState = iota
	StateRegistered
	StateDraining
	StateClosed
)

// ErrSessionClosed resolves pending dispatches when the session dies.
var ErrSessionClosed = errors.New("control session closed")

// ErrNotServing is returned by Dispatch outside the Registered state.
var ErrNotServing = errors.New("session not accepting requests")

const registerTimeout = 10 * time.Second
const frameWriteTimeout = 10 * time.Second

// SessionConfig carries the per-session tunables.
type SessionConfig struct {
	HeartbeatTimeout time.Duration
}

// Session is one connected tunnel client on the server side. It owns the
// control connection: a single reader goroutine (Run) and writes serialized
// through writeMu. The front-end submits requests via Dispatch and never
// touches the connection directly.
type Session struct {
	clientID  string
	registry  *Registry
	conn      net.Conn
	br        *bufio.Reader
	cfg       SessionConfig
	tlsOnWire bool

	writeMu sync.Mutex

	mu            sync.Mutex
	state         SessionState
	subdomain     string
	pending       map[uint64]chan *proto.Response
	nextID        uint64
	registeredAt  time.Time
	lastHeartbeat time.Time

	requests atomic.Uint64
	errors   atomic.Uint64
	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// NewSession wraps an accepted control connection. Run drives it.
func NewSession(conn net.Conn, registry *Registry, cfg SessionConfig, tlsOnWire bool) *Session {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 60 * time.Second
	}
	return &Session{
		clientID:  uuid.NewString(),
		registry:  registry,
		conn:      conn,
		br:        bufio.NewReader(conn),
		cfg:       cfg,
		tlsOnWire: tlsOnWire,
		pending:   make(map[uint64]chan *proto.Response),
		done:      make(chan struct{}),
	}
}

// ClientID returns the opaque identifier assigned at accept.
func (s *Session) ClientID() string { return s.clientID }

// RegisteredAt returns the registration time (zero before registration).
func (s *Session) RegisteredAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registeredAt
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info snapshots the session for the registry and status page.
func (s *Session) Info() TunnelInfo {
	s.mu.Lock()
	sub, reg, hb := s.subdomain, s.registeredAt, s.lastHeartbeat
	s.mu.Unlock()
	return TunnelInfo{
		Subdomain:     sub,
		ClientID:      s.clientID,
		RemoteAddr:    s.conn.RemoteAddr().String(),
		RegisteredAt:  reg,
		LastHeartbeat: hb,
		Requests:      s.requests.Load(),
		Errors:        s.errors.Load(),
		BytesIn:       s.bytesIn.Load(),
		BytesOut:      s.bytesOut.Load(),
	}
}

// Run performs the registration handshake and then services frames until the
// session dies. It blocks; the control accept loop runs it in a goroutine.
func (s *Session) Run() {
	if err := s.handshake(); err != nil {
		obs.Debug("session.handshake", obs.Fields{"err": err.Error(), "remote": s.conn.RemoteAddr().String()})
		s.close("handshake-failed")
		return
	}
	s.readLoop()
}

func (s *Session) handshake() error {
	_ = s.conn.SetReadDeadline(time.Now().Add(registerTimeout))
	t, payload, err := proto.ReadFrame(s.br)
	if err != nil {
		return err
	}
	s.bytesIn.Add(uint64(len(payload) + 5))
	if t != proto.FrameRegister {
		s.writeFrame(proto.FrameError, proto.ErrorInfo{Message: "expected REGISTER"})
		return errors.New("first frame was " + t.String())
	}
	var reg proto.Register
	if err := json.Unmarshal(payload, &reg); err != nil {
		s.writeFrame(proto.FrameError, proto.ErrorInfo{Message: "bad REGISTER payload"})
		return err
	}
	if reg.Version != proto.Version {
		s.writeFrame(proto.FrameRegisterNack, proto.RegisterNack{Reason: "version"})
		return errors.New("protocol version mismatch")
	}
	sub := proto.NormalizeSubdomain(reg.Subdomain)
	if !proto.ValidSubdomain(sub) {
		s.writeFrame(proto.FrameRegisterNack, proto.RegisterNack{Reason: "invalid-subdomain"})
		return errors.New("invalid subdomain " + reg.Subdomain)
	}
	now := time.Now()
	s.mu.Lock()
	s.subdomain = sub
	s.registeredAt = now
	s.lastHeartbeat = now
	s.mu.Unlock()
	if err := s.registry.Register(sub, s); err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			s.writeFrame(proto.FrameRegisterNack, proto.RegisterNack{Reason: "conflict"})
		}
		return err
	}
	s.mu.Lock()
	s.state = StateRegistered
	s.mu.Unlock()
	if err := s.writeFrame(proto.FrameRegisterAck, proto.RegisterAck{ClientID: s.clientID, ServerTime: now, Version: proto.Version}); err != nil {
		return err
	}
	obs.Info("session.registered", obs.Fields{"subdomain": sub, "client_id": s.clientID, "remote": s.conn.RemoteAddr().String()})
	return nil
}

func (s *Session) readLoop() {
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout))
		t, payload, err := proto.ReadFrame(s.br)
		if err != nil {
			reason := "read-error"
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				reason = "heartbeat-timeout"
				obs.HeartbeatTimeoutTotal.Inc()
			}
			s.close(reason)
			return
		}
		s.bytesIn.Add(uint64(len(payload) + 5))
		switch t {
		case proto.FrameHeartbeat:
			var hb proto.Heartbeat
			if err := json.Unmarshal(payload, &hb); err != nil {
				s.protocolError("bad HEARTBEAT payload")
				return
			}
			s.mu.Lock()
			s.lastHeartbeat = time.Now()
			s.mu.Unlock()
			if err := s.writeFrame(proto.FrameHeartbeatAck, proto.HeartbeatAck{Nonce: hb.Nonce, Timestamp: time.Now()}); err != nil {
				s.close("write-error")
				return
			}
			s.registry.Heartbeat(s)
		case proto.FrameResponse:
			var resp proto.Response
			if err := json.Unmarshal(payload, &resp); err != nil {
				s.protocolError("bad RESPONSE payload")
				return
			}
			s.deliver(&resp)
		case proto.FrameClose:
			s.mu.Lock()
			if s.state == StateRegistered {
				s.state = StateDraining
			}
			s.mu.Unlock()
			obs.Info("session.draining", obs.Fields{"subdomain": s.currentSubdomain(), "client_id": s.clientID})
			s.close("client-close")
			return
		case proto.FrameError:
			var ei proto.ErrorInfo
			_ = json.Unmarshal(payload, &ei)
			s.errors.Add(1)
			obs.Warn("session.peer_error", obs.Fields{"subdomain": s.currentSubdomain(), "message": ei.Message})
		default:
			s.protocolError("unexpected frame " + t.String())
			return
		}
	}
}

func (s *Session) currentSubdomain() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subdomain
}

// deliver routes a RESPONSE frame to its pending slot. Late responses whose
// slot is already resolved are dropped silently.
func (s *Session) deliver(resp *proto.Response) {
	s.mu.Lock()
	ch, ok := s.pending[resp.ID]
	if ok {
		delete(s.pending, resp.ID)
	}
	s.mu.Unlock()
	if !ok {
		obs.Debug("session.late_response", obs.Fields{"id": resp.ID, "subdomain": s.currentSubdomain()})
		return
	}
	obs.PendingRequests.Dec()
	ch <- resp
}

// Dispatch sends env over the control channel and waits for the matching
// RESPONSE, the done channel, or ctx. The request id is assigned here.
func (s *Session) Dispatch(ctx context.Context, env *proto.Request) (*proto.Response, error) {
	s.mu.Lock()
	if s.state != StateRegistered {
		s.mu.Unlock()
		return nil, ErrNotServing
	}
	s.nextID++
	id := s.nextID
	ch := make(chan *proto.Response, 1)
	s.pending[id] = ch
	s.mu.Unlock()
	obs.PendingRequests.Inc()
	s.requests.Add(1)
	obs.RequestsTotal.Inc()

	env.ID = id
	if err := s.writeFrame(proto.FrameRequest, env); err != nil {
		s.abandon(id)
		s.close("write-error")
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		s.abandon(id)
		return nil, ctx.Err()
	case <-s.done:
		s.abandon(id)
		return nil, ErrSessionClosed
	}
}

// abandon clears a pending slot after timeout or cancellation; a response
// arriving later finds no slot and is discarded.
func (s *Session) abandon(id uint64) {
	s.mu.Lock()
	_, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if ok {
		obs.PendingRequests.Dec()
	}
}

func (s *Session) protocolError(msg string) {
	s.errors.Add(1)
	obs.ErrorsTotal.WithLabelValues("protocol").Inc()
	_ = s.writeFrame(proto.FrameError, proto.ErrorInfo{Message: msg})
	s.close("protocol-error")
}

// writeFrame serializes frame writes; concurrent dispatchers and the read
// loop's heartbeat echo share the connection safely.
func (s *Session) writeFrame(t proto.FrameType, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(frameWriteTimeout))
	cw := countingWriter{w: s.conn}
	err := proto.WriteFrame(&cw, t, v)
	s.bytesOut.Add(uint64(cw.n))
	return err
}

// close tears the session down exactly once: unregister first so no new
// request can route here, then release every waiter.
func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		sub := s.subdomain
		s.mu.Unlock()
		if sub != "" {
			s.registry.Unregister(sub, s)
		}
		close(s.done)
		s.mu.Lock()
		n := len(s.pending)
		s.pending = make(map[uint64]chan *proto.Response)
		s.mu.Unlock()
		for i := 0; i < n; i++ {
			obs.PendingRequests.Dec()
		}
		_ = s.conn.Close()
		if sub != "" {
			obs.Info("session.closed", obs.Fields{"subdomain": sub, "client_id": s.clientID, "reason": reason})
		}
	})
}

// Close terminates the session from outside the read loop.
func (s *Session) Close(reason string) { s.close(reason) }

// Done is closed when the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// TLSOnWire reports whether the control transport is TLS.
func (s *Session) TLSOnWire() bool { return s.tlsOnWire }

type countingWriter struct {
	w net.Conn
	n int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += n
	return n, err
}
