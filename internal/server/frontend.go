package server

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/windyrun/tunnel/internal/httpx"
	"github.com/windyrun/tunnel/internal/obs"
	"github.com/windyrun/tunnel/internal/proto"
	"github.com/windyrun/tunnel/internal/ratelimit"
	"github.com/windyrun/tunnel/internal/web"
)

const idleKeepAlive = 60 * time.Second

// Frontend is the public HTTP listener. It parses each inbound request,
// routes by Host subdomain label, and relays through the owning session's
// control channel. Requests to the apex (or hosts outside the zone) get the
// status page.
type Frontend struct {
	Registry       *Registry
	Zone           string
	RequestTimeout time.Duration
	MaxHeaderSize  int
	MaxBodyBytes   int64
	Limiter        *ratelimit.Limiter // optional
	RedactAddrs    bool
	StartedAt      time.Time
}

// Serve accepts public connections until ctx is cancelled or the listener is
// closed. Each connection is handled independently of every session.
func (f *Frontend) Serve(ctx context.Context, ln net.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.public.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			return
		}
		go f.handleConn(c)
	}
}

func (f *Frontend) handleConn(c net.Conn) {
	defer c.Close()
	_, wireTLS := c.(*tls.Conn)
	br := bufio.NewReader(c)
	for {
		_ = c.SetReadDeadline(time.Now().Add(idleKeepAlive))
		head, err := httpx.ParseRequestHead(br, f.MaxHeaderSize)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				obs.Debug("public.header", obs.Fields{"err": err.Error(), "remote": c.RemoteAddr().String()})
			}
			return
		}
		if !f.handleRequest(c, br, head, wireTLS) {
			return
		}
	}
}

// handleRequest serves one parsed request; the return value reports whether
// the connection may be reused for another.
func (f *Frontend) handleRequest(c net.Conn, br *bufio.Reader, head *httpx.RequestHead, wireTLS bool) bool {
	key := RouteKey(head.Get("Host"), f.Zone)
	if key == "" {
		// Apex or unroutable host: drain any body, then the status page.
		if _, err := head.ReadBody(br, f.MaxBodyBytes); err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, httpx.ErrBodyTooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			f.writeError(c, status, "bad request body")
			return false
		}
		f.writeStatusPage(c)
		return !head.WantsClose()
	}

	body, err := head.ReadBody(br, f.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, httpx.ErrBodyTooLarge) {
			obs.ErrorsTotal.WithLabelValues("body_too_large").Inc()
			f.writeError(c, http.StatusRequestEntityTooLarge, "request body too large")
			// Drain a bounded amount so the peer can read the response before
			// the close; the connection is not reusable either way.
			_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, _ = io.CopyN(io.Discard, br, 1<<20)
			return false
		}
		obs.Debug("public.body", obs.Fields{"err": err.Error()})
		f.writeError(c, http.StatusBadRequest, "bad request body")
		return false
	}

	sess := f.Registry.Lookup(key)
	if sess == nil {
		obs.ErrorsTotal.WithLabelValues("no_tunnel").Inc()
		f.writeErrorPage(c, http.StatusBadGateway, "down", map[string]any{"Name": key})
		return !head.WantsClose()
	}
	if f.Limiter != nil && !f.Limiter.AllowRequest(key) {
		obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
		f.writeError(c, http.StatusTooManyRequests, "rate limit exceeded")
		return !head.WantsClose()
	}

	headers := httpx.StripHopByHop(head.Headers)
	req := &httpx.RequestHead{Method: head.Method, URI: head.URI, Proto: head.Proto, Headers: headers}
	req.AugmentXFF(httpx.RemoteIPFromConn(c))
	scheme := "http"
	if wireTLS {
		scheme = "https"
	}
	req.Set("X-Forwarded-Proto", scheme)
	req.Set("X-Tunnel-Client", sess.ClientID())

	env := &proto.Request{Method: head.Method, Path: head.URI, Headers: req.Headers, Body: body}
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), f.RequestTimeout)
	resp, err := sess.Dispatch(ctx, env)
	cancel()
	obs.RequestDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			obs.RequestTimeoutTotal.Inc()
			obs.Error("public.timeout", obs.Fields{"subdomain": key, "path": head.URI})
			f.writeErrorPage(c, http.StatusGatewayTimeout, "timeout", map[string]any{"Name": key, "Timeout": f.RequestTimeout.String()})
			return false
		}
		obs.ErrorsTotal.WithLabelValues("dispatch").Inc()
		obs.Error("public.dispatch", obs.Fields{"subdomain": key, "err": err.Error()})
		f.writeErrorPage(c, http.StatusBadGateway, "down", map[string]any{"Name": key})
		return !head.WantsClose()
	}

	out := httpx.StripHopByHop(resp.Headers)
	out = dropHeader(out, "Content-Length")
	out = append(out, httpx.Header{Name: "Content-Length", Value: strconv.Itoa(len(resp.Body))})
	if err := httpx.WriteResponseHead(c, resp.Status, resp.Reason, out); err != nil {
		return false
	}
	if len(resp.Body) > 0 {
		if _, err := c.Write(resp.Body); err != nil {
			return false
		}
	}
	return !head.WantsClose()
}

// redactTo24 masks the last octet of an IPv4 address; other address forms
// lose their host part entirely.
func redactTo24(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	if ip4 := ip.To4(); ip4 != nil {
		return fmt.Sprintf("%d.%d.%d.0/24", ip4[0], ip4[1], ip4[2])
	}
	return "redacted"
}

func dropHeader(hs []httpx.Header, name string) []httpx.Header {
	out := hs[:0]
	for _, h := range hs {
		if !strings.EqualFold(h.Name, name) {
			out = append(out, h)
		}
	}
	return out
}

// writeStatusPage renders the registry snapshot for the apex host.
func (f *Frontend) writeStatusPage(c net.Conn) {
	snap := f.Registry.Snapshot()
	tunnels := make([]map[string]any, 0, len(snap))
	for _, t := range snap {
		addr := t.RemoteAddr
		if f.RedactAddrs {
			addr = redactTo24(addr)
		}
		tunnels = append(tunnels, map[string]any{
			"Subdomain": t.Subdomain,
			"ClientID":  t.ClientID,
			"Remote":    addr,
			"Uptime":    time.Since(t.RegisteredAt).Round(time.Second).String(),
			"LastSeen":  time.Since(t.LastHeartbeat).Round(time.Second).String(),
			"Requests":  t.Requests,
			"Errors":    t.Errors,
		})
	}
	data := map[string]any{
		"Tunnels": tunnels,
		"Count":   len(tunnels),
		"Uptime":  time.Since(f.StartedAt).Round(time.Second).String(),
	}
	var buf bytes.Buffer
	if err := web.Render(&buf, "status", data); err != nil {
		body := fmt.Sprintf("tunnel server running\nactive tunnels: %d\n", len(snap))
		f.writeRaw(c, http.StatusOK, "text/plain; charset=utf-8", []byte(body))
		return
	}
	f.writeRaw(c, http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

func (f *Frontend) writeErrorPage(c net.Conn, status int, tmpl string, data map[string]any) {
	var buf bytes.Buffer
	if err := web.Render(&buf, tmpl, data); err != nil {
		f.writeError(c, status, http.StatusText(status))
		return
	}
	f.writeRaw(c, status, "text/html; charset=utf-8", buf.Bytes())
}

func (f *Frontend) writeError(c net.Conn, status int, msg string) {
	f.writeRaw(c, status, "text/plain; charset=utf-8", []byte(msg+"\n"))
}

func (f *Frontend) writeRaw(c net.Conn, status int, contentType string, body []byte) {
	hs := []httpx.Header{
		{Name: "Content-Type", Value: contentType},
		{Name: "Content-Length", Value: strconv.Itoa(len(body))},
		{Name: "Cache-Control", Value: "no-store"},
	}
	if err := httpx.WriteResponseHead(c, status, "", hs); err != nil {
		return
	}
	_, _ = c.Write(body)
}
