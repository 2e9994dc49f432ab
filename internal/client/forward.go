package client

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/windyrun/tunnel/internal/httpx"
	"github.com/windyrun/tunnel/internal/proto"
)

// maxResponseBytes keeps a buffered origin response inside a single control
// frame with headroom for the envelope.
const maxResponseBytes = proto.MaxFrameSize - (1 << 20)

// Forwarder performs the short-lived HTTP round-trip to the origin for each
// REQUEST envelope. The origin is never retried.
type Forwarder struct {
	localAddr string
	client    *http.Client
}

// NewForwarder targets origin at localAddr (host:port) with the given
// per-request timeout.
func NewForwarder(localAddr string, timeout time.Duration) *Forwarder {
	return &Forwarder{
		localAddr: localAddr,
		client: &http.Client{
			Timeout: timeout,
			// Redirects belong to the public caller, not the tunnel.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Forward executes the envelope against the origin and always produces a
// RESPONSE envelope; transport failures map to 502 with X-Tunnel-Error.
func (f *Forwarder) Forward(req *proto.Request) *proto.Response {
	hreq, err := http.NewRequest(req.Method, "http://"+f.localAddr+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		return errorResponse(req.ID, "bad-request: "+err.Error())
	}
	hdr := httpx.ToHTTPHeader(httpx.StripHopByHop(req.Headers))
	hdr.Del("Host")
	hreq.Header = hdr
	hreq.Host = f.localAddr

	resp, err := f.client.Do(hreq)
	if err != nil {
		return errorResponse(req.ID, "origin-unreachable: "+err.Error())
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return errorResponse(req.ID, "origin-read: "+err.Error())
	}
	if len(body) > maxResponseBytes {
		return errorResponse(req.ID, "origin-response-too-large")
	}
	return &proto.Response{
		ID:      req.ID,
		Status:  resp.StatusCode,
		Headers: httpx.StripHopByHop(httpx.FromHTTPHeader(resp.Header)),
		Body:    body,
	}
}

func errorResponse(id uint64, reason string) *proto.Response {
	body := []byte("Bad Gateway\n")
	return &proto.Response{
		ID:     id,
		Status: http.StatusBadGateway,
		Reason: "Bad Gateway",
		Headers: []httpx.Header{
			{Name: "Content-Type", Value: "text/plain; charset=utf-8"},
			{Name: "Content-Length", Value: strconv.Itoa(len(body))},
			{Name: "X-Tunnel-Error", Value: reason},
		},
		Body: body,
	}
}

// overloadResponse rejects a request when the in-flight limit is hit.
func overloadResponse(id uint64) *proto.Response {
	body := []byte("client overloaded\n")
	return &proto.Response{
		ID:     id,
		Status: http.StatusBadGateway,
		Reason: "client-overloaded",
		Headers: []httpx.Header{
			{Name: "Content-Type", Value: "text/plain; charset=utf-8"},
			{Name: "Content-Length", Value: strconv.Itoa(len(body))},
			{Name: "X-Tunnel-Error", Value: "client-overloaded"},
		},
		Body: body,
	}
}
