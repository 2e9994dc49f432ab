package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/windyrun/tunnel/internal/httpx"
	"github.com/windyrun/tunnel/internal/proto"
)

type fixture struct {
	reg         *Registry
	publicBase  string
	controlAddr string
}

func startServer(t *testing.T, reqTimeout time.Duration, maxBody int64) *fixture {
	t.Helper()
	reg := NewRegistry(nil)
	ctx, cancel := context.WithCancel(context.Background())

	ctrlLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	pubLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cancel()
		ctrlLn.Close()
		pubLn.Close()
	})

	cl := &ControlListener{Registry: reg, Config: SessionConfig{HeartbeatTimeout: time.Minute}}
	fe := &Frontend{
		Registry:       reg,
		Zone:           "localhost",
		RequestTimeout: reqTimeout,
		MaxHeaderSize:  32 * 1024,
		MaxBodyBytes:   maxBody,
		StartedAt:      time.Now(),
	}
	go cl.Serve(ctx, ctrlLn)
	go fe.Serve(ctx, pubLn)

	return &fixture{
		reg:         reg,
		publicBase:  "http://" + pubLn.Addr().String(),
		controlAddr: ctrlLn.Addr().String(),
	}
}

// startFakeClient registers subdomain and answers REQUEST frames with handler.
func startFakeClient(t *testing.T, controlAddr, subdomain string, handler func(*proto.Request) *proto.Response) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", controlAddr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := proto.WriteFrame(conn, proto.FrameRegister, proto.Register{Subdomain: subdomain, Version: proto.Version}); err != nil {
		t.Fatal(err)
	}
	ft, _, err := proto.ReadFrame(conn)
	if err != nil || ft != proto.FrameRegisterAck {
		t.Fatalf("registration failed: frame=%v err=%v", ft, err)
	}
	go func() {
		for {
			ft, payload, err := proto.ReadFrame(conn)
			if err != nil {
				return
			}
			switch ft {
			case proto.FrameRequest:
				var req proto.Request
				if json.Unmarshal(payload, &req) != nil {
					return
				}
				go func() {
					if resp := handler(&req); resp != nil {
						resp.ID = req.ID
						_ = proto.WriteFrame(conn, proto.FrameResponse, resp)
					}
				}()
			case proto.FrameHeartbeatAck, proto.FrameError:
			default:
				return
			}
		}
	}()
	return conn
}

func doRequest(t *testing.T, base, host, method, path string, body []byte) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, base+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	req.Host = host
	c := &http.Client{Timeout: 10 * time.Second}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func okHandler(body string) func(*proto.Request) *proto.Response {
	return func(req *proto.Request) *proto.Response {
		return &proto.Response{
			Status: 200,
			Headers: []httpx.Header{
				{Name: "Content-Type", Value: "text/plain"},
			},
			Body: []byte(body),
		}
	}
}

func TestFrontendHappyPath(t *testing.T) {
	fx := startServer(t, 5*time.Second, 10<<20)
	var seen *proto.Request
	got := make(chan *proto.Request, 1)
	startFakeClient(t, fx.controlAddr, "p", func(req *proto.Request) *proto.Response {
		select {
		case got <- req:
		default:
		}
		return okHandler("ok")(req)
	})

	resp := doRequest(t, fx.publicBase, "p.localhost", "GET", "/hello?x=1", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Fatalf("body = %q, want ok", body)
	}

	select {
	case seen = <-got:
	case <-time.After(time.Second):
		t.Fatal("client never saw the request envelope")
	}
	if seen.Method != "GET" || seen.Path != "/hello?x=1" {
		t.Errorf("envelope = %s %s", seen.Method, seen.Path)
	}
	hdr := &httpx.RequestHead{Headers: seen.Headers}
	if hdr.Get("X-Forwarded-For") == "" {
		t.Error("X-Forwarded-For missing")
	}
	if hdr.Get("X-Forwarded-Proto") != "http" {
		t.Errorf("X-Forwarded-Proto = %q", hdr.Get("X-Forwarded-Proto"))
	}
	if hdr.Get("X-Tunnel-Client") == "" {
		t.Error("X-Tunnel-Client missing")
	}
	if hdr.Get("Connection") != "" || hdr.Get("Keep-Alive") != "" {
		t.Error("hop-by-hop headers leaked into the envelope")
	}
}

func TestFrontendUnknownHost(t *testing.T) {
	fx := startServer(t, time.Second, 10<<20)
	resp := doRequest(t, fx.publicBase, "q.localhost", "GET", "/", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
}

func TestFrontendStatusPageOnApex(t *testing.T) {
	fx := startServer(t, time.Second, 10<<20)
	startFakeClient(t, fx.controlAddr, "p", okHandler("ok"))

	resp := doRequest(t, fx.publicBase, "localhost", "GET", "/", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	page := string(body)
	if !strings.Contains(page, "tunnel server") || !strings.Contains(page, "p") {
		t.Fatalf("status page missing content: %q", page)
	}
}

func TestFrontendOversizeBody(t *testing.T) {
	fx := startServer(t, time.Second, 1024)
	startFakeClient(t, fx.controlAddr, "p", okHandler("ok"))

	big := bytes.Repeat([]byte("x"), 4096)
	resp := doRequest(t, fx.publicBase, "p.localhost", "POST", "/upload", big)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}

	// The tunnel session is unaffected.
	resp2 := doRequest(t, fx.publicBase, "p.localhost", "GET", "/", nil)
	if resp2.StatusCode != 200 {
		t.Fatalf("follow-up status = %d, want 200", resp2.StatusCode)
	}
}

func TestFrontendRequestTimeout(t *testing.T) {
	fx := startServer(t, 150*time.Millisecond, 10<<20)
	startFakeClient(t, fx.controlAddr, "p", func(req *proto.Request) *proto.Response {
		time.Sleep(time.Second)
		return okHandler("late")(req)
	})

	resp := doRequest(t, fx.publicBase, "p.localhost", "GET", "/slow", nil)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", resp.StatusCode)
	}
}

func TestFrontendSessionDropDuringWait(t *testing.T) {
	fx := startServer(t, 5*time.Second, 10<<20)
	var clientConn net.Conn
	clientConn = startFakeClient(t, fx.controlAddr, "p", func(req *proto.Request) *proto.Response {
		// Drop the control connection instead of answering.
		clientConn.Close()
		return nil
	})

	resp := doRequest(t, fx.publicBase, "p.localhost", "GET", "/", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
}

func TestFrontendPostBodyReachesClient(t *testing.T) {
	fx := startServer(t, 5*time.Second, 10<<20)
	got := make(chan *proto.Request, 1)
	startFakeClient(t, fx.controlAddr, "p", func(req *proto.Request) *proto.Response {
		select {
		case got <- req:
		default:
		}
		return &proto.Response{
			Status:  201,
			Headers: []httpx.Header{{Name: "Content-Type", Value: "text/plain"}},
			Body:    []byte(strconv.Itoa(len(req.Body))),
		}
	})

	payload := bytes.Repeat([]byte{0x00, 0x01, 0xfe}, 100)
	resp := doRequest(t, fx.publicBase, "p.localhost", "POST", "/data", payload)
	if resp.StatusCode != 201 {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != strconv.Itoa(len(payload)) {
		t.Fatalf("echoed length = %q, want %d", body, len(payload))
	}
	env := <-got
	if !bytes.Equal(env.Body, payload) {
		t.Fatal("binary body corrupted through the envelope")
	}
}
