package proto

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/windyrun/tunnel/internal/httpx"
)

func roundTrip(t *testing.T, ft FrameType, in, out any) {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteFrame(&buf, ft, in); err != nil {
		t.Fatalf("write %s: %v", ft, err)
	}
	gotType, payload, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read %s: %v", ft, err)
	}
	if gotType != ft {
		t.Fatalf("type = %s, want %s", gotType, ft)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		t.Fatalf("decode %s: %v", ft, err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	reg := Register{Subdomain: "p", Version: Version}
	var gotReg Register
	roundTrip(t, FrameRegister, reg, &gotReg)
	if gotReg != reg {
		t.Errorf("register = %+v, want %+v", gotReg, reg)
	}

	ack := RegisterAck{ClientID: "abc", ServerTime: ts, Version: Version}
	var gotAck RegisterAck
	roundTrip(t, FrameRegisterAck, ack, &gotAck)
	if !gotAck.ServerTime.Equal(ts) || gotAck.ClientID != "abc" {
		t.Errorf("ack = %+v, want %+v", gotAck, ack)
	}

	req := Request{
		ID:     42,
		Method: "POST",
		Path:   "/submit?x=1",
		Headers: []httpx.Header{
			{Name: "Accept", Value: "text/html"},
			{Name: "Accept", Value: "application/json"},
			{Name: "X-Thing", Value: "1"},
		},
		Body: []byte{0x00, 0x01, 0xfe, 0xff},
	}
	var gotReq Request
	roundTrip(t, FrameRequest, req, &gotReq)
	if !reflect.DeepEqual(gotReq, req) {
		t.Errorf("request = %+v, want %+v", gotReq, req)
	}

	resp := Response{ID: 42, Status: 502, Reason: "client-overloaded", Headers: []httpx.Header{{Name: "X-Tunnel-Error", Value: "client-overloaded"}}, Body: []byte("nope")}
	var gotResp Response
	roundTrip(t, FrameResponse, resp, &gotResp)
	if !reflect.DeepEqual(gotResp, resp) {
		t.Errorf("response = %+v, want %+v", gotResp, resp)
	}

	hb := Heartbeat{Nonce: 7, Timestamp: ts}
	var gotHB Heartbeat
	roundTrip(t, FrameHeartbeat, hb, &gotHB)
	if gotHB.Nonce != 7 || !gotHB.Timestamp.Equal(ts) {
		t.Errorf("heartbeat = %+v, want %+v", gotHB, hb)
	}
}

func TestFrameEmptyBodyStaysEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, FrameRequest, Request{ID: 1, Method: "GET", Path: "/"}); err != nil {
		t.Fatal(err)
	}
	_, payload, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		t.Fatal(err)
	}
	if len(req.Body) != 0 {
		t.Errorf("body = %v, want empty", req.Body)
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], MaxFrameSize+1)
	buf.Write(lenBuf[:])
	if _, _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected oversize frame to be rejected")
	}
}

func TestReadFrameRejectsEmpty(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	buf.Write(lenBuf[:])
	if _, _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected zero-length frame to be rejected")
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 100)
	buf.Write(lenBuf[:])
	buf.Write([]byte{byte(FrameHeartbeat), 1, 2, 3})
	if _, _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected truncated frame to fail")
	}
}

func TestValidSubdomain(t *testing.T) {
	valid := []string{"p", "a1", "my-app", "x-1-y", "0", "abc123"}
	for _, s := range valid {
		if !ValidSubdomain(s) {
			t.Errorf("ValidSubdomain(%q) = false, want true", s)
		}
	}
	invalid := []string{"", "-a", "a-", "a--b", "UPPER", "has.dot", "has_underscore", "a b",
		"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"} // 64 chars
	for _, s := range invalid {
		if ValidSubdomain(s) {
			t.Errorf("ValidSubdomain(%q) = true, want false", s)
		}
	}
}

func TestNormalizeSubdomain(t *testing.T) {
	if got := NormalizeSubdomain("  MyApp "); got != "myapp" {
		t.Errorf("NormalizeSubdomain = %q, want myapp", got)
	}
}
