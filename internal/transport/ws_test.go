package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/mcpgate/internal/auth"
)

func dialWS(t *testing.T, f *fixture, hdr http.Header) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/mcp/ws"
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func roundTrip(t *testing.T, c *websocket.Conn, body string) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, []byte(body)); err != nil {
		t.Fatalf("write: %v", err)
	}
	return readWS(t, c)
}

func readWS(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return m
}

func TestWebSocketRoundTrip(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	c := dialWS(t, f, nil)

	msg := roundTrip(t, c, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	if msg["error"].(map[string]any)["code"] != float64(-32600) {
		t.Fatalf("pre-init = %v", msg)
	}

	msg = roundTrip(t, c, `{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`)
	if msg["result"].(map[string]any)["protocolVersion"] != "2025-03-26" {
		t.Fatalf("initialize = %v", msg)
	}

	msg = roundTrip(t, c, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"count"}}`)
	for i := 0; i < 3; i++ {
		if msg["method"] != "notifications/tools/chunk" {
			t.Fatalf("chunk %d = %v", i, msg)
		}
		msg = readWS(t, c)
	}
	if msg["id"] != float64(3) || msg["result"].(map[string]any)["chunks"] != float64(3) {
		t.Fatalf("terminal = %v", msg)
	}

	msg = roundTrip(t, c, `not json`)
	if msg["error"].(map[string]any)["code"] != float64(-32700) || msg["id"] != nil {
		t.Fatalf("parse error = %v", msg)
	}
}

func TestWebSocketRequiresAuthentication(t *testing.T) {
	f := newFixture(t, fixtureOpts{authn: auth.APIKeys{"k1": {TenantID: "acme"}}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/mcp/ws"
	_, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatalf("unauthenticated dial succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %v", resp)
	}

	c := dialWS(t, f, http.Header{"X-Api-Key": []string{"k1"}})
	if msg := roundTrip(t, c, `{"jsonrpc":"2.0","id":1,"method":"ping"}`); msg["result"].(map[string]any)["status"] != "ok" {
		t.Fatalf("ping = %v", msg)
	}
}
