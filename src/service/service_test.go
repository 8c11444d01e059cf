package service

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/locavenet/locave/src/common"
	"github.com/locavenet/locave/src/delivery"
	"github.com/locavenet/locave/src/net"
	"github.com/locavenet/locave/src/node"
	"github.com/locavenet/locave/src/wire"
)

func newTestService(t *testing.T) (*node.Node, *net.InmemTransport, *httptest.Server) {
	conf := node.TestConfig(t)
	conf.HeartbeatTimeout = 10 * time.Millisecond

	baseAddr, baseTrans := net.NewInmemTransport("")
	fieldAddr, fieldTrans := net.NewInmemTransport("")
	baseTrans.Connect(fieldAddr, fieldTrans)
	fieldTrans.Connect(baseAddr, baseTrans)

	n := node.NewNode(conf, baseTrans, nil)
	if err := n.Init(); err != nil {
		t.Fatalf("err: %v", err)
	}
	n.RunAsync()

	s := NewService("127.0.0.1:0", n, nil, common.NewTestEntry(t, "service"))
	srv := httptest.NewServer(s.mux)

	return n, fieldTrans, srv
}

func getJSON(t *testing.T, url string, v interface{}) {
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("err: %v", err)
	}
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		t.Fatalf("err: %v", err)
	}
	resp, err := http.Post(url, "application/json", buf)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return resp
}

func sendFrame(t *testing.T, trans *net.InmemTransport, ev wire.Event) {
	frame, err := wire.Encode(ev)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if err := trans.Write(frame); err != nil {
		t.Fatalf("err: %v", err)
	}
}

func waitUntil(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestGetNodes(t *testing.T) {
	n, field, srv := newTestService(t)
	defer srv.Close()
	defer n.Shutdown()

	sendFrame(t, field, wire.Hello{
		Hdr: wire.Header{Source: 3, Dest: wire.BaseID, HopTTL: 21, Type: wire.HelloType},
	})

	waitUntil(t, 2*time.Second, "node 3 never appeared", func() bool {
		var nodes map[string]interface{}
		getJSON(t, srv.URL+"/nodes", &nodes)
		_, ok := nodes["3"]
		return ok
	})
}

func TestPostMessageAndHistory(t *testing.T) {
	n, _, srv := newTestService(t)
	defer srv.Close()
	defer n.Shutdown()

	resp := postJSON(t, srv.URL+"/message", map[string]interface{}{
		"dest":    5,
		"content": "status check",
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	var msg delivery.Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatalf("err: %v", err)
	}
	if msg.State != delivery.Pending || msg.Dest != 5 {
		t.Fatalf("unexpected message: %+v", msg)
	}

	var history []delivery.Message
	getJSON(t, srv.URL+"/messages", &history)
	if len(history) != 1 || history[0].Content != "status check" {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestMessageHistoryCarriesAge(t *testing.T) {
	n, _, srv := newTestService(t)
	defer srv.Close()
	defer n.Shutdown()

	resp := postJSON(t, srv.URL+"/message", map[string]interface{}{
		"dest":    2,
		"content": "checking in",
	})
	resp.Body.Close()

	var history []map[string]interface{}
	getJSON(t, srv.URL+"/messages", &history)
	if len(history) != 1 {
		t.Fatalf("expected 1 message, got %d", len(history))
	}
	if _, ok := history[0]["seconds_ago"]; !ok {
		t.Fatalf("history entry should carry seconds_ago, got %+v", history[0])
	}
	if _, ok := history[0]["timestamp"]; !ok {
		t.Fatalf("history entry should carry timestamp, got %+v", history[0])
	}
}

func TestPostBroadcastTooLong(t *testing.T) {
	n, _, srv := newTestService(t)
	defer srv.Close()
	defer n.Shutdown()

	resp := postJSON(t, srv.URL+"/broadcast", map[string]interface{}{
		"content": strings.Repeat("x", 200),
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized content should yield 400, got %d", resp.StatusCode)
	}
}

func TestDeployEndpoints(t *testing.T) {
	n, field, srv := newTestService(t)
	defer srv.Close()
	defer n.Shutdown()

	resp := postJSON(t, srv.URL+"/deploy/9/start", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: status %d", resp.StatusCode)
	}

	for i := 0; i < 5; i++ {
		sendFrame(t, field, wire.DeployPing{
			Hdr:  wire.Header{Source: 9, Dest: wire.BaseID, HopTTL: 25, Type: wire.DeployPingType},
			RSSI: -45,
		})
	}

	waitUntil(t, 2*time.Second, "quality never reported", func() bool {
		var result map[string]interface{}
		resp, err := http.Get(srv.URL + "/deploy/9")
		if err != nil || resp.StatusCode != http.StatusOK {
			if resp != nil {
				resp.Body.Close()
			}
			return false
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return false
		}
		q, ok := result["quality"].(float64)
		return ok && q > 0
	})

	resp = postJSON(t, srv.URL+"/deploy/9/end", nil)
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/deploy/9")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("ended survey should yield 404, got %d", resp.StatusCode)
	}
}

func TestPostPingBadDest(t *testing.T) {
	n, _, srv := newTestService(t)
	defer srv.Close()
	defer n.Shutdown()

	resp := postJSON(t, srv.URL+"/ping/boom", nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad destination should yield 400, got %d", resp.StatusCode)
	}
}

func TestBleSightingsEmpty(t *testing.T) {
	n, _, srv := newTestService(t)
	defer srv.Close()
	defer n.Shutdown()

	var sightings []interface{}
	getJSON(t, srv.URL+"/ble/4", &sightings)
	if len(sightings) != 0 {
		t.Fatalf("unknown node should yield an empty list, got %+v", sightings)
	}
}

func TestBotEndpointsWithoutBridge(t *testing.T) {
	n, _, srv := newTestService(t)
	defer srv.Close()
	defer n.Shutdown()

	resp, err := http.Get(srv.URL + "/bot/status")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("missing bridge should yield 503, got %d", resp.StatusCode)
	}
}

func TestEventsWebsocket(t *testing.T) {
	n, _, srv := newTestService(t)
	defer srv.Close()
	defer n.Shutdown()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer conn.Close()

	waitUntil(t, 2*time.Second, "subscriber never registered", func() bool {
		return n.Stats()["subscribers"] != "0"
	})

	if _, err := n.Broadcast("hello everyone"); err != nil {
		t.Fatalf("err: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var ev node.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("err: %v", err)
	}
	if ev.Kind != node.EventMessage {
		t.Fatalf("expected %s event, got %s", node.EventMessage, ev.Kind)
	}
}

func TestSuspendResume(t *testing.T) {
	n, _, srv := newTestService(t)
	defer srv.Close()
	defer n.Shutdown()

	var stats map[string]string

	resp := postJSON(t, srv.URL+"/suspend", nil)
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("err: %v", err)
	}
	if stats["state"] != "Suspended" {
		t.Fatalf("expected Suspended, got %s", stats["state"])
	}

	if _, err := n.Broadcast("anyone there?"); err == nil {
		t.Fatal("suspended engine should refuse submissions")
	}

	resp = postJSON(t, srv.URL+"/resume", nil)
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("err: %v", err)
	}
	if stats["state"] != "Running" {
		t.Fatalf("expected Running, got %s", stats["state"])
	}
}

func TestEventsUnsubscribeOnDisconnect(t *testing.T) {
	n, _, srv := newTestService(t)
	defer srv.Close()
	defer n.Shutdown()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	waitUntil(t, 2*time.Second, "subscriber never registered", func() bool {
		return n.Stats()["subscribers"] != "0"
	})

	// Closing the client must release the subscription without waiting for
	// another engine event to flush it out.
	conn.Close()

	waitUntil(t, 2*time.Second, "subscriber never released", func() bool {
		return n.Stats()["subscribers"] == "0"
	})
}

func TestStats(t *testing.T) {
	n, _, srv := newTestService(t)
	defer srv.Close()
	defer n.Shutdown()

	var stats map[string]string
	getJSON(t, srv.URL+"/stats", &stats)

	if stats["state"] != "Running" {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
