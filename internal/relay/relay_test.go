package relay

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/partsync/partsync/internal/store"
	"github.com/partsync/partsync/internal/wire"
)

func newTestRelay(t *testing.T) *Relay {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := DefaultConfig()
	cfg.Port = 0
	cfg.Logger = log.New(os.Stderr, "[test] ", log.LstdFlags)
	cfg.SweepInterval = 50 * time.Millisecond
	cfg.DashboardInterval = 50 * time.Millisecond

	r := New(st, cfg)
	if err := r.Start(); err != nil {
		t.Fatalf("start relay: %v", err)
	}
	t.Cleanup(func() { _ = r.Stop() })
	time.Sleep(50 * time.Millisecond)
	return r
}

func dial(t *testing.T, r *Relay, clientName string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+r.Addr()+"/ws?clientName="+clientName, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, env wire.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wire.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return env
}

func TestFileDiffBroadcastsToOtherClientsOnly(t *testing.T) {
	r := newTestRelay(t)

	alice := dial(t, r, "alice")
	defer alice.Close(websocket.StatusNormalClosure, "")
	bob := dial(t, r, "bob")
	defer bob.Close(websocket.StatusNormalClosure, "")

	diff := wire.FileDiff{
		File:      "a.ts",
		Patch:     "@@ -1,1 +1,1 @@\n-old\n+new\n",
		Author:    "alice",
		Type:      wire.AuthorHuman,
		Timestamp: 1000,
		Version:   "aaaa1111bbbb2222",
	}
	sendEnvelope(t, alice, wire.Envelope{Event: wire.EventFileDiff, Data: diff})

	env := readEnvelope(t, bob)
	if env.Event != wire.EventFileDiff {
		t.Fatalf("expected file:diff, got %s", env.Event)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, data, err := alice.Read(ctx); err == nil {
		t.Fatalf("sender should not receive its own diff, got %s", data)
	}
}

func TestLockAcquireBroadcastsLockChanged(t *testing.T) {
	r := newTestRelay(t)

	alice := dial(t, r, "alice")
	defer alice.Close(websocket.StatusNormalClosure, "")
	bob := dial(t, r, "bob")
	defer bob.Close(websocket.StatusNormalClosure, "")

	sendEnvelope(t, alice, wire.Envelope{
		Event: wire.EventFileLock,
		Data:  wire.LockRequest{File: "a.ts", LockType: wire.LockEditing},
	})

	env := readEnvelope(t, bob)
	if env.Event != wire.EventFileLockChanged {
		t.Fatalf("expected file:lock-changed, got %s", env.Event)
	}
}

func TestHandshakeRepliesWithSameCorrelationID(t *testing.T) {
	r := newTestRelay(t)

	conn := dial(t, r, "carol")
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendEnvelope(t, conn, wire.Envelope{
		Event:   wire.EventSyncHandshake,
		ReplyTo: "req-1",
		Data: wire.Handshake{
			ClientID:     "carol",
			FileVersions: map[string]string{},
		},
	})

	env := readEnvelope(t, conn)
	if env.Event != wire.EventSyncHandshake {
		t.Fatalf("expected sync:handshake reply, got %s", env.Event)
	}
	if env.ReplyTo != "req-1" {
		t.Fatalf("expected correlated reply-to req-1, got %s", env.ReplyTo)
	}
}

func TestDashboardSubscribeReceivesImmediateSnapshot(t *testing.T) {
	r := newTestRelay(t)

	conn := dial(t, r, "dash")
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendEnvelope(t, conn, wire.Envelope{Event: wire.EventDashboardSub})

	env := readEnvelope(t, conn)
	if env.Event != wire.EventDashboardState {
		t.Fatalf("expected dashboard:state, got %s", env.Event)
	}
}

func TestHealthEndpointReportsOK(t *testing.T) {
	r := newTestRelay(t)

	resp, err := http.Get("http://" + r.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	var health wire.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" {
		t.Fatalf("expected status ok, got %q", health.Status)
	}
}
