package fanout

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/brightpath/crmsync/internal/common"
	"github.com/brightpath/crmsync/internal/models"
)

// testServer runs a hub behind an httptest server that binds the session
// user from a query parameter.
func testServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(common.NewSilentLogger())
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, r.URL.Query().Get("user"))
	}))
	t.Cleanup(func() {
		srv.Close()
		hub.Stop()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?user=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForSessions(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.SessionCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d sessions, have %d", n, hub.SessionCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) models.DomainEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var event models.DomainEvent
	if err := json.Unmarshal(data, &event); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	return event
}

func TestTargetedDelivery(t *testing.T) {
	hub, srv := testServer(t)
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	waitForSessions(t, hub, 2)

	hub.Publish(models.DomainEvent{
		Kind:         models.EventMessageIncoming,
		TargetUserID: "alice",
		EntityID:     "msg-1",
		EmittedAt:    time.Now(),
	})

	event := readEvent(t, alice)
	if event.EntityID != "msg-1" || event.Kind != models.EventMessageIncoming {
		t.Fatalf("unexpected event: %+v", event)
	}

	// Bob must not receive Alice's event.
	bob.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, _, err := bob.ReadMessage(); err == nil {
		t.Fatal("bob received an event targeted at alice")
	}
}

func TestMultipleSessionsPerUser(t *testing.T) {
	hub, srv := testServer(t)
	first := dial(t, srv, "alice")
	second := dial(t, srv, "alice")
	waitForSessions(t, hub, 2)

	if n := hub.UserSessionCount("alice"); n != 2 {
		t.Fatalf("expected 2 sessions for alice, got %d", n)
	}

	hub.Publish(models.DomainEvent{
		Kind:         models.EventAppointmentCreated,
		TargetUserID: "alice",
		EntityID:     "evt-1",
		EmittedAt:    time.Now(),
	})

	for _, conn := range []*websocket.Conn{first, second} {
		event := readEvent(t, conn)
		if event.EntityID != "evt-1" {
			t.Fatalf("unexpected event: %+v", event)
		}
	}
}

func TestPerSessionOrdering(t *testing.T) {
	hub, srv := testServer(t)
	conn := dial(t, srv, "alice")
	waitForSessions(t, hub, 1)

	const count = 50
	for i := 0; i < count; i++ {
		hub.Publish(models.DomainEvent{
			Kind:         models.EventMessageIncoming,
			TargetUserID: "alice",
			EntityID:     entityID(i),
			EmittedAt:    time.Now(),
		})
	}

	for i := 0; i < count; i++ {
		event := readEvent(t, conn)
		if event.EntityID != entityID(i) {
			t.Fatalf("event %d out of order: got %s", i, event.EntityID)
		}
	}
}

func entityID(i int) string {
	return "msg-" + string(rune('a'+i/26)) + string(rune('a'+i%26))
}

func TestBroadcastReachesAllUsers(t *testing.T) {
	hub, srv := testServer(t)
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	waitForSessions(t, hub, 2)

	hub.Publish(models.DomainEvent{
		Kind:      models.EventNotification,
		EntityID:  "sys-1",
		EmittedAt: time.Now(),
	})

	for _, conn := range []*websocket.Conn{alice, bob} {
		event := readEvent(t, conn)
		if event.Kind != models.EventNotification {
			t.Fatalf("unexpected event: %+v", event)
		}
	}
}

func TestNoSessionDropsEvent(t *testing.T) {
	hub, srv := testServer(t)

	// Nobody connected; delivery is best effort so this must not block.
	hub.Publish(models.DomainEvent{
		Kind:         models.EventMessageIncoming,
		TargetUserID: "alice",
		EntityID:     "lost",
		EmittedAt:    time.Now(),
	})

	// Give the loop time to consume the orphan event before connecting.
	time.Sleep(50 * time.Millisecond)

	// A later subscriber sees only events published after connect.
	conn := dial(t, srv, "alice")
	waitForSessions(t, hub, 1)

	hub.Publish(models.DomainEvent{
		Kind:         models.EventMessageIncoming,
		TargetUserID: "alice",
		EntityID:     "fresh",
		EmittedAt:    time.Now(),
	})

	event := readEvent(t, conn)
	if event.EntityID != "fresh" {
		t.Fatalf("expected only the post-connect event, got %s", event.EntityID)
	}
}

func TestDisconnectRemovesSession(t *testing.T) {
	hub, srv := testServer(t)
	conn := dial(t, srv, "alice")
	waitForSessions(t, hub, 1)

	conn.Close()
	waitForSessions(t, hub, 0)

	if n := hub.UserSessionCount("alice"); n != 0 {
		t.Fatalf("expected 0 sessions for alice after disconnect, got %d", n)
	}
}

func TestConnectAfterStopDoesNotRegister(t *testing.T) {
	hub := NewHub(common.NewSilentLogger())
	go hub.Run()
	hub.Stop()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, r.URL.Query().Get("user"))
	}))
	defer srv.Close()

	// The upgrade may complete, but the session must not register and the
	// handler must close the connection instead of blocking on a loop that
	// already exited.
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?user=alice"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := conn.ReadMessage(); err == nil {
			t.Fatal("expected the connection to be closed by the stopped hub")
		}
		conn.Close()
	}

	if n := hub.SessionCount(); n != 0 {
		t.Fatalf("stopped hub registered a session, count %d", n)
	}
}
