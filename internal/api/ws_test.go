package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/imaginario/searchd/internal/notify"
)

func dialNotifications(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/notifications"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

type wsFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	var frame wsFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame JSONMessage) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
}

func TestNotifications_SubscribeBeforeAuth(t *testing.T) {
	h, _, _ := setupAppHandler(t)
	ts := httptest.NewServer(h)
	defer ts.Close()

	conn := dialNotifications(t, ts)
	writeFrame(t, conn, JSONMessage{Type: msgSubscribeJobs})

	frame := readFrame(t, conn)
	if frame.Type != msgError {
		t.Fatalf("type = %q, want error", frame.Type)
	}
	var data wsErrorData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		t.Fatalf("decoding error data: %v", err)
	}
	if data.Code != "not_authenticated" {
		t.Fatalf("code = %q, want not_authenticated", data.Code)
	}
}

func TestNotifications_InvalidToken(t *testing.T) {
	h, _, _ := setupAppHandler(t)
	ts := httptest.NewServer(h)
	defer ts.Close()

	conn := dialNotifications(t, ts)
	writeFrame(t, conn, JSONMessage{
		Type: msgAuthenticate,
		Data: wsAuthData{Token: "garbage"},
	})

	frame := readFrame(t, conn)
	if frame.Type != msgError {
		t.Fatalf("type = %q, want error", frame.Type)
	}
	var data wsErrorData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		t.Fatalf("decoding error data: %v", err)
	}
	if data.Code != "invalid_token" {
		t.Fatalf("code = %q, want invalid_token", data.Code)
	}
}

func TestNotifications_JobUpdates(t *testing.T) {
	h, _, deps := setupAppHandler(t)
	ts := httptest.NewServer(h)
	defer ts.Close()

	token := issueToken(t, deps, "user-1")
	conn := dialNotifications(t, ts)

	writeFrame(t, conn, JSONMessage{Type: msgAuthenticate, Data: wsAuthData{Token: token}})
	if frame := readFrame(t, conn); frame.Type != msgAuthenticated {
		t.Fatalf("type = %q, want authenticated", frame.Type)
	}

	writeFrame(t, conn, JSONMessage{Type: msgSubscribeJobs})
	if frame := readFrame(t, conn); frame.Type != msgSubscribed {
		t.Fatalf("type = %q, want subscribed", frame.Type)
	}

	// Subscription registration races the publish below; wait for it.
	deadline := time.Now().Add(2 * time.Second)
	for deps.Hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	deps.Hub.Publish(notify.Event{
		JobID:     "job-1",
		UserID:    "user-1",
		Status:    "completed",
		Message:   "search completed with 2 results",
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})

	frame := readFrame(t, conn)
	if frame.Type != msgJobUpdate {
		t.Fatalf("type = %q, want job_update", frame.Type)
	}
	var ev struct {
		JobID     string `json:"job_id"`
		Status    string `json:"status"`
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		t.Fatalf("decoding event: %v", err)
	}
	if ev.JobID != "job-1" || ev.Status != "completed" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Timestamp == "" {
		t.Fatal("event missing timestamp")
	}
}

func TestNotifications_OtherUsersFiltered(t *testing.T) {
	h, _, deps := setupAppHandler(t)
	ts := httptest.NewServer(h)
	defer ts.Close()

	token := issueToken(t, deps, "user-1")
	conn := dialNotifications(t, ts)

	writeFrame(t, conn, JSONMessage{Type: msgAuthenticate, Data: wsAuthData{Token: token}})
	readFrame(t, conn)
	writeFrame(t, conn, JSONMessage{Type: msgSubscribeJobs})
	readFrame(t, conn)

	deadline := time.Now().Add(2 * time.Second)
	for deps.Hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	deps.Hub.Publish(notify.Event{JobID: "other", UserID: "user-2", Status: "failed"})
	deps.Hub.Publish(notify.Event{JobID: "mine", UserID: "user-1", Status: "completed"})

	frame := readFrame(t, conn)
	if frame.Type != msgJobUpdate {
		t.Fatalf("type = %q, want job_update", frame.Type)
	}
	var ev struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		t.Fatalf("decoding event: %v", err)
	}
	if ev.JobID != "mine" {
		t.Fatalf("received another user's event: %+v", ev)
	}
}

func TestNotifications_UnknownMessageType(t *testing.T) {
	h, _, _ := setupAppHandler(t)
	ts := httptest.NewServer(h)
	defer ts.Close()

	conn := dialNotifications(t, ts)
	writeFrame(t, conn, JSONMessage{Type: "bogus"})

	frame := readFrame(t, conn)
	if frame.Type != msgError {
		t.Fatalf("type = %q, want error", frame.Type)
	}
}
