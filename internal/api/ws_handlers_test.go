package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/onnwee/attendsync/internal/attendance"
	"github.com/onnwee/attendsync/internal/fanout"
	"github.com/onnwee/attendsync/internal/middleware"
)

func newWSServer(t *testing.T, origins []string) (*httptest.Server, *fanout.Broadcaster) {
	t.Helper()
	b := fanout.NewBroadcaster(fanout.WithBroadcastLogger(discardLogger()))
	h := NewAttendanceWebSocketHandler(b, middleware.NewOriginChecker(origins), discardLogger())
	server := httptest.NewServer(h)
	t.Cleanup(func() {
		b.CloseAll()
		server.Close()
	})
	return server, b
}

func wsURL(server *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/attendance/ws" + query
}

func waitForConnections(t *testing.T, b *fanout.Broadcaster, courseID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.ConnectionCount(courseID) != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d connections for %q, got %d", want, courseID, b.ConnectionCount(courseID))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAttendanceWebSocket_ReceivesCourseUpdates(t *testing.T) {
	server, b := newWSServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, "?course=CS101"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	waitForConnections(t, b, "CS101", 1)

	b.Broadcast(attendance.Record{
		Key:    attendance.Key{StudentID: "S1", CourseID: "MA201", Date: "2026-03-02"},
		Status: attendance.StatusAbsent,
	})
	b.Broadcast(attendance.Record{
		Key:           attendance.Key{StudentID: "S1", CourseID: "CS101", Date: "2026-03-02"},
		Status:        attendance.StatusPresent,
		WinningSource: attendance.SourceFaceRecognition,
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var msg fanout.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("failed to decode message: %v", err)
	}
	if msg.Type != fanout.MessageTypeRecordUpdated {
		t.Errorf("unexpected type %q", msg.Type)
	}
	if msg.Record.CourseID != "CS101" || msg.Record.Status != attendance.StatusPresent {
		t.Errorf("expected only the CS101 update, got %+v", msg.Record)
	}
}

func TestAttendanceWebSocket_UnsubscribesOnClose(t *testing.T) {
	server, b := newWSServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, ""), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	waitForConnections(t, b, fanout.AllCourses, 1)

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	waitForConnections(t, b, fanout.AllCourses, 0)
}

func TestAttendanceWebSocket_Origin(t *testing.T) {
	server, _ := newWSServer(t, []string{"http://localhost:3000"})

	header := http.Header{}
	header.Set("Origin", "http://localhost:3000")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, ""), header)
	if err != nil {
		t.Fatalf("allowed origin should connect: %v", err)
	}
	_ = conn.Close()

	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server, ""), header)
	if err == nil {
		t.Fatal("expected disallowed origin to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %v", resp)
	}
}

func TestAttendanceWebSocket_PlainRequest(t *testing.T) {
	h := NewAttendanceWebSocketHandler(fanout.NewBroadcaster(), middleware.NewOriginChecker(nil), discardLogger())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/attendance/ws", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/attendance/ws", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for non-upgrade request, got %d", rr.Code)
	}
}
