// Package fanout pushes reconciled attendance records from the view cache to
// outside listeners: browser WebSocket clients and Redis pub/sub.
package fanout

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/onnwee/attendsync/internal/attendance"
)

// MessageTypeRecordUpdated tags a changed record on the wire.
const MessageTypeRecordUpdated = "attendance.updated"

// DefaultWriteTimeout bounds a single WebSocket write.
const DefaultWriteTimeout = 10 * time.Second

// Message is the envelope sent to every listener.
type Message struct {
	Type   string            `json:"type"`
	Record attendance.Record `json:"record"`
}

// NewMessage wraps rec in the update envelope.
func NewMessage(rec attendance.Record) Message {
	return Message{Type: MessageTypeRecordUpdated, Record: rec}
}

// client serializes writes to one connection; gorilla connections allow a
// single concurrent writer.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Broadcaster manages WebSocket connections and sends them record updates.
// Connections subscribe to one course, or to every course with AllCourses.
type Broadcaster struct {
	mu           sync.RWMutex
	connections  map[string]map[*websocket.Conn]*client // courseID -> connections
	writeTimeout time.Duration
	logger       *slog.Logger
	metrics      *Metrics
}

// AllCourses subscribes a connection to records of every course.
const AllCourses = ""

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithWriteTimeout overrides DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) BroadcasterOption {
	return func(b *Broadcaster) {
		if d > 0 {
			b.writeTimeout = d
		}
	}
}

// WithBroadcastLogger sets the logger.
func WithBroadcastLogger(l *slog.Logger) BroadcasterOption {
	return func(b *Broadcaster) { b.logger = l }
}

// WithBroadcastMetrics sets the metrics.
func WithBroadcastMetrics(m *Metrics) BroadcasterOption {
	return func(b *Broadcaster) { b.metrics = m }
}

// NewBroadcaster creates a new broadcaster.
func NewBroadcaster(opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		connections:  make(map[string]map[*websocket.Conn]*client),
		writeTimeout: DefaultWriteTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a WebSocket connection for a course.
func (b *Broadcaster) Subscribe(courseID string, conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connections[courseID] == nil {
		b.connections[courseID] = make(map[*websocket.Conn]*client)
	}
	b.connections[courseID][conn] = &client{conn: conn}
	b.metrics.setConnections(b.countLocked())
}

// Unsubscribe removes a WebSocket connection from every course.
func (b *Broadcaster) Unsubscribe(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for courseID, conns := range b.connections {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(b.connections, courseID)
		}
	}
	b.metrics.setConnections(b.countLocked())
}

// Broadcast sends rec to subscribers of its course and of all courses.
// Connections that fail a write are dropped.
func (b *Broadcaster) Broadcast(rec attendance.Record) {
	b.mu.RLock()
	targets := make([]*client, 0, len(b.connections[rec.CourseID])+len(b.connections[AllCourses]))
	for _, c := range b.connections[rec.CourseID] {
		targets = append(targets, c)
	}
	if rec.CourseID != AllCourses {
		for _, c := range b.connections[AllCourses] {
			targets = append(targets, c)
		}
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	// Serialize once
	data, err := json.Marshal(NewMessage(rec))
	if err != nil {
		b.logger.Error("failed to marshal attendance update", slog.String("error", err.Error()))
		return
	}

	for _, c := range targets {
		if err := c.write(data, b.writeTimeout); err != nil {
			b.metrics.incSendFailures()
			b.logger.Warn("failed to send message to websocket client",
				slog.String("error", err.Error()),
				slog.String("course_id", rec.CourseID),
			)
			b.Unsubscribe(c.conn)
			_ = c.conn.Close()
			continue
		}
		b.metrics.incSent()
	}
}

// ConnectionCount returns the number of connections subscribed to courseID.
func (b *Broadcaster) ConnectionCount(courseID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.connections[courseID])
}

// CloseAll sends a close frame to every connection and forgets them.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	var all []*client
	for _, conns := range b.connections {
		for _, c := range conns {
			all = append(all, c)
		}
	}
	b.connections = make(map[string]map[*websocket.Conn]*client)
	b.metrics.setConnections(0)
	b.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range all {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.mu.Unlock()
		_ = c.conn.Close()
	}
}

func (b *Broadcaster) countLocked() int {
	seen := make(map[*websocket.Conn]struct{})
	for _, conns := range b.connections {
		for conn := range conns {
			seen[conn] = struct{}{}
		}
	}
	return len(seen)
}

func (c *client) write(data []byte, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
