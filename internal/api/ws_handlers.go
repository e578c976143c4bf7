package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/onnwee/attendsync/internal/fanout"
	"github.com/onnwee/attendsync/internal/middleware"
)

// AttendanceWebSocketHandler streams changed records to browser clients.
// GET /attendance/ws?course={courseID}; without a course the client receives
// every course.
type AttendanceWebSocketHandler struct {
	broadcaster *fanout.Broadcaster
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

// NewAttendanceWebSocketHandler creates the handler. Browser origins are
// checked against origins; logger may be nil.
func NewAttendanceWebSocketHandler(b *fanout.Broadcaster, origins *middleware.OriginChecker, logger *slog.Logger) *AttendanceWebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AttendanceWebSocketHandler{
		broadcaster: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.CheckOrigin,
		},
		logger: logger,
	}
}

// ServeHTTP implements http.Handler.
func (h *AttendanceWebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}
	if !h.upgrader.CheckOrigin(r) {
		WriteError(w, ctx, http.StatusForbidden, ErrCodeForbidden, "Origin not allowed")
		return
	}

	courseID := r.URL.Query().Get("course")

	// Upgrade writes its own error response on failure.
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to upgrade websocket connection",
			slog.String("error", err.Error()),
			slog.String("course_id", courseID),
		)
		return
	}

	h.broadcaster.Subscribe(courseID, conn)

	requestID := middleware.GetRequestID(ctx)
	h.logger.InfoContext(ctx, "websocket client subscribed to attendance updates",
		slog.String("course_id", courseID),
		slog.String("request_id", requestID),
	)

	defer func() {
		h.broadcaster.Unsubscribe(conn)
		_ = conn.Close()
		h.logger.InfoContext(ctx, "websocket client unsubscribed",
			slog.String("course_id", courseID),
			slog.String("request_id", requestID),
		)
	}()

	// Clients send nothing; reading detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.WarnContext(ctx, "websocket connection closed unexpectedly",
					slog.String("error", err.Error()),
					slog.String("course_id", courseID),
				)
			}
			return
		}
	}
}
