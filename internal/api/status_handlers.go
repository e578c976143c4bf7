package api

import (
	"net/http"
	"time"

	"github.com/onnwee/attendsync/internal/channel"
)

// ChannelStatus reports the delivery channel state. It is satisfied by *channel.Manager.
type ChannelStatus interface {
	Status() channel.Status
}

// RecordCounter reports how many records the view holds.
type RecordCounter interface {
	Len() int
}

// SyncStatusHandler serves GET /sync/status.
type SyncStatusHandler struct {
	channel   ChannelStatus
	records   RecordCounter
	streamURL string
}

// NewSyncStatusHandler creates the sync status handler. streamURL is the
// recognition backend's live video feed, passed through opaquely.
func NewSyncStatusHandler(ch ChannelStatus, records RecordCounter, streamURL string) *SyncStatusHandler {
	return &SyncStatusHandler{
		channel:   ch,
		records:   records,
		streamURL: streamURL,
	}
}

// SyncStatusResponse is the body of GET /sync/status.
type SyncStatusResponse struct {
	State               channel.State `json:"state"`
	Since               time.Time     `json:"since"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	LastError           string        `json:"lastError,omitempty"`
	Simulated           bool          `json:"simulated"`
	StreamURL           string        `json:"streamUrl"`
	Records             int           `json:"records"`
}

// ServeHTTP implements http.Handler.
func (h *SyncStatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	st := h.channel.Status()
	writeJSON(w, ctx, http.StatusOK, SyncStatusResponse{
		State:               st.State,
		Since:               st.Since,
		ConsecutiveFailures: st.Failures,
		LastError:           st.LastError,
		Simulated:           st.State == channel.StateSimulating,
		StreamURL:           h.streamURL,
		Records:             h.records.Len(),
	})
}
