package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/onnwee/attendsync/internal/attendance"
	"github.com/onnwee/attendsync/internal/middleware"
)

func TestWriteError(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(rr, context.Background(), http.StatusNotFound, ErrCodeNotFound, "Attendance record not found")

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Errorf("expected JSON content type, got %s", ct)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response body: %v, body: %s", err, rr.Body.String())
	}
	if resp.Error.Code != ErrCodeNotFound || resp.Error.Message != "Attendance record not found" {
		t.Errorf("unexpected error body %+v", resp.Error)
	}
}

func TestWriteError_LoggedByMiddleware(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, nil))

	handler := middleware.Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeInvalidStatus, "bad status")
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/attendance", nil))

	var entry struct {
		ErrorCode string `json:"error_code"`
		Status    int    `json:"status"`
	}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log entry: %v, log: %s", err, buf.String())
	}
	if entry.ErrorCode != ErrCodeInvalidStatus || entry.Status != http.StatusBadRequest {
		t.Errorf("unexpected log entry %+v", entry)
	}
}

func TestStatusCodeMapping(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{ErrCodeValidation, http.StatusBadRequest},
		{ErrCodeInvalidStatus, http.StatusBadRequest},
		{ErrCodeMissingField, http.StatusBadRequest},
		{ErrCodeNotFound, http.StatusNotFound},
		{ErrCodeMethodNotAllowed, http.StatusMethodNotAllowed},
		{ErrCodeRateLimited, http.StatusTooManyRequests},
		{ErrCodeForbidden, http.StatusForbidden},
		{ErrCodeInternal, http.StatusInternalServerError},
		{"unknown", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusCodeMapping(tt.code); got != tt.want {
			t.Errorf("StatusCodeMapping(%q) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestNormalizationErrorCode(t *testing.T) {
	tests := []struct {
		err    error
		want   string
		wantOK bool
	}{
		{&attendance.NormalizationError{Kind: attendance.KindMissingField, Field: "date"}, ErrCodeMissingField, true},
		{&attendance.NormalizationError{Kind: attendance.KindInvalidStatus}, ErrCodeInvalidStatus, true},
		{fmt.Errorf("wrapped: %w", &attendance.NormalizationError{Kind: attendance.KindInvalidDate}), ErrCodeInvalidDate, true},
		{&attendance.NormalizationError{Kind: attendance.KindInvalidTimestamp}, ErrCodeInvalidTimestamp, true},
		{&attendance.NormalizationError{Kind: attendance.KindInvalidPayload}, ErrCodeValidation, true},
		{fmt.Errorf("other"), "", false},
	}
	for _, tt := range tests {
		got, ok := normalizationErrorCode(tt.err)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("normalizationErrorCode(%v) = %q, %v; want %q, %v", tt.err, got, ok, tt.want, tt.wantOK)
		}
	}
}
