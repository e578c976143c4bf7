package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/attendsync/internal/attendance"
	"github.com/onnwee/attendsync/internal/middleware"
	"github.com/onnwee/attendsync/internal/reconcile"
	"github.com/onnwee/attendsync/internal/view"
)

// maxMarkBodyBytes bounds a manual mark request body.
const maxMarkBodyBytes = 64 << 10

// RecordReader reads reconciled records. It is satisfied by *view.Cache.
type RecordReader interface {
	Get(studentID, courseID string, date attendance.Date) (attendance.Record, error)
	GetByCourseAndDate(courseID string, date attendance.Date) []attendance.Record
	GetByStudent(studentID string) []attendance.Record
}

// Marker records manual attendance marks. It is satisfied by *syncer.Synchronizer.
type Marker interface {
	Mark(ctx context.Context, f attendance.Fields) (attendance.Record, error)
}

// AttendanceHandlers serves the attendance read surface and manual marks.
type AttendanceHandlers struct {
	records RecordReader
	marker  Marker
	logger  *slog.Logger
}

// NewAttendanceHandlers creates handlers backed by records and marker.
// logger may be nil.
func NewAttendanceHandlers(records RecordReader, marker Marker, logger *slog.Logger) *AttendanceHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &AttendanceHandlers{
		records: records,
		marker:  marker,
		logger:  logger,
	}
}

// AttendanceListResponse is the body of GET /attendance/{courseID}/{date}.
type AttendanceListResponse struct {
	CourseID string              `json:"courseId"`
	Date     attendance.Date     `json:"date"`
	Count    int                 `json:"count"`
	Records  []attendance.Record `json:"records"`
}

// AttendanceStudentResponse is the body of GET /attendance/student/{studentID}.
type AttendanceStudentResponse struct {
	StudentID string              `json:"studentId"`
	Count     int                 `json:"count"`
	Records   []attendance.Record `json:"records"`
}

// exportHeader is the column order of the CSV export.
var exportHeader = []string{"studentId", "courseId", "date", "status", "source", "lowConfidence", "lastUpdated"}

// Route dispatches requests under /attendance/.
//
//	GET /attendance/export?courseId={courseID}&date={date}[&format=csv|json]
//	GET /attendance/student/{studentID}
//	GET /attendance/{courseID}/{date}
//	GET /attendance/{courseID}/{date}/{studentID}
func (h *AttendanceHandlers) Route(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/attendance/"), "/")
	for _, p := range parts {
		if p == "" {
			WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
			return
		}
	}

	switch {
	case len(parts) == 1 && parts[0] == "export":
		h.export(w, r)
	case len(parts) == 2 && parts[0] == "student":
		h.listByStudent(w, r, parts[1])
	case len(parts) == 2:
		h.listByCourseAndDate(w, r, parts[0], parts[1])
	case len(parts) == 3:
		h.getRecord(w, r, parts[0], parts[1], parts[2])
	default:
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
	}
}

func (h *AttendanceHandlers) listByCourseAndDate(w http.ResponseWriter, r *http.Request, courseID, rawDate string) {
	ctx := r.Context()

	date, err := attendance.ParseDate(rawDate)
	if err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidDate, "Date must be formatted as YYYY-MM-DD")
		return
	}

	records := h.records.GetByCourseAndDate(courseID, date)
	writeJSON(w, ctx, http.StatusOK, AttendanceListResponse{
		CourseID: courseID,
		Date:     date,
		Count:    len(records),
		Records:  records,
	})
}

func (h *AttendanceHandlers) listByStudent(w http.ResponseWriter, r *http.Request, studentID string) {
	records := h.records.GetByStudent(studentID)
	writeJSON(w, r.Context(), http.StatusOK, AttendanceStudentResponse{
		StudentID: studentID,
		Count:     len(records),
		Records:   records,
	})
}

// export writes the course's records for a date as CSV, or as the list
// response when format=json.
func (h *AttendanceHandlers) export(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	courseID := strings.TrimSpace(q.Get("courseId"))
	if courseID == "" {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeMissingField, "courseId is required")
		return
	}
	date, err := attendance.ParseDate(q.Get("date"))
	if err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidDate, "Date must be formatted as YYYY-MM-DD")
		return
	}

	records := h.records.GetByCourseAndDate(courseID, date)
	switch q.Get("format") {
	case "json":
		writeJSON(w, ctx, http.StatusOK, AttendanceListResponse{
			CourseID: courseID,
			Date:     date,
			Count:    len(records),
			Records:  records,
		})
		return
	case "", "csv":
	default:
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "format must be csv or json")
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": "attendance-" + courseID + "-" + date.String() + ".csv",
	}))
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	_ = cw.Write(exportHeader)
	for _, rec := range records {
		_ = cw.Write([]string{
			rec.StudentID,
			rec.CourseID,
			rec.Date.String(),
			string(rec.Status),
			string(rec.WinningSource),
			strconv.FormatBool(rec.LowConfidence()),
			rec.LastUpdated.UTC().Format(time.RFC3339),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		h.logger.ErrorContext(ctx, "failed to write attendance export", slog.String("error", err.Error()))
	}
}

func (h *AttendanceHandlers) getRecord(w http.ResponseWriter, r *http.Request, courseID, rawDate, studentID string) {
	ctx := r.Context()

	date, err := attendance.ParseDate(rawDate)
	if err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidDate, "Date must be formatted as YYYY-MM-DD")
		return
	}

	rec, err := h.records.Get(studentID, courseID, date)
	if err != nil {
		if errors.Is(err, view.ErrNotFound) {
			WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "Attendance record not found")
			return
		}
		h.logger.ErrorContext(ctx, "failed to read attendance record", slog.String("error", err.Error()))
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
		return
	}

	writeJSON(w, ctx, http.StatusOK, rec)
}

// Mark handles POST /attendance. The body carries
// {studentId, courseId, date, status, markedBy}; the mark is always recorded
// as a manual event. When markedBy is empty the X-Staff-ID header is used.
func (h *AttendanceHandlers) Mark(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	var fields attendance.Fields
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMarkBodyBytes))
	if err := dec.Decode(&fields); err != nil {
		if errors.Is(err, io.EOF) {
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Request body is required")
			return
		}
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON body")
		return
	}
	if fields.MarkedBy == "" {
		fields.MarkedBy = middleware.GetStaffID(ctx)
	}

	rec, err := h.marker.Mark(ctx, fields)
	if err != nil {
		if code, ok := normalizationErrorCode(err); ok {
			WriteError(w, ctx, http.StatusBadRequest, code, err.Error())
			return
		}
		if errors.Is(err, reconcile.ErrInvalidEvent) {
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
			return
		}
		h.logger.ErrorContext(ctx, "failed to record manual mark", slog.String("error", err.Error()))
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Internal server error")
		return
	}

	writeJSON(w, ctx, http.StatusOK, rec)
}
