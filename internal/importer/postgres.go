package importer

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/attendsync/internal/attendance"
	"github.com/onnwee/attendsync/internal/tracing"
)

// PostgresSource reads records from the attendance table.
type PostgresSource struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresSource creates a PostgresSource.
func NewPostgresSource(db *sql.DB, logger *slog.Logger) *PostgresSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresSource{
		db:     db,
		logger: logger,
	}
}

// Name implements Source.
func (s *PostgresSource) Name() string { return "postgres" }

// Fetch implements Source.
func (s *PostgresSource) Fetch(ctx context.Context, date attendance.Date) (out []attendance.Fields, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "attendance", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `SELECT student_id, course_id, date, status, marked_by, timestamp
	          FROM attendance
	          WHERE date = $1
	          ORDER BY timestamp`
	rows, err := s.db.QueryContext(ctx, query, date.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query attendance: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			f        attendance.Fields
			day      time.Time
			markedBy sql.NullString
			ts       sql.NullTime
		)
		if err := rows.Scan(&f.StudentID, &f.CourseID, &day, &f.Status, &markedBy, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan attendance row: %w", err)
		}
		f.Date = day.Format(attendance.DateLayout)
		f.MarkedBy = markedBy.String
		if ts.Valid {
			f.Timestamp = ts.Time.Format(time.RFC3339Nano)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attendance rows: %w", err)
	}

	s.logger.Debug("loaded stored attendance",
		slog.String("date", date.String()),
		slog.Int("rows", len(out)),
	)
	return out, nil
}
