package channel

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/onnwee/attendsync/internal/attendance"
)

// DefaultRoster is the demo roster used when none is configured.
var DefaultRoster = []string{"John Doe", "Sarah Johnson", "Michael Brown", "Emily Davis"}

// DefaultSimulatedCourse is the course simulated sightings are attributed to.
const DefaultSimulatedCourse = "CS101"

// SimulatorConfig configures a Simulator.
type SimulatorConfig struct {
	Roster   []string
	CourseID string
	// Location derives the attendance date from the tick time. Defaults to time.Local.
	Location *time.Location
	Seed     int64
}

// Simulator produces synthetic sightings while the backend is unreachable.
// Every payload it generates is tagged simulated.
type Simulator struct {
	roster   []string
	courseID string
	loc      *time.Location

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulator creates a Simulator.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if len(cfg.Roster) == 0 {
		cfg.Roster = DefaultRoster
	}
	if cfg.CourseID == "" {
		cfg.CourseID = DefaultSimulatedCourse
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Simulator{
		roster:   append([]string(nil), cfg.Roster...),
		courseID: cfg.CourseID,
		loc:      cfg.Location,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Generate returns one synthetic sighting observed at now, as a JSON payload.
// Most sightings are present; roughly one in five is late.
func (s *Simulator) Generate(now time.Time) attendance.RawPayload {
	s.mu.Lock()
	student := s.roster[s.rng.Intn(len(s.roster))]
	status := attendance.StatusPresent
	if s.rng.Intn(5) == 0 {
		status = attendance.StatusLate
	}
	s.mu.Unlock()

	local := now.In(s.loc)
	body, _ := json.Marshal(attendance.Fields{
		StudentID: student,
		CourseID:  s.courseID,
		Date:      attendance.DateOf(local).String(),
		Status:    string(status),
		Timestamp: local.Format(time.RFC3339Nano),
		Source:    string(attendance.SourceSimulated),
	})

	return attendance.RawPayload{
		Body:       body,
		Encoding:   attendance.EncodingJSON,
		Source:     attendance.SourceSimulated,
		ReceivedAt: now,
	}
}
