package booking

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Availability string

const (
	SlotOpen     Availability = "open"
	SlotBlocked  Availability = "blocked"
	SlotOccupied Availability = "occupied"
)

// classifySlot folds the two slot facts into one availability value.
// Blocked wins over occupied: a blocked slot reads as blocked even while
// a pre-existing appointment still holds it.
func classifySlot(blocked, occupied bool) Availability {
	switch {
	case blocked:
		return SlotBlocked
	case occupied:
		return SlotOccupied
	default:
		return SlotOpen
	}
}

// Grid is the fixed daily viewing timetable. Start is inclusive, End
// exclusive: a 09:00-17:00 hourly grid offers 09:00 through 16:00.
type Grid struct {
	start time.Time
	end   time.Time
	step  time.Duration
}

func NewGrid(start, end string, step time.Duration) (Grid, error) {
	s, err := time.Parse(TimeLayout, start)
	if err != nil {
		return Grid{}, fmt.Errorf("parse grid start: %w", err)
	}
	e, err := time.Parse(TimeLayout, end)
	if err != nil {
		return Grid{}, fmt.Errorf("parse grid end: %w", err)
	}
	if step < time.Minute {
		return Grid{}, fmt.Errorf("grid step %s too small", step)
	}
	if !s.Before(e) {
		return Grid{}, fmt.Errorf("grid start %s not before end %s", start, end)
	}
	return Grid{start: s, end: e, step: step}, nil
}

// Times lists the grid's slot times in canonical form, in day order.
func (g Grid) Times() []string {
	var out []string
	for t := g.start; t.Before(g.end); t = t.Add(g.step) {
		out = append(out, t.Format(TimeLayout))
	}
	return out
}

// DayAvailability is the per-slot classification of one property's grid
// on one date.
type DayAvailability struct {
	PropertyID uuid.UUID
	Date       string
	Slots      []SlotAvailability
}

type SlotAvailability struct {
	Time   string
	State  Availability
	Reason string
}
