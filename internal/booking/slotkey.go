package booking

import (
	"fmt"
	"hash/fnv"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DateLayout is the canonical wire and storage form of a viewing date.
	DateLayout = "2006-01-02"
	// TimeLayout is the canonical wire and storage form of a viewing time.
	TimeLayout = "15:04"
)

// SlotKey identifies one bookable viewing slot. Slots are derived, not
// stored: any (property, date, time) triple names one, whether or not an
// appointment ever touched it. Date and Time are always in canonical form,
// so two keys for the same slot compare equal with ==.
type SlotKey struct {
	PropertyID uuid.UUID
	Date       string
	Time       string
}

// ResolveSlotKey normalizes raw date and time input into a SlotKey.
// Inputs that differ only in formatting ("9:00" vs "09:00") resolve to the
// same key. Malformed input fails with ErrInvalidSlotKind.
func ResolveSlotKey(propertyID uuid.UUID, date, timeOfDay string) (SlotKey, error) {
	d, err := NormalizeDate(date)
	if err != nil {
		return SlotKey{}, err
	}
	t, err := NormalizeTime(timeOfDay)
	if err != nil {
		return SlotKey{}, err
	}
	return SlotKey{PropertyID: propertyID, Date: d, Time: t}, nil
}

// NormalizeDate canonicalizes a calendar date to DateLayout.
func NormalizeDate(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return "", fmt.Errorf("%w: bad date %q", ErrInvalidSlotKind, raw)
	}
	return d.Format(DateLayout), nil
}

// NormalizeTime canonicalizes a time of day to TimeLayout. A seconds part
// is accepted only when zero: slots sit on whole minutes.
func NormalizeTime(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		t, err = time.Parse("15:04:05", s)
		if err != nil || t.Second() != 0 {
			return "", fmt.Errorf("%w: bad time %q", ErrInvalidSlotKind, raw)
		}
	}
	return t.Format(TimeLayout), nil
}

// String renders the key for lock names and log fields.
func (k SlotKey) String() string {
	return k.PropertyID.String() + "/" + k.Date + "/" + k.Time
}

// LockKey maps the slot to a signed 64-bit advisory lock key. FNV-1a over
// the canonical string form: collisions only cost spurious serialization,
// never lost mutual exclusion.
func (k SlotKey) LockKey() int64 {
	h := fnv.New64a()
	io.WriteString(h, k.String())
	return int64(h.Sum64())
}
