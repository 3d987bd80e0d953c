// Package domain defines the appointment slot model, the persisted seen-set
// rows and the search criteria shared by the portal client, the seen-set
// stores and the poll loop.
package domain

import (
	"strconv"
	"strings"
	"time"
)

// Slot is one bookable appointment offer observed at fetch time. Slots are
// value objects: they are built fresh on every fetch and never mutated.
//
// Two slots are the same slot iff every field is equal. The doctor, clinic
// and service can recur at a different time and the same time can recur at
// a different clinic, so no single ID identifies a slot.
type Slot struct {
	DateTimeFrom time.Time `json:"date_time_from"`
	DoctorID     int64     `json:"doctor_id"`
	DoctorName   string    `json:"doctor_name"`
	ClinicID     int64     `json:"clinic_id"`
	ClinicName   string    `json:"clinic_name"`
	ServiceID    int64     `json:"service_id"`
}

// keySep cannot appear in portal-provided names.
const keySep = "\x1f"

// Key returns the full-row identity of the slot. Timestamps are compared in
// UTC so the same instant parsed with different offsets is one slot.
func (s Slot) Key() string {
	return strings.Join([]string{
		s.DateTimeFrom.UTC().Format(time.RFC3339Nano),
		strconv.FormatInt(s.DoctorID, 10),
		s.DoctorName,
		strconv.FormatInt(s.ClinicID, 10),
		s.ClinicName,
		strconv.FormatInt(s.ServiceID, 10),
	}, keySep)
}

// Equal reports full-row equality.
func (s Slot) Equal(o Slot) bool { return s.Key() == o.Key() }

// String renders the slot for notifications and logs.
func (s Slot) String() string {
	var b strings.Builder
	b.WriteString(s.DateTimeFrom.Format("2006-01-02 15:04"))
	if s.DoctorName != "" {
		b.WriteString(" - ")
		b.WriteString(s.DoctorName)
	}
	if s.ClinicName != "" {
		b.WriteString(" @ ")
		b.WriteString(s.ClinicName)
	}
	return b.String()
}

// DedupeSlots returns slots with repeated rows removed, keeping the first
// occurrence of each slot and the original order.
func DedupeSlots(slots []Slot) []Slot {
	out := make([]Slot, 0, len(slots))
	seen := make(map[string]struct{}, len(slots))
	for _, s := range slots {
		k := s.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, s)
	}
	return out
}

// MergeSlots appends the slots in add that are not already in seen. The
// result never loses an element of seen, so the seen-set only grows.
func MergeSlots(seen, add []Slot) []Slot {
	return DedupeSlots(append(append(make([]Slot, 0, len(seen)+len(add)), seen...), add...))
}

// Criteria is the saved search the poll loop watches. It is loaded once
// from configuration and never mutated afterwards.
//
// City and Service are required. Doctor and Clinic are optional filters.
// Each value is either a portal ID ("5") or a human-readable name
// ("Warszawa") that the portal client resolves to an ID.
type Criteria struct {
	City       string
	Service    string
	Doctor     string
	Clinic     string
	LookupDays int
}

// Window returns the search date range starting at the beginning of now's
// day and ending LookupDays later (inclusive, end of day).
func (c Criteria) Window(now time.Time) (from, to time.Time) {
	y, m, d := now.Date()
	from = time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	days := c.LookupDays
	if days < 0 {
		days = 0
	}
	to = from.AddDate(0, 0, days+1).Add(-time.Nanosecond)
	return from, to
}
