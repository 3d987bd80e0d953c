package services

import "github.com/tbourn/slot-hunter/internal/domain"

// Diff returns the slots in current that are not in seen, compared by full
// row. Repeated rows in current are reported once, and the result keeps
// current's order.
//
// With an empty seen every current slot is new: the first run notifies
// about everything on offer. An empty current yields no new slots; it says
// nothing about the seen-set, which callers must not clear because of it.
func Diff(current, seen []domain.Slot) []domain.Slot {
	known := make(map[string]struct{}, len(seen))
	for _, s := range seen {
		known[s.Key()] = struct{}{}
	}
	out := make([]domain.Slot, 0, len(current))
	for _, s := range domain.DedupeSlots(current) {
		if _, ok := known[s.Key()]; ok {
			continue
		}
		out = append(out, s)
	}
	return out
}
