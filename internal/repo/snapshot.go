package repo

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tbourn/slot-hunter/internal/domain"
)

// snapshot is the versioned, human-readable seen-set layout used by the
// file and Redis stores:
//
//	{"version": 1, "slots": [{"date_time_from": "...", "doctor_id": 1, ...}]}
type snapshot struct {
	Version int           `json:"version"`
	Slots   []domain.Slot `json:"slots"`
}

func encodeSnapshot(slots []domain.Slot) ([]byte, error) {
	slots = domain.DedupeSlots(slots)
	return json.MarshalIndent(snapshot{Version: FormatVersion, Slots: slots}, "", "  ")
}

func decodeSnapshot(store string, b []byte) ([]domain.Slot, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var snap snapshot
	if err := dec.Decode(&snap); err != nil {
		return nil, corrupt(store, "undecodable snapshot", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, corrupt(store, "trailing data after snapshot", err)
	}
	if snap.Version != FormatVersion {
		return nil, corrupt(store, fmt.Sprintf("unsupported format version %d", snap.Version), nil)
	}
	for i, s := range snap.Slots {
		if s.DateTimeFrom.IsZero() {
			return nil, corrupt(store, fmt.Sprintf("slot %d has no start time", i), nil)
		}
	}
	if snap.Slots == nil {
		snap.Slots = []domain.Slot{}
	}
	return snap.Slots, nil
}
