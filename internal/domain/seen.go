package domain

import "time"

// SeenSlot is the persisted row for one already-notified slot. Seq keeps the
// order in which slots were first recorded.
type SeenSlot struct {
	Key          string    `gorm:"column:slot_key;type:TEXT NOT NULL;primaryKey"`
	Seq          int64     `gorm:"type:INTEGER NOT NULL;index"`
	DateTimeFrom time.Time `gorm:"type:DATETIME NOT NULL"`
	DoctorID     int64     `gorm:"type:INTEGER NOT NULL"`
	DoctorName   string    `gorm:"type:TEXT NOT NULL"`
	ClinicID     int64     `gorm:"type:INTEGER NOT NULL"`
	ClinicName   string    `gorm:"type:TEXT NOT NULL"`
	ServiceID    int64     `gorm:"type:INTEGER NOT NULL"`
	CreatedAt    time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
}

// TableName implements the GORM tabler interface.
func (SeenSlot) TableName() string { return "seen_slots" }

// NewSeenSlot converts a slot into its persisted row.
func NewSeenSlot(s Slot, seq int64) SeenSlot {
	return SeenSlot{
		Key:          s.Key(),
		Seq:          seq,
		DateTimeFrom: s.DateTimeFrom.UTC(),
		DoctorID:     s.DoctorID,
		DoctorName:   s.DoctorName,
		ClinicID:     s.ClinicID,
		ClinicName:   s.ClinicName,
		ServiceID:    s.ServiceID,
	}
}

// Slot converts the row back into a slot.
func (r SeenSlot) Slot() Slot {
	return Slot{
		DateTimeFrom: r.DateTimeFrom.UTC(),
		DoctorID:     r.DoctorID,
		DoctorName:   r.DoctorName,
		ClinicID:     r.ClinicID,
		ClinicName:   r.ClinicName,
		ServiceID:    r.ServiceID,
	}
}

// StoreMeta records the seen-set format version so older or newer layouts
// are detected instead of misread.
type StoreMeta struct {
	Name    string `gorm:"type:TEXT NOT NULL;primaryKey"`
	Version int    `gorm:"type:INTEGER NOT NULL"`
}

// TableName implements the GORM tabler interface.
func (StoreMeta) TableName() string { return "store_meta" }
