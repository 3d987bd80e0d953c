// Package repo implements the durable seen-set stores. This file provides
// the SQLite-backed store.
//
// Every write runs in a single transaction, so a crash mid-write leaves the
// previous complete seen-set in place. Rows carry their own full-row key and
// a sequence number that preserves first-seen order.
//
// Error semantics:
//   - Undecodable or version-mismatched data returns a *CorruptError
//     (errors.Is(err, ErrStoreCorrupt)).
//   - Other database failures (connectivity, locking) are returned raw.
package repo

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/slot-hunter/internal/domain"
)

const (
	// formatName keys the version row in store_meta.
	formatName = "seen_slots"
	// FormatVersion is the current seen-set layout for every store.
	FormatVersion = 1
)

// afterClear runs inside Save between removing the old rows and inserting
// the new ones. Tests replace it to simulate a crash mid-write.
var afterClear = func(tx *gorm.DB) error { return nil }

// SQLiteStore keeps the seen-set in the seen_slots table.
type SQLiteStore struct {
	DB *gorm.DB
}

// NewSQLiteStore returns a store over db. The schema must already be
// migrated with AutoMigrate.
func NewSQLiteStore(db *gorm.DB) *SQLiteStore {
	return &SQLiteStore{DB: db}
}

// Load returns the persisted seen-set in first-seen order, or an empty set
// when nothing has been recorded yet.
func (s *SQLiteStore) Load(ctx context.Context) ([]domain.Slot, error) {
	db := s.DB.WithContext(ctx)
	if err := checkVersion(db); err != nil {
		return nil, err
	}

	var rows []domain.SeenSlot
	if err := db.Order("seq asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Slot, 0, len(rows))
	for _, r := range rows {
		slot := r.Slot()
		if slot.DateTimeFrom.IsZero() {
			return nil, corrupt("sqlite", fmt.Sprintf("row %d has no start time", r.Seq), nil)
		}
		if slot.Key() != r.Key {
			return nil, corrupt("sqlite", fmt.Sprintf("row %d key does not match its fields", r.Seq), nil)
		}
		out = append(out, slot)
	}
	return out, nil
}

// Save atomically replaces the seen-set with slots (deduplicated).
func (s *SQLiteStore) Save(ctx context.Context, slots []domain.Slot) error {
	rows := toRows(domain.DedupeSlots(slots), 0)
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&domain.SeenSlot{}).Error; err != nil {
			return err
		}
		if err := afterClear(tx); err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, 100).Error
	})
}

// MergeAndSave adds slots to the seen-set without removing anything. Slots
// already present keep their original position.
func (s *SQLiteStore) MergeAndSave(ctx context.Context, slots []domain.Slot) error {
	slots = domain.DedupeSlots(slots)
	if len(slots) == 0 {
		return nil
	}
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var next struct{ N int64 }
		if err := tx.Model(&domain.SeenSlot{}).Select("COALESCE(MAX(seq), -1) + 1 AS n").Scan(&next).Error; err != nil {
			return err
		}
		rows := toRows(slots, next.N)
		return tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, 100).Error
	})
}

// Count returns the number of persisted slots.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.DB.WithContext(ctx).Model(&domain.SeenSlot{}).Count(&n).Error
	return n, err
}

func checkVersion(db *gorm.DB) error {
	var meta domain.StoreMeta
	err := db.Where("name = ?", formatName).First(&meta).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return corrupt("sqlite", "missing format version", nil)
	}
	if err != nil {
		return err
	}
	if meta.Version != FormatVersion {
		return corrupt("sqlite", fmt.Sprintf("unsupported format version %d", meta.Version), nil)
	}
	return nil
}

func toRows(slots []domain.Slot, firstSeq int64) []domain.SeenSlot {
	rows := make([]domain.SeenSlot, len(slots))
	for i, sl := range slots {
		rows[i] = domain.NewSeenSlot(sl, firstSeq+int64(i))
	}
	return rows
}
