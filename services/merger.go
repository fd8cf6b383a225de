package services

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"listing-scraper/models"
)

// ErrIDCollision means two records claim the same id.
var ErrIDCollision = errors.New("services: two listings share one id")

// MergeCounts summarises a store merge.
type MergeCounts struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Total   int `json:"total"`
}

// Merger reconciles a persisted store with a freshly scraped one.
type Merger struct {
	reconciler *Reconciler
	logger     logrus.FieldLogger
	newID      func() string
}

// NewMerger creates a Merger using reconciler for per-key merges.
func NewMerger(reconciler *Reconciler, logger logrus.FieldLogger) *Merger {
	return &Merger{reconciler: reconciler, logger: logger, newID: uuid.NewString}
}

// Merge lays incoming over base and returns the result as a new store; the
// inputs are not modified. New keys are inserted (with a fresh id only when
// the record has none); existing keys are merged field by field with base's
// id preserved. Updated counts only records whose content actually changed,
// so merging a store into itself reports zero added and zero updated.
func (m *Merger) Merge(base, incoming models.Store) (models.Store, MergeCounts) {
	var counts MergeCounts
	out := base.Clone()
	if out == nil {
		out = make(models.Store)
	}

	for _, key := range incoming.Keys() {
		rec := incoming[key]
		if rec == nil {
			continue
		}

		existing, ok := out[key]
		if !ok || existing == nil {
			added := rec.Clone()
			if added.ID == "" {
				added.ID = m.newID()
				m.logger.WithField("key", key).Debugf("[merger] Assigned id %s", added.ID)
			}
			out[key] = added
			counts.Added++
			continue
		}

		merged := m.reconciler.Overlay(existing, rec)
		if existing.ID != "" {
			merged.ID = existing.ID
		}
		if !reflect.DeepEqual(merged, existing) {
			counts.Updated++
		}
		out[key] = merged
	}

	counts.Total = len(out)
	m.logger.Infof("[merger] Merge complete: added %d, updated %d, total %d",
		counts.Added, counts.Updated, counts.Total)
	return out, counts
}

// MigrationReport summarises MigrateIDs.
type MigrationReport struct {
	Assigned int
	Rekeyed  int
}

// MigrateIDs returns a copy of store keyed by listing id. Records without an
// id get one: the old key when it is already a UUID, a new UUID otherwise.
// Running it again on its own output changes nothing.
func (m *Merger) MigrateIDs(store models.Store) (models.Store, MigrationReport, error) {
	var report MigrationReport
	out := make(models.Store, len(store))

	for _, key := range store.Keys() {
		rec := store[key]
		if rec == nil {
			continue
		}
		rec = rec.Clone()
		if rec.ID == "" {
			if _, err := uuid.Parse(key); err == nil {
				rec.ID = key
			} else {
				rec.ID = m.newID()
			}
			report.Assigned++
		}
		if rec.ID != key {
			report.Rekeyed++
		}
		if _, taken := out[rec.ID]; taken {
			return nil, report, fmt.Errorf("%w: %s (key %q)", ErrIDCollision, rec.ID, key)
		}
		out[rec.ID] = rec
	}

	m.logger.Infof("[merger] Id migration: %d assigned, %d rekeyed", report.Assigned, report.Rekeyed)
	return out, report, nil
}
