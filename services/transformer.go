package services

import (
	"encoding/json"
	"sort"

	"github.com/sirupsen/logrus"

	"listing-scraper/models"
)

// TransformReport counts what Transform did with the batch rows.
type TransformReport struct {
	Rows    int
	New     int
	Merged  int
	Skipped int
	Dropped map[string]int // malformed values per column
}

// Transformer zips a worker's columnar batch into keyed listings.
type Transformer struct {
	reconciler *Reconciler
	logger     logrus.FieldLogger
}

// NewTransformer creates a Transformer using reconciler for merges.
func NewTransformer(reconciler *Reconciler, logger logrus.FieldLogger) *Transformer {
	return &Transformer{reconciler: reconciler, logger: logger}
}

// Transform builds one listing per row of batch. A row whose id already exists
// in existing is laid over the persisted record so that enriched fields and
// sticky fields survive a partial scrape. Ids come straight from the batch's
// id column and are never regenerated here. When a batch repeats an id the
// later row wins.
func (t *Transformer) Transform(batch *models.Batch, existing models.Store) (models.Store, TransformReport) {
	report := TransformReport{Dropped: make(map[string]int)}
	out := make(models.Store, len(batch.IDs))

	columns := make([]string, 0, len(batch.Columns))
	for name := range batch.Columns {
		columns = append(columns, name)
	}
	sort.Strings(columns)

	for i, id := range batch.IDs {
		report.Rows++
		if id == "" {
			t.logger.Warnf("[transformer] Row %d has no id, skipping", i)
			report.Skipped++
			continue
		}

		fields := make(map[string]any, len(columns))
		for _, name := range columns {
			col := batch.Columns[name]
			if i < len(col) && col[i] != nil {
				fields[name] = col[i]
			}
		}
		fields["id"] = id

		candidate, dropped := t.decodeRow(fields)
		for _, name := range dropped {
			report.Dropped[name]++
			t.logger.WithFields(logrus.Fields{"listing_id": id, "column": name}).
				Warn("[transformer] Dropping malformed value")
		}
		candidate.ID = id
		if candidate.SchemaVersion == 0 {
			candidate.SchemaVersion = models.SchemaVersion
		}

		if _, dup := out[id]; dup {
			t.logger.WithField("listing_id", id).Debug("[transformer] Duplicate id in batch, later row wins")
			out[id] = t.reconciler.Overlay(out[id], candidate)
			continue
		}

		if prev, ok := existing[id]; ok && prev != nil {
			merged := t.reconciler.Overlay(prev, candidate)
			merged.ID = id
			out[id] = merged
			report.Merged++
			continue
		}
		out[id] = candidate
		report.New++
	}

	t.logger.Infof("[transformer] %d rows → %d listings (new %d, merged %d, skipped %d)",
		report.Rows, len(out), report.New, report.Merged, report.Skipped)
	return out, report
}

// decodeRow decodes fields into a Listing. Values that do not fit their
// field's type are dropped one column at a time instead of failing the row.
func (t *Transformer) decodeRow(fields map[string]any) (*models.Listing, []string) {
	if l, err := decodeFields(fields); err == nil {
		return l, nil
	}

	var dropped []string
	for name, value := range fields {
		if name == "id" {
			continue
		}
		if _, err := decodeFields(map[string]any{name: value}); err != nil {
			dropped = append(dropped, name)
			delete(fields, name)
		}
	}
	sort.Strings(dropped)

	l, err := decodeFields(fields)
	if err != nil {
		return &models.Listing{}, append(dropped, "*")
	}
	return l, dropped
}

func decodeFields(fields map[string]any) (*models.Listing, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	l := &models.Listing{}
	if err := json.Unmarshal(data, l); err != nil {
		return nil, err
	}
	return l, nil
}
