package models

import "time"

// Failure reasons recorded on a FailedJob.
const (
	ReasonMissingTags        = "missing_tags"
	ReasonMissingCoordinates = "missing_coordinates"
	ReasonRequiredField      = "required_field_missing"
	ReasonNavigation         = "navigation_failed"
)

// FailedJob is a listing that needs to be scraped again.
type FailedJob struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	FailedAt   time.Time `json:"failedAt"`
	Reason     string    `json:"reason"`
	RetryCount int       `json:"retryCount"`
}

// Job kinds.
const (
	JobKindDetail = "detail"
)

// Job is one unit of work on the scrape queue.
type Job struct {
	ID         string    `json:"id" validate:"required,uuid"`
	ListingID  string    `json:"listingId" validate:"required,uuid"`
	URL        string    `json:"url" validate:"required,url"`
	Kind       string    `json:"kind" validate:"required,oneof=detail"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	RetryCount int       `json:"retryCount" validate:"gte=0"`
	LastError  string    `json:"lastError,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	FailedAt   time.Time `json:"failedAt,omitempty"`
}

// AsFailedJob converts a failed queue task into the failed-jobs file record.
func (j *Job) AsFailedJob() FailedJob {
	return FailedJob{
		ID:         j.ListingID,
		URL:        j.URL,
		FailedAt:   j.FailedAt,
		Reason:     j.Reason,
		RetryCount: j.RetryCount,
	}
}

// Batch is the columnar output of one worker: row i of every column belongs
// to IDs[i].
type Batch struct {
	IDs     []string         `json:"ids"`
	Columns map[string][]any `json:"columns"`
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{Columns: make(map[string][]any)}
}

// AppendRow adds one listing's fields, padding columns so that every column
// stays aligned with IDs.
func (b *Batch) AppendRow(id string, fields map[string]any) {
	if b.Columns == nil {
		b.Columns = make(map[string][]any)
	}
	row := len(b.IDs)
	b.IDs = append(b.IDs, id)

	for name, col := range b.Columns {
		for len(col) < row {
			col = append(col, nil)
		}
		b.Columns[name] = append(col, fields[name])
	}
	for name, value := range fields {
		if _, seen := b.Columns[name]; seen {
			continue
		}
		col := make([]any, row, row+1)
		b.Columns[name] = append(col, value)
	}
}
