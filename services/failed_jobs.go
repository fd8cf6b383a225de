package services

import (
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"listing-scraper/models"
)

// TrackReport counts the outcome of one tracker pass.
type TrackReport struct {
	Created        int
	AlreadyTracked int
	SkippedNoURL   int
	Resolved       int
	Stubbed        int
	DetailFlagged  int
	Pruned         int
	Total          int
}

// FailedJobTracker derives the failed-job list from a listing store.
type FailedJobTracker struct {
	logger logrus.FieldLogger
	now    func() time.Time
}

// NewFailedJobTracker creates a tracker.
func NewFailedJobTracker(logger logrus.FieldLogger) *FailedJobTracker {
	return &FailedJobTracker{logger: logger, now: time.Now}
}

// Track scans store and returns the updated failed-job list.
//
// A listing without tags gets one entry if it has a URL and is not tracked
// yet; entries already present keep their retry count. Entries for missing
// tags that now have tags are dropped. Two passes then update store in place:
// a missing latLongString is stubbed to "" with isDetailSoldPresent forced
// true and any entry for that id is pruned, and a missing latLong with
// isDetailSoldPresent unset or false gets isDetailSoldPresent set.
func (t *FailedJobTracker) Track(store models.Store, existing []models.FailedJob) ([]models.FailedJob, TrackReport) {
	var report TrackReport
	now := t.now().UTC()

	jobs := make([]models.FailedJob, 0, len(existing))
	tracked := make(map[string]int, len(existing))
	for _, j := range existing {
		if _, dup := tracked[j.ID]; dup {
			continue
		}
		tracked[j.ID] = len(jobs)
		jobs = append(jobs, j)
	}
	drop := make(map[string]bool)

	ids := store.Keys()
	for _, id := range ids {
		l := store[id]
		if l == nil {
			continue
		}
		listingID := l.ID
		if listingID == "" {
			listingID = id
		}

		if l.HasTags() {
			if i, ok := tracked[listingID]; ok && jobs[i].Reason == models.ReasonMissingTags {
				drop[listingID] = true
				report.Resolved++
			}
			continue
		}

		if _, ok := tracked[listingID]; ok {
			report.AlreadyTracked++
			continue
		}
		url := listingURL(l)
		if url == "" {
			t.logger.WithField("listing_id", listingID).Warn("[tracker] Listing has no tags and no URL, cannot retry")
			report.SkippedNoURL++
			continue
		}
		tracked[listingID] = len(jobs)
		jobs = append(jobs, models.FailedJob{
			ID:       listingID,
			URL:      url,
			FailedAt: now,
			Reason:   models.ReasonMissingTags,
		})
		report.Created++
	}

	for _, id := range ids {
		l := store[id]
		if l == nil {
			continue
		}
		listingID := l.ID
		if listingID == "" {
			listingID = id
		}

		if l.LatLongString == nil {
			l.LatLongString = models.String("")
			l.IsDetailSoldPresent = models.Bool(true)
			report.Stubbed++
			if _, ok := tracked[listingID]; ok {
				drop[listingID] = true
			}
		}
		if l.LatLong == nil && !l.DetailSoldChecked() {
			l.IsDetailSoldPresent = models.Bool(true)
			report.DetailFlagged++
		}
	}

	out := jobs[:0]
	for _, j := range jobs {
		if drop[j.ID] {
			report.Pruned++
			continue
		}
		out = append(out, j)
	}

	report.Total = len(out)
	t.logger.WithFields(logrus.Fields{
		"created":         report.Created,
		"already_tracked": report.AlreadyTracked,
		"skipped_no_url":  report.SkippedNoURL,
		"stubbed":         report.Stubbed,
		"pruned":          report.Pruned,
	}).Infof("[tracker] %d failed jobs", report.Total)
	return out, report
}

// listingURL resolves the page a listing was scraped from, falling back to
// legacy url fields kept in the record's extension map or snapshot.
func listingURL(l *models.Listing) string {
	if l.ListingURL != "" {
		return l.ListingURL
	}
	for _, key := range []string{"url", "detailUrl"} {
		if raw, ok := l.Extra[key]; ok {
			var s string
			if json.Unmarshal(raw, &s) == nil && s != "" {
				return s
			}
		}
		if s, ok := l.Original[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// ApplyQueueState folds the queue's failed tasks into jobs. Retry counts are
// owned by the queue, so a tracked entry takes the queue's count when it is
// higher; failed tasks for untracked listings are appended.
func (t *FailedJobTracker) ApplyQueueState(jobs, queued []models.FailedJob) []models.FailedJob {
	index := make(map[string]int, len(jobs))
	for i, j := range jobs {
		index[j.ID] = i
	}
	for _, q := range queued {
		if i, ok := index[q.ID]; ok {
			if q.RetryCount > jobs[i].RetryCount {
				jobs[i].RetryCount = q.RetryCount
			}
			continue
		}
		index[q.ID] = len(jobs)
		jobs = append(jobs, q)
	}
	return jobs
}
