package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"listing-scraper/models"
)

// FailedJobsCSV writes the failed-job list to a CSV file for operators.
// It is safe for concurrent use.
type FailedJobsCSV struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

// NewFailedJobsCSV creates (or truncates) the CSV file at the given path and
// writes the header row. Intermediate directories are created automatically.
func NewFailedJobsCSV(path string) (*FailedJobsCSV, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("csv: create output dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("csv: create file %q: %w", path, err)
	}

	w := csv.NewWriter(f)
	if err := w.Write([]string{"id", "url", "reason", "retry_count", "failed_at"}); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("csv: write header: %w", err)
	}
	w.Flush()

	return &FailedJobsCSV{file: f, writer: w}, nil
}

// WriteFailed appends one row per job.
func (c *FailedJobsCSV) WriteFailed(jobs []models.FailedJob) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, j := range jobs {
		row := []string{
			j.ID,
			j.URL,
			j.Reason,
			strconv.Itoa(j.RetryCount),
			j.FailedAt.Format(time.RFC3339),
		}
		if err := c.writer.Write(row); err != nil {
			return fmt.Errorf("csv: write row: %w", err)
		}
	}

	c.writer.Flush()
	return c.writer.Error()
}

// Close flushes and closes the underlying file.
func (c *FailedJobsCSV) Close() error {
	c.writer.Flush()
	return c.file.Close()
}
