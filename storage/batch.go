package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"listing-scraper/models"
)

// BatchPath returns the batch file owned by a worker.
func BatchPath(dir string, workerID int) string {
	return filepath.Join(dir, fmt.Sprintf("batch-%d.json", workerID))
}

// BatchFiles lists the worker batch files in dir.
func BatchFiles(dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "batch-*.json"))
	if err != nil {
		return nil, fmt.Errorf("storage: list batches: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// LoadBatch reads a batch file. A missing file is reported as ErrNotFound.
func LoadBatch(path string) (*models.Batch, error) {
	b := models.NewBatch()
	if err := readJSON(path, b); err != nil {
		return nil, err
	}
	if b.Columns == nil {
		b.Columns = make(map[string][]any)
	}
	return b, nil
}

// SaveBatch writes b to path.
func SaveBatch(path string, b *models.Batch) error {
	return writeJSON(path, b)
}

// BatchWriter appends rows to a single worker's batch file. Only one process
// may own a batch file; within that process it is safe for concurrent use.
type BatchWriter struct {
	mu    sync.Mutex
	path  string
	batch *models.Batch
}

// OpenBatchWriter continues the batch at path, or starts a new one.
func OpenBatchWriter(path string) (*BatchWriter, error) {
	b, err := LoadBatch(path)
	if errors.Is(err, ErrNotFound) {
		b = models.NewBatch()
	} else if err != nil {
		return nil, err
	}
	return &BatchWriter{path: path, batch: b}, nil
}

// Append adds one row and rewrites the file.
func (w *BatchWriter) Append(id string, fields map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.batch.AppendRow(id, fields)
	if err := SaveBatch(w.path, w.batch); err != nil {
		return fmt.Errorf("storage: append row %s: %w", id, err)
	}
	return nil
}

// Rows returns the number of rows written so far.
func (w *BatchWriter) Rows() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.batch.IDs)
}

// Path returns the batch file path.
func (w *BatchWriter) Path() string { return w.path }
