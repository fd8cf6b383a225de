package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"listing-scraper/models"
)

// ErrNotFound is returned when a store, batch or failed-jobs file is missing.
var ErrNotFound = errors.New("storage: file not found")

// LoadStore reads a listing store document from path.
func LoadStore(path string) (models.Store, error) {
	var doc models.StoreDocument
	if err := readJSON(path, &doc); err != nil {
		return nil, err
	}
	if doc.NewListings == nil {
		doc.NewListings = make(models.Store)
	}
	return doc.NewListings, nil
}

// LoadStoreOrEmpty reads the store at path and falls back to an empty store
// when the file is missing or corrupt.
func LoadStoreOrEmpty(path string, logger logrus.FieldLogger) models.Store {
	store, err := LoadStore(path)
	if err != nil {
		logger.WithField("path", path).Warnf("[storage] Using empty store: %v", err)
		return make(models.Store)
	}
	return store
}

// SaveStore writes store to path under the newListings root key.
func SaveStore(path string, store models.Store) error {
	if store == nil {
		store = make(models.Store)
	}
	return writeJSON(path, models.StoreDocument{NewListings: store})
}

// LoadFailedJobs reads the failed-jobs array. A missing file yields an empty
// list.
func LoadFailedJobs(path string) ([]models.FailedJob, error) {
	var jobs []models.FailedJob
	if err := readJSON(path, &jobs); err != nil {
		if errors.Is(err, ErrNotFound) {
			return []models.FailedJob{}, nil
		}
		return nil, err
	}
	if jobs == nil {
		jobs = []models.FailedJob{}
	}
	return jobs, nil
}

// SaveFailedJobs writes jobs as a JSON array.
func SaveFailedJobs(path string, jobs []models.FailedJob) error {
	if jobs == nil {
		jobs = []models.FailedJob{}
	}
	return writeJSON(path, jobs)
}

// JSONStoreWriter writes a store to a single JSON file.
type JSONStoreWriter struct {
	path string
}

// NewJSONStoreWriter creates a writer for path.
func NewJSONStoreWriter(path string) *JSONStoreWriter {
	return &JSONStoreWriter{path: path}
}

func (w *JSONStoreWriter) Write(store models.Store) error {
	return SaveStore(w.path, store)
}

func (w *JSONStoreWriter) Close() error { return nil }

// JSONFailedJobWriter writes the failed-job list to a JSON file.
type JSONFailedJobWriter struct {
	path string
}

// NewJSONFailedJobWriter creates a writer for path.
func NewJSONFailedJobWriter(path string) *JSONFailedJobWriter {
	return &JSONFailedJobWriter{path: path}
}

func (w *JSONFailedJobWriter) WriteFailed(jobs []models.FailedJob) error {
	return SaveFailedJobs(w.path, jobs)
}

func (w *JSONFailedJobWriter) Close() error { return nil }

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return fmt.Errorf("storage: read %q: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("storage: decode %q: %w", path, err)
	}
	return nil
}

// writeJSON replaces path atomically via a temp file in the same directory.
func writeJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("storage: create dir: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: encode %q: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("storage: write %q: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("storage: replace %q: %w", path, err)
	}
	return nil
}
