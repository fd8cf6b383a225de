package storage

import (
	"errors"

	"listing-scraper/models"
)

// StoreWriter is the interface any listing store backend must satisfy.
type StoreWriter interface {
	Write(store models.Store) error
	Close() error
}

// FailedJobWriter is the interface for persisting the failed-job list.
type FailedJobWriter interface {
	WriteFailed(jobs []models.FailedJob) error
	Close() error
}

// MultiWriter fans a store out to several backends. The first backend is
// authoritative; it is written first and its error aborts the rest.
type MultiWriter []StoreWriter

// Write writes store to every backend in order.
func (m MultiWriter) Write(store models.Store) error {
	for _, w := range m {
		if err := w.Write(store); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every backend and joins their errors.
func (m MultiWriter) Close() error {
	var errs []error
	for _, w := range m {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
