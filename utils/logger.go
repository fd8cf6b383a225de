package utils

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger creates the process-wide logger writing to stdout.
// Unknown levels fall back to info.
func NewLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logger.Warnf("[logger] Unknown log level %q, using info", level)
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// NewWorkerLogger returns a logger whose entries carry the worker identity.
func NewWorkerLogger(base *logrus.Logger, workerID int) *logrus.Entry {
	return base.WithField("worker_id", workerID)
}
