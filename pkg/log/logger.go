package log

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/leadforge/lead-scraper/pkg/models"
)

// NewLogger builds the process logger with full timestamps at the given level.
func NewLogger(level string, out io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level '%s': %w", level, err)
	}
	logger.SetLevel(lvl)
	return logger, nil
}

// Component returns an entry tagged with the component name.
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	return logger.WithField("component", name)
}

// ForTask decorates an entry with the identifiers of a task and its job.
func ForTask(entry *logrus.Entry, task *models.Task) *logrus.Entry {
	return entry.WithFields(logrus.Fields{
		"task_id": task.ID,
		"job_id":  task.JobID,
	})
}
