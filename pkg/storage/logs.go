package storage

import (
	"context"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/leadforge/lead-scraper/pkg/models"
	"github.com/leadforge/lead-scraper/pkg/utils"
)

// AppendLog implements the LogStore interface.
func (s *BadgerStore) AppendLog(taskID string, logType models.LogType, message string, details map[string]any) error {
	seq, err := s.logSeq.Next()
	if err != nil {
		return fmt.Errorf("%w: next log sequence: %w", utils.ErrDatabase, err)
	}
	entry := &models.ScrapingLog{
		TaskID:    taskID,
		Seq:       seq,
		Type:      logType,
		Message:   message,
		Details:   details,
		Timestamp: s.now(),
	}
	key := fmt.Sprintf("%s%s|%020d", logKeyPrefix, taskID, seq)
	return s.dbUpdate(func(txn *badger.Txn) error {
		return putJSON(txn, key, entry)
	})
}

// ListLogs implements the LogStore interface.
func (s *BadgerStore) ListLogs(ctx context.Context, taskID string) ([]*models.ScrapingLog, error) {
	var logs []*models.ScrapingLog
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(ctx, s, txn, logKeyPrefix+taskID+"|", func(entry *models.ScrapingLog) bool {
			logs = append(logs, entry)
			return true
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing logs for task '%s': %w", utils.ErrDatabase, taskID, err)
	}
	return logs, nil
}
