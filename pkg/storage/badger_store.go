package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/leadforge/lead-scraper/pkg/log"
	"github.com/leadforge/lead-scraper/pkg/utils"
)

const (
	jobKeyPrefix       = "job:"       // job:<jobID>
	taskKeyPrefix      = "task:"      // task:<taskID>
	jobTaskKeyPrefix   = "jobtask:"   // jobtask:<jobID>|<taskID>
	structureKeyPrefix = "structure:" // structure:<structureID>
	leadKeyPrefix      = "lead:"      // lead:<leadID>
	companyKeyPrefix   = "leadidx:"   // leadidx:<sha256(owner, company)> -> leadID
	ownerLeadKeyPrefix = "ownerlead:" // ownerlead:<owner>|<created unix nano>|<leadID>
	resultKeyPrefix    = "result:"    // result:<taskID>|<resultID>
	siteKeyPrefix      = "site:"      // site:<structureID>|<url>
	quotaKeyPrefix     = "quota:"     // quota:<owner>
	logKeyPrefix       = "log:"       // log:<taskID>|<seq>
	logSequenceKey     = "seq:log"
	leadDBDir          = "lead_db" // Subdirectory name within stateDir for Badger DB files
)

// BadgerStore implements the Store interface using BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	log    *logrus.Entry
	logSeq *badger.Sequence

	clockMu sync.RWMutex
	clock   func() time.Time
}

// NewBadgerStore opens (or creates) the lead database under stateDir.
func NewBadgerStore(stateDir string, logger *logrus.Entry) (*BadgerStore, error) {
	dbPath := filepath.Join(stateDir, leadDBDir)
	logger.Infof("Initializing lead database at: %s", dbPath)

	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("cannot create state directory %s: %w", dbPath, err)
	}

	badgerLogger := log.NewBadgerLogrusAdapter(logger.WithField("component", "badgerdb"))
	opts := badger.DefaultOptions(dbPath).
		WithLogger(badgerLogger).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", dbPath, err)
	}

	seq, err := db.GetSequence([]byte(logSequenceKey), 100)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: allocating log sequence: %w", utils.ErrDatabase, err)
	}

	logger.Info("Lead database initialized successfully.")
	return &BadgerStore{db: db, log: logger, logSeq: seq, clock: time.Now}, nil
}

// SetClock replaces the time source used to stamp records.
func (s *BadgerStore) SetClock(clock func() time.Time) {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	s.clock = clock
}

func (s *BadgerStore) now() time.Time {
	s.clockMu.RLock()
	defer s.clockMu.RUnlock()
	return s.clock()
}

const maxConflictRetries = 10

// dbUpdate wraps db.Update with a retry loop for BadgerDB transaction conflicts.
// Concurrent tasks touching the same quota or site row conflict under MVCC;
// the losing transaction is re-run from scratch against fresh state.
func (s *BadgerStore) dbUpdate(fn func(txn *badger.Txn) error) error {
	for i := range maxConflictRetries {
		err := s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.log.Debugf("BadgerDB transaction conflict (attempt %d/%d), retrying", i+1, maxConflictRetries)
	}
	return fmt.Errorf("%w: transaction conflict not resolved after %d retries", utils.ErrDatabase, maxConflictRetries)
}

// Update implements the StoreAdmin interface.
func (s *BadgerStore) Update(fn func(tx Txn) error) error {
	return s.dbUpdate(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn, now: s.now()})
	})
}

// view runs fn in a read-only transaction.
func (s *BadgerStore) view(fn func(tx *badgerTxn) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn, now: s.now()})
	})
}

func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: key '%s'", utils.ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("%w: getting key '%s': %w", utils.ErrDatabase, key, err)
	}
	return item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, v); err != nil {
			return fmt.Errorf("%w: decoding JSON for key '%s': %w", utils.ErrParsing, key, err)
		}
		return nil
	})
}

func putJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encoding JSON for key '%s': %w", utils.ErrParsing, key, err)
	}
	if err := txn.Set([]byte(key), data); err != nil {
		return fmt.Errorf("%w: setting key '%s': %w", utils.ErrDatabase, key, err)
	}
	return nil
}

// scanPrefix decodes every value under prefix, calling fn with a fresh decoder target.
// Undecodable entries are logged and skipped.
func scanPrefix[T any](ctx context.Context, s *BadgerStore, txn *badger.Txn, prefix string, fn func(v *T) bool) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		item := it.Item()
		var v T
		err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &v)
		})
		if err != nil {
			s.log.Warnf("Skipping undecodable entry '%s': %v", string(item.Key()), err)
			continue
		}
		if !fn(&v) {
			return nil
		}
	}
	return nil
}

// scanKeys collects every key under prefix without fetching values.
func scanKeys(txn *badger.Txn, prefix string) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

// RunGC runs BadgerDB's garbage collection periodically.
func (s *BadgerStore) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("BadgerDB GC goroutine started.")

	for {
		select {
		case <-ticker.C:
			if s.db == nil || s.db.IsClosed() {
				s.log.Info("DB GC: Database is nil or closed, skipping GC cycle.")
				continue
			}
			var err error
			for {
				// Rewrite value log files that are at least half garbage
				if err = s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
			if errors.Is(err, badger.ErrNoRewrite) {
				s.log.Debug("BadgerDB GC finished (no rewrite needed).")
			} else {
				s.log.Errorf("BadgerDB GC error: %v", err)
			}

		case <-ctx.Done():
			s.log.Infof("Stopping BadgerDB garbage collection goroutine: %v", ctx.Err())
			return
		}
	}
}

// Close implements the StoreAdmin interface.
func (s *BadgerStore) Close() error {
	if s.db == nil || s.db.IsClosed() {
		s.log.Debug("Lead DB already closed or was not initialized.")
		return nil
	}
	if s.logSeq != nil {
		if err := s.logSeq.Release(); err != nil {
			s.log.Warnf("Failed to release log sequence: %v", err)
		}
	}
	s.log.Info("Closing lead DB...")
	if err := s.db.Close(); err != nil {
		s.log.Errorf("Error closing lead DB: %v", err)
		return err
	}
	s.log.Info("Lead DB closed.")
	return nil
}
