// Package updates owns the append-only CRDT update log: appending with
// per-document clock assignment, ordered loads, compaction, and replay into a
// live document.
package updates

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/macrat/markdown-board/internal/crdt"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreError carries a stable machine-readable code alongside the cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the `<operation>.<reason>` error code.
func (e *StoreError) Code() string {
	return e.code
}

const (
	opStoreNew = "updates.store.new"
	opAppend   = "updates.append"
	opLoad     = "updates.load"
	opCompact  = "updates.compact"
	opDelete   = "updates.delete"
	opCount    = "updates.count"

	fieldDocName = "doc_name"

	queryDocName      = "doc_name = ?"
	orderClockAsc     = "clock ASC"
	selectNextClock   = "COALESCE(MAX(clock) + 1, 0)"
	compactionMinRows = 2
)

func newStoreError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StoreError{code: code, err: cause}
}

// StoreConfig describes the dependencies of an update log Store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store persists opaque CRDT updates per document. Appends for one document
// are serialized by the owning room; appends for different documents may run
// concurrently.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// Append assigns the next clock for the document and inserts the update.
// The first entry for a document gets clock 0.
func (s *Store) Append(ctx context.Context, docName string, value []byte) (int64, error) {
	var clock int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&LoggedUpdate{}).
			Where(queryDocName, docName).
			Select(selectNextClock).
			Scan(&clock).Error; err != nil {
			return newStoreError(opAppend, "clock_query_failed", err)
		}
		entry := LoggedUpdate{DocName: docName, Clock: clock, Value: value}
		if err := tx.Create(&entry).Error; err != nil {
			return newStoreError(opAppend, "insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opAppend, txErr, docName)
		return 0, txErr
	}
	return clock, nil
}

// Load returns every stored update for the document in clock order. An
// unknown document yields an empty slice, never an error.
func (s *Store) Load(ctx context.Context, docName string) ([][]byte, error) {
	var entries []LoggedUpdate
	if err := s.db.WithContext(ctx).
		Where(queryDocName, docName).
		Order(orderClockAsc).
		Find(&entries).Error; err != nil {
		wrapped := newStoreError(opLoad, "query_failed", err)
		s.logError(opLoad, wrapped, docName)
		return nil, wrapped
	}
	values := make([][]byte, 0, len(entries))
	for _, entry := range entries {
		values = append(values, entry.Value)
	}
	return values, nil
}

// Count returns the number of stored updates for the document.
func (s *Store) Count(ctx context.Context, docName string) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&LoggedUpdate{}).
		Where(queryDocName, docName).
		Count(&count).Error; err != nil {
		wrapped := newStoreError(opCount, "query_failed", err)
		s.logError(opCount, wrapped, docName)
		return 0, wrapped
	}
	return count, nil
}

// Compact merges every stored update for the document into one equivalent
// update at clock 0. Fewer than two rows is a no-op. The read, merge, delete
// and reinsert all happen inside one transaction, so a merge failure leaves
// the individually-replayable rows untouched; callers treat that failure as
// non-fatal since Load never depends on compaction having succeeded.
func (s *Store) Compact(ctx context.Context, docName string) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entries []LoggedUpdate
		if err := tx.Where(queryDocName, docName).
			Order(orderClockAsc).
			Find(&entries).Error; err != nil {
			return newStoreError(opCompact, "query_failed", err)
		}
		if len(entries) < compactionMinRows {
			return nil
		}

		values := make([][]byte, 0, len(entries))
		for _, entry := range entries {
			values = append(values, entry.Value)
		}
		merged, err := crdt.MergeUpdates(values)
		if err != nil {
			return newStoreError(opCompact, "merge_failed", err)
		}

		if err := tx.Where(queryDocName, docName).Delete(&LoggedUpdate{}).Error; err != nil {
			return newStoreError(opCompact, "delete_failed", err)
		}
		compacted := LoggedUpdate{DocName: docName, Clock: 0, Value: merged}
		if err := tx.Create(&compacted).Error; err != nil {
			return newStoreError(opCompact, "insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCompact, txErr, docName)
		return txErr
	}
	return nil
}

// Delete removes every stored update for the document. Used on page deletion
// by the retention cleaner.
func (s *Store) Delete(ctx context.Context, docName string) error {
	if err := s.db.WithContext(ctx).
		Where(queryDocName, docName).
		Delete(&LoggedUpdate{}).Error; err != nil {
		wrapped := newStoreError(opDelete, "delete_failed", err)
		s.logError(opDelete, wrapped, docName)
		return wrapped
	}
	return nil
}

func (s *Store) logError(operation string, err error, docName string) {
	s.logger.Error("update log store error",
		zap.String("operation", operation),
		zap.String(fieldDocName, docName),
		zap.Error(err))
}
