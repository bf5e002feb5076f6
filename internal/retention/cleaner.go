// Package retention deletes archived pages, together with their CRDT update
// logs, once they have been archived longer than the retention window.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/macrat/markdown-board/internal/pages"
	"github.com/macrat/markdown-board/internal/updates"
)

var errMissingDatabase = errors.New("database handle is required")

const (
	defaultWindow   = 30 * 24 * time.Hour
	defaultInterval = time.Hour
)

// CleanerConfig describes the dependencies of a Cleaner.
type CleanerConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
	Window   time.Duration
	Interval time.Duration
	Clock    func() time.Time
}

// Cleaner periodically sweeps the catalog for expired archived pages. Each
// expired page and its log rows are removed in one transaction; a failing
// cycle is logged and the next scheduled cycle retries naturally.
type Cleaner struct {
	db       *gorm.DB
	logger   *zap.Logger
	window   time.Duration
	interval time.Duration
	clock    func() time.Time
}

// NewCleaner validates the configuration and returns a Cleaner.
func NewCleaner(cfg CleanerConfig) (*Cleaner, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("retention: %w", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	window := cfg.Window
	if window <= 0 {
		window = defaultWindow
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Cleaner{
		db:       cfg.Database,
		logger:   logger,
		window:   window,
		interval: interval,
		clock:    clock,
	}, nil
}

// Run sweeps on a fixed interval until the context is cancelled. Cycle
// failures never stop the loop.
func (c *Cleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := c.Sweep(ctx)
			if err != nil {
				c.logger.Error("retention sweep failed, will retry next cycle", zap.Error(err))
				continue
			}
			if deleted > 0 {
				c.logger.Info("retention sweep deleted expired pages", zap.Int("pages", deleted))
			}
		}
	}
}

// Sweep runs one cleanup cycle and returns the number of pages deleted. A
// page archived exactly one window ago is kept; the comparison is strict.
func (c *Cleaner) Sweep(ctx context.Context) (int, error) {
	cutoff := c.clock().UTC().Add(-c.window).UnixMilli()

	var expired []pages.Page
	if err := c.db.WithContext(ctx).
		Where("archived_at IS NOT NULL AND archived_at < ?", cutoff).
		Find(&expired).Error; err != nil {
		return 0, fmt.Errorf("retention: select expired pages: %w", err)
	}

	deleted := 0
	for _, page := range expired {
		err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("doc_name = ?", page.ID).
				Delete(&updates.LoggedUpdate{}).Error; err != nil {
				return err
			}
			return tx.Where("id = ?", page.ID).Delete(&pages.Page{}).Error
		})
		if err != nil {
			// Leave the rest for the next cycle rather than abort the sweep.
			c.logger.Error("expired page deletion failed",
				zap.String("page_id", page.ID), zap.Error(err))
			continue
		}
		deleted++
		c.logger.Debug("expired page deleted",
			zap.String("page_id", page.ID),
			zap.Int64p("archived_at", page.ArchivedAtMillis))
	}
	return deleted, nil
}
