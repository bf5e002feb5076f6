package pages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable machine-readable code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the `<operation>.<reason>` error code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "pages.service.new"
	opCreate     = "pages.create"
	opGet        = "pages.get"
	opList       = "pages.list"
	opSetTitle   = "pages.set_title"
	opArchive    = "pages.archive"
	opUnarchive  = "pages.unarchive"

	fieldPageID = "page_id"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for new pages.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of a catalog Service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service owns the pages catalog. The sync core writes title and updated_at
// through it; the REST layer (external to this repository) reads the rows and
// flips archived_at through Archive/Unarchive.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and returns a catalog Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

func (s *Service) nowMillis() int64 {
	return s.clock().UTC().UnixMilli()
}

// Create inserts a fresh catalog row with the sentinel title.
func (s *Service) Create(ctx context.Context) (Page, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return Page{}, newServiceError(opCreate, "id_generation_failed", err)
	}

	now := s.nowMillis()
	page := Page{
		ID:              id,
		Title:           DefaultTitle,
		CreatedAtMillis: now,
		UpdatedAtMillis: now,
	}
	if err := s.db.WithContext(ctx).Create(&page).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String(fieldPageID, id))
		return Page{}, newServiceError(opCreate, "insert_failed", err)
	}
	return page, nil
}

// Get returns the catalog row for the identifier.
func (s *Service) Get(ctx context.Context, id PageID) (Page, error) {
	var page Page
	err := s.db.WithContext(ctx).Where("id = ?", id.String()).Take(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Page{}, fmt.Errorf("%w: %s", ErrPageNotFound, id.String())
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String(fieldPageID, id.String()))
		return Page{}, newServiceError(opGet, "query_failed", err)
	}
	return page, nil
}

// List returns catalog rows ordered by most recent update. Archived pages
// are excluded unless includeArchived is set.
func (s *Service) List(ctx context.Context, includeArchived bool) ([]Page, error) {
	query := s.db.WithContext(ctx).Order("updated_at DESC")
	if !includeArchived {
		query = query.Where("archived_at IS NULL")
	}
	var result []Page
	if err := query.Find(&result).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, newServiceError(opList, "query_failed", err)
	}
	return result, nil
}

// SetTitle writes the derived title and bumps updated_at on the matching row.
// A missing row is not an error: the external REST layer owns row creation,
// and a document may be edited before its catalog row commits.
func (s *Service) SetTitle(ctx context.Context, id PageID, title string) error {
	if title == "" {
		title = DefaultTitle
	}
	result := s.db.WithContext(ctx).Model(&Page{}).
		Where("id = ?", id.String()).
		Updates(map[string]any{
			"title":      title,
			"updated_at": s.nowMillis(),
		})
	if result.Error != nil {
		s.logError(opSetTitle, "update_failed", result.Error, zap.String(fieldPageID, id.String()))
		return newServiceError(opSetTitle, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		s.logger.Debug("title projection skipped, no catalog row",
			zap.String(fieldPageID, id.String()))
	}
	return nil
}

// Archive marks the page archived as of now. Re-archiving an already archived
// page is a no-op so the original archive instant is never reset.
func (s *Service) Archive(ctx context.Context, id PageID) error {
	result := s.db.WithContext(ctx).Model(&Page{}).
		Where("id = ? AND archived_at IS NULL", id.String()).
		Update("archived_at", s.nowMillis())
	if result.Error != nil {
		s.logError(opArchive, "update_failed", result.Error, zap.String(fieldPageID, id.String()))
		return newServiceError(opArchive, "update_failed", result.Error)
	}
	return nil
}

// Unarchive returns the page to the active state.
func (s *Service) Unarchive(ctx context.Context, id PageID) error {
	result := s.db.WithContext(ctx).Model(&Page{}).
		Where("id = ?", id.String()).
		Update("archived_at", nil)
	if result.Error != nil {
		s.logError(opUnarchive, "update_failed", result.Error, zap.String(fieldPageID, id.String()))
		return newServiceError(opUnarchive, "update_failed", result.Error)
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("pages service error", attrs...)
}
