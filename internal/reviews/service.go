package reviews

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingReviewer   = errors.New("reviewer identity is required")
	noOpLogger           = zap.NewNop()

	// ErrNotFound indicates the requested review does not exist (or is not visible).
	ErrNotFound = errors.New("reviews: not found")
)

// ServiceError attaches an operation.reason code to an underlying failure.
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

// Code returns the stable operation.reason identifier.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "reviews.service.new"
	opSubmit        = "reviews.submit"
	opList          = "reviews.list"
	opGet           = "reviews.get"
	opFeatured      = "reviews.featured"
	opStores        = "reviews.stores"
	opAdminList     = "reviews.admin_list"
	opAdminGet      = "reviews.admin_get"
	opUpdateContent = "reviews.update_content"
	opUpdateStatus  = "reviews.update_status"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues identifiers for new reviews.
type IDProvider interface {
	NewID() (string, error)
}

// ModerationRecorder counts submissions and moderation transitions.
// Satisfied by the metrics collector.
type ModerationRecorder interface {
	RecordReviewSubmitted()
	RecordStatusChange(status string)
	RecordRewardChange(rewardStatus string)
}

type noopRecorder struct{}

func (noopRecorder) RecordReviewSubmitted()    {}
func (noopRecorder) RecordStatusChange(string) {}
func (noopRecorder) RecordRewardChange(string) {}

// ServiceConfig describes the dependencies of the review service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Recorder   ModerationRecorder
}

// Service owns review storage: submission, public reads and moderation.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	recorder   ModerationRecorder
	sanitizer  *bluemonday.Policy
}

// NewService constructs the review service.
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
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		recorder:   recorder,
		sanitizer:  bluemonday.StrictPolicy(),
	}, nil
}

// Submit stores a new review in the pending/pending moderation state.
func (s *Service) Submit(ctx context.Context, content Content, reviewer Reviewer) (Review, error) {
	if strings.TrimSpace(reviewer.ID) == "" {
		return Review{}, newServiceError(opSubmit, "missing_reviewer", errMissingReviewer)
	}
	if err := content.validate(); err != nil {
		return Review{}, newServiceError(opSubmit, "invalid_content", err)
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSubmit, "id_generation_failed", err)
		return Review{}, newServiceError(opSubmit, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	review := Review{
		ID:             id,
		StoreName:      strings.TrimSpace(content.StoreName),
		Prefecture:     content.Prefecture,
		Category:       content.Category,
		VisitedAt:      content.VisitedAt,
		Age:            content.Age,
		SpecScore:      content.SpecScore,
		WaitTimeHours:  content.WaitTimeHours,
		AverageEarning: content.AverageEarning,
		Comment:        s.sanitizer.Sanitize(content.Comment),
		Status:         string(StatusPending),
		RewardStatus:   string(RewardPending),
		ReviewerID:     reviewer.ID,
		ReviewerName:   reviewer.Name,
		ReviewerHandle: reviewer.Handle,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.db.WithContext(ctx).Create(&review).Error; err != nil {
		s.logError(opSubmit, "insert_failed", err, zap.String("reviewer_id", reviewer.ID))
		return Review{}, newServiceError(opSubmit, "insert_failed", err)
	}

	s.recorder.RecordReviewSubmitted()
	s.logger.Info("review submitted",
		zap.String("review_id", review.ID),
		zap.String("prefecture", review.Prefecture),
		zap.String("category", review.Category))
	return review, nil
}

// Sort keys accepted by List.
const (
	SortNewest  = "newest"
	SortHelpful = "helpful"
	SortEarning = "earning"
)

const (
	defaultPageLimit = 10
	maxPageLimit     = 50
)

// ListQuery filters and paginates the public review listing.
type ListQuery struct {
	Prefecture     string
	Category       string
	AverageEarning *int
	StoreName      string
	Sort           string
	Page           int
	Limit          int
}

// ListResult is one page of the public listing.
type ListResult struct {
	Items []Review
	Page  int
	Limit int
	Total int64
}

// List returns approved reviews matching the query, newest first by default.
func (s *Service) List(ctx context.Context, query ListQuery) (ListResult, error) {
	page := query.Page
	if page < 1 {
		page = 1
	}
	limit := query.Limit
	if limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	tx := s.db.WithContext(ctx).Model(&Review{}).Where("status = ?", string(StatusApproved))
	if query.Prefecture != "" {
		tx = tx.Where("prefecture = ?", query.Prefecture)
	}
	if query.Category != "" {
		tx = tx.Where("category = ?", query.Category)
	}
	if query.AverageEarning != nil {
		tx = tx.Where("average_earning = ?", *query.AverageEarning)
	}
	if query.StoreName != "" {
		tx = tx.Where("store_name LIKE ?", "%"+query.StoreName+"%")
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		s.logError(opList, "count_failed", err)
		return ListResult{}, newServiceError(opList, "count_failed", err)
	}

	switch query.Sort {
	case SortHelpful:
		tx = tx.Order("helpful_count DESC, created_at DESC")
	case SortEarning:
		tx = tx.Order("average_earning DESC, created_at DESC")
	default:
		tx = tx.Order("created_at DESC")
	}

	var items []Review
	if err := tx.Offset((page - 1) * limit).Limit(limit).Find(&items).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return ListResult{}, newServiceError(opList, "query_failed", err)
	}

	return ListResult{Items: items, Page: page, Limit: limit, Total: total}, nil
}

// GetByID returns one approved review. Unapproved reviews are not visible here.
func (s *Service) GetByID(ctx context.Context, id string) (Review, error) {
	var review Review
	err := s.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, string(StatusApproved)).
		Take(&review).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Review{}, ErrNotFound
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("review_id", id))
		return Review{}, newServiceError(opGet, "query_failed", err)
	}
	return review, nil
}

// Featured carries the two front-page review strips.
type Featured struct {
	Latest    []Review
	HighRated []Review
}

const featuredCount = 3

// Featured returns the newest and most-helpful approved reviews.
func (s *Service) Featured(ctx context.Context) (Featured, error) {
	var latest []Review
	if err := s.db.WithContext(ctx).
		Where("status = ?", string(StatusApproved)).
		Order("created_at DESC").
		Limit(featuredCount).
		Find(&latest).Error; err != nil {
		s.logError(opFeatured, "latest_query_failed", err)
		return Featured{}, newServiceError(opFeatured, "latest_query_failed", err)
	}

	var highRated []Review
	if err := s.db.WithContext(ctx).
		Where("status = ?", string(StatusApproved)).
		Order("helpful_count DESC, created_at DESC").
		Limit(featuredCount).
		Find(&highRated).Error; err != nil {
		s.logError(opFeatured, "high_rated_query_failed", err)
		return Featured{}, newServiceError(opFeatured, "high_rated_query_failed", err)
	}

	return Featured{Latest: latest, HighRated: highRated}, nil
}

// StoreSummary aggregates approved reviews per store.
type StoreSummary struct {
	StoreName      string `gorm:"column:store_name"`
	Prefecture     string `gorm:"column:prefecture"`
	Category       string `gorm:"column:category"`
	AverageEarning int    `gorm:"column:average_earning"`
	WaitTimeHours  int    `gorm:"column:wait_time_hours"`
	ReviewCount    int    `gorm:"column:review_count"`
}

// Stores returns per-store aggregates over approved reviews.
func (s *Service) Stores(ctx context.Context) ([]StoreSummary, error) {
	var stores []StoreSummary
	err := s.db.WithContext(ctx).
		Model(&Review{}).
		Select("store_name, MAX(prefecture) AS prefecture, MAX(category) AS category, " +
			"CAST(AVG(average_earning) AS INTEGER) AS average_earning, " +
			"CAST(AVG(wait_time_hours) AS INTEGER) AS wait_time_hours, " +
			"COUNT(*) AS review_count").
		Where("status = ?", string(StatusApproved)).
		Group("store_name").
		Order("review_count DESC, store_name ASC").
		Scan(&stores).Error
	if err != nil {
		s.logError(opStores, "query_failed", err)
		return nil, newServiceError(opStores, "query_failed", err)
	}
	return stores, nil
}

// AdminList returns reviews in any moderation state, optionally filtered by status.
func (s *Service) AdminList(ctx context.Context, status string) ([]Review, error) {
	tx := s.db.WithContext(ctx).Model(&Review{})
	if status != "" && status != "all" {
		parsed, err := ParseStatus(status)
		if err != nil {
			return nil, newServiceError(opAdminList, "invalid_status", err)
		}
		tx = tx.Where("status = ?", string(parsed))
	}

	var items []Review
	if err := tx.Order("created_at DESC").Find(&items).Error; err != nil {
		s.logError(opAdminList, "query_failed", err)
		return nil, newServiceError(opAdminList, "query_failed", err)
	}
	return items, nil
}

// AdminGet returns one review regardless of moderation state.
func (s *Service) AdminGet(ctx context.Context, id string) (Review, error) {
	var review Review
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&review).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Review{}, ErrNotFound
	}
	if err != nil {
		s.logError(opAdminGet, "query_failed", err, zap.String("review_id", id))
		return Review{}, newServiceError(opAdminGet, "query_failed", err)
	}
	return review, nil
}

// UpdateContent overwrites the content fields of a review. Moderation and
// reward state are untouched by content edits.
func (s *Service) UpdateContent(ctx context.Context, id string, content Content) (Review, error) {
	if err := content.validate(); err != nil {
		return Review{}, newServiceError(opUpdateContent, "invalid_content", err)
	}

	var updated Review
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var review Review
		if err := tx.Where("id = ?", id).Take(&review).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return newServiceError(opUpdateContent, "select_failed", err)
		}

		review.StoreName = strings.TrimSpace(content.StoreName)
		review.Prefecture = content.Prefecture
		review.Category = content.Category
		review.VisitedAt = content.VisitedAt
		review.Age = content.Age
		review.SpecScore = content.SpecScore
		review.WaitTimeHours = content.WaitTimeHours
		review.AverageEarning = content.AverageEarning
		review.Comment = s.sanitizer.Sanitize(content.Comment)
		review.UpdatedAt = s.clock().UTC()

		if err := tx.Save(&review).Error; err != nil {
			return newServiceError(opUpdateContent, "save_failed", err)
		}
		updated = review
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logError(opUpdateContent, "transaction_failed", err, zap.String("review_id", id))
		}
		return Review{}, err
	}

	s.logger.Info("review content updated", zap.String("review_id", id))
	return updated, nil
}

// StatusUpdate carries a moderation transition. Both axes are overwritten
// unconditionally; there is no workflow graph restricting next states.
type StatusUpdate struct {
	Status       Status
	StatusNote   string
	ReviewedBy   string
	RewardStatus RewardStatus
	RewardNote   string
}

// UpdateStatus applies a moderation transition. ReviewedAt is stamped on
// every status write; RewardSentAt only when the reward enters "sent".
func (s *Service) UpdateStatus(ctx context.Context, id string, update StatusUpdate) (Review, error) {
	if _, err := ParseStatus(string(update.Status)); err != nil {
		return Review{}, newServiceError(opUpdateStatus, "invalid_status", err)
	}
	if _, err := ParseRewardStatus(string(update.RewardStatus)); err != nil {
		return Review{}, newServiceError(opUpdateStatus, "invalid_reward_status", err)
	}

	var updated Review
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var review Review
		if err := tx.Where("id = ?", id).Take(&review).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return newServiceError(opUpdateStatus, "select_failed", err)
		}

		now := s.clock().UTC()
		enteredSent := string(update.RewardStatus) == string(RewardSent) &&
			review.RewardStatus != string(RewardSent)

		review.Status = string(update.Status)
		review.StatusNote = update.StatusNote
		review.ReviewedBy = update.ReviewedBy
		review.ReviewedAt = &now
		review.RewardStatus = string(update.RewardStatus)
		review.RewardNote = update.RewardNote
		if enteredSent {
			review.RewardSentAt = &now
		}
		review.UpdatedAt = now

		if err := tx.Save(&review).Error; err != nil {
			return newServiceError(opUpdateStatus, "save_failed", err)
		}
		updated = review
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logError(opUpdateStatus, "transaction_failed", err, zap.String("review_id", id))
		}
		return Review{}, err
	}

	s.recorder.RecordStatusChange(string(update.Status))
	s.recorder.RecordRewardChange(string(update.RewardStatus))
	s.logger.Info("review status updated",
		zap.String("review_id", id),
		zap.String("status", string(update.Status)),
		zap.String("reward_status", string(update.RewardStatus)),
		zap.String("reviewed_by", update.ReviewedBy))
	return updated, nil
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
	s.logger.Error("review service error", attrs...)
}
