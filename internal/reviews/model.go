package reviews

import (
	"errors"
	"fmt"
	"time"
)

// Status enumerates the moderation states of a submitted review.
type Status string

const (
	// StatusPending marks a review awaiting moderation.
	StatusPending Status = "pending"
	// StatusApproved marks a review cleared for public listing.
	StatusApproved Status = "approved"
	// StatusRejected marks a review refused publication.
	StatusRejected Status = "rejected"
)

// RewardStatus enumerates the payout states tracked independently of moderation.
type RewardStatus string

const (
	// RewardPending marks an unprocessed payout.
	RewardPending RewardStatus = "pending"
	// RewardReady marks a payout prepared for sending.
	RewardReady RewardStatus = "ready"
	// RewardSent marks a delivered payout.
	RewardSent RewardStatus = "sent"
)

// Category enumerates the five service types a review can describe.
type Category string

const (
	CategoryStoreHealth    Category = "store_health"
	CategoryDeliveryHealth Category = "delivery_health"
	CategorySoap           Category = "soap"
	CategoryDC             Category = "dc"
	CategoryPinsaro        Category = "pinsaro"
)

var (
	// ErrInvalidStatus indicates a status value outside the closed set.
	ErrInvalidStatus = errors.New("reviews: invalid status")
	// ErrInvalidRewardStatus indicates a reward status value outside the closed set.
	ErrInvalidRewardStatus = errors.New("reviews: invalid reward status")
	// ErrInvalidCategory indicates a category value outside the closed set.
	ErrInvalidCategory = errors.New("reviews: invalid category")
	// ErrInvalidPrefecture indicates a prefecture outside the 47 fixed values.
	ErrInvalidPrefecture = errors.New("reviews: invalid prefecture")
	// ErrInvalidField indicates a content field outside its accepted range.
	ErrInvalidField = errors.New("reviews: invalid field value")
)

// ParseStatus validates a raw moderation status value.
func ParseStatus(value string) (Status, error) {
	switch Status(value) {
	case StatusPending, StatusApproved, StatusRejected:
		return Status(value), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, value)
	}
}

// ParseRewardStatus validates a raw reward status value.
func ParseRewardStatus(value string) (RewardStatus, error) {
	switch RewardStatus(value) {
	case RewardPending, RewardReady, RewardSent:
		return RewardStatus(value), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRewardStatus, value)
	}
}

// ParseCategory validates a raw category value.
func ParseCategory(value string) (Category, error) {
	switch Category(value) {
	case CategoryStoreHealth, CategoryDeliveryHealth, CategorySoap, CategoryDC, CategoryPinsaro:
		return Category(value), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCategory, value)
	}
}

// Prefectures lists the 47 fixed region values in the conventional order.
var Prefectures = []string{
	"北海道", "青森県", "岩手県", "宮城県", "秋田県", "山形県", "福島県",
	"茨城県", "栃木県", "群馬県", "埼玉県", "千葉県", "東京都", "神奈川県",
	"新潟県", "富山県", "石川県", "福井県", "山梨県", "長野県", "岐阜県",
	"静岡県", "愛知県", "三重県", "滋賀県", "京都府", "大阪府", "兵庫県",
	"奈良県", "和歌山県", "鳥取県", "島根県", "岡山県", "広島県", "山口県",
	"徳島県", "香川県", "愛媛県", "高知県", "福岡県", "佐賀県", "長崎県",
	"熊本県", "大分県", "宮崎県", "鹿児島県", "沖縄県",
}

var prefectureSet = func() map[string]struct{} {
	set := make(map[string]struct{}, len(Prefectures))
	for _, prefecture := range Prefectures {
		set[prefecture] = struct{}{}
	}
	return set
}()

// ValidPrefecture reports whether the value is one of the 47 prefectures.
func ValidPrefecture(value string) bool {
	_, ok := prefectureSet[value]
	return ok
}

// Accepted numeric ranges, matching the submission form option lists.
const (
	minAge            = 18
	maxAge            = 60
	minSpecScore      = 70
	maxSpecScore      = 130
	minWaitTimeHours  = 1
	maxWaitTimeHours  = 24
	minAverageEarning = 0
	maxAverageEarning = 20
)

// Review models a submitted store review with its moderation and reward state.
type Review struct {
	ID             string `gorm:"column:id;primaryKey;size:190;not null"`
	StoreName      string `gorm:"column:store_name;size:320;not null;index"`
	Prefecture     string `gorm:"column:prefecture;size:32;not null;index"`
	Category       string `gorm:"column:category;size:32;not null;index"`
	VisitedAt      string `gorm:"column:visited_at;size:16;not null"`
	Age            int    `gorm:"column:age;not null"`
	SpecScore      int    `gorm:"column:spec_score;not null"`
	WaitTimeHours  int    `gorm:"column:wait_time_hours;not null"`
	AverageEarning int    `gorm:"column:average_earning;not null;index"`
	Comment        string `gorm:"column:comment;type:text;not null;default:''"`

	Status     string     `gorm:"column:status;size:16;not null;index"`
	StatusNote string     `gorm:"column:status_note;type:text;not null;default:''"`
	ReviewedBy string     `gorm:"column:reviewed_by;size:190;not null;default:''"`
	ReviewedAt *time.Time `gorm:"column:reviewed_at"`

	RewardStatus string     `gorm:"column:reward_status;size:16;not null;index"`
	RewardNote   string     `gorm:"column:reward_note;type:text;not null;default:''"`
	RewardSentAt *time.Time `gorm:"column:reward_sent_at"`

	ReviewerID     string `gorm:"column:reviewer_id;size:190;not null;index"`
	ReviewerName   string `gorm:"column:reviewer_name;size:320;not null;default:''"`
	ReviewerHandle string `gorm:"column:reviewer_handle;size:190;not null;default:''"`

	HelpfulCount int       `gorm:"column:helpful_count;not null;default:0"`
	CreatedAt    time.Time `gorm:"column:created_at;not null;index"`
	UpdatedAt    time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Review) TableName() string {
	return "reviews"
}

// Content groups the reviewer-editable fields shared by submission and admin edits.
type Content struct {
	StoreName      string
	Prefecture     string
	Category       string
	VisitedAt      string
	Age            int
	SpecScore      int
	WaitTimeHours  int
	AverageEarning int
	Comment        string
}

func (c Content) validate() error {
	if c.StoreName == "" {
		return fmt.Errorf("%w: store name is required", ErrInvalidField)
	}
	if !ValidPrefecture(c.Prefecture) {
		return fmt.Errorf("%w: %q", ErrInvalidPrefecture, c.Prefecture)
	}
	if _, err := ParseCategory(c.Category); err != nil {
		return err
	}
	if c.VisitedAt == "" {
		return fmt.Errorf("%w: visited period is required", ErrInvalidField)
	}
	if _, err := time.Parse("2006-01", c.VisitedAt); err != nil {
		return fmt.Errorf("%w: visited period must be YYYY-MM", ErrInvalidField)
	}
	if c.Age < minAge || c.Age > maxAge {
		return fmt.Errorf("%w: age %d", ErrInvalidField, c.Age)
	}
	if c.SpecScore < minSpecScore || c.SpecScore > maxSpecScore {
		return fmt.Errorf("%w: spec score %d", ErrInvalidField, c.SpecScore)
	}
	if c.WaitTimeHours < minWaitTimeHours || c.WaitTimeHours > maxWaitTimeHours {
		return fmt.Errorf("%w: wait time %d", ErrInvalidField, c.WaitTimeHours)
	}
	if c.AverageEarning < minAverageEarning || c.AverageEarning > maxAverageEarning {
		return fmt.Errorf("%w: average earning %d", ErrInvalidField, c.AverageEarning)
	}
	return nil
}

// Reviewer carries the authenticated identity denormalized into a review at submission.
type Reviewer struct {
	ID     string
	Name   string
	Handle string
}
