package auth

import (
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the provider profile did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("auth: invalid identity")

// Identity captures the mapping between a reviewer and a provider-specific login.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	Handle      string    `gorm:"column:handle;size:190"`
	AvatarURL   string    `gorm:"column:avatar_url;size:512"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing reviewer identities.
func (Identity) TableName() string {
	return "reviewer_identities"
}

// Profile is the normalized user profile returned by a provider.
type Profile struct {
	UserID      string
	DisplayName string
	Handle      string
	AvatarURL   string
}

// upsertIdentity records the provider login, refreshing mutable profile fields.
func upsertIdentity(db *gorm.DB, provider string, profile Profile, now time.Time) (Identity, error) {
	subject := strings.TrimSpace(profile.UserID)
	if subject == "" {
		return Identity{}, ErrInvalidIdentity
	}

	var identity Identity
	err := db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			DisplayName: strings.TrimSpace(profile.DisplayName),
			Handle:      strings.TrimSpace(profile.Handle),
			AvatarURL:   strings.TrimSpace(profile.AvatarURL),
			LastSeenAt:  now,
		}
		if err := db.Create(&identity).Error; err != nil {
			return Identity{}, err
		}
		return identity, nil
	}
	if err != nil {
		return Identity{}, err
	}

	updates := map[string]interface{}{"last_seen_at": now}
	if display := strings.TrimSpace(profile.DisplayName); display != "" && display != identity.DisplayName {
		updates["display_name"] = display
		identity.DisplayName = display
	}
	if handle := strings.TrimSpace(profile.Handle); handle != "" && handle != identity.Handle {
		updates["handle"] = handle
		identity.Handle = handle
	}
	if avatar := strings.TrimSpace(profile.AvatarURL); avatar != "" && avatar != identity.AvatarURL {
		updates["avatar_url"] = avatar
		identity.AvatarURL = avatar
	}
	if err := db.Model(&Identity{}).
		Where("provider = ? AND subject = ?", provider, subject).
		Updates(updates).
		Error; err != nil {
		return Identity{}, err
	}
	return identity, nil
}
