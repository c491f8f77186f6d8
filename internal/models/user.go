// Package models contains data structures for the application's domain models.
package models

import (
	"strings"
	"time"
)

// DeletedSenderPrefix marks identities that belonged to deleted accounts.
// Tombstoned rows keep the prefix plus the original email so historical
// messages stay attributable without resolving to a live user.
const DeletedSenderPrefix = "deleted_"

// DeletedUserLabel is the display name rendered for tombstoned identities.
const DeletedUserLabel = "Deleted User"

// User represents a registered account. Email is the identity used in
// conversation membership, message sender fields and read receipts.
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Email     string    `gorm:"size:255;not null;uniqueIndex" json:"email"`
	Name      string    `gorm:"size:120" json:"name"`
	Image     string    `gorm:"size:500" json:"image"`
	Password  string    `gorm:"size:255;not null" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM.
func (User) TableName() string {
	return "users"
}

// NormalizeEmail canonicalizes an email for identity comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Tombstone returns the sentinel identity recorded in place of email when
// the owning account is deleted.
func Tombstone(email string) string {
	return DeletedSenderPrefix + email
}

// IsTombstone reports whether an identity belongs to a deleted account.
func IsTombstone(identity string) bool {
	return strings.HasPrefix(identity, DeletedSenderPrefix)
}

// DisplayNameFor resolves the label shown for a sender identity. Tombstoned
// identities render a fixed label and must never be looked up.
func DisplayNameFor(identity, name string) string {
	if IsTombstone(identity) {
		return DeletedUserLabel
	}
	if name != "" {
		return name
	}
	return identity
}
