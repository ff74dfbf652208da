// Package users owns the mapping from pubkey identity to admission status
// and balance. It is the only component that mutates balances.
package users

import (
	"time"

	"gorm.io/gorm"
)

// User is one provisioned identity. Balance is millisatoshis in an exact
// integer column; nothing in the balance path may use floating point.
type User struct {
	Pubkey        string `gorm:"primaryKey;size:64"`
	IsAdmitted    bool   `gorm:"column:is_admitted;not null;default:false"`
	Balance       int64  `gorm:"not null;default:0"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	TosAcceptedAt *time.Time `gorm:"column:tos_accepted_at"`
}

// TableName pins the table the admission pipeline shares with out-of-band
// provisioning tools.
func (User) TableName() string { return "users" }

// AutoMigrate creates or updates the users schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{})
}
