package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleOwner Role = "owner"
	RoleAdmin Role = "admin"
	RoleStaff Role = "staff"
	RoleUser  Role = "user"
)

// Account is a user's balance record keyed by their chat-platform id.
// Balance only changes through a version-guarded credit.
type Account struct {
	ID           int64
	FirstName    string
	Username     string
	LanguageCode string
	Balance      decimal.Decimal
	Version      int64
	Roles        []Role
	Banned       bool
	BanReason    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (a *Account) HasRole(role Role) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (a *Account) IsStaff() bool {
	return a.HasRole(RoleOwner) || a.HasRole(RoleAdmin) || a.HasRole(RoleStaff)
}

// AccountProfile carries the fields known on first contact.
type AccountProfile struct {
	ID           int64
	FirstName    string
	Username     string
	LanguageCode string
	Roles        []Role
}
