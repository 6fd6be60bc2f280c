package models

import (
	"time"

	"github.com/gofrs/uuid"
)

type Role string

const (
	RoleCustomer        Role = "customer"
	RoleServiceProvider Role = "service_provider"
	RoleAdmin           Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleServiceProvider, RoleAdmin:
		return true
	}
	return false
}

// String returns the human readable role name used in error messages.
func (r Role) String() string {
	switch r {
	case RoleServiceProvider:
		return "service provider"
	default:
		return string(r)
	}
}

type CustomerProfile struct {
	FullName string `json:"full_name" bson:"full_name"`
	Phone    string `json:"phone,omitempty" bson:"phone,omitempty"`
	Address  string `json:"address,omitempty" bson:"address,omitempty"`
}

type ServiceProviderProfile struct {
	BusinessName string   `json:"business_name" bson:"business_name"`
	Phone        string   `json:"phone,omitempty" bson:"phone,omitempty"`
	Description  string   `json:"description,omitempty" bson:"description,omitempty"`
	Categories   []string `json:"categories,omitempty" bson:"categories,omitempty"`
}

type AdminProfile struct {
	FullName string `json:"full_name" bson:"full_name"`
}

// Profile is the role specific payload of a user. Exactly one field is set
// and it must match User.Role.
type Profile struct {
	Customer        *CustomerProfile        `json:"customer,omitempty" bson:"customer,omitempty"`
	ServiceProvider *ServiceProviderProfile `json:"service_provider,omitempty" bson:"service_provider,omitempty"`
	Admin           *AdminProfile           `json:"admin,omitempty" bson:"admin,omitempty"`
}

// Matches reports whether the populated variant agrees with role.
func (p Profile) Matches(role Role) bool {
	set := 0
	if p.Customer != nil {
		set++
	}
	if p.ServiceProvider != nil {
		set++
	}
	if p.Admin != nil {
		set++
	}
	if set != 1 {
		return false
	}

	switch role {
	case RoleCustomer:
		return p.Customer != nil
	case RoleServiceProvider:
		return p.ServiceProvider != nil
	case RoleAdmin:
		return p.Admin != nil
	}
	return false
}

// OTP is the pending email verification code stored on the user record.
type OTP struct {
	Code      string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Attempts  int
}

func (o *OTP) Live(now time.Time) bool {
	return o != nil && o.Code != "" && now.Before(o.ExpiresAt)
}

type User struct {
	ID            uuid.UUID `json:"id"`
	Email         string    `json:"email"`
	PasswordHash  string    `json:"-"`
	Role          Role      `json:"role"`
	EmailVerified bool      `json:"email_verified"`
	Profile       Profile   `json:"profile"`
	OTP           *OTP      `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Public returns a copy of the user without secret material.
func (u User) Public() User {
	u.PasswordHash = ""
	u.OTP = nil
	return u
}

type RefreshToken struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

type BlacklistEntry struct {
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

type PasswordResetToken struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

func (t PasswordResetToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
