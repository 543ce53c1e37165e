package types

import (
	"strings"
	"time"
)

// User represents an account in the system.
// It contains identity, credential digests, activation state and audit metadata.
type User struct {
	// ID is the unique identifier of the user.
	ID int64 `json:"id" db:"id"`

	// Email is the user's email address, always stored lowercased.
	Email string `json:"email" db:"email"`

	// FirstName and LastName make up the display name.
	FirstName string `json:"first_name" db:"first_name"`
	LastName  string `json:"last_name" db:"last_name"`

	// PasswordDigest stores the bcrypt digest of the user's password.
	// This field is never exposed in API responses.
	PasswordDigest string `json:"-" db:"password_digest"`

	// Admin grants access to administrative operations such as deleting users.
	Admin bool `json:"admin" db:"admin"`

	// Activated is true once the user proved control of the email address.
	Activated   bool       `json:"activated" db:"activated"`
	ActivatedAt *time.Time `json:"activated_at,omitempty" db:"activated_at"`

	// ActivationDigest is the digest of the pending activation token, if any.
	ActivationDigest *string    `json:"-" db:"activation_digest"`
	ActivationSentAt *time.Time `json:"-" db:"activation_sent_at"`

	// RememberDigest is the digest of the current "remember me" token.
	// It is nil when the user is not remembered on any client.
	RememberDigest *string `json:"-" db:"remember_digest"`

	// ResetDigest is the digest of the pending password reset token, if any.
	ResetDigest *string    `json:"-" db:"reset_digest"`
	ResetSentAt *time.Time `json:"-" db:"reset_sent_at"`

	// CreatedAt is the timestamp when the user account was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the user account.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// FullName joins the first and last name.
func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// ActivationState reports "active" or "pending".
func (u User) ActivationState() string {
	if u.Activated {
		return ActivationActive
	}
	return ActivationPending
}

const (
	ActivationPending = "pending"
	ActivationActive  = "active"
)

// PublicUser is the view of an account served to other users. Email is only
// filled in for the account owner.
type PublicUser struct {
	ID        int64     `json:"id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Email     string    `json:"email,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Public strips credentials, contact details and roles from u.
func (u User) Public() PublicUser {
	return PublicUser{
		ID:        u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		CreatedAt: u.CreatedAt,
	}
}

// NewUser holds the attributes accepted at sign up.
type NewUser struct {
	Email                string `json:"email"`
	FirstName            string `json:"first_name"`
	LastName             string `json:"last_name"`
	Password             string `json:"password"`
	PasswordConfirmation string `json:"password_confirmation"`
}

// UserUpdate is the whitelist of attributes a user may change on their own
// profile. It has no admin or activation fields, so over-posted
// values are dropped at decode time.
type UserUpdate struct {
	FirstName *string `json:"first_name,omitempty"`
	LastName  *string `json:"last_name,omitempty"`
	Email     *string `json:"email,omitempty"`

	// Password and PasswordConfirmation change the password when non-empty.
	Password             string `json:"password,omitempty"`
	PasswordConfirmation string `json:"password_confirmation,omitempty"`

	// CurrentPassword re-confirms the caller's identity for every update.
	CurrentPassword string `json:"current_password"`
}

// Profile is a user with aggregate counts.
type Profile struct {
	User           User  `json:"user"`
	FollowingCount int   `json:"following_count"`
	FollowerCount  int   `json:"follower_count"`
	MicropostCount int   `json:"micropost_count"`
	Following      *bool `json:"following,omitempty"`
}
