package identity

import "time"

// MFA enrollment states derived from the user's stored secrets.
type MFAState string

const (
	MFADisabled MFAState = "disabled"
	MFAPending  MFAState = "pending_enrollment"
	MFAEnabled  MFAState = "enabled"
)

// User is a platform account. TokenVersion is a monotonic counter embedded in
// access tokens; bumping it invalidates every outstanding token at once.
type User struct {
	ID                    string
	Email                 string
	PasswordHash          string
	RoleID                string
	PositionID            string
	MFAEnabled            bool
	MFASecret             string // encrypted at rest, set while enabled
	MFAPendingSecret      string // encrypted at rest, set during enrollment
	SessionTimeoutMinutes int
	Active                bool
	TokenVersion          int64
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// MFAState reports the enrollment state machine position for the user.
func (u *User) MFAState() MFAState {
	switch {
	case u.MFAEnabled:
		return MFAEnabled
	case u.MFAPendingSecret != "":
		return MFAPending
	default:
		return MFADisabled
	}
}

// Role groups permissions. Exactly one role system-wide carries Unrestricted,
// the single flag read by both the hierarchy validator and the permission
// resolver.
type Role struct {
	ID           string
	Name         string
	Unrestricted bool
	RequireMFA   bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Position is a node in the organizational tree. Level 0 is the root and has
// no parent; every other node sits exactly one level below its parent.
type Position struct {
	ID        string
	Name      string
	Level     int
	ParentID  string // empty only at level 0
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Permission is a fine-grained capability addressed by its module.action code.
type Permission struct {
	ID          string
	Code        string
	Module      string
	Description string
	CreatedAt   time.Time
}

// Grant links a role to a permission code with an explicit allow/deny bit.
// A missing grant is equivalent to Allowed=false.
type Grant struct {
	RoleID       string
	PermissionID string
	Code         string
	Allowed      bool
}

// RefreshToken is one device session. Only the sha256 of the token secret is
// stored; the raw secret exists client-side only.
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	Device    string
	IP        string
	ExpiresAt time.Time
	CreatedAt time.Time
	Revoked   bool
	RevokedAt *time.Time
}

// VerificationAttempt is one MFA code submission, append-only, used to compute
// rolling failure counts for rate limiting.
type VerificationAttempt struct {
	ID        string
	UserID    string
	IP        string
	Success   bool
	CreatedAt time.Time
}

// BackupCode is a single-use MFA fallback credential, stored hashed and
// deleted on first successful use.
type BackupCode struct {
	ID        string
	UserID    string
	CodeHash  string
	CreatedAt time.Time
}
