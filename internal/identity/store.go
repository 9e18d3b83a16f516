package identity

import (
	"context"
	"time"
)

// Store describes persistence operations required by the authorization core.
type Store interface {
	Users(ctx context.Context) UserStore
	Roles(ctx context.Context) RoleStore
	Positions(ctx context.Context) PositionStore
	Permissions(ctx context.Context) PermissionStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
	Attempts(ctx context.Context) AttemptStore
	BackupCodes(ctx context.Context) BackupCodeStore
}

// UserStore manages user accounts and their credential state.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	SetSessionTimeout(ctx context.Context, userID string, minutes int) error
	SetActive(ctx context.Context, userID string, active bool) error
	// SetMFAPending stores the encrypted enrollment secret without enabling MFA.
	SetMFAPending(ctx context.Context, userID, encryptedSecret string) error
	// EnableMFA promotes the pending secret to the active one.
	EnableMFA(ctx context.Context, userID, encryptedSecret string) error
	DisableMFA(ctx context.Context, userID string) error
	// BumpTokenVersion increments the counter atomically in SQL so concurrent
	// revocations never lose an update.
	BumpTokenVersion(ctx context.Context, userID string) error
}

// RoleStore manages role definitions.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	FindUnrestricted(ctx context.Context) (*Role, error)
	List(ctx context.Context) ([]*Role, error)
}

// PositionStore manages the organizational tree.
type PositionStore interface {
	Create(ctx context.Context, p *Position) error
	Find(ctx context.Context, id string) (*Position, error)
	List(ctx context.Context) ([]*Position, error)
	ListByLevel(ctx context.Context, level int) ([]*Position, error)
	ListChildren(ctx context.Context, parentID string) ([]*Position, error)
	Reparent(ctx context.Context, id, parentID string, level int) error
}

// PermissionStore manages the permission catalog and role grants.
type PermissionStore interface {
	Ensure(ctx context.Context, perms []Permission) error
	List(ctx context.Context) ([]Permission, error)
	SetForRole(ctx context.Context, roleID string, grants map[string]bool) error
	GrantsForRole(ctx context.Context, roleID string) (map[string]bool, error)
}

// RefreshTokenStore manages persisted refresh tokens.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	Find(ctx context.Context, id string) (*RefreshToken, error)
	MarkRevoked(ctx context.Context, id string) error
	MarkRevokedByUser(ctx context.Context, userID string) error
	// DeleteExpired removes tokens whose expiry predates cutoff and returns
	// the number of rows removed.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// AttemptStore records MFA verification attempts for rate limiting.
type AttemptStore interface {
	Append(ctx context.Context, a *VerificationAttempt) error
	CountFailures(ctx context.Context, userID string, since time.Time) (int, error)
	CountFailuresByIP(ctx context.Context, ip string, since time.Time) (int, error)
	// OldestFailure returns the earliest failed attempt for the user or IP
	// since the cutoff, used to compute the retry-after hint.
	OldestFailure(ctx context.Context, userID, ip string, since time.Time) (time.Time, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// BackupCodeStore manages single-use MFA fallback codes.
type BackupCodeStore interface {
	// Replace swaps the user's full code set in one transaction.
	Replace(ctx context.Context, userID string, hashes []string) error
	// Consume deletes the matching code and reports whether one existed.
	// Deletion and match happen in a single statement so a replayed code can
	// never be accepted twice.
	Consume(ctx context.Context, userID, hash string) (bool, error)
	CountRemaining(ctx context.Context, userID string) (int, error)
}
