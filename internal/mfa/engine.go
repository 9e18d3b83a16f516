package mfa

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"crewgate.org/internal/identity"
)

const (
	rateLimitWindow = 15 * time.Minute
	rateLimitMax    = 5

	backupCodeCount = 10
	backupCodeBytes = 4 // 8 hex characters per code
)

var (
	// ErrInvalidCode indicates the submitted TOTP or backup code did not match.
	ErrInvalidCode = errors.New("mfa: invalid code")
	// ErrRateLimited indicates too many recent failures for the user or IP.
	ErrRateLimited = errors.New("mfa: rate limited")
	// ErrMandatory indicates the user's role enforces MFA, so disable is rejected.
	ErrMandatory = errors.New("mfa: role requires mfa")
	// ErrNotPending indicates confirmation was attempted without an open enrollment.
	ErrNotPending = errors.New("mfa: no pending enrollment")
	// ErrAlreadyEnabled indicates enrollment was attempted while MFA is active.
	ErrAlreadyEnabled = errors.New("mfa: already enabled")
	// ErrNotEnabled indicates login verification was attempted without MFA active.
	ErrNotEnabled = errors.New("mfa: not enabled")
)

// RateLimitError carries the retry-after hint alongside ErrRateLimited.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("mfa: rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Enrollment is returned exactly once; the secret and codes are not
// retrievable afterwards.
type Enrollment struct {
	Secret      string
	URI         string
	BackupCodes []string
}

// Engine drives the per-user MFA state machine:
// Disabled -> PendingEnrollment -> Enabled, with Enabled -> Disabled blocked
// when the role marks MFA mandatory.
type Engine struct {
	store  identity.Store
	cipher *secretCipher
	issuer string
	now    func() time.Time
}

// Option configures Engine behavior.
type Option func(*Engine)

// WithIssuer sets the issuer label in provisioning URIs.
func WithIssuer(issuer string) Option {
	return func(e *Engine) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			e.issuer = issuer
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine constructs an Engine. encryptionKey protects TOTP secrets at rest.
func NewEngine(store identity.Store, encryptionKey []byte, opts ...Option) (*Engine, error) {
	cipher, err := newSecretCipher(encryptionKey)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		store:  store,
		cipher: cipher,
		issuer: "crewgate",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Required reports whether login must pass MFA verification for this user.
func (e *Engine) Required(user *identity.User, role *identity.Role) bool {
	return user.MFAEnabled || (role != nil && role.RequireMFA)
}

// EnrollmentRequired reports whether a mandatory-MFA user still has to enroll
// before any token can be issued.
func (e *Engine) EnrollmentRequired(user *identity.User, role *identity.Role) bool {
	return role != nil && role.RequireMFA && !user.MFAEnabled
}

// BeginEnrollment generates a TOTP secret and ten single-use backup codes.
// Only hashes and the encrypted secret are persisted.
func (e *Engine) BeginEnrollment(ctx context.Context, userID string) (*Enrollment, error) {
	user, err := e.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.MFAEnabled {
		return nil, ErrAlreadyEnabled
	}

	secret, err := generateTOTPSecret()
	if err != nil {
		return nil, err
	}
	encrypted, err := e.cipher.Encrypt(secret)
	if err != nil {
		return nil, err
	}
	if err := e.store.Users(ctx).SetMFAPending(ctx, userID, encrypted); err != nil {
		return nil, err
	}

	codes, hashes, err := generateBackupCodes()
	if err != nil {
		return nil, err
	}
	if err := e.store.BackupCodes(ctx).Replace(ctx, userID, hashes); err != nil {
		return nil, err
	}

	return &Enrollment{
		Secret:      secret,
		URI:         provisionURI(e.issuer, user.Email, secret),
		BackupCodes: codes,
	}, nil
}

// ConfirmEnrollment verifies the first TOTP code against the pending secret
// and transitions the user to Enabled. A wrong code leaves the enrollment
// pending; there is no lockout at this stage.
func (e *Engine) ConfirmEnrollment(ctx context.Context, userID, code string) error {
	user, err := e.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return err
	}
	if user.MFAEnabled {
		return ErrAlreadyEnabled
	}
	if user.MFAPendingSecret == "" {
		return ErrNotPending
	}
	secret, err := e.cipher.Decrypt(user.MFAPendingSecret)
	if err != nil {
		return err
	}
	ok, err := verifyTOTP(secret, code, e.now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCode
	}
	return e.store.Users(ctx).EnableMFA(ctx, userID, user.MFAPendingSecret)
}

// Disable turns MFA off unless the user's role mandates it.
func (e *Engine) Disable(ctx context.Context, userID string) error {
	user, err := e.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return err
	}
	role, err := e.store.Roles(ctx).Find(ctx, user.RoleID)
	if err != nil {
		return err
	}
	if role.RequireMFA {
		return ErrMandatory
	}
	if err := e.store.Users(ctx).DisableMFA(ctx, userID); err != nil {
		return err
	}
	return e.store.BackupCodes(ctx).Replace(ctx, userID, nil)
}

// VerifyLogin accepts either a TOTP code or an unused backup code. The rate
// limit is checked before the code is evaluated at all, so a limited caller
// learns nothing about the code's validity. Returns the method that matched
// ("totp" or "backup").
func (e *Engine) VerifyLogin(ctx context.Context, userID, ip, code string) (string, error) {
	if err := e.checkRateLimit(ctx, userID, ip); err != nil {
		return "", err
	}

	user, err := e.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return "", err
	}
	if !user.MFAEnabled || user.MFASecret == "" {
		return "", ErrNotEnabled
	}

	secret, err := e.cipher.Decrypt(user.MFASecret)
	if err != nil {
		return "", err
	}
	ok, err := verifyTOTP(secret, code, e.now())
	if err != nil {
		return "", err
	}
	if ok {
		e.record(ctx, userID, ip, true)
		return "totp", nil
	}

	// Backup codes are matched and deleted in one statement; replaying a
	// captured code finds no row.
	consumed, err := e.store.BackupCodes(ctx).Consume(ctx, userID, hashBackupCode(code))
	if err != nil {
		return "", err
	}
	if consumed {
		e.record(ctx, userID, ip, true)
		return "backup", nil
	}

	e.record(ctx, userID, ip, false)
	return "", ErrInvalidCode
}

// RemainingBackupCodes reports how many unused codes the user has left.
func (e *Engine) RemainingBackupCodes(ctx context.Context, userID string) (int, error) {
	return e.store.BackupCodes(ctx).CountRemaining(ctx, userID)
}

func (e *Engine) checkRateLimit(ctx context.Context, userID, ip string) error {
	since := e.now().Add(-rateLimitWindow)
	attempts := e.store.Attempts(ctx)

	userFails, err := attempts.CountFailures(ctx, userID, since)
	if err != nil {
		return err
	}
	ipFails := 0
	if ip != "" {
		if ipFails, err = attempts.CountFailuresByIP(ctx, ip, since); err != nil {
			return err
		}
	}
	if userFails < rateLimitMax && ipFails < rateLimitMax {
		return nil
	}

	retry := rateLimitWindow
	if oldest, err := attempts.OldestFailure(ctx, userID, ip, since); err == nil {
		retry = oldest.Add(rateLimitWindow).Sub(e.now())
		if retry < time.Second {
			retry = time.Second
		}
	}
	return &RateLimitError{RetryAfter: retry}
}

func (e *Engine) record(ctx context.Context, userID, ip string, success bool) {
	_ = e.store.Attempts(ctx).Append(ctx, &identity.VerificationAttempt{
		UserID:  userID,
		IP:      ip,
		Success: success,
	})
}

func generateBackupCodes() (codes, hashes []string, err error) {
	codes = make([]string, 0, backupCodeCount)
	hashes = make([]string, 0, backupCodeCount)
	for i := 0; i < backupCodeCount; i++ {
		raw := make([]byte, backupCodeBytes)
		if _, err := rand.Read(raw); err != nil {
			return nil, nil, err
		}
		code := hex.EncodeToString(raw)
		codes = append(codes, code)
		hashes = append(hashes, hashBackupCode(code))
	}
	return codes, hashes, nil
}

func hashBackupCode(code string) string {
	normalized := strings.ToLower(strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(code)))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
