package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"crewgate.org/internal/identity"
	"crewgate.org/internal/ids"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	minAccessMinutes  = 5
	maxAccessMinutes  = 120
	defaultRefreshTTL = 30 * 24 * time.Hour
	defaultPreAuthTTL = 5 * time.Minute

	tokenTypeAccess  = "access"
	tokenTypePreAuth = "preauth"
)

var (
	// ErrExpired indicates the access token is past its expiry.
	ErrExpired = errors.New("token: expired")
	// ErrInvalid indicates the token failed signature or claim validation.
	ErrInvalid = errors.New("token: invalid")
	// ErrRevoked indicates the token was valid but has been invalidated by a
	// token_version bump or user deactivation.
	ErrRevoked = errors.New("token: revoked")
	// ErrInvalidRefresh indicates the refresh token is unknown, expired or revoked.
	ErrInvalidRefresh = errors.New("token: invalid refresh token")
	// ErrNotConfigured indicates the signing secret is missing.
	ErrNotConfigured = errors.New("token: signing secret is not configured")
)

// Claims carried by access and pre-auth tokens. TokenVersion is the snapshot
// of the user's counter at issue time; Verify re-checks it against the current
// value, so a RevokeAll invalidates in-flight tokens with staleness bounded by
// the access-token TTL.
type Claims struct {
	RoleID       string `json:"role"`
	Unrestricted bool   `json:"unrestricted"`
	TokenVersion int64  `json:"token_version"`
	TokenType    string `json:"token_type"`
	jwt.RegisteredClaims
}

// DeviceMeta describes the session a refresh token belongs to.
type DeviceMeta struct {
	Device string
	IP     string
}

// Pair is an issued access/refresh credential set.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	ExpiresIn        int // seconds until the access token expires
	RefreshExpiresAt time.Time
}

// Service issues, verifies and revokes tokens.
type Service struct {
	store      identity.Store
	secret     []byte
	issuer     string
	refreshTTL time.Duration
	preAuthTTL time.Duration
	now        func() time.Time
}

// Option configures Service behavior.
type Option func(*Service) error

// WithSecret sets the HS256 signing secret.
func WithSecret(secret []byte) Option {
	return func(s *Service) error {
		if len(secret) == 0 {
			return ErrNotConfigured
		}
		s.secret = secret
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) Option {
	return func(s *Service) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithPreAuthTTL configures the pre-auth token lifetime used during MFA login.
func WithPreAuthTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl > 0 {
			s.preAuthTTL = ttl
		}
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs a Service.
func NewService(store identity.Store, opts ...Option) (*Service, error) {
	svc := &Service{
		store:      store,
		issuer:     "crewgate",
		refreshTTL: defaultRefreshTTL,
		preAuthTTL: defaultPreAuthTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if len(svc.secret) == 0 {
		return nil, ErrNotConfigured
	}
	return svc, nil
}

// AccessTTLFor returns the user's effective access-token lifetime: the
// configured session timeout clamped to [5,120] minutes, defaulting to 15.
// Clamping happens at issue time so out-of-range stored values self-heal.
func AccessTTLFor(u *identity.User) time.Duration {
	m := u.SessionTimeoutMinutes
	if m == 0 {
		return defaultAccessTTL
	}
	if m < minAccessMinutes {
		m = minAccessMinutes
	}
	if m > maxAccessMinutes {
		m = maxAccessMinutes
	}
	return time.Duration(m) * time.Minute
}

// Issue signs an access token for the user and persists a refresh token for
// the device. One row per device; concurrent sessions never contend.
func (s *Service) Issue(ctx context.Context, user *identity.User, role *identity.Role, meta DeviceMeta) (Pair, error) {
	now := s.now().UTC()
	ttl := AccessTTLFor(user)

	access, err := s.sign(user, role, tokenTypeAccess, now, ttl)
	if err != nil {
		return Pair{}, err
	}

	raw, rec, err := s.generateRefreshToken(user.ID, meta, now)
	if err != nil {
		return Pair{}, err
	}
	if err := s.store.RefreshTokens(ctx).Create(ctx, rec); err != nil {
		return Pair{}, err
	}

	return Pair{
		AccessToken:      access,
		RefreshToken:     raw,
		ExpiresIn:        int(ttl.Seconds()),
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

// Verify validates an access token and re-checks the embedded token_version
// against the user's current counter.
func (s *Service) Verify(ctx context.Context, accessToken string) (*Claims, error) {
	claims, err := s.parse(accessToken)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeAccess {
		return nil, ErrInvalid
	}
	user, err := s.store.Users(ctx).Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return nil, ErrInvalid
		}
		return nil, err
	}
	if !user.Active || claims.TokenVersion != user.TokenVersion {
		return nil, ErrRevoked
	}
	return claims, nil
}

// Refresh exchanges a refresh token for a new access token. The refresh token
// itself is not rotated; one long-lived token per device.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, int, error) {
	tokenID, secret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return "", 0, ErrInvalidRefresh
	}

	store := s.store.RefreshTokens(ctx)
	rec, err := store.Find(ctx, tokenID)
	if err != nil {
		return "", 0, ErrInvalidRefresh
	}
	if rec.Revoked || s.now().After(rec.ExpiresAt) {
		return "", 0, ErrInvalidRefresh
	}
	if !secureCompareHash(rec.TokenHash, secret) {
		// Wrong secret against a known id smells like token forging; kill the row.
		_ = store.MarkRevoked(ctx, rec.ID)
		return "", 0, ErrInvalidRefresh
	}

	user, err := s.store.Users(ctx).Find(ctx, rec.UserID)
	if err != nil {
		return "", 0, ErrInvalidRefresh
	}
	if !user.Active {
		return "", 0, ErrInvalidRefresh
	}
	role, err := s.store.Roles(ctx).Find(ctx, user.RoleID)
	if err != nil {
		return "", 0, err
	}

	ttl := AccessTTLFor(user)
	access, err := s.sign(user, role, tokenTypeAccess, s.now().UTC(), ttl)
	if err != nil {
		return "", 0, err
	}
	return access, int(ttl.Seconds()), nil
}

// Revoke invalidates a single refresh token (single-device logout).
func (s *Service) Revoke(ctx context.Context, refreshToken string) error {
	tokenID, secret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return ErrInvalidRefresh
	}
	store := s.store.RefreshTokens(ctx)
	rec, err := store.Find(ctx, tokenID)
	if err != nil {
		return ErrInvalidRefresh
	}
	if !secureCompareHash(rec.TokenHash, secret) {
		return ErrInvalidRefresh
	}
	if rec.Revoked {
		return nil
	}
	return store.MarkRevoked(ctx, rec.ID)
}

// RevokeAll revokes every refresh token for the user and bumps token_version
// so in-flight access tokens die immediately instead of waiting out their TTL.
func (s *Service) RevokeAll(ctx context.Context, userID string) error {
	if err := s.store.RefreshTokens(ctx).MarkRevokedByUser(ctx, userID); err != nil {
		return err
	}
	return s.store.Users(ctx).BumpTokenVersion(ctx, userID)
}

// IssuePreAuth signs the short-lived token handed out when a password login
// still needs MFA verification.
func (s *Service) IssuePreAuth(user *identity.User, role *identity.Role) (string, error) {
	return s.sign(user, role, tokenTypePreAuth, s.now().UTC(), s.preAuthTTL)
}

// VerifyPreAuth validates a pre-auth token and returns the user id it covers.
func (s *Service) VerifyPreAuth(preAuthToken string) (string, error) {
	claims, err := s.parse(preAuthToken)
	if err != nil {
		return "", err
	}
	if claims.TokenType != tokenTypePreAuth {
		return "", ErrInvalid
	}
	return claims.Subject, nil
}

func (s *Service) sign(user *identity.User, role *identity.Role, tokenType string, now time.Time, ttl time.Duration) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrNotConfigured
	}
	claims := Claims{
		RoleID:       user.RoleID,
		Unrestricted: role != nil && role.Unrestricted,
		TokenVersion: user.TokenVersion,
		TokenType:    tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (s *Service) parse(tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, ErrInvalid
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalid
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuer(s.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalid
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalid
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalid
	}
	return claims, nil
}

func (s *Service) generateRefreshToken(userID string, meta DeviceMeta, now time.Time) (string, *identity.RefreshToken, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	tokenID := ids.New()
	sum := sha256.Sum256([]byte(secret))
	rec := &identity.RefreshToken{
		ID:        tokenID,
		UserID:    userID,
		TokenHash: hex.EncodeToString(sum[:]),
		Device:    meta.Device,
		IP:        meta.IP,
		ExpiresAt: now.Add(s.refreshTTL),
	}
	return tokenID + "." + secret, rec, nil
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func secureCompareHash(expectedHash, secret string) bool {
	sum := sha256.Sum256([]byte(secret))
	actual := hex.EncodeToString(sum[:])
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}
