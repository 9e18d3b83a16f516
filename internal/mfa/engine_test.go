package mfa

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewgate.org/internal/identity"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type fixture struct {
	store  *identity.MemStore
	engine *Engine
	user   *identity.User
	role   *identity.Role
	now    time.Time
}

func newFixture(t *testing.T, requireMFA bool) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store: identity.NewMemStore(),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.store.SetClock(clock)

	engine, err := NewEngine(f.store, testKey, WithClock(clock))
	require.NoError(t, err)
	f.engine = engine

	f.role = &identity.Role{Name: "Manager", RequireMFA: requireMFA}
	require.NoError(t, f.store.Roles(ctx).Create(ctx, f.role))
	f.user = &identity.User{
		Email:        "manager@example.com",
		PasswordHash: "x",
		RoleID:       f.role.ID,
		PositionID:   "pos-1",
		Active:       true,
	}
	require.NoError(t, f.store.Users(ctx).Create(ctx, f.user))
	return f
}

// currentCode computes the TOTP code an authenticator app would show.
func currentCode(t *testing.T, secretBase32 string, now time.Time) string {
	t.Helper()
	raw, err := b32.DecodeString(secretBase32)
	require.NoError(t, err)
	return hotpCode(raw, now.Unix()/totpPeriod)
}

func (f *fixture) enroll(t *testing.T) *Enrollment {
	t.Helper()
	ctx := context.Background()
	enrollment, err := f.engine.BeginEnrollment(ctx, f.user.ID)
	require.NoError(t, err)
	require.NoError(t, f.engine.ConfirmEnrollment(ctx, f.user.ID, currentCode(t, enrollment.Secret, f.now)))
	return enrollment
}

func TestEnrollmentFlow(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	enrollment, err := f.engine.BeginEnrollment(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Len(t, enrollment.BackupCodes, 10)
	assert.Contains(t, enrollment.URI, "otpauth://totp/")

	user, err := f.store.Users(ctx).Find(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, identity.MFAPending, user.MFAState())
	assert.NotEqual(t, enrollment.Secret, user.MFAPendingSecret, "secret must be stored encrypted")

	require.NoError(t, f.engine.ConfirmEnrollment(ctx, f.user.ID, currentCode(t, enrollment.Secret, f.now)))

	user, err = f.store.Users(ctx).Find(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, identity.MFAEnabled, user.MFAState())
	assert.Empty(t, user.MFAPendingSecret)
}

func TestConfirmEnrollmentWrongCodeStaysPending(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.engine.BeginEnrollment(ctx, f.user.ID)
	require.NoError(t, err)

	err = f.engine.ConfirmEnrollment(ctx, f.user.ID, "000000")
	assert.ErrorIs(t, err, ErrInvalidCode)

	user, err := f.store.Users(ctx).Find(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, identity.MFAPending, user.MFAState())
}

func TestConfirmEnrollmentWithoutPending(t *testing.T) {
	f := newFixture(t, false)
	err := f.engine.ConfirmEnrollment(context.Background(), f.user.ID, "123456")
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestBeginEnrollmentAlreadyEnabled(t *testing.T) {
	f := newFixture(t, false)
	f.enroll(t)
	_, err := f.engine.BeginEnrollment(context.Background(), f.user.ID)
	assert.ErrorIs(t, err, ErrAlreadyEnabled)
}

func TestReEnrollmentReplacesBackupCodes(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	first, err := f.engine.BeginEnrollment(ctx, f.user.ID)
	require.NoError(t, err)
	second, err := f.engine.BeginEnrollment(ctx, f.user.ID)
	require.NoError(t, err)
	require.NoError(t, f.engine.ConfirmEnrollment(ctx, f.user.ID, currentCode(t, second.Secret, f.now)))

	// Codes issued before the restart are dead.
	_, err = f.engine.VerifyLogin(ctx, f.user.ID, "10.0.0.1", first.BackupCodes[0])
	assert.ErrorIs(t, err, ErrInvalidCode)
	method, err := f.engine.VerifyLogin(ctx, f.user.ID, "10.0.0.1", second.BackupCodes[0])
	require.NoError(t, err)
	assert.Equal(t, "backup", method)
}

func TestVerifyLoginTOTP(t *testing.T) {
	f := newFixture(t, false)
	enrollment := f.enroll(t)

	method, err := f.engine.VerifyLogin(context.Background(), f.user.ID, "10.0.0.1", currentCode(t, enrollment.Secret, f.now))
	require.NoError(t, err)
	assert.Equal(t, "totp", method)
}

func TestBackupCodeSingleUse(t *testing.T) {
	f := newFixture(t, false)
	enrollment := f.enroll(t)
	ctx := context.Background()

	code := enrollment.BackupCodes[3]
	method, err := f.engine.VerifyLogin(ctx, f.user.ID, "10.0.0.1", code)
	require.NoError(t, err)
	assert.Equal(t, "backup", method)

	remaining, err := f.engine.RemainingBackupCodes(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, remaining)

	// Replay finds no row.
	_, err = f.engine.VerifyLogin(ctx, f.user.ID, "10.0.0.1", code)
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestBackupCodeNormalization(t *testing.T) {
	f := newFixture(t, false)
	enrollment := f.enroll(t)

	code := enrollment.BackupCodes[0]
	spaced := " " + code[:4] + "-" + code[4:] + " "
	method, err := f.engine.VerifyLogin(context.Background(), f.user.ID, "10.0.0.1", spaced)
	require.NoError(t, err)
	assert.Equal(t, "backup", method)
}

func TestVerifyLoginRateLimit(t *testing.T) {
	f := newFixture(t, false)
	f.enroll(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.engine.VerifyLogin(ctx, f.user.ID, "10.0.0.1", "000000")
		assert.ErrorIs(t, err, ErrInvalidCode)
		f.now = f.now.Add(time.Minute)
	}

	// The sixth attempt is refused before the code is even looked at.
	_, err := f.engine.VerifyLogin(ctx, f.user.ID, "10.0.0.1", "000000")
	var rle *RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Greater(t, rle.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, rle.RetryAfter, 15*time.Minute)

	// Once the oldest failure ages out of the window the account recovers.
	f.now = f.now.Add(11 * time.Minute)
	_, err = f.engine.VerifyLogin(ctx, f.user.ID, "10.0.0.1", "000000")
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestVerifyLoginRateLimitByIP(t *testing.T) {
	f := newFixture(t, false)
	f.enroll(t)
	ctx := context.Background()

	other := &identity.User{
		Email:        "other@example.com",
		PasswordHash: "x",
		RoleID:       f.role.ID,
		PositionID:   "pos-1",
		Active:       true,
	}
	require.NoError(t, f.store.Users(ctx).Create(ctx, other))

	for i := 0; i < 5; i++ {
		_, err := f.engine.VerifyLogin(ctx, f.user.ID, "198.51.100.7", "000000")
		assert.ErrorIs(t, err, ErrInvalidCode)
	}

	// Same source address, different account: still limited.
	_, err := f.engine.VerifyLogin(ctx, other.ID, "198.51.100.7", "000000")
	assert.ErrorIs(t, err, ErrRateLimited)

	// A different address for the second account is unaffected.
	_, err = f.engine.VerifyLogin(ctx, other.ID, "203.0.113.9", "000000")
	assert.ErrorIs(t, err, ErrNotEnabled)
}

func TestVerifyLoginNotEnabled(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.engine.VerifyLogin(context.Background(), f.user.ID, "10.0.0.1", "123456")
	assert.ErrorIs(t, err, ErrNotEnabled)
}

func TestDisable(t *testing.T) {
	f := newFixture(t, false)
	f.enroll(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Disable(ctx, f.user.ID))

	user, err := f.store.Users(ctx).Find(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, identity.MFADisabled, user.MFAState())

	remaining, err := f.engine.RemainingBackupCodes(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestDisableMandatoryRole(t *testing.T) {
	f := newFixture(t, true)
	f.enroll(t)
	err := f.engine.Disable(context.Background(), f.user.ID)
	assert.ErrorIs(t, err, ErrMandatory)
}

func TestRequired(t *testing.T) {
	f := newFixture(t, false)
	user := &identity.User{}
	role := &identity.Role{}

	assert.False(t, f.engine.Required(user, role))
	assert.True(t, f.engine.Required(&identity.User{MFAEnabled: true}, role))
	assert.True(t, f.engine.Required(user, &identity.Role{RequireMFA: true}))
	assert.True(t, f.engine.EnrollmentRequired(user, &identity.Role{RequireMFA: true}))
	assert.False(t, f.engine.EnrollmentRequired(&identity.User{MFAEnabled: true}, &identity.Role{RequireMFA: true}))
}
