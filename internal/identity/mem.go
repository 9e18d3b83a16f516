package identity

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"crewgate.org/internal/ids"
)

// MemStore is an in-memory Store for tests and local development. All data is
// lost on process exit.
type MemStore struct {
	mu          sync.RWMutex
	users       map[string]*User
	roles       map[string]*Role
	positions   map[string]*Position
	permissions map[string]*Permission
	grants      map[string]map[string]bool
	refresh     map[string]*RefreshToken
	attempts    []*VerificationAttempt
	backupCodes map[string][]*BackupCode
	now         func() time.Time
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		users:       make(map[string]*User),
		roles:       make(map[string]*Role),
		positions:   make(map[string]*Position),
		permissions: make(map[string]*Permission),
		grants:      make(map[string]map[string]bool),
		refresh:     make(map[string]*RefreshToken),
		backupCodes: make(map[string][]*BackupCode),
		now:         time.Now,
	}
}

// SetClock overrides the clock used for timestamps.
func (m *MemStore) SetClock(fn func() time.Time) { m.now = fn }

func (m *MemStore) Users(context.Context) UserStore                 { return (*memUsers)(m) }
func (m *MemStore) Roles(context.Context) RoleStore                 { return (*memRoles)(m) }
func (m *MemStore) Positions(context.Context) PositionStore         { return (*memPositions)(m) }
func (m *MemStore) Permissions(context.Context) PermissionStore     { return (*memPermissions)(m) }
func (m *MemStore) RefreshTokens(context.Context) RefreshTokenStore { return (*memRefresh)(m) }
func (m *MemStore) Attempts(context.Context) AttemptStore           { return (*memAttempts)(m) }
func (m *MemStore) BackupCodes(context.Context) BackupCodeStore     { return (*memBackupCodes)(m) }

type memUsers MemStore

func (m *memUsers) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = ids.New()
	}
	for _, existing := range m.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return ErrAlreadyExists
		}
	}
	now := m.now()
	u.CreatedAt, u.UpdatedAt = now, now
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memUsers) Find(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memUsers) update(id string, fn func(*User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	u.UpdatedAt = m.now()
	return nil
}

func (m *memUsers) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	return m.update(userID, func(u *User) { u.PasswordHash = passwordHash })
}

func (m *memUsers) SetSessionTimeout(_ context.Context, userID string, minutes int) error {
	return m.update(userID, func(u *User) { u.SessionTimeoutMinutes = minutes })
}

func (m *memUsers) SetActive(_ context.Context, userID string, active bool) error {
	return m.update(userID, func(u *User) { u.Active = active })
}

func (m *memUsers) SetMFAPending(_ context.Context, userID, encryptedSecret string) error {
	return m.update(userID, func(u *User) { u.MFAPendingSecret = encryptedSecret })
}

func (m *memUsers) EnableMFA(_ context.Context, userID, encryptedSecret string) error {
	return m.update(userID, func(u *User) {
		u.MFAEnabled = true
		u.MFASecret = encryptedSecret
		u.MFAPendingSecret = ""
	})
}

func (m *memUsers) DisableMFA(_ context.Context, userID string) error {
	return m.update(userID, func(u *User) {
		u.MFAEnabled = false
		u.MFASecret = ""
		u.MFAPendingSecret = ""
	})
}

func (m *memUsers) BumpTokenVersion(_ context.Context, userID string) error {
	return m.update(userID, func(u *User) { u.TokenVersion++ })
}

type memRoles MemStore

func (m *memRoles) Create(_ context.Context, role *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if role.ID == "" {
		role.ID = ids.New()
	}
	for _, existing := range m.roles {
		if existing.Name == role.Name {
			return ErrAlreadyExists
		}
		if role.Unrestricted && existing.Unrestricted {
			return ErrAlreadyExists
		}
	}
	now := m.now()
	role.CreatedAt, role.UpdatedAt = now, now
	cp := *role
	m.roles[role.ID] = &cp
	return nil
}

func (m *memRoles) Find(_ context.Context, id string) (*Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memRoles) FindUnrestricted(_ context.Context) (*Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.roles {
		if r.Unrestricted {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRoles) List(_ context.Context) ([]*Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Role, 0, len(m.roles))
	for _, r := range m.roles {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type memPositions MemStore

func (m *memPositions) Create(_ context.Context, p *Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = ids.New()
	}
	now := m.now()
	p.CreatedAt, p.UpdatedAt = now, now
	cp := *p
	m.positions[p.ID] = &cp
	return nil
}

func (m *memPositions) Find(_ context.Context, id string) (*Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memPositions) list(filter func(*Position) bool) []*Position {
	var out []*Position
	for _, p := range m.positions {
		if filter(p) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (m *memPositions) List(context.Context) ([]*Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list(func(*Position) bool { return true }), nil
}

func (m *memPositions) ListByLevel(_ context.Context, level int) ([]*Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list(func(p *Position) bool { return p.Level == level }), nil
}

func (m *memPositions) ListChildren(_ context.Context, parentID string) ([]*Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list(func(p *Position) bool { return p.ParentID == parentID }), nil
}

func (m *memPositions) Reparent(_ context.Context, id, parentID string, level int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return ErrNotFound
	}
	p.ParentID = parentID
	p.Level = level
	p.UpdatedAt = m.now()
	return nil
}

type memPermissions MemStore

func (m *memPermissions) Ensure(_ context.Context, perms []Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range perms {
		if _, ok := m.permissions[p.Code]; ok {
			continue
		}
		if p.ID == "" {
			p.ID = ids.New()
		}
		p.CreatedAt = m.now()
		cp := p
		m.permissions[p.Code] = &cp
	}
	return nil
}

func (m *memPermissions) List(context.Context) ([]Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Permission, 0, len(m.permissions))
	for _, p := range m.permissions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *memPermissions) SetForRole(_ context.Context, roleID string, grants map[string]bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make(map[string]bool)
	for code, allowed := range grants {
		if _, ok := m.permissions[code]; ok {
			stored[code] = allowed
		}
	}
	m.grants[roleID] = stored
	return nil
}

func (m *memPermissions) GrantsForRole(_ context.Context, roleID string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.grants[roleID]))
	for code, allowed := range m.grants[roleID] {
		out[code] = allowed
	}
	return out, nil
}

type memRefresh MemStore

func (m *memRefresh) Create(_ context.Context, rt *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt.ID == "" {
		rt.ID = ids.New()
	}
	rt.CreatedAt = m.now()
	cp := *rt
	m.refresh[rt.ID] = &cp
	return nil
}

func (m *memRefresh) Find(_ context.Context, id string) (*RefreshToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.refresh[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rt
	return &cp, nil
}

func (m *memRefresh) MarkRevoked(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.refresh[id]
	if !ok {
		return ErrNotFound
	}
	if !rt.Revoked {
		now := m.now()
		rt.Revoked = true
		rt.RevokedAt = &now
	}
	return nil
}

func (m *memRefresh) MarkRevokedByUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, rt := range m.refresh {
		if rt.UserID == userID && !rt.Revoked {
			rt.Revoked = true
			rt.RevokedAt = &now
		}
	}
	return nil
}

func (m *memRefresh) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, rt := range m.refresh {
		if rt.ExpiresAt.Before(cutoff) {
			delete(m.refresh, id)
			n++
		}
	}
	return n, nil
}

type memAttempts MemStore

func (m *memAttempts) Append(_ context.Context, a *VerificationAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = ids.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now()
	}
	cp := *a
	m.attempts = append(m.attempts, &cp)
	return nil
}

func (m *memAttempts) CountFailures(_ context.Context, userID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.attempts {
		if a.UserID == userID && !a.Success && !a.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memAttempts) CountFailuresByIP(_ context.Context, ip string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.attempts {
		if a.IP == ip && !a.Success && !a.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memAttempts) OldestFailure(_ context.Context, userID, ip string, since time.Time) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var oldest time.Time
	for _, a := range m.attempts {
		if a.Success || a.CreatedAt.Before(since) {
			continue
		}
		if a.UserID != userID && a.IP != ip {
			continue
		}
		if oldest.IsZero() || a.CreatedAt.Before(oldest) {
			oldest = a.CreatedAt
		}
	}
	if oldest.IsZero() {
		return time.Time{}, ErrNotFound
	}
	return oldest, nil
}

func (m *memAttempts) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*VerificationAttempt
	var n int64
	for _, a := range m.attempts {
		if a.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, a)
	}
	m.attempts = kept
	return n, nil
}

type memBackupCodes MemStore

func (m *memBackupCodes) Replace(_ context.Context, userID string, hashes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	codes := make([]*BackupCode, 0, len(hashes))
	for _, h := range hashes {
		codes = append(codes, &BackupCode{ID: ids.New(), UserID: userID, CodeHash: h, CreatedAt: m.now()})
	}
	m.backupCodes[userID] = codes
	return nil
}

func (m *memBackupCodes) Consume(_ context.Context, userID, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	codes := m.backupCodes[userID]
	for i, c := range codes {
		if c.CodeHash == hash {
			m.backupCodes[userID] = append(codes[:i], codes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *memBackupCodes) CountRemaining(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.backupCodes[userID]), nil
}
