package identity

import (
	"context"
	"database/sql"
	"time"

	"crewgate.org/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Users(context.Context) UserStore                 { return &userStore{db: s.db} }
func (s *PGStore) Roles(context.Context) RoleStore                 { return &roleStore{db: s.db} }
func (s *PGStore) Positions(context.Context) PositionStore         { return &positionStore{db: s.db} }
func (s *PGStore) Permissions(context.Context) PermissionStore     { return &permissionStore{db: s.db} }
func (s *PGStore) RefreshTokens(context.Context) RefreshTokenStore { return &refreshStore{db: s.db} }
func (s *PGStore) Attempts(context.Context) AttemptStore           { return &attemptStore{db: s.db} }
func (s *PGStore) BackupCodes(context.Context) BackupCodeStore     { return &backupCodeStore{db: s.db} }

// User store ---------------------------------------------------------------
type userStore struct{ db *sql.DB }

const userColumns = `id, email, password_hash, role_id, position_id, mfa_enabled,
	coalesce(mfa_secret,''), coalesce(mfa_pending_secret,''),
	session_timeout_minutes, active, token_version, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	if err := row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.RoleID, &u.PositionID, &u.MFAEnabled,
		&u.MFASecret, &u.MFAPendingSecret,
		&u.SessionTimeoutMinutes, &u.Active, &u.TokenVersion, &u.CreatedAt, &u.UpdatedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (s *userStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, email, password_hash, role_id, position_id, session_timeout_minutes, active)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		u.ID, u.Email, u.PasswordHash, u.RoleID, u.PositionID, u.SessionTimeoutMinutes, u.Active,
	)
	return err
}

func (s *userStore) Find(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1`, id))
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email=$1`, email))
}

func (s *userStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	return s.exec(ctx,
		`update users set password_hash=$2, updated_at=now() where id=$1`, userID, passwordHash)
}

func (s *userStore) SetSessionTimeout(ctx context.Context, userID string, minutes int) error {
	return s.exec(ctx,
		`update users set session_timeout_minutes=$2, updated_at=now() where id=$1`, userID, minutes)
}

func (s *userStore) SetActive(ctx context.Context, userID string, active bool) error {
	return s.exec(ctx,
		`update users set active=$2, updated_at=now() where id=$1`, userID, active)
}

func (s *userStore) SetMFAPending(ctx context.Context, userID, encryptedSecret string) error {
	return s.exec(ctx,
		`update users set mfa_pending_secret=$2, updated_at=now() where id=$1`, userID, encryptedSecret)
}

func (s *userStore) EnableMFA(ctx context.Context, userID, encryptedSecret string) error {
	return s.exec(ctx,
		`update users set mfa_enabled=true, mfa_secret=$2, mfa_pending_secret=null, updated_at=now() where id=$1`,
		userID, encryptedSecret)
}

func (s *userStore) DisableMFA(ctx context.Context, userID string) error {
	return s.exec(ctx,
		`update users set mfa_enabled=false, mfa_secret=null, mfa_pending_secret=null, updated_at=now() where id=$1`,
		userID)
}

func (s *userStore) BumpTokenVersion(ctx context.Context, userID string) error {
	// Atomic in SQL; read-modify-write in the application would lose updates
	// under concurrent forced-logout races.
	return s.exec(ctx,
		`update users set token_version = token_version + 1, updated_at=now() where id=$1`, userID)
}

func (s *userStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Role store ---------------------------------------------------------------
type roleStore struct{ db *sql.DB }

func (s *roleStore) Create(ctx context.Context, role *Role) error {
	if role.ID == "" {
		role.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into roles(id, name, unrestricted, require_mfa) values($1,$2,$3,$4)`,
		role.ID, role.Name, role.Unrestricted, role.RequireMFA,
	)
	return err
}

func (s *roleStore) Find(ctx context.Context, id string) (*Role, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`select id, name, unrestricted, require_mfa, created_at, updated_at from roles where id=$1`, id))
}

func (s *roleStore) FindUnrestricted(ctx context.Context) (*Role, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`select id, name, unrestricted, require_mfa, created_at, updated_at from roles where unrestricted limit 1`))
}

func (s *roleStore) scanOne(row *sql.Row) (*Role, error) {
	var role Role
	if err := row.Scan(&role.ID, &role.Name, &role.Unrestricted, &role.RequireMFA, &role.CreatedAt, &role.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &role, nil
}

func (s *roleStore) List(ctx context.Context) ([]*Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, name, unrestricted, require_mfa, created_at, updated_at from roles order by created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Unrestricted, &role.RequireMFA, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, &role)
	}
	return roles, rows.Err()
}

// Position store -----------------------------------------------------------
type positionStore struct{ db *sql.DB }

func (s *positionStore) Create(ctx context.Context, p *Position) error {
	if p.ID == "" {
		p.ID = ids.New()
	}
	var parent any
	if p.ParentID != "" {
		parent = p.ParentID
	}
	_, err := s.db.ExecContext(ctx,
		`insert into positions(id, name, level, parent_id) values($1,$2,$3,$4)`,
		p.ID, p.Name, p.Level, parent,
	)
	return err
}

func (s *positionStore) Find(ctx context.Context, id string) (*Position, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, name, level, coalesce(parent_id,''), created_at, updated_at from positions where id=$1`, id)
	var p Position
	if err := row.Scan(&p.ID, &p.Name, &p.Level, &p.ParentID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *positionStore) List(ctx context.Context) ([]*Position, error) {
	return s.list(ctx,
		`select id, name, level, coalesce(parent_id,''), created_at, updated_at from positions order by level, name`)
}

func (s *positionStore) ListByLevel(ctx context.Context, level int) ([]*Position, error) {
	return s.list(ctx,
		`select id, name, level, coalesce(parent_id,''), created_at, updated_at from positions where level=$1 order by name`, level)
}

func (s *positionStore) ListChildren(ctx context.Context, parentID string) ([]*Position, error) {
	return s.list(ctx,
		`select id, name, level, coalesce(parent_id,''), created_at, updated_at from positions where parent_id=$1 order by name`, parentID)
}

func (s *positionStore) list(ctx context.Context, query string, args ...any) ([]*Position, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.ID, &p.Name, &p.Level, &p.ParentID, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *positionStore) Reparent(ctx context.Context, id, parentID string, level int) error {
	var parent any
	if parentID != "" {
		parent = parentID
	}
	res, err := s.db.ExecContext(ctx,
		`update positions set parent_id=$2, level=$3, updated_at=now() where id=$1`, id, parent, level)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Permission store ---------------------------------------------------------
type permissionStore struct{ db *sql.DB }

func (s *permissionStore) Ensure(ctx context.Context, perms []Permission) error {
	for _, p := range perms {
		if p.ID == "" {
			p.ID = ids.New()
		}
		_, err := s.db.ExecContext(ctx,
			`insert into permissions(id, code, module, description) values($1,$2,$3,$4) on conflict (code) do nothing`,
			p.ID, p.Code, p.Module, p.Description,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *permissionStore) List(ctx context.Context) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, code, module, description, created_at from permissions order by code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Code, &p.Module, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (s *permissionStore) SetForRole(ctx context.Context, roleID string, grants map[string]bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id=$1`, roleID); err != nil {
		return err
	}
	for code, allowed := range grants {
		if _, err := tx.ExecContext(ctx,
			`insert into role_permissions(role_id, permission_id, allowed)
			 select $1, id, $3 from permissions where code=$2`,
			roleID, code, allowed,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *permissionStore) GrantsForRole(ctx context.Context, roleID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`select p.code, rp.allowed from role_permissions rp join permissions p on p.id = rp.permission_id where rp.role_id=$1`,
		roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	grants := make(map[string]bool)
	for rows.Next() {
		var (
			code    string
			allowed bool
		)
		if err := rows.Scan(&code, &allowed); err != nil {
			return nil, err
		}
		grants[code] = allowed
	}
	return grants, rows.Err()
}

// Refresh token store ------------------------------------------------------
type refreshStore struct{ db *sql.DB }

func (s *refreshStore) Create(ctx context.Context, tok *RefreshToken) error {
	if tok.ID == "" {
		tok.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_tokens(id, user_id, token_hash, device, ip, expires_at)
		 values($1,$2,$3,$4,$5,$6)`,
		tok.ID, tok.UserID, tok.TokenHash, tok.Device, tok.IP, tok.ExpiresAt,
	)
	return err
}

func (s *refreshStore) Find(ctx context.Context, id string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, user_id, token_hash, device, ip, expires_at, created_at, revoked, revoked_at
		 from refresh_tokens where id=$1`, id)
	var (
		tok       RefreshToken
		revokedAt sql.NullTime
	)
	if err := row.Scan(&tok.ID, &tok.UserID, &tok.TokenHash, &tok.Device, &tok.IP,
		&tok.ExpiresAt, &tok.CreatedAt, &tok.Revoked, &revokedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if revokedAt.Valid {
		tok.RevokedAt = &revokedAt.Time
	}
	return &tok, nil
}

func (s *refreshStore) MarkRevoked(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true, revoked_at=now() where id=$1 and not revoked`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *refreshStore) MarkRevokedByUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true, revoked_at=now() where user_id=$1 and not revoked`, userID)
	return err
}

func (s *refreshStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from refresh_tokens where expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Verification attempt store -----------------------------------------------
type attemptStore struct{ db *sql.DB }

func (s *attemptStore) Append(ctx context.Context, a *VerificationAttempt) error {
	if a.ID == "" {
		a.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into mfa_verification_attempts(id, user_id, ip, success) values($1,$2,$3,$4)`,
		a.ID, a.UserID, a.IP, a.Success,
	)
	return err
}

func (s *attemptStore) CountFailures(ctx context.Context, userID string, since time.Time) (int, error) {
	return s.count(ctx,
		`select count(*) from mfa_verification_attempts where user_id=$1 and not success and created_at >= $2`,
		userID, since)
}

func (s *attemptStore) CountFailuresByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	return s.count(ctx,
		`select count(*) from mfa_verification_attempts where ip=$1 and not success and created_at >= $2`,
		ip, since)
}

func (s *attemptStore) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *attemptStore) OldestFailure(ctx context.Context, userID, ip string, since time.Time) (time.Time, error) {
	row := s.db.QueryRowContext(ctx,
		`select min(created_at) from mfa_verification_attempts
		 where (user_id=$1 or ip=$2) and not success and created_at >= $3`,
		userID, ip, since)
	var oldest sql.NullTime
	if err := row.Scan(&oldest); err != nil {
		return time.Time{}, err
	}
	if !oldest.Valid {
		return time.Time{}, ErrNotFound
	}
	return oldest.Time, nil
}

func (s *attemptStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from mfa_verification_attempts where created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Backup code store --------------------------------------------------------
type backupCodeStore struct{ db *sql.DB }

func (s *backupCodeStore) Replace(ctx context.Context, userID string, hashes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `delete from backup_codes where user_id=$1`, userID); err != nil {
		return err
	}
	for _, h := range hashes {
		if _, err := tx.ExecContext(ctx,
			`insert into backup_codes(id, user_id, code_hash) values($1,$2,$3)`,
			ids.New(), userID, h,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *backupCodeStore) Consume(ctx context.Context, userID, hash string) (bool, error) {
	// Match and delete in one statement: a captured code replayed after use
	// finds no row.
	res, err := s.db.ExecContext(ctx,
		`delete from backup_codes where user_id=$1 and code_hash=$2`, userID, hash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *backupCodeStore) CountRemaining(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`select count(*) from backup_codes where user_id=$1`, userID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
