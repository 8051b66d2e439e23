package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrParticipantStoreUnavailable marks a participant lookup that failed
// because the backing relation is structurally missing (degraded
// environment), as opposed to the participant simply not existing.
var ErrParticipantStoreUnavailable = errors.New("participant store unavailable")

// ErrVersionConflict marks a submission that lost the version-number race to
// a concurrent writer. The caller may retry.
var ErrVersionConflict = errors.New("document version conflict")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── Users ──

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, COALESCE(password_hash, ''), role, is_email_verified, created_at, updated_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.IsEmailVerified, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, COALESCE(password_hash, ''), role, is_email_verified, created_at, updated_at
		FROM users
		WHERE LOWER(email)=LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.IsEmailVerified, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, is_email_verified, verification_token, verification_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role, user.IsEmailVerified, user.VerificationToken, user.VerificationExpiresAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify user email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify user email rows: %w", err)
	}
	if affected == 0 {
		return errors.New("invalid or expired verification token")
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update user password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// ── Refresh sessions (postgres fallback when Redis is not configured) ──

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email, u.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// ── Cases & participants ──

func (s *PostgresStore) CreateCase(ctx context.Context, item Case) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cases (id, title, mediator_id, status)
		VALUES ($1, $2, $3, $4)
	`, item.ID, item.Title, item.MediatorID, item.Status)
	if err != nil {
		return fmt.Errorf("create case: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCase(ctx context.Context, caseID string) (Case, error) {
	var item Case
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, mediator_id, status, created_at, updated_at
		FROM cases
		WHERE id=$1
	`, caseID).Scan(&item.ID, &item.Title, &item.MediatorID, &item.Status, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Case{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListCasesForUser(ctx context.Context, userID string) ([]Case, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT c.id, c.title, c.mediator_id, c.status, c.created_at, c.updated_at
		FROM cases c
		LEFT JOIN case_participants cp ON cp.case_id = c.id
		WHERE c.mediator_id=$1 OR (cp.user_id=$1 AND cp.status='active')
		ORDER BY c.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	items := make([]Case, 0)
	for rows.Next() {
		var item Case
		if err := rows.Scan(&item.ID, &item.Title, &item.MediatorID, &item.Status, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cases: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) AddParticipant(ctx context.Context, participant CaseParticipant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO case_participants (case_id, user_id, role, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (case_id, user_id) DO UPDATE SET role=EXCLUDED.role, status=EXCLUDED.status, updated_at=NOW()
	`, participant.CaseID, participant.UserID, participant.Role, participant.Status)
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

// GetParticipant resolves one membership row. A missing relation (degraded
// environment) is reported as ErrParticipantStoreUnavailable so the access
// gate can fall back instead of hard-failing.
func (s *PostgresStore) GetParticipant(ctx context.Context, caseID, userID string) (CaseParticipant, error) {
	var item CaseParticipant
	err := s.db.QueryRowContext(ctx, `
		SELECT case_id, user_id, role, status, created_at, updated_at
		FROM case_participants
		WHERE case_id=$1 AND user_id=$2
	`, caseID, userID).Scan(&item.CaseID, &item.UserID, &item.Role, &item.Status, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CaseParticipant{}, err
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
			return CaseParticipant{}, ErrParticipantStoreUnavailable
		}
		return CaseParticipant{}, fmt.Errorf("get participant: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, caseID string) ([]CaseParticipant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cp.case_id, cp.user_id, cp.role, cp.status, cp.created_at, cp.updated_at, u.email, u.display_name
		FROM case_participants cp
		JOIN users u ON u.id = cp.user_id
		WHERE cp.case_id=$1
		ORDER BY cp.created_at ASC
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	items := make([]CaseParticipant, 0)
	for rows.Next() {
		var item CaseParticipant
		if err := rows.Scan(&item.CaseID, &item.UserID, &item.Role, &item.Status, &item.CreatedAt, &item.UpdatedAt, &item.UserEmail, &item.UserName); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateParticipantStatus(ctx context.Context, caseID, userID, status string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE case_participants
		SET status=$3, updated_at=NOW()
		WHERE case_id=$1 AND user_id=$2
	`, caseID, userID, status)
	if err != nil {
		return false, fmt.Errorf("update participant status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update participant status rows: %w", err)
	}
	return affected > 0, nil
}

// ListActiveMediators returns the users who should be notified of a new
// upload: active mediator participants plus the case's mediator of record.
func (s *PostgresStore) ListActiveMediators(ctx context.Context, caseID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT u.id, u.display_name, u.email, u.role
		FROM users u
		LEFT JOIN case_participants cp ON cp.user_id = u.id AND cp.case_id=$1 AND cp.status='active' AND cp.role='mediator'
		LEFT JOIN cases c ON c.mediator_id = u.id AND c.id=$1
		WHERE cp.user_id IS NOT NULL OR c.id IS NOT NULL
	`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list active mediators: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		var item User
		if err := rows.Scan(&item.ID, &item.DisplayName, &item.Email, &item.Role); err != nil {
			return nil, fmt.Errorf("scan mediator: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mediators: %w", err)
	}
	return items, nil
}

// ── Notifications ──

func (s *PostgresStore) InsertNotification(ctx context.Context, item Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, message, type)
		VALUES ($1, $2, $3, $4)
	`, item.ID, item.UserID, item.Message, item.Type)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, message, type, is_read, created_at
		FROM notifications
		WHERE user_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var item Notification
		if err := rows.Scan(&item.ID, &item.UserID, &item.Message, &item.Type, &item.IsRead, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, notificationID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET is_read=TRUE WHERE id=$1 AND user_id=$2
	`, notificationID, userID)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark notification read rows: %w", err)
	}
	return affected > 0, nil
}
