package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"foundry/internal/domain"
)

var (
	ErrTokenAlreadyUsed = errors.New("registration token already used")
	ErrTokenExpired     = errors.New("registration token expired")
	ErrTokenRevoked     = errors.New("registration token revoked")
)

func (r Repo) InsertRegistrationToken(ctx context.Context, t domain.RegistrationToken) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO registration_tokens(id,token,name,created_at,expires_at,revoked,used_at) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.Token, nullable(t.Name), t.CreatedAt, nullableStringPtr(t.ExpiresAt), t.Revoked, nullableStringPtr(t.UsedAt))
	if err != nil {
		return unavailable("insert token", err)
	}
	return nil
}

func scanToken(scan func(...any) error) (domain.RegistrationToken, error) {
	var t domain.RegistrationToken
	var name, expiresAt, usedAt sql.NullString
	err := scan(&t.ID, &t.Token, &name, &t.CreatedAt, &expiresAt, &t.Revoked, &usedAt)
	if err != nil {
		return t, err
	}
	if name.Valid {
		t.Name = name.String
	}
	if expiresAt.Valid {
		t.ExpiresAt = &expiresAt.String
	}
	if usedAt.Valid {
		t.UsedAt = &usedAt.String
	}
	return t, nil
}

const tokenColumns = `id,token,name,created_at,expires_at,revoked,used_at`

func (r Repo) GetRegistrationToken(ctx context.Context, token string) (domain.RegistrationToken, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM registration_tokens WHERE token=?`, token)
	t, err := scanToken(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, unavailable("get token", err)
	}
	return t, nil
}

func (r Repo) ListRegistrationTokens(ctx context.Context) ([]domain.RegistrationToken, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+tokenColumns+` FROM registration_tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, unavailable("list tokens", err)
	}
	defer rows.Close()
	var res []domain.RegistrationToken
	for rows.Next() {
		t, err := scanToken(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) RevokeRegistrationToken(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE registration_tokens SET revoked=1 WHERE id=?`, id)
	if err != nil {
		return unavailable("revoke token", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ConsumeRegistrationToken marks a token used atomically. A token consumed,
// revoked, or past expiry is refused.
func (r Repo) ConsumeRegistrationToken(ctx context.Context, token string, now time.Time) (domain.RegistrationToken, error) {
	t, err := r.GetRegistrationToken(ctx, token)
	if err != nil {
		return t, err
	}
	if t.Revoked {
		return t, ErrTokenRevoked
	}
	if t.ExpiresAt != nil {
		exp, perr := time.Parse(time.RFC3339, *t.ExpiresAt)
		if perr == nil && now.After(exp) {
			return t, ErrTokenExpired
		}
	}
	ts := now.UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `UPDATE registration_tokens SET used_at=? WHERE token=? AND used_at IS NULL AND revoked=0`, ts, token)
	if err != nil {
		return t, unavailable("consume token", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return t, fmt.Errorf("token %s: %w", t.ID, ErrTokenAlreadyUsed)
	}
	t.UsedAt = &ts
	return t, nil
}
