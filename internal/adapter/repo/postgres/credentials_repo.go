package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/followaudit/followaudit/internal/domain"
)

// CredentialRepo stores encrypted login material for the refresh path.
type CredentialRepo struct{ Pool PgxPool }

// NewCredentialRepo constructs a CredentialRepo with the given pool.
func NewCredentialRepo(p PgxPool) *CredentialRepo { return &CredentialRepo{Pool: p} }

const credentialColumns = `id, username, password_ciphertext, totp_secret_ciphertext, is_active,
	last_used_at, last_login_success, last_error`

func scanCredential(row pgx.Row) (domain.RefreshCredential, error) {
	var c domain.RefreshCredential
	err := row.Scan(&c.ID, &c.Username, &c.PasswordCiphertext, &c.TOTPSecretCiphertext, &c.IsActive,
		&c.LastUsedAt, &c.LastLoginSuccess, &c.LastError)
	return c, err
}

// GetActive returns the credential currently used for refreshes.
func (r *CredentialRepo) GetActive(ctx domain.Context) (domain.RefreshCredential, error) {
	tracer := otel.Tracer("repo.credentials")
	ctx, span := tracer.Start(ctx, "credentials.GetActive")
	defer span.End()
	c, err := scanCredential(r.Pool.QueryRow(ctx, `SELECT `+credentialColumns+` FROM refresh_credentials WHERE is_active LIMIT 1`))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.RefreshCredential{}, fmt.Errorf("op=credential.get_active: %w", domain.ErrNotFound)
		}
		return domain.RefreshCredential{}, fmt.Errorf("op=credential.get_active: %w", err)
	}
	return c, nil
}

// Upsert replaces the active credential, demoting any prior row.
func (r *CredentialRepo) Upsert(ctx domain.Context, c domain.RefreshCredential) (int64, error) {
	tracer := otel.Tracer("repo.credentials")
	ctx, span := tracer.Start(ctx, "credentials.Upsert")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("op=credential.upsert.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `UPDATE refresh_credentials SET is_active=false WHERE is_active`); err != nil {
		return 0, fmt.Errorf("op=credential.upsert.demote: %w", err)
	}
	var id int64
	err = tx.QueryRow(ctx, `INSERT INTO refresh_credentials (username, password_ciphertext, totp_secret_ciphertext, is_active)
		VALUES ($1,$2,$3,true) RETURNING id`, c.Username, c.PasswordCiphertext, c.TOTPSecretCiphertext).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("op=credential.upsert.insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=credential.upsert.commit: %w", err)
	}
	return id, nil
}

// RecordLogin stamps the outcome of a browser login attempt.
func (r *CredentialRepo) RecordLogin(ctx domain.Context, id int64, success bool, errMsg string) error {
	_, err := r.Pool.Exec(ctx, `UPDATE refresh_credentials SET last_used_at=now(), last_login_success=$2, last_error=$3 WHERE id=$1`,
		id, success, errMsg)
	if err != nil {
		return fmt.Errorf("op=credential.record_login: %w", err)
	}
	return nil
}
