package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/accountlink/internal/model"
)

// PostgresAuthConfigRepo はPostgreSQLを使用したIdP設定リポジトリ。
// client_secretはSecretCipherで暗号化してBYTEA列に保存する。
type PostgresAuthConfigRepo struct {
	db     *sql.DB
	cipher SecretCipher
}

// NewPostgresAuthConfigRepo はPostgresAuthConfigRepoを生成する。
func NewPostgresAuthConfigRepo(db *sql.DB, cipher SecretCipher) *PostgresAuthConfigRepo {
	return &PostgresAuthConfigRepo{db: db, cipher: cipher}
}

// Get はプロバイダー種別の設定を取得する。存在しない場合はnilを返す。
func (r *PostgresAuthConfigRepo) Get(ctx context.Context, providerType string) (*model.AuthProviderConfig, error) {
	cfg := &model.AuthProviderConfig{}
	var (
		secretEnc    []byte
		redirectURIs pq.StringArray
		configuredBy sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT type, enabled, client_id, client_secret_enc, redirect_uris, configured_by, configured_at
		 FROM auth_provider_configs
		 WHERE type = $1`,
		providerType,
	).Scan(&cfg.Type, &cfg.Enabled, &cfg.ClientID, &secretEnc, &redirectURIs, &configuredBy, &cfg.ConfiguredAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find auth provider config: %w", err)
	}

	if len(secretEnc) > 0 {
		plain, err := r.cipher.Decrypt(secretEnc)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt client secret: %w", err)
		}
		cfg.ClientSecret = string(plain)
	}
	cfg.RedirectURIs = []string(redirectURIs)
	cfg.ConfiguredBy = configuredBy.String

	return cfg, nil
}

// Save は設定をUPSERTする。
func (r *PostgresAuthConfigRepo) Save(ctx context.Context, cfg *model.AuthProviderConfig) error {
	var secretEnc []byte
	if cfg.ClientSecret != "" {
		enc, err := r.cipher.Encrypt([]byte(cfg.ClientSecret))
		if err != nil {
			return fmt.Errorf("failed to encrypt client secret: %w", err)
		}
		secretEnc = enc
	}

	var configuredBy sql.NullString
	if cfg.ConfiguredBy != "" {
		configuredBy = sql.NullString{String: cfg.ConfiguredBy, Valid: true}
	}

	redirectURIs := cfg.RedirectURIs
	if redirectURIs == nil {
		redirectURIs = []string{}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO auth_provider_configs
		   (type, enabled, client_id, client_secret_enc, redirect_uris, configured_by, configured_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (type) DO UPDATE SET
		   enabled = EXCLUDED.enabled,
		   client_id = EXCLUDED.client_id,
		   client_secret_enc = EXCLUDED.client_secret_enc,
		   redirect_uris = EXCLUDED.redirect_uris,
		   configured_by = EXCLUDED.configured_by,
		   configured_at = EXCLUDED.configured_at`,
		cfg.Type, cfg.Enabled, cfg.ClientID, secretEnc, pq.Array(redirectURIs), configuredBy, cfg.ConfiguredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save auth provider config: %w", err)
	}
	return nil
}

// Delete は設定を削除する。存在しない場合もエラーにしない。
func (r *PostgresAuthConfigRepo) Delete(ctx context.Context, providerType string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM auth_provider_configs WHERE type = $1`, providerType); err != nil {
		return fmt.Errorf("failed to delete auth provider config: %w", err)
	}
	return nil
}

// compile-time interface check
var _ AuthProviderConfigRepository = (*PostgresAuthConfigRepo)(nil)
