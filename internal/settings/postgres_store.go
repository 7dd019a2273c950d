package settings

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore reads overrides from the platform_settings table and falls
// back to the environment defaults for keys that are absent.
type PostgresStore struct {
	db       *sql.DB
	defaults Settings
}

// NewPostgresStore creates a settings provider backed by PostgreSQL.
func NewPostgresStore(db *sql.DB, defaults Settings) *PostgresStore {
	return &PostgresStore{db: db, defaults: defaults}
}

// Current implements Provider. Values are read on every call so operators
// can tune them without a restart.
func (p *PostgresStore) Current(ctx context.Context) (Settings, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT key, value FROM platform_settings
		WHERE key IN ($1, $2, $3)`,
		KeyFeePercentage, KeyPaymentTimeoutHours, KeyVerificationPeriodHours)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read platform settings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	raw := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return Settings{}, err
		}
		raw[k] = v
	}
	if err := rows.Err(); err != nil {
		return Settings{}, err
	}
	return apply(p.defaults, raw)
}

// Set upserts one setting value.
func (p *PostgresStore) Set(ctx context.Context, key, value string) error {
	if _, err := apply(p.defaults, map[string]string{key: value}); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO platform_settings (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, value)
	return err
}

var _ Provider = (*PostgresStore)(nil)
