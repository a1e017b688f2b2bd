package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/estatedash/internal/tokenstore"
)

var _ tokenstore.Backend = (*Backend)(nil)

// Backend stores one profile's values as rows of the token_store table.
type Backend struct {
	pool    *pgxpool.Pool
	profile string
}

// NewBackend creates a backend for profile over pool.
func NewBackend(pool *pgxpool.Pool, profile string) *Backend {
	if profile == "" {
		profile = tokenstore.DefaultProfile
	}
	return &Backend{pool: pool, profile: profile}
}

func (b *Backend) Load(ctx context.Context) (map[string]string, error) {
	rows, err := b.pool.Query(ctx, `SELECT key, value FROM token_store WHERE profile = $1`, b.profile)
	if err != nil {
		return nil, fmt.Errorf("failed to query tokens: %w", mapPostgresError(err))
	}

	values := make(map[string]string)
	var key, value string
	_, err = pgx.ForEachRow(rows, []any{&key, &value}, func() error {
		values[key] = value
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read tokens: %w", mapPostgresError(err))
	}

	return values, nil
}

// Apply writes the batch in a single transaction.
func (b *Backend) Apply(ctx context.Context, set map[string]string, del []string) error {
	err := pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		if len(del) > 0 {
			if _, err := tx.Exec(ctx,
				`DELETE FROM token_store WHERE profile = $1 AND key = ANY($2)`,
				b.profile, del,
			); err != nil {
				return err
			}
		}

		batch := &pgx.Batch{}
		for k, v := range set {
			batch.Queue(`
				INSERT INTO token_store (profile, key, value, updated_at)
				VALUES ($1, $2, $3, now())
				ON CONFLICT (profile, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
			`, b.profile, k, v)
		}
		if batch.Len() == 0 {
			return nil
		}

		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("failed to apply token batch: %w", mapPostgresError(err))
	}

	log.Debug().Str("profile", b.profile).Int("set", len(set)).Int("deleted", len(del)).Msg("token batch applied")

	return nil
}
