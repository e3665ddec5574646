package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool opens a regular (non-replication) pool, applying RDS IAM auth when
// the options enable it.
func NewPool(ctx context.Context, dsn string, options map[string]string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 2
	delete(cfg.ConnConfig.RuntimeParams, "replication")

	auth, err := NewIAMAuth(ctx, dsn, options)
	if err != nil {
		return nil, err
	}
	auth.ConfigurePool(cfg)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	return pool, nil
}
