package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

// Pool sizes the connection pool. Every broker worker holds at most one
// connection for the length of a borrow or return transaction, so MaxConns
// should cover the worker count plus the HTTP handlers.
type Pool struct {
	MaxConns        int32
	MinConns        int32
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
	AppName         string
}

// Config parses dsn and applies p on top of it. Zero fields keep the values
// from dsn or the pgx defaults.
func (p Pool) Config(dsn string) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if p.MaxConns > 0 {
		cfg.MaxConns = p.MaxConns
	}
	if p.MinConns > 0 && p.MinConns <= cfg.MaxConns {
		cfg.MinConns = p.MinConns
	}
	if p.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = p.MaxConnIdleTime
	}
	if p.ConnectTimeout > 0 {
		cfg.ConnConfig.ConnectTimeout = p.ConnectTimeout
	}
	if p.AppName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = p.AppName
	}
	// loan dates are compared in UTC
	cfg.ConnConfig.RuntimeParams["timezone"] = "UTC"
	return cfg, nil
}

// Connect opens the pool and pings it once.
func Connect(ctx context.Context, dsn string, p Pool) (*pgxpool.Pool, error) {
	cfg, err := p.Config(dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.WithFields(log.Fields{
		"host":      cfg.ConnConfig.Host,
		"database":  cfg.ConnConfig.Database,
		"max_conns": cfg.MaxConns,
	}).Info("postgres pool ready")
	return pool, nil
}
