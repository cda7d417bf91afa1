package app

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"pawfect/cmd/internal/dbschema"

	"github.com/jackc/pgx/v5/pgxpool"
)

const dbPingTimeout = 3 * time.Second

// Database owns the pgx pool and tracks its health.
//
// Connect and Supervise retry on a fixed interval without backoff; pgxpool re-dials
// individual connections on demand, so recovery only needs the probe to succeed again.
type Database struct {
	pool     *pgxpool.Pool
	log      *slog.Logger
	interval time.Duration
	ready    atomic.Bool
}

// ConnectDatabase builds the pool and blocks until the database answers or ctx ends.
func ConnectDatabase(ctx context.Context, cfg Config, log *slog.Logger) (*Database, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("database url is empty")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	d := &Database{pool: pool, log: log, interval: cfg.DBRetryInterval}
	if d.interval <= 0 {
		d.interval = 2 * time.Second
	}

	for attempt := 1; ; attempt++ {
		err := PingDB(ctx, pool, dbPingTimeout)
		if err == nil {
			break
		}
		log.Warn("db.connect.retry", "attempt", attempt, "retry_in", d.interval.String(), "err", err)

		t := time.NewTimer(d.interval)
		select {
		case <-ctx.Done():
			t.Stop()
			pool.Close()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	d.setReady(true)
	log.Info("db.connect.ok", "max_conns", pcfg.MaxConns)

	if cfg.DBAutoMigrate {
		if err := dbschema.Apply(ctx, pool, cfg.DBSchema); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("db.schema.applied", "schema", cfg.DBSchema)
	}
	return d, nil
}

// Supervise probes the database every interval until ctx ends, flipping readiness.
func (d *Database) Supervise(ctx context.Context) {
	t := time.NewTicker(d.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		err := PingDB(ctx, d.pool, dbPingTimeout)
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			dbReconnects.Inc()
			if d.ready.Load() {
				d.log.Error("db.connection.lost", "err", err)
			} else {
				d.log.Warn("db.reconnect.fail", "retry_in", d.interval.String(), "err", err)
			}
			d.setReady(false)
		case !d.ready.Load():
			d.log.Info("db.reconnect.ok")
			d.setReady(true)
		}
	}
}

func (d *Database) setReady(v bool) {
	d.ready.Store(v)
	if v {
		dbReady.Set(1)
	} else {
		dbReady.Set(0)
	}
}

// Ready reports the last probe result.
func (d *Database) Ready() bool { return d != nil && d.ready.Load() }

// Pool returns the underlying pool.
func (d *Database) Pool() *pgxpool.Pool { return d.pool }

// Close releases every pooled connection.
func (d *Database) Close() {
	if d != nil && d.pool != nil {
		d.pool.Close()
	}
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return conn.Ping(ctx)
}
