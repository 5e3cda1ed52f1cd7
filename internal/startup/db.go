package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig разбирает DSN и выставляет размер пула.
func PoolConfig(dsn string, maxConns int) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	poolCfg.MaxConns = int32(maxConns)
	poolCfg.MinConns = min(4, poolCfg.MaxConns)
	return poolCfg, nil
}

// ConnectDBWithRetry подключается к Postgres с повторами, пока БД поднимается (docker compose, -dev).
// После maxWait возвращает последнюю ошибку.
func ConnectDBWithRetry(ctx context.Context, poolCfg *pgxpool.Config, maxWait time.Duration) (*pgxpool.Pool, error) {
	connect := func() (*pgxpool.Pool, error) {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		pool, err := pgxpool.NewWithConfig(cctx, poolCfg)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(cctx); err != nil {
			pool.Close()
			return nil, err
		}
		return pool, nil
	}
	pool, err := backoff.RetryNotifyWithData(connect, connectBackOff(ctx, maxWait), notifyRetry("db connect"))
	if err != nil {
		return nil, fmt.Errorf("connect to db (gave up after %v): %w", maxWait, err)
	}
	return pool, nil
}
