package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pichub/pichub/internal/billing"
	"github.com/pichub/pichub/internal/version"
)

// deductSQL 通过 pictures.user_id 把某个 token 的用量扣到所属用户余额上。
const deductSQL = `UPDATE users SET balance = balance - $2 FROM pictures WHERE pictures.token = $1 AND users.id = pictures.user_id`

// PostgresStore 使用 large object 保存图片，blob id 即 OID。
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres 建立连接池并确认数据库可达。
func OpenPostgres(ctx context.Context, url string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = version.UserAgent()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &PostgresStore{pool: pool}, nil
}

// StreamBlob 在单个连接上开启事务，查询 OID 并以只读方式打开 large object。
// large object 只能在事务内读取，因此 fn 完全消费之后才提交；连接在任何路径上都会归还。
func (s *PostgresStore) StreamBlob(ctx context.Context, collection Collection, identifier, filename string, fn StreamFunc) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	// Commit 之后 Rollback 是空操作。
	defer tx.Rollback(ctx)

	oid, err := scanOID(tx.QueryRow(ctx, collection.LookupQuery(dollarPlaceholder), identifier, filename))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("lookup %s/%s: %w", collection.Name, identifier, err)
	}

	los := tx.LargeObjects()
	obj, err := los.Open(ctx, oid, pgx.LargeObjectModeRead)
	if err != nil {
		return fmt.Errorf("open large object %d: %w", oid, err)
	}
	size, err := obj.Seek(0, io.SeekEnd)
	if err == nil {
		_, err = obj.Seek(0, io.SeekStart)
	}
	if err != nil {
		obj.Close()
		return fmt.Errorf("stat large object %d: %w", oid, err)
	}

	if err := fn(obj, size); err != nil {
		obj.Close()
		return err
	}
	if err := obj.Close(); err != nil {
		return fmt.Errorf("close large object %d: %w", oid, err)
	}
	return tx.Commit(ctx)
}

// scanOID 读取查找结果中的 oid；没有行或 oid 为 NULL 都视为 ErrNotFound。
func scanOID(row pgx.Row) (uint32, error) {
	var oid *uint32
	if err := row.Scan(&oid); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	if oid == nil {
		return 0, ErrNotFound
	}
	return *oid, nil
}

// DeductBalances 把每个 token 的扣减排入同一个 batch，一次往返发送。
func (s *PostgresStore) DeductBalances(ctx context.Context, charges []billing.Charge) error {
	if len(charges) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range charges {
		batch.Queue(deductSQL, c.Token, c.Bytes)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

// Ping 检查连接池可用性。
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close 关闭连接池。
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var _ Store = (*PostgresStore)(nil)
