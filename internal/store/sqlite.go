package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/pichub/pichub/internal/billing"
)

// sqliteDeductSQL 与 Postgres 版本语义一致；SQLite 没有 large object，用子查询关联余额。
const sqliteDeductSQL = `UPDATE users SET balance = balance - ? WHERE id IN (SELECT user_id FROM pictures WHERE token = ?)`

const sqliteBlobSQL = `SELECT data FROM blobs WHERE oid = ?`

// SQLiteStore 面向单机部署与测试：blob 存放在 blobs 表，业务表只保存 oid 引用。
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite 打开（必要时创建）数据库文件并初始化表结构。dsn 可以是文件路径或 file: URI。
func OpenSQLite(ctx context.Context, dsn string, maxConns int) (*SQLiteStore, error) {
	if path := strings.TrimPrefix(dsn, "file:"); path != "" && !strings.HasPrefix(path, ":memory:") {
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s := &SQLiteStore{db: db}
	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return s, nil
}

// DB 暴露底层连接池，供运维脚本与测试写入种子数据。
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// sqlitePragmas 通过 DSN 下发，保证连接池中每个新连接都应用同样的设置。
var sqlitePragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
}

func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	var b strings.Builder
	b.WriteString(dsn)
	for _, pragma := range sqlitePragmas {
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(pragma)
		sep = "&"
	}
	return b.String()
}

func (s *SQLiteStore) createSchema(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// StreamBlob 在独占连接的事务内查找 oid 并读取 blob。
// database/sql 没有增量读取 BLOB 的接口，整个 blob 会先读入内存再交给 fn，
// 峰值内存约等于单个 blob 的大小；该实现只面向开发与测试。
func (s *SQLiteStore) StreamBlob(ctx context.Context, collection Collection, identifier, filename string, fn StreamFunc) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var oid sql.NullInt64
	err = tx.QueryRowContext(ctx, collection.LookupQuery(questionPlaceholder), identifier, filename).Scan(&oid)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !oid.Valid) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup %s/%s: %w", collection.Name, identifier, err)
	}

	var data []byte
	if err := tx.QueryRowContext(ctx, sqliteBlobSQL, oid.Int64).Scan(&data); err != nil {
		return fmt.Errorf("read blob %d: %w", oid.Int64, err)
	}

	if err := fn(bytes.NewReader(data), int64(len(data))); err != nil {
		return err
	}
	return tx.Commit()
}

// DeductBalances 在一个事务中依次执行每个 token 的扣减。
func (s *SQLiteStore) DeductBalances(ctx context.Context, charges []billing.Charge) error {
	if len(charges) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, sqliteDeductSQL)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range charges {
		if _, err := stmt.ExecContext(ctx, c.Bytes, c.Token); err != nil {
			return fmt.Errorf("deduct %s: %w", c.Token, err)
		}
	}
	return tx.Commit()
}

// Ping 检查数据库可用性。
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close 关闭数据库。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)

// PutPicture 为 username 写入一张图片（用户不存在时创建），用于本地开发与测试数据准备。
func (s *SQLiteStore) PutPicture(ctx context.Context, username, token, filename string, data []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	userID, err := ensureUser(ctx, tx, username)
	if err != nil {
		return err
	}
	oid, err := insertBlob(ctx, tx, data)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pictures (user_id, token, image, image_filename) VALUES (?, ?, ?, ?)`,
		userID, token, oid, filename); err != nil {
		return fmt.Errorf("insert picture %s: %w", token, err)
	}
	return tx.Commit()
}

// PutAvatar 设置 username 的头像（用户不存在时创建）。
func (s *SQLiteStore) PutAvatar(ctx context.Context, username, filename string, data []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	userID, err := ensureUser(ctx, tx, username)
	if err != nil {
		return err
	}
	oid, err := insertBlob(ctx, tx, data)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET avatar = ?, avatar_filename = ? WHERE id = ?`, oid, filename, userID); err != nil {
		return fmt.Errorf("update avatar %s: %w", username, err)
	}
	return tx.Commit()
}

// Balance 返回 username 当前余额。
func (s *SQLiteStore) Balance(ctx context.Context, username string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM users WHERE username = ?`, username).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return balance, err
}

func ensureUser(ctx context.Context, tx *sql.Tx, username string) (int64, error) {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (username) VALUES (?) ON CONFLICT(username) DO NOTHING`, username); err != nil {
		return 0, fmt.Errorf("insert user %s: %w", username, err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE username = ?`, username).Scan(&id); err != nil {
		return 0, fmt.Errorf("load user %s: %w", username, err)
	}
	return id, nil
}

func insertBlob(ctx context.Context, tx *sql.Tx, data []byte) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO blobs (data) VALUES (?)`, data)
	if err != nil {
		return 0, fmt.Errorf("insert blob: %w", err)
	}
	return res.LastInsertId()
}
