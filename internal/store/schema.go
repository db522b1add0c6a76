package store

// sqliteSchema 与生产 Postgres 表结构保持同名同义，blob 列保存 blobs.oid。
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS blobs (
		oid  INTEGER PRIMARY KEY AUTOINCREMENT,
		data BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		username        TEXT NOT NULL UNIQUE,
		avatar          INTEGER REFERENCES blobs(oid),
		avatar_filename TEXT,
		balance         INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS pictures (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id        INTEGER NOT NULL REFERENCES users(id),
		token          TEXT NOT NULL UNIQUE,
		image          INTEGER REFERENCES blobs(oid),
		image_filename TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pictures_user_id ON pictures(user_id)`,
}
