package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// OpenPostgres は DATABASE_URL で PostgreSQL に接続します
func OpenPostgres(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres: DATABASE_URL が未設定です")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: 接続失敗: %w", err)
	}
	return db, nil
}

// NewMigrator は埋め込みのマイグレーションを使う migrate.Migrate を作成します
func NewMigrator(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrate: マイグレーション読み込み失敗: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("migrate: ドライバ初期化失敗: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migrate: 初期化失敗: %w", err)
	}
	return m, nil
}

// MigrateUp は未適用のマイグレーションをすべて適用し、適用後のバージョンを返します
func MigrateUp(db *sql.DB) (uint, error) {
	m, err := NewMigrator(db)
	if err != nil {
		return 0, err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("migrate: up 失敗: %w", err)
	}
	v, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("migrate: バージョン取得失敗: %w", err)
	}
	return v, nil
}

// MigrateDown は指定ステップ数だけマイグレーションを戻します
func MigrateDown(db *sql.DB, steps int) (uint, error) {
	if steps <= 0 {
		steps = 1
	}
	m, err := NewMigrator(db)
	if err != nil {
		return 0, err
	}
	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("migrate: down 失敗: %w", err)
	}
	v, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("migrate: バージョン取得失敗: %w", err)
	}
	return v, nil
}
