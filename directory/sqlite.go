package directory

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store SQLite 实现
type Store struct {
	sqlDB *sql.DB
}

// Open 打开数据库并执行内嵌迁移
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close 关闭连接
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// LookupSpace 查询空间及其成员
func (s *Store) LookupSpace(ctx context.Context, spaceID string) (*Space, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sp := &Space{ID: spaceID, Participants: make(map[string]string)}
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT s.name, s.map_id, s.admin_id, u.avatar
		   FROM spaces s JOIN users u ON u.id = s.admin_id
		  WHERE s.id = ?`, spaceID,
	).Scan(&sp.Name, &sp.MapID, &sp.AdminID, &sp.AdminAvatar)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("space %s: %w", spaceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup space %s: %w", spaceID, err)
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT u.id, u.avatar
		   FROM space_participants p JOIN users u ON u.id = p.user_id
		  WHERE p.space_id = ?`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list participants of %s: %w", spaceID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, avatar string
		if err := rows.Scan(&id, &avatar); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		sp.Participants[id] = avatar
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return sp, nil
}

// SpaceMapID 仅查询地图 id，供静态加载器使用
func (s *Store) SpaceMapID(ctx context.Context, spaceID string) (string, error) {
	var mapID string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT map_id FROM spaces WHERE id = ?`, spaceID).Scan(&mapID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("space %s: %w", spaceID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("lookup map of %s: %w", spaceID, err)
	}
	return mapID, nil
}

// PutUser 新增或更新用户
func (s *Store) PutUser(ctx context.Context, id, avatar string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("user id is required")
	}
	if avatar == "" {
		avatar = "bob"
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO users (id, avatar) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET avatar = excluded.avatar`, id, avatar)
	if err != nil {
		return fmt.Errorf("put user %s: %w", id, err)
	}
	return nil
}

// PutSpace 新增或更新空间，管理员必须已存在
func (s *Store) PutSpace(ctx context.Context, id, name, mapID, adminID string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("space id is required")
	}
	if strings.TrimSpace(mapID) == "" {
		return fmt.Errorf("map id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO spaces (id, name, map_id, admin_id) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, map_id = excluded.map_id, admin_id = excluded.admin_id`,
		id, name, mapID, adminID)
	if err != nil {
		return fmt.Errorf("put space %s: %w", id, err)
	}
	return nil
}

// AddParticipant 将用户加入空间成员
func (s *Store) AddParticipant(ctx context.Context, spaceID, userID string) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO space_participants (space_id, user_id) VALUES (?, ?)`, spaceID, userID)
	if err != nil {
		return fmt.Errorf("add participant %s to %s: %w", userID, spaceID, err)
	}
	return nil
}

const migrationTable = "schema_migrations"

// applyMigrations 按文件名顺序执行内嵌迁移，每个文件只执行一次
func applyMigrations(sqlDB *sql.DB) error {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	if _, err := sqlDB.Exec(fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (name TEXT PRIMARY KEY, applied_at INTEGER NOT NULL)`, migrationTable)); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		var n int
		if err := sqlDB.QueryRow(fmt.Sprintf(`SELECT COUNT(1) FROM %s WHERE name = ?`, migrationTable), file).Scan(&n); err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if n > 0 {
			continue
		}
		content, err := fs.ReadFile(migrationFS, "migrations/"+file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}

		tx, err := sqlDB.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if _, err := tx.Exec(upSection(string(content))); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.Exec(fmt.Sprintf(`INSERT INTO %s (name, applied_at) VALUES (?, ?)`, migrationTable),
			file, time.Now().UTC().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

// upSection 取 "-- +migrate Up" 与 "-- +migrate Down" 之间的 SQL
func upSection(content string) string {
	up := strings.Index(content, "-- +migrate Up")
	if up == -1 {
		return content
	}
	content = content[up+len("-- +migrate Up"):]
	if down := strings.Index(content, "-- +migrate Down"); down != -1 {
		content = content[:down]
	}
	return content
}
