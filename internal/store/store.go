// Package store 是持久化协作方：票据、注册用户和 provider 配置
// 落在本地 sqlite。核心逻辑只依赖 Store 接口，不内嵌存储细节。
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/vbetio/vbet/internal/ticket"
)

// TicketRecord 票据的持久化视图（历史查询返回）
type TicketRecord struct {
	Key          int64
	Username     string
	Provider     string
	GroupID      int64
	Player       string
	Demo         bool
	Status       ticket.Status
	TicketStatus string
	TicketID     int64
	Stake        decimal.Decimal
	TotalWon     decimal.Decimal
	Resolved     bool
	Details      json.RawMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UserRecord 注册到本 provider 的用户
type UserRecord struct {
	Username  string
	Provider  string
	UserID    int64
	Session   json.RawMessage
	CreatedAt time.Time
}

// ProviderConfig provider 的持久化配置（不存在时返回 nil）
type ProviderConfig struct {
	Name     string
	Settings map[string]interface{}
}

// Store 持久化契约
type Store interface {
	SaveTicket(ctx context.Context, username, provider string, t *ticket.Ticket) (int64, error)
	UpdateTicket(ctx context.Context, t *ticket.Ticket) error
	LoadRecentTickets(ctx context.Context, username string, beforeKey int64, count int) ([]TicketRecord, error)

	SaveUser(ctx context.Context, u UserRecord) error
	LoadUsers(ctx context.Context, provider string) ([]UserRecord, error)
	DeleteUser(ctx context.Context, username string) error

	LoadProviderConfig(ctx context.Context, name string) (*ProviderConfig, error)
	SaveProviderConfig(ctx context.Context, cfg ProviderConfig) error

	Close() error
}

// SQLite 基于 modernc sqlite 的 Store 实现
type SQLite struct {
	db *sql.DB
}

// Open 打开（必要时创建）数据库并跑迁移
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite 不支持并发写
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS tickets (
  key INTEGER PRIMARY KEY AUTOINCREMENT,
  username TEXT NOT NULL,
  provider TEXT NOT NULL,
  group_id INTEGER NOT NULL,
  player TEXT NOT NULL,
  demo INTEGER NOT NULL DEFAULT 1,
  status INTEGER NOT NULL,
  ticket_status TEXT NOT NULL DEFAULT 'OPEN',
  ticket_id INTEGER NOT NULL DEFAULT 0,
  stake TEXT NOT NULL,
  total_won TEXT NOT NULL DEFAULT '0',
  resolved INTEGER NOT NULL DEFAULT 0,
  details TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_tickets_user ON tickets (username, key);`,
		`
CREATE TABLE IF NOT EXISTS users (
  username TEXT PRIMARY KEY,
  provider TEXT NOT NULL,
  user_id INTEGER NOT NULL,
  session TEXT,
  created_at TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS provider_configs (
  name TEXT PRIMARY KEY,
  settings TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// SaveTicket 首次入库，返回 sqlite 分配的票据键
func (s *SQLite) SaveTicket(ctx context.Context, username, provider string, t *ticket.Ticket) (int64, error) {
	details, err := json.Marshal(t.Details())
	if err != nil {
		return 0, fmt.Errorf("marshal ticket details: %w", err)
	}
	now := time.Now().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
INSERT INTO tickets (username,provider,group_id,player,demo,status,ticket_status,ticket_id,stake,total_won,resolved,details,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, username, provider, t.GroupID, t.Player, boolInt(t.Demo), int(t.Status), t.TicketStatus, t.TicketID,
		t.Stake.String(), t.TotalWon.String(), boolInt(t.Resolved), string(details), now, now)
	if err != nil {
		return 0, fmt.Errorf("insert ticket: %w", err)
	}
	key, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("ticket key: %w", err)
	}
	return key, nil
}

// UpdateTicket 按票据键覆盖可变字段
func (s *SQLite) UpdateTicket(ctx context.Context, t *ticket.Ticket) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE tickets
SET status=?, ticket_status=?, ticket_id=?, total_won=?, resolved=?, updated_at=?
WHERE key=?
`, int(t.Status), t.TicketStatus, t.TicketID, t.TotalWon.String(), boolInt(t.Resolved),
		time.Now().Format(time.RFC3339Nano), t.Key)
	if err != nil {
		return fmt.Errorf("update ticket: %w", err)
	}
	return nil
}

// LoadRecentTickets 按键倒序分页：beforeKey <= 0 时从最新开始
func (s *SQLite) LoadRecentTickets(ctx context.Context, username string, beforeKey int64, count int) ([]TicketRecord, error) {
	if count <= 0 {
		count = 20
	}
	query := `
SELECT key,username,provider,group_id,player,demo,status,ticket_status,ticket_id,stake,total_won,resolved,details,created_at,updated_at
FROM tickets WHERE username=?`
	args := []interface{}{username}
	if beforeKey > 0 {
		query += ` AND key<?`
		args = append(args, beforeKey)
	}
	query += ` ORDER BY key DESC LIMIT ?`
	args = append(args, count)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load tickets: %w", err)
	}
	defer rows.Close()

	var out []TicketRecord
	for rows.Next() {
		var r TicketRecord
		var demo, resolved, status int
		var stake, totalWon, details, createdAt, updatedAt string
		if err := rows.Scan(&r.Key, &r.Username, &r.Provider, &r.GroupID, &r.Player, &demo, &status,
			&r.TicketStatus, &r.TicketID, &stake, &totalWon, &resolved, &details, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		r.Demo = demo != 0
		r.Resolved = resolved != 0
		r.Status = ticket.Status(status)
		r.Stake, _ = decimal.NewFromString(stake)
		r.TotalWon, _ = decimal.NewFromString(totalWon)
		r.Details = json.RawMessage(details)
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveUser 注册或更新用户
func (s *SQLite) SaveUser(ctx context.Context, u UserRecord) error {
	session := "{}"
	if len(u.Session) > 0 {
		session = string(u.Session)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (username,provider,user_id,session,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(username) DO UPDATE SET provider=excluded.provider, user_id=excluded.user_id, session=excluded.session
`, u.Username, u.Provider, u.UserID, session, time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// LoadUsers 列出某 provider 的全部注册用户
func (s *SQLite) LoadUsers(ctx context.Context, provider string) ([]UserRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT username,provider,user_id,session,created_at FROM users WHERE provider=? ORDER BY created_at
`, provider)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	defer rows.Close()

	var out []UserRecord
	for rows.Next() {
		var u UserRecord
		var session, createdAt string
		if err := rows.Scan(&u.Username, &u.Provider, &u.UserID, &session, &createdAt); err != nil {
			return nil, err
		}
		u.Session = json.RawMessage(session)
		u.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, u)
	}
	return out, rows.Err()
}

// DeleteUser 注销用户
func (s *SQLite) DeleteUser(ctx context.Context, username string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE username=?`, username); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

// LoadProviderConfig 不存在时返回 (nil, nil)
func (s *SQLite) LoadProviderConfig(ctx context.Context, name string) (*ProviderConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT settings FROM provider_configs WHERE name=?`, name)
	var settings string
	if err := row.Scan(&settings); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load provider config: %w", err)
	}
	cfg := &ProviderConfig{Name: name, Settings: make(map[string]interface{})}
	if err := json.Unmarshal([]byte(settings), &cfg.Settings); err != nil {
		return nil, fmt.Errorf("decode provider config: %w", err)
	}
	return cfg, nil
}

// SaveProviderConfig 覆盖写入
func (s *SQLite) SaveProviderConfig(ctx context.Context, cfg ProviderConfig) error {
	settings, err := json.Marshal(cfg.Settings)
	if err != nil {
		return fmt.Errorf("marshal provider config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO provider_configs (name,settings,updated_at) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET settings=excluded.settings, updated_at=excluded.updated_at
`, cfg.Name, string(settings), time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save provider config: %w", err)
	}
	return nil
}

// Close 关闭数据库
func (s *SQLite) Close() error {
	return s.db.Close()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
