// Package tradelog 把交易记录异步写入 sqlite
package tradelog

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/betbot/solbot/internal/domain"
)

// Store 交易记录表
type Store struct {
	db *sqlx.DB
}

// Open 打开（必要时创建）sqlite 数据库；path 为 ":memory:" 时使用内存库
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "创建数据目录失败")
		}
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "打开 sqlite 失败")
	}
	// sqlite 单写者
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS trades (
  id TEXT PRIMARY KEY,
  user_id INTEGER NOT NULL,
  action TEXT NOT NULL,
  token TEXT NOT NULL,
  amount TEXT NOT NULL,
  slippage TEXT NOT NULL,
  route TEXT NOT NULL,
  source TEXT NOT NULL,
  created_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_user_time ON trades(user_id, created_at);`,
	}
	for _, st := range stmts {
		if _, err := s.db.ExecContext(ctx, st); err != nil {
			return errors.Wrap(err, "sqlite 迁移失败")
		}
	}
	return nil
}

type row struct {
	ID        string `db:"id"`
	UserID    int64  `db:"user_id"`
	Action    string `db:"action"`
	Token     string `db:"token"`
	Amount    string `db:"amount"`
	Slippage  string `db:"slippage"`
	Route     string `db:"route"`
	Source    string `db:"source"`
	CreatedAt string `db:"created_at"`
}

func toRow(r domain.TradeRecord) row {
	return row{
		ID:        r.ID,
		UserID:    int64(r.UserID),
		Action:    string(r.Action),
		Token:     r.Token,
		Amount:    r.Amount.String(),
		Slippage:  r.Slippage.String(),
		Route:     r.Route,
		Source:    string(r.Source),
		CreatedAt: r.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

func (r row) record() (domain.TradeRecord, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return domain.TradeRecord{}, errors.Wrapf(err, "trade %s amount", r.ID)
	}
	slippage, err := decimal.NewFromString(r.Slippage)
	if err != nil {
		return domain.TradeRecord{}, errors.Wrapf(err, "trade %s slippage", r.ID)
	}
	ts, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return domain.TradeRecord{}, errors.Wrapf(err, "trade %s created_at", r.ID)
	}
	return domain.TradeRecord{
		ID:        r.ID,
		UserID:    domain.UserID(r.UserID),
		Action:    domain.Action(r.Action),
		Token:     r.Token,
		Amount:    amount,
		Slippage:  slippage,
		Route:     r.Route,
		Source:    domain.TradeSource(r.Source),
		Timestamp: ts,
	}, nil
}

// Insert 写入一条记录；重复 ID 忽略
func (s *Store) Insert(ctx context.Context, rec domain.TradeRecord) error {
	_, err := s.db.NamedExecContext(ctx, `
INSERT OR IGNORE INTO trades (id, user_id, action, token, amount, slippage, route, source, created_at)
VALUES (:id, :user_id, :action, :token, :amount, :slippage, :route, :source, :created_at)`, toRow(rec))
	return errors.Wrapf(err, "insert trade %s", rec.ID)
}

// Count 用户的交易总数
func (s *Store) Count(ctx context.Context, uid domain.UserID) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM trades WHERE user_id = ?`, int64(uid)); err != nil {
		return 0, errors.Wrap(err, "count trades")
	}
	return n, nil
}

// Recent 最近 n 条（新的在前）
func (s *Store) Recent(ctx context.Context, uid domain.UserID, n int) ([]domain.TradeRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM trades WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, int64(uid), n)
	if err != nil {
		return nil, errors.Wrap(err, "select trades")
	}
	out := make([]domain.TradeRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
