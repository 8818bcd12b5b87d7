// Package journal 基于 sqlite 的交易与活动日志
package journal

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

var log = logrus.WithField("module", "journal")

// Trade 一笔已完成的成交记录
type Trade struct {
	ID        int64     `json:"id"`
	At        time.Time `json:"at"`
	Side      string    `json:"side"`
	Price     float64   `json:"price"`
	Shares    float64   `json:"shares"`
	AmountUSD float64   `json:"amount_usd"`
	Reason    string    `json:"reason"`
	OrderID   string    `json:"order_id"`
	PnLPct    float64   `json:"pnl_pct"` // SELL 时有效
	PnLUSD    float64   `json:"pnl_usd"`
}

// Activity 一条运行事件
type Activity struct {
	ID      int64     `json:"id"`
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"` // spike / entry / exit / target / settlement / halt ...
	Message string    `json:"message"`
}

// Journal sqlite 日志
type Journal struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	at         INTEGER NOT NULL,
	side       TEXT    NOT NULL,
	price      REAL    NOT NULL,
	shares     REAL    NOT NULL,
	amount_usd REAL    NOT NULL,
	reason     TEXT    NOT NULL DEFAULT '',
	order_id   TEXT    NOT NULL DEFAULT '',
	pnl_pct    REAL    NOT NULL DEFAULT 0,
	pnl_usd    REAL    NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS activities (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	at      INTEGER NOT NULL,
	kind    TEXT    NOT NULL,
	message TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_at ON trades(at);
CREATE INDEX IF NOT EXISTS idx_activities_at ON activities(at);
`

// Open 打开（或创建）日志库
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create journal dir")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open journal db")
	}
	// sqlite 单写者，限制连接数避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init journal schema")
	}
	return &Journal{db: db}, nil
}

// Close 关闭日志库
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// RecordTrade 记录一笔成交
func (j *Journal) RecordTrade(ctx context.Context, t Trade) error {
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO trades (at, side, price, shares, amount_usd, reason, order_id, pnl_pct, pnl_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		at.Unix(), t.Side, t.Price, t.Shares, t.AmountUSD, t.Reason, t.OrderID, t.PnLPct, t.PnLUSD)
	return errors.Wrap(err, "record trade")
}

// RecordActivity 记录一条运行事件，失败只打日志不向上传播
func (j *Journal) RecordActivity(ctx context.Context, kind, message string) {
	if j == nil || j.db == nil {
		return
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO activities (at, kind, message) VALUES (?, ?, ?)`,
		time.Now().UTC().Unix(), kind, message)
	if err != nil {
		log.Warnf("写入活动日志失败: %v", err)
	}
}

// RecentTrades 最近 limit 笔成交（新→旧）
func (j *Journal) RecentTrades(ctx context.Context, limit int) ([]Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, at, side, price, shares, amount_usd, reason, order_id, pnl_pct, pnl_usd
		 FROM trades ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query trades")
	}
	defer rows.Close()

	var out []Trade
	for rows.Next() {
		var t Trade
		var at int64
		if err := rows.Scan(&t.ID, &at, &t.Side, &t.Price, &t.Shares, &t.AmountUSD,
			&t.Reason, &t.OrderID, &t.PnLPct, &t.PnLUSD); err != nil {
			return nil, errors.Wrap(err, "scan trade")
		}
		t.At = time.Unix(at, 0).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecentActivities 最近 limit 条活动（新→旧）
func (j *Journal) RecentActivities(ctx context.Context, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, at, kind, message FROM activities ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query activities")
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		var a Activity
		var at int64
		if err := rows.Scan(&a.ID, &at, &a.Kind, &a.Message); err != nil {
			return nil, errors.Wrap(err, "scan activity")
		}
		a.At = time.Unix(at, 0).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}
