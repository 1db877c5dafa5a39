package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register sqlite driver

	"github.com/LoveWonYoung/autodiag/coordinator"
	"github.com/LoveWonYoung/autodiag/driver"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS exchanges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session TEXT NOT NULL,
		service_id INTEGER NOT NULL,
		sub_function INTEGER NULL,
		state TEXT NOT NULL,
		nrc INTEGER NULL,
		request BLOB,
		response BLOB,
		retry_count INTEGER NOT NULL,
		pending_count INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER NOT NULL,
		window_from INTEGER NOT NULL,
		window_to INTEGER NOT NULL,
		dropped INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS frames (
		exchange_id INTEGER NOT NULL REFERENCES exchanges(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		ts INTEGER NOT NULL,
		can_id INTEGER NOT NULL,
		extended INTEGER NOT NULL,
		fd INTEGER NOT NULL,
		direction TEXT NOT NULL,
		data BLOB,
		PRIMARY KEY (exchange_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_exchanges_session ON exchanges (session, started_at)`,
}

const (
	insertExchange = `INSERT INTO exchanges (session, service_id, sub_function, state, nrc, request, response, retry_count, pending_count, started_at, ended_at, window_from, window_to, dropped) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`
	insertFrame    = `INSERT INTO frames (exchange_id, seq, ts, can_id, extended, fd, direction, data) VALUES (?,?,?,?,?,?,?,?)`
)

// SQLiteWriter 每个快照写一行 exchanges 和若干行 frames，一批在一个事务里提交。
type SQLiteWriter struct {
	*batcher
	db     *sql.DB
	ownsDB bool
}

// OpenSQLite 打开 (或创建) 数据库文件并建表
func OpenSQLite(ctx context.Context, dsn string, opts Options) (*SQLiteWriter, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	for _, pragma := range []string{`PRAGMA foreign_keys = ON;`, `PRAGMA journal_mode = WAL;`} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
		}
	}
	w, err := NewSQLiteWriter(ctx, db, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	w.ownsDB = true
	return w, nil
}

// NewSQLiteWriter uses an existing handle. The caller keeps ownership of db.
func NewSQLiteWriter(ctx context.Context, db *sql.DB, opts Options) (*SQLiteWriter, error) {
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create sqlite schema: %w", err)
		}
	}
	w := &SQLiteWriter{db: db}
	w.batcher = newBatcher("sqlite", opts, w.writeBatch)
	return w, nil
}

func (w *SQLiteWriter) DB() *sql.DB { return w.db }

func (w *SQLiteWriter) writeBatch(ctx context.Context, batch []coordinator.Snapshot) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for _, snap := range batch {
		if err := insertSnapshot(ctx, tx, snap); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertSnapshot(ctx context.Context, tx *sql.Tx, snap coordinator.Snapshot) error {
	ex := snap.Exchange
	var sub, nrc any
	if ex.SubFunction != nil {
		sub = int64(*ex.SubFunction)
	}
	if ex.NRC != nil {
		nrc = int64(*ex.NRC)
	}
	res, err := tx.ExecContext(ctx, insertExchange,
		snap.SessionID,
		int64(ex.ServiceID),
		sub,
		ex.State.String(),
		nrc,
		ex.Request,
		ex.Response,
		int64(ex.RetryCount),
		int64(ex.PendingCount),
		ex.Start.UnixNano(),
		ex.End.UnixNano(),
		snap.Window.From.UnixNano(),
		snap.Window.To.UnixNano(),
		int64(snap.Dropped),
	)
	if err != nil {
		return fmt.Errorf("insert exchange: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("exchange id: %w", err)
	}
	for i, f := range snap.Frames {
		if _, err := tx.ExecContext(ctx, insertFrame,
			id,
			int64(i),
			f.Timestamp.UnixNano(),
			int64(f.ID),
			boolInt(f.Extended),
			boolInt(f.FD),
			f.Direction.String(),
			f.Data,
		); err != nil {
			return fmt.Errorf("insert frame %d: %w", i, err)
		}
	}
	return nil
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// Close 写完剩余快照后关闭。由 OpenSQLite 打开的数据库一并关闭。
func (w *SQLiteWriter) Close() error {
	w.stop()
	if w.ownsDB {
		return w.db.Close()
	}
	return nil
}

// ExchangeIDs 按时间顺序返回会话的交互 id
func (w *SQLiteWriter) ExchangeIDs(ctx context.Context, session string) ([]int64, error) {
	rows, err := w.db.QueryContext(ctx, `SELECT id FROM exchanges WHERE session = ? ORDER BY started_at, id`, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Frames 读回一次交互的快照帧
func (w *SQLiteWriter) Frames(ctx context.Context, exchangeID int64) ([]driver.Frame, error) {
	rows, err := w.db.QueryContext(ctx, `SELECT ts, can_id, extended, fd, direction, data FROM frames WHERE exchange_id = ? ORDER BY seq`, exchangeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []driver.Frame
	for rows.Next() {
		var (
			ts, id, ext, fd int64
			dir             string
			data            []byte
		)
		if err := rows.Scan(&ts, &id, &ext, &fd, &dir, &data); err != nil {
			return nil, err
		}
		f := driver.Frame{
			ID:        uint32(id),
			Data:      data,
			Extended:  ext == 1,
			FD:        fd == 1,
			Timestamp: time.Unix(0, ts),
			Direction: driver.RX,
		}
		if dir == driver.TX.String() {
			f.Direction = driver.TX
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
