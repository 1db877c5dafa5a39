package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	chdriver "github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/LoveWonYoung/autodiag/coordinator"
)

type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	// Table 帧表名，交互表为 Table + "_exchanges"
	Table string
}

// ClickHouseWriter 帧写入 MergeTree 表 (按天分区)，交互另存一张表。
type ClickHouseWriter struct {
	*batcher
	conn   chdriver.Conn
	frames string
	exchgs string
}

func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig, opts Options) (*ClickHouseWriter, error) {
	if cfg.Port == 0 {
		cfg.Port = 9000
	}
	if cfg.Table == "" {
		cfg.Table = "diag_frames"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	w := &ClickHouseWriter{conn: conn, frames: cfg.Table, exchgs: cfg.Table + "_exchanges"}
	for _, ddl := range []string{clickHouseFramesDDL(w.frames), clickHouseExchangesDDL(w.exchgs)} {
		if err := conn.Exec(ctx, ddl); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
	}
	w.batcher = newBatcher("clickhouse", opts, w.writeBatch)
	return w, nil
}

func clickHouseFramesDDL(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			timestamp DateTime64(6),
			session String,
			exchange_start DateTime64(6),
			service_id UInt8,
			seq UInt32,
			can_id UInt32,
			extended UInt8,
			direction LowCardinality(String),
			data Array(UInt8)
		) ENGINE = MergeTree()
		ORDER BY (session, timestamp, can_id)
		PARTITION BY toYYYYMMDD(timestamp)
		TTL toDateTime(timestamp) + INTERVAL 1 MONTH
		SETTINGS index_granularity = 8192
	`, table)
}

func clickHouseExchangesDDL(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			start DateTime64(6),
			session String,
			service_id UInt8,
			state LowCardinality(String),
			nrc UInt8,
			latency_us UInt64,
			retry_count UInt16,
			pending_count UInt16,
			frames UInt32,
			dropped UInt64,
			request Array(UInt8),
			response Array(UInt8)
		) ENGINE = MergeTree()
		ORDER BY (session, start)
		PARTITION BY toYYYYMMDD(start)
	`, table)
}

// frameRows 每个快照帧一行，列顺序与帧表一致
func frameRows(batch []coordinator.Snapshot) [][]any {
	var rows [][]any
	for _, snap := range batch {
		for i, f := range snap.Frames {
			rows = append(rows, []any{
				f.Timestamp,
				snap.SessionID,
				snap.Exchange.Start,
				snap.Exchange.ServiceID,
				uint32(i),
				f.ID,
				uint8(boolInt(f.Extended)),
				f.Direction.String(),
				append([]byte(nil), f.Data...),
			})
		}
	}
	return rows
}

func exchangeRows(batch []coordinator.Snapshot) [][]any {
	rows := make([][]any, 0, len(batch))
	for _, snap := range batch {
		ex := snap.Exchange
		var nrc uint8
		if ex.NRC != nil {
			nrc = *ex.NRC
		}
		rows = append(rows, []any{
			ex.Start,
			snap.SessionID,
			ex.ServiceID,
			ex.State.String(),
			nrc,
			uint64(ex.Duration().Microseconds()),
			uint16(ex.RetryCount),
			uint16(ex.PendingCount),
			uint32(len(snap.Frames)),
			snap.Dropped,
			nonNil(ex.Request),
			nonNil(ex.Response),
		})
	}
	return rows
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func (w *ClickHouseWriter) writeBatch(ctx context.Context, batch []coordinator.Snapshot) error {
	if err := w.send(ctx, w.exchgs, exchangeRows(batch)); err != nil {
		return err
	}
	return w.send(ctx, w.frames, frameRows(batch))
}

func (w *ClickHouseWriter) send(ctx context.Context, table string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := w.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", table))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

func (w *ClickHouseWriter) Close() error {
	w.stop()
	return w.conn.Close()
}
