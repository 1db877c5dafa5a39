package store

import (
	"context"
	"fmt"
	"time"

	"github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"

	"github.com/LoveWonYoung/autodiag/coordinator"
)

type InfluxConfig struct {
	Host     string
	Token    string
	Database string
}

const (
	measurementExchange = "uds_exchange"
	measurementFrame    = "can_frame"
)

// influxRow 是一个待写入的点
type influxRow struct {
	measurement string
	tags        map[string]string
	fields      map[string]any
	ts          time.Time
}

// InfluxWriter 每次交互一个 uds_exchange 点，每帧一个 can_frame 点。
type InfluxWriter struct {
	*batcher
	client *influxdb3.Client
}

func OpenInflux(cfg InfluxConfig, opts Options) (*InfluxWriter, error) {
	client, err := influxdb3.New(influxdb3.ClientConfig{
		Host:     cfg.Host,
		Token:    cfg.Token,
		Database: cfg.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create InfluxDB client: %w", err)
	}
	w := &InfluxWriter{client: client}
	w.batcher = newBatcher("influx", opts, w.writeBatch)
	return w, nil
}

func influxRows(batch []coordinator.Snapshot) []influxRow {
	var rows []influxRow
	for _, snap := range batch {
		ex := snap.Exchange
		sid := fmt.Sprintf("0x%02X", ex.ServiceID)
		fields := map[string]any{
			"latency_ms": float64(ex.Duration().Microseconds()) / 1000,
			"frames":     int64(len(snap.Frames)),
			"pending":    int64(ex.PendingCount),
			"retries":    int64(ex.RetryCount),
			"dropped":    int64(snap.Dropped),
		}
		if ex.NRC != nil {
			fields["nrc"] = int64(*ex.NRC)
		}
		rows = append(rows, influxRow{
			measurement: measurementExchange,
			tags:        map[string]string{"session": snap.SessionID, "sid": sid, "state": ex.State.String()},
			fields:      fields,
			ts:          ex.Start,
		})
		for _, f := range snap.Frames {
			rows = append(rows, influxRow{
				measurement: measurementFrame,
				tags: map[string]string{
					"session":   snap.SessionID,
					"can_id":    fmt.Sprintf("0x%X", f.ID),
					"direction": f.Direction.String(),
				},
				fields: map[string]any{
					"data": fmt.Sprintf("%X", f.Data),
					"dlc":  int64(len(f.Data)),
					"sid":  sid,
				},
				ts: f.Timestamp,
			})
		}
	}
	return rows
}

func (w *InfluxWriter) writeBatch(ctx context.Context, batch []coordinator.Snapshot) error {
	rows := influxRows(batch)
	points := make([]*influxdb3.Point, 0, len(rows))
	for _, r := range rows {
		points = append(points, influxdb3.NewPoint(r.measurement, r.tags, r.fields, r.ts))
	}
	if err := w.client.WritePoints(ctx, points); err != nil {
		return fmt.Errorf("failed to write points: %w", err)
	}
	return nil
}

func (w *InfluxWriter) Close() error {
	w.stop()
	return w.client.Close()
}
