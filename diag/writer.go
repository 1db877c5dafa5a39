package diag

import (
	"context"
	"strings"

	"github.com/LoveWonYoung/autodiag/config"
	"github.com/LoveWonYoung/autodiag/store"
)

// OpenWriter 按 store.kind 打开快照存储，none 返回 nil, nil。
func OpenWriter(ctx context.Context, cfg *config.Config, rec store.Recorder) (store.Writer, error) {
	opts := store.Options{
		BatchSize:     cfg.Store.BatchSize,
		FlushInterval: cfg.FlushInterval(),
		Recorder:      rec,
	}
	switch strings.ToLower(cfg.Store.Kind) {
	case config.StoreSQLite:
		w, err := store.OpenSQLite(ctx, cfg.Store.DSN, opts)
		if err != nil {
			return nil, err
		}
		return w, nil
	case config.StoreClickHouse:
		w, err := store.OpenClickHouse(ctx, store.ClickHouseConfig{
			Host:     cfg.Store.Host,
			Port:     cfg.Store.Port,
			Database: cfg.Store.Database,
			Username: cfg.Store.Username,
			Password: cfg.Store.Password,
			Table:    cfg.Store.Table,
		}, opts)
		if err != nil {
			return nil, err
		}
		return w, nil
	case config.StoreInflux:
		w, err := store.OpenInflux(store.InfluxConfig{
			Host:     cfg.Store.Host,
			Token:    cfg.Store.Token,
			Database: cfg.Store.Database,
		}, opts)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	return nil, nil
}
