package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LoveWonYoung/autodiag/coordinator"
	"github.com/LoveWonYoung/autodiag/logrecorder"
)

const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = time.Second
	finalFlushTimeout    = 5 * time.Second
)

// Writer 快照存储。Write 不阻塞，队列满时丢弃并计数。
type Writer interface {
	Start(ctx context.Context)
	Write(snap coordinator.Snapshot)
	Close() error
}

// Recorder receives sink events. A nil Recorder is allowed.
type Recorder interface {
	SnapshotsWritten(sink string, n int)
	SnapshotDropped(sink string)
}

type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	Recorder      Recorder
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	return o
}

type flushFunc func(ctx context.Context, batch []coordinator.Snapshot) error

// batcher 是各个存储共用的批量写循环：攒够 BatchSize 或定时器到期时落盘。
type batcher struct {
	name  string
	opts  Options
	flush flushFunc
	log   *slog.Logger
	queue chan coordinator.Snapshot

	mu      sync.Mutex
	cancel  context.CancelFunc
	g       *errgroup.Group
	written atomic.Uint64
	dropped atomic.Uint64
}

func newBatcher(name string, opts Options, flush flushFunc) *batcher {
	opts = opts.withDefaults()
	return &batcher{
		name:  name,
		opts:  opts,
		flush: flush,
		log:   logrecorder.Logger("store").With("sink", name),
		queue: make(chan coordinator.Snapshot, opts.BatchSize*2),
	}
}

func (b *batcher) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return
	}
	ctx, b.cancel = context.WithCancel(ctx)
	b.g, ctx = errgroup.WithContext(ctx)
	b.g.Go(func() error { return b.writeLoop(ctx) })
}

func (b *batcher) Write(snap coordinator.Snapshot) {
	select {
	case b.queue <- snap:
	default:
		b.drop(1)
		b.log.Warn("batch queue full, dropping snapshot")
	}
}

func (b *batcher) drop(n int) {
	b.dropped.Add(uint64(n))
	if b.opts.Recorder != nil {
		for i := 0; i < n; i++ {
			b.opts.Recorder.SnapshotDropped(b.name)
		}
	}
}

func (b *batcher) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.opts.FlushInterval)
	defer ticker.Stop()
	batch := make([]coordinator.Snapshot, 0, b.opts.BatchSize)

	for {
		select {
		case <-ctx.Done():
			// 退出前把队列里剩下的也写掉
			batch = b.drain(batch)
			fctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
			b.commit(fctx, batch)
			cancel()
			return nil

		case snap := <-b.queue:
			batch = append(batch, snap)
			if len(batch) >= b.opts.BatchSize {
				b.commit(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				b.commit(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

func (b *batcher) drain(batch []coordinator.Snapshot) []coordinator.Snapshot {
	for {
		select {
		case snap := <-b.queue:
			batch = append(batch, snap)
		default:
			return batch
		}
	}
}

func (b *batcher) commit(ctx context.Context, batch []coordinator.Snapshot) {
	if len(batch) == 0 {
		return
	}
	if err := b.flush(ctx, batch); err != nil {
		b.log.Warn("flush failed, batch dropped", "snapshots", len(batch), "err", err)
		b.drop(len(batch))
		return
	}
	b.written.Add(uint64(len(batch)))
	if b.opts.Recorder != nil {
		b.opts.Recorder.SnapshotsWritten(b.name, len(batch))
	}
	b.log.Debug("flushed", "snapshots", len(batch))
}

// stop 停止写循环，等待最后一次落盘
func (b *batcher) stop() {
	b.mu.Lock()
	cancel, g := b.cancel, b.g
	b.cancel = nil
	b.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	_ = g.Wait()
}

// Written 已成功写入的快照数
func (b *batcher) Written() uint64 { return b.written.Load() }

// Dropped 因队列满或写入失败丢弃的快照数
func (b *batcher) Dropped() uint64 { return b.dropped.Load() }
