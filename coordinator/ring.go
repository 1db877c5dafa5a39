package coordinator

import (
	"sync/atomic"
	"time"

	"github.com/LoveWonYoung/autodiag/driver"
)

// DefaultRingSize 默认保留的总线帧数
const DefaultRingSize = 4096

type entry struct {
	seq   uint64
	frame driver.Frame
}

// Ring 是单写多读的定长帧缓冲。写入只做一次指针发布和一次序号递增，
// 读取方按序号校验槽位，复制期间被覆盖的槽位直接丢弃。
type Ring struct {
	slots  []atomic.Pointer[entry]
	head   atomic.Uint64 // 下一个写入序号
	latest atomic.Int64  // 最新一帧的时间戳 (UnixNano)
}

func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{slots: make([]atomic.Pointer[entry], size)}
}

func (r *Ring) Cap() int { return len(r.slots) }

// Append stores f and reports whether an older frame was evicted. Only one goroutine may call it.
func (r *Ring) Append(f driver.Frame) bool {
	h := r.head.Load()
	r.slots[h%uint64(len(r.slots))].Store(&entry{seq: h, frame: f})
	r.head.Store(h + 1)
	r.latest.Store(f.Timestamp.UnixNano())
	return h >= uint64(len(r.slots))
}

// Written 累计写入的帧数
func (r *Ring) Written() uint64 { return r.head.Load() }

// Len 当前保留的帧数
func (r *Ring) Len() int {
	h := r.head.Load()
	if h > uint64(len(r.slots)) {
		return len(r.slots)
	}
	return int(h)
}

// Overwrites 被新帧挤掉的帧数
func (r *Ring) Overwrites() uint64 {
	h := r.head.Load()
	if h <= uint64(len(r.slots)) {
		return 0
	}
	return h - uint64(len(r.slots))
}

// Latest returns the timestamp of the newest frame, or the zero time.
func (r *Ring) Latest() time.Time {
	ns := r.latest.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Slice 按写入顺序返回 from <= ts <= to 的帧副本，lost 是复制过程中被覆盖的槽位数。
func (r *Ring) Slice(from, to time.Time) (frames []driver.Frame, lost int) {
	h := r.head.Load()
	size := uint64(len(r.slots))
	start := uint64(0)
	if h > size {
		start = h - size
	}
	for seq := start; seq < h; seq++ {
		e := r.slots[seq%size].Load()
		if e == nil || e.seq != seq {
			lost++
			continue
		}
		ts := e.frame.Timestamp
		if ts.Before(from) || ts.After(to) {
			continue
		}
		frames = append(frames, e.frame.Clone())
	}
	return frames, lost
}
