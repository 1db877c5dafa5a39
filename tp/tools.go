package tp

import "time"

// newStoppedTimer 创建一个未启动的定时器，之后只通过 resetTimer/stopTimer 操作。
func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	stopTimer(t)
	return t
}

// stopTimer stops t and drains a pending fire so a later Reset starts clean.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}

var canFdSizes = []int{8, 12, 16, 20, 24, 32, 48, 64}

// nearestCanFdSize returns the smallest valid CAN-FD data length that holds size bytes.
func nearestCanFdSize(size int) int {
	for _, s := range canFdSizes {
		if size <= s {
			return s
		}
	}
	return 64
}

func encodeSTmin(d time.Duration) byte {
	switch {
	case d <= 0:
		return 0
	case d < time.Millisecond:
		units := d / (100 * time.Microsecond)
		if units < 1 {
			units = 1
		}
		return 0xF0 + byte(units)
	case d > 127*time.Millisecond:
		return 0x7F
	default:
		return byte(d / time.Millisecond)
	}
}

func decodeSTmin(stMinByte byte) time.Duration {
	if stMinByte <= 0x7F {
		return time.Duration(stMinByte) * time.Millisecond
	}
	if stMinByte >= 0xF1 && stMinByte <= 0xF9 {
		return time.Duration(stMinByte-0xF0) * 100 * time.Microsecond
	}
	// 保留值按最大值 127ms 处理
	return 127 * time.Millisecond
}
