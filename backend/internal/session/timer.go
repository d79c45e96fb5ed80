package session

import (
	"sync"
	"time"
)

// Timer 只在进入 ACTIVE 后开始计时，进入 ENDED 时停止
type Timer struct {
	mu        sync.Mutex
	now       func() time.Time
	startedAt time.Time
	elapsed   time.Duration
	running   bool
	stopped   bool
}

func NewTimer(now func() time.Time) *Timer {
	if now == nil {
		now = time.Now
	}
	return &Timer{now: now}
}

// Start 只有第一次调用生效
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running || t.stopped || !t.startedAt.IsZero() {
		return
	}
	t.startedAt = t.now()
	t.running = true
}

// Stop 冻结计时并返回最终时长
func (t *Timer) Stop() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		t.elapsed = t.now().Sub(t.startedAt)
		t.running = false
	}
	t.stopped = true
	return t.elapsed
}

// Override 用对端给出的权威时长替换本地值，并停止计时
func (t *Timer) Override(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.elapsed = d
	t.running = false
	t.stopped = true
}

func (t *Timer) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return t.now().Sub(t.startedAt)
	}
	return t.elapsed
}
