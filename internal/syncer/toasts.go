package syncer

import (
	"sync"
	"time"
)

const defaultToastLimit = 50

// Toast is a short user-facing outcome message.
type Toast struct {
	Seq     uint64    `json:"seq"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// ToastFeed keeps the most recent toasts for clients to poll.
type ToastFeed struct {
	mu    sync.Mutex
	seq   uint64
	items []Toast
	limit int
	now   func() time.Time
}

func NewToastFeed(limit int) *ToastFeed {
	if limit <= 0 {
		limit = defaultToastLimit
	}
	return &ToastFeed{limit: limit, now: func() time.Time { return time.Now().UTC() }}
}

func (f *ToastFeed) Toast(level, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.items = append(f.items, Toast{Seq: f.seq, Level: level, Message: message, At: f.now()})
	if len(f.items) > f.limit {
		f.items = append([]Toast(nil), f.items[len(f.items)-f.limit:]...)
	}
}

// Since returns toasts with a sequence number greater than seq, oldest first.
func (f *ToastFeed) Since(seq uint64) []Toast {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Toast, 0, len(f.items))
	for _, item := range f.items {
		if item.Seq > seq {
			out = append(out, item)
		}
	}
	return out
}
