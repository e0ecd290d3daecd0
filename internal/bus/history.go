package bus

import "zerg-trader/internal/agent"

// ring 为固定容量的消息环形缓冲，写满后覆盖最旧条目。
type ring struct {
	items []agent.Message
	next  int
	full  bool
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{items: make([]agent.Message, capacity)}
}

func (r *ring) append(msg agent.Message) {
	r.items[r.next] = msg
	r.next++
	if r.next == len(r.items) {
		r.next = 0
		r.full = true
	}
}

// snapshot 按从旧到新的顺序返回当前内容的拷贝。
func (r *ring) snapshot() []agent.Message {
	if !r.full {
		out := make([]agent.Message, r.next)
		copy(out, r.items[:r.next])
		return out
	}
	out := make([]agent.Message, 0, len(r.items))
	out = append(out, r.items[r.next:]...)
	out = append(out, r.items[:r.next]...)
	return out
}

func (r *ring) len() int {
	if r.full {
		return len(r.items)
	}
	return r.next
}
