package session

import "sync"

// stateBufferSize is the channel buffer for each state subscriber.
const stateBufferSize = 64

// stateBus fans out state transitions to subscribers. A subscriber that falls
// more than stateBufferSize transitions behind loses the overflow.
type stateBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan AuthState
	next uint64
}

func newStateBus() *stateBus {
	return &stateBus{
		subs: make(map[uint64]chan AuthState),
	}
}

func (b *stateBus) publish(st AuthState) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- st:
		default:
		}
	}
}

func (b *stateBus) subscribe() (<-chan AuthState, func()) {
	ch := make(chan AuthState, stateBufferSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (b *stateBus) len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
