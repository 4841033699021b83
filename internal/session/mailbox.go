package session

import "sync"

// mailbox is an unbounded FIFO of closures drained by a single goroutine, so
// posting from a library callback never blocks and per-tenant work stays ordered.
type mailbox struct {
	mu     sync.Mutex
	queue  []func()
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newMailbox() *mailbox {
	return &mailbox{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// post enqueues fn. It reports false once the mailbox is stopped.
func (m *mailbox) post(fn func()) bool {
	m.mu.Lock()
	select {
	case <-m.done:
		m.mu.Unlock()
		return false
	default:
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) run() {
	for {
		select {
		case <-m.done:
			return
		case <-m.signal:
		}
		for {
			m.mu.Lock()
			if len(m.queue) == 0 {
				m.mu.Unlock()
				break
			}
			fn := m.queue[0]
			m.queue[0] = nil
			m.queue = m.queue[1:]
			m.mu.Unlock()
			fn()
		}
	}
}

func (m *mailbox) stop() {
	m.once.Do(func() {
		m.mu.Lock()
		close(m.done)
		m.queue = nil
		m.mu.Unlock()
	})
}
