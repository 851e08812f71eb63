package manager

import (
	"github.com/teranos/notiflow/notification"
)

// Toast is a transient, user-visible message.
type Toast struct {
	Severity     notification.Severity
	Title        string
	Message      string
	Notification *notification.Notification // nil for connection alerts
}

// Toasts delivers pushed notifications and feed alerts. The channel is
// closed by Close. Toasts are dropped when nobody keeps up.
func (m *Manager) Toasts() <-chan Toast {
	return m.toasts
}

// Subscribe returns a channel that receives a fresh Snapshot after every
// change. Only the latest snapshot is kept for a slow reader. Call cancel to
// stop receiving; the channel is then closed.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	ch := make(chan Snapshot, 1)
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- m.Snapshot()

	return ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

// Close ends all subscriptions and the toast channel.
func (m *Manager) Close() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	close(m.toasts)
}

func (m *Manager) publish() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if len(m.subs) == 0 {
		return
	}
	snap := m.Snapshot()
	for _, ch := range m.subs {
		// Replace a stale unread snapshot
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func (m *Manager) emitToast(t Toast) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.toasts <- t:
	default:
		m.logger.Debugw("Toast dropped", "title", t.Title)
	}
}
