package tools

import "sync"

// ChangeNotifier is an in-process pub-sub for "the tool set changed" signals.
// Sends never block: a subscriber that has not drained its previous signal
// simply keeps the one it has.
type ChangeNotifier struct {
	mu          sync.Mutex
	subscribers []chan struct{}
	closed      bool
}

// Notify signals every subscriber.
func (cn *ChangeNotifier) Notify() {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed {
		return
	}
	for _, ch := range cn.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Subscribe returns a channel receiving a signal after each Notify. The
// channel is closed by Close.
func (cn *ChangeNotifier) Subscribe() <-chan struct{} {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	ch := make(chan struct{}, 1)
	if cn.closed {
		close(ch)
		return ch
	}
	cn.subscribers = append(cn.subscribers, ch)
	return ch
}

// Close closes all subscriber channels.
func (cn *ChangeNotifier) Close() {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.closed {
		return
	}
	cn.closed = true
	for _, ch := range cn.subscribers {
		close(ch)
	}
	cn.subscribers = nil
}
