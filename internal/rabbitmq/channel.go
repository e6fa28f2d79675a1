package rabbitmq

import (
	"fmt"
	"sync"
	"time"
)

// ChannelManager holds the single channel shared by every publisher and
// consumer of the current connection. A channel is never repaired: on loss
// it is invalidated and the next connect installs a fresh one.
type ChannelManager struct {
	mu      sync.RWMutex
	ch      Channel
	confirm bool
}

// NewChannelManager creates a channel manager. With confirm set, every
// channel it opens is put into publisher-confirm mode.
func NewChannelManager(confirm bool) *ChannelManager {
	return &ChannelManager{confirm: confirm}
}

// ConfirmMode reports whether channels are opened in confirm mode.
func (m *ChannelManager) ConfirmMode() bool {
	return m.confirm
}

// Get returns the active channel or ErrChannelUnavailable.
func (m *ChannelManager) Get() (Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.ch == nil || m.ch.IsClosed() {
		return nil, ErrChannelUnavailable
	}
	return m.ch, nil
}

// Available reports whether a usable channel is installed.
func (m *ChannelManager) Available() bool {
	_, err := m.Get()
	return err == nil
}

// Execute runs fn against the active channel with panic recovery.
func (m *ChannelManager) Execute(fn func(Channel) error) error {
	ch, err := m.Get()
	if err != nil {
		return err
	}

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic in channel execution: %v", r)
			}
		}()
		execErr = fn(ch)
	}()

	return execErr
}

// open creates a channel on conn, applying confirm mode when enabled.
func (m *ChannelManager) open(conn Connection) (Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: fmt.Errorf("%w: %v", ErrChannelCreationFailed, err), Timestamp: time.Now()}
	}
	if m.confirm {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, &ChannelError{Op: "confirm", Err: err, Timestamp: time.Now()}
		}
	}
	return ch, nil
}

func (m *ChannelManager) set(ch Channel) {
	m.mu.Lock()
	m.ch = ch
	m.mu.Unlock()
}

// invalidate drops the active channel and returns it.
func (m *ChannelManager) invalidate() Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := m.ch
	m.ch = nil
	return ch
}
