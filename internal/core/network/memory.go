package network

import (
	"strings"
	"sync"
)

const inprocPrefix = "inproc://"

// MemoryPubSub is a process-local fan-out hub. It backs inproc:// endpoints
// and can be used standalone as an in-process broadcaster.
type MemoryPubSub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*memorySub
	closed bool
}

type memorySub struct {
	filter Filter
	ch     chan Message
}

func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[int]*memorySub)}
}

func (m *MemoryPubSub) Publish(topic string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrTransportClosed
	}
	for _, sub := range m.subs {
		if !sub.filter.Match(topic) {
			continue
		}
		msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
		select {
		case sub.ch <- msg:
		default:
			// Non-blocking send to avoid one slow subscriber stalling all publishers.
		}
	}
	return nil
}

func (m *MemoryPubSub) Subscribe(filter Filter) (<-chan Message, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, ErrTransportClosed
	}
	id := m.nextID
	m.nextID++
	ch := make(chan Message, receiveBuffer)
	m.subs[id] = &memorySub{filter: append(Filter(nil), filter...), ch: ch}

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub.ch)
		}
	}
	return ch, cancel, nil
}

// Close closes every subscriber channel. Further publishes fail.
func (m *MemoryPubSub) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, sub := range m.subs {
		delete(m.subs, id)
		close(sub.ch)
	}
	return nil
}

var inproc = struct {
	mu   sync.Mutex
	hubs map[string]*MemoryPubSub
}{hubs: make(map[string]*MemoryPubSub)}

// memoryConn is one endpoint's handle on a shared hub.
type memoryConn struct {
	address string
	hub     *MemoryPubSub
	owner   bool

	mu      sync.Mutex
	cancels []func()
	closed  bool
}

func inprocName(address string) string {
	return strings.TrimPrefix(address, inprocPrefix)
}

func listenMemory(address string) (*memoryConn, error) {
	name := inprocName(address)
	inproc.mu.Lock()
	defer inproc.mu.Unlock()
	if _, ok := inproc.hubs[name]; ok {
		return nil, ErrAddressInUse
	}
	hub := NewMemoryPubSub()
	inproc.hubs[name] = hub
	return &memoryConn{address: address, hub: hub, owner: true}, nil
}

func dialMemory(address string) (*memoryConn, error) {
	inproc.mu.Lock()
	defer inproc.mu.Unlock()
	hub, ok := inproc.hubs[inprocName(address)]
	if !ok {
		return nil, ErrAddressNotBound
	}
	return &memoryConn{address: address, hub: hub}, nil
}

func (c *memoryConn) Publish(topic string, payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrTransportClosed
	}
	return c.hub.Publish(topic, payload)
}

func (c *memoryConn) Subscribe(filter Filter) (<-chan Message, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, ErrTransportClosed
	}
	ch, cancel, err := c.hub.Subscribe(filter)
	if err != nil {
		return nil, nil, err
	}
	c.cancels = append(c.cancels, cancel)
	return ch, cancel, nil
}

func (c *memoryConn) LocalAddrs() []string {
	return []string{c.address}
}

func (c *memoryConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if !c.owner {
		return nil
	}
	inproc.mu.Lock()
	if inproc.hubs[inprocName(c.address)] == c.hub {
		delete(inproc.hubs, inprocName(c.address))
	}
	inproc.mu.Unlock()
	return c.hub.Close()
}
