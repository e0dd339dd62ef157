// Package ipc implements publish/subscribe endpoints that let processes
// exchange requests over a best-effort fan-out transport.
package ipc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"Assembler-IPC/internal/core/network"
)

// Endpoint is a configured connection to a messaging address. Its role and
// pattern are fixed at construction; the transport is opened eagerly and
// released exactly once by Close.
type Endpoint struct {
	id      string
	address string
	role    Role
	pattern Pattern
	log     zerolog.Logger
	metrics *Metrics

	transport network.Transport
	closeOnce sync.Once
	closed    atomic.Bool

	mu           sync.Mutex
	stream       <-chan network.Message
	cancelStream func()
}

// NewEndpoint opens a transport on address. It fails with a *ConnectionError
// when the transport cannot be opened; it does not retry.
func NewEndpoint(ctx context.Context, address string, role Role, pattern Pattern, opts ...Option) (*Endpoint, error) {
	return newEndpoint(ctx, address, role, pattern, newOptions(opts))
}

func newEndpoint(ctx context.Context, address string, role Role, pattern Pattern, o *options) (*Endpoint, error) {
	if pattern != PatternPub && pattern != PatternSub {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPattern, pattern)
	}

	var (
		t   network.Transport
		err error
	)
	switch role {
	case RoleConnect:
		t, err = network.Dial(ctx, address, o.network)
	case RoleBind:
		t, err = network.Listen(ctx, address, o.network)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedRole, role)
	}
	if err != nil {
		return nil, &ConnectionError{Address: address, Role: role, Err: err}
	}

	id := uuid.NewString()
	e := &Endpoint{
		id:        id,
		address:   address,
		role:      role,
		pattern:   pattern,
		metrics:   o.metrics,
		transport: t,
		log: o.logger.With().
			Str("endpoint", id).
			Str("address", address).
			Stringer("role", role).
			Stringer("pattern", pattern).
			Logger(),
	}
	e.metrics.endpointOpened(e)
	e.log.Debug().Strs("local_addrs", t.LocalAddrs()).Msg("endpoint opened")
	return e, nil
}

func (e *Endpoint) ID() string { return e.id }

func (e *Endpoint) Address() string { return e.address }

func (e *Endpoint) Role() Role { return e.role }

func (e *Endpoint) Pattern() Pattern { return e.pattern }

// Closed reports whether Close has been called.
func (e *Endpoint) Closed() bool { return e.closed.Load() }

// LocalAddrs returns the addresses peers can use to reach this endpoint.
func (e *Endpoint) LocalAddrs() []string {
	return e.transport.LocalAddrs()
}

// PeerInfo lists the remote peers of an endpoint on a peer-to-peer transport.
type PeerInfo struct {
	ID        string   `json:"id"`
	Connected []string `json:"connected"`
	Topic     []string `json:"topic"`
}

// Peers reports the endpoint's peer identity and the peers it is connected
// to. ok is false for transports without peer identities.
func (e *Endpoint) Peers() (info PeerInfo, ok bool) {
	pl, ok := e.transport.(network.PeerLister)
	if !ok {
		return PeerInfo{}, false
	}
	return PeerInfo{ID: pl.PeerID(), Connected: pl.ConnectedPeers(), Topic: pl.TopicPeers()}, true
}

// Close releases the transport. Only the first call does any work; later
// calls return nil.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)

		e.mu.Lock()
		cancel := e.cancelStream
		e.cancelStream = nil
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		err = e.transport.Close()
		e.metrics.endpointClosed(e)
		e.log.Debug().Err(err).Msg("endpoint closed")
	})
	return err
}

// subscribe registers interest in filter. It may be called once.
func (e *Endpoint) subscribe(filter network.Filter) error {
	if e.pattern != PatternSub {
		return fmt.Errorf("%w: subscribe on %s", ErrPatternMismatch, e.pattern)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return ErrEndpointClosed
	}
	if e.stream != nil {
		return ErrAlreadySubscribed
	}
	stream, cancel, err := e.transport.Subscribe(filter)
	if err != nil {
		return err
	}
	e.stream = stream
	e.cancelStream = cancel
	return nil
}

// recv waits up to timeout for the next message. It returns errRecvTimeout
// when nothing arrived, ErrEndpointClosed once the stream has ended and
// ctx.Err() when ctx is done.
func (e *Endpoint) recv(ctx context.Context, timeout time.Duration) (network.Message, error) {
	e.mu.Lock()
	stream := e.stream
	e.mu.Unlock()
	if stream == nil {
		return network.Message{}, ErrNotSubscribed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg, ok := <-stream:
		if !ok {
			return network.Message{}, ErrEndpointClosed
		}
		return msg, nil
	case <-timer.C:
		return network.Message{}, errRecvTimeout
	case <-ctx.Done():
		return network.Message{}, ctx.Err()
	}
}

func (e *Endpoint) send(topic string, payload []byte) error {
	if e.pattern != PatternPub {
		return fmt.Errorf("%w: send on %s", ErrPatternMismatch, e.pattern)
	}
	if e.closed.Load() {
		return ErrEndpointClosed
	}
	return e.transport.Publish(topic, payload)
}
