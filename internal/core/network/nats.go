package network

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// TopicHeader carries the message topic; every message shares one subject.
const TopicHeader = "Ipc-Topic"

// NATSPubSub carries messages over a single NATS subject. When it was opened
// with Listen it also owns the embedded server the address points at.
type NATSPubSub struct {
	conn    *nats.Conn
	server  *server.Server
	subject string
	log     zerolog.Logger

	mu     sync.Mutex
	subs   map[int]*natsSub
	nextID int
	closed bool
}

type natsSub struct {
	sub *nats.Subscription

	mu     sync.Mutex
	ch     chan Message
	closed bool
}

func listenNATS(address string, opts Options) (*NATSPubSub, error) {
	host, port, err := natsHostPort(address)
	if err != nil {
		return nil, err
	}
	if port == 0 {
		port = server.RANDOM_PORT
	}
	srv, err := server.NewServer(&server.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(opts.ConnectTimeout) {
		srv.Shutdown()
		return nil, fmt.Errorf("%w: nats server on %s:%d not ready", ErrAddressInUse, host, port)
	}

	p, err := dialNATS(srv.ClientURL(), opts)
	if err != nil {
		srv.Shutdown()
		return nil, err
	}
	p.server = srv
	return p, nil
}

func dialNATS(address string, opts Options) (*NATSPubSub, error) {
	p := &NATSPubSub{
		subject: opts.NATSSubject,
		log:     opts.Logger.With().Str("component", "nats_transport").Logger(),
		subs:    make(map[int]*natsSub),
	}
	conn, err := nats.Connect(address,
		nats.Name(opts.NATSName),
		nats.Timeout(opts.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				p.log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			p.log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
		// Once reconnects are exhausted receivers must see their stream end.
		nats.ClosedHandler(func(*nats.Conn) {
			p.mu.Lock()
			defer p.mu.Unlock()
			for id := range p.subs {
				p.releaseLocked(id)
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", address, err)
	}
	p.conn = conn
	return p, nil
}

func natsHostPort(address string) (string, int, error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q: %v", ErrUnsupportedAddress, address, err)
	}
	host, rawPort, err := net.SplitHostPort(u.Host)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q: %v", ErrUnsupportedAddress, address, err)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %q: bad port", ErrUnsupportedAddress, address)
	}
	return host, port, nil
}

func (p *NATSPubSub) Publish(topic string, payload []byte) error {
	msg := nats.NewMsg(p.subject)
	msg.Header.Set(TopicHeader, topic)
	msg.Data = payload
	return p.conn.PublishMsg(msg)
}

func (p *NATSPubSub) Subscribe(filter Filter) (<-chan Message, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nil, ErrTransportClosed
	}

	filter = append(Filter(nil), filter...)
	s := &natsSub{ch: make(chan Message, receiveBuffer)}
	sub, err := p.conn.Subscribe(p.subject, func(m *nats.Msg) {
		topic := m.Header.Get(TopicHeader)
		if !filter.Match(topic) {
			return
		}
		s.deliver(Message{Topic: topic, Payload: append([]byte(nil), m.Data...)})
	})
	if err != nil {
		return nil, nil, err
	}
	// The subscription must be known to the server before we report it as
	// registered, otherwise messages published right after would miss it.
	if err := p.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, nil, fmt.Errorf("flush subscription: %w", err)
	}
	s.sub = sub

	id := p.nextID
	p.nextID++
	p.subs[id] = s

	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.releaseLocked(id)
	}
	return s.ch, cancel, nil
}

func (s *natsSub) deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	default:
	}
}

func (p *NATSPubSub) releaseLocked(id int) error {
	s, ok := p.subs[id]
	if !ok {
		return nil
	}
	delete(p.subs, id)
	err := s.sub.Unsubscribe()
	if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
		err = nil
	}
	// Unsubscribe does not wait for an in-flight callback, hence the lock.
	s.mu.Lock()
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
	return err
}

func (p *NATSPubSub) LocalAddrs() []string {
	if p.server != nil {
		return []string{p.server.ClientURL()}
	}
	return []string{p.conn.ConnectedUrl()}
}

func (p *NATSPubSub) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var err error
	for id := range p.subs {
		err = multierr.Append(err, p.releaseLocked(id))
	}
	p.mu.Unlock()

	p.conn.Close()
	if p.server != nil {
		p.server.Shutdown()
		p.server.WaitForShutdown()
	}
	return err
}
