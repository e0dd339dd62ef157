package network

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrUnsupportedAddress = errors.New("unsupported address")
	ErrAddressInUse       = errors.New("address already bound")
	ErrAddressNotBound    = errors.New("nothing bound at address")
	ErrTransportClosed    = errors.New("transport closed")
)

// Message is the transport envelope used by the runtime.
type Message struct {
	Topic   string
	Payload []byte
}

// Filter is a set of topic prefixes. An empty filter matches every topic.
type Filter []string

// Match reports whether topic starts with any prefix in f.
func (f Filter) Match(topic string) bool {
	if len(f) == 0 {
		return true
	}
	for _, prefix := range f {
		if strings.HasPrefix(topic, prefix) {
			return true
		}
	}
	return false
}

// PubSub is a minimal interface for broadcast-style communication.
type PubSub interface {
	Publish(topic string, payload []byte) error
	Subscribe(filter Filter) (<-chan Message, func(), error)
}

// Transport is a PubSub bound to one address. Receivers see only messages
// published after they subscribed.
type Transport interface {
	PubSub
	LocalAddrs() []string
	Close() error
}

// PeerLister is implemented by transports that talk to named remote peers.
type PeerLister interface {
	PeerID() string
	ConnectedPeers() []string
	TopicPeers() []string
}

// Options configures transports opened by Listen and Dial.
type Options struct {
	Logger zerolog.Logger

	// NATSSubject is the subject every message is published on.
	NATSSubject string
	// NATSName is reported to the NATS server as the client name.
	NATSName       string
	ConnectTimeout time.Duration

	// Libp2pTopic is the gossipsub topic shared by every endpoint of an address.
	Libp2pTopic     string
	IdentityKeyFile string
	// MDNSRendezvous enables mDNS peer discovery under this service name.
	MDNSRendezvous string
}

const (
	DefaultNATSSubject    = "ipc.broadcast"
	DefaultLibp2pTopic    = "ipc"
	DefaultConnectTimeout = 2 * time.Second

	receiveBuffer = 64
)

func (o Options) withDefaults() Options {
	if o.NATSSubject == "" {
		o.NATSSubject = DefaultNATSSubject
	}
	if o.Libp2pTopic == "" {
		o.Libp2pTopic = DefaultLibp2pTopic
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	return o
}

type scheme int

const (
	schemeUnknown scheme = iota
	schemeInproc
	schemeNATS
	schemeLibp2p
)

func schemeOf(address string) scheme {
	switch {
	case strings.HasPrefix(address, inprocPrefix):
		return schemeInproc
	case strings.HasPrefix(address, "nats://"):
		return schemeNATS
	case strings.HasPrefix(address, "/ip4/"),
		strings.HasPrefix(address, "/ip6/"),
		strings.HasPrefix(address, "/dns"):
		return schemeLibp2p
	default:
		return schemeUnknown
	}
}

// Listen opens a transport that accepts peers on address.
func Listen(ctx context.Context, address string, opts Options) (Transport, error) {
	opts = opts.withDefaults()
	switch schemeOf(address) {
	case schemeInproc:
		return opened(listenMemory(address))
	case schemeNATS:
		return opened(listenNATS(address, opts))
	case schemeLibp2p:
		return opened(NewLibp2pPubSub(ctx, Libp2pOptions{
			ListenAddrs:     []string{address},
			Topic:           opts.Libp2pTopic,
			IdentityKeyFile: opts.IdentityKeyFile,
			EnableMDNS:      opts.MDNSRendezvous != "",
			Rendezvous:      opts.MDNSRendezvous,
			Logger:          opts.Logger,
		}))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAddress, address)
	}
}

// Dial opens a transport connected to the peer listening on address.
func Dial(ctx context.Context, address string, opts Options) (Transport, error) {
	opts = opts.withDefaults()
	switch schemeOf(address) {
	case schemeInproc:
		return opened(dialMemory(address))
	case schemeNATS:
		return opened(dialNATS(address, opts))
	case schemeLibp2p:
		dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
		return opened(NewLibp2pPubSub(ctx, Libp2pOptions{
			Bootstrap:       []string{address},
			RequireConnect:  true,
			ConnectContext:  dialCtx,
			Topic:           opts.Libp2pTopic,
			IdentityKeyFile: opts.IdentityKeyFile,
			EnableMDNS:      opts.MDNSRendezvous != "",
			Rendezvous:      opts.MDNSRendezvous,
			Logger:          opts.Logger,
		}))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAddress, address)
	}
}

// opened keeps a failed constructor's typed nil out of the Transport interface.
func opened[T Transport](t T, err error) (Transport, error) {
	if err != nil {
		return nil, err
	}
	return t, nil
}
