package network

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"
)

// Libp2pOptions configures the libp2p transport.
type Libp2pOptions struct {
	ListenAddrs     []string
	Bootstrap       []string
	Rendezvous      string
	EnableMDNS      bool
	IdentityKeyFile string
	Topic           string

	// RequireConnect fails construction when a bootstrap peer cannot be
	// reached instead of logging and carrying on.
	RequireConnect bool
	ConnectContext context.Context

	Logger zerolog.Logger
}

// Libp2pPubSub provides gossip-based pubsub over libp2p. All messages travel
// on one gossipsub topic; the message topic is carried inside the frame.
type Libp2pPubSub struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger

	host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic

	mu     sync.Mutex
	subs   map[int]*pubsub.Subscription
	nextID int
	closed bool
}

var _ PeerLister = (*Libp2pPubSub)(nil)

func NewLibp2pPubSub(parent context.Context, opts Libp2pOptions) (*Libp2pPubSub, error) {
	ctx, cancel := context.WithCancel(parent)
	lg := opts.Logger.With().Str("component", "libp2p_transport").Logger()

	listenAddrs := make([]ma.Multiaddr, 0, len(opts.ListenAddrs))
	for _, s := range opts.ListenAddrs {
		if s == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen multiaddr %q: %w", s, err)
		}
		listenAddrs = append(listenAddrs, a)
	}
	if len(listenAddrs) == 0 {
		a, _ := ma.NewMultiaddr("/ip4/0.0.0.0/tcp/0")
		listenAddrs = append(listenAddrs, a)
	}

	libp2pOpts := []libp2p.Option{libp2p.ListenAddrs(listenAddrs...)}
	if opts.IdentityKeyFile != "" {
		key, err := loadOrCreateIdentityKey(opts.IdentityKeyFile)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("load identity key: %w", err)
		}
		libp2pOpts = append(libp2pOpts, libp2p.Identity(key))
	}

	h, err := libp2p.New(libp2pOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	topicName := opts.Topic
	if topicName == "" {
		topicName = DefaultLibp2pTopic
	}
	topic, err := ps.Join(topicName)
	if err != nil {
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("join topic %q: %w", topicName, err)
	}

	p := &Libp2pPubSub{
		ctx:    ctx,
		cancel: cancel,
		log:    lg,
		host:   h,
		ps:     ps,
		topic:  topic,
		subs:   make(map[int]*pubsub.Subscription),
	}

	if opts.EnableMDNS {
		service := mdns.NewMdnsService(h, opts.Rendezvous, &mdnsNotifee{host: h, log: lg})
		if err := service.Start(); err != nil {
			lg.Warn().Err(err).Msg("mdns start failed")
		}
	}

	connectCtx := opts.ConnectContext
	if connectCtx == nil {
		connectCtx = ctx
	}
	for _, raw := range opts.Bootstrap {
		if raw == "" {
			continue
		}
		if err := p.connect(connectCtx, raw); err != nil {
			if opts.RequireConnect {
				_ = p.Close()
				return nil, err
			}
			lg.Warn().Err(err).Str("addr", raw).Msg("skip bootstrap addr")
			continue
		}
		lg.Debug().Str("addr", raw).Msg("connected bootstrap peer")
	}

	return p, nil
}

func (p *Libp2pPubSub) connect(ctx context.Context, raw string) error {
	addr, err := ma.NewMultiaddr(raw)
	if err != nil {
		return fmt.Errorf("invalid peer multiaddr %q: %w", raw, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return fmt.Errorf("peer multiaddr %q: %w", raw, err)
	}
	if err := p.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("connect %s: %w", info.ID, err)
	}
	return nil
}

func (p *Libp2pPubSub) Publish(topic string, payload []byte) error {
	return p.topic.Publish(p.ctx, encodeFrame(topic, payload))
}

func (p *Libp2pPubSub) Subscribe(filter Filter) (<-chan Message, func(), error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil, ErrTransportClosed
	}
	sub, err := p.topic.Subscribe()
	if err != nil {
		p.mu.Unlock()
		return nil, nil, err
	}
	id := p.nextID
	p.nextID++
	p.subs[id] = sub
	p.mu.Unlock()

	filter = append(Filter(nil), filter...)
	out := make(chan Message, receiveBuffer)
	subCtx, subCancel := context.WithCancel(p.ctx)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(subCtx)
			if err != nil {
				return
			}
			m, err := decodeFrame(msg.Data)
			if err != nil {
				p.log.Warn().Err(err).Str("from", msg.ReceivedFrom.String()).Msg("dropping frame")
				continue
			}
			if !filter.Match(m.Topic) {
				continue
			}
			select {
			case out <- m:
			default:
			}
		}
	}()

	cancel := func() {
		subCancel()
		p.mu.Lock()
		defer p.mu.Unlock()
		if s, ok := p.subs[id]; ok {
			delete(p.subs, id)
			s.Cancel()
		}
	}
	return out, cancel, nil
}

func (p *Libp2pPubSub) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for id, s := range p.subs {
		delete(p.subs, id)
		s.Cancel()
	}
	p.mu.Unlock()

	p.cancel()
	// Cancelled subscriptions are released asynchronously, so the topic may
	// still look busy here. The host close below tears it down regardless.
	if err := p.topic.Close(); err != nil {
		p.log.Debug().Err(err).Msg("close topic")
	}
	return p.host.Close()
}

// PeerID is this host's libp2p identity.
func (p *Libp2pPubSub) PeerID() string {
	return p.host.ID().String()
}

// LocalAddrs returns dialable /p2p addresses of this host.
func (p *Libp2pPubSub) LocalAddrs() []string {
	out := make([]string, 0, len(p.host.Addrs()))
	for _, addr := range p.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr.String(), p.host.ID().String()))
	}
	return out
}

// ConnectedPeers returns every peer the host holds a connection to.
func (p *Libp2pPubSub) ConnectedPeers() []string {
	peers := p.host.Network().Peers()
	out := make([]string, 0, len(peers))
	for _, pid := range peers {
		out = append(out, pid.String())
	}
	return out
}

// TopicPeers returns the peers this host shares the gossip topic with.
func (p *Libp2pPubSub) TopicPeers() []string {
	peers := p.topic.ListPeers()
	out := make([]string, 0, len(peers))
	for _, pid := range peers {
		out = append(out, pid.String())
	}
	return out
}

type mdnsNotifee struct {
	host host.Host
	log  zerolog.Logger
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if err := n.host.Connect(context.Background(), info); err != nil {
		n.log.Warn().Err(err).Str("peer", info.ID.String()).Msg("mdns connect failed")
	}
}

func loadOrCreateIdentityKey(path string) (crypto.PrivKey, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		key, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("unmarshal private key: %w", err)
		}
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir key dir: %w", err)
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return key, nil
}
