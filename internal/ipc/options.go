package ipc

import (
	"time"

	"github.com/rs/zerolog"

	"Assembler-IPC/internal/core/codec"
	"Assembler-IPC/internal/core/network"
)

const DefaultPollInterval = 100 * time.Millisecond

// Option configures endpoints, subscribers and publishers.
type Option func(*options)

type options struct {
	logger          zerolog.Logger
	network         network.Options
	codec           codec.Codec
	topics          network.Filter
	role            Role
	pollInterval    time.Duration
	shutdownTimeout time.Duration
	reporter        ErrorReporter
	metrics         *Metrics
}

func newOptions(opts []Option) *options {
	o := &options{
		logger:       zerolog.Nop(),
		codec:        codec.Default(),
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.pollInterval <= 0 {
		o.pollInterval = DefaultPollInterval
	}
	if o.shutdownTimeout <= 0 {
		o.shutdownTimeout = 2 * o.pollInterval
	}
	// Transports log through the endpoint's logger.
	o.network.Logger = o.logger
	return o
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithNetworkOptions passes transport settings through to network.Listen and
// network.Dial.
func WithNetworkOptions(n network.Options) Option {
	return func(o *options) { o.network = n }
}

func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithTopics restricts a subscriber to topics starting with one of prefixes.
// Without it the subscriber receives every topic.
func WithTopics(prefixes ...string) Option {
	return func(o *options) { o.topics = append(network.Filter(nil), prefixes...) }
}

// WithRole overrides the default role: connect for subscribers, bind for
// publishers.
func WithRole(r Role) Option {
	return func(o *options) { o.role = r }
}

// WithPollInterval bounds how long a single receive waits before the loop
// re-checks whether it was stopped.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithShutdownTimeout bounds how long Stop waits for Run to return. It
// defaults to twice the poll interval.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) { o.shutdownTimeout = d }
}

func WithErrorReporter(r ErrorReporter) Option {
	return func(o *options) { o.reporter = r }
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}
