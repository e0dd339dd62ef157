// Package config loads node settings from flags, IPC_ environment variables
// and an optional config file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"Assembler-IPC/internal/core/codec"
	"Assembler-IPC/internal/core/network"
	"Assembler-IPC/internal/ipc"
	"Assembler-IPC/internal/logging"
)

const EnvPrefix = "IPC"

const (
	KeyConfig          = "config"
	KeyAddress         = "address"
	KeyTopics          = "topics"
	KeyCodec           = "codec"
	KeyPollInterval    = "poll-interval"
	KeyShutdownTimeout = "shutdown-timeout"
	KeyHTTP            = "http"
	KeyLogLevel        = "log-level"
	KeyNATSSubject     = "nats-subject"
	KeyIdentityKey     = "identity-key"
	KeyMDNS            = "mdns"
	KeyConnectTimeout  = "connect-timeout"
	KeyConnectAttempts = "connect-attempts"
	KeyConnectBackoff  = "connect-backoff"
)

var ErrAddressRequired = errors.New("address required")

type Config struct {
	Address         string        `mapstructure:"address"`
	Topics          []string      `mapstructure:"topics"`
	Codec           string        `mapstructure:"codec"`
	PollInterval    time.Duration `mapstructure:"poll-interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`
	HTTP            string        `mapstructure:"http"`
	LogLevel        string        `mapstructure:"log-level"`
	NATSSubject     string        `mapstructure:"nats-subject"`
	IdentityKey     string        `mapstructure:"identity-key"`
	MDNS            string        `mapstructure:"mdns"`
	ConnectTimeout  time.Duration `mapstructure:"connect-timeout"`
	ConnectAttempts uint64        `mapstructure:"connect-attempts"`
	ConnectBackoff  time.Duration `mapstructure:"connect-backoff"`
}

// BindFlags declares every setting on fs with its default.
func BindFlags(fs *pflag.FlagSet) {
	fs.String(KeyConfig, "", "optional config file (yaml, json or toml)")
	fs.String(KeyAddress, "", "endpoint address: inproc://name, nats://host:port or a libp2p multiaddr")
	fs.StringSlice(KeyTopics, nil, "topic prefixes to subscribe to; empty means all")
	fs.String(KeyCodec, codec.NameCBOR, "payload codec: cbor or msgpack")
	fs.Duration(KeyPollInterval, ipc.DefaultPollInterval, "longest single receive wait before re-checking for stop")
	fs.Duration(KeyShutdownTimeout, 0, "how long stop waits for the loop; 0 means twice the poll interval")
	fs.String(KeyHTTP, "", "listen address for the status API and /metrics; empty disables it")
	fs.String(KeyLogLevel, "info", "log level: trace, debug, info, warn, error")
	fs.String(KeyNATSSubject, network.DefaultNATSSubject, "NATS subject messages travel on")
	fs.String(KeyIdentityKey, "", "libp2p identity key file; created if missing")
	fs.String(KeyMDNS, "", "libp2p mDNS rendezvous name; empty disables discovery")
	fs.Duration(KeyConnectTimeout, network.DefaultConnectTimeout, "timeout for a single connection attempt")
	fs.Uint64(KeyConnectAttempts, 5, "attempts to open the endpoint before giving up")
	fs.Duration(KeyConnectBackoff, 200*time.Millisecond, "base delay between attempts, doubled each time")
}

// Load merges fs, the environment and the config file named by --config.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}
	if path := v.GetString(KeyConfig); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	// Comma separated values from the environment arrive as one element.
	c.Topics = splitTopics(c.Topics)
	return c, c.Validate()
}

func splitTopics(in []string) []string {
	var out []string
	for _, t := range in {
		for _, p := range strings.Split(t, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (c Config) Validate() error {
	if c.Address == "" {
		return ErrAddressRequired
	}
	if _, err := codec.ByName(c.Codec); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.PollInterval < 0 || c.ShutdownTimeout < 0 || c.ConnectBackoff < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}

// NetworkOptions returns the transport settings for c.
func (c Config) NetworkOptions() network.Options {
	return network.Options{
		NATSSubject:     c.NATSSubject,
		NATSName:        "ipc-node",
		ConnectTimeout:  c.ConnectTimeout,
		IdentityKeyFile: c.IdentityKey,
		MDNSRendezvous:  c.MDNS,
	}
}
