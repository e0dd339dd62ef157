package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"Assembler-IPC/internal/config"
	"Assembler-IPC/internal/core/codec"
	"Assembler-IPC/internal/core/request"
	"Assembler-IPC/internal/ipc"
	"Assembler-IPC/internal/ipcapi"
	"Assembler-IPC/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ipc-node",
		Short:         "Run a publish/subscribe IPC endpoint",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newSubscribeCmd(), newPublisherCmd())
	return root
}

func newSubscribeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Connect to an address and log every request received",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			return runSubscriber(cmd.Context(), cfg)
		},
	}
	config.BindFlags(cmd.Flags())
	return cmd
}

func newPublisherCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publisher",
		Short: "Bind an address and publish requests posted to /api/ipc/publish",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			return runPublisher(cmd.Context(), cfg)
		},
	}
	config.BindFlags(cmd.Flags())
	return cmd
}

// node bundles what both commands share: logger, metrics and the status API.
type node struct {
	cfg     config.Config
	log     zerolog.Logger
	reg     *prometheus.Registry
	metrics *ipc.Metrics
	api     *ipcapi.Server
}

func newNode(cfg config.Config) (*node, error) {
	lvl, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	log := logging.New(lvl, nil)
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &node{
		cfg:     cfg,
		log:     log,
		reg:     reg,
		metrics: ipc.NewMetrics(reg),
		api:     ipcapi.NewServer(log),
	}, nil
}

func (n *node) options(c codec.Codec) []ipc.Option {
	return []ipc.Option{
		ipc.WithLogger(logging.Component(n.log, "ipc")),
		ipc.WithNetworkOptions(n.cfg.NetworkOptions()),
		ipc.WithCodec(c),
		ipc.WithTopics(n.cfg.Topics...),
		ipc.WithPollInterval(n.cfg.PollInterval),
		ipc.WithShutdownTimeout(n.cfg.ShutdownTimeout),
		ipc.WithMetrics(n.metrics),
	}
}

// open retries endpoint construction with exponential backoff. Endpoints
// never retry on their own.
func open[T any](ctx context.Context, n *node, what string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	base := n.cfg.ConnectBackoff
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	backoff := retry.NewExponential(base)
	attempts := n.cfg.ConnectAttempts
	if attempts > 0 {
		attempts--
	}
	backoff = retry.WithMaxRetries(attempts, backoff)

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		v, err := fn(ctx)
		if err != nil {
			n.log.Warn().Err(err).Int("attempt", attempt).Str("address", n.cfg.Address).Msgf("open %s", what)
			if ipc.IsConnectionError(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// serveHTTP runs the status API and /metrics until ctx is done.
func (n *node) serveHTTP(ctx context.Context) error {
	if n.cfg.HTTP == "" {
		return nil
	}
	mux := http.NewServeMux()
	n.api.Register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(n.reg, promhttp.HandlerOpts{Registry: n.reg}))
	srv := &http.Server{Addr: n.cfg.HTTP, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	n.log.Info().Str("addr", n.cfg.HTTP).Msg("http listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	_ = n.api.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runSubscriber(parent context.Context, cfg config.Config) error {
	n, err := newNode(cfg)
	if err != nil {
		return err
	}
	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(parent)
	defer stop()

	logRequest := func(req request.Request) error {
		ev := n.log.Info().Str("action", string(req.Action()))
		if id, ok := request.DefinitionID(req); ok {
			ev = ev.Int64("definition_id", id)
		}
		ev.Msg("request received")
		return nil
	}
	sub, err := open(ctx, n, "subscriber", func(ctx context.Context) (*ipc.Subscriber, error) {
		return ipc.NewSubscriber(ctx, n.api.Tap(logRequest), cfg.Address, n.options(c)...)
	})
	if err != nil {
		return err
	}
	n.api.AddSubscriber(sub)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sub.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		n.log.Info().Msg("shutting down subscriber")
		return sub.Shutdown()
	})
	g.Go(func() error { return n.serveHTTP(gctx) })

	// Run returning nil does not cancel gctx.
	g.Go(func() error {
		select {
		case <-sub.Done():
			stop()
		case <-gctx.Done():
		}
		return nil
	})
	return g.Wait()
}

func runPublisher(parent context.Context, cfg config.Config) error {
	n, err := newNode(cfg)
	if err != nil {
		return err
	}
	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(parent)
	defer stop()

	pub, err := open(ctx, n, "publisher", func(ctx context.Context) (*ipc.Publisher, error) {
		return ipc.NewPublisher(ctx, cfg.Address, n.options(c)...)
	})
	if err != nil {
		return err
	}
	defer pub.Close()
	n.api.SetPublisher(pub)
	n.log.Info().Strs("local_addrs", pub.LocalAddrs()).Msg("publisher bound")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.serveHTTP(gctx) })
	// Stay bound until a signal arrives, even without an http listener.
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}
