package ipc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"Assembler-IPC/internal/core/codec"
	"Assembler-IPC/internal/core/network"
	"Assembler-IPC/internal/core/request"
)

// Callback handles one decoded request. It runs on the receive loop, so the
// next request is not dispatched until it returns. A returned error or a
// panic is reported as a *CallbackError and the loop carries on.
type Callback func(request.Request) error

// Stats counts what a subscriber's loop has done so far.
type Stats struct {
	Received       uint64 `json:"received"`
	Dispatched     uint64 `json:"dispatched"`
	DecodeErrors   uint64 `json:"decode_errors"`
	CallbackErrors uint64 `json:"callback_errors"`
}

// Subscriber is a sub endpoint that decodes every message it receives and
// hands the result to a callback until it is stopped. A Subscriber runs at
// most once.
type Subscriber struct {
	*Endpoint

	callback        Callback
	codec           codec.Codec
	filter          network.Filter
	pollInterval    time.Duration
	shutdownTimeout time.Duration
	reporter        ErrorReporter

	running  atomic.Bool
	state    atomic.Int32
	done     chan struct{}
	doneOnce sync.Once

	received       atomic.Uint64
	dispatched     atomic.Uint64
	decodeErrors   atomic.Uint64
	callbackErrors atomic.Uint64
}

// NewSubscriber connects to address and returns a subscriber that will
// deliver requests to callback once Run is called.
func NewSubscriber(ctx context.Context, callback Callback, address string, opts ...Option) (*Subscriber, error) {
	if callback == nil {
		return nil, ErrNilCallback
	}
	o := newOptions(opts)
	role := o.role
	if role == 0 {
		role = RoleConnect
	}
	e, err := newEndpoint(ctx, address, role, PatternSub, o)
	if err != nil {
		return nil, err
	}

	s := &Subscriber{
		Endpoint:        e,
		callback:        callback,
		codec:           o.codec,
		filter:          o.topics,
		pollInterval:    o.pollInterval,
		shutdownTimeout: o.shutdownTimeout,
		reporter:        o.reporter,
		done:            make(chan struct{}),
	}
	if s.reporter == nil {
		s.reporter = LogReporter{Log: e.log}
	}
	s.running.Store(true)
	s.state.Store(int32(StateCreated))
	return s, nil
}

// Run subscribes and dispatches requests until Stop, Close or ctx ends the
// loop, in which case it returns nil. If the transport goes away while the
// subscriber is still running, Run returns a *ConnectionError. The endpoint
// is closed on every return path.
func (s *Subscriber) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateSubscribing)) {
		return ErrNotRestartable
	}
	defer s.finish()

	if err := s.subscribe(s.filter); err != nil {
		if !s.running.Load() {
			return nil
		}
		return s.connectionFailed(err)
	}
	s.state.CompareAndSwap(int32(StateSubscribing), int32(StateReceiving))
	s.log.Info().Strs("topics", s.filter).Msg("subscriber receiving")

	for s.running.Load() {
		msg, err := s.recv(ctx, s.pollInterval)
		switch {
		case err == nil:
			s.dispatch(msg)
		case errors.Is(err, errRecvTimeout):
		case ctx.Err() != nil:
			s.log.Debug().Err(ctx.Err()).Msg("subscriber context done")
			return nil
		case errors.Is(err, ErrEndpointClosed):
			if !s.running.Load() {
				return nil
			}
			return s.connectionFailed(err)
		default:
			return s.connectionFailed(err)
		}
	}
	return nil
}

func (s *Subscriber) connectionFailed(err error) error {
	cerr := &ConnectionError{Address: s.address, Role: s.role, Err: err}
	s.report(KindConnection, "subscriber lost its transport", cerr)
	return cerr
}

func (s *Subscriber) dispatch(msg network.Message) {
	s.received.Inc()
	s.metrics.messageReceived(s.address)

	req, err := s.codec.Decode(msg.Payload)
	if err != nil {
		s.decodeErrors.Inc()
		s.metrics.decodeFailed(s.address)
		s.report(KindDecode, fmt.Sprintf("dropped undecodable message on topic %q", msg.Topic), err)
		return
	}

	s.state.CompareAndSwap(int32(StateReceiving), int32(StateDispatching))
	start := time.Now()
	err = s.invoke(req)
	took := time.Since(start)
	s.state.CompareAndSwap(int32(StateDispatching), int32(StateReceiving))

	s.dispatched.Inc()
	s.metrics.dispatchedRequest(s.address, string(req.Action()), took, err != nil)
	if err != nil {
		s.callbackErrors.Inc()
		s.report(KindCallback, "callback failed", err)
		return
	}
	s.log.Debug().
		Str("action", string(req.Action())).
		Str("topic", msg.Topic).
		Dur("took", took).
		Msg("request dispatched")
}

func (s *Subscriber) invoke(req request.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CallbackError{Action: req.Action(), Panic: r, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if cerr := s.callback(req); cerr != nil {
		return &CallbackError{Action: req.Action(), Err: cerr}
	}
	return nil
}

func (s *Subscriber) report(kind ErrorKind, detail string, cause error) {
	s.reporter.Report(Failure{
		Kind:    kind,
		Detail:  detail,
		Cause:   cause,
		Address: s.address,
		At:      time.Now(),
	})
}

// finish runs once the loop has exited, or instead of it when the
// subscriber is stopped before Run.
func (s *Subscriber) finish() {
	s.running.Store(false)
	s.enterStopping()
	if err := s.Endpoint.Close(); err != nil {
		s.log.Warn().Err(err).Msg("close endpoint")
	}
	s.state.Store(int32(StateClosed))
	s.doneOnce.Do(func() { close(s.done) })
	s.log.Info().Msg("subscriber closed")
}

func (s *Subscriber) enterStopping() {
	for {
		cur := s.state.Load()
		if cur == int32(StateStopping) || cur == int32(StateClosed) {
			return
		}
		if s.state.CompareAndSwap(cur, int32(StateStopping)) {
			return
		}
	}
}

// Stop asks Run to return and waits for it, up to the shutdown timeout.
// Run notices within one poll interval unless a callback is still
// executing; if the wait runs out Stop returns ErrShutdownTimeout and the
// loop exits on its own once the callback returns. A callback must not call
// Stop on its own subscriber, since the loop cannot finish before the
// callback returns; it uses RequestStop instead.
func (s *Subscriber) Stop() error {
	if s.requestStop() {
		return nil
	}

	timer := time.NewTimer(s.shutdownTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
		return nil
	case <-timer.C:
		s.log.Warn().Dur("timeout", s.shutdownTimeout).Msg("subscriber did not stop in time")
		return ErrShutdownTimeout
	}
}

// RequestStop asks Run to return without waiting for it. The current
// callback, if any, finishes and no further request is dispatched.
func (s *Subscriber) RequestStop() {
	s.requestStop()
}

// requestStop reports whether the subscriber was closed right away because
// Run had not started.
func (s *Subscriber) requestStop() bool {
	s.running.Store(false)
	if s.state.CompareAndSwap(int32(StateCreated), int32(StateStopping)) {
		s.finish()
		return true
	}
	s.enterStopping()
	return false
}

// Shutdown is the hook for process termination: it stops the loop and
// releases the transport whether or not the loop stopped in time.
func (s *Subscriber) Shutdown() error {
	return multierr.Combine(s.Stop(), s.Close())
}

// Close releases the transport. A running loop sees its stream end and
// returns nil. Calling Close more than once is safe.
func (s *Subscriber) Close() error {
	s.running.Store(false)
	return s.Endpoint.Close()
}

func (s *Subscriber) State() State { return State(s.state.Load()) }

// Running reports whether the loop has not yet been asked to stop.
func (s *Subscriber) Running() bool { return s.running.Load() }

// Done is closed once the subscriber has reached StateClosed.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) Stats() Stats {
	return Stats{
		Received:       s.received.Load(),
		Dispatched:     s.dispatched.Load(),
		DecodeErrors:   s.decodeErrors.Load(),
		CallbackErrors: s.callbackErrors.Load(),
	}
}
