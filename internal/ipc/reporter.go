package ipc

import (
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// ErrorKind classifies a failure reported on the error side channel.
type ErrorKind string

const (
	KindConnection ErrorKind = "connection"
	KindDecode     ErrorKind = "decode"
	KindCallback   ErrorKind = "callback"
)

// Failure is one error observed by a subscriber. Decode and callback failures
// do not stop the receive loop; a connection failure ends it.
type Failure struct {
	Kind    ErrorKind
	Detail  string
	Cause   error
	Address string
	At      time.Time
}

func (f Failure) Error() string {
	return string(f.Kind) + " error on " + f.Address + ": " + f.Detail
}

func (f Failure) Unwrap() error { return f.Cause }

// ErrorReporter receives failures from a subscriber's loop. Report is called
// on the loop goroutine and must not block.
type ErrorReporter interface {
	Report(Failure)
}

// ReporterFunc adapts a function to ErrorReporter.
type ReporterFunc func(Failure)

func (f ReporterFunc) Report(fl Failure) { f(fl) }

// LogReporter writes failures to a zerolog logger.
type LogReporter struct {
	Log zerolog.Logger
}

func (r LogReporter) Report(f Failure) {
	ev := r.Log.Warn()
	if f.Kind == KindConnection {
		ev = r.Log.Error()
	}
	ev.Err(f.Cause).
		Str("kind", string(f.Kind)).
		Str("address", f.Address).
		Time("at", f.At).
		Msg(f.Detail)
}

// ChannelReporter delivers failures on a buffered channel. When the buffer
// is full the failure is dropped and counted.
type ChannelReporter struct {
	ch      chan Failure
	dropped atomic.Uint64
}

func NewChannelReporter(size int) *ChannelReporter {
	if size <= 0 {
		size = 16
	}
	return &ChannelReporter{ch: make(chan Failure, size)}
}

func (r *ChannelReporter) Report(f Failure) {
	select {
	case r.ch <- f:
	default:
		r.dropped.Inc()
	}
}

// C returns the channel failures are delivered on. It is never closed.
func (r *ChannelReporter) C() <-chan Failure { return r.ch }

// Dropped returns how many failures were discarded because C was full.
func (r *ChannelReporter) Dropped() uint64 { return r.dropped.Load() }

type multiReporter []ErrorReporter

func (m multiReporter) Report(f Failure) {
	for _, r := range m {
		r.Report(f)
	}
}

// Reporters fans a failure out to every non-nil reporter in order.
func Reporters(rs ...ErrorReporter) ErrorReporter {
	out := make(multiReporter, 0, len(rs))
	for _, r := range rs {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}
