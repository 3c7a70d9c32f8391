package comms

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/chaz8081/blectl/internal/ble"
)

// characteristics are the GATT handles found during capability discovery.
// Everything but command may be nil.
type characteristics struct {
	command ble.Characteristic
	notify  ble.Characteristic
	file    ble.Characteristic
	list    ble.Characteristic
	play    ble.Characteristic
	del     ble.Characteristic
	pause   ble.Characteristic
}

// op is one unit of radio I/O run by the session writer.
type op struct {
	fn   func() error
	done chan error
}

// session is the runtime binding to one connected device. Every read and
// write on the connection goes through its single operation queue, so
// commands and transfer chunks never interleave mid-operation.
type session struct {
	deviceID string
	ctx      context.Context // cancelled when the session ends
	cancel   context.CancelFunc
	ops      chan *op
	wake     chan struct{} // nudges the transfer worker
	limiter  *rate.Limiter // chunk pacing, nil when unpaced

	// Guarded by Manager.mu.
	conn    ble.Connection
	chars   characteristics
	queue   []*Transfer
	active  *Transfer
	dropped bool // link lost while still connecting
}

func newSession(deviceID string, opts Options) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		deviceID: deviceID,
		ctx:      ctx,
		cancel:   cancel,
		ops:      make(chan *op, opts.WriteQueueSize),
		wake:     make(chan struct{}, 1),
	}
	if opts.ChunkRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.ChunkRate), 1)
	}
	return s
}

// run executes queued operations in FIFO order until the session ends, then
// fails whatever is still queued.
func (s *session) run() {
	for {
		select {
		case <-s.ctx.Done():
			s.drain()
			return
		case o := <-s.ops:
			if s.ctx.Err() != nil {
				o.done <- ErrConnectionLost
				continue
			}
			o.done <- o.fn()
		}
	}
}

func (s *session) drain() {
	for {
		select {
		case o := <-s.ops:
			o.done <- ErrConnectionLost
		default:
			return
		}
	}
}

// do queues fn behind every earlier operation and waits for its result.
// ctx only bounds the wait for a queue slot; once queued, the operation is
// awaited until it completes or the session ends.
func (s *session) do(ctx context.Context, fn func() error) error {
	o := &op{fn: fn, done: make(chan error, 1)}
	select {
	case s.ops <- o:
	case <-s.ctx.Done():
		return ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-o.done:
		return err
	case <-s.ctx.Done():
		// Prefer a result that raced with the teardown.
		select {
		case err := <-o.done:
			return err
		default:
			return ErrConnectionLost
		}
	}
}

// notifyTransfers wakes the transfer worker.
func (s *session) notifyTransfers() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
