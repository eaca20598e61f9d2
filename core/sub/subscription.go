// Package sub implements the subscription core of the client: the
// object that represents interest in a subject, buffers inbound
// messages, and delivers them either asynchronously through a handler
// run on a dedicated goroutine, or synchronously through NextMsg.
//
// The design is a direct translation of natsSubscription from the
// reference C client (see original_source/src/sub.c): a single mutex
// plus condition variable guards a FIFO of pending messages, an
// explicit refcount decides when the subscription is torn down, and a
// periodic signal timer bounds delivery latency when messages trickle
// in too slowly to cross the inline-signal threshold.
//
// Go's memory model makes one piece of the original unnecessary: the
// delivery goroutine does not need to acquire-then-release the
// connection's lock as a "barrier" before reading creator-initialized
// fields, because the `go` statement already establishes a
// happens-before edge from everything preceding it to the start of the
// new goroutine.
package sub

import (
	"sync"
	"time"

	"github.com/tencherry10/natscore/core/msg"
	"github.com/tencherry10/natscore/core/timer"
	"github.com/tencherry10/natscore/internal/metrics"
)

const (
	// DefaultMaxPendingMsgs is used when a Connection reports a
	// non-positive MaxPendingMsgs().
	DefaultMaxPendingMsgs = 65536

	signalLimitRatio     = 0.75
	idleSignalIntervalMs = 10000
	fastSignalIntervalMs = 1
	failCountThreshold   = 10
)

// MsgHandler is invoked by the delivery goroutine for each message
// delivered to an asynchronous subscription. Ownership of m transfers
// to the handler; the subscription never touches it again.
type MsgHandler func(conn Connection, sub *Subscription, m *msg.Msg, closure interface{})

// Timer is the narrow scheduler collaborator the signal timer needs.
// core/timer.Timer satisfies it; tests may supply a fake.
type Timer interface {
	Reset(intervalMs int64)
	Stop()
}

// Connection is the narrow collaborator interface consumed by this
// package (spec §6). core/conn.Conn implements it.
type Connection interface {
	// Retain/Release manage the connection's own refcount; every
	// subscription retains the connection for as long as it exists.
	Retain()
	Release()

	// Subscribe validates inputs, allocates the subscription via
	// Create, and registers it with the server.
	Subscribe(subject, queue string, handler MsgHandler, closure interface{}, noDelay bool) (*Subscription, error)

	// Unsubscribe sends the server-side UNSUB frame. If max is
	// non-zero it arms the subscription's auto-unsubscribe cap
	// (via SetMax); otherwise it removes the subscription outright.
	Unsubscribe(sub *Subscription, max int) error

	// RemoveSubscription marks the subscription closed and drops it
	// from the connection's registry, optionally sending UNSUB.
	RemoveSubscription(sub *Subscription, doUnsub bool)

	// MaxPendingMsgs is read once, at creation time.
	MaxPendingMsgs() int
}

// Subscription represents one active interest in a subject.
type Subscription struct {
	subject string
	queue   string
	conn    Connection
	handler MsgHandler
	closure interface{}

	mu   sync.Mutex
	cond *sync.Cond

	refs int

	head, tail *msg.Msg
	count      int

	delivered uint64
	max       uint64

	pendingMax  int
	signalLimit int

	noDelay bool
	inWait  int

	slowConsumer bool
	closed       bool
	connClosed   bool

	signalTimer         Timer
	signalTimerInterval int64
	signalFailCount     int

	recorder metrics.Recorder
}

// SetRecorder attaches a metrics.Recorder. Called by the connection
// right after Create returns; before that, observations are discarded.
func (s *Subscription) SetRecorder(r metrics.Recorder) {
	if r == nil {
		r = metrics.Noop
	}
	s.mu.Lock()
	s.recorder = r
	s.recorder.SetActive(s.subject, !s.closed)
	s.mu.Unlock()
}

// newTimer is overridable in tests so the signal timer can be
// observed/driven without real wall-clock waits.
var newTimer = func(onFire, onStop func(), intervalMs int64) Timer {
	return timer.New(
		func(*timer.Timer) { onFire() },
		func(*timer.Timer) { onStop() },
		intervalMs,
		nil,
	)
}

// Create allocates a subscription and, depending on mode, starts its
// signal timer and/or delivery goroutine. Mirrors natsSub_create.
func Create(conn Connection, subject, queue string, handler MsgHandler, closure interface{}, noDelay bool) (*Subscription, error) {
	if conn == nil || subject == "" {
		return nil, ErrInvalidArg
	}

	s := &Subscription{
		subject:  subject,
		queue:    queue,
		conn:     conn,
		handler:  handler,
		closure:  closure,
		noDelay:  noDelay,
		refs:     1,
		recorder: metrics.Noop,
	}
	s.cond = sync.NewCond(&s.mu)

	conn.Retain()

	s.pendingMax = conn.MaxPendingMsgs()
	if s.pendingMax <= 0 {
		s.pendingMax = DefaultMaxPendingMsgs
	}
	s.signalLimit = int(float64(s.pendingMax) * signalLimitRatio)

	if !noDelay {
		// The interval here is arbitrary; it gets narrowed to
		// fastSignalIntervalMs as soon as the first message arrives
		// under batched notification (see Enqueue).
		s.signalTimerInterval = idleSignalIntervalMs

		s.Retain()
		s.signalTimer = newTimer(s.signalFire, s.signalTimerStopped, s.signalTimerInterval)
	}

	if handler != nil {
		s.Retain()
		go s.deliverMsgs()
	}

	return s, nil
}

// Subject returns the subscription's subject.
func (s *Subscription) Subject() string { return s.subject }

// Queue returns the subscription's queue group, or "" if none.
func (s *Subscription) Queue() string { return s.queue }

// Retain increments the refcount. Every helper (delivery goroutine,
// signal timer) holds exactly one reference for its own lifetime.
func (s *Subscription) Retain() {
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
}

// Release decrements the refcount, destroying the subscription's
// remaining state and releasing the connection reference when it
// reaches zero.
func (s *Subscription) Release() {
	s.mu.Lock()
	s.refs--
	refs := s.refs
	s.mu.Unlock()

	if refs == 0 {
		s.mu.Lock()
		s.head = nil
		s.tail = nil
		s.count = 0
		s.mu.Unlock()

		s.conn.Release()
	}
}

// deliverMsgs is the async delivery goroutine's main loop (spec §4.2).
func (s *Subscription) deliverMsgs() {
	for {
		s.mu.Lock()

		s.inWait++
		for s.count == 0 && !s.closed {
			s.cond.Wait()
		}
		s.inWait--

		if s.closed {
			s.mu.Unlock()
			break
		}

		m := s.popLocked()
		if m == nil {
			// Should not happen: count > 0 implies a head node.
			s.mu.Unlock()
			continue
		}

		s.delivered++
		delivered := s.delivered
		max := s.max

		s.recorder.SetPending(s.subject, s.count)
		s.recorder.IncDelivered(s.subject)

		s.mu.Unlock()

		if max == 0 || delivered <= max {
			s.handler(s.conn, s, m, s.closure)
		}

		// Not an else: the message above the cap still had to be
		// popped to preserve FIFO consistency, but the handler is
		// never invoked beyond the cap.
		if max > 0 && delivered >= max {
			s.conn.RemoveSubscription(s, true)
			break
		}
	}

	s.Release()
}

// popLocked removes and returns the head message. Caller holds s.mu.
func (s *Subscription) popLocked() *msg.Msg {
	m := s.head
	if m == nil {
		return nil
	}

	s.head = m.next
	if s.tail == m {
		s.tail = nil
	}
	s.count--
	m.next = nil

	return m
}

// signalFire is the signal timer's fire callback (spec §4.3).
func (s *Subscription) signalFire() {
	if !s.mu.TryLock() {
		// Not synchronized: only ever touched from this callback,
		// and fires never overlap because the timer is not
		// rearmed until this call returns.
		s.signalFailCount++
		if s.signalFailCount == failCountThreshold {
			s.signalFailCount = 0
			s.mu.Lock()
		} else {
			// The timer is one-shot: rearm it so a later fire retries.
			s.signalTimer.Reset(fastSignalIntervalMs)
			return
		}
	}

	if s.closed {
		s.mu.Unlock()
		return
	}

	if s.count == 0 {
		s.signalTimerInterval = idleSignalIntervalMs
	} else if s.inWait > 0 {
		s.cond.Broadcast()
	}

	interval := s.signalTimerInterval
	s.mu.Unlock()

	s.signalTimer.Reset(interval)
}

// signalTimerStopped releases the timer's subscription reference.
func (s *Subscription) signalTimerStopped() {
	s.Release()
}

// Close marks the subscription closed and wakes every waiter. Called
// by Unsubscribe (via the connection), connection close, or
// max-delivered.
func (s *Subscription) Close(connClosed bool) {
	s.mu.Lock()

	if s.signalTimer != nil {
		s.signalTimer.Stop()
	}

	s.closed = true
	s.connClosed = connClosed
	s.cond.Broadcast()
	s.recorder.SetActive(s.subject, false)

	s.mu.Unlock()
}

// SetMax arms the auto-unsubscribe cap. Called by the connection right
// after it has sent a non-zero-max UNSUB; no server reply is awaited.
func (s *Subscription) SetMax(max uint64) {
	s.mu.Lock()
	s.max = max
	s.mu.Unlock()
}

// NextMsg blocks for up to timeout for a message to become available
// on a synchronous subscription (spec §4.4). timeout <= 0 means "do
// not wait".
func (s *Subscription) NextMsg(timeout time.Duration) (*msg.Msg, error) {
	s.mu.Lock()

	if s.connClosed {
		s.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	if s.closed {
		var err error
		if s.max > 0 && s.delivered >= s.max {
			err = ErrMaxMessages
		} else {
			err = ErrInvalidSubscription
		}
		s.mu.Unlock()
		return nil, err
	}
	if s.handler != nil {
		s.mu.Unlock()
		return nil, ErrIllegalState
	}
	if s.slowConsumer {
		s.slowConsumer = false
		s.mu.Unlock()
		return nil, ErrSlowConsumer
	}

	var err error

	if timeout > 0 {
		// Compute the deadline once, outside the wait loop, so
		// spurious wakeups can't drift it forward.
		deadline := time.Now().Add(timeout)
		wake := time.AfterFunc(timeout, func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})

		s.inWait++
		for s.count == 0 && !s.closed && time.Now().Before(deadline) {
			s.cond.Wait()
		}
		s.inWait--
		wake.Stop()

		if s.closed {
			err = ErrInvalidSubscription
		} else if s.count == 0 {
			err = ErrTimeout
		}
	} else if s.count == 0 {
		err = ErrTimeout
	}

	if err == nil {
		s.delivered++
		if s.max > 0 && s.delivered > s.max {
			// Defensive: should not occur in practice.
			err = ErrMaxMessages
		}
	}

	var removeSub bool
	var m *msg.Msg

	if err == nil {
		if s.max > 0 && s.delivered == s.max {
			removeSub = true
		}
		m = s.popLocked()
		s.recorder.SetPending(s.subject, s.count)
		s.recorder.IncDelivered(s.subject)
	}

	s.mu.Unlock()

	if removeSub {
		s.conn.RemoveSubscription(s, true)
	}

	return m, err
}

// unsubscribe implements both Unsubscribe (max==0) and
// AutoUnsubscribe (max>0): spec §4.5.
func (s *Subscription) unsubscribe(max uint64) error {
	s.mu.Lock()

	if s.connClosed {
		s.mu.Unlock()
		return ErrConnectionClosed
	}
	if s.closed {
		s.mu.Unlock()
		return ErrInvalidSubscription
	}

	s.refs++
	conn := s.conn

	s.mu.Unlock()

	err := conn.Unsubscribe(s, int(max))

	s.Release()

	return err
}

// Unsubscribe removes interest immediately.
func (s *Subscription) Unsubscribe() error {
	return s.unsubscribe(0)
}

// AutoUnsubscribe arms automatic removal after max deliveries.
// AutoUnsubscribe(0) is equivalent to Unsubscribe().
func (s *Subscription) AutoUnsubscribe(max uint64) error {
	return s.unsubscribe(max)
}

// QueuedMsgs returns the number of messages currently buffered.
func (s *Subscription) QueuedMsgs() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrInvalidSubscription
	}
	return s.count, nil
}

// IsValid reports whether the subscription has not yet been closed.
func (s *Subscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// NoDeliveryDelay switches the subscription into immediate-signal
// mode, stopping the signal timer. Idempotent.
func (s *Subscription) NoDeliveryDelay() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.noDelay {
		return
	}
	s.noDelay = true

	if s.signalTimer != nil {
		s.signalTimer.Stop()
	}
}

// Destroy unsubscribes (if still active, best-effort) and releases
// the caller's reference.
func (s *Subscription) Destroy() {
	s.mu.Lock()
	doUnsub := !s.closed
	s.mu.Unlock()

	if doUnsub {
		_ = s.Unsubscribe()
	}
	s.Release()
}

// Enqueue is the connection reader's entry point: append a message and
// apply the bounded-buffer slow-consumer policy (spec §4.6). Returns
// true if the message was dropped, in which case the caller owns
// freeing it.
func (s *Subscription) Enqueue(m *msg.Msg) (dropped bool) {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return true
	}

	if s.count >= s.pendingMax {
		s.slowConsumer = true
		s.recorder.IncSlowConsumer(s.subject)
		s.mu.Unlock()
		return true
	}

	m.Sub = s
	if s.tail == nil {
		s.head = m
	} else {
		s.tail.next = m
	}
	s.tail = m
	s.count++
	s.recorder.SetPending(s.subject, s.count)

	signalNow := s.noDelay || s.count >= s.signalLimit || (s.inWait > 0 && s.count == 1)
	if signalNow {
		s.cond.Broadcast()
	} else if s.signalTimer != nil && s.signalTimerInterval != fastSignalIntervalMs {
		s.signalTimerInterval = fastSignalIntervalMs
		s.signalTimer.Reset(s.signalTimerInterval)
	}

	s.mu.Unlock()

	return false
}

// Subscribe creates an asynchronous subscription.
func Subscribe(conn Connection, subject string, handler MsgHandler, closure interface{}) (*Subscription, error) {
	if conn == nil || subject == "" || handler == nil {
		return nil, ErrInvalidArg
	}
	return conn.Subscribe(subject, "", handler, closure, false)
}

// SubscribeSync creates a synchronous subscription (no handler).
func SubscribeSync(conn Connection, subject string) (*Subscription, error) {
	if conn == nil || subject == "" {
		return nil, ErrInvalidArg
	}
	return conn.Subscribe(subject, "", nil, nil, false)
}

// QueueSubscribe creates an asynchronous queue subscription.
func QueueSubscribe(conn Connection, subject, queue string, handler MsgHandler, closure interface{}) (*Subscription, error) {
	if conn == nil || subject == "" || queue == "" || handler == nil {
		return nil, ErrInvalidArg
	}
	return conn.Subscribe(subject, queue, handler, closure, false)
}

// QueueSubscribeSync creates a synchronous queue subscription.
func QueueSubscribeSync(conn Connection, subject, queue string) (*Subscription, error) {
	if conn == nil || subject == "" || queue == "" {
		return nil, ErrInvalidArg
	}
	return conn.Subscribe(subject, queue, nil, nil, false)
}
