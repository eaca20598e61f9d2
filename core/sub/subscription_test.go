package sub

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tencherry10/natscore/core/msg"
)

// fakeConn is a minimal Connection collaborator for exercising the
// subscription core in isolation, in the same spirit as
// frame.MockSender in the teacher's producer_test.go.
type fakeConn struct {
	mu             sync.Mutex
	pendingMax     int
	retains        int
	releases       int
	unsubCalls     []int
	removed        []*Subscription
	removedDoUnsub []bool
}

func newFakeConn(pendingMax int) *fakeConn {
	return &fakeConn{pendingMax: pendingMax}
}

func (f *fakeConn) Retain() {
	f.mu.Lock()
	f.retains++
	f.mu.Unlock()
}

func (f *fakeConn) Release() {
	f.mu.Lock()
	f.releases++
	f.mu.Unlock()
}

func (f *fakeConn) Subscribe(subject, queue string, handler MsgHandler, closure interface{}, noDelay bool) (*Subscription, error) {
	return Create(f, subject, queue, handler, closure, noDelay)
}

func (f *fakeConn) Unsubscribe(s *Subscription, max int) error {
	f.mu.Lock()
	f.unsubCalls = append(f.unsubCalls, max)
	f.mu.Unlock()

	if max > 0 {
		s.SetMax(uint64(max))
	} else {
		f.RemoveSubscription(s, true)
	}
	return nil
}

func (f *fakeConn) RemoveSubscription(s *Subscription, doUnsub bool) {
	s.Close(false)

	f.mu.Lock()
	f.removed = append(f.removed, s)
	f.removedDoUnsub = append(f.removedDoUnsub, doUnsub)
	f.mu.Unlock()
}

func (f *fakeConn) MaxPendingMsgs() int { return f.pendingMax }

func newMsg(subject string, data []byte) *msg.Msg {
	return &msg.Msg{Subject: subject, Data: data}
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

// Scenario 1: sync fetch with timeout, empty queue.
func TestNextMsg_TimeoutOnEmptyQueue(t *testing.T) {
	fc := newFakeConn(16)
	s, err := SubscribeSync(fc, "x")
	require.NoError(t, err)

	start := time.Now()
	_, err = s.NextMsg(100 * time.Millisecond)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	require.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
}

// Scenario 2: async delivery order.
func TestSubscribe_DeliversInOrder(t *testing.T) {
	fc := newFakeConn(16)

	var mu sync.Mutex
	var received []string
	done := make(chan struct{})

	handler := func(_ Connection, _ *Subscription, m *msg.Msg, _ interface{}) {
		mu.Lock()
		received = append(received, string(m.Data))
		n := len(received)
		mu.Unlock()

		if n == 5 {
			close(done)
		}
	}

	s, err := Subscribe(fc, "x", handler, nil)
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		s.Enqueue(newMsg("x", []byte{byte('0' + i)}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not receive all 5 messages in time")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"1", "2", "3", "4", "5"}, received)
}

// Scenario 3: AutoUnsubscribe cap.
func TestAutoUnsubscribe_CapsDelivery(t *testing.T) {
	fc := newFakeConn(16)

	var mu sync.Mutex
	count := 0

	handler := func(_ Connection, _ *Subscription, _ *msg.Msg, _ interface{}) {
		mu.Lock()
		count++
		mu.Unlock()
	}

	s, err := Subscribe(fc, "x", handler, nil)
	require.NoError(t, err)

	require.NoError(t, s.AutoUnsubscribe(3))

	for i := 1; i <= 5; i++ {
		s.Enqueue(newMsg("x", []byte{byte('0' + i)}))
	}

	waitForCondition(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 3
	})

	waitForCondition(t, time.Second, func() bool { return !s.IsValid() })

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, count)
}

// Scenario 4: slow consumer, drop-newest with sticky notification.
func TestEnqueue_SlowConsumerDropsNewest(t *testing.T) {
	fc := newFakeConn(2)
	s, err := SubscribeSync(fc, "x")
	require.NoError(t, err)

	require.False(t, s.Enqueue(newMsg("x", []byte("m1"))))
	require.False(t, s.Enqueue(newMsg("x", []byte("m2"))))
	require.True(t, s.Enqueue(newMsg("x", []byte("m3"))), "third message should be dropped")

	_, err = s.NextMsg(time.Second)
	require.ErrorIs(t, err, ErrSlowConsumer)

	m, err := s.NextMsg(time.Second)
	require.NoError(t, err)
	require.Equal(t, "m1", string(m.Data))

	m, err = s.NextMsg(time.Second)
	require.NoError(t, err)
	require.Equal(t, "m2", string(m.Data))

	_, err = s.NextMsg(50 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

// Scenario 5: NextMsg on an async subscription is illegal.
func TestNextMsg_IllegalOnAsyncSubscription(t *testing.T) {
	fc := newFakeConn(16)
	handler := func(Connection, *Subscription, *msg.Msg, interface{}) {}

	s, err := Subscribe(fc, "x", handler, nil)
	require.NoError(t, err)

	_, err = s.NextMsg(time.Second)
	require.ErrorIs(t, err, ErrIllegalState)
}

// Scenario 6: connection close while a sync fetch is blocked.
func TestNextMsg_UnblocksOnConnectionClose(t *testing.T) {
	fc := newFakeConn(16)
	s, err := SubscribeSync(fc, "x")
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		_, err := s.NextMsg(10 * time.Second)
		result <- err
	}()

	waitForCondition(t, time.Second, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.inWait > 0
	})

	s.Close(true)

	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrInvalidSubscription)
	case <-time.After(time.Second):
		t.Fatal("NextMsg did not unblock after connection close")
	}

	_, err = s.NextMsg(time.Second)
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestNoDeliveryDelay_Idempotent(t *testing.T) {
	fc := newFakeConn(16)
	s, err := SubscribeSync(fc, "x")
	require.NoError(t, err)

	s.NoDeliveryDelay()
	s.NoDeliveryDelay()

	s.mu.Lock()
	defer s.mu.Unlock()
	require.True(t, s.noDelay)
}

func TestUnsubscribeThenDestroy_EquivalentToDestroyAlone(t *testing.T) {
	fc := newFakeConn(16)

	s1, err := SubscribeSync(fc, "x")
	require.NoError(t, err)
	require.NoError(t, s1.Unsubscribe())
	s1.Destroy()

	s2, err := SubscribeSync(fc, "x")
	require.NoError(t, err)
	s2.Destroy()

	require.False(t, s1.IsValid())
	require.False(t, s2.IsValid())
}

func TestAutoUnsubscribeZero_EquivalentToUnsubscribe(t *testing.T) {
	fc := newFakeConn(16)
	s, err := SubscribeSync(fc, "x")
	require.NoError(t, err)

	require.NoError(t, s.AutoUnsubscribe(0))
	require.False(t, s.IsValid())
}

func TestQueuedMsgs_InvariantsHold(t *testing.T) {
	fc := newFakeConn(16)
	s, err := SubscribeSync(fc, "x")
	require.NoError(t, err)

	n, err := s.QueuedMsgs()
	require.NoError(t, err)
	require.Zero(t, n)

	s.Enqueue(newMsg("x", []byte("a")))
	s.Enqueue(newMsg("x", []byte("b")))

	n, err = s.QueuedMsgs()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	s.mu.Lock()
	require.NotNil(t, s.tail)
	s.mu.Unlock()

	_, err = s.NextMsg(time.Second)
	require.NoError(t, err)
	_, err = s.NextMsg(time.Second)
	require.NoError(t, err)

	s.mu.Lock()
	require.Nil(t, s.tail)
	require.Zero(t, s.count)
	s.mu.Unlock()
}

func TestQueueSubscribe_RequiresGroupAndHandler(t *testing.T) {
	fc := newFakeConn(16)

	_, err := QueueSubscribe(fc, "x", "", func(Connection, *Subscription, *msg.Msg, interface{}) {}, nil)
	require.True(t, errors.Is(err, ErrInvalidArg))

	_, err = QueueSubscribeSync(fc, "x", "")
	require.True(t, errors.Is(err, ErrInvalidArg))
}
