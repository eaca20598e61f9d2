package manage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tencherry10/natscore/core/msg"
	"github.com/tencherry10/natscore/core/sub"
)

// fakeConn is a minimal sub.Connection collaborator, in the same spirit
// as core/sub's own fakeConn test helper.
type fakeConn struct {
	mu         sync.Mutex
	pendingMax int
}

func newFakeConn() *fakeConn { return &fakeConn{pendingMax: 16} }

func (f *fakeConn) Retain()  {}
func (f *fakeConn) Release() {}

func (f *fakeConn) Subscribe(subject, queue string, handler sub.MsgHandler, closure interface{}, noDelay bool) (*sub.Subscription, error) {
	return sub.Create(f, subject, queue, handler, closure, noDelay)
}

func (f *fakeConn) Unsubscribe(s *sub.Subscription, max int) error {
	if max > 0 {
		s.SetMax(uint64(max))
	} else {
		f.RemoveSubscription(s, true)
	}
	return nil
}

func (f *fakeConn) RemoveSubscription(s *sub.Subscription, doUnsub bool) {
	s.Close(false)
}

func (f *fakeConn) MaxPendingMsgs() int { return f.pendingMax }

func TestSubscriber_ReceiveReturnsEnqueuedMessage(t *testing.T) {
	fc := newFakeConn()
	s, err := sub.SubscribeSync(fc, "x")
	require.NoError(t, err)

	subscriber := NewSubscriber(s)
	defer subscriber.Close()

	s.Enqueue(&msg.Msg{Subject: "x", Data: []byte("hello")})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	m, err := subscriber.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "x", m.Subject)
	require.Equal(t, []byte("hello"), m.Data)
}

func TestSubscriber_ReceiveUnblocksOnContextCancel(t *testing.T) {
	fc := newFakeConn()
	s, err := sub.SubscribeSync(fc, "x")
	require.NoError(t, err)

	subscriber := NewSubscriber(s)
	defer subscriber.Close()

	ctx, cancel := context.WithCancel(context.Background())

	result := make(chan error, 1)
	go func() {
		_, err := subscriber.Receive(ctx)
		result <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-result:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Receive did not unblock after context cancellation")
	}
}

func TestSubscriber_ReceiveReturnsErrClosedAfterDestroy(t *testing.T) {
	fc := newFakeConn()
	s, err := sub.SubscribeSync(fc, "x")
	require.NoError(t, err)

	subscriber := NewSubscriber(s)
	s.Destroy()

	_, err = subscriber.Receive(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestSubscriber_ReceiveAsyncForwardsMessagesInOrder(t *testing.T) {
	fc := newFakeConn()
	s, err := sub.SubscribeSync(fc, "x")
	require.NoError(t, err)

	subscriber := NewSubscriber(s)
	defer subscriber.Close()

	for i := 1; i <= 3; i++ {
		s.Enqueue(&msg.Msg{Subject: "x", Data: []byte{byte('0' + i)}})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs := make(chan *msg.Msg)
	go func() { _ = subscriber.ReceiveAsync(ctx, msgs) }()

	var got []byte
	for i := 0; i < 3; i++ {
		select {
		case m := <-msgs:
			got = append(got, m.Data...)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for async message")
		}
	}
	require.Equal(t, []byte{'1', '2', '3'}, got)
}
