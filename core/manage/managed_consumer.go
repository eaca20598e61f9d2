// Copyright 2018 Comcast Cable Communications Management, LLC
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package manage provides the context-aware Receive/ReceiveAsync
// ergonomics the teacher's ManagedConsumer gave callers, built directly
// on top of a core/sub.Subscription instead of a Pulsar consumer with
// its own ack/flow-control and reconnect state machine: reconnection is
// out of scope here, since core/conn only ever dials once, so there is
// nothing for a manage loop to supervise.
package manage

import (
	"context"
	"errors"
	"time"

	"github.com/tencherry10/natscore/core/msg"
	"github.com/tencherry10/natscore/core/sub"
)

// ErrClosed is returned by Receive/ReceiveAsync once the underlying
// subscription has been torn down.
var ErrClosed = errors.New("manage: subscription closed")

// pollInterval bounds each NextMsg call so Receive can still notice ctx
// cancellation promptly. It is not a delivery-latency guarantee; that
// is the signal timer's job inside core/sub.
const pollInterval = 200 * time.Millisecond

// NewSubscriber wraps an already-created synchronous subscription
// (one created with sub.SubscribeSync or sub.QueueSubscribeSync, i.e.
// handler == nil) with context-cancellable Receive/ReceiveAsync calls.
func NewSubscriber(s *sub.Subscription) *Subscriber {
	return &Subscriber{sub: s}
}

// Subscriber adds context-aware blocking reads on top of a synchronous
// Subscription, the same convenience the teacher's ManagedConsumer.Receive
// gave callers over a bare consumer, minus the reconnect machinery.
type Subscriber struct {
	sub *sub.Subscription
}

// Receive returns a single message, blocking until one arrives, ctx is
// done, or the subscription closes. Mirrors ManagedConsumer.Receive's
// shape but polls the subscription with a short timeout instead of
// waiting on a consumer-owned channel, since Subscription.NextMsg
// already implements the blocking/timeout logic directly.
func (s *Subscriber) Receive(ctx context.Context) (*msg.Msg, error) {
	for {
		if !s.sub.IsValid() {
			return nil, ErrClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		m, err := s.sub.NextMsg(pollInterval)
		if err == nil {
			return m, nil
		}
		if errors.Is(err, sub.ErrTimeout) {
			continue
		}
		return nil, err
	}
}

// ReceiveAsync blocks until ctx is done or the subscription closes,
// continuously forwarding messages to msgs. It is the channel-based
// counterpart to Receive, mirroring ManagedConsumer.ReceiveAsync's
// shape without the teacher's flow-control high-water accounting: this
// protocol has no consumer-side flow control to manage.
func (s *Subscriber) ReceiveAsync(ctx context.Context, msgs chan<- *msg.Msg) error {
	for {
		m, err := s.Receive(ctx)
		if err != nil {
			return err
		}

		select {
		case msgs <- m:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close unsubscribes and releases the wrapped subscription's reference.
func (s *Subscriber) Close() {
	s.sub.Destroy()
}
