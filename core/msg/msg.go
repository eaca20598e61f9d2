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

// Package msg holds the wire-independent message record delivered to
// subscribers, and the monotonic ID generator shared by subscriptions
// and requests.
package msg

import (
	"net/textproto"
	"sync/atomic"
)

// Msg is a single message matched against a subscription's subject.
// It is built as a singly linked list node so that a subscription's
// pending queue can be a plain FIFO without a separate container type.
type Msg struct {
	Subject string
	Reply   string
	Data    []byte
	Header  textproto.MIMEHeader

	// Sub is the subscription this message was delivered on. Set by
	// the subscription's Enqueue when the message is queued.
	Sub interface{}

	// next chains pending messages inside a subscription's queue.
	// It is cleared as soon as the message is popped so that nothing
	// downstream of delivery can walk into the rest of the queue.
	next *Msg
}

// Next returns the next message in the subscription's pending queue,
// or nil if this is the tail.
func (m *Msg) Next() *Msg { return m.next }

// MonotonicID is a thread-safe, strictly increasing ID generator used
// for subscription IDs and correlated request IDs.
type MonotonicID struct {
	id uint64
}

// Next returns the next value, starting at 1.
func (m *MonotonicID) Next() uint64 {
	return atomic.AddUint64(&m.id, 1)
}
