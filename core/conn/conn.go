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

// Package conn is the only caller core/sub actually has: a minimal
// line-protocol client connection that dials a broker, reads frames
// off the wire, and fans MSG frames into the matching subscription's
// Enqueue. It plays the role the teacher's core/conn.Conn plays for
// the Pulsar binary protocol, adapted to core/proto's text frames.
package conn

import (
	"bufio"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/tencherry10/natscore/core/auth"
	"github.com/tencherry10/natscore/core/msg"
	"github.com/tencherry10/natscore/core/proto"
	"github.com/tencherry10/natscore/core/sub"
	"github.com/tencherry10/natscore/internal/logging"
	"github.com/tencherry10/natscore/internal/metrics"
)

// Options configures a Conn (SPEC_FULL.md §3).
type Options struct {
	Servers        []string
	MaxPendingMsgs int
	AuthToken      string
	DialTimeout    time.Duration

	Logger   logging.Logger
	Recorder metrics.Recorder
}

// Dial connects to the first reachable address in opts.Servers and
// performs the CONNECT handshake via a Connector, mirroring the
// teacher's NewTCPConn followed by a Connector.Connect call.
func Dial(opts Options, cred *auth.Credential) (*Conn, error) {
	if len(opts.Servers) == 0 {
		return nil, errors.New("conn: no servers configured")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = metrics.Noop
	}

	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var (
		nc  net.Conn
		err error
	)
	for _, addr := range opts.Servers {
		addr = strings.TrimPrefix(addr, "nats://")
		nc, err = net.DialTimeout("tcp", addr, timeout)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, "conn: dial")
	}

	c := &Conn{
		nc:             nc,
		r:              bufio.NewReader(nc),
		closedc:        make(chan struct{}),
		subs:           make(map[uint64]*sub.Subscription),
		maxPendingMsgs: opts.MaxPendingMsgs,
		log:            logger,
		recorder:       recorder,
	}

	if err := c.connect(cred); err != nil {
		_ = c.Close()
		return nil, err
	}

	go c.readLoop()

	return c, nil
}

// Conn writes and reads core/proto frames to and from the underlying
// TCP connection, and owns the registry of live subscriptions.
type Conn struct {
	nc net.Conn
	r  *bufio.Reader

	wmu sync.Mutex // protects writes to nc, same role as the teacher's Wmu

	cmu      sync.Mutex
	isClosed bool
	closedc  chan struct{}

	refMu sync.Mutex
	refs  int

	regMu          sync.Mutex
	subs           map[uint64]*sub.Subscription
	maxPendingMsgs int
	sidGen         msg.MonotonicID

	log      logging.Logger
	recorder metrics.Recorder
}

// connect performs the CONNECT/+OK handshake via a Connector.
func (c *Conn) connect(cred *auth.Credential) error {
	connector := NewConnector(c)
	return connector.Connect(cred)
}

// Close closes the underlying connection and marks every live
// subscription connection-closed, mirroring the teacher's Close plus
// the C client's "connection close tears down subscriptions" behavior.
func (c *Conn) Close() error {
	c.cmu.Lock()
	if c.isClosed {
		c.cmu.Unlock()
		return nil
	}
	c.isClosed = true
	close(c.closedc)
	c.cmu.Unlock()

	c.regMu.Lock()
	subs := make([]*sub.Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.regMu.Unlock()

	for _, s := range subs {
		s.Close(true)
	}

	return c.nc.Close()
}

// Closed returns a channel that unblocks once Close has run.
func (c *Conn) Closed() <-chan struct{} { return c.closedc }

// Retain/Release implement sub.Connection: every subscription holds
// exactly one reference to its connection for its own lifetime.
func (c *Conn) Retain() {
	c.refMu.Lock()
	c.refs++
	c.refMu.Unlock()
}

func (c *Conn) Release() {
	c.refMu.Lock()
	c.refs--
	c.refMu.Unlock()
}

// MaxPendingMsgs implements sub.Connection.
func (c *Conn) MaxPendingMsgs() int { return c.maxPendingMsgs }

// readLoop decodes frames until the connection errors or closes,
// dispatching MSG frames to their subscription. Mirrors the teacher's
// Conn.Read(frameHandler).
func (c *Conn) readLoop() {
	for {
		f, err := proto.ReadFrame(c.r)
		if err != nil {
			c.log.Warnf("conn: read error, closing: %v", err)
			_ = c.Close()
			return
		}

		switch f.Op {
		case proto.OpMsg:
			c.dispatch(f)
		case proto.OpPing:
			_ = c.writeFrame(&proto.Frame{Op: proto.OpPong})
		case proto.OpErr:
			c.log.Errorf("conn: server error: %s", f.ErrReason)
		default:
			c.log.Debugf("conn: ignoring unexpected frame %s", f.Op)
		}
	}
}

func (c *Conn) dispatch(f *proto.Frame) {
	c.regMu.Lock()
	s := c.subs[f.Sid]
	c.regMu.Unlock()

	if s == nil {
		return
	}

	m := &msg.Msg{Subject: f.Subject, Reply: f.Reply, Data: f.Payload}
	if dropped := s.Enqueue(m); dropped {
		c.log.Warnf("conn: dropped message for subject %s (sid %d)", f.Subject, f.Sid)
	}
}

// writeFrame serializes f under the single writer mutex so concurrent
// Publish/Subscribe/Unsubscribe calls never interleave their bytes on
// the wire, exactly like the teacher's writeFrame.
func (c *Conn) writeFrame(f *proto.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return proto.WriteFrame(c.nc, f)
}

// Subscribe implements sub.Connection: allocate a subscription, assign
// it a sid, register it, then send SUB.
func (c *Conn) Subscribe(subject, queue string, handler sub.MsgHandler, closure interface{}, noDelay bool) (*sub.Subscription, error) {
	s, err := sub.Create(c, subject, queue, handler, closure, noDelay)
	if err != nil {
		return nil, err
	}
	s.SetRecorder(c.recorder)

	sid := c.sidGen.Next()

	c.regMu.Lock()
	c.subs[sid] = s
	c.regMu.Unlock()

	if err := c.writeFrame(&proto.Frame{Op: proto.OpSub, Subject: subject, Queue: queue, Sid: sid}); err != nil {
		c.regMu.Lock()
		delete(c.subs, sid)
		c.regMu.Unlock()
		s.Release()
		return nil, errors.Wrap(err, "conn: sending SUB")
	}

	return s, nil
}

// Unsubscribe implements sub.Connection: send UNSUB, arming the
// auto-unsubscribe cap locally when max > 0.
func (c *Conn) Unsubscribe(s *sub.Subscription, max int) error {
	sid, ok := c.sidOf(s)
	if !ok {
		return sub.ErrInvalidSubscription
	}

	if err := c.writeFrame(&proto.Frame{Op: proto.OpUnsub, Sid: sid, Max: max}); err != nil {
		return errors.Wrap(err, "conn: sending UNSUB")
	}

	if max > 0 {
		s.SetMax(uint64(max))
	} else {
		c.RemoveSubscription(s, false)
	}

	return nil
}

// RemoveSubscription implements sub.Connection: mark the subscription
// closed and drop it from the registry, optionally sending a plain UNSUB
// first (core/sub passes doUnsub=true once a subscription has reached
// its auto-unsubscribe cap, in the delivery goroutine or in NextMsg).
func (c *Conn) RemoveSubscription(s *sub.Subscription, doUnsub bool) {
	sid, ok := c.sidOf(s)
	if !ok {
		return
	}

	if doUnsub {
		_ = c.writeFrame(&proto.Frame{Op: proto.OpUnsub, Sid: sid})
	}

	c.regMu.Lock()
	delete(c.subs, sid)
	c.regMu.Unlock()

	s.Close(false)
}

func (c *Conn) sidOf(target *sub.Subscription) (uint64, bool) {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	for sid, s := range c.subs {
		if s == target {
			return sid, true
		}
	}
	return 0, false
}

// Publish sends a fire-and-forget PUB frame; there is no producer
// sequencing or ack to wait on in this protocol.
func (c *Conn) Publish(subject, reply string, data []byte) error {
	return c.writeFrame(&proto.Frame{Op: proto.OpPub, Subject: subject, Reply: reply, Payload: data})
}
