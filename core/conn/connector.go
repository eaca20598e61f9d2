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

package conn

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/tencherry10/natscore/core/auth"
	"github.com/tencherry10/natscore/core/proto"
)

// NewConnector returns a ready-to-use connector bound to c's writer
// and (not-yet-started) reader.
func NewConnector(c *Conn) *Connector {
	return &Connector{c: c}
}

// connectArgs is the JSON body of the CONNECT frame.
type connectArgs struct {
	ClientID  string `json:"client_id"`
	AuthToken string `json:"auth_token,omitempty"`
}

// Connector encapsulates the CONNECT <-> (+OK|-ERR) handshake, the
// text-protocol analogue of the teacher's CONNECT <-> (CONNECTED|ERROR)
// request-response cycle.
type Connector struct {
	c *Conn
}

// Connect sends CONNECT, optionally bearing a signed credential, and
// blocks for the server's +OK or -ERR reply. Must run before the read
// loop starts, since it reads synchronously off the same bufio.Reader.
func (c *Connector) Connect(cred *auth.Credential) error {
	args := connectArgs{ClientID: "anonymous"}

	if cred != nil {
		args.ClientID = cred.ClientID
		token, err := cred.Sign()
		if err != nil {
			return errors.Wrap(err, "conn: signing credential")
		}
		args.AuthToken = token
	}

	body, err := json.Marshal(args)
	if err != nil {
		return errors.Wrap(err, "conn: encoding CONNECT")
	}

	if err := c.c.writeFrame(&proto.Frame{Op: proto.OpConnect, ConnectJSON: body}); err != nil {
		return errors.Wrap(err, "conn: sending CONNECT")
	}

	resp, err := proto.ReadFrame(c.c.r)
	if err != nil {
		return errors.Wrap(err, "conn: reading CONNECT response")
	}

	switch resp.Op {
	case proto.OpOK:
		return nil
	case proto.OpErr:
		return errors.Errorf("conn: server rejected CONNECT: %s", resp.ErrReason)
	default:
		return errors.Errorf("conn: unexpected response to CONNECT: %s", resp.Op)
	}
}
