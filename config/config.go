// Package config loads the TOML-based client options this module's
// CLI and any embedding application configure a connection from,
// grounded on the teacher's (core/manage) ConsumerConfig.SetDefaults
// pattern: a plain struct with a defaulting pass, rather than a
// separate builder or options-functions API.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// ClientOptions configures a connection to a broker (SPEC_FULL.md
// §4.12).
type ClientOptions struct {
	// ClientID identifies this client in the CONNECT handshake when an
	// auth token is configured (it is the credential's client ID);
	// it is not used in log or metric labels. Assigned by Load if left
	// blank.
	ClientID string `toml:"client_id"`

	Servers []string `toml:"servers"`

	MaxPendingMsgs int `toml:"max_pending_msgs"`

	AuthToken string `toml:"auth_token"`

	DialTimeout time.Duration `toml:"dial_timeout"`

	LogFormat string `toml:"log_format"`
	LogFile   string `toml:"log_file"`
	LogDebug  bool   `toml:"log_debug"`
}

// SetDefaults returns a copy of o with zero-valued fields replaced by
// sane defaults, mirroring ConsumerConfig.SetDefaults.
func (o ClientOptions) SetDefaults() ClientOptions {
	if len(o.Servers) == 0 {
		o.Servers = []string{"127.0.0.1:4222"}
	}
	if o.MaxPendingMsgs <= 0 {
		o.MaxPendingMsgs = 65536
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.LogFormat == "" {
		o.LogFormat = "ecs"
	}
	if o.ClientID == "" {
		o.ClientID = uuid.NewString()
	}
	return o
}

// Load decodes a TOML file at path into a defaulted ClientOptions.
func Load(path string) (ClientOptions, error) {
	var o ClientOptions
	if _, err := toml.DecodeFile(path, &o); err != nil {
		return ClientOptions{}, err
	}
	return o.SetDefaults(), nil
}
