// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bootstrap

import (
	"fmt"

	"github.com/absmach/lwm2m-gw/pkg/codec"
	gwerrors "github.com/absmach/lwm2m-gw/pkg/errors"
)

// Object ids provisioned during bootstrap.
const (
	SecurityObject = 0
	ServerObject   = 1
)

// Security modes of the LwM2M Security object.
const (
	SecurityPSK   int64 = 0
	SecurityRPK   int64 = 1
	SecurityX509  int64 = 2
	SecurityNoSec int64 = 3
)

// Security object resource ids.
const (
	resServerURI    = 0
	resBootstrap    = 1
	resSecurityMode = 2
	resIdentity     = 3
	resSecretKey    = 5
	resSecuritySSID = 10
)

// Server object resource ids.
const (
	resServerSSID          = 0
	resLifetime            = 1
	resNotificationStoring = 6
	resBinding             = 7
)

// SecurityInstance describes one instance of the Security object.
type SecurityInstance struct {
	InstanceID    uint16 `toml:"instance_id" json:"instance_id"`
	ServerURI     string `toml:"server_uri" json:"server_uri"`
	Bootstrap     bool   `toml:"bootstrap" json:"bootstrap"`
	Mode          int64  `toml:"mode" json:"mode"`
	ShortServerID int64  `toml:"short_server_id" json:"short_server_id"`
	PSKIdentity   string `toml:"psk_identity,omitempty" json:"psk_identity,omitempty"`
	// PSKKey is hex encoded.
	PSKKey string `toml:"psk_key,omitempty" json:"psk_key,omitempty"`
}

// Resources returns the TLV resources of the instance.
func (s SecurityInstance) Resources() ([]codec.Resource, error) {
	res := []codec.Resource{
		{ID: resServerURI, Value: codec.String(s.ServerURI)},
		{ID: resBootstrap, Value: codec.Boolean(s.Bootstrap)},
		{ID: resSecurityMode, Value: codec.Integer(s.Mode)},
	}
	if s.PSKIdentity != "" {
		res = append(res, codec.Resource{ID: resIdentity, Value: codec.Opaque([]byte(s.PSKIdentity))})
	}
	if s.PSKKey != "" {
		key, err := codec.OpaqueFromHex(s.PSKKey)
		if err != nil {
			return nil, err
		}
		res = append(res, codec.Resource{ID: resSecretKey, Value: key})
	}
	if !s.Bootstrap {
		res = append(res, codec.Resource{ID: resSecuritySSID, Value: codec.Integer(s.ShortServerID)})
	}
	return res, nil
}

// ServerInstance describes one instance of the Server object.
type ServerInstance struct {
	InstanceID          uint16 `toml:"instance_id" json:"instance_id"`
	ShortServerID       int64  `toml:"short_server_id" json:"short_server_id"`
	Lifetime            int64  `toml:"lifetime" json:"lifetime"`
	Binding             string `toml:"binding" json:"binding"`
	NotificationStoring bool   `toml:"notification_storing" json:"notification_storing"`
}

// Resources returns the TLV resources of the instance.
func (s ServerInstance) Resources() []codec.Resource {
	return []codec.Resource{
		{ID: resServerSSID, Value: codec.Integer(s.ShortServerID)},
		{ID: resLifetime, Value: codec.Integer(s.Lifetime)},
		{ID: resNotificationStoring, Value: codec.Boolean(s.NotificationStoring)},
		{ID: resBinding, Value: codec.String(s.Binding)},
	}
}

// Config is the provisioning plan for one device. It is treated as
// immutable once a provisioning run has read it.
type Config struct {
	Security []SecurityInstance `toml:"security" json:"security"`
	Servers  []ServerInstance   `toml:"server" json:"servers"`
}

// Validate checks the config is complete enough to provision.
func (c Config) Validate() error {
	if len(c.Security) == 0 {
		return gwerrors.Validation("bootstrap config has no security instances")
	}
	seen := make(map[uint16]bool)
	for _, s := range c.Security {
		if s.ServerURI == "" {
			return gwerrors.Validation("security instance %d has no server URI", s.InstanceID)
		}
		if s.Mode < SecurityPSK || s.Mode > SecurityNoSec {
			return gwerrors.Validation("security instance %d has invalid mode %d", s.InstanceID, s.Mode)
		}
		if seen[s.InstanceID] {
			return gwerrors.Validation("duplicate security instance %d", s.InstanceID)
		}
		seen[s.InstanceID] = true
	}
	seen = make(map[uint16]bool)
	for _, s := range c.Servers {
		if s.Lifetime <= 0 {
			return gwerrors.Validation("server instance %d has invalid lifetime %d", s.InstanceID, s.Lifetime)
		}
		if seen[s.InstanceID] {
			return gwerrors.Validation("duplicate server instance %d", s.InstanceID)
		}
		seen[s.InstanceID] = true
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate a stored config.
func (c Config) Clone() Config {
	return Config{
		Security: append([]SecurityInstance(nil), c.Security...),
		Servers:  append([]ServerInstance(nil), c.Servers...),
	}
}

func securityPath(id uint16) string {
	return fmt.Sprintf("/%d/%d", SecurityObject, id)
}

func serverPath(id uint16) string {
	return fmt.Sprintf("/%d/%d", ServerObject, id)
}
