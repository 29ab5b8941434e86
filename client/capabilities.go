// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"math"

	"github.com/absmach/mqttcore/mqtt/packets"
)

// ServerCapabilities represents the capabilities and limits
// advertised by the server in the CONNACK packet (MQTT 5.0).
type ServerCapabilities struct {
	// SessionExpiryInterval is the session expiry interval negotiated by the server.
	// If nil, the server accepted the client's requested value.
	SessionExpiryInterval *uint32

	// ReceiveMaximum is the maximum number of QoS 1 and QoS 2 publications
	// that the server is willing to process concurrently.
	ReceiveMaximum uint16

	// MaximumQoS is the maximum QoS level the server supports.
	MaximumQoS byte

	RetainAvailable bool

	// MaximumPacketSize is the maximum packet size the server is willing to accept.
	// If nil, there is no limit beyond the protocol maximum.
	MaximumPacketSize *uint32

	// AssignedClientID is set when the client connected with an empty id.
	AssignedClientID string

	// TopicAliasMaximum is the maximum topic alias value the server accepts.
	// 0 means topic aliases are not supported by the server.
	TopicAliasMaximum uint16

	ReasonString   string
	UserProperties map[string]string

	WildcardSubscriptionAvailable    bool
	SubscriptionIdentifiersAvailable bool
	SharedSubscriptionAvailable      bool

	// ServerKeepAlive is the keep alive time assigned by the server.
	// If nil, the server accepted the client's requested value.
	ServerKeepAlive *uint16

	ResponseInformation string
	ServerReference     string
}

// parseCapabilities reads the CONNACK properties. Absent properties take
// their protocol defaults; v3 servers get the defaults as well.
func parseCapabilities(props packets.Properties) *ServerCapabilities {
	caps := &ServerCapabilities{
		ReceiveMaximum:                   math.MaxUint16,
		MaximumQoS:                       2,
		RetainAvailable:                  true,
		WildcardSubscriptionAvailable:    true,
		SubscriptionIdentifiersAvailable: true,
		SharedSubscriptionAvailable:      true,
	}
	if v, ok := props.Uint(packets.SessionExpiryIntervalProp); ok {
		caps.SessionExpiryInterval = &v
	}
	if v, ok := props.Uint(packets.ReceiveMaximumProp); ok {
		caps.ReceiveMaximum = uint16(v)
	}
	if v, ok := props.Uint(packets.MaximumQoSProp); ok {
		caps.MaximumQoS = byte(v)
	}
	if v, ok := props.Uint(packets.RetainAvailableProp); ok {
		caps.RetainAvailable = v != 0
	}
	if v, ok := props.Uint(packets.MaximumPacketSizeProp); ok {
		caps.MaximumPacketSize = &v
	}
	if v, ok := props.Uint(packets.TopicAliasMaximumProp); ok {
		caps.TopicAliasMaximum = uint16(v)
	}
	if v, ok := props.Uint(packets.WildcardSubAvailableProp); ok {
		caps.WildcardSubscriptionAvailable = v != 0
	}
	if v, ok := props.Uint(packets.SubIDAvailableProp); ok {
		caps.SubscriptionIdentifiersAvailable = v != 0
	}
	if v, ok := props.Uint(packets.SharedSubAvailableProp); ok {
		caps.SharedSubscriptionAvailable = v != 0
	}
	if v, ok := props.Uint(packets.ServerKeepAliveProp); ok {
		ka := uint16(v)
		caps.ServerKeepAlive = &ka
	}
	caps.AssignedClientID, _ = props.Str(packets.AssignedClientIDProp)
	caps.ReasonString, _ = props.Str(packets.ReasonStringProp)
	caps.ResponseInformation, _ = props.Str(packets.ResponseInfoProp)
	caps.ServerReference, _ = props.Str(packets.ServerReferenceProp)

	if users := props.UserProperties(); len(users) > 0 {
		caps.UserProperties = make(map[string]string, len(users))
		for _, kv := range users {
			caps.UserProperties[kv[0]] = kv[1]
		}
	}
	return caps
}
