// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"fmt"

	"github.com/absmach/mqttcore/mqtt/codec"
)

// PingReq is a keep-alive probe.
type PingReq struct {
	FixedHeader
}

func (p *PingReq) Type() byte { return PingReqType }

func (p *PingReq) String() string { return p.FixedHeader.String() }

func (p *PingReq) encodeBody(*bytes.Buffer, byte) error { return nil }

func (p *PingReq) decodeBody(*codec.ZeroCopyReader, byte) error { return nil }

// PingResp answers PINGREQ.
type PingResp struct {
	FixedHeader
}

func (p *PingResp) Type() byte { return PingRespType }

func (p *PingResp) String() string { return p.FixedHeader.String() }

func (p *PingResp) encodeBody(*bytes.Buffer, byte) error { return nil }

func (p *PingResp) decodeBody(*codec.ZeroCopyReader, byte) error { return nil }

// Disconnect ends a connection. ReasonCode and Properties are v5 only.
type Disconnect struct {
	FixedHeader

	ReasonCode byte
	Properties Properties
}

func (d *Disconnect) Type() byte { return DisconnectType }

func (d *Disconnect) String() string {
	return fmt.Sprintf("%s reason_code: %#x", d.FixedHeader, d.ReasonCode)
}

func (d *Disconnect) encodeBody(buf *bytes.Buffer, version byte) error {
	return encodeReasonOnly(buf, version, d.ReasonCode, d.Properties)
}

func (d *Disconnect) decodeBody(r *codec.ZeroCopyReader, version byte) (err error) {
	d.ReasonCode, d.Properties, err = decodeReasonOnly(r, version)
	return err
}

// Auth carries v5 enhanced authentication exchanges.
type Auth struct {
	FixedHeader

	ReasonCode byte
	Properties Properties
}

func (a *Auth) Type() byte { return AuthType }

func (a *Auth) String() string {
	return fmt.Sprintf("%s reason_code: %#x", a.FixedHeader, a.ReasonCode)
}

func (a *Auth) encodeBody(buf *bytes.Buffer, version byte) error {
	if version != V5 {
		return fmt.Errorf("%w: AUTH requires protocol 5", ErrProtocolViolation)
	}
	return encodeReasonOnly(buf, version, a.ReasonCode, a.Properties)
}

func (a *Auth) decodeBody(r *codec.ZeroCopyReader, version byte) (err error) {
	if version != V5 {
		return fmt.Errorf("%w: AUTH requires protocol 5", ErrMalformedPacket)
	}
	a.ReasonCode, a.Properties, err = decodeReasonOnly(r, version)
	return err
}

// encodeReasonOnly writes the DISCONNECT/AUTH variable header. A Success
// code with no properties is encoded as an empty body.
func encodeReasonOnly(buf *bytes.Buffer, version byte, rc byte, props Properties) error {
	if version != V5 || (rc == Success && len(props) == 0) {
		return nil
	}
	buf.WriteByte(rc)
	if len(props) == 0 {
		return nil
	}
	return encodeProperties(buf, props)
}

func decodeReasonOnly(r *codec.ZeroCopyReader, version byte) (byte, Properties, error) {
	if version != V5 || r.Remaining() == 0 {
		return Success, nil, nil
	}
	rc, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	if r.Remaining() == 0 {
		return rc, nil, nil
	}
	props, err := decodeProperties(r)
	return rc, props, err
}
