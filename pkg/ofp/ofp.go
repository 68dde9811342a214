// Package ofp decodes the parts of OpenFlow 1.3 messages the correlator needs:
// the common header, the packet-in payload and the flow-mod match.
package ofp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/ofprobe/ofprobe/pkg/telemetry"
)

// Version13 is the wire version byte of OpenFlow 1.3.
const Version13 = 0x04

// Message type codes.
const (
	TypeHello           = 0
	TypeError           = 1
	TypeEchoRequest     = 2
	TypeEchoReply       = 3
	TypeFeaturesRequest = 5
	TypeFeaturesReply   = 6
	TypePacketIn        = 10
	TypePacketOut       = 13
	TypeFlowMod         = 14
	TypeBarrierRequest  = 20
	TypeBarrierReply    = 21
)

const (
	headerLen = 8

	packetInMatchOffset = 24 // ofp_match inside a packet-in
	packetInPadBytes    = 2
	flowModMatchOffset  = 48 // ofp_match inside a flow-mod

	matchTypeOXM = 1
	oxmClassBase = 0x8000
)

// OXM basic field numbers.
const (
	oxmInPort  = 0
	oxmEthDst  = 3
	oxmEthSrc  = 4
	oxmEthType = 5
	oxmIPProto = 10
	oxmIPv4Src = 11
	oxmIPv4Dst = 12
	oxmTCPSrc  = 13
	oxmTCPDst  = 14
	oxmUDPSrc  = 15
	oxmUDPDst  = 16
	oxmIPv6Src = 26
	oxmIPv6Dst = 27
)

var (
	ErrShort   = errors.New("ofp: message truncated")
	ErrVersion = errors.New("ofp: unsupported version")
)

var typeNames = map[uint8]telemetry.MessageType{
	TypeHello:           telemetry.TypeHello,
	TypeEchoRequest:     telemetry.TypeEchoRequest,
	TypeEchoReply:       telemetry.TypeEchoReply,
	TypeFeaturesRequest: telemetry.TypeFeaturesRequest,
	TypeFeaturesReply:   telemetry.TypeFeaturesReply,
	TypePacketIn:        telemetry.TypePacketIn,
	TypePacketOut:       telemetry.TypePacketOut,
	TypeFlowMod:         telemetry.TypeFlowMod,
	TypeBarrierRequest:  telemetry.TypeBarrierRequest,
	TypeBarrierReply:    telemetry.TypeBarrierReply,
}

// MessageType maps a wire type code to its telemetry type. Codes outside the
// tracked set map to TypeUnclassified.
func MessageType(code uint8) telemetry.MessageType {
	if t, ok := typeNames[code]; ok {
		return t
	}
	return telemetry.TypeUnclassified
}

// TypeCode is the inverse of MessageType.
func TypeCode(t telemetry.MessageType) (uint8, bool) {
	for code, name := range typeNames {
		if name == t {
			return code, true
		}
	}
	return 0, false
}

// Header is the fixed 8-byte OpenFlow header.
type Header struct {
	Version uint8
	Type    uint8
	Length  uint16
	Xid     uint32
}

// ParseHeader decodes the header and checks that b holds the whole message.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < headerLen {
		return Header{}, fmt.Errorf("ofp.ParseHeader: %d bytes: %w", len(b), ErrShort)
	}
	h := Header{
		Version: b[0],
		Type:    b[1],
		Length:  binary.BigEndian.Uint16(b[2:4]),
		Xid:     binary.BigEndian.Uint32(b[4:8]),
	}
	if h.Version != Version13 {
		return h, fmt.Errorf("ofp.ParseHeader: version 0x%02x: %w", h.Version, ErrVersion)
	}
	if int(h.Length) < headerLen || int(h.Length) > len(b) {
		return h, fmt.Errorf("ofp.ParseHeader: length %d of %d bytes: %w", h.Length, len(b), ErrShort)
	}
	return h, nil
}

// matchLen returns the padded length of the ofp_match at off.
func matchLen(b []byte, off int) (raw, padded int, err error) {
	if len(b) < off+4 {
		return 0, 0, ErrShort
	}
	raw = int(binary.BigEndian.Uint16(b[off+2 : off+4]))
	if raw < 4 {
		return 0, 0, fmt.Errorf("ofp: match length %d", raw)
	}
	padded = (raw + 7) / 8 * 8
	if len(b) < off+raw {
		return 0, 0, ErrShort
	}
	return raw, padded, nil
}

// ParseMatch decodes the OXM TLVs of an ofp_match starting at b[0].
// Non-basic classes and untracked fields are skipped.
func ParseMatch(b []byte) (telemetry.FlowMatch, error) {
	var m telemetry.FlowMatch
	raw, _, err := matchLen(b, 0)
	if err != nil {
		return m, fmt.Errorf("ofp.ParseMatch: %w", err)
	}
	if t := binary.BigEndian.Uint16(b[0:2]); t != matchTypeOXM {
		return m, fmt.Errorf("ofp.ParseMatch: match type %d", t)
	}
	for p := 4; p+4 <= raw; {
		class := binary.BigEndian.Uint16(b[p : p+2])
		field := b[p+2] >> 1
		hasMask := b[p+2]&1 == 1
		n := int(b[p+3])
		val := p + 4
		if val+n > raw {
			return m, fmt.Errorf("ofp.ParseMatch: oxm at %d: %w", p, ErrShort)
		}
		v := b[val : val+n]
		if hasMask {
			v = v[:n/2]
		}
		if class == oxmClassBase {
			setField(&m, field, v)
		}
		p = val + n
	}
	return m, nil
}

func setField(m *telemetry.FlowMatch, field uint8, v []byte) {
	switch {
	case field == oxmInPort && len(v) == 4:
		m.InPort = binary.BigEndian.Uint32(v)
	case field == oxmEthDst && len(v) == 6:
		m.EthDst = net.HardwareAddr(v).String()
	case field == oxmEthSrc && len(v) == 6:
		m.EthSrc = net.HardwareAddr(v).String()
	case field == oxmEthType && len(v) == 2:
		m.EthType = binary.BigEndian.Uint16(v)
	case field == oxmIPProto && len(v) == 1:
		m.IPProto = v[0]
	case (field == oxmIPv4Src && len(v) == 4) || (field == oxmIPv6Src && len(v) == 16):
		m.IPSrc = net.IP(v).String()
	case (field == oxmIPv4Dst && len(v) == 4) || (field == oxmIPv6Dst && len(v) == 16):
		m.IPDst = net.IP(v).String()
	case (field == oxmTCPSrc || field == oxmUDPSrc) && len(v) == 2:
		m.TpSrc = binary.BigEndian.Uint16(v)
	case (field == oxmTCPDst || field == oxmUDPDst) && len(v) == 2:
		m.TpDst = binary.BigEndian.Uint16(v)
	}
}

// PacketIn returns the match and the Ethernet frame carried by a packet-in.
func PacketIn(b []byte) (telemetry.FlowMatch, []byte, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return telemetry.FlowMatch{}, nil, err
	}
	if h.Type != TypePacketIn {
		return telemetry.FlowMatch{}, nil, fmt.Errorf("ofp.PacketIn: message type %d", h.Type)
	}
	b = b[:h.Length]
	_, padded, err := matchLen(b, packetInMatchOffset)
	if err != nil {
		return telemetry.FlowMatch{}, nil, fmt.Errorf("ofp.PacketIn: %w", err)
	}
	m, err := ParseMatch(b[packetInMatchOffset:])
	if err != nil {
		return m, nil, fmt.Errorf("ofp.PacketIn: %w", err)
	}
	data := packetInMatchOffset + padded + packetInPadBytes
	if data > len(b) {
		return m, nil, fmt.Errorf("ofp.PacketIn: data offset %d: %w", data, ErrShort)
	}
	return m, b[data:], nil
}

// FlowModMatch returns the match of a flow-mod.
func FlowModMatch(b []byte) (telemetry.FlowMatch, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return telemetry.FlowMatch{}, err
	}
	if h.Type != TypeFlowMod {
		return telemetry.FlowMatch{}, fmt.Errorf("ofp.FlowModMatch: message type %d", h.Type)
	}
	if int(h.Length) < flowModMatchOffset+4 {
		return telemetry.FlowMatch{}, fmt.Errorf("ofp.FlowModMatch: length %d: %w", h.Length, ErrShort)
	}
	m, err := ParseMatch(b[flowModMatchOffset:h.Length])
	if err != nil {
		return m, fmt.Errorf("ofp.FlowModMatch: %w", err)
	}
	return m, nil
}

// Fill completes ev from its Raw message. Fields the caller already set win.
func Fill(ev *telemetry.RawEvent) error {
	if len(ev.Raw) == 0 {
		return nil
	}
	h, err := ParseHeader(ev.Raw)
	if err != nil {
		return err
	}
	if ev.Type == "" {
		ev.Type = MessageType(h.Type)
	}
	if ev.Size == 0 {
		ev.Size = int(h.Length)
	}
	if ev.Xid == nil {
		xid := h.Xid
		ev.Xid = &xid
	}
	switch h.Type {
	case TypePacketIn:
		m, frame, err := PacketIn(ev.Raw)
		if err != nil {
			return err
		}
		if ev.Frame == nil {
			ev.Frame = frame
		}
		if ev.Match == nil {
			ev.Match = &telemetry.FlowMatch{InPort: m.InPort}
		}
	case TypeFlowMod:
		if ev.Match == nil {
			m, err := FlowModMatch(ev.Raw)
			if err != nil {
				return err
			}
			ev.Match = &m
		}
	}
	return nil
}
