package ofp

import (
	"encoding/binary"
	"net"

	"github.com/ofprobe/ofprobe/pkg/telemetry"
)

const noBuffer = 0xffffffff

// Append encodes the 8-byte header onto b.
func (h Header) Append(b []byte) []byte {
	b = append(b, h.Version, h.Type)
	b = binary.BigEndian.AppendUint16(b, h.Length)
	return binary.BigEndian.AppendUint32(b, h.Xid)
}

// Message encodes a body-less message such as hello, barrier or echo.
func Message(code uint8, xid uint32) []byte {
	return Header{Version: Version13, Type: code, Length: headerLen, Xid: xid}.Append(nil)
}

func appendOXM(b []byte, field uint8, v []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, oxmClassBase)
	return append(append(b, field<<1, byte(len(v))), v...)
}

// EncodeMatch builds an OXM ofp_match, padded to a multiple of 8.
func EncodeMatch(m telemetry.FlowMatch) []byte {
	var tlv []byte
	if m.InPort != 0 {
		tlv = appendOXM(tlv, oxmInPort, binary.BigEndian.AppendUint32(nil, m.InPort))
	}
	if hw, err := net.ParseMAC(m.EthDst); err == nil {
		tlv = appendOXM(tlv, oxmEthDst, hw)
	}
	if hw, err := net.ParseMAC(m.EthSrc); err == nil {
		tlv = appendOXM(tlv, oxmEthSrc, hw)
	}
	if m.EthType != 0 {
		tlv = appendOXM(tlv, oxmEthType, binary.BigEndian.AppendUint16(nil, m.EthType))
	}
	if m.IPProto != 0 {
		tlv = appendOXM(tlv, oxmIPProto, []byte{m.IPProto})
	}
	if ip := net.ParseIP(m.IPSrc); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			tlv = appendOXM(tlv, oxmIPv4Src, v4)
		} else {
			tlv = appendOXM(tlv, oxmIPv6Src, ip.To16())
		}
	}
	if ip := net.ParseIP(m.IPDst); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			tlv = appendOXM(tlv, oxmIPv4Dst, v4)
		} else {
			tlv = appendOXM(tlv, oxmIPv6Dst, ip.To16())
		}
	}
	src, dst := uint8(oxmTCPSrc), uint8(oxmTCPDst)
	if m.IPProto == 17 {
		src, dst = oxmUDPSrc, oxmUDPDst
	}
	if m.TpSrc != 0 {
		tlv = appendOXM(tlv, src, binary.BigEndian.AppendUint16(nil, m.TpSrc))
	}
	if m.TpDst != 0 {
		tlv = appendOXM(tlv, dst, binary.BigEndian.AppendUint16(nil, m.TpDst))
	}

	n := 4 + len(tlv)
	b := binary.BigEndian.AppendUint16(nil, matchTypeOXM)
	b = binary.BigEndian.AppendUint16(b, uint16(n))
	b = append(b, tlv...)
	for len(b)%8 != 0 {
		b = append(b, 0)
	}
	return b
}

// EncodePacketIn builds a packet-in carrying frame, received on inPort.
func EncodePacketIn(xid, inPort uint32, frame []byte) []byte {
	match := EncodeMatch(telemetry.FlowMatch{InPort: inPort})
	length := packetInMatchOffset + len(match) + packetInPadBytes + len(frame)

	b := make([]byte, 0, length)
	b = Header{Version: Version13, Type: TypePacketIn, Length: uint16(length), Xid: xid}.Append(b)
	b = binary.BigEndian.AppendUint32(b, noBuffer)
	b = binary.BigEndian.AppendUint16(b, uint16(len(frame))) // total_len
	b = append(b, 0, 0)                                      // reason, table_id
	b = binary.BigEndian.AppendUint64(b, 0)                  // cookie
	b = append(b, match...)
	b = append(b, 0, 0)
	return append(b, frame...)
}

// EncodeFlowMod builds an add flow-mod with the given match and no instructions.
func EncodeFlowMod(xid uint32, m telemetry.FlowMatch) []byte {
	match := EncodeMatch(m)
	length := flowModMatchOffset + len(match)

	b := make([]byte, 0, length)
	b = Header{Version: Version13, Type: TypeFlowMod, Length: uint16(length), Xid: xid}.Append(b)
	b = binary.BigEndian.AppendUint64(b, 0) // cookie
	b = binary.BigEndian.AppendUint64(b, 0) // cookie mask
	b = append(b, 0, 0)                     // table_id, command
	b = binary.BigEndian.AppendUint16(b, 0) // idle_timeout
	b = binary.BigEndian.AppendUint16(b, 0) // hard_timeout
	b = binary.BigEndian.AppendUint16(b, 1) // priority
	b = binary.BigEndian.AppendUint32(b, noBuffer)
	b = binary.BigEndian.AppendUint32(b, 0xffffffff) // out_port any
	b = binary.BigEndian.AppendUint32(b, 0xffffffff) // out_group any
	b = binary.BigEndian.AppendUint16(b, 0)          // flags
	b = append(b, 0, 0)
	return append(b, match...)
}
