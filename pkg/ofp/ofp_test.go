package ofp

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofprobe/ofprobe/pkg/telemetry"
)

func ethFrame() []byte {
	return []byte{
		0x00, 0x00, 0x00, 0x00, 0x00, 0x02, // dst
		0x00, 0x00, 0x00, 0x00, 0x00, 0x01, // src
		0x08, 0x06, // ARP
		0xde, 0xad,
	}
}

func TestParseHeader(t *testing.T) {
	msg := Message(TypeBarrierRequest, 42)
	h, err := ParseHeader(msg)
	require.NoError(t, err)
	assert.Equal(t, Header{Version: Version13, Type: TypeBarrierRequest, Length: 8, Xid: 42}, h)

	_, err = ParseHeader(msg[:5])
	assert.ErrorIs(t, err, ErrShort)

	old := append([]byte{}, msg...)
	old[0] = 0x01
	_, err = ParseHeader(old)
	assert.ErrorIs(t, err, ErrVersion)

	long := append([]byte{}, msg...)
	binary.BigEndian.PutUint16(long[2:4], 64)
	_, err = ParseHeader(long)
	assert.ErrorIs(t, err, ErrShort)
}

func TestMessageTypeCodes(t *testing.T) {
	assert.Equal(t, telemetry.TypePacketIn, MessageType(TypePacketIn))
	assert.Equal(t, telemetry.TypeUnclassified, MessageType(12)) // port status
	code, ok := TypeCode(telemetry.TypeFlowMod)
	assert.True(t, ok)
	assert.Equal(t, uint8(TypeFlowMod), code)
	_, ok = TypeCode(telemetry.TypeUnclassified)
	assert.False(t, ok)
}

func TestPacketIn(t *testing.T) {
	msg := EncodePacketIn(7, 3, ethFrame())
	m, frame, err := PacketIn(msg)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), m.InPort)
	assert.Equal(t, ethFrame(), frame)

	_, _, err = PacketIn(EncodeFlowMod(1, telemetry.FlowMatch{}))
	assert.Error(t, err)
}

func TestFlowModMatch(t *testing.T) {
	want := telemetry.FlowMatch{
		InPort:  3,
		EthSrc:  "00:00:00:00:00:01",
		EthDst:  "00:00:00:00:00:02",
		EthType: 0x0800,
		IPProto: 17,
		IPSrc:   "10.0.0.1",
		IPDst:   "10.0.0.2",
		TpSrc:   5000,
		TpDst:   53,
	}
	m, err := FlowModMatch(EncodeFlowMod(9, want))
	require.NoError(t, err)
	assert.Equal(t, want, m)
}

func TestParseMatchIPv6AndMask(t *testing.T) {
	b := EncodeMatch(telemetry.FlowMatch{IPSrc: "fe80::1", EthType: 0x86dd})
	m, err := ParseMatch(b)
	require.NoError(t, err)
	assert.Equal(t, "fe80::1", m.IPSrc)

	// eth_dst with mask: value then mask, six bytes each.
	var tlv []byte
	tlv = binary.BigEndian.AppendUint16(tlv, oxmClassBase)
	tlv = append(tlv, oxmEthDst<<1|1, 12)
	tlv = append(tlv, 0, 0, 0, 0, 0, 9, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
	match := binary.BigEndian.AppendUint16(nil, matchTypeOXM)
	match = binary.BigEndian.AppendUint16(match, uint16(4+len(tlv)))
	match = append(match, tlv...)
	m, err = ParseMatch(match)
	require.NoError(t, err)
	assert.Equal(t, "00:00:00:00:00:09", m.EthDst)
}

func TestParseMatchTruncatedTLV(t *testing.T) {
	match := []byte{0, 1, 0, 10, 0x80, 0, oxmInPort << 1, 4, 0, 0}
	_, err := ParseMatch(match)
	assert.ErrorIs(t, err, ErrShort)
}

func TestFill(t *testing.T) {
	ev := telemetry.RawEvent{DatapathID: 1, Raw: EncodePacketIn(11, 2, ethFrame())}
	require.NoError(t, Fill(&ev))
	assert.Equal(t, telemetry.TypePacketIn, ev.Type)
	assert.Equal(t, len(ev.Raw), ev.Size)
	require.NotNil(t, ev.Xid)
	assert.Equal(t, uint32(11), *ev.Xid)
	assert.Equal(t, ethFrame(), ev.Frame)
	require.NotNil(t, ev.Match)
	assert.Equal(t, uint32(2), ev.Match.InPort)

	fm := telemetry.FlowMatch{InPort: 2, EthSrc: "00:00:00:00:00:01", EthDst: "00:00:00:00:00:02"}
	ev = telemetry.RawEvent{DatapathID: 1, Size: 500, Raw: EncodeFlowMod(12, fm)}
	require.NoError(t, Fill(&ev))
	assert.Equal(t, telemetry.TypeFlowMod, ev.Type)
	assert.Equal(t, 500, ev.Size)
	assert.Equal(t, fm, *ev.Match)

	ev = telemetry.RawEvent{Type: telemetry.TypeHello}
	require.NoError(t, Fill(&ev))
	assert.Nil(t, ev.Xid)

	ev = telemetry.RawEvent{Raw: []byte{4, 0}}
	assert.Error(t, Fill(&ev))
}
