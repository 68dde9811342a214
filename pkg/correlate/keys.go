package correlate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/ofprobe/ofprobe/pkg/telemetry"
)

// Signature selects which header fields pair a packet-in with its flow-mod.
type Signature string

const (
	// SignatureL2 uses in_port, eth_src and eth_dst, the fields an L2
	// learning switch installs.
	SignatureL2 Signature = "l2"
	// Signature5Tuple adds eth_type, ip_proto, addresses and ports.
	Signature5Tuple Signature = "5tuple"
)

// ParseSignature validates a signature name. Empty means SignatureL2.
func ParseSignature(s string) (Signature, error) {
	switch Signature(strings.ToLower(strings.TrimSpace(s))) {
	case "", SignatureL2:
		return SignatureL2, nil
	case Signature5Tuple:
		return Signature5Tuple, nil
	}
	return "", fmt.Errorf("correlate: unknown flow signature %q (want l2 or 5tuple)", s)
}

var (
	errMissingXid   = errors.New("missing xid")
	errMissingMatch = errors.New("missing flow match fields")
)

// FlowFromFrame extracts match fields from an Ethernet frame.
func FlowFromFrame(frame []byte) (telemetry.FlowMatch, error) {
	var (
		eth     layers.Ethernet
		ip4     layers.IPv4
		ip6     layers.IPv6
		tcp     layers.TCP
		udp     layers.UDP
		payload gopacket.Payload
	)
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&eth, &ip4, &ip6, &tcp, &udp, &payload)
	decoded := []gopacket.LayerType{}

	err := parser.DecodeLayers(frame, &decoded)
	if err != nil {
		var unsupported gopacket.UnsupportedLayerType
		if !errors.As(err, &unsupported) && len(decoded) == 0 {
			return telemetry.FlowMatch{}, fmt.Errorf("correlate.FlowFromFrame: %w", err)
		}
	}

	var m telemetry.FlowMatch
	for _, lt := range decoded {
		switch lt {
		case layers.LayerTypeEthernet:
			m.EthSrc = eth.SrcMAC.String()
			m.EthDst = eth.DstMAC.String()
			m.EthType = uint16(eth.EthernetType)
		case layers.LayerTypeIPv4:
			m.IPProto = uint8(ip4.Protocol)
			m.IPSrc = ip4.SrcIP.String()
			m.IPDst = ip4.DstIP.String()
		case layers.LayerTypeIPv6:
			m.IPProto = uint8(ip6.NextHeader)
			m.IPSrc = ip6.SrcIP.String()
			m.IPDst = ip6.DstIP.String()
		case layers.LayerTypeTCP:
			m.TpSrc = uint16(tcp.SrcPort)
			m.TpDst = uint16(tcp.DstPort)
		case layers.LayerTypeUDP:
			m.TpSrc = uint16(udp.SrcPort)
			m.TpDst = uint16(udp.DstPort)
		}
	}
	if m.EthSrc == "" {
		return m, fmt.Errorf("correlate.FlowFromFrame: no ethernet header in %d bytes", len(frame))
	}
	return m, nil
}

// flowOf merges the explicit match with fields parsed from the frame.
// Explicit fields win.
func flowOf(ev telemetry.RawEvent) (telemetry.FlowMatch, error) {
	var m telemetry.FlowMatch
	if ev.Match != nil {
		m = ev.Match.Normalize()
	}
	if len(ev.Frame) == 0 {
		return m, nil
	}
	f, err := FlowFromFrame(ev.Frame)
	if err != nil {
		if m.EthSrc != "" || m.EthDst != "" {
			return m, nil
		}
		return m, err
	}
	if m.EthSrc == "" {
		m.EthSrc = f.EthSrc
	}
	if m.EthDst == "" {
		m.EthDst = f.EthDst
	}
	if m.EthType == 0 {
		m.EthType = f.EthType
	}
	if m.IPProto == 0 {
		m.IPProto = f.IPProto
	}
	if m.IPSrc == "" {
		m.IPSrc = f.IPSrc
	}
	if m.IPDst == "" {
		m.IPDst = f.IPDst
	}
	if m.TpSrc == 0 {
		m.TpSrc = f.TpSrc
	}
	if m.TpDst == 0 {
		m.TpDst = f.TpDst
	}
	return m, nil
}

// signatureOf renders the fields the mode pairs on.
func signatureOf(m telemetry.FlowMatch, mode Signature) (string, error) {
	if m.EthSrc == "" || m.EthDst == "" {
		return "", errMissingMatch
	}
	sig := fmt.Sprintf("in=%d,src=%s,dst=%s", m.InPort, m.EthSrc, m.EthDst)
	if mode == Signature5Tuple {
		sig += fmt.Sprintf(",type=0x%04x,proto=%d,ipsrc=%s,ipdst=%s,tpsrc=%d,tpdst=%d",
			m.EthType, m.IPProto, m.IPSrc, m.IPDst, m.TpSrc, m.TpDst)
	}
	return sig, nil
}

// Key derives the correlation key of an event. Both halves of a pair produce
// the same key: "<dpid>/<request type>/<xid or flow signature>".
func Key(ev telemetry.RawEvent, mode Signature) (string, error) {
	t := ev.Type
	req := t
	if t.IsResponse() {
		req = t.Request()
	}
	switch t.KeyScheme() {
	case telemetry.KeyXid:
		if ev.Xid == nil {
			return "", errMissingXid
		}
		return fmt.Sprintf("%d/%s/%d", ev.DatapathID, req, *ev.Xid), nil
	case telemetry.KeyFlow:
		m, err := flowOf(ev)
		if err != nil {
			return "", err
		}
		sig, err := signatureOf(m, mode)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d/%s/%s", ev.DatapathID, req, sig), nil
	}
	return "", nil
}
