package telemetry

import (
	"net"
	"strings"
)

// FlowMatch carries the header fields used to pair a packet-in with the
// flow-mod it triggers. Zero values mean "not present".
type FlowMatch struct {
	InPort  uint32 `json:"in_port,omitempty"`
	EthSrc  string `json:"eth_src,omitempty"`
	EthDst  string `json:"eth_dst,omitempty"`
	EthType uint16 `json:"eth_type,omitempty"`
	IPProto uint8  `json:"ip_proto,omitempty"`
	IPSrc   string `json:"ip_src,omitempty"`
	IPDst   string `json:"ip_dst,omitempty"`
	TpSrc   uint16 `json:"tp_src,omitempty"`
	TpDst   uint16 `json:"tp_dst,omitempty"`
}

// Normalize canonicalizes MAC and IP spellings so that "00:00:00:00:00:0A",
// "00-00-00-00-00-0a" and "00:00:00:00:00:0a" produce the same signature.
func (m FlowMatch) Normalize() FlowMatch {
	m.EthSrc = normalizeMAC(m.EthSrc)
	m.EthDst = normalizeMAC(m.EthDst)
	m.IPSrc = normalizeIP(m.IPSrc)
	m.IPDst = normalizeIP(m.IPDst)
	return m
}

// IsZero reports whether no field is set.
func (m FlowMatch) IsZero() bool { return m == FlowMatch{} }

func normalizeMAC(s string) string {
	if s == "" {
		return ""
	}
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return hw.String()
}

func normalizeIP(s string) string {
	if s == "" {
		return ""
	}
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return strings.TrimSpace(s)
	}
	return ip.String()
}
