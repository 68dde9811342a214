package telemetry

import (
	"fmt"
	"strings"
	"time"
)

// MessageType tags one OpenFlow control-channel message kind.
type MessageType string

const (
	TypeHello           MessageType = "hello"
	TypeFeaturesRequest MessageType = "features_request"
	TypeFeaturesReply   MessageType = "features_reply"
	TypePacketIn        MessageType = "packet_in"
	TypePacketOut       MessageType = "packet_out"
	TypeFlowMod         MessageType = "flow_mod"
	TypeBarrierRequest  MessageType = "barrier_request"
	TypeBarrierReply    MessageType = "barrier_reply"
	TypeEchoRequest     MessageType = "echo_request"
	TypeEchoReply       MessageType = "echo_reply"

	// TypeUnclassified holds events whose ingress fields could not be validated.
	TypeUnclassified MessageType = "unclassified"
)

// MessageTypes lists the closed set of message types in report order.
var MessageTypes = []MessageType{
	TypeHello,
	TypeFeaturesRequest,
	TypeFeaturesReply,
	TypePacketIn,
	TypePacketOut,
	TypeFlowMod,
	TypeBarrierRequest,
	TypeBarrierReply,
	TypeEchoRequest,
	TypeEchoReply,
	TypeUnclassified,
}

// KeyScheme selects how a correlation key is derived for a message type.
type KeyScheme int

const (
	KeyNone KeyScheme = iota
	KeyFlow           // datapath id + flow-match signature
	KeyXid            // datapath id + transaction id
)

// pairs maps each request type to the response type that resolves it.
var pairs = map[MessageType]MessageType{
	TypePacketIn:        TypeFlowMod,
	TypeFeaturesRequest: TypeFeaturesReply,
	TypeBarrierRequest:  TypeBarrierReply,
	TypeEchoRequest:     TypeEchoReply,
}

var requestOf = func() map[MessageType]MessageType {
	m := make(map[MessageType]MessageType, len(pairs))
	for req, resp := range pairs {
		m[resp] = req
	}
	return m
}()

// ParseMessageType accepts the canonical names plus the OFPT_ style aliases
// used by Ryu ("OFPPacketIn", "EventOFPPacketIn").
func ParseMessageType(s string) (MessageType, bool) {
	s = strings.TrimSpace(s)
	if t := MessageType(strings.ToLower(s)); t.Valid() && t != TypeUnclassified {
		return t, true
	}
	norm := strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(s, "Event"), "OFP"))
	norm = strings.TrimPrefix(norm, "t_")
	norm = strings.ReplaceAll(norm, "_", "")
	for _, t := range MessageTypes {
		if t == TypeUnclassified {
			continue
		}
		if strings.ReplaceAll(string(t), "_", "") == norm {
			return t, true
		}
	}
	// Ryu names the capability reply EventOFPSwitchFeatures.
	if norm == "switchfeatures" {
		return TypeFeaturesReply, true
	}
	return TypeUnclassified, false
}

// Valid reports whether t belongs to the closed set.
func (t MessageType) Valid() bool {
	for _, k := range MessageTypes {
		if k == t {
			return true
		}
	}
	return false
}

// IsRequest reports whether t opens a correlated exchange.
func (t MessageType) IsRequest() bool {
	_, ok := pairs[t]
	return ok
}

// IsResponse reports whether t closes a correlated exchange.
func (t MessageType) IsResponse() bool {
	_, ok := requestOf[t]
	return ok
}

// Response returns the type resolving request t, or "" when t is not a request.
func (t MessageType) Response() MessageType { return pairs[t] }

// Request returns the request type that response t resolves.
func (t MessageType) Request() MessageType { return requestOf[t] }

// KeyScheme returns the correlation key policy for t.
func (t MessageType) KeyScheme() KeyScheme {
	switch t {
	case TypePacketIn, TypeFlowMod:
		return KeyFlow
	case TypeFeaturesRequest, TypeFeaturesReply,
		TypeBarrierRequest, TypeBarrierReply,
		TypeEchoRequest, TypeEchoReply:
		return KeyXid
	}
	return KeyNone
}

// Direction is the travel direction of a message on the control channel.
type Direction string

const (
	DirIn  Direction = "in"  // switch -> controller
	DirOut Direction = "out" // controller -> switch
)

// DefaultDirection is the direction a message type normally travels in.
// Hello and echo flow both ways and return "".
func (t MessageType) DefaultDirection() Direction {
	switch t {
	case TypeFeaturesReply, TypePacketIn, TypeBarrierReply:
		return DirIn
	case TypeFeaturesRequest, TypePacketOut, TypeFlowMod, TypeBarrierRequest:
		return DirOut
	}
	return ""
}

// RawEvent is what the host controller hands to the correlator for every
// message it processes. Only Type, DatapathID and Size are mandatory; the
// correlation fields are read according to the type's KeyScheme.
type RawEvent struct {
	Type        MessageType `json:"type"`
	DatapathID  uint64      `json:"dpid"`
	Size        int         `json:"size"`
	TimestampNs *int64      `json:"ts_ns,omitempty"` // nil = stamp on observe
	Direction   Direction   `json:"dir,omitempty"`

	Xid   *uint32    `json:"xid,omitempty"`
	Match *FlowMatch `json:"match,omitempty"`
	Frame []byte     `json:"frame,omitempty"` // packet-in payload (Ethernet frame)
	Raw   []byte     `json:"raw,omitempty"`   // complete OpenFlow message
}

// At returns a capture timestamp for RawEvent.TimestampNs.
func At(ns int64) *int64 { return &ns }

// Event is one observed protocol event as persisted in the log.
type Event struct {
	TimestampNs int64       `json:"ts_ns"`
	Type        MessageType `json:"type"`
	DatapathID  uint64      `json:"dpid"`
	Size        int         `json:"size"`
	Key         string      `json:"key,omitempty"`
	Direction   Direction   `json:"dir,omitempty"`
}

// LatencySample is a resolved request/response pair.
type LatencySample struct {
	Key          string      `json:"key"`
	RequestType  MessageType `json:"request_type"`
	ResponseType MessageType `json:"response_type"`
	DatapathID   uint64      `json:"dpid"`
	RequestNs    int64       `json:"request_ts_ns"`
	ResponseNs   int64       `json:"response_ts_ns"`
	LatencyNs    int64       `json:"latency_ns"`
}

// Latency returns the sample as a duration.
func (s LatencySample) Latency() time.Duration { return time.Duration(s.LatencyNs) }

// OutcomeKind names an explicit correlation decision.
type OutcomeKind string

const (
	OutcomeUnresolved OutcomeKind = "unresolved"
	OutcomeStale      OutcomeKind = "stale"
	OutcomeOrphan     OutcomeKind = "orphan"
	OutcomeLate       OutcomeKind = "late"
	OutcomeMalformed  OutcomeKind = "malformed"
)

// Reasons attached to unresolved outcomes.
const (
	ReasonTimeout = "timeout"
	ReasonRunEnd  = "run_end"
	ReasonLate    = "late_response"
)

// Outcome records a correlation decision about one event.
type Outcome struct {
	Kind        OutcomeKind `json:"kind"`
	Reason      string      `json:"reason,omitempty"`
	Key         string      `json:"key,omitempty"`
	Type        MessageType `json:"type"`
	DatapathID  uint64      `json:"dpid"`
	TimestampNs int64       `json:"ts_ns"`
	AgeNs       int64       `json:"age_ns,omitempty"`
}

// Counters are the data-quality counters of a run.
type Counters struct {
	Events            uint64 `json:"events"`
	Samples           uint64 `json:"samples"`
	Unresolved        uint64 `json:"unresolved"`
	UnresolvedTimeout uint64 `json:"unresolved_timeout"`
	UnresolvedRunEnd  uint64 `json:"unresolved_run_end"`
	Stale             uint64 `json:"stale"`
	Orphan            uint64 `json:"orphan"`
	Late              uint64 `json:"late"`
	Malformed         uint64 `json:"malformed"`
	Clamped           uint64 `json:"clamped"`
}

// Count folds one outcome into the counters.
func (c *Counters) Count(o Outcome) {
	switch o.Kind {
	case OutcomeUnresolved:
		c.Unresolved++
		switch o.Reason {
		case ReasonTimeout, ReasonLate:
			c.UnresolvedTimeout++
		case ReasonRunEnd:
			c.UnresolvedRunEnd++
		}
	case OutcomeStale:
		c.Stale++
	case OutcomeOrphan:
		c.Orphan++
	case OutcomeLate:
		c.Late++
	case OutcomeMalformed:
		c.Malformed++
	}
}

// RunInfo is written as the first record of every log.
type RunInfo struct {
	RunID           string `json:"run_id"`
	Protocol        string `json:"protocol"`
	Controller      string `json:"controller"`
	OpenFlowVersion string `json:"openflow_version"`
	StartedNs       int64  `json:"started_ns"`
	TimeoutNs       int64  `json:"correlation_timeout_ns"`
	Signature       string `json:"flow_signature"`
}

// RunSummary is written as the last record of a finalized log.
type RunSummary struct {
	FinishedNs int64    `json:"finished_ns"`
	Counters   Counters `json:"counters"`
}

// RecordKind discriminates the Record envelope.
type RecordKind string

const (
	KindBegin   RecordKind = "begin"
	KindEvent   RecordKind = "event"
	KindSample  RecordKind = "sample"
	KindOutcome RecordKind = "outcome"
	KindEnd     RecordKind = "end"
)

// Record is one entry of the append-only log. Exactly one payload is set.
type Record struct {
	Seq     uint64         `json:"seq"`
	Kind    RecordKind     `json:"kind"`
	Begin   *RunInfo       `json:"begin,omitempty"`
	Event   *Event         `json:"event,omitempty"`
	Sample  *LatencySample `json:"sample,omitempty"`
	Outcome *Outcome       `json:"outcome,omitempty"`
	End     *RunSummary    `json:"end,omitempty"`
}

// Validate checks that the envelope carries the payload its kind names.
func (r Record) Validate() error {
	var ok bool
	switch r.Kind {
	case KindBegin:
		ok = r.Begin != nil
	case KindEvent:
		ok = r.Event != nil
	case KindSample:
		ok = r.Sample != nil
	case KindOutcome:
		ok = r.Outcome != nil
	case KindEnd:
		ok = r.End != nil
	default:
		return fmt.Errorf("telemetry: unknown record kind %q", r.Kind)
	}
	if !ok {
		return fmt.Errorf("telemetry: record %d of kind %q has no payload", r.Seq, r.Kind)
	}
	return nil
}
