package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleLog() []Record {
	return []Record{
		{Seq: 1, Kind: KindBegin, Begin: &RunInfo{RunID: "r1", Protocol: "TCP", Controller: "Ryu", OpenFlowVersion: "1.3", StartedNs: 1000, TimeoutNs: int64(5 * time.Second), Signature: "l2"}},
		{Seq: 2, Kind: KindEvent, Event: &Event{TimestampNs: 2000, Type: TypePacketIn, DatapathID: 1, Size: 218, Key: "1/flow/a", Direction: DirIn}},
		{Seq: 3, Kind: KindEvent, Event: &Event{TimestampNs: 2002000, Type: TypeFlowMod, DatapathID: 1, Size: 96, Key: "1/flow/a", Direction: DirOut}},
		{Seq: 4, Kind: KindSample, Sample: &LatencySample{Key: "1/flow/a", RequestType: TypePacketIn, ResponseType: TypeFlowMod, DatapathID: 1, RequestNs: 2000, ResponseNs: 2002000, LatencyNs: 2000000}},
		{Seq: 5, Kind: KindOutcome, Outcome: &Outcome{Kind: OutcomeOrphan, Type: TypeBarrierReply, DatapathID: 1, TimestampNs: 3000000, Key: "1/xid/9"}},
		{Seq: 6, Kind: KindEnd, End: &RunSummary{FinishedNs: 4000000, Counters: Counters{Events: 3, Samples: 1, Orphan: 1}}},
	}
}

func TestMessageTypePairs(t *testing.T) {
	assert.Equal(t, TypeFlowMod, TypePacketIn.Response())
	assert.Equal(t, TypeBarrierRequest, TypeBarrierReply.Request())
	assert.True(t, TypeEchoRequest.IsRequest())
	assert.True(t, TypeFeaturesReply.IsResponse())
	assert.False(t, TypePacketOut.IsRequest())
	assert.False(t, TypePacketOut.IsResponse())
	assert.Equal(t, KeyFlow, TypeFlowMod.KeyScheme())
	assert.Equal(t, KeyXid, TypeBarrierReply.KeyScheme())
	assert.Equal(t, KeyNone, TypeHello.KeyScheme())
}

func TestParseMessageType(t *testing.T) {
	cases := map[string]MessageType{
		"packet_in":              TypePacketIn,
		"OFPPacketIn":            TypePacketIn,
		"EventOFPPacketIn":       TypePacketIn,
		"OFPT_FLOW_MOD":          TypeFlowMod,
		"EventOFPSwitchFeatures": TypeFeaturesReply,
		"OFPBarrierReply":        TypeBarrierReply,
	}
	for in, want := range cases {
		got, ok := ParseMessageType(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	got, ok := ParseMessageType("OFPPortStatus")
	assert.False(t, ok)
	assert.Equal(t, TypeUnclassified, got)
	_, ok = ParseMessageType("unclassified")
	assert.False(t, ok)
}

func TestFlowMatchNormalize(t *testing.T) {
	a := FlowMatch{EthSrc: "00:00:00:00:00:0A", EthDst: "00-00-00-00-00-0b", IPSrc: "10.0.0.1"}.Normalize()
	b := FlowMatch{EthSrc: "00:00:00:00:00:0a", EthDst: "00:00:00:00:00:0b", IPSrc: " 10.0.0.1 "}.Normalize()
	assert.Equal(t, a, b)
	assert.True(t, FlowMatch{}.IsZero())
	assert.False(t, a.IsZero())
}

func TestRecordValidate(t *testing.T) {
	require.NoError(t, Record{Seq: 1, Kind: KindBegin, Begin: &RunInfo{}}.Validate())
	assert.Error(t, Record{Seq: 1, Kind: KindEvent}.Validate())
	assert.Error(t, Record{Seq: 1, Kind: "bogus"}.Validate())
}

func TestCountersCount(t *testing.T) {
	var c Counters
	c.Count(Outcome{Kind: OutcomeUnresolved, Reason: ReasonTimeout})
	c.Count(Outcome{Kind: OutcomeUnresolved, Reason: ReasonLate})
	c.Count(Outcome{Kind: OutcomeUnresolved, Reason: ReasonRunEnd})
	c.Count(Outcome{Kind: OutcomeStale})
	c.Count(Outcome{Kind: OutcomeLate})
	c.Count(Outcome{Kind: OutcomeMalformed})
	assert.Equal(t, Counters{Unresolved: 3, UnresolvedTimeout: 2, UnresolvedRunEnd: 1, Stale: 1, Late: 1, Malformed: 1}, c)
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")
	store, err := NewFileStore(path)
	require.NoError(t, err)

	want := sampleLog()
	require.NoError(t, store.Write(want[:3]))
	require.NoError(t, store.Write(want[3:]))
	require.NoError(t, store.Close())

	got, state, err := ReadAll(context.Background(), FileReader{Path: path})
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.True(t, state.Closed)
	assert.False(t, state.Truncated)
	assert.Equal(t, uint64(len(want)), state.Records)
}

func TestFileStoreRejectsAfterEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")
	store, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Write(sampleLog()))

	err = store.Write([]Record{{Seq: 7, Kind: KindEvent, Event: &Event{Type: TypeHello, DatapathID: 1}}})
	assert.ErrorIs(t, err, ErrLogClosed)
	require.NoError(t, store.Close())

	_, err = NewFileStore(path)
	assert.ErrorIs(t, err, ErrLogClosed)
}

func TestFileStoreRejectsExistingLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")
	store, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Write(sampleLog()[:2]))
	require.NoError(t, store.Close())

	_, err = NewFileStore(path)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLogClosed)
}

func TestReplayIgnoresTruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")
	store, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Write(sampleLog()[:3]))
	require.NoError(t, store.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":4,"kind":"sam`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, state, err := ReadAll(context.Background(), FileReader{Path: path})
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.True(t, state.Truncated)
	assert.False(t, state.Closed)
}

func TestReplayFraming(t *testing.T) {
	ctx := context.Background()
	log := sampleLog()

	noBegin := strings.NewReader(`{"seq":1,"kind":"event","event":{"ts_ns":1,"type":"hello","dpid":1,"size":8}}` + "\n")
	_, err := ReplayJSONL(ctx, noBegin, func(Record) error { return nil })
	assert.Error(t, err)

	dupSeq := []Record{log[0], log[1], log[1]}
	_, err = replaySlice(ctx, dupSeq, func(Record) error { return nil })
	assert.Error(t, err)

	afterEnd := append(append([]Record{}, log...), Record{Seq: 9, Kind: KindEvent, Event: &Event{Type: TypeHello}})
	_, err = replaySlice(ctx, afterEnd, func(Record) error { return nil })
	assert.Error(t, err)
}

func TestReplayCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := replaySlice(ctx, sampleLog(), func(Record) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBadgerStoreRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	store, err := NewBadgerStore(dir)
	require.NoError(t, err)

	want := sampleLog()
	require.NoError(t, store.Write(want[:4]))
	require.NoError(t, store.Write(want[4:]))
	err = store.Write([]Record{{Seq: 7, Kind: KindEvent, Event: &Event{Type: TypeHello}}})
	assert.ErrorIs(t, err, ErrLogClosed)
	require.NoError(t, store.Close())

	reader, err := OpenLog(FormatBadger, dir)
	require.NoError(t, err)
	got, state, err := ReadAll(context.Background(), reader)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.True(t, state.Closed)

	_, err = NewBadgerStore(dir)
	assert.ErrorIs(t, err, ErrLogClosed)
}

func TestOpenLogUnknownFormat(t *testing.T) {
	_, err := OpenLog("parquet", "x")
	assert.Error(t, err)
	_, err = OpenLog(FormatJSONL, filepath.Join(t.TempDir(), "missing.jsonl"))
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")
	store, err := OpenStore("", path)
	require.NoError(t, err)
	require.NoError(t, store.Write(sampleLog()))
	require.NoError(t, store.Close())

	reader, err := OpenLog(FormatJSONL, path)
	require.NoError(t, err)
	recs, state, err := ReadAll(context.Background(), reader)
	require.NoError(t, err)
	assert.True(t, state.Closed)
	assert.Equal(t, sampleLog(), recs)

	_, err = OpenStore("csv", path)
	assert.Error(t, err)
}

func TestSinkRoundTrip(t *testing.T) {
	mem := NewMemoryStore()
	sink := NewSink(mem, SinkConfig{BatchSize: 2, MaxBuffered: 4, FlushInterval: time.Hour}, clock.NewMock())

	want := sampleLog()
	for _, rec := range want {
		require.NoError(t, sink.Append(rec))
	}
	require.NoError(t, sink.Close())
	assert.Equal(t, want, mem.Records())

	err := sink.Append(want[1])
	assert.ErrorIs(t, err, ErrLogClosed)
}

func TestSinkInlineFlushAtBound(t *testing.T) {
	mem := NewMemoryStore()
	sink := NewSink(mem, SinkConfig{BatchSize: 100, MaxBuffered: 100, FlushInterval: time.Hour}, clock.NewMock())
	defer sink.Close()

	log := sampleLog()
	require.NoError(t, sink.Append(log[0]))
	for i := 0; i < 99; i++ {
		require.NoError(t, sink.Append(Record{Seq: uint64(i + 2), Kind: KindEvent, Event: &Event{Type: TypeHello, DatapathID: 1}}))
	}
	assert.Equal(t, 100, mem.Len())
}

func TestSinkFlushesOnInterval(t *testing.T) {
	mem := NewMemoryStore()
	mock := clock.NewMock()
	sink := NewSink(mem, SinkConfig{BatchSize: 100, FlushInterval: time.Second}, mock)
	defer sink.Close()

	require.NoError(t, sink.Append(sampleLog()[0]))
	assert.Equal(t, 0, mem.Len())

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return mem.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSinkFaultIsSticky(t *testing.T) {
	mem := NewMemoryStore()
	sink := NewSink(mem, SinkConfig{BatchSize: 10, FlushInterval: time.Hour}, clock.NewMock())

	log := sampleLog()
	require.NoError(t, sink.Append(log[0]))
	require.NoError(t, sink.Flush())

	mem.FailWith(errors.New("disk full"))
	require.NoError(t, sink.Append(log[1]))
	err := sink.Flush()
	require.ErrorIs(t, err, ErrSinkFault)

	assert.ErrorIs(t, sink.Append(log[2]), ErrSinkFault)
	assert.ErrorIs(t, sink.Err(), ErrSinkFault)
	assert.ErrorIs(t, sink.Close(), ErrSinkFault)

	// Records written before the fault survive.
	assert.Equal(t, []Record{log[0]}, mem.Records())
}

func TestSinkRejectsInvalidRecord(t *testing.T) {
	sink := NewSink(NewMemoryStore(), SinkConfig{}, clock.NewMock())
	defer sink.Close()
	assert.Error(t, sink.Append(Record{Seq: 1, Kind: KindSample}))
}

func TestRawEventZeroTimestamp(t *testing.T) {
	var ev RawEvent
	require.NoError(t, json.Unmarshal([]byte(`{"type":"hello","dpid":1,"size":8,"ts_ns":0}`), &ev))
	require.NotNil(t, ev.TimestampNs)
	assert.Equal(t, int64(0), *ev.TimestampNs)

	var unset RawEvent
	require.NoError(t, json.Unmarshal([]byte(`{"type":"hello","dpid":1,"size":8}`), &unset))
	assert.Nil(t, unset.TimestampNs)
}
