// Package main provides a benchmark tool that drives synthetic OpenFlow
// packet_in/flow_mod exchanges through the correlator and event log.
//
// Usage:
//
//	ofprobe-bench --pairs 100000 --workers 8 --flows 64 --latency 2ms [--sink-path events.jsonl]
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"net"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/ofprobe/ofprobe/pkg/aggregate"
	"github.com/ofprobe/ofprobe/pkg/correlate"
	"github.com/ofprobe/ofprobe/pkg/ofp"
	"github.com/ofprobe/ofprobe/pkg/run"
	"github.com/ofprobe/ofprobe/pkg/telemetry"
)

func main() {
	pairs := flag.Int("pairs", 100000, "Number of packet_in/flow_mod exchanges")
	workers := flag.Int("workers", 8, "Number of concurrent producers")
	flows := flag.Int("flows", 64, "Number of distinct flows (MAC pairs)")
	latency := flag.Duration("latency", 2*time.Millisecond, "Synthetic controller latency stamped on each flow_mod")
	signature := flag.String("signature", "l2", "Flow signature: l2 or 5tuple")
	sinkFormat := flag.String("sink-format", "jsonl", "Event log format: jsonl or badger")
	sinkPath := flag.String("sink-path", "", "Event log path (in-memory when empty)")
	flag.Parse()

	sig, err := correlate.ParseSignature(*signature)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *workers < 1 || *flows < 1 || *pairs < 1 {
		fmt.Fprintln(os.Stderr, "Error: --pairs, --workers and --flows must be positive")
		os.Exit(1)
	}

	frames := make([][]byte, *flows)
	for i := range frames {
		frames[i], err = ethFrame(i)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error building frame: %v\n", err)
			os.Exit(1)
		}
	}

	var store telemetry.Store
	var log telemetry.Reader
	if *sinkPath == "" {
		mem := telemetry.NewMemoryStore()
		store, log = mem, mem
	} else {
		store, err = telemetry.OpenStore(*sinkFormat, *sinkPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		log, err = telemetry.OpenLog(*sinkFormat, *sinkPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	r := run.New("", run.Metadata{Protocol: "TCP", Controller: "bench", OpenFlowVersion: "1.3"}, nil)
	corr := correlate.New(r, correlate.Config{Signature: sig, Timeout: time.Minute}, telemetry.NewSink(store, telemetry.SinkConfig{}, nil))
	if err := corr.Start(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	sinkName := *sinkPath
	if sinkName == "" {
		sinkName = "memory"
	}
	fmt.Printf("ofprobe Benchmark\n")
	fmt.Printf("-----------------------------------\n")
	fmt.Printf("Run:        %s\n", r.ID)
	fmt.Printf("Pairs:      %d\n", *pairs)
	fmt.Printf("Workers:    %d\n", *workers)
	fmt.Printf("Flows:      %d\n", *flows)
	fmt.Printf("Latency:    %s\n", *latency)
	fmt.Printf("Signature:  %s\n", sig)
	fmt.Printf("Sink:       %s (%s)\n", sinkName, *sinkFormat)
	fmt.Printf("-----------------------------------\n\n")

	var totalOps atomic.Int64
	var totalBytes atomic.Int64
	var totalErrors atomic.Int64
	var next atomic.Int64

	var latMu sync.Mutex
	var latencies []int64

	start := time.Now()
	var wg sync.WaitGroup

	for i := 0; i < *workers; i++ {
		wg.Add(1)
		// One datapath per worker keeps each producer's pairs apart.
		dpid := uint64(i + 1)
		go func() {
			defer wg.Done()
			var localLats []int64

			for {
				n := next.Add(1) - 1
				if n >= int64(*pairs) {
					break
				}
				flow := int(n) % *flows
				xid := uint32(n)
				ts := time.Now().UnixNano()

				in := telemetry.RawEvent{
					DatapathID:  dpid,
					TimestampNs: telemetry.At(ts),
					Raw:         ofp.EncodePacketIn(xid, uint32(flow%48+1), frames[flow]),
				}
				m := matchOf(flow)
				out := telemetry.RawEvent{
					DatapathID:  dpid,
					TimestampNs: telemetry.At(ts + latency.Nanoseconds()),
					Raw:         ofp.EncodeFlowMod(xid, m),
				}

				for _, ev := range []telemetry.RawEvent{in, out} {
					opStart := time.Now()
					err := corr.Observe(ev)
					lat := time.Since(opStart).Nanoseconds()
					if err != nil {
						totalErrors.Add(1)
						continue
					}
					totalOps.Add(1)
					totalBytes.Add(int64(len(ev.Raw)))
					localLats = append(localLats, lat)
				}
			}

			latMu.Lock()
			latencies = append(latencies, localLats...)
			latMu.Unlock()
		}()
	}

	wg.Wait()
	ingest := time.Since(start)

	summary, err := corr.Finalize(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error finalizing: %v\n", err)
		os.Exit(1)
	}
	elapsed := time.Since(start)

	analyzeStart := time.Now()
	rep, err := aggregate.Compute(context.Background(), log, aggregate.DefaultOptions())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error analyzing: %v\n", err)
		os.Exit(1)
	}
	analyze := time.Since(analyzeStart)

	ops := totalOps.Load()
	var avgLatUs, p50LatUs, p95LatUs, p99LatUs float64
	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

		var sum int64
		for _, l := range latencies {
			sum += l
		}
		avgLatUs = float64(sum) / float64(len(latencies)) / 1e3
		p50LatUs = float64(percentile(latencies, 50)) / 1e3
		p95LatUs = float64(percentile(latencies, 95)) / 1e3
		p99LatUs = float64(percentile(latencies, 99)) / 1e3
	}

	c := summary.Counters
	fmt.Printf("Results\n")
	fmt.Printf("-----------------------------------\n")
	fmt.Printf("Ingest:      %s\n", ingest.Truncate(time.Millisecond))
	fmt.Printf("Finalize:    %s\n", (elapsed - ingest).Truncate(time.Millisecond))
	fmt.Printf("Analyze:     %s\n", analyze.Truncate(time.Millisecond))
	fmt.Printf("Events:      %d\n", ops)
	fmt.Printf("Events/s:    %.0f\n", float64(ops)/ingest.Seconds())
	fmt.Printf("Bytes:       %s\n", humanBytes(totalBytes.Load()))
	fmt.Printf("Errors:      %d\n", totalErrors.Load())
	fmt.Printf("-----------------------------------\n")
	fmt.Printf("Correlation:\n")
	fmt.Printf("  Samples:   %d\n", c.Samples)
	fmt.Printf("  Unresolved:%d\n", c.Unresolved)
	fmt.Printf("  Orphan:    %d\n", c.Orphan)
	fmt.Printf("  Stale:     %d\n", c.Stale)
	if rep.Latency.MeanMs != nil {
		fmt.Printf("  Mean:      %.3f ms\n", *rep.Latency.MeanMs)
		fmt.Printf("  P99:       %.3f ms\n", *rep.Latency.P99Ms)
	}
	fmt.Printf("-----------------------------------\n")
	fmt.Printf("Observe Latency:\n")
	fmt.Printf("  Average:   %.2f us\n", avgLatUs)
	fmt.Printf("  P50:       %.2f us\n", p50LatUs)
	fmt.Printf("  P95:       %.2f us\n", p95LatUs)
	fmt.Printf("  P99:       %.2f us\n", p99LatUs)
	fmt.Printf("-----------------------------------\n")
}

func mac(i int, side byte) net.HardwareAddr {
	return net.HardwareAddr{0x02, side, 0x00, 0x00, byte(i >> 8), byte(i)}
}

func srcIP(flow int) net.IP { return net.IPv4(10, 0, byte(flow>>8), byte(flow)) }
func dstIP(flow int) net.IP { return net.IPv4(10, 1, byte(flow>>8), byte(flow)) }
func srcPort(flow int) uint16 { return uint16(40000 + flow%1000) }

// matchOf is the flow_mod match a controller would install for flow.
func matchOf(flow int) telemetry.FlowMatch {
	return telemetry.FlowMatch{
		InPort:  uint32(flow%48 + 1),
		EthSrc:  mac(flow, 0x01).String(),
		EthDst:  mac(flow, 0x02).String(),
		EthType: uint16(layers.EthernetTypeIPv4),
		IPProto: uint8(layers.IPProtocolUDP),
		IPSrc:   srcIP(flow).String(),
		IPDst:   dstIP(flow).String(),
		TpSrc:   srcPort(flow),
		TpDst:   53,
	}
}

// ethFrame builds an Ethernet/IPv4/UDP frame for one synthetic flow.
func ethFrame(flow int) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       mac(flow, 0x01),
		DstMAC:       mac(flow, 0x02),
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP(flow),
		DstIP:    dstIP(flow),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort(flow)), DstPort: 53}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload("ofprobe")); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(pct)/100.0*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func humanBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	suffix := []string{"KB", "MB", "GB", "TB", "PB"}
	return fmt.Sprintf("%.2f %s", float64(b)/float64(div), suffix[exp])
}
