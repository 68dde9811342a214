package aggregate

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const rule = "──────────────────────────────────────────────────────────────"

// WriteJSON writes the report as indented JSON.
func WriteJSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func fmtMs(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.3f ms", *v)
}

func fmtFloat(v *float64, unit string) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f%s", *v, unit)
}

func fmtInt(v *int, unit string) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%d%s", *v, unit)
}

func flags(noData, insufficient bool) string {
	switch {
	case noData:
		return " (no data)"
	case insufficient:
		return " (insufficient sample size)"
	}
	return ""
}

// WriteText renders the report as a plain-text summary.
func WriteText(w io.Writer, r *Report) error {
	bw := bufio.NewWriter(w)
	p := func(format string, args ...any) { fmt.Fprintf(bw, format, args...) }

	p("%s PERFORMANCE REPORT\n", strings.ToUpper(r.Run.Protocol))
	p("%s\n", rule)
	p("Run:          %s\n", r.Run.RunID)
	p("Protocol:     %s\n", r.Run.Protocol)
	p("Controller:   %s\n", r.Run.Controller)
	p("OpenFlow:     %s\n", r.Run.OpenFlowVersion)
	p("Duration:     %s\n", fmtFloat(r.Run.DurationS, " s"))
	p("Timeout:      %.0f ms (signature %s)\n", r.Run.TimeoutMs, r.Run.Signature)
	if !r.Complete {
		note := ""
		if r.Truncated {
			note = ", truncated tail skipped"
		}
		p("Log:          not finalized%s\n", note)
	}
	p("\n")

	c := r.Counters
	p("COUNTERS\n%s\n", rule)
	p("Events %d  Samples %d  Unresolved %d (timeout %d, run end %d)\n",
		c.Events, c.Samples, c.Unresolved, c.UnresolvedTimeout, c.UnresolvedRunEnd)
	p("Stale %d  Orphan %d  Late %d  Malformed %d  Clamped %d\n\n",
		c.Stale, c.Orphan, c.Late, c.Malformed, c.Clamped)

	writeLatency := func(title string, st LatencyStats) {
		p("%s%s\n%s\n", title, flags(st.NoData, st.InsufficientSampleSize), rule)
		p("Sample Count: %d\n", st.Count)
		p("Mean:         %s\n", fmtMs(st.MeanMs))
		p("Median:       %s\n", fmtMs(st.MedianMs))
		p("Std Dev:      %s\n", fmtMs(st.StddevMs))
		p("Min:          %s\n", fmtMs(st.MinMs))
		p("Max:          %s\n", fmtMs(st.MaxMs))
		p("95th %%ile:    %s\n", fmtMs(st.P95Ms))
		p("99th %%ile:    %s\n\n", fmtMs(st.P99Ms))
	}
	writeLatency("LATENCY (all request types)", r.Latency)
	for _, tl := range r.LatencyByType {
		writeLatency("LATENCY "+string(tl.RequestType)+" -> "+string(tl.RequestType.Response()), tl.LatencyStats)
	}

	tp := r.Throughput
	p("THROUGHPUT%s\n%s\n", flags(tp.NoData, false), rule)
	p("Events:       %d\n", tp.Events)
	p("Overall:      %s\n", fmtFloat(tp.EventsPerSec, " events/s"))
	p("Peak bucket:  %s\n", fmtFloat(tp.PeakPerSec, " events/s"))
	p("Buckets:      %d x %.0f ms\n\n", len(tp.Buckets), tp.BucketWidthMs)

	sz := r.Size
	p("MESSAGE SIZE (limit %d bytes)%s\n%s\n", sz.LimitBytes, flags(sz.NoData, false), rule)
	p("Max:          %s\n", fmtInt(sz.MaxBytes, " B"))
	p("Mean:         %s\n", fmtFloat(sz.MeanBytes, " B"))
	p("95th %%ile:    %s\n", fmtInt(sz.P95Bytes, " B"))
	p("99th %%ile:    %s\n", fmtInt(sz.P99Bytes, " B"))
	if sz.Margin != nil {
		p("Margin:       %.4f\n", *sz.Margin)
		p("Fits:         %t\n", *sz.Fits)
	}
	p("\n")

	p("MESSAGE TYPES\n%s\n", rule)
	p("%-18s %8s %12s %10s %8s %12s\n", "TYPE", "COUNT", "BYTES", "MEAN", "MAX", "RATE/s")
	for _, t := range r.MessageTypes {
		p("%-18s %8d %12d %10.1f %8d %12s\n", t.Type, t.Count, t.TotalBytes, t.MeanBytes, t.MaxBytes, fmtFloat(t.PerSec, ""))
	}
	p("\n")

	o := r.Overhead
	p("TRANSPORT OVERHEAD%s\n%s\n", flags(o.NoData, false), rule)
	p("Payload:      %d bytes over %d messages\n", o.PayloadBytes, o.Messages)
	p("Headers:      %d bytes at %d B/msg, overhead %s\n", o.HeaderTotal, o.HeaderBytes, fmtFloat(o.OverheadPct, "%"))
	p("Alternative:  %d bytes at %d B/msg, overhead %s\n", o.AltHeaderTotal, o.AltHeaderBytes, fmtFloat(o.AltOverheadPct, "%"))
	p("Saved:        %d bytes\n\n", o.SavedBytes)

	if len(r.Connections) > 0 {
		p("CONNECTIONS\n%s\n", rule)
		p("%-20s %10s %16s\n", "DPID", "MESSAGES", "ESTABLISH")
		for _, cn := range r.Connections {
			p("%-20d %10d %16s\n", cn.DatapathID, cn.Messages, fmtMs(cn.EstablishMs))
		}
	}
	return bw.Flush()
}

// WriteCSV writes the per-type breakdown as CSV.
func WriteCSV(w io.Writer, r *Report) error {
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"type", "count", "total_bytes", "mean_bytes", "max_bytes", "events_per_sec"})
	for _, t := range r.MessageTypes {
		rate := ""
		if t.PerSec != nil {
			rate = strconv.FormatFloat(*t.PerSec, 'f', 3, 64)
		}
		_ = cw.Write([]string{
			string(t.Type),
			strconv.Itoa(t.Count),
			strconv.FormatInt(t.TotalBytes, 10),
			strconv.FormatFloat(t.MeanBytes, 'f', 2, 64),
			strconv.Itoa(t.MaxBytes),
			rate,
		})
	}
	cw.Flush()
	return cw.Error()
}
