// Package metrics folds the trace event stream into per-(channel, kind)
// aggregate rows and mirrors it into Prometheus collectors.
package metrics

import (
	"math"
	"sort"

	tracepkg "github.com/ipcflow/ipcflow/internal/runtime/trace"
)

// Row is one aggregate over all events sharing a channel and kind. Rows are
// derived on each query; they are never mutated incrementally.
type Row struct {
	Channel       string        `json:"channel"`
	Kind          tracepkg.Kind `json:"kind"`
	Count         int           `json:"count"`
	ErrorCount    int           `json:"errorCount"`
	ErrorRate     float64       `json:"errorRate"`
	P50           *float64      `json:"p50,omitempty"`
	P95           *float64      `json:"p95,omitempty"`
	Bytes         int           `json:"bytes"`
	ThroughputBps *float64      `json:"throughputBps,omitempty"`
}

type bucketKey struct {
	channel string
	kind    tracepkg.Kind
}

type bucket struct {
	count      int
	errorCount int
	bytes      int
	durations  []float64

	streamBytes  int
	firstChunkTs int64
	lastChunkTs  int64
}

// Engine computes metric rows from an ordered event list, typically the ring
// buffer contents.
type Engine struct{}

// NewEngine returns a stateless Engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Compute folds events into one Row per (channel, kind), sorted by count
// descending with ties broken by channel ascending.
func (e *Engine) Compute(events []tracepkg.Event) []Row {
	buckets := make(map[bucketKey]*bucket)
	get := func(ev tracepkg.Event) *bucket {
		key := bucketKey{channel: ev.Channel, kind: ev.Kind}
		b, ok := buckets[key]
		if !ok {
			b = &bucket{}
			buckets[key] = b
		}
		return b
	}

	for _, ev := range events {
		b := get(ev)
		switch {
		case ev.Kind == tracepkg.KindInvoke:
			foldInvoke(b, ev)
		case ev.Kind.IsStream():
			foldStream(b, ev)
		default:
			foldSingle(b, ev)
		}
	}

	rows := make([]Row, 0, len(buckets))
	for key, b := range buckets {
		rows = append(rows, b.row(key))
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		return rows[i].Channel < rows[j].Channel
	})
	return rows
}

// foldInvoke counts only completing events. A logical invoke emits a start and
// an end event on the same channel; counting both would double every call.
func foldInvoke(b *bucket, ev tracepkg.Event) {
	completed := ev.TsEnd > 0 || ev.Response != nil || ev.Status == tracepkg.StatusError
	if !completed {
		return
	}
	b.count++
	if ev.Status == tracepkg.StatusError {
		b.errorCount++
	}
	b.bytes += ev.Request.Size() + ev.Response.Size()
	if d, ok := ev.Duration(); ok {
		b.durations = append(b.durations, d)
	}
}

// foldSingle handles event and broadcast kinds, which have no start/end
// pairing.
func foldSingle(b *bucket, ev tracepkg.Event) {
	b.count++
	if ev.Status == tracepkg.StatusError {
		b.errorCount++
	}
	b.bytes += ev.Payload.Size()
	if d, ok := ev.Duration(); ok {
		b.durations = append(b.durations, d)
	}
}

// foldStream counts terminal events only; chunk events contribute bytes and
// the timestamp span used for throughput.
func foldStream(b *bucket, ev tracepkg.Event) {
	if ev.Status == tracepkg.StatusStreaming {
		size := ev.Payload.Size()
		b.bytes += size
		b.streamBytes += size
		if b.firstChunkTs == 0 || ev.TsStart < b.firstChunkTs {
			b.firstChunkTs = ev.TsStart
		}
		if ev.TsStart > b.lastChunkTs {
			b.lastChunkTs = ev.TsStart
		}
		return
	}

	b.count++
	if ev.Status == tracepkg.StatusError {
		b.errorCount++
	}
	if d, ok := ev.Duration(); ok {
		b.durations = append(b.durations, d)
	}
}

func (b *bucket) row(key bucketKey) Row {
	row := Row{
		Channel:    key.channel,
		Kind:       key.kind,
		Count:      b.count,
		ErrorCount: b.errorCount,
		Bytes:      b.bytes,
	}
	if b.count > 0 {
		row.ErrorRate = float64(b.errorCount) / float64(b.count)
	}
	if len(b.durations) > 0 {
		sorted := append([]float64(nil), b.durations...)
		sort.Float64s(sorted)
		row.P50 = ptr(percentile(sorted, 0.50))
		row.P95 = ptr(percentile(sorted, 0.95))
	}
	if b.streamBytes > 0 && b.lastChunkTs > b.firstChunkTs {
		elapsed := float64(b.lastChunkTs-b.firstChunkTs) / 1000.0
		row.ThroughputBps = ptr(math.Round(float64(b.streamBytes) / elapsed))
	}
	return row
}

// percentile selects index ceil(p*n)-1 of the ascending sorted samples,
// clamped to the valid range.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	idx := int(math.Ceil(p*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

func ptr(v float64) *float64 {
	return &v
}
