// Package profiling accumulates classifier hot-path counters (spec
// component A8) and exposes them in pprof's sample-profile format so they
// can be written to a file and opened with `go tool pprof`. Purely
// additive introspection: nothing here sits on the decision path, and
// nothing here mutates classifier behavior.
package profiling

import (
	"io"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/google/pprof/profile"
)

// Reason names a classifier decision rule, matching the order in
// violation.Classify.
type Reason int

const (
	ReasonAbsentMapping Reason = iota
	ReasonPageHook
	ReasonSandbox
	ReasonUnhandled
	numReasons
)

func (r Reason) String() string {
	switch r {
	case ReasonAbsentMapping:
		return "absent_mapping"
	case ReasonPageHook:
		return "page_hook"
	case ReasonSandbox:
		return "sandbox"
	case ReasonUnhandled:
		return "unhandled"
	default:
		return "unknown"
	}
}

// Counters is a set of per-reason, per-vCPU-shard violation counts.
// Construct one with NewCounters; the zero value has no shards, so Record
// on it panics.
type Counters struct {
	shards []*shard
}

type shard struct {
	counts [numReasons]int64
}

// NewCounters allocates one independent shard per vCPU, so concurrent
// vCPUs never update the same counter while recording a decision
// (Concurrency note, spec.md §5). Shards are separate small heap objects
// and are not padded, so two of them may share a cache line.
func NewCounters(numVCPUs int) *Counters {
	c := &Counters{shards: make([]*shard, numVCPUs)}
	for i := range c.shards {
		c.shards[i] = &shard{}
	}
	return c
}

// Record increments the counter for reason on the given vCPU's shard.
func (c *Counters) Record(vcpu int, reason Reason) {
	atomic.AddInt64(&c.shards[vcpu].counts[reason], 1)
}

// Total sums a reason's count across every shard.
func (c *Counters) Total(reason Reason) int64 {
	var total int64
	for _, s := range c.shards {
		total += atomic.LoadInt64(&s.counts[reason])
	}
	return total
}

// Snapshot builds a pprof Profile with one sample per (vcpu, reason) pair
// whose count is non-zero, labeled by vcpu index, so `go tool pprof -top`
// shows which reason dominates and on which vCPU.
func (c *Counters) Snapshot() *profile.Profile {
	fn := &profile.Function{ID: 1, Name: "violation"}
	loc := &profile.Location{ID: 1, Line: []profile.Line{{Function: fn, Line: 1}}}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "violations", Unit: "count"}},
		Function:   []*profile.Function{fn},
		Location:   []*profile.Location{loc},
	}

	for vi, s := range c.shards {
		for r := Reason(0); r < numReasons; r++ {
			n := atomic.LoadInt64(&s.counts[r])
			if n == 0 {
				continue
			}
			p.Sample = append(p.Sample, &profile.Sample{
				Location: []*profile.Location{loc},
				Value:    []int64{n},
				Label: map[string][]string{
					"reason": {r.String()},
					"vcpu":   {strconv.Itoa(vi)},
				},
			})
		}
	}
	sort.Slice(p.Sample, func(i, j int) bool {
		return p.Sample[i].Value[0] > p.Sample[j].Value[0]
	})
	return p
}

// WriteTo encodes the current snapshot in pprof's gzip'd protobuf format.
func (c *Counters) WriteTo(w io.Writer) error {
	return c.Snapshot().Write(w)
}
