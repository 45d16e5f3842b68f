package seis

import (
	"math"
	"sort"
	"strings"
	"time"
)

// Stream is an ordered collection of traces, possibly spanning many
// channels and disjoint time windows.
type Stream struct {
	Traces []*Trace
}

// NewStream returns a stream holding the given traces.
func NewStream(traces ...*Trace) *Stream {
	return &Stream{Traces: traces}
}

// Len returns the number of traces.
func (st *Stream) Len() int {
	return len(st.Traces)
}

// Add appends a trace.
func (st *Stream) Add(tr *Trace) {
	st.Traces = append(st.Traces, tr)
}

// AddStream appends all traces of other.
func (st *Stream) AddStream(other *Stream) {
	st.Traces = append(st.Traces, other.Traces...)
}

// Select returns the traces whose id matches the given id, with empty
// fields of id acting as wildcards. Traces are shared, not copied.
func (st *Stream) Select(id ChannelID) *Stream {
	out := NewStream()
	for _, tr := range st.Traces {
		if id.Matches(tr.ID) {
			out.Add(tr)
		}
	}
	return out
}

// ChannelIDs returns the distinct channel ids in the stream, sorted.
func (st *Stream) ChannelIDs() []ChannelID {
	seen := make(map[ChannelID]bool, len(st.Traces))
	var ids []ChannelID
	for _, tr := range st.Traces {
		if !seen[tr.ID] {
			seen[tr.ID] = true
			ids = append(ids, tr.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].less(ids[j]) })
	return ids
}

// Copy returns a deep copy of the stream.
func (st *Stream) Copy() *Stream {
	out := NewStream()
	out.Traces = make([]*Trace, 0, len(st.Traces))
	for _, tr := range st.Traces {
		out.Add(tr.Copy())
	}
	return out
}

// Sort orders traces by channel id, then start time. The sort is stable.
func (st *Stream) Sort() {
	sort.SliceStable(st.Traces, func(i, j int) bool {
		a, b := st.Traces[i], st.Traces[j]
		if a.ID != b.ID {
			return a.ID.less(b.ID)
		}
		return a.StartTime.Before(b.StartTime)
	})
}

// Window returns the earliest start and latest end over all traces.
func (st *Stream) Window() (start, end time.Time) {
	for i, tr := range st.Traces {
		if i == 0 || tr.StartTime.Before(start) {
			start = tr.StartTime
		}
		if e := tr.EndTime(); i == 0 || e.After(end) {
			end = e
		}
	}
	return start, end
}

// Slice cuts every trace to [start, end], dropping traces left empty.
func (st *Stream) Slice(start, end time.Time) *Stream {
	out := NewStream()
	for _, tr := range st.Traces {
		if cut := tr.Slice(start, end); cut.Npts() > 0 {
			out.Add(cut)
		}
	}
	return out
}

// String lists the traces, one per line.
func (st *Stream) String() string {
	var b strings.Builder
	for i, tr := range st.Traces {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(tr.String())
	}
	return b.String()
}

// mergeKey groups fragments that belong on the same sample grid.
type mergeKey struct {
	id   ChannelID
	rate float64
}

// Merge combines all fragments of each channel into a single trace on a
// common sample grid. Uncovered spans become NaN gaps,
// identical overlapping samples deduplicate, and conflicting overlaps are
// discarded as NaN since neither value can be trusted. Channels with
// different sample rates never merge.
func (st *Stream) Merge() *Stream {
	groups := make(map[mergeKey][]*Trace)
	var order []mergeKey
	for _, tr := range st.Traces {
		if tr.Npts() == 0 {
			continue
		}
		key := mergeKey{id: tr.ID, rate: tr.SampleRate}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], tr)
	}

	out := NewStream()
	for _, key := range order {
		frags := groups[key]
		sort.SliceStable(frags, func(i, j int) bool {
			return frags[i].StartTime.Before(frags[j].StartTime)
		})

		base := frags[0].StartTime
		last := base
		for _, frag := range frags {
			if e := frag.EndTime(); e.After(last) {
				last = e
			}
		}
		n := samplesBetween(base, last, key.rate) + 1

		data := make([]float64, n)
		for i := range data {
			data[i] = math.NaN()
		}
		conflict := make([]bool, n)

		for _, frag := range frags {
			off := samplesBetween(base, frag.StartTime, key.rate)
			for i, v := range frag.Data {
				idx := off + i
				if idx < 0 || idx >= n || math.IsNaN(v) {
					continue
				}
				switch {
				case conflict[idx]:
					// Already discarded, stays NaN
				case math.IsNaN(data[idx]):
					data[idx] = v
				case data[idx] == v:
					// Duplicate of existing sample
				default:
					data[idx] = math.NaN()
					conflict[idx] = true
				}
			}
		}

		out.Add(&Trace{ID: key.id, StartTime: base, SampleRate: key.rate, Data: data})
	}

	out.Sort()
	return out
}

// Split cuts every trace at its NaN runs, returning one trace per maximal
// contiguous segment. Segments are copies; zero-length segments are dropped.
func (st *Stream) Split() *Stream {
	out := NewStream()
	for _, tr := range st.Traces {
		i := 0
		for i < len(tr.Data) {
			if math.IsNaN(tr.Data[i]) {
				i++
				continue
			}
			j := i
			for j < len(tr.Data) && !math.IsNaN(tr.Data[j]) {
				j++
			}
			seg := make([]float64, j-i)
			copy(seg, tr.Data[i:j])
			out.Add(&Trace{
				ID:         tr.ID,
				StartTime:  tr.TimeAt(i),
				SampleRate: tr.SampleRate,
				Data:       seg,
			})
			i = j
		}
	}
	return out
}
