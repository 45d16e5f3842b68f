package seis

import (
	"fmt"
	"math"
	"time"
)

// Trace is a uniformly sampled series from a single channel. Data may
// contain NaN values after Merge, marking gaps or discarded samples.
type Trace struct {
	ID         ChannelID
	StartTime  time.Time
	SampleRate float64 // samples per second
	Data       []float64
}

// NewTrace validates the sampling parameters and returns a Trace.
func NewTrace(id ChannelID, start time.Time, sampleRate float64, data []float64) (*Trace, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %v for %s: must be positive", sampleRate, id)
	}
	return &Trace{
		ID:         id,
		StartTime:  start.UTC(),
		SampleRate: sampleRate,
		Data:       data,
	}, nil
}

// Npts returns the number of samples.
func (tr *Trace) Npts() int {
	return len(tr.Data)
}

// Delta returns the sampling interval.
func (tr *Trace) Delta() time.Duration {
	return durationForSamples(1, tr.SampleRate)
}

// EndTime returns the time of the last sample. For an empty trace it equals
// the start time.
func (tr *Trace) EndTime() time.Time {
	if len(tr.Data) == 0 {
		return tr.StartTime
	}
	return tr.TimeAt(len(tr.Data) - 1)
}

// TimeAt returns the time of sample i.
func (tr *Trace) TimeAt(i int) time.Time {
	return tr.StartTime.Add(durationForSamples(i, tr.SampleRate))
}

// IndexOf returns the index of the sample nearest to t. The result may lie
// outside [0, Npts).
func (tr *Trace) IndexOf(t time.Time) int {
	return samplesBetween(tr.StartTime, t, tr.SampleRate)
}

// Copy returns a deep copy of the trace.
func (tr *Trace) Copy() *Trace {
	data := make([]float64, len(tr.Data))
	copy(data, tr.Data)
	return &Trace{
		ID:         tr.ID,
		StartTime:  tr.StartTime,
		SampleRate: tr.SampleRate,
		Data:       data,
	}
}

// Slice returns a copy of the samples with times in [start, end], clipped to
// the available data. The result is empty when the window does not overlap
// the trace.
func (tr *Trace) Slice(start, end time.Time) *Trace {
	out := &Trace{ID: tr.ID, StartTime: tr.StartTime, SampleRate: tr.SampleRate}
	if len(tr.Data) == 0 || end.Before(start) {
		return out
	}

	// First sample at or after start, allowing for rounding on the grid
	i0 := int(math.Ceil(start.Sub(tr.StartTime).Seconds()*tr.SampleRate - gridTolerance))
	if i0 < 0 {
		i0 = 0
	}
	// Last sample at or before end
	i1 := int(math.Floor(end.Sub(tr.StartTime).Seconds()*tr.SampleRate + gridTolerance))
	if i1 >= len(tr.Data) {
		i1 = len(tr.Data) - 1
	}
	if i1 < i0 {
		return out
	}

	out.StartTime = tr.TimeAt(i0)
	out.Data = make([]float64, i1-i0+1)
	copy(out.Data, tr.Data[i0:i1+1])
	return out
}

// String summarizes the trace for logs.
func (tr *Trace) String() string {
	return fmt.Sprintf("%s | %s - %s | %.1f Hz, %d samples",
		tr.ID, formatTime(tr.StartTime), formatTime(tr.EndTime()), tr.SampleRate, len(tr.Data))
}

// gridTolerance absorbs float rounding when mapping times onto the sample
// grid, expressed as a fraction of one sample.
const gridTolerance = 1e-6

// TimeFormat is the canonical UTC timestamp layout used across the module.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// durationForSamples converts a sample count to elapsed time at the given rate.
func durationForSamples(n int, sampleRate float64) time.Duration {
	return time.Duration(math.Round(float64(n) / sampleRate * float64(time.Second)))
}

// samplesBetween returns the number of sampling intervals from a to b,
// rounded to the nearest integer.
func samplesBetween(a, b time.Time, sampleRate float64) int {
	return int(math.Round(b.Sub(a).Seconds() * sampleRate))
}
