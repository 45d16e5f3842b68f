// Package dsp provides the signal processing primitives used by the
// detection pipeline: biquad filters based on Robert Bristow-Johnson's
// audio EQ cookbook, a cubic-interpolation resampler and normalized
// cross-correlation with sub-sample peak refinement.
package dsp

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// FilterName represents the kind of digital filter.
type FilterName int

// FilterName constants are digital filter names.
const (
	Undefined FilterName = iota
	LowPass
	HighPass
)

// butterworthQ gives a maximally flat passband for a single biquad stage.
var butterworthQ = 1.0 / math.Sqrt2

// Filter holds the digital filter parameters.
type Filter struct {
	name FilterName

	// state variables
	in1  []float64
	in2  []float64
	out1 []float64
	out2 []float64

	// digital filter parameters
	a0 float64
	a1 float64
	a2 float64
	b0 float64
	b1 float64
	b2 float64

	// number of passes
	passes int

	// Pre-computed coefficients for optimization
	b0a0, b1a0, b2a0, a1a0, a2a0 float64
}

// IsZero returns true when the filter is not initialized.
func (f *Filter) IsZero() bool {
	return f.name == Undefined
}

// NewFilter creates a new Filter with the specified number of passes
func NewFilter(name FilterName, a0, a1, a2, b0, b1, b2 float64, passes int) *Filter {
	f := &Filter{
		name:   name,
		a0:     a0,
		a1:     a1,
		a2:     a2,
		b0:     b0,
		b1:     b1,
		b2:     b2,
		passes: passes,
		in1:    make([]float64, passes),
		in2:    make([]float64, passes),
		out1:   make([]float64, passes),
		out2:   make([]float64, passes),
	}

	// Pre-compute coefficients
	f.b0a0 = b0 / a0
	f.b1a0 = b1 / a0
	f.b2a0 = b2 / a0
	f.a1a0 = a1 / a0
	f.a2a0 = a2 / a0

	return f
}

// ApplyBatch applies the filter to a batch of samples in place.
func (f *Filter) ApplyBatch(input []float64) {
	for p := 0; p < f.passes; p++ {
		for i := range input {
			output := f.b0a0*input[i] + f.b1a0*f.in1[p] + f.b2a0*f.in2[p] -
				f.a1a0*f.out1[p] - f.a2a0*f.out2[p]

			f.in2[p] = f.in1[p]
			f.in1[p] = input[i]
			f.out2[p] = f.out1[p]
			f.out1[p] = output

			input[i] = output
		}
	}
}

// Reset clears the filter state so the filter can be reused on an
// unrelated segment without carrying history across the gap.
func (f *Filter) Reset() {
	for p := 0; p < f.passes; p++ {
		f.in1[p] = 0
		f.in2[p] = 0
		f.out1[p] = 0
		f.out2[p] = 0
	}
}

// validateCorner checks a corner frequency against the Nyquist limit.
func validateCorner(sampleRate, frequency float64) error {
	if sampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %v", sampleRate)
	}
	if frequency <= 0 {
		return fmt.Errorf("corner frequency must be positive, got %v", frequency)
	}
	if frequency >= sampleRate/2 {
		return fmt.Errorf("corner frequency %v Hz is at or above Nyquist (%v Hz)", frequency, sampleRate/2)
	}
	return nil
}

// NewLowPass returns a low-pass filter with a Butterworth response per pass.
//
// Parameters:
//
//   - sampleRate ... sample rate in Hz, e.g. 100.0
//   - frequency ... cut off frequency in Hz
//   - passes ... number of passes (1 = 12dB/oct, 2 = 24dB/oct, 4 = 48dB/oct)
func NewLowPass(sampleRate, frequency float64, passes int) (*Filter, error) {
	if passes < 1 {
		return nil, fmt.Errorf("passes must be 1 or greater")
	}
	if err := validateCorner(sampleRate, frequency); err != nil {
		return nil, err
	}

	w0 := 2.0 * math.Pi * frequency / sampleRate
	alpha := math.Sin(w0) / (2.0 * butterworthQ)

	return NewFilter(
		LowPass,
		1.0+alpha,
		-2.0*math.Cos(w0),
		1.0-alpha,
		(1.0-math.Cos(w0))/2.0,
		1.0-math.Cos(w0),
		(1.0-math.Cos(w0))/2.0,
		passes,
	), nil
}

// NewHighPass returns a high-pass filter with a Butterworth response per pass.
//
// Parameters:
//
//   - sampleRate ... sample rate in Hz, e.g. 100.0
//   - frequency ... cut off frequency in Hz
//   - passes ... number of passes (1 = 12dB/oct, 2 = 24dB/oct, 4 = 48dB/oct)
func NewHighPass(sampleRate, frequency float64, passes int) (*Filter, error) {
	if passes < 1 {
		return nil, fmt.Errorf("passes must be 1 or greater")
	}
	if err := validateCorner(sampleRate, frequency); err != nil {
		return nil, err
	}

	w0 := 2.0 * math.Pi * frequency / sampleRate
	alpha := math.Sin(w0) / (2.0 * butterworthQ)

	return NewFilter(
		HighPass,
		1.0+alpha,
		-2.0*math.Cos(w0),
		1.0-alpha,
		(1.0+math.Cos(w0))/2.0,
		-1.0*(1.0+math.Cos(w0)),
		(1.0+math.Cos(w0))/2.0,
		passes,
	), nil
}

// NewBandPass returns a filter chain passing the band between lowcut and
// highcut, built as a high-pass into a low-pass. This matches how seismic
// band-pass recipes are specified, by corner frequencies rather than a
// center and width.
func NewBandPass(sampleRate, lowcut, highcut float64, passes int) (*FilterChain, error) {
	if lowcut >= highcut {
		return nil, fmt.Errorf("lowcut %v Hz must be below highcut %v Hz", lowcut, highcut)
	}

	hp, err := NewHighPass(sampleRate, lowcut, passes)
	if err != nil {
		return nil, err
	}
	lp, err := NewLowPass(sampleRate, highcut, passes)
	if err != nil {
		return nil, err
	}

	chain := NewFilterChain()
	if err := chain.AddFilter(hp); err != nil {
		return nil, err
	}
	if err := chain.AddFilter(lp); err != nil {
		return nil, err
	}
	return chain, nil
}

// FilterChain represents a chain of filters to be applied in sequence.
type FilterChain struct {
	filters []*Filter
	mu      sync.RWMutex
}

// NewFilterChain creates and returns a new FilterChain.
func NewFilterChain() *FilterChain {
	return &FilterChain{
		filters: make([]*Filter, 0),
	}
}

// AddFilter adds a new filter to the chain.
func (fc *FilterChain) AddFilter(f *Filter) error {
	if f == nil || f.IsZero() {
		return fmt.Errorf("cannot add nil or uninitialized filter")
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()

	fc.filters = append(fc.filters, f)

	return nil
}

// Length returns the number of filters in the chain.
func (fc *FilterChain) Length() int {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return len(fc.filters)
}

// ApplyBatch applies all filters in the chain to a batch of samples in place.
func (fc *FilterChain) ApplyBatch(input []float64) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	for _, filter := range fc.filters {
		if filter != nil {
			filter.ApplyBatch(input)
		} else {
			slog.Warn("encountered nil filter in filter chain")
		}
	}
}

// Reset clears the state of every filter in the chain.
func (fc *FilterChain) Reset() {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	for _, filter := range fc.filters {
		if filter != nil {
			filter.Reset()
		}
	}
}

// Detrend removes the straight line through the first and last samples in
// place. This is the cheap detrend applied before filtering, good enough to
// remove offset and linear drift from short windows.
func Detrend(data []float64) {
	n := len(data)
	if n < 2 {
		return
	}
	first := data[0]
	slope := (data[n-1] - first) / float64(n-1)
	for i := range data {
		data[i] -= first + slope*float64(i)
	}
}
