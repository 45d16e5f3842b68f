package dsp

import (
	"fmt"
	"math"
)

// NormXCorr slides template across series and returns the normalized
// cross-correlation at every offset. The output has length
// len(series)-len(template)+1 with values in [-1, 1]. Zero-variance windows
// correlate to 0 since they carry no signal to match against.
//
// Direct computation is used, which beats FFT methods for the short
// templates this pipeline correlates.
func NormXCorr(template, series []float64) ([]float64, error) {
	nt := len(template)
	ns := len(series)
	if nt == 0 {
		return nil, fmt.Errorf("template is empty")
	}
	if ns < nt {
		return nil, fmt.Errorf("series (%d samples) is shorter than template (%d samples)", ns, nt)
	}

	// Demean the template once
	var tSum float64
	for _, v := range template {
		tSum += v
	}
	tMean := tSum / float64(nt)
	tDem := make([]float64, nt)
	var tVar float64
	for i, v := range template {
		tDem[i] = v - tMean
		tVar += tDem[i] * tDem[i]
	}
	if tVar == 0 {
		return nil, fmt.Errorf("template is flat, nothing to correlate")
	}
	tNorm := math.Sqrt(tVar)

	out := make([]float64, ns-nt+1)

	// Running window sums over the series
	var s, s2 float64
	for i := 0; i < nt; i++ {
		s += series[i]
		s2 += series[i] * series[i]
	}

	for k := range out {
		if k > 0 {
			old := series[k-1]
			next := series[k+nt-1]
			s += next - old
			s2 += next*next - old*old
		}

		// Sum of squared deviations of the current window
		varSum := s2 - s*s/float64(nt)
		if varSum <= 0 {
			// Flat window, also covers tiny negatives from float error
			out[k] = 0
			continue
		}

		var dot float64
		for i := 0; i < nt; i++ {
			dot += tDem[i] * series[k+i]
		}
		// tDem sums to zero, so dot already equals the demeaned product

		cc := dot / (tNorm * math.Sqrt(varSum))
		if cc > 1 {
			cc = 1
		} else if cc < -1 {
			cc = -1
		}
		out[k] = cc
	}

	return out, nil
}

// MaxCorrelation returns the offset and value of the largest correlation.
// An empty input returns index -1.
func MaxCorrelation(cc []float64) (int, float64) {
	if len(cc) == 0 {
		return -1, 0
	}
	best := 0
	for i, v := range cc {
		if v > cc[best] {
			best = i
		}
	}
	return best, cc[best]
}

// SubsamplePeak fits a parabola through the correlation values around idx
// and returns the fractional offset of the true peak relative to idx, along
// with the interpolated peak value. At the edges of cc no refinement is
// possible and (0, cc[idx]) is returned. The offset is clamped to (-1, 1)
// and the peak value is capped at 1.
func SubsamplePeak(cc []float64, idx int) (delta, value float64) {
	if idx < 0 || idx >= len(cc) {
		return 0, 0
	}
	if idx == 0 || idx == len(cc)-1 {
		return 0, cc[idx]
	}

	y0, y1, y2 := cc[idx-1], cc[idx], cc[idx+1]
	denom := y0 - 2*y1 + y2
	if denom == 0 {
		return 0, y1
	}

	delta = 0.5 * (y0 - y2) / denom
	if delta >= 1 {
		delta = math.Nextafter(1, 0)
	} else if delta <= -1 {
		delta = math.Nextafter(-1, 0)
	}

	value = y1 - 0.25*(y0-y2)*delta
	if value > 1 {
		value = 1
	}
	return delta, value
}
