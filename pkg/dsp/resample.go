package dsp

import "fmt"

// Resample converts data from the original sample rate to the target rate
// using cubic interpolation. The input is returned unchanged when the rates
// already match.
func Resample(data []float64, originalRate, targetRate float64) ([]float64, error) {
	if originalRate <= 0 || targetRate <= 0 {
		return nil, fmt.Errorf("sample rates must be positive, got %v -> %v", originalRate, targetRate)
	}
	if originalRate == targetRate {
		return data, nil
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("need at least 4 samples to resample, got %d", len(data))
	}

	ratio := targetRate / originalRate
	newLength := int(float64(len(data)) * ratio)
	resampled := make([]float64, newLength)

	// Pre-calculate common terms used in the loop
	lastIndex := len(data) - 3

	for i := 0; i < newLength; i++ {
		origPos := float64(i) / ratio
		index := int(origPos)

		// Clamp index to avoid out-of-bounds access
		if index < 1 {
			index = 1
		} else if index > lastIndex {
			index = lastIndex
		}

		frac := origPos - float64(index)

		// Inline cubic interpolation to avoid extra function calls
		y0, y1, y2, y3 := data[index-1], data[index], data[index+1], data[index+2]
		mu2 := frac * frac
		a0 := -0.5*y0 + 1.5*y1 - 1.5*y2 + 0.5*y3
		a1 := y0 - 2.5*y1 + 2*y2 - 0.5*y3
		a2 := -0.5*y0 + 0.5*y2
		a3 := y1

		resampled[i] = a0*frac*mu2 + a1*mu2 + a2*frac + a3
	}

	return resampled, nil
}
