// Package matchfilter implements the post-detection layer of a matched
// filter pipeline: templates, the detections they produce, and families
// grouping the detections of one template. The heavy correlation scan that
// produces raw detections sits upstream; this package owns everything that
// happens to a detection afterwards, from stream preparation through pick
// refinement to serialization.
package matchfilter

import (
	"fmt"
	"math"
	"time"

	"github.com/tremorlab/quakescan-go/internal/errors"
	"github.com/tremorlab/quakescan-go/pkg/event"
	"github.com/tremorlab/quakescan-go/pkg/seis"
)

// ProcessingRecipe captures how continuous data must be prepared before it
// is comparable with a template: the band-pass corners, the target sample
// rate and the chunk length the upstream scan used. A zero corner disables
// that side of the band.
type ProcessingRecipe struct {
	Lowcut        float64       // Hz, 0 disables the high-pass corner
	Highcut       float64       // Hz, 0 disables the low-pass corner
	SampleRate    float64       // Hz all data is resampled to
	FilterOrder   int           // poles of the band filter
	ProcessLength time.Duration // continuous chunk length the recipe expects
}

// Validate checks the recipe for internally consistent values.
func (r ProcessingRecipe) Validate() error {
	if r.SampleRate <= 0 {
		return errors.Newf("sample rate must be positive, got %g", r.SampleRate).
			Component("matchfilter").
			Category(errors.CategoryValidation).
			Build()
	}
	nyquist := r.SampleRate / 2
	if r.Highcut > 0 && r.Highcut >= nyquist {
		return errors.Newf("highcut %g Hz is not below the Nyquist frequency %g Hz", r.Highcut, nyquist).
			Component("matchfilter").
			Category(errors.CategoryValidation).
			Build()
	}
	if r.Lowcut > 0 && r.Highcut > 0 && r.Lowcut >= r.Highcut {
		return errors.Newf("lowcut %g Hz must be below highcut %g Hz", r.Lowcut, r.Highcut).
			Component("matchfilter").
			Category(errors.CategoryValidation).
			Build()
	}
	if (r.Lowcut > 0 || r.Highcut > 0) && r.FilterOrder < 1 {
		return errors.Newf("filter order must be at least 1 when a corner is set, got %d", r.FilterOrder).
			Component("matchfilter").
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}

// filterPasses maps the recipe's pole count onto biquad passes.
func (r ProcessingRecipe) filterPasses() int {
	passes := r.FilterOrder / 2
	if passes < 1 {
		passes = 1
	}
	return passes
}

// Template is a reference waveform together with the processing recipe that
// shaped it. Detections only make sense relative to the template that found
// them, so the recipe travels with the waveform.
type Template struct {
	Name     string
	Waveform *seis.Stream
	Recipe   ProcessingRecipe
	PrePick  time.Duration // lead time cut before each phase in the waveform
	Event    *event.Event  // reference event the template was built from, may be nil
}

// NewTemplate validates and builds a template. The waveform must carry at
// least one trace and every trace must already be at the recipe's sample
// rate; a template whose waveform disagrees with its own recipe would
// silently misalign every downstream pick.
func NewTemplate(name string, waveform *seis.Stream, recipe ProcessingRecipe, prePick time.Duration, ev *event.Event) (*Template, error) {
	if name == "" {
		return nil, errors.New(errors.NewStd("template name must not be empty")).
			Component("matchfilter").
			Category(errors.CategoryValidation).
			Build()
	}
	if waveform == nil || waveform.Len() == 0 {
		return nil, errors.Newf("template %s has no waveform traces", name).
			Component("matchfilter").
			Category(errors.CategoryValidation).
			TemplateContext(name).
			Build()
	}
	if err := recipe.Validate(); err != nil {
		return nil, err
	}
	if prePick < 0 {
		return nil, errors.Newf("pre-pick time must not be negative, got %s", prePick).
			Component("matchfilter").
			Category(errors.CategoryValidation).
			TemplateContext(name).
			Build()
	}
	for _, tr := range waveform.Traces {
		if tr.SampleRate != recipe.SampleRate {
			return nil, errors.Newf("trace %s is at %g Hz but the recipe expects %g Hz", tr.ID, tr.SampleRate, recipe.SampleRate).
				Component("matchfilter").
				Category(errors.CategoryValidation).
				TemplateContext(name).
				ChannelContext(tr.ID.String()).
				Build()
		}
	}
	return &Template{
		Name:     name,
		Waveform: waveform,
		Recipe:   recipe,
		PrePick:  prePick,
		Event:    ev,
	}, nil
}

// EarliestStart returns the start time of the earliest waveform trace.
// Channel moveout offsets are measured from this instant.
func (t *Template) EarliestStart() time.Time {
	start, _ := t.Waveform.Window()
	return start
}

// ChannelIDs returns the distinct channel ids of the waveform, sorted.
func (t *Template) ChannelIDs() []seis.ChannelID {
	return t.Waveform.ChannelIDs()
}

// Equal reports whether two templates describe the same reference waveform
// and recipe. Waveform traces are compared in sorted order sample for
// sample; reference events are compared by resource id only.
func (t *Template) Equal(other *Template) bool {
	return t.equal(other, false)
}

// EqualVerbose is Equal with the first difference logged at debug level,
// which is the practical way to find out why two families refuse to merge.
func (t *Template) EqualVerbose(other *Template) bool {
	return t.equal(other, true)
}

func (t *Template) equal(other *Template, verbose bool) bool {
	report := func(format string, args ...any) {
		if verbose {
			getLogger().Debug("templates differ", "template", t.Name, "detail", fmt.Sprintf(format, args...))
		}
	}
	if other == nil {
		report("other template is nil")
		return false
	}
	if t.Name != other.Name {
		report("name %q != %q", t.Name, other.Name)
		return false
	}
	if t.Recipe != other.Recipe {
		report("recipe %+v != %+v", t.Recipe, other.Recipe)
		return false
	}
	if t.PrePick != other.PrePick {
		report("prepick %s != %s", t.PrePick, other.PrePick)
		return false
	}
	if !waveformsEqual(t.Waveform, other.Waveform) {
		report("waveforms differ")
		return false
	}
	if (t.Event == nil) != (other.Event == nil) {
		report("one template has a reference event, the other does not")
		return false
	}
	if t.Event != nil && t.Event.ResourceID != other.Event.ResourceID {
		report("reference event %s != %s", t.Event.ResourceID, other.Event.ResourceID)
		return false
	}
	return true
}

// waveformsEqual compares streams trace by trace after sorting copies, so
// trace order never affects template identity.
func waveformsEqual(a, b *seis.Stream) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	if a.Len() != b.Len() {
		return false
	}
	as := seis.NewStream(append([]*seis.Trace(nil), a.Traces...)...)
	bs := seis.NewStream(append([]*seis.Trace(nil), b.Traces...)...)
	as.Sort()
	bs.Sort()
	for i := range as.Traces {
		ta, tb := as.Traces[i], bs.Traces[i]
		if ta.ID != tb.ID || ta.SampleRate != tb.SampleRate {
			return false
		}
		if !ta.StartTime.Equal(tb.StartTime) {
			return false
		}
		if len(ta.Data) != len(tb.Data) {
			return false
		}
		for j := range ta.Data {
			va, vb := ta.Data[j], tb.Data[j]
			if va != vb && !(math.IsNaN(va) && math.IsNaN(vb)) {
				return false
			}
		}
	}
	return true
}
