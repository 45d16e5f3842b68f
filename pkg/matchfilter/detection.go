package matchfilter

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/tremorlab/quakescan-go/internal/errors"
	"github.com/tremorlab/quakescan-go/pkg/event"
	"github.com/tremorlab/quakescan-go/pkg/seis"
)

// DetectionType records which statistic produced a detection.
type DetectionType string

const (
	// DetectCorr marks detections from a normalized cross-correlation scan.
	DetectCorr DetectionType = "corr"
	// DetectUnknown marks detections whose provenance was lost, typically
	// rows read back from legacy files.
	DetectUnknown DetectionType = "unknown"
)

// floatTolerance bounds the drift two equal detections may show after a
// round trip through the flat text format.
const floatTolerance = 1e-6

// Detection is one match of a template against continuous data. Time is the
// alignment of the template's earliest trace, not a phase arrival; refined
// arrivals live in Event once lag calculation has run.
type Detection struct {
	TemplateName   string
	Time           time.Time
	NumChans       int     // channels that contributed to the statistic
	Value          float64 // peak of the detection statistic
	Threshold      float64 // absolute threshold in effect at the peak
	ThresholdType  string  // e.g. "MAD", "absolute", "av_chan_corr"
	ThresholdInput float64 // operator input the absolute threshold was derived from
	Type           DetectionType
	Chans          []seis.ChannelID // channels the statistic was stacked over
	Event          *event.Event     // may be nil until synthesized or refined
	ID             string
}

// NewDetection validates d and fills the derived id when empty. The value
// is copied, so the caller's literal can be reused.
func NewDetection(d Detection) (*Detection, error) {
	if d.TemplateName == "" {
		return nil, errors.New(errors.NewStd("detection needs a template name")).
			Component("matchfilter").
			Category(errors.CategoryValidation).
			Build()
	}
	if d.Time.IsZero() {
		return nil, errors.Newf("detection for template %s has no detect time", d.TemplateName).
			Component("matchfilter").
			Category(errors.CategoryValidation).
			TemplateContext(d.TemplateName).
			Build()
	}
	if d.NumChans < 0 {
		return nil, errors.Newf("detection channel count must not be negative, got %d", d.NumChans).
			Component("matchfilter").
			Category(errors.CategoryValidation).
			TemplateContext(d.TemplateName).
			Build()
	}
	switch d.Type {
	case DetectCorr, DetectUnknown:
	case "":
		d.Type = DetectUnknown
	default:
		return nil, errors.Newf("unknown detection type %q", d.Type).
			Component("matchfilter").
			Category(errors.CategoryValidation).
			TemplateContext(d.TemplateName).
			Build()
	}
	out := d
	out.Chans = append([]seis.ChannelID(nil), d.Chans...)
	if out.ID == "" {
		out.ID = deriveID(out.TemplateName, out.Time)
	}
	return &out, nil
}

// deriveID builds the canonical detection id, template name plus the detect
// time to microsecond precision. Ids are stable across a serialization
// round trip because the text format keeps microseconds too.
func deriveID(templateName string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s_%s%06d", templateName, at.Format("20060102_150405"), at.Nanosecond()/1000)
}

// Copy returns a deep copy. The event, if any, is copied too, so refining
// picks on the copy never touches the original.
func (d *Detection) Copy() *Detection {
	out := *d
	out.Chans = append([]seis.ChannelID(nil), d.Chans...)
	if d.Event != nil {
		out.Event = d.Event.Copy()
	}
	return &out
}

// Equal reports whether two detections describe the same match. Floats are
// compared within floatTolerance and times within a microsecond, which is
// exactly the precision the text format preserves. Channel order does not
// matter. Events are compared by their picks, not identity.
func (d *Detection) Equal(other *Detection) bool {
	return d.equal(other, false)
}

// EqualVerbose is Equal with the first difference logged at debug level.
func (d *Detection) EqualVerbose(other *Detection) bool {
	return d.equal(other, true)
}

func (d *Detection) equal(other *Detection, verbose bool) bool {
	report := func(format string, args ...any) {
		if verbose {
			getLogger().Debug("detections differ", "id", d.ID, "detail", fmt.Sprintf(format, args...))
		}
	}
	if other == nil {
		report("other detection is nil")
		return false
	}
	if d.TemplateName != other.TemplateName {
		report("template %q != %q", d.TemplateName, other.TemplateName)
		return false
	}
	if !timesClose(d.Time, other.Time) {
		report("detect time %s != %s", d.Time, other.Time)
		return false
	}
	if d.NumChans != other.NumChans {
		report("channel count %d != %d", d.NumChans, other.NumChans)
		return false
	}
	if !floatsClose(d.Value, other.Value) {
		report("value %g != %g", d.Value, other.Value)
		return false
	}
	if !floatsClose(d.Threshold, other.Threshold) {
		report("threshold %g != %g", d.Threshold, other.Threshold)
		return false
	}
	if d.ThresholdType != other.ThresholdType {
		report("threshold type %q != %q", d.ThresholdType, other.ThresholdType)
		return false
	}
	if !floatsClose(d.ThresholdInput, other.ThresholdInput) {
		report("threshold input %g != %g", d.ThresholdInput, other.ThresholdInput)
		return false
	}
	if d.Type != other.Type {
		report("type %q != %q", d.Type, other.Type)
		return false
	}
	if !chansEqual(d.Chans, other.Chans) {
		report("channel sets differ")
		return false
	}
	if !picksEqual(d.Event, other.Event) {
		report("event picks differ")
		return false
	}
	return true
}

func floatsClose(a, b float64) bool {
	if math.IsNaN(a) && math.IsNaN(b) {
		return true
	}
	tol := floatTolerance * math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
	return math.Abs(a-b) <= tol
}

func timesClose(a, b time.Time) bool {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= time.Microsecond
}

func chansEqual(a, b []seis.ChannelID) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]seis.ChannelID(nil), a...)
	bs := append([]seis.ChannelID(nil), b...)
	sort.Slice(as, func(i, j int) bool { return as[i].String() < as[j].String() })
	sort.Slice(bs, func(i, j int) bool { return bs[i].String() < bs[j].String() })
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// picksEqual compares the pick sets of two events, ignoring pick order and
// resource ids. Resource ids are regenerated on synthesis, so identity
// comparison would make every round trip unequal.
func picksEqual(a, b *event.Event) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	if len(a.Picks) != len(b.Picks) {
		return false
	}
	ap := append([]event.Pick(nil), a.Picks...)
	bp := append([]event.Pick(nil), b.Picks...)
	less := func(p []event.Pick) func(i, j int) bool {
		return func(i, j int) bool {
			if !p[i].Time.Equal(p[j].Time) {
				return p[i].Time.Before(p[j].Time)
			}
			return p[i].WaveformID.String() < p[j].WaveformID.String()
		}
	}
	sort.Slice(ap, less(ap))
	sort.Slice(bp, less(bp))
	for i := range ap {
		if !timesClose(ap[i].Time, bp[i].Time) {
			return false
		}
		if ap[i].WaveformID != bp[i].WaveformID {
			return false
		}
		if ap[i].PhaseHint != bp[i].PhaseHint {
			return false
		}
	}
	return true
}

// SynthesizeEvent builds an event for the detection from the template
// geometry: one pick per template trace at the detect time plus that
// trace's moveout offset. With correctPrePick the template's pre-pick lead
// is added back so picks land on the phase instead of the window start.
// With estimateOrigin and a located template event, an origin is copied in
// with its time shifted to the detection and flagged as estimated.
//
// The synthesized event replaces d.Event and is also returned.
func (d *Detection) SynthesizeEvent(tpl *Template, estimateOrigin, correctPrePick bool) (*event.Event, error) {
	if tpl == nil {
		return nil, errors.New(errors.NewStd("cannot synthesize an event without a template")).
			Component("matchfilter").
			Category(errors.CategoryContract).
			Build()
	}
	if tpl.Name != d.TemplateName {
		return nil, errors.Newf("detection %s belongs to template %s, not %s: %w", d.ID, d.TemplateName, tpl.Name, ErrTemplateMismatch).
			Component("matchfilter").
			Category(errors.CategoryContract).
			TemplateContext(tpl.Name).
			Build()
	}

	base := tpl.EarliestStart()
	ev := &event.Event{
		ResourceID: event.NewResourceID("event"),
		CreationInfo: event.CreationInfo{
			Author:       creationAuthor,
			AgencyID:     creationAgency,
			CreationTime: time.Now().UTC(),
		},
		Comments: []event.Comment{{Text: "Created from detection " + d.ID}},
	}
	for _, tr := range tpl.Waveform.Traces {
		pickTime := d.Time.Add(tr.StartTime.Sub(base))
		if correctPrePick {
			pickTime = pickTime.Add(tpl.PrePick)
		}
		ev.Picks = append(ev.Picks, event.Pick{
			ResourceID: event.NewResourceID("pick"),
			Time:       pickTime,
			WaveformID: tr.ID,
		})
	}
	if estimateOrigin && tpl.Event != nil {
		if to := tpl.Event.PreferredOrigin(); to != nil {
			ev.Origins = []event.Origin{{
				ResourceID: event.NewResourceID("origin"),
				Time:       to.Time.Add(d.Time.Sub(base)),
				Latitude:   to.Latitude,
				Longitude:  to.Longitude,
				Depth:      to.Depth,
				Estimated:  true,
				CreationInfo: event.CreationInfo{
					Author:       creationAuthor,
					AgencyID:     creationAgency,
					CreationTime: time.Now().UTC(),
				},
			}}
		}
	}
	d.Event = ev
	return ev, nil
}

// ExtractStream cuts the continuous data around the detection, one window
// per channel. Channels with a refined pick are cut around the pick, the
// rest around the detect time; each window starts prePick before that
// anchor and runs for length. Channels with no data in the window are
// simply absent, never an error.
func (d *Detection) ExtractStream(stream *seis.Stream, length, prePick time.Duration) *seis.Stream {
	out := seis.NewStream()
	if stream == nil || length <= 0 {
		return out
	}
	chans := d.Chans
	if len(chans) == 0 {
		chans = stream.ChannelIDs()
	}
	for _, ch := range chans {
		anchor := d.Time
		if d.Event != nil {
			for i := range d.Event.Picks {
				if d.Event.Picks[i].WaveformID == ch {
					anchor = d.Event.Picks[i].Time
					break
				}
			}
		}
		start := anchor.Add(-prePick)
		out.AddStream(stream.Select(ch).Slice(start, start.Add(length)))
	}
	return out.Merge().Split()
}

// Creation metadata stamped on synthesized events.
const (
	creationAuthor = "QuakeScan"
	creationAgency = "tremorlab"
)

// String formats the detection the way it appears in logs.
func (d *Detection) String() string {
	return fmt.Sprintf("Detection %s at %s on %d channels (value %.3f, threshold %.3f)",
		d.ID, d.Time.UTC().Format(seis.TimeFormat), d.NumChans, d.Value, d.Threshold)
}
